package httpserver

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wimz/cloud-relay/internal/relay"
)

// uploadRecord tracks one staged music file. The uuid in the download URL is
// the capability the robot uses to fetch it; only the uploader may delete.
type uploadRecord struct {
	ID       string    `json:"file_id"`
	OwnerID  string    `json:"-"`
	Filename string    `json:"filename"`
	Path     string    `json:"-"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created_at"`
}

var allowedMusicExt = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".ogg": {}, ".m4a": {}, ".flac": {},
}

// handleMusicUpload stages a music file on disk and tells the target robot to
// download it. Large payloads go through here instead of the WebSocket, which
// caps command frames well below song size.
func (s *Server) handleMusicUpload(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.WSMaxMessageBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := allowedMusicExt[ext]; !ok {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported audio format")
		return
	}

	deviceID := r.FormValue("device_id")
	if deviceID == "" {
		if owned := s.manager.OwnedDevices(userID); len(owned) > 0 {
			deviceID = owned[0]
		}
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "no device paired to this account")
		return
	}
	if s.manager.DeviceOwner(deviceID) != userID {
		writeError(w, http.StatusForbidden, "device is not paired to this account")
		return
	}

	if err := os.MkdirAll(s.cfg.MusicUploadDir, 0o755); err != nil {
		s.log.Error("upload dir unavailable", "dir", s.cfg.MusicUploadDir, "err", err)
		writeError(w, http.StatusInternalServerError, "could not stage file")
		return
	}

	id := uuid.NewString()
	path := filepath.Join(s.cfg.MusicUploadDir, id+ext)
	dst, err := os.Create(path)
	if err != nil {
		s.log.Error("staging file creation failed", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, "could not stage file")
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		s.log.Error("staging write failed", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, "could not stage file")
		return
	}

	rec := uploadRecord{
		ID:       id,
		OwnerID:  userID,
		Filename: filepath.Base(header.Filename),
		Path:     path,
		Size:     size,
		Created:  time.Now().UTC(),
	}
	s.upMu.Lock()
	s.uploads[id] = rec
	s.upMu.Unlock()

	err = s.manager.ForwardCommand(userID, deviceID, relay.Frame{
		"command":  "download_song",
		"file_id":  id,
		"filename": rec.Filename,
		"url":      "/api/music/file/" + id,
		"size":     size,
	})
	delivered := err == nil
	if err != nil {
		s.log.Warn("download_song command not delivered",
			"device_id", deviceID, "file_id", id, "err", err)
	}

	s.log.Info("music file staged",
		"file_id", id, "user_id", userID, "device_id", deviceID, "size", size)
	WriteJSON(w, http.StatusCreated, map[string]any{
		"file_id":   id,
		"filename":  rec.Filename,
		"size":      size,
		"delivered": delivered,
	})
}

func (s *Server) handleMusicDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.upMu.Lock()
	rec, ok := s.uploads[id]
	s.upMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Filename+`"`)
	http.ServeFile(w, r, rec.Path)
}

func (s *Server) handleMusicDelete(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	s.upMu.Lock()
	rec, ok := s.uploads[id]
	if ok && rec.OwnerID == userID {
		delete(s.uploads, id)
	}
	s.upMu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}
	if rec.OwnerID != userID {
		writeError(w, http.StatusForbidden, "file belongs to another account")
		return
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("staged file removal failed", "file_id", id, "err", err)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
