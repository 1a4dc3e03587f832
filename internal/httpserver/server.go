// Package httpserver is the relay's HTTP surface: account and pairing
// management, TURN credential minting, music staging and the operational
// endpoints. The realtime paths live in the ws package and are mounted on
// the same mux.
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wimz/cloud-relay/internal/auth"
	"github.com/wimz/cloud-relay/internal/config"
	"github.com/wimz/cloud-relay/internal/metrics"
	"github.com/wimz/cloud-relay/internal/relay"
	"github.com/wimz/cloud-relay/internal/store"
	"github.com/wimz/cloud-relay/internal/turnclient"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	manager *relay.Manager
	store   store.Store
	turn    *turnclient.Client
	devices auth.DeviceVerifier
	tokens  auth.Tokens

	ready atomic.Bool

	upMu    sync.Mutex
	uploads map[string]uploadRecord

	mux *http.ServeMux
	srv *http.Server
}

func New(
	cfg config.Config,
	logger *slog.Logger,
	manager *relay.Manager,
	st store.Store,
	turn *turnclient.Client,
	devices auth.DeviceVerifier,
	tokens auth.Tokens,
	build BuildInfo,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		manager: manager,
		store:   st,
		turn:    turn,
		devices: devices,
		tokens:  tokens,
		uploads: map[string]uploadRecord{},
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: the mux also carries the long-lived
		// WebSocket connections.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.manager.Stats())
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.manager.Metrics()))

	// Operator view of the persisted ownership table, useful when debugging
	// a pairing that the in-memory view disagrees about.
	s.mux.HandleFunc("GET /debug/pairing", func(w http.ResponseWriter, r *http.Request) {
		pairings, err := s.store.GetAllDevicePairings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "pairing lookup failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"pairings": pairings})
	})

	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/auth/me", s.requireUser(s.handleMe))

	s.mux.HandleFunc("POST /api/device/register", s.handleDeviceRegister)
	s.mux.HandleFunc("POST /api/device/pair", s.requireUser(s.handleDevicePair))
	s.mux.HandleFunc("POST /api/device/unpair", s.requireUser(s.handleDeviceUnpair))
	s.mux.HandleFunc("GET /api/device/list", s.requireUser(s.handleDeviceList))

	s.mux.HandleFunc("POST /api/turn/credentials", s.requireUser(s.handleTURNCredentials))

	s.mux.HandleFunc("POST /api/music/upload", s.requireUser(s.handleMusicUpload))
	s.mux.HandleFunc("GET /api/music/file/{id}", s.handleMusicDownload)
	s.mux.HandleFunc("DELETE /api/music/file/{id}", s.requireUser(s.handleMusicDelete))
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// decodeBody decodes a JSON request body into v, rejecting unknown noise
// only by size: bodies larger than 1 MiB are cut off.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// requireUser wraps a handler with bearer-token authentication. The token's
// subject claim is passed through as the user id.
func (s *Server) requireUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, claims.UserID)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
