package httpserver

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/wimz/cloud-relay/internal/auth"
	"github.com/wimz/cloud-relay/internal/store"
)

const minPasswordLen = 8

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string     `json:"access_token"`
	User  store.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not hash password")
		return
	}
	user, err := s.store.CreateUser(r.Context(), email, hash)
	if errors.Is(err, store.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		s.log.Error("user creation failed", "email", email, "err", err)
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}

	token, err := s.tokens.Mint(user.ID, user.Email)
	if err != nil {
		s.log.Error("token minting failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.log.Info("user registered", "user_id", user.ID)
	WriteJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		// One answer for unknown email and wrong password.
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token, err := s.tokens.Mint(user.ID, user.Email)
	if err != nil {
		s.log.Error("token minting failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.log.Info("user logged in", "user_id", user.ID)
	WriteJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}
	WriteJSON(w, http.StatusOK, user)
}
