package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xilidan/minutes/pkg/json"
	"github.com/xilidan/minutes/pkg/jwt"
	"github.com/xilidan/minutes/pkg/logger"
)

const apiSubject = "api"

type (
	TokenRequest struct {
		APIKey string `json:"api_key"`
	}

	TokenResponse struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
)

// TokenHandler exchanges the shared API key for a bearer token.
func (h *handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg.APIKeyHash == "" || h.cfg.JWTSecret == "" {
		json.WriteError(w, http.StatusNotFound, errors.New("token issuing is disabled"))
		return
	}

	var req TokenRequest
	if err := json.ParseJSON(r, &req); err != nil {
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.APIKeyHash), []byte(req.APIKey)); err != nil {
		logger.Info(r.Context(), "rejected api key", slog.String("remote_addr", r.RemoteAddr))
		json.WriteError(w, http.StatusUnauthorized, errors.New("invalid api key"))
		return
	}

	token, err := jwt.Generate(r.Context(), apiSubject, h.cfg.JWTSecret)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	json.WriteJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(jwt.TokenTTL).UTC(),
	})
}

// Authenticate requires a valid bearer token. Without a JWT secret the API
// is open.
func (h *handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.ParseTokenFromHeader(r)
		if err != nil {
			json.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		subject, err := jwt.ParseSubject(r.Context(), token, h.cfg.JWTSecret)
		if err != nil {
			logger.Debug(r.Context(), "rejected token", slog.String("error", err.Error()))
			json.WriteError(w, http.StatusUnauthorized, jwt.ErrInvalidToken)
			return
		}

		ctx := logger.With(r.Context(), slog.String("subject", subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
