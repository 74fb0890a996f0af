package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	config "github.com/xilidan/minutes/config/minutes"
	"github.com/xilidan/minutes/pkg/json"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/usecase"
)

type handler struct {
	cfg     *config.Config
	usecase usecase.Usecase
	log     *slog.Logger
}

type Handler interface {
	UploadHandler(w http.ResponseWriter, r *http.Request)
	RecordingHandler(w http.ResponseWriter, r *http.Request)
	ScheduleHandler(w http.ResponseWriter, r *http.Request)
	ListHandler(w http.ResponseWriter, r *http.Request)
	GetHandler(w http.ResponseWriter, r *http.Request)
	StatusHandler(w http.ResponseWriter, r *http.Request)
	EventsHandler(w http.ResponseWriter, r *http.Request)
	RetryHandler(w http.ResponseWriter, r *http.Request)
	CancelHandler(w http.ResponseWriter, r *http.Request)
	ArchiveHandler(w http.ResponseWriter, r *http.Request)
	UnarchiveHandler(w http.ResponseWriter, r *http.Request)
	TokenHandler(w http.ResponseWriter, r *http.Request)
	HealthHandler(w http.ResponseWriter, r *http.Request)

	Authenticate(next http.Handler) http.Handler
}

func NewHandler(cfg *config.Config, usecase usecase.Usecase, log *slog.Logger) Handler {
	return &handler{
		cfg:     cfg,
		usecase: usecase,
		log:     log,
	}
}

// httpStatus maps pipeline errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrAlreadyProcessing),
		errors.Is(err, entity.ErrNotRetryable),
		errors.Is(err, entity.ErrNotProcessing):
		return http.StatusConflict
	case errors.Is(err, entity.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, entity.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, usecase.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		logger.ErrorErr(ctx, "request failed", err)
	}
	json.WriteError(w, code, err)
}
