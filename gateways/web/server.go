package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	config "github.com/xilidan/minutes/config/minutes"
	"github.com/xilidan/minutes/gateways/web/handler"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/usecase"
)

type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	handler handler.Handler
	router  http.Handler
}

func New(cfg *config.Config, usc usecase.Usecase, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	log.Info("creating web server")
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty, the API is served without authentication")
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		handler: handler.NewHandler(cfg, usc, log),
	}
	s.router = s.routes(gatherer)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(gatherer prometheus.Gatherer) http.Handler {
	h := s.handler

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(s.withLogger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/healthz", h.HealthHandler)
	if gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/api/v1", func(apiRouter chi.Router) {
		apiRouter.Route("/auth", func(authRouter chi.Router) {
			authRouter.Post("/token", h.TokenHandler)
		})
		apiRouter.Route("/meetings", func(meetingsRouter chi.Router) {
			meetingsRouter.Use(h.Authenticate)

			meetingsRouter.Get("/", h.ListHandler)
			meetingsRouter.Post("/", h.UploadHandler)
			meetingsRouter.Post("/scheduled", h.ScheduleHandler)

			meetingsRouter.Route("/{id}", func(meetingRouter chi.Router) {
				meetingRouter.Get("/", h.GetHandler)
				meetingRouter.Get("/status", h.StatusHandler)
				meetingRouter.Get("/events", h.EventsHandler)
				meetingRouter.Post("/recording", h.RecordingHandler)
				meetingRouter.Post("/retry", h.RetryHandler)
				meetingRouter.Post("/cancel", h.CancelHandler)
				meetingRouter.Post("/archive", h.ArchiveHandler)
				meetingRouter.Post("/unarchive", h.UnarchiveHandler)
			})
		})
	})

	return router
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithContext(r.Context(), s.log.With(
			slog.String("request_id", middleware.GetReqID(r.Context())),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Debug("HTTP server configured",
		slog.String("addr", addr),
		slog.Int64("max_upload_bytes", s.cfg.MaxUpload))

	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info("web gateway started", slog.String("address", addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.log.Info("shutting down HTTP server gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownAfter)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("forcing server close", slog.String("error", err.Error()))
			srv.Close()
			return fmt.Errorf("failed to gracefully shutdown server: %w", err)
		}
	}

	s.log.Info("HTTP server stopped")
	return nil
}
