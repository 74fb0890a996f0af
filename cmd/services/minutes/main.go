package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	config "github.com/xilidan/minutes/config/minutes"
	"github.com/xilidan/minutes/gateways/web"
	"github.com/xilidan/minutes/pkg/gen"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/pkg/metrics"
	"github.com/xilidan/minutes/pkg/retry"
	"github.com/xilidan/minutes/services/minutes/blob"
	"github.com/xilidan/minutes/services/minutes/clients/llm"
	"github.com/xilidan/minutes/services/minutes/clients/speech"
	"github.com/xilidan/minutes/services/minutes/ingest"
	"github.com/xilidan/minutes/services/minutes/media"
	"github.com/xilidan/minutes/services/minutes/notify"
	"github.com/xilidan/minutes/services/minutes/server"
	"github.com/xilidan/minutes/services/minutes/storage"
	"github.com/xilidan/minutes/services/minutes/summarize"
	"github.com/xilidan/minutes/services/minutes/transcribe"
	"github.com/xilidan/minutes/services/minutes/usecase"
	"github.com/xilidan/minutes/topics"
)

func main() {
	log := logger.Default()

	cfg := config.MustLoad()

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn("unknown log level, using info", slog.String("level", cfg.Log.Level))
		level = slog.LevelInfo
	}
	log = logger.New(logger.Config{
		Level:      level,
		Output:     os.Stderr,
		AddSource:  level == slog.LevelDebug,
		JSONFormat: cfg.Log.JSON,
	})
	logger.SetDefault(log)

	log.Info("configuration loaded",
		slog.Int("http_port", cfg.HTTPPort),
		slog.Int("grpc_port", cfg.GRPCPort),
		slog.Bool("postgres", cfg.Database.Enabled()),
		slog.Bool("redis", cfg.Redis.Enabled()),
		slog.Bool("auth", cfg.JWTSecret != ""),
		slog.String("blob_dir", cfg.BlobDir))

	ctx := logger.WithContext(context.Background(), log)

	rootCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("failed to run()", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("minutes service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	stg, closeStorage, err := newStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	blobs, err := blob.NewFS(cfg.BlobDir)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mtr := metrics.New(registry)

	ids := gen.UUID()
	httpClient := &http.Client{}

	prober := media.Chain(media.NewWAVProber(), media.NewFFProbe(cfg.Media.FFprobeBin))
	decoder := media.NewFFmpeg(cfg.Media.FFmpegBin)

	speechClient := speech.New(speech.Config{
		BaseURL: cfg.Transcription.URL,
		APIKey:  cfg.Transcription.APIKey,
		Model:   cfg.Transcription.Model,
	}, httpClient, log)
	llmClient := llm.New(llm.Config{
		BaseURL:   cfg.Summarization.URL,
		APIKey:    cfg.Summarization.APIKey,
		Model:     cfg.Summarization.Model,
		MaxTokens: cfg.Summarization.MaxTokens,
	}, httpClient, log)

	stages := usecase.Stages{
		Ingester: ingest.New(blobs, prober, cfg.MaxUpload, ids),
		Transcriber: transcribe.New(blobs, decoder, speechClient, transcribe.Options{
			Language:      cfg.Transcription.Language,
			MaxChunkBytes: cfg.Transcription.MaxChunkBytes,
			Concurrency:   cfg.Transcription.Concurrency,
			Policy:        retryPolicy(cfg.Transcription.Retry),
			Metrics:       mtr,
		}),
		Summarizer: summarize.New(llmClient, summarize.Options{
			MaxInputChars: cfg.Summarization.MaxInputChars,
			Policy:        retryPolicy(cfg.Summarization.Retry),
			Metrics:       mtr,
		}),
	}

	var publisher notify.Publisher
	if cfg.Redis.Enabled() {
		rdb, err := notify.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher = notify.NewRedisPublisher(rdb, topics.MeetingStatus, log)
		log.Info("publishing status events to redis", slog.String("channel", topics.MeetingStatus.Name()))
	}

	usc := usecase.New(stg, stages, usecase.Options{
		RecentWindow: cfg.RecentWindow,
		IDs:          ids,
		Metrics:      mtr,
		Publisher:    publisher,
		Log:          log,
	})

	recovered, err := usc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover meetings: %w", err)
	}
	if recovered > 0 {
		log.Warn("marked interrupted meetings as failed", slog.Int("count", recovered))
	}

	srv := server.NewServerOptions(usc, log)
	grpcServer, err := srv.NewServer()
	if err != nil {
		log.Error("failed to create grpc server", slog.String("error", err.Error()))
		return err
	}

	address := fmt.Sprintf(":%d", cfg.GRPCPort)
	grpcListener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port: %w", err)
	}

	webServer := web.New(cfg, usc, registry, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("minutes grpc service started", slog.String("address", address))
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server has closed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return webServer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("start shutdown")

		// Runs in flight are recorded as interrupted before the
		// listeners go away, so watchers see the final events.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownAfter)
		defer cancel()
		if err := usc.Close(closeCtx); err != nil {
			log.Error("pipeline did not stop cleanly", slog.String("error", err.Error()))
		}

		srv.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, func(), error) {
	if !cfg.Database.Enabled() {
		log.Warn("DB_HOST is not set, meetings are kept in memory")
		return storage.New(), func() {}, nil
	}

	pg, err := storage.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to postgres", slog.String("host", cfg.Database.Host), slog.String("database", cfg.Database.Name))
	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Error("failed to close postgres", slog.String("error", err.Error()))
		}
	}, nil
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
		AttemptTimeout: c.Timeout,
	}
}
