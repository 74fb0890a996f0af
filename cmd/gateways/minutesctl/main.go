package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	config "github.com/xilidan/minutes/config/cli"
	"github.com/xilidan/minutes/gateways/cli/commands"
	"github.com/xilidan/minutes/gateways/cli/credentials"
	"github.com/xilidan/minutes/pkg/logger"
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("MINUTES_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := logger.New(logger.Config{
		Level:  level,
		Output: os.Stderr,
	})

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps := &commands.Dependencies{
		Config:      cfg,
		Credentials: credentials.NewStore(),
		HTTPClient:  &http.Client{Timeout: cfg.Timeout},
		Log:         log,
		Out:         os.Stdout,
		In:          os.Stdin,
	}

	if err := commands.NewRootCmd(deps).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
