package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/zybastuk/miniapp-metrics/internal/apify"
	"github.com/zybastuk/miniapp-metrics/internal/config"
	"github.com/zybastuk/miniapp-metrics/internal/domain"
	"github.com/zybastuk/miniapp-metrics/internal/httpserver"
	"github.com/zybastuk/miniapp-metrics/internal/oplog"
	"github.com/zybastuk/miniapp-metrics/internal/postgres"
	"github.com/zybastuk/miniapp-metrics/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := postgres.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("connected to database")

	ring := oplog.NewRing(oplog.DefaultCapacity)
	runner := apify.NewClient(cfg.ApifyBaseURL, cfg.ApifyToken, cfg.WebhookURL())

	actors := make(map[domain.Platform]string, len(cfg.Actors))
	for name, actorID := range cfg.Actors {
		if platform, ok := domain.ParsePlatform(name); ok {
			actors[platform] = actorID
		}
	}
	syncService := domain.NewSyncService(repo, runner, ring, domain.SyncConfig{Actors: actors}, logger)

	server := httpserver.NewServer(httpserver.Deps{
		Config:   cfg,
		Verifier: telegram.NewVerifier(cfg.BotToken),
		Users:    repo,
		Posts:    repo,
		Sync:     syncService,
		Ring:     ring,
		Logger:   logger,
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "webhook_url", cfg.WebhookURL())

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
