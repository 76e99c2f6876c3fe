package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"

	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/recognizer"
	"github.com/loqalabs/followalong/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "followalong.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	shutdownTelemetry, metrics, err := runtime.SetupTelemetry(cfg, "followalong-recognizer", logger)
	if err != nil {
		logger.Error("failed to setup telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rec, err := recognizer.New(cfg.Recognizer)
	if err != nil {
		logger.Error("failed to build recognizer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	srv := recognizer.NewServer(cfg.Recognizer, rec, logger)
	if metrics != nil {
		srv.App().Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(fmt.Sprintf("%s:%d", cfg.Recognizer.Bind, cfg.Recognizer.Port))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("recognizer exited with error", slog.String("error", err.Error()))
			time.Sleep(1 * time.Second)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("recognizer shutdown error", slog.String("error", err.Error()))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
