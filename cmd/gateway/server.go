package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/adminauth"
	"github.com/scantext/ocr-gateway/internal/apikey"
	"github.com/scantext/ocr-gateway/internal/config"
	"github.com/scantext/ocr-gateway/internal/database"
	"github.com/scantext/ocr-gateway/internal/engine"
	"github.com/scantext/ocr-gateway/internal/logging"
	"github.com/scantext/ocr-gateway/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the OCR gateway server",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	// Missing .env is fine; the environment may be set directly.
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", envFile, err)
		}
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store := apikey.NewStore(cfg.KeysFilePath(), apikey.Limits{
		PerMinute: cfg.DefaultRateLimitPerMinute,
		PerDay:    cfg.DefaultRateLimitPerDay,
	}, logger)
	store.Reload()
	logger.Info("key store loaded",
		zap.String("path", cfg.KeysFilePath()),
		zap.Int("keys", store.Len()))

	var usageDB *database.DB
	var recorder *database.UsageRecorder
	if cfg.UsageLogEnabled {
		dbCfg := database.DefaultConfig()
		dbCfg.Path = cfg.UsageLogDatabasePath()
		usageDB, err = database.New(dbCfg)
		if err != nil {
			// The usage log is an observability aid; admission never
			// depends on it.
			logger.Warn("usage log unavailable, continuing without it", zap.Error(err))
		} else {
			defer func() { _ = usageDB.Close() }()
			recorder = database.NewUsageRecorder(usageDB, cfg.UsageLogBuffer, logger)
			defer recorder.Close()
		}
	}

	gate := apikey.NewGate(store, apikey.NewRateLimiter(), logger, nil)

	issuer := adminauth.NewIssuer(adminauth.Credentials{
		Username:     cfg.AdminUsername,
		Password:     cfg.AdminPassword,
		PasswordHash: cfg.AdminPasswordHash,
	}, cfg.JWTSecret, cfg.SessionTTL)

	presets, err := engine.LoadPresets(cfg.VLMPresetsPath)
	if err != nil {
		return fmt.Errorf("failed to load presets: %w", err)
	}

	srv := server.New(cfg, logger, server.Options{
		Store:    store,
		Gate:     gate,
		Issuer:   issuer,
		OCR:      engine.NewTesseract(cfg.TesseractCmd),
		VLM:      engine.NewVLMClient(cfg.VLMServerURL, cfg.VLMModel, cfg.VLMTimeout),
		Presets:  presets,
		UsageDB:  usageDB,
		Recorder: recorder,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-stop:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	store.Persist()
	return nil
}
