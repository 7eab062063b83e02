package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskdeck/taskdeck/shared/config"
	"github.com/taskdeck/taskdeck/simulator"
)

// Environment variable names
const (
	EnvConfigYAML  = "TASKDECK_CONFIG_YAML"
	EnvDatabaseURL = "TASKDECK_DATABASE_URL"
)

func main() {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configYAML := flag.String("config-yaml", "", "Path to YAML configuration file")
	listenAddr := flag.String("listen", "", "Listen address override")
	flag.Parse()

	yamlPath := os.Getenv(EnvConfigYAML)
	if configYAML != nil && *configYAML != "" {
		yamlPath = *configYAML
	}
	if yamlPath == "" {
		yamlPath = "config.yaml"
	}

	cfg, err := config.New(yamlPath, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	stopWatch, err := cfg.Watch()
	if err != nil {
		logger.Warn("Config hot reload unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	if newLogger, err := config.BuildLogger(cfg.LogLevel()); err != nil {
		logger.Warn("Invalid log level in config, keeping default", zap.Error(err))
	} else {
		logger = newLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Info("Received termination signal")
		cancel()
	}()

	var store simulator.TaskStore
	dbURL := os.Getenv(EnvDatabaseURL)
	if cfg.DatabaseURL() != "" {
		dbURL = cfg.DatabaseURL()
	}
	if dbURL != "" {
		logger.Info("Using PostgreSQL task store")
		pgStore, err := simulator.NewPostgresTaskStore(ctx, dbURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect task store", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		logger.Info("Using in-memory task store")
		store = simulator.NewInMemoryTaskStore()
	}

	simOptions := []simulator.SimOption{simulator.WithLogger(logger)}
	if cfg.StepDelay() > 0 {
		simOptions = append(simOptions, simulator.WithStepDelay(cfg.StepDelay()))
	}
	sim := simulator.New(store, simOptions...)
	defer sim.Close()

	addr := cfg.ListenAddr()
	if listenAddr != nil && *listenAddr != "" {
		addr = *listenAddr
	}
	server := &http.Server{
		Addr:    addr,
		Handler: sim.Handler(),
	}

	go func() {
		logger.Info("Task API simulator listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
	logger.Info("Simulator stopped")
}
