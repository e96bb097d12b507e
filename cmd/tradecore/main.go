package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/store"
	"tradecore/pkg/logging"
	"tradecore/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

const connectTimeout = 30 * time.Second

func main() {
	flag.Parse()

	// Bootstrap logger; replaced once the configured level is known.
	logger, _ := logging.NewZapLogger("INFO")

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			logger.Fatal("Failed to load config file", "path", *configFile, "error", err)
		}
		cfg = loaded
	} else {
		logger.Info("Config file not found, using default configuration", "path", *configFile)
	}

	logger, err := logging.NewZapLogger(cfg.Log.Level)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
		logger.Warn("Invalid log level, falling back to INFO", "level", cfg.Log.Level)
	}
	logging.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.Setup("tradecore")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	logger.Info("Starting trading core",
		"components", cfg.Engine.Components,
		"exchanges", len(cfg.Exchanges))

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open state store", "path", cfg.Store.Path, "error", err)
	}

	b := bus.NewBus(cfg.Bus, "core_engine", logger)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), connectTimeout)
	err = b.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		logger.Fatal("Failed to connect to message broker", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	eng := engine.New(engine.Deps{
		Cfg:    cfg,
		Bus:    b,
		Store:  db,
		Logger: logger,
	})
	runErr := eng.Run(ctx)
	stop()

	// Engine has drained; release process-scoped resources in reverse order.
	if err := b.Close(); err != nil {
		logger.Warn("Bus close failed", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Warn("Store close failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	cancel()

	if runErr != nil {
		logger.Fatal("Core engine exited with error", "error", runErr)
	}
	logger.Info("Shutdown complete")
}
