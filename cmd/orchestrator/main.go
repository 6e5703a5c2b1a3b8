package main

import (
	"github.com/servionai/waconnect/internal/httpapi"
	"github.com/servionai/waconnect/internal/importer"
	"github.com/servionai/waconnect/internal/protocol"
	"github.com/servionai/waconnect/internal/ratelimit"
	"github.com/servionai/waconnect/internal/responder"
	"github.com/servionai/waconnect/internal/router"
	"github.com/servionai/waconnect/internal/session"
	"github.com/servionai/waconnect/internal/storage"
	"github.com/servionai/waconnect/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Store
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStore()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStore(dbConfig)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize the reply generator
	resp := responder.NewOpenAIResponder(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		logger,
	)

	// Inbound message pipeline
	rt := router.New(store, resp, router.TakeoverPolicy{
		HumanWindow:      cfg.Takeover.HumanWindow,
		ConsecutiveHuman: cfg.Takeover.ConsecutiveHuman,
		RecentLimit:      cfg.Takeover.RecentLimit,
	}, logger)

	// Session registry over the WhatsApp protocol adapter
	factory := &protocol.WhatsmeowFactory{
		StoreDir: cfg.WhatsApp.StoreDir,
		LogLevel: cfg.WhatsApp.LogLevel,
		Logger:   logger,
	}
	registry := session.NewRegistry(factory, store, rt, session.Options{
		QRWaitAttempts: cfg.Session.QRWaitAttempts,
		QRWaitInterval: cfg.Session.QRWaitInterval,
	}, logger)

	imports := importer.NewManager(registry, store, importer.Options{
		MessageLimit:    cfg.Import.MessageLimit,
		EmptyRetryDelay: cfg.Import.EmptyRetryDelay,
	}, logger)

	limiter := ratelimit.New(
		cfg.RateLimit.StatusMinInterval,
		cfg.RateLimit.StaleAge,
		cfg.RateLimit.SweepProbability,
	)

	server := httpapi.NewServer(registry, imports, limiter, logger)

	logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
	if err := server.Router().Run(cfg.HTTP.Addr); err != nil {
		logger.Fatal("HTTP server error", zap.Error(err))
	}
}
