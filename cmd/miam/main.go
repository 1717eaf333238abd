package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/cli"
	"github.com/miam-bot/miam/internal/collaborator"
	"github.com/miam-bot/miam/internal/retrieval"
	"github.com/miam-bot/miam/internal/session"
	"github.com/miam-bot/miam/internal/storage"
	"github.com/miam-bot/miam/internal/trimmer"
	"github.com/miam-bot/miam/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize storage
	var store storage.Store
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStore()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStore(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	ctx := context.Background()

	// Initialize the model collaborator
	llm := collaborator.NewOpenAIClient(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		logger,
	)

	// Initialize retrieval and index the seed corpus
	var retriever retrieval.Retriever
	if cfg.Retrieval.Enabled {
		chromem := retrieval.NewChromemRetriever(cfg.OpenAI.APIKey, logger)
		if err := chromem.Index(ctx, cfg.Retrieval.Namespace, retrieval.SeedCorpus); err != nil {
			logger.Fatal("Failed to index retrieval corpus", zap.Error(err))
		}
		retriever = chromem
	}

	// Initialize the session engine
	engine := session.New(store, llm, llm, retriever, trimmer.NewEstimator(), session.Config{
		TokenBudget:         cfg.Session.TokenBudget,
		Model:               cfg.OpenAI.Model,
		CollaboratorTimeout: cfg.Session.CollaboratorTimeout,
		RetrievalNamespace:  cfg.Retrieval.Namespace,
		RetrievalLimit:      cfg.Retrieval.Limit,
	}, logger)

	// Run the interactive service
	app := cli.New(store, engine, os.Stdin, os.Stdout, logger)
	if err := app.Run(ctx); err != nil {
		logger.Fatal("Service error", zap.Error(err))
	}
}
