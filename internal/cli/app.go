package cli

import (
	"fmt"

	"github.com/RichardoC/deepchat/internal/analytics"
	"github.com/RichardoC/deepchat/internal/chat"
	"github.com/RichardoC/deepchat/internal/config"
	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/persist"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// app is everything a command needs, opened from the loaded config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *db.Database
	store   *persist.Sync
	manager *chat.Manager
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.DBPath, db.WithMaxUserBytes(cfg.MaxUserBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := persist.New(database, analytics.New(database, nil, logger), logger)
	service := llm.New(cfg.BaseURL, cfg.MaxPromptTokens, logger)
	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      database,
		store:   store,
		manager: chat.NewManager(store, service, service, cfg.DefaultModel, logger),
	}, nil
}

func (a *app) Close() error {
	err := multierr.Combine(a.manager.Close(), a.db.Close())
	_ = a.logger.Sync()
	return err
}
