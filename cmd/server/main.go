package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/deepchat/internal/analytics"
	"github.com/RichardoC/deepchat/internal/api"
	"github.com/RichardoC/deepchat/internal/chat"
	"github.com/RichardoC/deepchat/internal/config"
	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/handoff"
	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/persist"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func loadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}

func main() {
	configPath := flag.String("config", "", "config file (default ~/.deepchat/config.toml)")
	flag.Parse()

	loadEnvFiles()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	database, err := db.New(cfg.DBPath, db.WithMaxUserBytes(cfg.MaxUserBytes))
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}

	pending, err := handoff.Open(cfg.HandoffPath, cfg.HandoffTTL)
	if err != nil {
		logger.Fatal("failed to open handoff store",
			zap.Error(err),
			zap.String("path", cfg.HandoffPath))
	}

	recorder := analytics.New(database, prometheus.DefaultRegisterer, logger)
	store := persist.New(database, recorder, logger)
	llmService := llm.New(cfg.BaseURL, cfg.MaxPromptTokens, logger)
	manager := chat.NewManager(store, llmService, llmService, cfg.DefaultModel, logger)

	handler := api.NewHandler(manager, store, database, pending, api.Options{
		APIKey:      cfg.APIKey,
		DefaultUser: cfg.UserID,
	}, logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := newServer(cfg.ListenAddr, mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go purgeHandoffs(ctx, pending, cfg.HandoffTTL, logger)

	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.ListenAddr), zap.String("model", cfg.DefaultModel))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = multierr.Combine(
		server.Shutdown(shutdownCtx),
		manager.Close(),
		pending.Close(),
		database.Close(),
	)
	if err != nil {
		logger.Error("unclean shutdown", zap.Error(err))
	}
}

// newServer returns a server whose request contexts are cancelled when
// Shutdown starts, so long-lived event streams end instead of holding it up.
func newServer(addr string, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

func purgeHandoffs(ctx context.Context, pending *handoff.Store, ttl time.Duration, logger *zap.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pending.Purge()
			if err != nil {
				logger.Warn("failed to purge pending messages", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged pending messages", zap.Int("count", n))
			}
		}
	}
}
