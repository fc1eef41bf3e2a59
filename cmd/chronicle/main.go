package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/chronicle/internal/api"
	"github.com/nidhogg/chronicle/internal/command"
	"github.com/nidhogg/chronicle/internal/compaction"
	"github.com/nidhogg/chronicle/internal/config"
	"github.com/nidhogg/chronicle/internal/provider"
	"github.com/nidhogg/chronicle/internal/session"
	"github.com/nidhogg/chronicle/internal/store"
	"github.com/nidhogg/chronicle/internal/summarizer"
	"github.com/nidhogg/chronicle/internal/tokens"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/chronicle.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Chronicle...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Persistence
	persister, closePersister := openPersister(ctx, cfg.Database, logger)

	// Token counter
	var counter tokens.Counter = tokens.Estimator{}
	if tk, tkErr := tokens.NewTiktoken(""); tkErr != nil {
		logger.Warn("tiktoken unavailable, using estimator", zap.Error(tkErr))
	} else {
		counter = tk
	}

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		router.Register(provider.NewOpenAIProvider(pc.Transport(), logger))
	}
	logger.Info("Providers registered", zap.Int("count", router.Len()))

	// Summarizer: LLM first, extractive when no provider answers.
	var sum summarizer.Summarizer = summarizer.Extractive{}
	if router.Len() > 0 {
		sum = summarizer.Chain{
			Summarizers: []summarizer.Summarizer{summarizer.NewLLM(router, 0), summarizer.Extractive{}},
			Logger:      logger,
		}
	}

	// Session registry and compaction
	reg := session.NewRegistry(cfg.SessionConfig(), persister, logger,
		session.WithRegistryCounter(counter),
		session.WithDefaultScenario(cfg.Scenario))

	job := compaction.NewJob(cfg.Compaction.Policy(), sum, logger)
	sched, err := compaction.NewScheduler(job, cfg.Compaction.Schedule, reg.Stores, logger)
	if err != nil {
		logger.Fatal("compaction scheduler", zap.Error(err))
	}
	reg.SetCompactor(sched)
	if err := sched.Start(); err != nil {
		logger.Fatal("start compaction scheduler", zap.Error(err))
	}

	var gen session.Generator
	if router.Len() > 0 {
		gen = session.NewProviderGenerator(router, 0, 0.8)
	}
	commands := command.NewRegistry()
	command.RegisterBuiltins(commands)
	handler := api.NewHandler(reg, gen, router, commands, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Chronicle listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Chronicle...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	if err := reg.Close(shutdownCtx); err != nil {
		logger.Error("save sessions on shutdown", zap.Error(err))
	}
	closePersister()
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openPersister connects the configured backend. An unreachable backend is
// logged and the process keeps sessions in memory only.
func openPersister(ctx context.Context, db config.DatabaseConfig, logger *zap.Logger) (session.Persister, func()) {
	switch db.Persistence {
	case "postgres":
		ps, err := store.New(ctx, db.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
			return nil, func() {}
		}
		if err := ps.Migrate(ctx, db.Postgres.MigrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		return ps, ps.Close
	case "redis":
		rs, err := store.NewRedis(ctx, store.RedisOptions{
			URL:    db.Redis.URL,
			Prefix: db.Redis.Prefix,
			TTL:    time.Duration(db.Redis.TTL),
		}, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without persistence", zap.Error(err))
			return nil, func() {}
		}
		return rs, func() { _ = rs.Close() }
	}
	logger.Info("Persistence disabled")
	return nil, func() {}
}
