package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/cache"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/content"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/records"
	"github.com/yourusername/doc-forge/internal/source"
	"github.com/yourusername/doc-forge/internal/state"
	"github.com/yourusername/doc-forge/internal/storage"
)

// application はAPIサーバーを構成するコンポーネントの束です。
type application struct {
	manager *jobs.Manager
	service *jobs.Service
	auth    *auth.Manager

	pool        *pgxpool.Pool
	cacheClient *redis.Client
}

// Close は保持している接続を閉じます。
func (a *application) Close() {
	if a.cacheClient != nil {
		_ = a.cacheClient.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// setupApp は設定からアプリケーション全体を組み立てます。
func setupApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	pool, err := records.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect failed: %w", err)
	}
	if err := records.InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	contents := content.NewPostgresStore(pool)
	if err := contents.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	cacheOpt, err := redis.ParseURL(cfg.CacheRedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("invalid CACHE_REDIS_URL: %w", err)
	}
	cacheClient := redis.NewClient(cacheOpt)
	cacheStore := cache.NewStore(cacheClient, cfg.StatusTTL, cfg.ResultTTL)

	stateAdapter := state.NewAdapter(cacheStore,
		records.NewJobRepo(pool), records.NewPageRepo(pool),
		contents, cfg.InlineResultLimit, logger)

	workspaces, err := storage.NewWorkspaces(cfg.WorkDir)
	if err != nil {
		pool.Close()
		_ = cacheClient.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, logger)
	if err != nil {
		pool.Close()
		_ = cacheClient.Close()
		return nil, err
	}

	converter := convert.NewHTTPConverter(cfg.ConverterURL, cfg.ConverterTimeout, logger)
	fetcher := source.NewFetcher(workspaces, cfg.MaxFileSize, logger)
	splitter := pdf.NewSplitter(cfg.MaxPages)
	notifier := jobs.NewWebhookNotifier(logger)

	processor := jobs.NewProcessor(stateAdapter, splitter, converter,
		fetcher, workspaces, manager, notifier, logger)
	manager.Register(processor)

	service := jobs.NewService(stateAdapter, manager, fetcher, workspaces, logger)
	authManager := auth.NewManager(records.NewKeyRepo(pool), cfg.AdminAPIKey, logger)

	return &application{
		manager:     manager,
		service:     service,
		auth:        authManager,
		pool:        pool,
		cacheClient: cacheClient,
	}, nil
}

// setupLogger は設定に従って zerolog のルートロガーを作成します。
func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
