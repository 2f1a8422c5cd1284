// Package main はAPIサーバーのエントリーポイントです。変換ワーカーも
// 同じプロセスで動かします。
package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setupApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up application")
	}
	defer app.Close()

	app.manager.StartWorkers()

	router := gin.New()
	router.Use(ginLogger(logger), gin.Recovery())
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, app)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Str("mode", cfg.GinMode).Msg("api server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := app.manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker shutdown failed")
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, app *application) {
	router.GET("/health", healthHandler(app))

	api := router.Group("/api")
	api.Use(app.auth.RequireKey(jobs.OwnerIDKey))
	jobs.RegisterRoutes(api, app.service)

	admin := router.Group("/admin")
	admin.Use(app.auth.RequireAdmin())
	auth.RegisterKeyRoutes(admin, app.auth)
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
// キャッシュと永続ストアの到達性も報告します。
func healthHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		overall := "ok"
		status := http.StatusOK
		checks := gin.H{"cache": "ok", "database": "ok"}
		if err := app.cacheClient.Ping(ctx).Err(); err != nil {
			checks["cache"] = "unreachable"
			overall = "degraded"
			status = http.StatusServiceUnavailable
		}
		if err := app.pool.Ping(ctx); err != nil {
			checks["database"] = "unreachable"
			overall = "degraded"
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":  overall,
			"service": "doc-forge-api",
			"version": "0.1.0",
			"checks":  checks,
		})
	}
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.HeaderAPIKey,
		auth.HeaderAdminKey,
	}
	return corsCfg
}

// ginLogger はリクエストログを zerolog に流すミドルウェアです。
func ginLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
