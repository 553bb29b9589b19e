package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	storageHandler "suimessenger/internal/handler/http/storage"
	"suimessenger/internal/middleware"
	"suimessenger/internal/repository/file"
	"suimessenger/pkg/config"
	"suimessenger/pkg/constants"
	"suimessenger/pkg/database"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
)

const serviceName = "storage-node"

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.InitDefault()
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   "stdout",
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()

	// 2. Open the blob directory
	store, err := file.NewBlobStore(cfg.Node.DataDir)
	if err != nil {
		logger.Fatal("Failed to open blob directory", zap.String("dir", cfg.Node.DataDir), zap.Error(err))
	}

	// 3. Rate limiter, backed by Redis when reachable
	m := metrics.NewMetrics(serviceName)
	var limiter *middleware.RateLimiter
	if cfg.Node.RateLimit > 0 {
		redisDB, err := database.NewRedisDB(ctx, &database.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("Redis unavailable, rate limiting in memory", zap.Error(err))
			limiter = middleware.NewRateLimiter(nil, cfg.Node.RateLimit, constants.RateLimitWindow, m)
		} else {
			defer redisDB.Close()
			limiter = middleware.NewRateLimiter(redisDB.Client, cfg.Node.RateLimit, constants.RateLimitWindow, m)
		}
	}

	// 4. Setup Gin Router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := storageHandler.NewRouter(store, storageHandler.RouterConfig{
		ServiceName:    serviceName,
		RequestTimeout: cfg.Node.RequestTimeout,
		Metrics:        m,
		Limiter:        limiter,
	})

	// 5. Start server
	server := &http.Server{
		Addr:              cfg.Node.Addr,
		Handler:           router,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}

	go func() {
		logger.Info("Storage node starting",
			zap.String("addr", cfg.Node.Addr),
			zap.String("data_dir", cfg.Node.DataDir),
			zap.Int("rate_limit", cfg.Node.RateLimit),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down storage node")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
