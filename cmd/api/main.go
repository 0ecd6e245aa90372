package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/handler"
	"github.com/portfolio-risk/api/internal/infrastructure/notify"
	infraRedis "github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/infrastructure/token"
	"github.com/portfolio-risk/api/internal/middleware"
	"github.com/portfolio-risk/api/internal/pkg/logger"
	"github.com/portfolio-risk/api/internal/repository"
	"github.com/portfolio-risk/api/internal/service/account"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Identity service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting identity service...")
	ctx := context.Background()

	db, err := repository.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()
	log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))

	notifier, err := notify.New(cfg.Notification, log)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	defer notifier.Close()
	log.Info("Notifier ready", zap.String("driver", cfg.Notification.Driver))

	accountService, err := account.NewService(cfg, db, redisClient, notifier, logger.WithComponent(log, "account"))
	if err != nil {
		return fmt.Errorf("account service: %w", err)
	}

	tokens, err := token.NewIssuer(cfg.Security.JWTSecret, cfg.Security.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	if err := handler.RegisterValidators(); err != nil {
		return fmt.Errorf("validators: %w", err)
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		defer limiter.Stop()
	}

	router := handler.NewRouter(cfg, log,
		handler.NewHealthHandler(db, redisClient),
		handler.NewAccountHandler(accountService),
		tokens, limiter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		log.Info("Shutting down...", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
	log.Info("Server stopped")
	return nil
}
