package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/paygate/core"
	"github.com/tunaaoguzhann/paygate/internal/config"
	logpkg "github.com/tunaaoguzhann/paygate/internal/logger"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting token store",
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("store_driver", cfg.Store.Driver),
	)

	store, limiter, closer, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("Failed to create token store", zap.Error(err))
	}
	defer closer.Close()

	health, _ := store.(pinger)
	if health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Store.ReadinessTimeout)*time.Second)
		err := health.Ping(ctx)
		cancel()
		if err != nil {
			logger.Fatal("Token store not ready", zap.Error(err))
		}
	}

	manager, err := core.NewManager(core.Config{
		Store:             store,
		Signer:            core.NewSigner(cfg.Store.HMACSecret, cfg.Store.PreviousHMACSecrets...),
		SingleUseValidity: cfg.Tokens.Single.Validity,
		SubscriptionQuota: cfg.Tokens.Subscription.Quota,
		SubscriptionCycle: cfg.Tokens.Subscription.Cycle,
		RateLimiter:       limiter,
		RateLimit:         cfg.RateLimit.Limit,
		RateWindow:        cfg.RateLimit.Window,
	})
	if err != nil {
		logger.Fatal("Failed to init manager", zap.Error(err))
	}

	s := &server{
		manager:   manager,
		health:    health,
		jwtSecret: cfg.Auth.JWTSecret,
		logger:    logger,
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildStore picks the token store and the rate limiter that matches it.
func buildStore(cfg config.Config) (core.Store, core.RateLimiter, io.Closer, error) {
	noop := closerFunc(func() error { return nil })

	switch cfg.Store.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Addrs[0],
			Password: cfg.Store.Password,
		})
		return core.NewRedisStore(client, cfg.Store.KeyPrefix),
			core.NewRedisRateLimiter(client, ""),
			client, nil
	case "valkey":
		s, err := core.NewValkeyStore(core.ValkeyConfig{
			Addrs:     cfg.Store.Addrs,
			Password:  cfg.Store.Password,
			KeyPrefix: cfg.Store.KeyPrefix,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, core.NewMemoryRateLimiter(), closerFunc(func() error { s.Close(); return nil }), nil
	case "sqlite":
		s, err := core.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, core.NewMemoryRateLimiter(), s, nil
	default:
		return core.NewMemoryStore(), core.NewMemoryRateLimiter(), noop, nil
	}
}
