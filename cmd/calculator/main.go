package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/checkout"
	"github.com/tunaaoguzhann/paygate/internal/config"
	"github.com/tunaaoguzhann/paygate/internal/httpx"
	logpkg "github.com/tunaaoguzhann/paygate/internal/logger"
	"github.com/tunaaoguzhann/paygate/internal/metrics"
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

	logger.Info("Starting calculator",
		zap.String("env", env),
		zap.Int("http_port", cfg.Calculator.Port),
		zap.String("store_url", cfg.Calculator.StoreURL),
	)

	policy := cfg.GatePolicy()
	store := access.NewStoreClient(cfg.Calculator.StoreURL, cfg.Gate.Timeout)
	visits := access.NewVisits(store, policy, cfg.Calculator.SessionTTL,
		access.WithLogger(logger),
		access.WithTransitionHook(metrics.GateTransition),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go visits.Run(ctx, cfg.Calculator.SweepInterval)

	// revalidate, consume and its retries all share this budget
	gateTimeout := cfg.Gate.Timeout * time.Duration(cfg.Gate.Retry.MaxAttempts+1)

	s := &server{
		visits:       visits,
		policy:       policy,
		params:       cfg.DeductionParams(),
		checkout:     checkout.NewClient(cfg.Calculator.CheckoutURL, cfg.Gate.Timeout),
		limiter:      httpx.NewIPLimiter(cfg.Calculator.RPS, cfg.Calculator.Burst),
		cookieSecret: cfg.Calculator.CookieSecret,
		sessionTTL:   cfg.Calculator.SessionTTL,
		gateTimeout:  gateTimeout,
		logger:       logger,
	}

	addr := fmt.Sprintf(":%d", cfg.Calculator.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: s.gateTimeout + time.Duration(cfg.HTTP.WriteTimeoutSec)*time.Second,
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
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully", zap.Int("open_visits", visits.Len()))
}
