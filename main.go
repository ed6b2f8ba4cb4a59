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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tourbook/auth-service/internal/cache"
	"github.com/tourbook/auth-service/internal/config"
	"github.com/tourbook/auth-service/internal/credential"
	"github.com/tourbook/auth-service/internal/db"
	"github.com/tourbook/auth-service/internal/handler"
	"github.com/tourbook/auth-service/internal/obs"
	"github.com/tourbook/auth-service/internal/ratelimit"
	"github.com/tourbook/auth-service/internal/service"
	"github.com/tourbook/auth-service/internal/token"
	"go.uber.org/zap"
)

// @title Auth Service API
// @version 1.0
// @description Token lifecycle manager of the tourism booking platform.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(obs.LogConfig{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		App:    cfg.App.Name,
		Env:    cfg.App.Env,
		Ver:    cfg.App.Version,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := obs.SetupOTel(ctx, obs.OTELConfig{
		Enable:      cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.App.Name,
		SampleRatio: cfg.OTEL.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}

	pool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	store := db.NewPostgres(pool, cfg.Postgres.QueryTimeout)
	defer store.Close()

	if err := db.EnsureAuthSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("database ready")

	tokenCache := cache.NewService(ctx, cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		OpTimeout:    cfg.Redis.OpTimeout,
		Prefix:       cfg.Redis.Prefix,
		Enabled:      cfg.Redis.Enabled,
	}, logger)
	defer func() { _ = tokenCache.Close() }()

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte(cfg.Auth.JWTSecret),
		RefreshSecret: []byte(cfg.Auth.JWTRefreshSecret),
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		Issuer:        cfg.Auth.Issuer,
		KeyID:         cfg.Auth.KeyID,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	authService := service.NewAuthService(
		store,
		tokenCache,
		codec,
		credential.NewValidator(cfg.Auth.BcryptCost),
		logger,
		metrics,
	)

	sweeper := service.NewSweeper(store, cfg.Sweep.Interval, logger, metrics)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handler.NewRouter(handler.RouterDeps{
		Auth:        authService,
		AuthHandler: handler.NewAuthHandler(authService, cfg.Auth.PublicKey),
		Health:      handler.NewHealthHandler(store, tokenCache, cfg.App.Name),
		Limiter: ratelimit.New(tokenCache.Redis(), ratelimit.Config{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
			Prefix:      cfg.Redis.Prefix,
		}, logger),
		Metrics:        metrics,
		MetricsHTTP:    obs.MetricsHandler(reg),
		Logger:         logger,
		CORSOrigins:    cfg.Server.CORSOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      obs.HTTPHandler(router, cfg.App.Name),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("otel shutdown", zap.Error(err))
	}
	return nil
}
