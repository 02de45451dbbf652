package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetsync/internal/app"
	"fleetsync/internal/config"
	"fleetsync/internal/logging"
	"fleetsync/internal/notify"
	"fleetsync/internal/session"
	"fleetsync/internal/store"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsDevSecret() {
		logger.Warn("using the development JWT secret; set FLEET_JWT_SECRET")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
		ConnMaxIdleTime: cfg.DatabaseConnMaxIdleTime,
		ApplicationName: "fleetsync-api",
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	sessions, err := session.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer sessions.Close()

	service := app.New(cfg, store.NewPostgresStore(db), sessions, sessions.Client(), logger)
	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: "Fleet",
		AlertTo:  cfg.AlertTo,
	})
	if mailer.IsConfigured() {
		service.SetDefectNotifier(mailer)
		logger.Info("defect alerts enabled", zap.Strings("to", cfg.AlertTo))
	}
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, will retry on next restart", zap.Error(err))
	}

	limiter := app.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	go sweepLimiter(ctx, limiter, cfg.RateLimitWindow, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, limiter, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("fleet api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func sweepLimiter(ctx context.Context, limiter *app.RateLimiter, window time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Sweep(10 * window); removed > 0 {
				logger.Debug("rate limiter swept", zap.Int("removed", removed))
			}
		}
	}
}
