package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahmedG3far44/DevPilot-server/internal/app/migrate"
	httpx "github.com/ahmedG3far44/DevPilot-server/internal/http"
	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository/postgres"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/auth"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/deploy"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/logs"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/ports"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/webhook"
	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
	"github.com/ahmedG3far44/DevPilot-server/pkg/config"
	"github.com/ahmedG3far44/DevPilot-server/pkg/crypto"
	"github.com/ahmedG3far44/DevPilot-server/pkg/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 2 * time.Minute
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logger.New("api", slog.LevelInfo).Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	executor, err := newExecutor(cfg, log)
	if err != nil {
		log.Error("failed to configure remote host", "error", err)
		os.Exit(1)
	}
	cipher, err := crypto.NewCipher(cfg.EnvEncryptionKey)
	if err != nil {
		log.Error("failed to configure env var encryption", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Close()

	logSvc := logs.New(repo, hub, log)
	deploySvc := deploy.New(repo, ports.New(repo), executor, logSvc, cipher, cfg, log)
	webhookSvc := webhook.New(repo, repo, deploySvc, cipher, log)
	authSvc := auth.New(repo, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, cfg, authSvc, deploySvc, logSvc, webhookSvc, limiter, repo.Ping)
	defer router.Close()

	// No WriteTimeout: push streams stay open for the length of a pipeline.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "remote_host", cfg.SSHHost)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		if err := deploySvc.Drain(drainCtx); err != nil {
			log.Warn("background pipelines still running at exit", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newExecutor(cfg config.APIConfig, log *slog.Logger) (*remote.SSHExecutor, error) {
	target := remote.Target{
		Host:           cfg.SSHHost,
		Port:           cfg.SSHPort,
		User:           cfg.SSHUser,
		Password:       cfg.SSHPassword,
		KnownHostsPath: cfg.SSHKnownHostsPath,
		DialTimeout:    cfg.SSHDialTimeout,
	}
	if path := strings.TrimSpace(cfg.SSHKeyPath); path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		target.PrivateKey = key
	}
	return remote.NewSSHExecutor(target, log)
}
