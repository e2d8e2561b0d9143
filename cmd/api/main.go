package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/berth-sh/berth/internal/config"
	httpx "github.com/berth-sh/berth/internal/http"
	"github.com/berth-sh/berth/internal/logger"
	"github.com/berth-sh/berth/internal/migrate"
	"github.com/berth-sh/berth/internal/repository/postgres"
	"github.com/berth-sh/berth/internal/secrets"
	"github.com/berth-sh/berth/internal/service/access"
	"github.com/berth-sh/berth/internal/service/admission"
	"github.com/berth-sh/berth/internal/service/audit"
	"github.com/berth-sh/berth/internal/service/dispatch"
	"github.com/berth-sh/berth/internal/service/idempotency"
	"github.com/berth-sh/berth/internal/service/lifecycle"
	"github.com/berth-sh/berth/internal/service/logs"
	"github.com/berth-sh/berth/internal/service/policy"
	"github.com/berth-sh/berth/internal/service/scheduler"
	"github.com/berth-sh/berth/internal/ws"
)

func main() {
	cfg := config.Load()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("api", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Error("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	cancel()
	defer redisClient.Close()

	repo := postgres.New(pool)
	streamHub := ws.NewHub()

	logSvc := logs.New(repo, streamHub, log)
	queue := dispatch.NewRedisQueue(redisClient, streamHub, log, cfg.DispatchTimeout)
	guard := idempotency.NewRedisGuard(redisClient, cfg.IdempotencyTTL)
	retryCounter := httpx.NewReservationRetryCounter()
	sched := scheduler.New(repo, log, cfg.SchedulerMaxAttempts, cfg.SchedulerBackoff, retryCounter)
	auditor := audit.New(repo, log)
	resourcePolicy := policy.New(repo)
	accessChecker := access.New(repo)
	decryptor := secrets.NewAESDecryptor(cfg.SecretsKey)

	admissionSvc := admission.New(repo, repo, repo, repo, repo,
		sched, guard, queue, decryptor, resourcePolicy, auditor, logSvc, log, cfg)
	lifecycleSvc := lifecycle.New(repo, repo, repo, sched, admissionSvc, queue, auditor, logSvc, log)

	limiter := httpx.NewRedisRateLimiter(redisClient, log)
	router := httpx.NewRouter(log, admissionSvc, lifecycleSvc, logSvc, accessChecker,
		limiter, cfg.JWTSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "base_domain", cfg.BaseDomain)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
