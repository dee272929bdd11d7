package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/balloonboat/balloonboat/internal/app"
	"github.com/balloonboat/balloonboat/internal/guild"
	jobmetrics "github.com/balloonboat/balloonboat/internal/jobs"
	"github.com/balloonboat/balloonboat/internal/leaderboard"
	"github.com/balloonboat/balloonboat/internal/observability"
	"github.com/balloonboat/balloonboat/internal/platform/cache"
	"github.com/balloonboat/balloonboat/internal/platform/db"
	"github.com/balloonboat/balloonboat/internal/rating"
	"github.com/balloonboat/balloonboat/internal/roles"
	"github.com/balloonboat/balloonboat/jobs"
)

// followInterval is the minimum gap between change-driven leaderboard posts.
const followInterval = 30 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	ratingRepo := rating.NewRepository(pool)
	board := leaderboard.NewService(
		ratingRepo,
		leaderboard.NewCache(redisClient, cfg.LeaderboardCacheTTL),
		leaderboard.NewRedisSink(redisClient, ""),
		leaderboard.Config{Size: cfg.LeaderboardSize},
		logger,
	)
	// Ranks are only read here; the reconciler never writes through the engine.
	ratingService := rating.NewService(nil, ratingRepo, nil, logger)
	guildService := guild.NewService(guild.NewRepository(pool), logger)
	reconciler := roles.NewReconciler(roles.NewRedisDirectory(redisClient), guildService, ratingService, logger, jobMetrics)

	refreshJob := jobs.NewLeaderboardRefreshJob(board, logger, jobMetrics)
	roleJob := jobs.NewRoleReconcileJob(reconciler, logger, jobMetrics)

	refreshTask, err := jobs.NewLeaderboardRefreshTask(false)
	if err != nil {
		logger.Error("build leaderboard task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewRoleReconcileTask(0)
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLeaderboardRefresh, Handler: refreshJob.Handle},
			{Type: jobs.TaskRoleReconcile, Handler: roleJob.Handle},
			{Type: jobs.TaskRoleMemberJoin, Handler: roleJob.HandleMemberJoin},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.LeaderboardCron, Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
			{Spec: cfg.RoleSyncCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := board.Follow(ctx, followInterval); err != nil {
		logger.Warn("follow leaderboard changes", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route("/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	server := &http.Server{Addr: cfg.WorkerAddr, Handler: router, ReadTimeout: cfg.AppReadTimeout}
	go func() {
		logger.Info("starting worker metrics server", slog.String("addr", cfg.WorkerAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
