package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/balloonboat/balloonboat/cmd/balloonboat/cli"
	"github.com/balloonboat/balloonboat/internal/app"
	"github.com/balloonboat/balloonboat/internal/guild"
	guildhttp "github.com/balloonboat/balloonboat/internal/guild/http"
	"github.com/balloonboat/balloonboat/internal/leaderboard"
	"github.com/balloonboat/balloonboat/internal/observability"
	"github.com/balloonboat/balloonboat/internal/platform/cache"
	"github.com/balloonboat/balloonboat/internal/platform/db"
	"github.com/balloonboat/balloonboat/internal/rating"
	ratinghttp "github.com/balloonboat/balloonboat/internal/rating/http"
	"github.com/balloonboat/balloonboat/jobs"
)

const usage = `usage:
  balloonboat                         run the HTTP API
  balloonboat jobs trigger <task> [-guild id] [-user id] [-invalidate]
  balloonboat jobs inspect [-scheduled n]
  balloonboat recompute <user id>     repair a user left unconverged by an aborted cascade
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	slog.SetDefault(logger)

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "serve" {
		err = serve(ctx, cfg, logger)
	} else {
		switch args[0] {
		case "jobs":
			err = runJobs(ctx, cfg, args[1:])
		case "recompute":
			err = runRecompute(ctx, cfg, logger, args[1:])
		default:
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("balloonboat", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return err
	}

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

	locker, err := app.NewLocker(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	ratingRepo := rating.NewRepository(pool)
	engine := rating.NewEngine(ratingRepo, locker, cfg.EngineConfig(), logger, rating.NewMetrics(metrics.Registerer()))

	board := leaderboard.NewService(ratingRepo, leaderboard.NewCache(redisClient, cfg.LeaderboardCacheTTL), nil,
		leaderboard.Config{Size: cfg.LeaderboardSize}, logger)
	ratingService := rating.NewService(engine, ratingRepo, board, logger)
	guildService := guild.NewService(guild.NewRepository(pool), logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RatingHandler:      ratinghttp.NewHandler(logger, ratingService, cfg.RateCooldown),
		GuildHandler:       guildhttp.NewHandler(logger, guildService),
		LeaderboardHandler: leaderboard.NewHandler(logger, board),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("cascade_lock", cfg.CascadeLock))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ExitOnError)
		guildID := fs.Int64("guild", 0, "guild for roles:reconcile or roles:member_join")
		userID := fs.Int64("user", 0, "joining member for roles:member_join")
		invalidate := fs.Bool("invalidate", false, "drop cached boards before leaderboard:refresh")
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		info, err := jobsCLI.Trigger(ctx, args[1], cli.TriggerOptions{GuildID: *guildID, UserID: *userID, Invalidate: *invalidate})
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "inspect":
		fs := flag.NewFlagSet("jobs inspect", flag.ExitOnError)
		scheduled := fs.Int("scheduled", 0, "also list up to n scheduled tasks")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		if err := cli.PrintStats(os.Stdout, stats); err != nil {
			return err
		}
		if *scheduled > 0 {
			tasks, err := jobsCLI.ListScheduled(ctx, *scheduled)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
			}
		}
		return nil
	default:
		return fmt.Errorf("jobs: unknown command %q", args[0])
	}
}

func runRecompute(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) != 1 {
		return errors.New("recompute: user id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("recompute: invalid user id %q", args[0])
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil && cfg.CascadeLock == app.LockModeRedis {
		return err
	}
	defer redisClient.Close()

	locker, err := app.NewLocker(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	repo := rating.NewRepository(pool)
	engine := rating.NewEngine(repo, locker, cfg.EngineConfig(), logger, nil)
	board := leaderboard.NewService(repo, leaderboard.NewCache(redisClient, cfg.LeaderboardCacheTTL), nil, leaderboard.Config{}, logger)
	svc := rating.NewService(engine, repo, board, logger)

	report, err := svc.Recompute(ctx, rating.UserID(id))
	if err != nil {
		return err
	}
	fmt.Printf("recomputed=%d rank_changes=%d edges_rewritten=%d failed=%d aborted=%t\n",
		report.Recomputed, report.RankChanges, report.EdgesRewritten, report.Failed, report.Aborted)
	return report.Err
}
