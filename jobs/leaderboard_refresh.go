package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/balloonboat/balloonboat/internal/jobs"
	"github.com/balloonboat/balloonboat/internal/leaderboard"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LeaderboardPublisher renders and posts the board.
type LeaderboardPublisher interface {
	Publish(ctx context.Context) (leaderboard.Board, error)
	Invalidate(ctx context.Context) error
}

// LeaderboardRefreshJob publishes the leaderboard on a schedule.
type LeaderboardRefreshJob struct {
	Publisher LeaderboardPublisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewLeaderboardRefreshJob wires dependencies for the refresh handler.
func NewLeaderboardRefreshJob(publisher LeaderboardPublisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *LeaderboardRefreshJob {
	return &LeaderboardRefreshJob{Publisher: publisher, Logger: logger, Metrics: metrics}
}

// Handle processes leaderboard refresh tasks.
func (j *LeaderboardRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Publisher == nil {
		return errors.New("leaderboard refresh: handler not configured")
	}
	var payload LeaderboardRefreshPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskLeaderboardRefresh)
	start := time.Now()
	logger := j.logger()

	if payload.Invalidate {
		if err := j.Publisher.Invalidate(ctx); err != nil {
			logger.Warn("invalidate leaderboard", slog.Any("error", err))
		}
	}
	board, err := j.Publisher.Publish(ctx)
	if err != nil {
		logger.Error("publish leaderboard", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("leaderboard published",
		slog.Int("entries", len(board.Entries)),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

func (j *LeaderboardRefreshJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLeaderboardRefresh))
	}
	return slog.Default().With(slog.String("job", TaskLeaderboardRefresh))
}

func (j *LeaderboardRefreshJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
