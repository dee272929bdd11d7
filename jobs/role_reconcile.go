package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/balloonboat/balloonboat/internal/guild"
	jobmetrics "github.com/balloonboat/balloonboat/internal/jobs"
	"github.com/balloonboat/balloonboat/internal/rating"
	"github.com/balloonboat/balloonboat/internal/roles"
)

// RoleReconciler applies rank roles.
type RoleReconciler interface {
	Run(ctx context.Context) (roles.Result, error)
	ReconcileGuild(ctx context.Context, id guild.ID) ([]roles.Change, error)
	OnMemberJoin(ctx context.Context, id guild.ID, user rating.UserID) ([]roles.Change, error)
}

// RoleReconcileJob runs the reconciler for scheduled and member join tasks.
type RoleReconcileJob struct {
	Reconciler RoleReconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewRoleReconcileJob wires dependencies for the reconcile handlers.
func NewRoleReconcileJob(reconciler RoleReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleReconcileJob {
	return &RoleReconcileJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle processes TaskRoleReconcile tasks.
func (j *RoleReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("role reconcile: handler not configured")
	}
	var payload RoleReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskRoleReconcile)
	start := time.Now()
	logger := j.logger(TaskRoleReconcile)

	if payload.GuildID != 0 {
		logger = logger.With(slog.Int64("guild_id", payload.GuildID))
		changes, err := j.Reconciler.ReconcileGuild(ctx, guild.ID(payload.GuildID))
		if err != nil {
			logger.Error("reconcile guild", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("guild reconciled", slog.Int("changes", len(changes)), slog.Duration("duration", time.Since(start)))
		return tracker.End(nil)
	}

	res, err := j.Reconciler.Run(ctx)
	if err != nil {
		logger.Error("reconcile roles", slog.Int("failed_guilds", res.Failed), slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("roles reconciled",
		slog.Int("guilds", res.Guilds),
		slog.Int("added", res.Added),
		slog.Int("removed", res.Removed),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

// HandleMemberJoin processes TaskRoleMemberJoin tasks.
func (j *RoleReconcileJob) HandleMemberJoin(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("role member join: handler not configured")
	}
	var payload RoleMemberJoinPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.GuildID <= 0 || payload.UserID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRoleMemberJoin)
	logger := j.logger(TaskRoleMemberJoin).With(
		slog.Int64("guild_id", payload.GuildID),
		slog.Int64("user_id", payload.UserID))

	changes, err := j.Reconciler.OnMemberJoin(ctx, guild.ID(payload.GuildID), rating.UserID(payload.UserID))
	if err != nil {
		logger.Error("assign join role", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Debug("join role assigned", slog.Int("changes", len(changes)))
	return tracker.End(nil)
}

func (j *RoleReconcileJob) logger(task string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *RoleReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
