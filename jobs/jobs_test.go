package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balloonboat/balloonboat/internal/guild"
	jobmetrics "github.com/balloonboat/balloonboat/internal/jobs"
	"github.com/balloonboat/balloonboat/internal/leaderboard"
	"github.com/balloonboat/balloonboat/internal/rating"
	"github.com/balloonboat/balloonboat/internal/roles"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPublisher struct {
	published   int
	invalidated int
	err         error
}

func (s *stubPublisher) Publish(ctx context.Context) (leaderboard.Board, error) {
	s.published++
	if s.err != nil {
		return leaderboard.Board{}, s.err
	}
	return leaderboard.Board{Entries: []leaderboard.Entry{{Position: 1, UserID: 9, TrueScore: 5, Rank: 5}}}, nil
}

func (s *stubPublisher) Invalidate(ctx context.Context) error {
	s.invalidated++
	return nil
}

type stubReconciler struct {
	runs    int
	guilds  []guild.ID
	joins   []rating.UserID
	runErr  error
	joinErr error
}

func (s *stubReconciler) Run(ctx context.Context) (roles.Result, error) {
	s.runs++
	return roles.Result{Guilds: 2, Added: 1}, s.runErr
}

func (s *stubReconciler) ReconcileGuild(ctx context.Context, id guild.ID) ([]roles.Change, error) {
	s.guilds = append(s.guilds, id)
	return nil, nil
}

func (s *stubReconciler) OnMemberJoin(ctx context.Context, id guild.ID, user rating.UserID) ([]roles.Change, error) {
	s.joins = append(s.joins, user)
	return nil, s.joinErr
}

func mustTask(t *testing.T) func(*asynq.Task, error) *asynq.Task {
	return func(task *asynq.Task, err error) *asynq.Task {
		t.Helper()
		require.NoError(t, err)
		return task
	}
}

func TestLeaderboardRefreshPublishes(t *testing.T) {
	pub := &stubPublisher{}
	job := NewLeaderboardRefreshJob(pub, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), mustTask(t)(NewLeaderboardRefreshTask(false))))
	assert.Equal(t, 1, pub.published)
	assert.Zero(t, pub.invalidated)

	require.NoError(t, job.Handle(context.Background(), mustTask(t)(NewLeaderboardRefreshTask(true))))
	assert.Equal(t, 2, pub.published)
	assert.Equal(t, 1, pub.invalidated)
}

func TestLeaderboardRefreshReturnsPublishError(t *testing.T) {
	boom := errors.New("sink down")
	job := NewLeaderboardRefreshJob(&stubPublisher{err: boom}, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), mustTask(t)(NewLeaderboardRefreshTask(false)))
	assert.ErrorIs(t, err, boom)
}

func TestLeaderboardRefreshSkipsMalformedPayload(t *testing.T) {
	job := NewLeaderboardRefreshJob(&stubPublisher{}, discardLogger(), nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskLeaderboardRefresh, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestUnconfiguredJobsFail(t *testing.T) {
	var lb *LeaderboardRefreshJob
	assert.Error(t, lb.Handle(context.Background(), asynq.NewTask(TaskLeaderboardRefresh, nil)))
	assert.Error(t, (&RoleReconcileJob{}).Handle(context.Background(), asynq.NewTask(TaskRoleReconcile, nil)))
}

func TestRoleReconcileAllGuilds(t *testing.T) {
	rec := &stubReconciler{}
	job := NewRoleReconcileJob(rec, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), mustTask(t)(NewRoleReconcileTask(0))))
	assert.Equal(t, 1, rec.runs)
	assert.Empty(t, rec.guilds)
}

func TestRoleReconcileSingleGuild(t *testing.T) {
	rec := &stubReconciler{}
	job := NewRoleReconcileJob(rec, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), mustTask(t)(NewRoleReconcileTask(42))))
	assert.Zero(t, rec.runs)
	assert.Equal(t, []guild.ID{42}, rec.guilds)
}

func TestRoleReconcileSurfacesPartialFailure(t *testing.T) {
	boom := errors.New("guild 7: forbidden")
	job := NewRoleReconcileJob(&stubReconciler{runErr: boom}, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), mustTask(t)(NewRoleReconcileTask(0)))
	assert.ErrorIs(t, err, boom)
}

func TestRoleMemberJoin(t *testing.T) {
	rec := &stubReconciler{}
	job := NewRoleReconcileJob(rec, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.HandleMemberJoin(context.Background(), mustTask(t)(NewRoleMemberJoinTask(1, 77))))
	assert.Equal(t, []rating.UserID{77}, rec.joins)

	err := job.HandleMemberJoin(context.Background(), mustTask(t)(NewRoleMemberJoinTask(1, 0)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTaskPayloads(t *testing.T) {
	task := mustTask(t)(NewRoleMemberJoinTask(3, 4))
	assert.Equal(t, TaskRoleMemberJoin, task.Type())
	var payload RoleMemberJoinPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, RoleMemberJoinPayload{GuildID: 3, UserID: 4}, payload)
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	mr := miniredis.RunT(t)
	task := mustTask(t)(NewLeaderboardRefreshTask(false))

	_, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    discardLogger(),
		Cron:      []CronRegistration{{Spec: "every tuesday-ish", Task: task}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TaskLeaderboardRefresh)

	worker, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    discardLogger(),
		Handlers:  []TaskHandler{{Type: TaskLeaderboardRefresh, Handler: NewLeaderboardRefreshJob(&stubPublisher{}, nil, nil).Handle}},
		Cron:      []CronRegistration{{Spec: "@every 5m", Task: task}},
	})
	require.NoError(t, err)
	assert.NotNil(t, worker)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, discardLogger()).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, QueueDefault, body.Queue)
}
