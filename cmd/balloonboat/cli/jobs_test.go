package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balloonboat/balloonboat/jobs"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (r *recordingEnqueuer) Close() error { return nil }

func TestTriggerLeaderboardRefresh(t *testing.T) {
	enq := &recordingEnqueuer{}
	c := &JobsCLI{client: enq}

	info, err := c.Trigger(context.Background(), jobs.TaskLeaderboardRefresh, TriggerOptions{Invalidate: true})
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskLeaderboardRefresh, info.Type)

	require.Len(t, enq.tasks, 1)
	var payload jobs.LeaderboardRefreshPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.True(t, payload.Invalidate)
}

func TestTriggerRoleReconcileForGuild(t *testing.T) {
	enq := &recordingEnqueuer{}
	c := &JobsCLI{client: enq}

	_, err := c.Trigger(context.Background(), jobs.TaskRoleReconcile, TriggerOptions{GuildID: 12})
	require.NoError(t, err)

	var payload jobs.RoleReconcilePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(12), payload.GuildID)
}

func TestTriggerMemberJoin(t *testing.T) {
	enq := &recordingEnqueuer{}
	c := &JobsCLI{client: enq}

	_, err := c.Trigger(context.Background(), jobs.TaskRoleMemberJoin, TriggerOptions{GuildID: 12})
	require.Error(t, err)
	assert.Empty(t, enq.tasks)

	_, err = c.Trigger(context.Background(), jobs.TaskRoleMemberJoin, TriggerOptions{GuildID: 12, UserID: 77})
	require.NoError(t, err)

	var payload jobs.RoleMemberJoinPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, jobs.RoleMemberJoinPayload{GuildID: 12, UserID: 77}, payload)
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	c := &JobsCLI{client: &recordingEnqueuer{}}
	_, err := c.Trigger(context.Background(), "mail:send", TriggerOptions{})
	assert.Error(t, err)
}

func TestUnconfiguredCLI(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), jobs.TaskRoleReconcile, TriggerOptions{})
	assert.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	assert.Error(t, err)

	_, err = NewJobsCLI("")
	assert.Error(t, err)
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintStats(&buf, QueueStats{Queue: "default", Pending: 3, Retry: 1}))
	assert.Contains(t, buf.String(), "QUEUE")
	assert.Contains(t, buf.String(), "default")
}
