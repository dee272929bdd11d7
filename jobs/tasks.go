package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLeaderboardRefresh republishes the leaderboard.
	TaskLeaderboardRefresh = "leaderboard:refresh"
	// TaskRoleReconcile aligns rank roles with current ranks.
	TaskRoleReconcile = "roles:reconcile"
	// TaskRoleMemberJoin assigns the rank role to a member who just joined.
	TaskRoleMemberJoin = "roles:member_join"
)

// LeaderboardRefreshPayload describes a leaderboard refresh. Invalidate drops
// cached boards before publishing.
type LeaderboardRefreshPayload struct {
	Invalidate bool `json:"invalidate"`
}

// RoleReconcilePayload scopes a reconciliation; GuildID 0 means every guild.
type RoleReconcilePayload struct {
	GuildID int64 `json:"guild_id"`
}

// RoleMemberJoinPayload identifies the joined member.
type RoleMemberJoinPayload struct {
	GuildID int64 `json:"guild_id"`
	UserID  int64 `json:"user_id"`
}

// NewLeaderboardRefreshTask constructs an Asynq task for leaderboard publishing.
func NewLeaderboardRefreshTask(invalidate bool) (*asynq.Task, error) {
	return newTask(TaskLeaderboardRefresh, LeaderboardRefreshPayload{Invalidate: invalidate})
}

// NewRoleReconcileTask constructs a reconciliation task.
func NewRoleReconcileTask(guildID int64) (*asynq.Task, error) {
	return newTask(TaskRoleReconcile, RoleReconcilePayload{GuildID: guildID})
}

// NewRoleMemberJoinTask constructs a member join task.
func NewRoleMemberJoinTask(guildID, userID int64) (*asynq.Task, error) {
	return newTask(TaskRoleMemberJoin, RoleMemberJoinPayload{GuildID: guildID, UserID: userID})
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}
