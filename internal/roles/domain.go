// Package roles keeps guild members' rank roles in line with their current
// effective rank.
package roles

import (
	"context"

	"github.com/balloonboat/balloonboat/internal/guild"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// Member is a guild member together with the roles the chat platform
// currently shows on them.
type Member struct {
	UserID rating.UserID
	Roles  []guild.RoleID
}

// HasRole reports whether the member carries role.
func (m Member) HasRole(role guild.RoleID) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Directory is the chat platform's view of guild membership.
type Directory interface {
	Members(ctx context.Context, guildID guild.ID) ([]Member, error)
	Member(ctx context.Context, guildID guild.ID, user rating.UserID) (Member, bool, error)
	AddRole(ctx context.Context, guildID guild.ID, user rating.UserID, role guild.RoleID) error
	RemoveRole(ctx context.Context, guildID guild.ID, user rating.UserID, role guild.RoleID) error
}

// BindingSource lists guilds and their rank roles.
type BindingSource interface {
	Guilds(ctx context.Context) ([]guild.ID, error)
	Bindings(ctx context.Context, guildID guild.ID) ([]guild.Binding, error)
}

// RankSource reads effective ranks in bulk. Unknown users get the default rank.
type RankSource interface {
	RanksOf(ctx context.Context, ids []rating.UserID) (map[rating.UserID]rating.Rank, error)
}

// Action is the kind of a role change.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Change is one role grant or revocation.
type Change struct {
	UserID rating.UserID
	RoleID guild.RoleID
	Action Action
}

// Result summarises a reconciliation run.
type Result struct {
	Guilds  int
	Failed  int
	Added   int
	Removed int
}

func (r *Result) count(changes []Change) {
	for _, c := range changes {
		switch c.Action {
		case ActionAdd:
			r.Added++
		case ActionRemove:
			r.Removed++
		}
	}
}
