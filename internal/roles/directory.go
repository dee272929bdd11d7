package roles

import (
	"context"
	"sort"
	"sync"

	"github.com/balloonboat/balloonboat/internal/guild"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// MemoryDirectory is an in-process Directory. It backs local runs where no
// chat platform is connected and records every change it is asked to make.
type MemoryDirectory struct {
	mu      sync.Mutex
	members map[guild.ID]map[rating.UserID]map[guild.RoleID]struct{}
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{members: make(map[guild.ID]map[rating.UserID]map[guild.RoleID]struct{})}
}

// Join adds user to the guild with the given roles.
func (d *MemoryDirectory) Join(guildID guild.ID, user rating.UserID, roles ...guild.RoleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.ensure(guildID, user)
	for _, r := range roles {
		set[r] = struct{}{}
	}
}

func (d *MemoryDirectory) ensure(guildID guild.ID, user rating.UserID) map[guild.RoleID]struct{} {
	g, ok := d.members[guildID]
	if !ok {
		g = make(map[rating.UserID]map[guild.RoleID]struct{})
		d.members[guildID] = g
	}
	set, ok := g[user]
	if !ok {
		set = make(map[guild.RoleID]struct{})
		g[user] = set
	}
	return set
}

func toMember(user rating.UserID, set map[guild.RoleID]struct{}) Member {
	m := Member{UserID: user, Roles: make([]guild.RoleID, 0, len(set))}
	for r := range set {
		m.Roles = append(m.Roles, r)
	}
	sort.Slice(m.Roles, func(i, j int) bool { return m.Roles[i] < m.Roles[j] })
	return m
}

// Members lists guild members ordered by user id.
func (d *MemoryDirectory) Members(ctx context.Context, guildID guild.ID) ([]Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Member, 0, len(d.members[guildID]))
	for user, set := range d.members[guildID] {
		out = append(out, toMember(user, set))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Member returns one guild member.
func (d *MemoryDirectory) Member(ctx context.Context, guildID guild.ID, user rating.UserID) (Member, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.members[guildID][user]
	if !ok {
		return Member{}, false, nil
	}
	return toMember(user, set), true, nil
}

// AddRole grants role to the member.
func (d *MemoryDirectory) AddRole(ctx context.Context, guildID guild.ID, user rating.UserID, role guild.RoleID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensure(guildID, user)[role] = struct{}{}
	return nil
}

// RemoveRole revokes role from the member.
func (d *MemoryDirectory) RemoveRole(ctx context.Context, guildID guild.ID, user rating.UserID, role guild.RoleID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.members[guildID][user]; ok {
		delete(set, role)
	}
	return nil
}
