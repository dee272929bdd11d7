package guild

import (
	"context"
	"sort"
	"sync"

	"github.com/balloonboat/balloonboat/internal/rating"
)

type bindingKey struct {
	guild ID
	rank  rating.Rank
}

type memStore struct {
	mu       sync.Mutex
	bindings map[bindingKey]RoleID
	binds    int
	err      error
}

func newMemStore() *memStore {
	return &memStore{bindings: map[bindingKey]RoleID{}}
}

func (m *memStore) RoleFor(ctx context.Context, guild ID, rank rating.Rank) (RoleID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, false, storeErr("role for rank", m.err)
	}
	role, ok := m.bindings[bindingKey{guild, rank}]
	return role, ok, nil
}

func (m *memStore) Bind(ctx context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return storeErr("bind role", m.err)
	}
	for k, role := range m.bindings {
		if k.guild == b.GuildID && role == b.RoleID && k.rank != b.Rank {
			delete(m.bindings, k)
		}
	}
	m.bindings[bindingKey{b.GuildID, b.Rank}] = b.RoleID
	m.binds++
	return nil
}

func (m *memStore) Unbind(ctx context.Context, guild ID, rank rating.Rank) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bindingKey{guild, rank}
	if _, ok := m.bindings[k]; !ok {
		return false, nil
	}
	delete(m.bindings, k)
	return true, nil
}

func (m *memStore) List(ctx context.Context, guild ID) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Binding
	for k, role := range m.bindings {
		if k.guild == guild {
			out = append(out, Binding{GuildID: guild, Rank: k.rank, RoleID: role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (m *memStore) RankForRole(ctx context.Context, guild ID, role RoleID) (rating.Rank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.bindings {
		if k.guild == guild && r == role {
			return k.rank, nil
		}
	}
	return 0, nil
}

func (m *memStore) Guilds(ctx context.Context) ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[ID]struct{}{}
	var out []ID
	for k := range m.bindings {
		if _, ok := seen[k.guild]; ok {
			continue
		}
		seen[k.guild] = struct{}{}
		out = append(out, k.guild)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
