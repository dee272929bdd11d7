package rating

import (
	"context"
	"sort"
	"sync"
)

// ============================================================================
// IN-MEMORY REPOSITORY
// ============================================================================

type memState struct {
	edges map[edgeKey]Edge
	ranks map[UserID]UserRank
}

func (s *memState) clone() *memState {
	c := &memState{
		edges: make(map[edgeKey]Edge, len(s.edges)),
		ranks: make(map[UserID]UserRank, len(s.ranks)),
	}
	for k, v := range s.edges {
		c.edges[k] = v
	}
	for k, v := range s.ranks {
		c.ranks[k] = v
	}
	return c
}

type memRepo struct {
	mu    sync.Mutex
	state *memState

	// Error injection
	failOp      map[string]error
	failSaveFor map[UserID]error

	txCount int
}

func newMemRepo() *memRepo {
	return &memRepo{
		state:       &memState{edges: map[edgeKey]Edge{}, ranks: map[UserID]UserRank{}},
		failOp:      map[string]error{},
		failSaveFor: map[UserID]error{},
	}
}

func (m *memRepo) seedEdge(rater, target UserID, value int, weight Rank) {
	m.state.edges[edgeKey{rater, target}] = Edge{RaterID: rater, TargetID: target, Value: value, RaterRankAtCast: weight}
}

func (m *memRepo) seedRank(id UserID, score float64, rank Rank) {
	m.state.ranks[id] = UserRank{UserID: id, TrueScore: score, EffectiveRank: rank}
}

func (m *memRepo) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++
	if err := m.failOp["tx"]; err != nil {
		return storageErr("tx", err)
	}
	st := m.state.clone()
	if err := fn(ctx, &memTx{repo: m, st: st}); err != nil {
		return err
	}
	m.state = st
	return nil
}

func (m *memRepo) RankOf(ctx context.Context, id UserID) (UserRank, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rankOf(m.state, id)
}

func (m *memRepo) RanksOf(ctx context.Context, ids []UserID) (map[UserID]UserRank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[UserID]UserRank{}
	for _, id := range ids {
		if r, ok := m.state.ranks[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *memRepo) GetEdge(ctx context.Context, rater, target UserID) (Edge, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.edges[edgeKey{rater, target}]
	return e, ok, nil
}

func (m *memRepo) EdgesCastBy(ctx context.Context, id UserID) ([]Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return castBy(m.state, id), nil
}

func (m *memRepo) EdgesReceivedBy(ctx context.Context, id UserID) ([]Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return receivedBy(m.state, id), nil
}

func (m *memRepo) TopN(ctx context.Context, n int) ([]UserRank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]UserRank, 0, len(m.state.ranks))
	for _, r := range m.state.ranks {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].TrueScore != all[j].TrueScore {
			return all[i].TrueScore > all[j].TrueScore
		}
		return all[i].UserID < all[j].UserID
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *memRepo) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{RankedUsers: int64(len(m.state.ranks)), TotalRatings: int64(len(m.state.edges))}
	var sum float64
	for _, r := range m.state.ranks {
		sum += r.TrueScore
	}
	if len(m.state.ranks) > 0 {
		s.AverageScore = sum / float64(len(m.state.ranks))
	}
	return s, nil
}

type memTx struct {
	repo *memRepo
	st   *memState
}

func (t *memTx) fail(op string) error {
	if err := t.repo.failOp[op]; err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (t *memTx) LockGraph(ctx context.Context) error {
	return t.fail("lock graph")
}

func (t *memTx) PutEdge(ctx context.Context, edge Edge) error {
	if err := t.fail("put edge"); err != nil {
		return err
	}
	t.st.edges[edgeKey{edge.RaterID, edge.TargetID}] = edge
	return nil
}

func (t *memTx) GetEdge(ctx context.Context, rater, target UserID) (Edge, bool, error) {
	e, ok := t.st.edges[edgeKey{rater, target}]
	return e, ok, nil
}

func (t *memTx) EdgesCastBy(ctx context.Context, id UserID) ([]Edge, error) {
	return castBy(t.st, id), nil
}

func (t *memTx) EdgesReceivedBy(ctx context.Context, id UserID) ([]Edge, error) {
	if err := t.fail("edges received"); err != nil {
		return nil, err
	}
	return receivedBy(t.st, id), nil
}

func (t *memTx) RankOf(ctx context.Context, id UserID) (UserRank, bool, error) {
	return rankOf(t.st, id)
}

func (t *memTx) EnsureRank(ctx context.Context, id UserID) (UserRank, error) {
	if r, ok := t.st.ranks[id]; ok {
		return r, nil
	}
	r := DefaultUserRank(id)
	t.st.ranks[id] = r
	return r, nil
}

func (t *memTx) SaveRank(ctx context.Context, rank UserRank) error {
	if err := t.repo.failSaveFor[rank.UserID]; err != nil {
		return storageErr("save rank", err)
	}
	t.st.ranks[rank.UserID] = rank
	return nil
}

func (t *memTx) SetCastWeight(ctx context.Context, rater UserID, weight Rank) ([]UserID, error) {
	var targets []UserID
	for _, e := range castBy(t.st, rater) {
		if e.RaterRankAtCast == weight {
			continue
		}
		e.RaterRankAtCast = weight
		t.st.edges[edgeKey{e.RaterID, e.TargetID}] = e
		targets = append(targets, e.TargetID)
	}
	return targets, nil
}

func rankOf(st *memState, id UserID) (UserRank, bool, error) {
	if r, ok := st.ranks[id]; ok {
		return r, true, nil
	}
	return DefaultUserRank(id), false, nil
}

func castBy(st *memState, id UserID) []Edge {
	var out []Edge
	for _, e := range st.edges {
		if e.RaterID == id && e.TargetID != id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

func receivedBy(st *memState, id UserID) []Edge {
	var out []Edge
	for _, e := range st.edges {
		if e.TargetID == id && e.RaterID != id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaterID < out[j].RaterID })
	return out
}
