package rating

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userA UserID = 101
	userB UserID = 102
	userC UserID = 103
	userD UserID = 104
	userE UserID = 105
	userF UserID = 106
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(repo Repository, cfg EngineConfig) *Engine {
	return NewEngine(repo, NewLocalLocker(), cfg, discardLogger(), nil)
}

func submit(t *testing.T, e *Engine, rater, target UserID, value int) Submission {
	t.Helper()
	sub, err := e.Submit(context.Background(), rater, target, value)
	require.NoError(t, err)
	return sub
}

func rankIn(t *testing.T, repo *memRepo, id UserID) UserRank {
	t.Helper()
	r, _, err := repo.RankOf(context.Background(), id)
	require.NoError(t, err)
	return r
}

// requireFixedPoint asserts that every edge carries its rater's rank and that
// recomputing any user yields its stored rank.
func requireFixedPoint(t *testing.T, repo *memRepo) {
	t.Helper()
	st := repo.snapshot()
	users := map[UserID]struct{}{}
	for _, e := range st.edges {
		users[e.RaterID] = struct{}{}
		users[e.TargetID] = struct{}{}
		rater, _, _ := rankOf(st, e.RaterID)
		require.Equal(t, rater.EffectiveRank, e.RaterRankAtCast, "edge %d->%d carries a stale weight", e.RaterID, e.TargetID)
	}
	for id := range users {
		stored, _, _ := rankOf(st, id)
		_, rank := Evaluate(receivedBy(st, id))
		require.Equal(t, rank, stored.EffectiveRank, "user %d not at fixed point", id)
	}
}

func TestSubmitScenarioPropagatesRankChanges(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())

	// A (default rank 1) rates B a 5.
	sub := submit(t, engine, userA, userB, 5)
	assert.Equal(t, Rank(1), sub.RaterRank)
	assert.Equal(t, 5.0, sub.Target.TrueScore)
	assert.Equal(t, Rank(5), sub.Target.EffectiveRank)

	// B, now rank 5, rates C a 3.
	sub = submit(t, engine, userB, userC, 3)
	assert.Equal(t, Rank(5), sub.RaterRank)
	edge, ok, err := repo.GetEdge(context.Background(), userB, userC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Rank(5), edge.RaterRankAtCast)
	assert.Equal(t, Rank(3), rankIn(t, repo, userC).EffectiveRank)

	// D (rank 1) rates C a 1: (15+1)/6 rounds to 3, nothing to propagate.
	sub = submit(t, engine, userD, userC, 1)
	assert.InDelta(t, 16.0/6.0, sub.Target.TrueScore, 1e-9)
	assert.Equal(t, Rank(3), sub.Target.EffectiveRank)
	assert.Zero(t, sub.Cascade.RankChanges)

	// E rates B a 1: B drops to 3, B->C restamped, C = (9+1)/4 = 2.5 -> 3.
	sub = submit(t, engine, userE, userB, 1)
	assert.Equal(t, Rank(3), sub.Target.EffectiveRank)
	assert.Equal(t, 1, sub.Cascade.RankChanges)
	assert.Equal(t, 1, sub.Cascade.EdgesRewritten)
	assert.InDelta(t, 2.5, rankIn(t, repo, userC).TrueScore, 1e-9)
	assert.Equal(t, Rank(3), rankIn(t, repo, userC).EffectiveRank)

	// F rates B a 1: B drops to 2, B->C restamped with weight 2,
	// C = (3*2+1*1)/3 = 2.333 -> rank 2.
	sub = submit(t, engine, userF, userB, 1)
	assert.Equal(t, Rank(2), sub.Target.EffectiveRank)
	edge, _, _ = repo.GetEdge(context.Background(), userB, userC)
	assert.Equal(t, Rank(2), edge.RaterRankAtCast)
	c := rankIn(t, repo, userC)
	assert.InDelta(t, 7.0/3.0, c.TrueScore, 1e-9)
	assert.Equal(t, Rank(2), c.EffectiveRank)
	assert.Equal(t, 2, sub.Cascade.RankChanges)
	assert.Equal(t, 2, sub.Cascade.Recomputed)
	assert.ElementsMatch(t, []UserID{userB, userC}, sub.Cascade.Changed)
	assert.False(t, sub.Cascade.Aborted)

	requireFixedPoint(t, repo)
}

func TestSubmitIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())

	first := submit(t, engine, userA, userB, 4)
	assert.False(t, first.Unchanged)
	before := repo.snapshot()

	second := submit(t, engine, userA, userB, 4)
	assert.True(t, second.Unchanged)
	assert.Zero(t, second.Cascade.RankChanges)
	assert.Empty(t, second.Cascade.Changed)
	assert.Equal(t, first.Target, second.Target)
	assert.Equal(t, before, repo.snapshot())
	assert.Len(t, repo.snapshot().edges, 1)
}

func TestSubmitOverwritesPreviousEdge(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())

	submit(t, engine, userA, userB, 5)
	sub := submit(t, engine, userA, userB, 2)
	assert.False(t, sub.Unchanged)
	assert.Equal(t, Rank(2), sub.Target.EffectiveRank)
	assert.Len(t, repo.snapshot().edges, 1)
}

func TestSubmitCreatesDefaultRankForRater(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())

	submit(t, engine, userA, userB, 3)
	a, exists, err := repo.RankOf(context.Background(), userA)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, DefaultUserRank(userA), a)

	unknown, exists, err := repo.RankOf(context.Background(), userF)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, DefaultRank, unknown.EffectiveRank)
}

func TestSubmitRollsBackOnInitialStorageFailure(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())
	repo.failSaveFor[userB] = errors.New("disk full")

	_, err := engine.Submit(context.Background(), userA, userB, 5)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	st := repo.snapshot()
	assert.Empty(t, st.edges)
	assert.Empty(t, st.ranks)
}

func TestCascadeStepFailureIsBestEffort(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())

	submit(t, engine, userA, userB, 5)
	submit(t, engine, userB, userC, 5)
	submit(t, engine, userB, userD, 5)
	submit(t, engine, userE, userC, 1)
	require.Equal(t, Rank(4), rankIn(t, repo, userC).EffectiveRank)

	repo.failSaveFor[userC] = errors.New("timeout")
	sub := submit(t, engine, userA, userB, 1)

	assert.Equal(t, Rank(1), sub.Target.EffectiveRank)
	assert.Equal(t, 1, sub.Cascade.Failed)
	assert.False(t, sub.Cascade.Aborted)
	// C keeps its stale rank while D is still recomputed.
	assert.Equal(t, Rank(4), rankIn(t, repo, userC).EffectiveRank)
	assert.Equal(t, Rank(5), rankIn(t, repo, userD).EffectiveRank)
	edge, _, _ := repo.GetEdge(context.Background(), userB, userD)
	assert.Equal(t, Rank(1), edge.RaterRankAtCast)
	assert.Equal(t, 2, sub.Cascade.Recomputed)
}

func seedMutualPair(repo *memRepo) {
	// B and C rated each other 5 with stale weights and stale ranks.
	repo.seedEdge(userC, userB, 5, 1)
	repo.seedEdge(userB, userC, 5, 1)
	repo.seedRank(userB, 1, 1)
	repo.seedRank(userC, 1, 1)
}

func TestCascadeAbortsWhenRevisitLimitReached(t *testing.T) {
	repo := newMemRepo()
	seedMutualPair(repo)
	engine := newTestEngine(repo, EngineConfig{BudgetFactor: 10, MinBudget: 50, MaxRevisits: 1})

	sub, err := engine.Submit(context.Background(), userA, userB, 5)
	require.NoError(t, err)

	assert.True(t, sub.Cascade.Aborted)
	assert.ErrorIs(t, sub.Cascade.Err, ErrCascadeLimitExceeded)
	assert.Equal(t, 2, sub.Cascade.Recomputed)
	// The initiating write and the immediate recompute are kept.
	assert.Equal(t, Rank(5), rankIn(t, repo, userB).EffectiveRank)
	assert.Equal(t, Rank(5), rankIn(t, repo, userC).EffectiveRank)
	edge, _, _ := repo.GetEdge(context.Background(), userC, userB)
	assert.Equal(t, Rank(5), edge.RaterRankAtCast)
}

// seedOscillator builds a pair whose ranks never settle: a higher B pulls C
// up, and a higher C pulls B down.
func seedOscillator(repo *memRepo) {
	repo.seedEdge(userC, userB, 1, 1)
	repo.seedEdge(userB, userC, 2, 1)
	repo.seedEdge(userD, userC, 1, 2)
	repo.seedRank(userD, 2, 2)
	repo.seedRank(userB, 1, 1)
	repo.seedRank(userC, 4.0/3.0, 1)
}

func TestCascadeAbortsWhenBudgetExhausted(t *testing.T) {
	repo := newMemRepo()
	seedOscillator(repo)
	engine := newTestEngine(repo, EngineConfig{BudgetFactor: 2, MinBudget: 1, MaxRevisits: 1000})

	sub, err := engine.Submit(context.Background(), userA, userB, 2)
	require.NoError(t, err)
	assert.True(t, sub.Cascade.Aborted)
	assert.ErrorIs(t, sub.Cascade.Err, ErrCascadeLimitExceeded)
	assert.Equal(t, 6, sub.Cascade.Recomputed)
	assert.Equal(t, 1, sub.Cascade.Dropped)

	value, ok, err := NewService(engine, repo, nil, discardLogger()).RatingBetween(context.Background(), userA, userB)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, value)
}

func TestOscillatingCascadeStopsAtRevisitLimit(t *testing.T) {
	repo := newMemRepo()
	seedOscillator(repo)
	engine := newTestEngine(repo, DefaultEngineConfig())

	sub, err := engine.Submit(context.Background(), userA, userB, 2)
	require.NoError(t, err)
	assert.True(t, sub.Cascade.Aborted)
	assert.Equal(t, 2*DefaultEngineConfig().MaxRevisits, sub.Cascade.Recomputed)
}

func TestCascadeConvergesOnCycleWithDefaultLimits(t *testing.T) {
	repo := newMemRepo()
	seedMutualPair(repo)
	engine := newTestEngine(repo, DefaultEngineConfig())

	sub := submit(t, engine, userA, userB, 5)
	assert.False(t, sub.Cascade.Aborted)
	assert.Equal(t, 3, sub.Cascade.Recomputed)
	requireFixedPoint(t, repo)
}

func TestRecomputeRepairsStaleUser(t *testing.T) {
	repo := newMemRepo()
	seedMutualPair(repo)
	engine := newTestEngine(repo, DefaultEngineConfig())

	report, err := engine.Recompute(context.Background(), userB)
	require.NoError(t, err)
	assert.False(t, report.Aborted)
	assert.Positive(t, report.RankChanges)
	requireFixedPoint(t, repo)
}

func TestRecomputeUnknownUserWritesNothing(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())

	report, err := engine.Recompute(context.Background(), 999)
	require.NoError(t, err)
	assert.Empty(t, report.Changed)
	assert.Zero(t, report.RankChanges)

	_, exists, err := repo.RankOf(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, repo.snapshot().ranks)
}

func TestSubmitCheckViolationIsValidation(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, DefaultEngineConfig())
	repo.failOp["put edge"] = &pgconn.PgError{Code: "23514", ConstraintName: "ratings_value_check"}

	_, err := engine.Submit(context.Background(), userA, userB, 5)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.False(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrConstraint)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "ratings_value_check", ve.Field)
}

func TestStorageErrClassification(t *testing.T) {
	plain := storageErr("op", errors.New("connection reset"))
	assert.True(t, IsRetryable(plain))

	check := storageErr("op", &pgconn.PgError{Code: "23514"})
	assert.True(t, IsValidation(check))
	assert.Same(t, check, storageErr("tx", check))

	unique := storageErr("op", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsRetryable(unique))
	assert.Nil(t, storageErr("op", nil))
}

func TestPropagationReachesFixedPointOnAcyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := EngineConfig{BudgetFactor: 100, MinBudget: 10000, MaxRevisits: 1000}

	for round := 0; round < 20; round++ {
		repo := newMemRepo()
		engine := newTestEngine(repo, cfg)
		const users = 12
		for i := 0; i < 60; i++ {
			// Edges only point from lower to higher ids, keeping the graph acyclic.
			rater := UserID(rng.Intn(users-1) + 1)
			target := rater + UserID(rng.Intn(users-int(rater))+1)
			sub := submit(t, engine, rater, target, rng.Intn(MaxValue)+1)
			require.False(t, sub.Cascade.Aborted)
		}
		requireFixedPoint(t, repo)
	}
}

func TestConcurrentSubmissionsDoNotLoseUpdates(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, EngineConfig{BudgetFactor: 100, MinBudget: 10000, MaxRevisits: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				rater := UserID(rng.Intn(9) + 1)
				target := rater + UserID(rng.Intn(10-int(rater))+1)
				_, err := engine.Submit(context.Background(), rater, target, rng.Intn(MaxValue)+1)
				assert.NoError(t, err)
			}
		}(int64(w))
	}
	wg.Wait()
	requireFixedPoint(t, repo)
}

func TestSubmitFailsWhenLockUnavailable(t *testing.T) {
	repo := newMemRepo()
	locker := NewLocalLocker()
	engine := NewEngine(repo, locker, DefaultEngineConfig(), discardLogger(), nil)

	unlock, err := locker.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Submit(ctx, userA, userB, 5)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, repo.txCount)
}
