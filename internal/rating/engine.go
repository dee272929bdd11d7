package rating

import (
	"context"
	"fmt"
	"log/slog"
)

// EngineConfig bounds a single propagation run.
type EngineConfig struct {
	// BudgetFactor multiplies the number of distinct edges touched to give
	// the recomputation budget of a run.
	BudgetFactor int
	// MinBudget is the budget floor.
	MinBudget int
	// MaxRevisits caps how often one user is recomputed in a run.
	MaxRevisits int
}

// DefaultEngineConfig returns the default limits.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{BudgetFactor: 10, MinBudget: 50, MaxRevisits: 10}
}

func (c EngineConfig) normalized() EngineConfig {
	def := DefaultEngineConfig()
	if c.BudgetFactor <= 0 {
		c.BudgetFactor = def.BudgetFactor
	}
	if c.MinBudget <= 0 {
		c.MinBudget = def.MinBudget
	}
	if c.MaxRevisits <= 0 {
		c.MaxRevisits = def.MaxRevisits
	}
	return c
}

// Engine writes rating edges and propagates rank changes to every edge the
// re-ranked user cast, until no rank changes or the run limit is reached.
type Engine struct {
	repo    Repository
	locker  Locker
	cfg     EngineConfig
	logger  *slog.Logger
	metrics *Metrics
}

// NewEngine constructs an Engine. A nil locker defaults to a LocalLocker.
func NewEngine(repo Repository, locker Locker, cfg EngineConfig, logger *slog.Logger, metrics *Metrics) *Engine {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, locker: locker, cfg: cfg.normalized(), logger: logger, metrics: metrics}
}

// recomputeOutcome is the result of recomputing one user inside a transaction.
type recomputeOutcome struct {
	before  UserRank
	after   UserRank
	written bool
	// rewritten lists targets whose incoming edge weight was restamped.
	rewritten []UserID
}

func (o recomputeOutcome) rankChanged() bool {
	return o.before.EffectiveRank != o.after.EffectiveRank
}

// Submit stamps the rater's current rank on a new or updated edge, recomputes
// the target and cascades. Inputs must already be validated. Waiting for the
// lock honours ctx; once the lock is held the run is not cancellable.
func (e *Engine) Submit(ctx context.Context, rater, target UserID, value int) (Submission, error) {
	unlock, err := e.locker.Lock(ctx)
	if err != nil {
		e.metrics.observeSubmission("lock_error")
		return Submission{}, &StorageError{Op: "acquire cascade lock", Err: err}
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	var sub Submission
	var first recomputeOutcome
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockGraph(ctx); err != nil {
			return err
		}
		raterRank, err := tx.EnsureRank(ctx, rater)
		if err != nil {
			return err
		}
		edge := Edge{RaterID: rater, TargetID: target, Value: value, RaterRankAtCast: raterRank.EffectiveRank}
		prev, ok, err := tx.GetEdge(ctx, rater, target)
		if err != nil {
			return err
		}
		sub.RaterRank = raterRank.EffectiveRank
		sub.Unchanged = ok && prev == edge
		if !sub.Unchanged {
			if err := tx.PutEdge(ctx, edge); err != nil {
				return err
			}
		}
		first, err = recompute(ctx, tx, target)
		return err
	})
	if err != nil {
		err = storageErr("submit", err)
		if IsValidation(err) {
			e.metrics.observeSubmission("rejected")
			return Submission{}, err
		}
		e.metrics.observeSubmission("storage_error")
		e.logger.Error("submit rating",
			slog.Int64("rater_id", int64(rater)),
			slog.Int64("target_id", int64(target)),
			slog.Any("error", err))
		return Submission{}, err
	}

	sub.Target = first.after
	sub.Cascade = e.cascade(ctx, Edge{RaterID: rater, TargetID: target}, first)

	outcome := "accepted"
	if sub.Unchanged {
		outcome = "unchanged"
	}
	e.metrics.observeSubmission(outcome)
	e.metrics.observeCascade(sub.Cascade)
	return sub, nil
}

// Recompute recomputes one user and cascades from it. It is used to repair
// users left unconverged by an aborted run.
func (e *Engine) Recompute(ctx context.Context, id UserID) (CascadeReport, error) {
	unlock, err := e.locker.Lock(ctx)
	if err != nil {
		return CascadeReport{}, &StorageError{Op: "acquire cascade lock", Err: err}
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	var first recomputeOutcome
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockGraph(ctx); err != nil {
			return err
		}
		var err error
		first, err = recompute(ctx, tx, id)
		return err
	})
	if err != nil {
		return CascadeReport{}, storageErr("recompute", err)
	}
	report := e.cascade(ctx, Edge{}, first)
	e.metrics.observeCascade(report)
	return report, nil
}

// recompute derives the user's score from its received edges, persists it
// when it differs and, if the effective rank moved, restamps the user's cast
// edges with the new weight.
func recompute(ctx context.Context, tx TxRepository, id UserID) (recomputeOutcome, error) {
	before, exists, err := tx.RankOf(ctx, id)
	if err != nil {
		return recomputeOutcome{}, err
	}
	received, err := tx.EdgesReceivedBy(ctx, id)
	if err != nil {
		return recomputeOutcome{}, err
	}
	if !exists && len(received) == 0 {
		// Never rated and never rating: no row until the user takes part.
		return recomputeOutcome{before: before, after: before}, nil
	}
	score, rank := Evaluate(received)
	out := recomputeOutcome{
		before: before,
		after:  UserRank{UserID: id, TrueScore: score, EffectiveRank: rank},
	}
	if !exists || before.TrueScore != score || before.EffectiveRank != rank {
		if err := tx.SaveRank(ctx, out.after); err != nil {
			return recomputeOutcome{}, err
		}
		out.written = true
	}
	if out.rankChanged() {
		out.rewritten, err = tx.SetCastWeight(ctx, id, rank)
		if err != nil {
			return recomputeOutcome{}, err
		}
	}
	return out, nil
}

type edgeKey struct {
	rater, target UserID
}

// cascadeRun holds the work queue of one propagation run.
type cascadeRun struct {
	cfg     EngineConfig
	queue   []UserID
	pending map[UserID]struct{}
	visits  map[UserID]int
	touched map[edgeKey]struct{}
	changed map[UserID]struct{}
	report  CascadeReport
}

func newCascadeRun(cfg EngineConfig) *cascadeRun {
	return &cascadeRun{
		cfg:     cfg,
		pending: make(map[UserID]struct{}),
		visits:  make(map[UserID]int),
		touched: make(map[edgeKey]struct{}),
		changed: make(map[UserID]struct{}),
	}
}

func (c *cascadeRun) budget() int {
	b := c.cfg.BudgetFactor * len(c.touched)
	if b < c.cfg.MinBudget {
		return c.cfg.MinBudget
	}
	return b
}

func (c *cascadeRun) record(out recomputeOutcome) {
	id := out.after.UserID
	c.visits[id]++
	c.report.Recomputed++
	if out.written {
		if _, ok := c.changed[id]; !ok {
			c.changed[id] = struct{}{}
			c.report.Changed = append(c.report.Changed, id)
		}
	}
	if !out.rankChanged() {
		return
	}
	c.report.RankChanges++
	c.report.EdgesRewritten += len(out.rewritten)
	for _, target := range out.rewritten {
		c.touched[edgeKey{rater: id, target: target}] = struct{}{}
		if _, queued := c.pending[target]; queued {
			continue
		}
		c.pending[target] = struct{}{}
		c.queue = append(c.queue, target)
	}
}

func (c *cascadeRun) pop() UserID {
	id := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.pending, id)
	return id
}

func (c *cascadeRun) abort(reason string) {
	c.report.Aborted = true
	c.report.Dropped = len(c.queue)
	c.report.Err = fmt.Errorf("%w: %s", ErrCascadeLimitExceeded, reason)
	c.queue = nil
}

// cascade drains the work queue seeded by the first recomputation. Each step
// runs in its own transaction; failed steps are logged and skipped.
func (e *Engine) cascade(ctx context.Context, origin Edge, first recomputeOutcome) CascadeReport {
	run := newCascadeRun(e.cfg)
	if origin.RaterID != 0 {
		run.touched[edgeKey{rater: origin.RaterID, target: origin.TargetID}] = struct{}{}
	}
	run.record(first)

	for len(run.queue) > 0 {
		if run.report.Recomputed >= run.budget() {
			run.abort(fmt.Sprintf("%d recomputations reached budget %d", run.report.Recomputed, run.budget()))
			break
		}
		id := run.pop()
		if run.visits[id] >= e.cfg.MaxRevisits {
			run.abort(fmt.Sprintf("user %d recomputed %d times", id, run.visits[id]))
			break
		}

		var out recomputeOutcome
		err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.LockGraph(ctx); err != nil {
				return err
			}
			var err error
			out, err = recompute(ctx, tx, id)
			return err
		})
		if err != nil {
			run.visits[id]++
			run.report.Failed++
			e.logger.Error("cascade step",
				slog.Int64("user_id", int64(id)),
				slog.Any("error", err))
			continue
		}
		run.record(out)
	}

	if run.report.Aborted {
		e.logger.Warn("cascade aborted",
			slog.Int64("origin_rater", int64(origin.RaterID)),
			slog.Int64("origin_target", int64(origin.TargetID)),
			slog.Int("recomputed", run.report.Recomputed),
			slog.Int("dropped", run.report.Dropped),
			slog.Any("error", run.report.Err))
	} else if run.report.RankChanges > 0 {
		e.logger.Debug("cascade drained",
			slog.Int64("origin_target", int64(origin.TargetID)),
			slog.Int("recomputed", run.report.Recomputed),
			slog.Int("rank_changes", run.report.RankChanges),
			slog.Int("edges_rewritten", run.report.EdgesRewritten))
	}
	return run.report
}
