package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/balloonboat/balloonboat/internal/guild"
	jobmetrics "github.com/balloonboat/balloonboat/internal/jobs"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// DefaultConcurrency bounds how many guilds are reconciled at once.
const DefaultConcurrency = 4

// Reconciler aligns rank roles across guilds. It only reads ranks and never
// triggers recomputation.
type Reconciler struct {
	directory   Directory
	bindings    BindingSource
	ranks       RankSource
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	concurrency int
}

// NewReconciler wires a Reconciler. metrics may be nil.
func NewReconciler(directory Directory, bindings BindingSource, ranks RankSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		directory:   directory,
		bindings:    bindings,
		ranks:       ranks,
		logger:      logger,
		metrics:     metrics,
		concurrency: DefaultConcurrency,
	}
}

// WithConcurrency overrides the number of guilds processed in parallel.
func (r *Reconciler) WithConcurrency(n int) *Reconciler {
	if n > 0 {
		r.concurrency = n
	}
	return r
}

// Run reconciles every guild that has at least one binding. A failing guild
// is logged and skipped; the returned error joins all guild failures.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	guilds, err := r.bindings.Guilds(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("roles: list guilds: %w", err)
	}

	var (
		mu     sync.Mutex
		result Result
		errs   []error
	)
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, id := range guilds {
		g.Go(func() error {
			changes, err := r.ReconcileGuild(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			result.Guilds++
			result.count(changes)
			if err != nil {
				result.Failed++
				errs = append(errs, fmt.Errorf("guild %d: %w", id, err))
				r.logger.Error("reconcile guild", slog.Int64("guild_id", int64(id)), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("roles reconciled",
		slog.Int("guilds", result.Guilds),
		slog.Int("failed", result.Failed),
		slog.Int("added", result.Added),
		slog.Int("removed", result.Removed))
	return result, errors.Join(errs...)
}

// ReconcileGuild applies the role diff for one guild and returns the changes
// that were applied. Individual change failures do not stop the remaining
// changes.
func (r *Reconciler) ReconcileGuild(ctx context.Context, id guild.ID) ([]Change, error) {
	bindings, err := r.bindings.Bindings(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	members, err := r.directory.Members(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	ids := make([]rating.UserID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	ranks, err := r.ranks.RanksOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, id, Plan(bindings, members, ranks))
}

// OnMemberJoin grants a newly joined member the role bound to their rank.
func (r *Reconciler) OnMemberJoin(ctx context.Context, id guild.ID, user rating.UserID) ([]Change, error) {
	bindings, err := r.bindings.Bindings(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	member, ok, err := r.directory.Member(ctx, id, user)
	if err != nil {
		return nil, fmt.Errorf("load member: %w", err)
	}
	if !ok {
		return nil, nil
	}
	ranks, err := r.ranks.RanksOf(ctx, []rating.UserID{user})
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, id, Plan(bindings, []Member{member}, ranks))
}

func (r *Reconciler) apply(ctx context.Context, id guild.ID, changes []Change) ([]Change, error) {
	applied := make([]Change, 0, len(changes))
	var errs []error
	for _, c := range changes {
		var err error
		if c.Action == ActionAdd {
			err = r.directory.AddRole(ctx, id, c.UserID, c.RoleID)
		} else {
			err = r.directory.RemoveRole(ctx, id, c.UserID, c.RoleID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s role %d for user %d: %w", c.Action, c.RoleID, c.UserID, err))
			continue
		}
		applied = append(applied, c)
	}
	var res Result
	res.count(applied)
	r.metrics.AddRoleChanges(string(ActionAdd), res.Added)
	r.metrics.AddRoleChanges(string(ActionRemove), res.Removed)
	if len(applied) > 0 {
		r.logger.Debug("guild roles updated",
			slog.Int64("guild_id", int64(id)),
			slog.Int("added", res.Added),
			slog.Int("removed", res.Removed))
	}
	return applied, errors.Join(errs...)
}
