package rating

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/go-playground/validator/v10"
)

// MaxTopN bounds leaderboard reads.
const MaxTopN = 100

// ChangeListener is notified after a submission changed stored ranks.
type ChangeListener interface {
	RatingsChanged(ctx context.Context, users []UserID) error
}

// SubmitResult is returned to callers of SubmitRating.
type SubmitResult struct {
	RaterRank   Rank
	TargetRank  Rank
	TargetScore float64
	// Unchanged is set when the rater had already given the same value.
	Unchanged bool
	Cascade   CascadeReport
}

type submitInput struct {
	Rater  int64 `validate:"gt=0"`
	Target int64 `validate:"gt=0,nefield=Rater"`
	Value  int   `validate:"min=1,max=5"`
}

// Service is the boundary used by command handlers, the leaderboard and the
// role reconciler.
type Service struct {
	engine   *Engine
	repo     Reader
	validate *validator.Validate
	listener ChangeListener
	logger   *slog.Logger
}

// NewService constructs a Service. listener may be nil.
func NewService(engine *Engine, repo Reader, listener ChangeListener, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		repo:     repo,
		validate: validator.New(),
		listener: listener,
		logger:   logger,
	}
}

// SubmitRating records that rater rated target as value and returns the
// rank stamped on the edge. Invalid input is rejected with a
// ValidationError before storage is touched.
func (s *Service) SubmitRating(ctx context.Context, rater, target UserID, value int) (SubmitResult, error) {
	if err := s.validateSubmit(rater, target, value); err != nil {
		s.engine.metrics.observeSubmission("rejected")
		return SubmitResult{}, err
	}
	sub, err := s.engine.Submit(ctx, rater, target, value)
	if err != nil {
		return SubmitResult{}, err
	}
	s.notify(ctx, sub.Cascade.Changed)
	return SubmitResult{
		RaterRank:   sub.RaterRank,
		TargetRank:  sub.Target.EffectiveRank,
		TargetScore: sub.Target.TrueScore,
		Unchanged:   sub.Unchanged,
		Cascade:     sub.Cascade,
	}, nil
}

func (s *Service) validateSubmit(rater, target UserID, value int) error {
	err := s.validate.Struct(submitInput{Rater: int64(rater), Target: int64(target), Value: value})
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Err: err}
	}
	fe := fieldErrs[0]
	switch {
	case fe.Field() == "Value":
		return &ValidationError{Field: "value", Err: ErrInvalidRating}
	case fe.Tag() == "nefield":
		return &ValidationError{Field: "target_id", Err: ErrSelfRating}
	case fe.Field() == "Rater":
		return &ValidationError{Field: "rater_id", Err: ErrInvalidUser}
	default:
		return &ValidationError{Field: "target_id", Err: ErrInvalidUser}
	}
}

// CurrentRank returns the user's effective rank, DefaultRank when unranked.
func (s *Service) CurrentRank(ctx context.Context, id UserID) (Rank, error) {
	rank, _, err := s.repo.RankOf(ctx, id)
	if err != nil {
		return 0, storageErr("current rank", err)
	}
	return rank.EffectiveRank, nil
}

// UserRank returns the full rank state of a user.
func (s *Service) UserRank(ctx context.Context, id UserID) (UserRank, error) {
	rank, _, err := s.repo.RankOf(ctx, id)
	if err != nil {
		return UserRank{}, storageErr("user rank", err)
	}
	return rank, nil
}

// RatingBetween returns the value rater gave target, if any.
func (s *Service) RatingBetween(ctx context.Context, rater, target UserID) (int, bool, error) {
	edge, ok, err := s.repo.GetEdge(ctx, rater, target)
	if err != nil {
		return 0, false, storageErr("rating between", err)
	}
	if !ok {
		return 0, false, nil
	}
	return edge.Value, true, nil
}

// IncomingRatings lists (rater, value) pairs received by id.
func (s *Service) IncomingRatings(ctx context.Context, id UserID) ([]Rating, error) {
	edges, err := s.repo.EdgesReceivedBy(ctx, id)
	if err != nil {
		return nil, storageErr("incoming ratings", err)
	}
	out := make([]Rating, 0, len(edges))
	for _, e := range edges {
		out = append(out, Rating{UserID: e.RaterID, Value: e.Value})
	}
	return out, nil
}

// OutgoingRatings lists (target, value) pairs cast by id.
func (s *Service) OutgoingRatings(ctx context.Context, id UserID) ([]Rating, error) {
	edges, err := s.repo.EdgesCastBy(ctx, id)
	if err != nil {
		return nil, storageErr("outgoing ratings", err)
	}
	out := make([]Rating, 0, len(edges))
	for _, e := range edges {
		out = append(out, Rating{UserID: e.TargetID, Value: e.Value})
	}
	return out, nil
}

// TopN returns up to n users ordered by true score, highest first, ties broken
// by user id.
func (s *Service) TopN(ctx context.Context, n int) ([]UserRank, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxTopN {
		n = MaxTopN
	}
	top, err := s.repo.TopN(ctx, n)
	if err != nil {
		return nil, storageErr("top n", err)
	}
	return top, nil
}

// Stats returns the global rating totals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return stats, nil
}

// RanksOf returns the effective rank of each id, DefaultRank for unranked users.
func (s *Service) RanksOf(ctx context.Context, ids []UserID) (map[UserID]Rank, error) {
	stored, err := s.repo.RanksOf(ctx, ids)
	if err != nil {
		return nil, storageErr("ranks of", err)
	}
	out := make(map[UserID]Rank, len(ids))
	for _, id := range ids {
		if r, ok := stored[id]; ok {
			out[id] = r.EffectiveRank
			continue
		}
		out[id] = DefaultRank
	}
	return out, nil
}

// UsersWithRank filters candidates down to the users holding rank, sorted by id.
func (s *Service) UsersWithRank(ctx context.Context, rank Rank, candidates []UserID) ([]UserID, error) {
	if !rank.Valid() {
		return nil, &ValidationError{Field: "rank", Err: ErrInvalidRank}
	}
	ranks, err := s.RanksOf(ctx, candidates)
	if err != nil {
		return nil, err
	}
	var out []UserID
	for id, r := range ranks {
		if r == rank {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Recompute reruns propagation from id.
func (s *Service) Recompute(ctx context.Context, id UserID) (CascadeReport, error) {
	if id <= 0 {
		return CascadeReport{}, &ValidationError{Field: "user_id", Err: ErrInvalidUser}
	}
	report, err := s.engine.Recompute(ctx, id)
	if err != nil {
		return CascadeReport{}, err
	}
	s.notify(ctx, report.Changed)
	return report, nil
}

func (s *Service) notify(ctx context.Context, changed []UserID) {
	if s.listener == nil || len(changed) == 0 {
		return
	}
	if err := s.listener.RatingsChanged(ctx, changed); err != nil {
		s.logger.Warn("notify rating change", slog.Int("users", len(changed)), slog.Any("error", err))
	}
}
