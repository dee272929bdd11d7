// Package leaderboard builds, caches, renders and publishes the ranking of
// the highest rated users.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/balloonboat/balloonboat/internal/rating"
)

// Entry is one line of a board.
type Entry struct {
	Position  int           `json:"position"`
	UserID    rating.UserID `json:"user_id"`
	TrueScore float64       `json:"true_score"`
	Rank      rating.Rank   `json:"rank"`
}

// Board is a snapshot of the top users.
type Board struct {
	Entries     []Entry   `json:"entries"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Source provides the ordered top users.
type Source interface {
	TopN(ctx context.Context, n int) ([]rating.UserRank, error)
}

// Sink delivers a rendered board, e.g. by editing a pinned chat message.
type Sink interface {
	Post(ctx context.Context, body string) error
}

// Config tunes a Service.
type Config struct {
	// Size is the default board length.
	Size int
	// Renderer formats published boards.
	Renderer *Renderer
}

// Service serves cached boards and publishes them to a Sink.
type Service struct {
	source Source
	cache  *Cache
	sink   Sink
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
	clock  func() time.Time
}

// NewService wires a Service. cache and sink may be nil.
func NewService(source Source, cache *Cache, sink Sink, cfg Config, logger *slog.Logger) *Service {
	if cfg.Size <= 0 {
		cfg.Size = 20
	}
	if cfg.Size > rating.MaxTopN {
		cfg.Size = rating.MaxTopN
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewRenderer(RenderOptions{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source: source,
		cache:  cache,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Size returns the default board length.
func (s *Service) Size() int { return s.cfg.Size }

// Board returns the top n users, served from cache when possible. Concurrent
// misses for the same key build the board once. A failing cache degrades to
// a direct build.
func (s *Service) Board(ctx context.Context, n int) (Board, error) {
	if n <= 0 {
		n = s.cfg.Size
	}
	if n > rating.MaxTopN {
		n = rating.MaxTopN
	}
	key, err := s.cache.Key(ctx, n)
	if err != nil {
		s.logger.Warn("leaderboard cache version", slog.Any("error", err))
		return s.build(ctx, n)
	}
	// The build is shared by every waiter, so it must outlive any one caller.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		board, err := s.cache.Fetch(shared, key, func(ctx context.Context) (Board, error) {
			return s.build(ctx, n)
		})
		if err != nil {
			var se *rating.StorageError
			if errors.As(err, &se) {
				return Board{}, err
			}
			s.logger.Warn("leaderboard cache fetch", slog.String("key", key), slog.Any("error", err))
			return s.build(shared, n)
		}
		return board, nil
	})
	select {
	case <-ctx.Done():
		return Board{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Board{}, res.Err
		}
		return res.Val.(Board), nil
	}
}

func (s *Service) build(ctx context.Context, n int) (Board, error) {
	top, err := s.source.TopN(ctx, n)
	if err != nil {
		return Board{}, err
	}
	board := Board{Entries: make([]Entry, 0, len(top)), GeneratedAt: s.clock()}
	for i, u := range top {
		board.Entries = append(board.Entries, Entry{
			Position:  i + 1,
			UserID:    u.UserID,
			TrueScore: u.TrueScore,
			Rank:      u.EffectiveRank,
		})
	}
	return board, nil
}

// RatingsChanged invalidates cached boards after stored ranks changed.
func (s *Service) RatingsChanged(ctx context.Context, users []rating.UserID) error {
	if len(users) == 0 {
		return nil
	}
	return s.Invalidate(ctx)
}

// Invalidate drops every cached board.
func (s *Service) Invalidate(ctx context.Context) error {
	ver, err := s.cache.Bump(ctx)
	if err != nil {
		return fmt.Errorf("leaderboard: invalidate: %w", err)
	}
	s.logger.Debug("leaderboard invalidated", slog.Int64("version", ver))
	return nil
}

// Publish renders the default board and posts it to the sink.
func (s *Service) Publish(ctx context.Context) (Board, error) {
	if s.sink == nil {
		return Board{}, errors.New("leaderboard: sink not configured")
	}
	board, err := s.Board(ctx, s.cfg.Size)
	if err != nil {
		return Board{}, err
	}
	if err := s.sink.Post(ctx, s.cfg.Renderer.Render(board)); err != nil {
		return Board{}, fmt.Errorf("leaderboard: post: %w", err)
	}
	return board, nil
}

// Render formats board with the configured renderer.
func (s *Service) Render(board Board) string {
	return s.cfg.Renderer.Render(board)
}
