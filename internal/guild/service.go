package guild

import (
	"context"
	"log/slog"

	"github.com/balloonboat/balloonboat/internal/rating"
)

// Service manages which guild role represents each rank.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

func validate(guild ID, rank rating.Rank) error {
	if guild <= 0 {
		return &InputError{Err: ErrInvalidGuild}
	}
	if !rank.Valid() {
		return &InputError{Err: rating.ErrInvalidRank}
	}
	return nil
}

// SetRole binds role to rank. alreadyLinked reports that the binding existed
// and nothing was written.
func (s *Service) SetRole(ctx context.Context, guild ID, rank rating.Rank, role RoleID) (alreadyLinked bool, err error) {
	if err := validate(guild, rank); err != nil {
		return false, err
	}
	if role <= 0 {
		return false, &InputError{Err: ErrInvalidRole}
	}
	current, ok, err := s.store.RoleFor(ctx, guild, rank)
	if err != nil {
		return false, err
	}
	if ok && current == role {
		return true, nil
	}
	if err := s.store.Bind(ctx, Binding{GuildID: guild, Rank: rank, RoleID: role}); err != nil {
		return false, err
	}
	s.logger.Info("role linked",
		slog.Int64("guild_id", int64(guild)),
		slog.Int("rank", int(rank)),
		slog.Int64("role_id", int64(role)))
	return false, nil
}

// Unlink removes the role bound to rank, ErrNotLinked when there is none.
func (s *Service) Unlink(ctx context.Context, guild ID, rank rating.Rank) error {
	if err := validate(guild, rank); err != nil {
		return err
	}
	removed, err := s.store.Unbind(ctx, guild, rank)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotLinked
	}
	return nil
}

// RoleFor returns the role bound to rank, if any.
func (s *Service) RoleFor(ctx context.Context, guild ID, rank rating.Rank) (RoleID, bool, error) {
	if err := validate(guild, rank); err != nil {
		return 0, false, err
	}
	return s.store.RoleFor(ctx, guild, rank)
}

// Bindings lists a guild's bindings ordered by rank.
func (s *Service) Bindings(ctx context.Context, guild ID) ([]Binding, error) {
	if guild <= 0 {
		return nil, &InputError{Err: ErrInvalidGuild}
	}
	return s.store.List(ctx, guild)
}

// RankForRole returns the rank role is bound to, or 0 when it is not linked.
func (s *Service) RankForRole(ctx context.Context, guild ID, role RoleID) (rating.Rank, error) {
	if guild <= 0 {
		return 0, &InputError{Err: ErrInvalidGuild}
	}
	return s.store.RankForRole(ctx, guild, role)
}

// Guilds lists every guild with at least one binding.
func (s *Service) Guilds(ctx context.Context) ([]ID, error) {
	return s.store.Guilds(ctx)
}
