package guild

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balloonboat/balloonboat/internal/platform/db"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// Store persists role bindings.
type Store interface {
	RoleFor(ctx context.Context, guild ID, rank rating.Rank) (RoleID, bool, error)
	// Bind links role to rank, dropping any other rank the role was bound to
	// in the same guild.
	Bind(ctx context.Context, b Binding) error
	Unbind(ctx context.Context, guild ID, rank rating.Rank) (bool, error)
	List(ctx context.Context, guild ID) ([]Binding, error)
	RankForRole(ctx context.Context, guild ID, role RoleID) (rating.Rank, error)
	Guilds(ctx context.Context) ([]ID, error)
}

// Repository stores role bindings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) RoleFor(ctx context.Context, guild ID, rank rating.Rank) (RoleID, bool, error) {
	var role int64
	err := r.pool.QueryRow(ctx,
		`SELECT role_id FROM role_bindings WHERE guild_id = $1 AND rank = $2`,
		int64(guild), int16(rank)).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("role for rank", err)
	}
	return RoleID(role), true, nil
}

func (r *Repository) Bind(ctx context.Context, b Binding) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_bindings WHERE guild_id = $1 AND role_id = $2 AND rank <> $3`,
			int64(b.GuildID), int64(b.RoleID), int16(b.Rank)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO role_bindings (guild_id, rank, role_id) VALUES ($1, $2, $3)
			ON CONFLICT (guild_id, rank) DO UPDATE SET role_id = EXCLUDED.role_id`,
			int64(b.GuildID), int16(b.Rank), int64(b.RoleID))
		return err
	})
	return storeErr("bind role", err)
}

func (r *Repository) Unbind(ctx context.Context, guild ID, rank rating.Rank) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM role_bindings WHERE guild_id = $1 AND rank = $2`,
		int64(guild), int16(rank))
	if err != nil {
		return false, storeErr("unbind role", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) List(ctx context.Context, guild ID) ([]Binding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT rank, role_id FROM role_bindings WHERE guild_id = $1 ORDER BY rank`,
		int64(guild))
	if err != nil {
		return nil, storeErr("list bindings", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var rank int16
		var role int64
		if err := rows.Scan(&rank, &role); err != nil {
			return nil, storeErr("list bindings", err)
		}
		out = append(out, Binding{GuildID: guild, Rank: rating.Rank(rank), RoleID: RoleID(role)})
	}
	return out, storeErr("list bindings", rows.Err())
}

func (r *Repository) RankForRole(ctx context.Context, guild ID, role RoleID) (rating.Rank, error) {
	var rank int16
	err := r.pool.QueryRow(ctx,
		`SELECT rank FROM role_bindings WHERE guild_id = $1 AND role_id = $2`,
		int64(guild), int64(role)).Scan(&rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("rank for role", err)
	}
	return rating.Rank(rank), nil
}

func (r *Repository) Guilds(ctx context.Context) ([]ID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT guild_id FROM role_bindings ORDER BY guild_id`)
	if err != nil {
		return nil, storeErr("list guilds", err)
	}
	defer rows.Close()

	var out []ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("list guilds", err)
		}
		out = append(out, ID(id))
	}
	return out, storeErr("list guilds", rows.Err())
}
