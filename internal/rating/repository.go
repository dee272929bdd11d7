package rating

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balloonboat/balloonboat/internal/platform/db"
)

// graphLockKey is the advisory lock id serialising writes to the rating graph.
const graphLockKey int64 = 0x62616c6c6f6f6e

// Reader exposes read-only lookups over committed state.
type Reader interface {
	RankOf(ctx context.Context, id UserID) (UserRank, bool, error)
	RanksOf(ctx context.Context, ids []UserID) (map[UserID]UserRank, error)
	GetEdge(ctx context.Context, rater, target UserID) (Edge, bool, error)
	EdgesCastBy(ctx context.Context, id UserID) ([]Edge, error)
	EdgesReceivedBy(ctx context.Context, id UserID) ([]Edge, error)
	TopN(ctx context.Context, n int) ([]UserRank, error)
	Stats(ctx context.Context) (Stats, error)
}

// TxRepository is the write side used inside one propagation step.
type TxRepository interface {
	LockGraph(ctx context.Context) error
	PutEdge(ctx context.Context, edge Edge) error
	GetEdge(ctx context.Context, rater, target UserID) (Edge, bool, error)
	EdgesCastBy(ctx context.Context, id UserID) ([]Edge, error)
	EdgesReceivedBy(ctx context.Context, id UserID) ([]Edge, error)
	RankOf(ctx context.Context, id UserID) (UserRank, bool, error)
	EnsureRank(ctx context.Context, id UserID) (UserRank, error)
	SaveRank(ctx context.Context, rank UserRank) error
	// SetCastWeight restamps every edge cast by rater whose weight differs
	// from weight and returns the affected targets.
	SetCastWeight(ctx context.Context, rater UserID, weight Rank) ([]UserID, error)
}

// Repository combines committed reads with transactional writes.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRepository stores ratings and ranks in PostgreSQL.
type PostgresRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgresRepository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool, pool: pool}
}

// WithTx runs fn in a ReadCommitted transaction so that reads issued after
// LockGraph observe every write committed before the lock was granted.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresRepository{db: tx, pool: r.pool})
	})
	return storageErr("tx", err)
}

func (r *PostgresRepository) LockGraph(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, graphLockKey)
	return storageErr("lock graph", err)
}

func (r *PostgresRepository) PutEdge(ctx context.Context, edge Edge) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ratings (rater_id, target_id, value, rater_rank_at_cast)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (rater_id, target_id)
		DO UPDATE SET value = EXCLUDED.value, rater_rank_at_cast = EXCLUDED.rater_rank_at_cast`,
		int64(edge.RaterID), int64(edge.TargetID), int16(edge.Value), int16(edge.RaterRankAtCast))
	return storageErr("put edge", err)
}

func (r *PostgresRepository) GetEdge(ctx context.Context, rater, target UserID) (Edge, bool, error) {
	var value, weight int16
	err := r.db.QueryRow(ctx, `
		SELECT value, rater_rank_at_cast FROM ratings
		WHERE rater_id = $1 AND target_id = $2`,
		int64(rater), int64(target)).Scan(&value, &weight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Edge{}, false, nil
		}
		return Edge{}, false, storageErr("get edge", err)
	}
	return Edge{RaterID: rater, TargetID: target, Value: int(value), RaterRankAtCast: Rank(weight)}, true, nil
}

func (r *PostgresRepository) EdgesCastBy(ctx context.Context, id UserID) ([]Edge, error) {
	edges, err := r.queryEdges(ctx, `
		SELECT rater_id, target_id, value, rater_rank_at_cast FROM ratings
		WHERE rater_id = $1 AND target_id <> $1
		ORDER BY target_id`, int64(id))
	return edges, storageErr("edges cast", err)
}

func (r *PostgresRepository) EdgesReceivedBy(ctx context.Context, id UserID) ([]Edge, error) {
	edges, err := r.queryEdges(ctx, `
		SELECT rater_id, target_id, value, rater_rank_at_cast FROM ratings
		WHERE target_id = $1 AND rater_id <> $1
		ORDER BY rater_id`, int64(id))
	return edges, storageErr("edges received", err)
}

func (r *PostgresRepository) queryEdges(ctx context.Context, query string, args ...interface{}) ([]Edge, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var rater, target int64
		var value, weight int16
		if err := rows.Scan(&rater, &target, &value, &weight); err != nil {
			return nil, err
		}
		edges = append(edges, Edge{
			RaterID:         UserID(rater),
			TargetID:        UserID(target),
			Value:           int(value),
			RaterRankAtCast: Rank(weight),
		})
	}
	return edges, rows.Err()
}

func (r *PostgresRepository) SetCastWeight(ctx context.Context, rater UserID, weight Rank) ([]UserID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE ratings SET rater_rank_at_cast = $2
		WHERE rater_id = $1 AND target_id <> $1 AND rater_rank_at_cast <> $2
		RETURNING target_id`, int64(rater), int16(weight))
	if err != nil {
		return nil, storageErr("set cast weight", err)
	}
	defer rows.Close()

	var targets []UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("set cast weight", err)
		}
		targets = append(targets, UserID(id))
	}
	return targets, storageErr("set cast weight", rows.Err())
}

func (r *PostgresRepository) RankOf(ctx context.Context, id UserID) (UserRank, bool, error) {
	var score float64
	var rank int16
	err := r.db.QueryRow(ctx, `SELECT true_score, effective_rank FROM ranks WHERE user_id = $1`, int64(id)).
		Scan(&score, &rank)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultUserRank(id), false, nil
		}
		return UserRank{}, false, storageErr("rank of", err)
	}
	return UserRank{UserID: id, TrueScore: score, EffectiveRank: Rank(rank)}, true, nil
}

func (r *PostgresRepository) EnsureRank(ctx context.Context, id UserID) (UserRank, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ranks (user_id, true_score, effective_rank) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		int64(id), DefaultScore, int16(DefaultRank))
	if err != nil {
		return UserRank{}, storageErr("ensure rank", err)
	}
	rank, _, err := r.RankOf(ctx, id)
	return rank, err
}

func (r *PostgresRepository) SaveRank(ctx context.Context, rank UserRank) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ranks (user_id, true_score, effective_rank) VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET true_score = EXCLUDED.true_score, effective_rank = EXCLUDED.effective_rank`,
		int64(rank.UserID), rank.TrueScore, int16(rank.EffectiveRank))
	return storageErr("save rank", err)
}

func (r *PostgresRepository) RanksOf(ctx context.Context, ids []UserID) (map[UserID]UserRank, error) {
	result := make(map[UserID]UserRank, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	rows, err := r.db.Query(ctx, `
		SELECT user_id, true_score, effective_rank FROM ranks WHERE user_id = ANY($1)`, raw)
	if err != nil {
		return nil, storageErr("ranks of", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var score float64
		var rank int16
		if err := rows.Scan(&id, &score, &rank); err != nil {
			return nil, storageErr("ranks of", err)
		}
		result[UserID(id)] = UserRank{UserID: UserID(id), TrueScore: score, EffectiveRank: Rank(rank)}
	}
	return result, storageErr("ranks of", rows.Err())
}

func (r *PostgresRepository) TopN(ctx context.Context, n int) ([]UserRank, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT user_id, true_score, effective_rank FROM ranks
		ORDER BY true_score DESC, user_id ASC
		LIMIT $1`, n)
	if err != nil {
		return nil, storageErr("top n", err)
	}
	defer rows.Close()

	var top []UserRank
	for rows.Next() {
		var id int64
		var score float64
		var rank int16
		if err := rows.Scan(&id, &score, &rank); err != nil {
			return nil, storageErr("top n", err)
		}
		top = append(top, UserRank{UserID: UserID(id), TrueScore: score, EffectiveRank: Rank(rank)})
	}
	return top, storageErr("top n", rows.Err())
}

func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM ranks),
			(SELECT COUNT(*) FROM ratings),
			(SELECT COALESCE(AVG(true_score), 0) FROM ranks)`).
		Scan(&s.RankedUsers, &s.TotalRatings, &s.AverageScore)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return s, nil
}
