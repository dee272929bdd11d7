package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/balloonboat/balloonboat/internal/rating"
)

// CascadeLockKey is the Redis key guarding propagation runs.
const CascadeLockKey = "balloonboat:cascade:lock"

// NewLocker returns the propagation lock selected by CASCADE_LOCK. The redis
// mode needs a client and serialises runs across every process sharing it.
func NewLocker(cfg *Config, client *redis.Client, logger *slog.Logger) (rating.Locker, error) {
	mode := LockModeLocal
	if cfg != nil && cfg.CascadeLock != "" {
		mode = cfg.CascadeLock
	}
	switch mode {
	case LockModeLocal:
		return rating.NewLocalLocker(), nil
	case LockModeRedis:
		if client == nil {
			return nil, errors.New("app: CASCADE_LOCK=redis requires a redis client")
		}
		return rating.NewRedisLocker(client, CascadeLockKey, cfg.CascadeLockTTL, logger), nil
	default:
		return nil, fmt.Errorf("app: unknown lock mode %q", mode)
	}
}
