package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "leaderboard:version"
	// BumpChannel carries the new cache version after every invalidation.
	BumpChannel = "leaderboard.bump"
)

// Cache stores rendered boards in Redis under versioned keys. Bumping the
// version orphans every cached board at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX keeps a concurrent Bump from being overwritten.
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Key composes the cache key of a board of size n for the current version.
func (c *Cache) Key(ctx context.Context, n int) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("leaderboard:top:%d:%d", n, ver), nil
}

// Fetch loads a cached board or builds and stores it with loader.
func (c *Cache) Fetch(ctx context.Context, key string, loader func(context.Context) (Board, error)) (Board, error) {
	if loader == nil {
		return Board{}, errors.New("leaderboard: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var board Board
		if err := json.Unmarshal(payload, &board); err == nil {
			return board, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return Board{}, err
	}
	board, err := loader(ctx)
	if err != nil {
		return Board{}, err
	}
	raw, err := json.Marshal(board)
	if err != nil {
		return Board{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return Board{}, err
	}
	return board, nil
}

// Bump invalidates every cached board and publishes the new version.
func (c *Cache) Bump(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return 0, err
	}
	return ver, c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Listen subscribes to bump notifications until ctx is done, calling fn with
// every announced version.
func (c *Cache) Listen(ctx context.Context, fn func(version int64)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, BumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				fn(ver)
			}
		}
	}()
	return nil
}
