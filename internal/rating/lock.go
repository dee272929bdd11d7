package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises propagation runs. The returned unlock func must be called
// exactly once.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// LocalLocker is an in-process mutex that honours context cancellation while
// waiting.
type LocalLocker struct {
	sem chan struct{}
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrLockLost is logged when a RedisLocker lease could not be renewed.
var ErrLockLost = errors.New("rating: cascade lock lost")

const (
	renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
	`
	releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`
)

// RedisLocker serialises propagation runs across processes with a Redis lease.
// The holder renews the lease every ttl/2 until it unlocks.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker constructs a RedisLocker. key defaults to
// "balloonboat:cascade:lock" and ttl to 30s.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if key == "" {
		key = "balloonboat:cascade:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, poll: 25 * time.Millisecond, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("rating: redis locker not configured")
	}
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("rating: acquire cascade lock: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(renewCtx, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Eval(releaseCtx, releaseScript, []string{l.key}, token).Err(); err != nil {
				l.logger.Warn("release cascade lock", slog.String("key", l.key), slog.Any("error", err))
			}
		})
	}, nil
}

func (l *RedisLocker) renew(ctx context.Context, token string) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.client.Eval(ctx, renewScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("renew cascade lock", slog.String("key", l.key), slog.Any("error", err))
				continue
			}
			if res == 0 {
				l.logger.Error("renew cascade lock", slog.String("key", l.key), slog.Any("error", ErrLockLost))
				return
			}
		}
	}
}
