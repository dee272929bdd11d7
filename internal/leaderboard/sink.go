package leaderboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RenderedChannel is where RedisSink announces rendered boards for the chat
// bot to post.
const RenderedChannel = "leaderboard.rendered"

// RedisSink publishes rendered boards on a Redis channel and keeps the last
// one under a key for late subscribers.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink constructs a RedisSink; channel defaults to RenderedChannel.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = RenderedChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Post publishes body.
func (s *RedisSink) Post(ctx context.Context, body string) error {
	if s == nil || s.client == nil {
		return errors.New("leaderboard: redis sink not configured")
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.channel+":last", body, 0)
		pipe.Publish(ctx, s.channel, body)
		return nil
	})
	return err
}

// Follow republishes the board after every cache bump, at most once per
// minInterval, until ctx is done. Bumps that arrive during the wait are
// folded into one publish.
func (s *Service) Follow(ctx context.Context, minInterval time.Duration) error {
	var (
		mu      sync.Mutex
		pending bool
		timer   *time.Timer
		last    time.Time
	)
	publish := func() {
		mu.Lock()
		pending = false
		last = time.Now()
		mu.Unlock()
		if _, err := s.Publish(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("follow publish", slog.Any("error", err))
		}
	}
	return s.cache.Listen(ctx, func(version int64) {
		mu.Lock()
		defer mu.Unlock()
		if pending {
			return
		}
		pending = true
		wait := minInterval - time.Since(last)
		if wait < 0 {
			wait = 0
		}
		s.logger.Debug("leaderboard bump", slog.Int64("version", version), slog.Duration("publish_in", wait))
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(wait, publish)
	})
}
