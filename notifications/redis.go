package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"besitos-engine/logger"
)

// RedisNotifier publishes notifications as JSON on a pub/sub channel, where the
// bot process (or another engine instance) picks them up.
type RedisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisNotifier(log *logger.Logger, url, channel string) (*RedisNotifier, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisNotifier(log, rdb, channel), nil
}

func newRedisNotifier(log *logger.Logger, rdb *goredis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "besitos:notifications"
	}
	return &RedisNotifier{log: log.With("component", "RedisNotifier"), rdb: rdb, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) {
	raw, err := json.Marshal(n)
	if err != nil {
		r.log.Warn("encode notification", "error", err)
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Warn("publish notification", "kind", n.Kind, "account_id", n.AccountID, "error", err)
	}
}

// Forward subscribes to the channel and hands every decoded notification to sink
// until ctx is done.
func (r *RedisNotifier) Forward(ctx context.Context, sink Notifier) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					r.log.Warn("bad notification payload", "error", err)
					continue
				}
				sink.Notify(ctx, n)
			}
		}
	}()
	return nil
}

func (r *RedisNotifier) Close() error {
	return r.rdb.Close()
}
