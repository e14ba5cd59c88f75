// Package redisbus carries cache invalidations between instances over Redis
// Pub/Sub.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation"
)

const Origin = "redis"

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

type Config struct {
	Addr    string
	Channel string
	// Source identifies this instance; own messages are ignored. Defaults to
	// a random id.
	Source string
}

type Bus struct {
	rdb     *redis.Client
	channel string
	source  string
	logger  *slog.Logger
	ready   atomic.Bool
}

var _ invalidation.Publisher = (*Bus)(nil)

func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Bus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("redis channel is required")
	}
	if cfg.Source == "" {
		cfg.Source = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ro := &redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     8,
		MinIdleConns: 1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, channel: cfg.Channel, source: cfg.Source, logger: logger}, nil
}

func (b *Bus) Source() string { return b.source }

// Ready reports whether the subscription is established.
func (b *Bus) Ready() bool { return b.ready.Load() }

func (b *Bus) Publish(ctx context.Context, ev invalidation.Event) error {
	if ev.Source == "" {
		ev.Source = b.source
	}
	if ev.Version == 0 {
		ev.Version = invalidation.SchemaVersion
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %q: %w", b.channel, err)
	}
	return nil
}

// Run subscribes and applies events from other instances until ctx ends.
func (b *Bus) Run(ctx context.Context, a invalidation.Applier) error {
	if a == nil {
		return errors.New("redisbus: applier is required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis SUBSCRIBE %q: %w", b.channel, err)
	}
	b.ready.Store(true)
	defer b.ready.Store(false)
	b.logger.Info("invalidation bus subscribed", "channel", b.channel, "source", b.source)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.handle(msg.Payload, a); err != nil {
				b.logger.Warn("dropping invalidation message", "channel", msg.Channel, "err", err)
			}
		}
	}
}

func (b *Bus) handle(payload string, a invalidation.Applier) error {
	ev, err := invalidation.Decode([]byte(payload))
	if err != nil {
		return err
	}
	if ev.Source == b.source {
		return nil
	}
	n := a.Apply(ev, Origin)
	b.logger.Debug("applied remote invalidation", "op", string(ev.Op), "source", ev.Source, "entries", n)
	return nil
}

func (b *Bus) Close() error {
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
