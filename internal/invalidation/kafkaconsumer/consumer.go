// Package kafkaconsumer applies invalidation events published by the
// back-office server on a Kafka topic to the local query cache.
package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation"
	mylog "github.com/mohammed-shakir/backoffice-sync/internal/logger"
)

const Origin = "kafka"

var ErrMalformed = errors.New("malformed invalidation message")

type Options struct {
	Logger   *slog.Logger
	ZLog     *zerolog.Logger
	Register prometheus.Registerer
	// Source is this instance's publisher id; events it produced are skipped.
	Source string
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	zlog    *zerolog.Logger
	applier invalidation.Applier
	source  string
	ms      *metricSet
	seqs    *seqDedupe

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, a invalidation.Applier, opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{
		cfg:     cfg,
		logger:  opts.Logger,
		zlog:    opts.ZLog,
		applier: a,
		source:  opts.Source,
		ms:      newMetricSet(opts.Register),
		seqs:    newSeqDedupe(cfg.DedupeSize),
		assign:  map[int32]struct{}{},
	}
}

// Start joins the consumer group and consumes in the background until Stop
// or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.applier == nil {
		return errors.New("kafkaconsumer: applier is required")
	}
	if len(c.cfg.Brokers) == 0 || c.cfg.Topic == "" || c.cfg.GroupID == "" {
		return errors.New("kafkaconsumer: brokers, topic and group are required")
	}

	ctx, cancel := context.WithCancel(mylog.WithComponent(ctx, "kafka_consumer"))
	c.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("create consumer group: %w", err)
	}

	h := c.handler()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.logger.Error("kafka consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				c.logger.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.logger.Error("kafka group error", "err", err)
		}
	}()

	c.logger.Info("kafka invalidation consumer started",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("kafka invalidation consumer stopped")
}

// Readiness reports whether partitions are assigned, and which.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (c *Consumer) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assigned.Store(true)
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.ProcessOne,
	}
}

// ProcessOne decodes and applies a single message. Targets carrying a
// sequence not newer than the last one applied are skipped.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		c.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	ev, err := invalidation.Decode(msg.Value)
	if err != nil {
		c.ms.msgs.WithLabelValues("malformed").Inc()
		mylog.FromContext(ctx, c.zlog).Error().
			Err(err).
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if c.source != "" && ev.Source == c.source {
		c.ms.msgs.WithLabelValues("self").Inc()
		return nil
	}

	ev, kept := c.filter(ev)
	if kept == 0 {
		c.ms.msgs.WithLabelValues("duplicate").Inc()
		return nil
	}

	n := c.applier.Apply(ev, Origin)
	c.ms.targets.WithLabelValues("apply").Add(float64(kept))
	c.ms.msgs.WithLabelValues("ok").Inc()
	c.ms.proc.WithLabelValues(string(ev.Op)).Observe(time.Since(start).Seconds())

	mylog.FromContext(ctx, c.zlog).Debug().
		Str("event", "invalidation").
		Str("op", string(ev.Op)).
		Int("targets", kept).
		Int("entries", n).
		Msg("invalidated entries")
	return nil
}

// filter drops targets already applied at ev.Seq or later.
func (c *Consumer) filter(ev invalidation.Event) (invalidation.Event, int) {
	targets := ev.Targets()
	if ev.Seq == 0 {
		return ev, len(targets)
	}
	kept := make([]string, 0, len(targets))
	for _, t := range targets {
		if c.seqs.shouldApply(string(ev.Op)+":"+t, ev.Seq) {
			kept = append(kept, t)
		} else {
			c.ms.targets.WithLabelValues("skip_seq").Inc()
		}
	}
	switch ev.Op {
	case invalidation.OpTag:
		ev.Tags = kept
	case invalidation.OpPrefix:
		ev.Kinds = kept
	default:
		ev.Keys = kept
	}
	return ev, len(kept)
}
