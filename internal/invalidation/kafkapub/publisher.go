// Package kafkapub publishes locally originated invalidations on the Kafka
// invalidation topic so peer instances can apply them.
package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation"
)

// ErrQueueFull is returned when the send queue is saturated. Publish never
// blocks the caller on the broker.
var ErrQueueFull = errors.New("kafkapub: queue full")

var ErrClosed = errors.New("kafkapub: publisher closed")

type Config struct {
	Brokers   []string
	Topic     string
	Source    string
	QueueSize int
}

type Publisher struct {
	topic  string
	source string
	logger *slog.Logger

	events  chan invalidation.Event
	prod    sarama.AsyncProducer
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafkapub: brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafkapub: create async producer: %w", err)
	}
	return NewWithProducer(prod, cfg, logger), nil
}

// NewWithProducer takes ownership of prod.
func NewWithProducer(prod sarama.AsyncProducer, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Source == "" {
		cfg.Source = uuid.NewString()
	}
	p := &Publisher{
		topic:   cfg.Topic,
		source:  cfg.Source,
		logger:  logger,
		events:  make(chan invalidation.Event, cfg.QueueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("kafkapub: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(partitionKey(ev)),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.logger.Warn("kafkapub: producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *Publisher) Source() string { return p.source }

// Publish stamps and validates ev and queues it for the producer.
func (p *Publisher) Publish(_ context.Context, ev invalidation.Event) error {
	if ev.Source == "" {
		ev.Source = p.source
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

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains queued events into the producer and closes it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("kafkapub: close producer: %w", err)
	}
	return nil
}

// partitionKey keeps events for the same first target on one partition.
func partitionKey(ev invalidation.Event) string {
	if t := ev.Targets(); len(t) > 0 {
		return string(ev.Op) + ":" + t[0]
	}
	return string(ev.Op)
}
