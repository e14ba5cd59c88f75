package kafkaconsumer

import (
	"time"

	"github.com/mohammed-shakir/backoffice-sync/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	// DedupeSize bounds the per-target sequence memory.
	DedupeSize int
}

// FromConfig builds the consumer config for one instance. Every instance owns
// an in-process cache and must see every event, so each one joins its own
// group, GroupID suffixed with instance, instead of sharing partitions.
func FromConfig(c config.InvalidationCfg, instance string) Config {
	return Config{
		Brokers:             c.BrokerList(),
		Topic:               c.Topic,
		GroupID:             InstanceGroup(c.GroupID, instance),
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: false,
		DedupeSize:          8192,
	}
}

func InstanceGroup(base, instance string) string {
	if instance == "" {
		return base
	}
	if base == "" {
		return instance
	}
	return base + "-" + instance
}
