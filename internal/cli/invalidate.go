package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/config"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation/kafkapub"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation/redisbus"
)

const cliSource = "syncd-cli"

type eventPublisher interface {
	invalidation.Publisher
	io.Closer
}

func newInvalidateCmd(a *app) *cobra.Command {
	var (
		tags, rawKeys, prefixes []string
		driver                  string
		addr, channel           string
		brokers, topic          string
		timeout                 time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Publish an invalidation event on the Redis or Kafka bus",
		Long: `Publish one invalidation event to running instances. The bus follows
INVALIDATION_DRIVER (redis when unset or none); --driver overrides it.`,
		Example: `  syncd invalidate --tag reports
  syncd invalidate --driver kafka --key 'reports#1f0c3a9d2b7e4c51'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := buildEvent(tags, rawKeys, prefixes)
			if err != nil {
				return err
			}
			ic := config.FromEnv().Invalidation
			if driver != "" {
				ic.Driver = driver
			}
			if addr != "" {
				ic.RedisAddr = addr
			}
			if channel != "" {
				ic.RedisChannel = channel
			}
			if brokers != "" {
				ic.Brokers = brokers
			}
			if topic != "" {
				ic.Topic = topic
			}
			ctx, cancel := withTimeout(cmd, timeout)
			defer cancel()

			pub, dest, err := a.openPublisher(ctx, ic)
			if err != nil {
				return err
			}
			if err := pub.Publish(ctx, ev); err != nil {
				_ = pub.Close()
				return err
			}
			// Close flushes queued kafka messages
			if err := pub.Close(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "published %s invalidation to %s\n", ev.Op, dest)
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&tags, "tag", nil, "tag to invalidate (repeatable)")
	f.StringSliceVar(&rawKeys, "key", nil, "cache key to invalidate (repeatable)")
	f.StringSliceVar(&prefixes, "prefix", nil, "key kind prefix to invalidate (repeatable)")
	f.StringVar(&driver, "driver", "", "bus to publish on: redis or kafka (default INVALIDATION_DRIVER)")
	f.StringVar(&addr, "redis-addr", "", "redis address (default REDIS_ADDR)")
	f.StringVar(&channel, "channel", "", "pub/sub channel (default REDIS_CHANNEL)")
	f.StringVar(&brokers, "brokers", "", "comma separated kafka brokers (default KAFKA_BROKERS)")
	f.StringVar(&topic, "topic", "", "kafka topic (default KAFKA_TOPIC)")
	f.DurationVar(&timeout, "timeout", 5*time.Second, "publish timeout")
	return cmd
}

// openPublisher returns the publisher for ic.Driver and a description of
// where events go.
func (a *app) openPublisher(ctx context.Context, ic config.InvalidationCfg) (eventPublisher, string, error) {
	log := a.logger("cli")
	switch ic.Driver {
	case "", "none", "redis":
		bus, err := redisbus.New(ctx, redisbus.Config{Addr: ic.RedisAddr, Channel: ic.RedisChannel, Source: cliSource}, log)
		if err != nil {
			return nil, "", err
		}
		return bus, "redis channel " + ic.RedisChannel, nil
	case "kafka":
		newKafka := a.newKafka
		if newKafka == nil {
			newKafka = kafkapub.New
		}
		pub, err := newKafka(kafkapub.Config{Brokers: ic.BrokerList(), Topic: ic.Topic, Source: cliSource}, log)
		if err != nil {
			return nil, "", err
		}
		return pub, "kafka topic " + ic.Topic, nil
	default:
		return nil, "", fmt.Errorf("unknown invalidation driver %q", ic.Driver)
	}
}

// buildEvent accepts exactly one target flavour per event.
func buildEvent(tags, rawKeys, prefixes []string) (invalidation.Event, error) {
	set := 0
	for _, s := range [][]string{tags, rawKeys, prefixes} {
		if len(s) > 0 {
			set++
		}
	}
	if set != 1 {
		return invalidation.Event{}, errors.New("pass exactly one of --tag, --key or --prefix")
	}
	switch {
	case len(tags) > 0:
		return invalidation.Event{Op: invalidation.OpTag, Tags: tags}, nil
	case len(prefixes) > 0:
		return invalidation.Event{Op: invalidation.OpPrefix, Kinds: prefixes}, nil
	}
	for _, k := range rawKeys {
		if _, err := keys.Parse(k); err != nil {
			return invalidation.Event{}, err
		}
	}
	return invalidation.Event{Op: invalidation.OpKey, Keys: rawKeys}, nil
}

func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
