// Package app wires the sync layer: session, executor, retry coordinator,
// query cache, poller, resources and the optional invalidation bus.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/backoffice-sync/internal/auth"
	"github.com/mohammed-shakir/backoffice-sync/internal/cache/query"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/config"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/executor"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/httpclient"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/router"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/server"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation/kafkapub"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation/redisbus"
	"github.com/mohammed-shakir/backoffice-sync/internal/metrics"
	"github.com/mohammed-shakir/backoffice-sync/internal/notify"
	"github.com/mohammed-shakir/backoffice-sync/internal/poller"
	"github.com/mohammed-shakir/backoffice-sync/internal/resources"
	"github.com/mohammed-shakir/backoffice-sync/internal/retry"
)

type Options struct {
	Clock      clockwork.Clock
	HTTPClient *http.Client
	// Session seeds the store, e.g. from a token handed over by the login flow.
	Session auth.Session
	// Notify receives user facing failures in addition to the log bridge.
	Notify  notify.Bridge
	Metrics *metrics.Provider
	Build   metrics.BuildInfo
	ZLog    *zerolog.Logger
}

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Session   *auth.Store
	Executor  *executor.Executor
	Retry     *retry.Coordinator
	Cache     *query.Cache
	Poller    *poller.Poller
	Resources *resources.Client
	Metrics   *metrics.Provider

	bus      *redisbus.Bus
	consumer *kafkaconsumer.Consumer
	producer *kafkapub.Publisher

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the object graph. ctx bounds the initial broker connection only.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httpclient.NewOutbound(cfg.RequestTimeout)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Init(metrics.Config{Enabled: cfg.MetricsEnabled, Build: opts.Build})
	}

	a := &App{Config: cfg, Logger: logger, Clock: opts.Clock, Metrics: opts.Metrics}

	a.Session = auth.NewStore(nil)
	if opts.Session.Valid() {
		a.Session.Set(opts.Session)
	}
	a.Session.OnClear(func() { logger.Warn("session cleared, sign in required") })

	exec, err := executor.New(executor.Options{
		BaseURL:      cfg.BaseURL,
		Client:       opts.HTTPClient,
		Auth:         a.Session,
		TenantHeader: cfg.TenantHeader,
		TenantID:     cfg.TenantID,
		Timeout:      cfg.RequestTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	a.Executor = exec
	a.Session.SetRefresher(resources.HTTPRefresher(exec, opts.Clock))

	bridge := notify.Multi{notify.NewLogBridge(logger), opts.Notify}
	a.Retry, err = retry.New(retry.Options{
		Executor: exec,
		Auth:     a.Session,
		Policy:   cfg.Retry,
		Notify:   bridge,
		Clock:    opts.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	a.Cache, err = query.New(query.Options{
		StaleTime:  cfg.Cache.StaleTime,
		MaxEntries: cfg.Cache.MaxEntries,
		GCGrace:    cfg.Cache.GCGrace,
		Clock:      opts.Clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.Poller, err = poller.New(poller.Options{Cache: a.Cache, Clock: opts.Clock, Logger: logger})
	if err != nil {
		return nil, err
	}

	a.Resources, err = resources.New(resources.Options{
		Exec:             a.Retry,
		Cache:            a.Cache,
		Clock:            opts.Clock,
		RealtimeInterval: cfg.Poll.RealtimeInterval,
		PollInterval:     cfg.Poll.DefaultInterval,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	if err := a.wireInvalidation(ctx, opts); err != nil {
		a.Poller.Close()
		a.Cache.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireInvalidation(ctx context.Context, opts Options) error {
	ic := a.Config.Invalidation
	if !ic.Enabled {
		return nil
	}
	switch ic.Driver {
	case "redis":
		bus, err := redisbus.New(ctx, redisbus.Config{Addr: ic.RedisAddr, Channel: ic.RedisChannel}, a.Logger)
		if err != nil {
			return fmt.Errorf("invalidation bus: %w", err)
		}
		a.bus = bus
		a.Cache.SetPublisher(bus, bus.Source())
	case "kafka":
		kc, pc := kafkaConfigs(ic, uuid.NewString())
		pub, err := kafkapub.New(pc, a.Logger)
		if err != nil {
			return fmt.Errorf("invalidation producer: %w", err)
		}
		a.producer = pub
		a.Cache.SetPublisher(pub, pub.Source())
		a.Logger.Info("kafka invalidation wired", "topic", kc.Topic, "group", kc.GroupID)
		a.consumer = kafkaconsumer.New(kc, a.Cache, kafkaconsumer.Options{
			Logger:   a.Logger,
			ZLog:     opts.ZLog,
			Register: a.Metrics.Registerer(),
			Source:   pub.Source(),
		})
	default:
		return fmt.Errorf("unknown invalidation driver %q", ic.Driver)
	}
	return nil
}

// kafkaConfigs gives the instance its own consumer group and stamps its
// published events with the same id, so it sees every event and skips its own.
func kafkaConfigs(ic config.InvalidationCfg, instance string) (kafkaconsumer.Config, kafkapub.Config) {
	kc := kafkaconsumer.FromConfig(ic, instance)
	return kc, kafkapub.Config{Brokers: kc.Brokers, Topic: kc.Topic, Source: instance}
}

// Start launches the background invalidation consumers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("app already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.bus != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.bus.Run(ctx, a.Cache); err != nil {
				a.Logger.Error("invalidation bus stopped", "err", err)
			}
		}()
	}
	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("kafka consumer: %w", err)
		}
	}
	a.Logger.Info("sync layer started",
		"base_url", a.Config.BaseURL,
		"invalidation", a.Config.Invalidation.Enabled,
		"driver", a.Config.Invalidation.Driver)
	return nil
}

// Readiness follows the configured invalidation consumer.
func (a *App) Readiness() (bool, []int32) {
	switch {
	case a.consumer != nil:
		return a.consumer.Readiness()
	case a.bus != nil:
		return a.bus.Ready(), nil
	default:
		return true, nil
	}
}

// Handler returns the local debug surface.
func (a *App) Handler() http.Handler {
	return server.NewHandler(a.Logger, server.Deps{
		API:     &router.API{Resources: a.Resources, Cache: a.Cache, Logger: a.Logger},
		Ready:   a,
		Metrics: a.Metrics.Handler(),
	})
}

// Close stops timers, consumers and the cache. It is safe to call twice.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.Poller.Close()
		if a.consumer != nil {
			a.consumer.Stop()
		}
		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
		}
		a.mu.Unlock()
		a.wg.Wait()
		if a.bus != nil {
			if err := a.bus.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.producer != nil {
			if err := a.producer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.Cache.Close()
	})
	return errors.Join(errs...)
}
