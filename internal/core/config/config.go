package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy bounds the retry coordinator. Delays grow as BaseDelay*2^n
// capped at MaxDelay; MaxAuthRetries caps refresh-then-retry cycles per call.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAuthRetries int
	RefreshSkew    time.Duration
}

type CacheConfig struct {
	StaleTime  time.Duration
	MaxEntries int
	GCGrace    time.Duration
}

type PollConfig struct {
	DefaultInterval  time.Duration
	RealtimeInterval time.Duration
}

type InvalidationCfg struct {
	Enabled      bool
	Driver       string
	RedisAddr    string
	RedisChannel string
	Topic        string
	Brokers      string
	GroupID      string
}

type Config struct {
	Addr           string
	LogLevel       string
	BaseURL        string
	TenantHeader   string
	TenantID       string
	RequestTimeout time.Duration
	Retry          RetryPolicy
	Cache          CacheConfig
	Poll           PollConfig
	Invalidation   InvalidationCfg
	MetricsEnabled bool
}

func Default() Config {
	return Config{
		Addr:           ":8090",
		LogLevel:       "info",
		BaseURL:        "http://localhost:8000/api",
		TenantHeader:   "X-Company-ID",
		RequestTimeout: 30 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			MaxAuthRetries: 1,
			RefreshSkew:    30 * time.Second,
		},
		Cache: CacheConfig{
			StaleTime:  30 * time.Second,
			MaxEntries: 1024,
			GCGrace:    5 * time.Minute,
		},
		// Staleness counts from fetch completion, so a tick at exactly
		// StaleTime usually lands just before expiry and is skipped. Polling at
		// half the stale time refreshes at most one interval late.
		Poll: PollConfig{
			DefaultInterval:  15 * time.Second,
			RealtimeInterval: 5 * time.Second,
		},
		Invalidation: InvalidationCfg{
			Driver:       "none",
			RedisAddr:    "localhost:6379",
			RedisChannel: "backoffice-invalidation",
			Topic:        "backoffice-changes",
			Brokers:      "localhost:9092",
			GroupID:      "dashboard-sync",
		},
	}
}

func FromEnv() Config {
	d := Default()
	return Config{
		Addr:           getenv("ADDR", d.Addr),
		LogLevel:       getenv("LOG_LEVEL", d.LogLevel),
		BaseURL:        getenv("API_BASE_URL", d.BaseURL),
		TenantHeader:   getenv("TENANT_HEADER", d.TenantHeader),
		TenantID:       getenv("TENANT_ID", d.TenantID),
		RequestTimeout: getduration("REQUEST_TIMEOUT", d.RequestTimeout),
		Retry: RetryPolicy{
			MaxAttempts:    getint("RETRY_MAX_ATTEMPTS", d.Retry.MaxAttempts),
			BaseDelay:      getduration("RETRY_BASE_DELAY", d.Retry.BaseDelay),
			MaxDelay:       getduration("RETRY_MAX_DELAY", d.Retry.MaxDelay),
			MaxAuthRetries: getint("RETRY_MAX_AUTH", d.Retry.MaxAuthRetries),
			RefreshSkew:    getduration("AUTH_REFRESH_SKEW", d.Retry.RefreshSkew),
		},
		Cache: CacheConfig{
			StaleTime:  getduration("CACHE_STALE_DEFAULT", d.Cache.StaleTime),
			MaxEntries: getint("CACHE_MAX_ENTRIES", d.Cache.MaxEntries),
			GCGrace:    getduration("CACHE_GC_GRACE", d.Cache.GCGrace),
		},
		Poll: PollConfig{
			DefaultInterval:  getduration("POLL_INTERVAL_DEFAULT", d.Poll.DefaultInterval),
			RealtimeInterval: getduration("POLL_REALTIME_INTERVAL", d.Poll.RealtimeInterval),
		},
		Invalidation: InvalidationCfg{
			Enabled:      getbool("INVALIDATION_ENABLED", false),
			Driver:       strings.ToLower(getenv("INVALIDATION_DRIVER", d.Invalidation.Driver)),
			RedisAddr:    getenv("REDIS_ADDR", d.Invalidation.RedisAddr),
			RedisChannel: getenv("REDIS_CHANNEL", d.Invalidation.RedisChannel),
			Topic:        getenv("KAFKA_TOPIC", d.Invalidation.Topic),
			Brokers:      getenv("KAFKA_BROKERS", d.Invalidation.Brokers),
			GroupID:      getenv("KAFKA_GROUP_ID", d.Invalidation.GroupID),
		},
		MetricsEnabled: getbool("METRICS_ENABLED", false),
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base url is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base url %q must be absolute", c.BaseURL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.StaleTime < 0 {
		errs = append(errs, errors.New("cache stale time must not be negative"))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("cache max entries must be positive"))
	}
	if c.Cache.GCGrace < 0 {
		errs = append(errs, errors.New("cache gc grace must not be negative"))
	}
	if c.Poll.DefaultInterval <= 0 || c.Poll.RealtimeInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.Invalidation.Enabled {
		switch c.Invalidation.Driver {
		case "redis", "kafka":
		default:
			errs = append(errs, fmt.Errorf("invalidation driver %q must be redis or kafka", c.Invalidation.Driver))
		}
	}
	return errors.Join(errs...)
}

func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	if p.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry base delay must be positive"))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, errors.New("retry max delay must not be below base delay"))
	}
	if p.MaxAuthRetries < 0 {
		errs = append(errs, errors.New("retry max auth retries must not be negative"))
	}
	if p.RefreshSkew < 0 {
		errs = append(errs, errors.New("refresh skew must not be negative"))
	}
	return errors.Join(errs...)
}

// BrokerList splits the comma separated broker list.
func (c InvalidationCfg) BrokerList() []string {
	var out []string
	for _, p := range strings.Split(c.Brokers, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
