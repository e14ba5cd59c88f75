package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefault_PollsFasterThanEntriesGoStale(t *testing.T) {
	d := Default()
	if d.Poll.DefaultInterval*2 > d.Cache.StaleTime {
		t.Fatalf("poll interval %s must be at most half the stale time %s", d.Poll.DefaultInterval, d.Cache.StaleTime)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.test/v2")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BASE_DELAY", "100ms")
	t.Setenv("CACHE_STALE_DEFAULT", "1m")
	t.Setenv("POLL_REALTIME_INTERVAL", "2s")
	t.Setenv("INVALIDATION_ENABLED", "yes")
	t.Setenv("INVALIDATION_DRIVER", "Redis")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")

	c := FromEnv()
	if c.BaseURL != "https://api.example.test/v2" {
		t.Fatalf("BaseURL=%q", c.BaseURL)
	}
	if c.RequestTimeout != 5*time.Second || c.Retry.MaxAttempts != 5 || c.Retry.BaseDelay != 100*time.Millisecond {
		t.Fatalf("unexpected timeouts/retry: %+v", c)
	}
	if c.Cache.StaleTime != time.Minute || c.Poll.RealtimeInterval != 2*time.Second {
		t.Fatalf("unexpected cache/poll: %+v %+v", c.Cache, c.Poll)
	}
	if !c.Invalidation.Enabled || c.Invalidation.Driver != "redis" {
		t.Fatalf("unexpected invalidation: %+v", c.Invalidation)
	}
	if got := c.Invalidation.BrokerList(); len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("BrokerList=%v", got)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFromEnv_IgnoresMalformed(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "soon")
	t.Setenv("RETRY_MAX_ATTEMPTS", "many")
	c := FromEnv()
	if c.RequestTimeout != 30*time.Second || c.Retry.MaxAttempts != 3 {
		t.Fatalf("expected defaults, got %v / %d", c.RequestTimeout, c.Retry.MaxAttempts)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	c := Default()
	c.BaseURL = "not a url"
	c.RequestTimeout = 0
	c.Retry.MaxAttempts = 0
	c.Retry.MaxDelay = time.Millisecond
	c.Cache.MaxEntries = 0
	c.Invalidation.Enabled = true
	c.Invalidation.Driver = "none"

	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"must be absolute", "request timeout", "max attempts", "max delay", "max entries", "invalidation driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
