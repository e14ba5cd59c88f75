// Package invalidation defines the cache invalidation events shared between
// instances and emitted by the back-office server.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const SchemaVersion = 1

type Op string

const (
	OpTag    Op = "tag"
	OpKey    Op = "key"
	OpPrefix Op = "prefix"
	OpEvict  Op = "evict"
)

type Event struct {
	Version int       `json:"version"`
	Op      Op        `json:"op"`
	Tags    []string  `json:"tags,omitempty"`
	Keys    []string  `json:"keys,omitempty"`
	Kinds   []string  `json:"kinds,omitempty"`
	Source  string    `json:"source,omitempty"`
	TS      time.Time `json:"ts"`
	// Seq is a per-target monotonic change number set by the server. Zero
	// disables de-duplication.
	Seq uint64 `json:"seq,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != SchemaVersion {
		return fmt.Errorf("version must be %d", SchemaVersion)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	switch e.Op {
	case OpTag:
		return requireNonEmpty("tags", e.Tags)
	case OpKey, OpEvict:
		return requireNonEmpty("keys", e.Keys)
	case OpPrefix:
		return requireNonEmpty("kinds", e.Kinds)
	default:
		return fmt.Errorf("op must be tag|key|prefix|evict")
	}
}

// Targets lists the tags, keys or kinds the event applies to.
func (e Event) Targets() []string {
	switch e.Op {
	case OpTag:
		return e.Tags
	case OpPrefix:
		return e.Kinds
	default:
		return e.Keys
	}
}

func requireNonEmpty(field string, vals []string) error {
	if len(vals) == 0 {
		return fmt.Errorf("%s is required", field)
	}
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s must not contain empty values", field)
		}
	}
	return nil
}

func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, fmt.Errorf("validate event: %w", err)
	}
	return ev, nil
}

// Publisher fans a locally originated invalidation out to other instances.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Applier applies an event to a local cache and reports how many entries
// were affected.
type Applier interface {
	Apply(ev Event, origin string) int
}
