package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSlogBridge_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Service: "syncd", Component: "test"}, &buf)
	l := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTenant(ctx, "acme")
	l.InfoContext(ctx, "fetched", "status", 200, "dur", 5*time.Millisecond, "err", errors.New("x"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for k, want := range map[string]any{
		"msg": "fetched", "request_id": "req-1", "tenant": "acme",
		"service": "syncd", "component": "test", "level": "info",
	} {
		if line[k] != want {
			t.Fatalf("%s=%v want %v (line=%s)", k, line[k], want, buf.String())
		}
	}
	if line["status"] != float64(200) {
		t.Fatalf("status=%v", line["status"])
	}
	if line["err"] != "x" {
		t.Fatalf("err=%v", line["err"])
	}
}

func TestSlogBridge_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	l := NewSlog(&zl)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %s", buf.String())
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("warn should be emitted")
	}
	Build(Config{Level: "info"}, &buf)
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if RequestID(ctx) == "" {
		t.Fatalf("expected generated request id")
	}
	if RequestID(context.Background()) != "" {
		t.Fatalf("expected empty request id")
	}
}
