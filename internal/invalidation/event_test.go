package invalidation

import (
	"encoding/json"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"tag", Event{Version: 1, Op: OpTag, Tags: []string{"reports"}, TS: mustTS()}, true},
		{"key", Event{Version: 1, Op: OpKey, Keys: []string{"reports#00ff"}, TS: mustTS()}, true},
		{"evict", Event{Version: 1, Op: OpEvict, Keys: []string{"reports/detail#01"}, TS: mustTS()}, true},
		{"prefix", Event{Version: 1, Op: OpPrefix, Kinds: []string{"analytics"}, TS: mustTS()}, true},
		{"bad version", Event{Version: 2, Op: OpTag, Tags: []string{"reports"}, TS: mustTS()}, false},
		{"missing ts", Event{Version: 1, Op: OpTag, Tags: []string{"reports"}}, false},
		{"unknown op", Event{Version: 1, Op: "insert", Tags: []string{"reports"}, TS: mustTS()}, false},
		{"tag without tags", Event{Version: 1, Op: OpTag, Keys: []string{"x"}, TS: mustTS()}, false},
		{"blank key", Event{Version: 1, Op: OpKey, Keys: []string{" "}, TS: mustTS()}, false},
	}
	for _, tc := range cases {
		err := tc.ev.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecode_RejectsInvalid(t *testing.T) {
	b, _ := json.Marshal(Event{Version: 1, Op: OpPrefix, Kinds: []string{"analytics"}, TS: mustTS(), Seq: 7})
	ev, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Seq != 7 || ev.Targets()[0] != "analytics" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, err := Decode([]byte(`{"version":1,"op":"tag","ts":"2025-10-26T12:30:45Z"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
