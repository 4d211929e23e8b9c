package session

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/zsiec/tsreform/internal/config"
)

func TestContextCounters(t *testing.T) {
	t.Parallel()
	c := New(nil, config.Default())
	c.Inc(CounterUnknownPTS)
	c.Add(CounterDecodeFail, 3)
	c.Inc(CounterUnknownPTS)
	c.Add(CounterH264PTSMismatch, 0)

	if got := c.Count(CounterUnknownPTS); got != 2 {
		t.Errorf("unknownpts: got %d, want 2", got)
	}
	got := c.Counters()
	want := []Counter{{CounterDecodeFail, 3}, {CounterUnknownPTS, 2}}
	if len(got) != len(want) {
		t.Fatalf("counters: got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("counter %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestContextWarnLogsAndCounts(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	c := New(log, config.Default())
	c.Warn(CounterNonContinuousPTS, "PTS jumped back", "pts", 1234)

	if c.Count(CounterNonContinuousPTS) != 1 {
		t.Error("Warn should count")
	}
	out := buf.String()
	for _, s := range []string{"level=WARN", "PTS jumped back", "counter=noncontinuouspts", "pts=1234"} {
		if !strings.Contains(out, s) {
			t.Errorf("log output %q missing %q", out, s)
		}
	}
}

func TestContextCheckNoDrcsMap(t *testing.T) {
	t.Parallel()
	c := New(nil, config.Default())
	if err := c.Check(); err != nil {
		t.Fatalf("clean run: %v", err)
	}
	c.Inc(CounterNoDrcsMap)
	if err := c.Check(); !errors.Is(err, ErrNoDrcsMap) {
		t.Errorf("expected ErrNoDrcsMap, got %v", err)
	}

	cfg := config.Default()
	cfg.IgnoreNoDrcsMap = true
	c = New(nil, cfg)
	c.Inc(CounterNoDrcsMap)
	if err := c.Check(); err != nil {
		t.Errorf("ignored policy should pass, got %v", err)
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	r, ok := m.Create("a.ts", config.Default())
	if !ok || r == nil {
		t.Fatal("first Create should succeed")
	}
	if r.Ctx == nil || r.StartedAt.IsZero() {
		t.Error("run not initialised")
	}
	if r2, ok := m.Create("a.ts", config.Default()); ok || r2 != nil {
		t.Error("duplicate Create should fail")
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	r, _ := m.Create("b.ts", config.Default())
	m.Create("a.ts", config.Default())

	runs := m.List()
	if len(runs) != 2 || runs[0].Key != "a.ts" {
		t.Fatalf("List: got %d runs", len(runs))
	}

	m.Remove("b.ts")
	select {
	case <-r.Done():
	default:
		t.Error("Done should be closed after Remove")
	}
	if len(m.List()) != 1 {
		t.Errorf("count after remove: got %d, want 1", len(m.List()))
	}
	// Removing an unknown key is a no-op.
	m.Remove("missing")
}
