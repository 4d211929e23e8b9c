// Package session carries the per-run context shared by the demux and
// reform stages: configuration, a component logger and named anomaly
// counters. Every stage receives it explicitly so several sessions can run
// in one process.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/tsreform/internal/config"
)

// Counter names for anomalies that are tallied rather than logged one by
// one.
const (
	CounterUnknownPTS       = "unknownpts"
	CounterNonContinuousPTS = "noncontinuouspts"
	CounterDecodeFail       = "decodefail"
	CounterNoDrcsMap        = "nodrcsmap"
	CounterH264PTSMismatch  = "h264ptsmismatch"
	CounterUnexpectedField  = "unexpectedfield"
	CounterNoPTS            = "nopts"
	CounterCaptionPTS       = "captionpts"
	CounterPESLost          = "peslost"
)

// ErrNoDrcsMap is returned by Check when caption statements drew DRCS
// glyphs that were never defined and the configuration does not allow it.
var ErrNoDrcsMap = errors.New("session: DRCS mapping missing")

// Context is the state of one processing run.
type Context struct {
	log *slog.Logger
	cfg config.Config

	mu       sync.Mutex
	counters map[string]int64
}

// New creates a session context. If log is nil, slog.Default() is used.
func New(log *slog.Logger, cfg config.Config) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		log:      log,
		cfg:      cfg,
		counters: make(map[string]int64),
	}
}

// Config returns the session configuration.
func (c *Context) Config() config.Config { return c.cfg }

// Logger returns a logger tagged with the component name.
func (c *Context) Logger(component string) *slog.Logger {
	return c.log.With("component", component)
}

// Inc adds one to the named counter.
func (c *Context) Inc(name string) {
	c.Add(name, 1)
}

// Add adds n to the named counter.
func (c *Context) Add(name string, n int64) {
	c.mu.Lock()
	c.counters[name] += n
	c.mu.Unlock()
}

// Count returns the value of the named counter.
func (c *Context) Count(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Warn logs a survivable anomaly and counts it under name.
func (c *Context) Warn(name, msg string, args ...any) {
	c.Inc(name)
	c.log.Warn(msg, append([]any{"counter", name}, args...)...)
}

// Counter is one entry of the counter report.
type Counter struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Counters returns the non-zero counters sorted by name.
func (c *Context) Counters() []Counter {
	c.mu.Lock()
	out := make([]Counter, 0, len(c.counters))
	for name, v := range c.counters {
		if v != 0 {
			out = append(out, Counter{Name: name, Value: v})
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check applies the end-of-run policy to the counters.
func (c *Context) Check() error {
	if n := c.Count(CounterNoDrcsMap); n > 0 && !c.cfg.IgnoreNoDrcsMap {
		return fmt.Errorf("%w: %d statements", ErrNoDrcsMap, n)
	}
	return nil
}

// LogReport writes the counters at Info level.
func (c *Context) LogReport() {
	counters := c.Counters()
	args := make([]any, 0, 2*len(counters))
	for _, ctr := range counters {
		args = append(args, ctr.Name, ctr.Value)
	}
	c.log.Info("session counters", args...)
}
