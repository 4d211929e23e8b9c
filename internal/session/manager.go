package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/tsreform/internal/config"
)

// Run is an active session registered with a Manager.
type Run struct {
	Key       string
	StartedAt time.Time
	Ctx       *Context
	done      chan struct{}
}

// Done is closed when the run is removed from its manager.
func (r *Run) Done() <-chan struct{} { return r.done }

// Manager tracks the sessions running in one process, keyed by input.
// Two sessions writing the same input's outputs would clobber each other,
// so a key can only be active once.
type Manager struct {
	log  *slog.Logger
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager creates a session manager. If log is nil, slog.Default() is
// used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "session-manager"),
		runs: make(map[string]*Run),
	}
}

// Create registers a new session for key. It returns nil and false when a
// session with this key is already active.
func (m *Manager) Create(key string, cfg config.Config) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[key]; ok {
		m.log.Warn("session already active, rejecting duplicate", "key", key)
		return nil, false
	}

	r := &Run{
		Key:       key,
		StartedAt: time.Now(),
		Ctx:       New(m.log.With("input", key), cfg),
		done:      make(chan struct{}),
	}
	m.runs[key] = r
	m.log.Info("session created", "key", key)
	return r, true
}

// Remove removes a session from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	r, ok := m.runs[key]
	if ok {
		delete(m.runs, key)
	}
	m.mu.Unlock()

	if ok {
		close(r.done)
		m.log.Info("session removed", "key", key, "elapsed", time.Since(r.StartedAt).Round(time.Millisecond))
	}
}

// List returns the active sessions ordered by key.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].Key < runs[j].Key })
	return runs
}
