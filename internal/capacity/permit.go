package capacity

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/dispatchq/internal/logging"
	"github.com/me/dispatchq/pkg/model"
)

// Permit is a granted unit of concurrency. Every acquired permit must be
// released exactly once; further releases are ignored.
type Permit struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Priority   model.Priority `json:"priority"`
	AcquiredAt time.Time      `json:"acquired_at"`
}

// Listener observes permit traffic. Callbacks run synchronously on the
// goroutine that acquired or released the permit, outside any capacity
// lock, so implementations must not block.
type Listener interface {
	PermitAcquired(p Permit)
	PermitReleased(p Permit)
}

// Hooks adapts a pair of functions to Listener. Nil fields are skipped.
type Hooks struct {
	OnAcquire func(Permit)
	OnRelease func(Permit)
}

// PermitAcquired calls h.OnAcquire.
func (h Hooks) PermitAcquired(p Permit) {
	if h.OnAcquire != nil {
		h.OnAcquire(p)
	}
}

// PermitReleased calls h.OnRelease.
func (h Hooks) PermitReleased(p Permit) {
	if h.OnRelease != nil {
		h.OnRelease(p)
	}
}

// Manager issues and reclaims permits. It is the only path that mutates
// the Tracker's counters.
type Manager struct {
	tracker *Tracker
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	active    map[string]Permit
	listeners []Listener
}

// NewManager wraps tracker. A nil logger discards output.
func NewManager(tracker *Tracker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		tracker: tracker,
		logger:  logger.With("component", "permits"),
		now:     time.Now,
		active:  make(map[string]Permit),
	}
}

// Tracker returns the read-only admission tracker behind the manager.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Subscribe registers l for acquire/release notifications.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Acquire re-checks admissibility for task and, if it fits, increments the
// counters and returns a permit. It returns nil when capacity is exhausted.
func (m *Manager) Acquire(task *model.Task) *Permit {
	m.mu.Lock()
	if !m.tracker.tryAdmit(task.Provider, task.Model) {
		m.mu.Unlock()
		return nil
	}
	p := Permit{
		ID:         "permit_" + uuid.New().String(),
		TaskID:     task.ID,
		Provider:   task.Provider,
		Model:      task.Model,
		Priority:   task.Priority,
		AcquiredAt: m.now(),
	}
	m.active[p.ID] = p
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Debug("permit acquired", "permit_id", p.ID, "task_id", p.TaskID, "model", task.ModelKey())
	for _, l := range listeners {
		l.PermitAcquired(p)
	}
	return &p
}

// Release returns the capacity held by p. Releasing nil, an unknown permit
// or an already released permit is a no-op and reports false.
func (m *Manager) Release(p *Permit) bool {
	if p == nil {
		return false
	}
	m.mu.Lock()
	held, ok := m.active[p.ID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.active, p.ID)
	m.tracker.release(held.Provider, held.Model)
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Debug("permit released", "permit_id", held.ID, "task_id", held.TaskID,
		"held", m.now().Sub(held.AcquiredAt).String())
	for _, l := range listeners {
		l.PermitReleased(held)
	}
	return true
}

// Active returns the outstanding permits ordered by acquisition time.
func (m *Manager) Active() []Permit {
	m.mu.Lock()
	out := make([]Permit, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// ActiveCount returns the number of outstanding permits.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
