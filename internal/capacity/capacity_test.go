package capacity

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/pkg/model"
)

func testConfig(perModel, total int) config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.MaxConcurrentPerModel = perModel
	cfg.MaxTotalConcurrent = total
	return cfg
}

func newTestManager(t *testing.T, cfg config.SchedulerConfig) *Manager {
	t.Helper()
	tr, err := NewTracker(cfg)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return NewManager(tr, nil)
}

func task(id, provider, modelName string) *model.Task {
	return &model.Task{ID: id, Provider: provider, Model: modelName, Priority: model.PriorityNormal}
}

func TestNewTracker_RejectsInvalidConfig(t *testing.T) {
	if _, err := NewTracker(testConfig(0, 5)); err == nil {
		t.Fatal("expected error for zero per-model limit")
	}
}

func TestTracker_CheckCapacity(t *testing.T) {
	m := newTestManager(t, testConfig(2, 3))
	tr := m.Tracker()

	if !tr.CheckCapacity("p", "m1") {
		t.Fatal("empty tracker should admit")
	}
	m.Acquire(task("a", "p", "m1"))
	m.Acquire(task("b", "p", "m1"))
	if tr.CheckCapacity("p", "m1") {
		t.Error("m1 at per-model limit should not admit")
	}
	if !tr.CheckCapacity("p", "m2") {
		t.Error("m2 should still admit")
	}
	m.Acquire(task("c", "p", "m2"))
	if tr.CheckCapacity("p", "m3") {
		t.Error("global limit reached, m3 should not admit")
	}
}

func TestTracker_ModelLimitOverride(t *testing.T) {
	cfg := testConfig(5, 10)
	cfg.ModelLimits = map[string]int{"p/small": 1}
	m := newTestManager(t, cfg)

	if m.Acquire(task("a", "p", "small")) == nil {
		t.Fatal("first acquire should succeed")
	}
	if m.Acquire(task("b", "p", "small")) != nil {
		t.Error("override limit of 1 should reject second acquire")
	}
}

func TestTracker_ProjectedUsage(t *testing.T) {
	m := newTestManager(t, testConfig(2, 4))
	tr := m.Tracker()
	m.Acquire(task("a", "p", "m1"))

	got := tr.ProjectedUsage("p", "m1")
	want := Usage{ModelActive: 2, ModelLimit: 2, GlobalActive: 2, GlobalLimit: 4}
	if got != want {
		t.Errorf("ProjectedUsage = %+v, want %+v", got, want)
	}
	if !got.WithinLimits() {
		t.Error("projection at the limit should be within limits")
	}
	if tr.CurrentUsage("p", "m1").ModelActive != 1 {
		t.Error("ProjectedUsage must not mutate state")
	}

	m.Acquire(task("b", "p", "m1"))
	if tr.ProjectedUsage("p", "m1").WithinLimits() {
		t.Error("projection past the limit should not be within limits")
	}
}

func TestTracker_Utilization(t *testing.T) {
	cfg := testConfig(2, 4)
	cfg.ModelLimits = map[string]int{"p/idle": 3}
	m := newTestManager(t, cfg)
	m.Acquire(task("a", "p", "m1"))

	u := m.Tracker().Utilization()
	if u.Active != 1 || u.Max != 4 || u.Ratio != 0.25 {
		t.Errorf("global utilization = %+v", u)
	}
	if got := u.PerModel["p/m1"]; got.Active != 1 || got.Max != 2 || got.Ratio != 0.5 {
		t.Errorf("p/m1 utilization = %+v", got)
	}
	if got, ok := u.PerModel["p/idle"]; !ok || got.Active != 0 || got.Max != 3 {
		t.Errorf("p/idle utilization = %+v (present=%v)", got, ok)
	}
}

func TestTracker_PriorityStats(t *testing.T) {
	m := newTestManager(t, testConfig(1, 1))
	tr := m.Tracker()
	tr.UpdatePriorityStats(model.PriorityHigh, 100*time.Millisecond)
	tr.UpdatePriorityStats(model.PriorityHigh, 300*time.Millisecond)
	tr.UpdatePriorityStats(model.PriorityLow, -time.Second)

	stats := tr.PriorityStats()
	high := stats[model.PriorityHigh]
	if high.Count != 2 || high.AverageWait != 200*time.Millisecond || high.MaxWait != 300*time.Millisecond {
		t.Errorf("high stats = %+v", high)
	}
	if low := stats[model.PriorityLow]; low.Count != 1 || low.MaxWait != 0 {
		t.Errorf("negative waits should clamp to zero, got %+v", low)
	}
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	m := newTestManager(t, testConfig(2, 2))
	p := m.Acquire(task("a", "p", "m1"))
	if p == nil {
		t.Fatal("acquire failed")
	}
	if !m.Release(p) {
		t.Error("first release should report true")
	}
	if m.Release(p) {
		t.Error("second release should report false")
	}
	if m.Release(nil) {
		t.Error("nil release should report false")
	}
	if m.Release(&Permit{ID: "permit_unknown", Provider: "p", Model: "m1"}) {
		t.Error("unknown permit release should report false")
	}
	if got := m.Tracker().GlobalActive(); got != 0 {
		t.Errorf("GlobalActive = %d, want 0", got)
	}
	if len(m.Tracker().ActiveModels()) != 0 {
		t.Errorf("ActiveModels = %v, want none", m.Tracker().ActiveModels())
	}
}

// TestManager_RoundTrip interleaves random acquires and releases and checks
// the counters return to their starting point with no leaks and no double
// decrements.
func TestManager_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	models := []string{"m1", "m2", "m3"}

	for trial := 0; trial < 50; trial++ {
		m := newTestManager(t, testConfig(3, 6))
		tr := m.Tracker()

		// Pre-existing load that must survive the trial untouched.
		base := m.Acquire(task("base", "p", "m1"))

		var held []*Permit
		for step := 0; step < 200; step++ {
			if len(held) > 0 && rng.Intn(2) == 0 {
				i := rng.Intn(len(held))
				p := held[i]
				m.Release(p)
				// Release again half the time; must be a no-op.
				if rng.Intn(2) == 0 {
					m.Release(p)
				}
				held = append(held[:i], held[i+1:]...)
				continue
			}
			mdl := models[rng.Intn(len(models))]
			if p := m.Acquire(task(fmt.Sprintf("t%d", step), "p", mdl)); p != nil {
				held = append(held, p)
			}
			if tr.GlobalActive() > 6 {
				t.Fatalf("trial %d: global active %d exceeds limit", trial, tr.GlobalActive())
			}
		}
		for _, p := range held {
			m.Release(p)
			m.Release(p)
		}

		if got := tr.GlobalActive(); got != 1 {
			t.Fatalf("trial %d: GlobalActive = %d, want 1", trial, got)
		}
		if got := tr.CurrentUsage("p", "m1").ModelActive; got != 1 {
			t.Fatalf("trial %d: m1 active = %d, want 1", trial, got)
		}
		m.Release(base)
		if got := tr.GlobalActive(); got != 0 {
			t.Fatalf("trial %d: GlobalActive after base release = %d, want 0", trial, got)
		}
	}
}

func TestManager_ConcurrentCeiling(t *testing.T) {
	m := newTestManager(t, testConfig(3, 3))

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for attempt := 0; attempt < 100; attempt++ {
				p := m.Acquire(task(fmt.Sprintf("t%d", i), "p", "m1"))
				if p == nil {
					time.Sleep(time.Millisecond)
					continue
				}
				c := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if c <= old || atomic.CompareAndSwapInt32(&peak, old, c) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				m.Release(p)
				return
			}
		}(i)
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency %d exceeded limit 3", peak)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}
}

func TestManager_Listeners(t *testing.T) {
	m := newTestManager(t, testConfig(1, 1))
	var acquired, released []string
	m.Subscribe(Hooks{
		OnAcquire: func(p Permit) { acquired = append(acquired, p.TaskID) },
		OnRelease: func(p Permit) { released = append(released, p.TaskID) },
	})
	m.Subscribe(Hooks{}) // nil hooks are skipped

	p := m.Acquire(task("a", "p", "m1"))
	if m.Acquire(task("b", "p", "m1")) != nil {
		t.Fatal("second acquire should be rejected")
	}
	m.Release(p)
	m.Release(p)

	if len(acquired) != 1 || acquired[0] != "a" {
		t.Errorf("acquired = %v, want [a]", acquired)
	}
	if len(released) != 1 || released[0] != "a" {
		t.Errorf("released = %v, want [a]", released)
	}
}

func TestManager_Active(t *testing.T) {
	m := newTestManager(t, testConfig(2, 2))
	clock := time.Unix(1000, 0)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	first := m.Acquire(task("first", "p", "m1"))
	m.Acquire(task("second", "p", "m1"))

	active := m.Active()
	if len(active) != 2 || active[0].TaskID != "first" || active[1].TaskID != "second" {
		t.Fatalf("Active() = %+v", active)
	}
	if first.ID == "" || first.ID[:7] != "permit_" {
		t.Errorf("permit id = %q, want permit_ prefix", first.ID)
	}
}
