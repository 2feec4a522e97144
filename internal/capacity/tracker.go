// Package capacity implements admission control for the dispatch scheduler.
//
// A Tracker holds the per-model and global active-execution counters and
// answers admissibility questions without side effects. A Manager wraps
// the Tracker and is the only component allowed to change those counters:
// it hands out Permits on Acquire and takes them back on Release.
package capacity

import (
	"sort"
	"sync"
	"time"

	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/pkg/model"
)

// Usage is the active-count picture for one provider/model pair.
type Usage struct {
	ModelActive  int `json:"model_active"`
	ModelLimit   int `json:"model_limit"`
	GlobalActive int `json:"global_active"`
	GlobalLimit  int `json:"global_limit"`
}

// WithinLimits reports whether the usage fits inside both ceilings.
func (u Usage) WithinLimits() bool {
	return u.ModelActive <= u.ModelLimit && u.GlobalActive <= u.GlobalLimit
}

// Tracker holds active-execution counters. Reads are safe from any
// goroutine; writes happen only through Manager.
type Tracker struct {
	cfg config.SchedulerConfig

	mu       sync.RWMutex
	perModel map[string]int
	global   int
	waits    map[model.Priority]*waitAggregate
}

type waitAggregate struct {
	count int
	total time.Duration
	max   time.Duration
}

// NewTracker creates a Tracker enforcing the limits in cfg.
func NewTracker(cfg config.SchedulerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:      cfg,
		perModel: make(map[string]int),
		waits:    make(map[model.Priority]*waitAggregate),
	}, nil
}

// CheckCapacity reports whether one more execution against provider/model
// would stay within the per-model and global ceilings.
func (t *Tracker) CheckCapacity(provider, modelName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.admissibleLocked(provider, modelName)
}

// CurrentUsage returns the counters for provider/model as they are now.
func (t *Tracker) CurrentUsage(provider, modelName string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usageLocked(provider, modelName)
}

// ProjectedUsage returns the counters as they would be immediately after
// admitting one more execution against provider/model. State is not changed.
func (t *Tracker) ProjectedUsage(provider, modelName string) Usage {
	u := t.CurrentUsage(provider, modelName)
	u.ModelActive++
	u.GlobalActive++
	return u
}

// GlobalActive returns the number of executions currently admitted.
func (t *Tracker) GlobalActive() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global
}

// Utilization reports active/max per model and globally. Models with a
// configured override are always listed; other models only while active.
func (t *Tracker) Utilization() model.Utilization {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := model.Utilization{
		Active:   t.global,
		Max:      t.cfg.MaxTotalConcurrent,
		Ratio:    ratio(t.global, t.cfg.MaxTotalConcurrent),
		PerModel: make(map[string]model.ModelUtilization, len(t.perModel)),
	}
	for key, limit := range t.cfg.ModelLimits {
		active := t.perModel[key]
		u.PerModel[key] = model.ModelUtilization{Active: active, Max: limit, Ratio: ratio(active, limit)}
	}
	for key, active := range t.perModel {
		if _, ok := u.PerModel[key]; ok {
			continue
		}
		limit := t.limitForKey(key)
		u.PerModel[key] = model.ModelUtilization{Active: active, Max: limit, Ratio: ratio(active, limit)}
	}
	return u
}

// UpdatePriorityStats folds one dispatch wait into the rolling aggregate
// for its priority tier.
func (t *Tracker) UpdatePriorityStats(p model.Priority, waited time.Duration) {
	if waited < 0 {
		waited = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.waits[p]
	if !ok {
		agg = &waitAggregate{}
		t.waits[p] = agg
	}
	agg.count++
	agg.total += waited
	if waited > agg.max {
		agg.max = waited
	}
}

// PriorityStats returns a copy of the per-tier dispatch wait aggregates.
func (t *Tracker) PriorityStats() map[model.Priority]model.PriorityWaitStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[model.Priority]model.PriorityWaitStats, len(t.waits))
	for p, agg := range t.waits {
		out[p] = model.PriorityWaitStats{
			Count:       agg.count,
			AverageWait: agg.total / time.Duration(agg.count),
			MaxWait:     agg.max,
		}
	}
	return out
}

// ActiveModels lists provider/model keys with at least one active execution.
func (t *Tracker) ActiveModels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.perModel))
	for key := range t.perModel {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// tryAdmit checks and increments in one critical section.
func (t *Tracker) tryAdmit(provider, modelName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.admissibleLocked(provider, modelName) {
		return false
	}
	t.perModel[model.ModelKey(provider, modelName)]++
	t.global++
	return true
}

// release decrements the counters, never below zero.
func (t *Tracker) release(provider, modelName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := model.ModelKey(provider, modelName)
	if n := t.perModel[key]; n > 1 {
		t.perModel[key] = n - 1
	} else {
		delete(t.perModel, key)
	}
	if t.global > 0 {
		t.global--
	}
}

func (t *Tracker) admissibleLocked(provider, modelName string) bool {
	u := t.usageLocked(provider, modelName)
	return u.ModelActive < u.ModelLimit && u.GlobalActive < u.GlobalLimit
}

func (t *Tracker) usageLocked(provider, modelName string) Usage {
	return Usage{
		ModelActive:  t.perModel[model.ModelKey(provider, modelName)],
		ModelLimit:   t.cfg.LimitFor(provider, modelName),
		GlobalActive: t.global,
		GlobalLimit:  t.cfg.MaxTotalConcurrent,
	}
}

func (t *Tracker) limitForKey(key string) int {
	if n, ok := t.cfg.ModelLimits[key]; ok {
		return n
	}
	return t.cfg.MaxConcurrentPerModel
}

func ratio(active, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(active) / float64(max)
}
