package scheduler

import (
	"sort"
	"time"

	"github.com/me/dispatchq/internal/capacity"
	"github.com/me/dispatchq/pkg/model"
)

// Stats rebuilds queue statistics from the live entry set. Nothing here is
// cached between calls.
func (l *Loop) Stats() model.QueueStats {
	l.mu.Lock()
	now := l.now()
	stats := model.QueueStats{
		TotalQueued:      l.queue.len(),
		ByPriority:       make(map[model.Priority]int),
		ByProvider:       make(map[string]int),
		ActiveExecutions: len(l.running),
	}
	var totalWait time.Duration
	for _, e := range l.queue.live() {
		waited := now.Sub(e.EnqueuedAt)
		totalWait += waited
		if waited > stats.MaxWait {
			stats.MaxWait = waited
		}
		stats.ByPriority[e.Task.Priority]++
		stats.ByProvider[e.Task.Provider]++
		if l.starving(e, waited) {
			stats.Starving++
		}
	}
	l.mu.Unlock()

	if stats.TotalQueued > 0 {
		stats.AverageWait = totalWait / time.Duration(stats.TotalQueued)
	}
	stats.DispatchWaits = l.permits.Tracker().PriorityStats()
	return stats
}

// starving reports whether e has waited past StarvationThreshold or been
// passed over MaxSkipCount times. A zero setting disables its criterion.
func (l *Loop) starving(e *Entry, waited time.Duration) bool {
	if l.cfg.StarvationThreshold > 0 && waited >= l.cfg.StarvationThreshold {
		return true
	}
	return l.cfg.MaxSkipCount > 0 && e.SkipCount >= l.cfg.MaxSkipCount
}

// Utilization reports active executions against the configured ceilings.
func (l *Loop) Utilization() model.Utilization {
	return l.permits.Tracker().Utilization()
}

// Queue lists queued entries in the order the next cycle would consider
// them, followed by running entries oldest first.
func (l *Loop) Queue() []model.EntrySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	queued := l.queue.live()
	sort.SliceStable(queued, func(i, j int) bool {
		return l.ordering(queued[i], queued[j]) < 0
	})
	running := make([]*Entry, 0, len(l.running))
	for _, e := range l.running {
		running = append(running, e)
	}
	sort.Slice(running, func(i, j int) bool {
		if running[i].StartedAt.Equal(running[j].StartedAt) {
			return running[i].Task.ID < running[j].Task.ID
		}
		return running[i].StartedAt.Before(running[j].StartedAt)
	})

	out := make([]model.EntrySnapshot, 0, len(queued)+len(running))
	for _, e := range queued {
		out = append(out, e.snapshot(now))
	}
	for _, e := range running {
		out = append(out, e.snapshot(now))
	}
	return out
}

// Permits lists the outstanding dispatch permits.
func (l *Loop) Permits() []capacity.Permit {
	return l.permits.Active()
}
