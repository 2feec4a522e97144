package scheduler

import (
	"cmp"
	"math"
	"strings"

	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/pkg/model"
)

// Ordering compares two queued entries. A negative result means a should
// be dispatched before b, positive means b first, zero means equal.
type Ordering func(a, b *Entry) int

// starvationSkipDiff is how many more skips a same-tier entry must have
// accumulated before it jumps ahead of an otherwise earlier entry.
const starvationSkipDiff = 3

// DefaultOrdering applies, in order: priority (higher first), the same-tier
// starvation override, deadline (set before unset, earlier first), arrival
// time, estimated duration (shorter first) and finally the task id.
//
// Priority always short-circuits: skip counts never reorder entries across
// tiers.
func DefaultOrdering(a, b *Entry) int {
	if d := b.Task.Priority.Rank() - a.Task.Priority.Rank(); d != 0 {
		return d
	}

	skipDiff := a.SkipCount - b.SkipCount
	if skipDiff > starvationSkipDiff {
		return -1
	}
	if skipDiff < -starvationSkipDiff {
		return 1
	}

	ad, bd := a.Task.HasDeadline(), b.Task.HasDeadline()
	switch {
	case ad && !bd:
		return -1
	case !ad && bd:
		return 1
	case ad && bd:
		if c := a.Task.Deadline.Compare(b.Task.Deadline); c != 0 {
			return c
		}
	}

	if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Task.Cost.EstimatedDurationMs, b.Task.Cost.EstimatedDurationMs); c != 0 {
		return c
	}
	return strings.Compare(a.Task.ID, b.Task.ID)
}

// HybridOrdering ranks entries by HybridScore, highest first. Equal scores
// fall back to DefaultOrdering so the order stays deterministic.
func HybridOrdering(cfg config.HybridConfig) Ordering {
	return func(a, b *Entry) int {
		sa, sb := HybridScore(cfg, a), HybridScore(cfg, b)
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return DefaultOrdering(a, b)
	}
}

// HybridScore blends normalised priority, shortest-job-first and a capped
// starvation penalty into one weighted score.
func HybridScore(cfg config.HybridConfig, e *Entry) float64 {
	priority := float64(e.Task.Priority.Rank()) / model.MaxPriorityRank

	duration := 1.0
	if maxMs := float64(cfg.MaxDurationForNormalization.Milliseconds()); maxMs > 0 {
		duration = math.Min(e.Task.Cost.EstimatedDurationMs/maxMs, 1)
	}

	penalty := math.Min(float64(e.SkipCount)*cfg.StarvationPenaltyPerSkip, cfg.MaxStarvationPenalty)

	return cfg.PriorityWeight*priority +
		cfg.SJFWeight*(1-duration) +
		cfg.FairQueueWeight*penalty
}

// orderingFor picks the comparator named by cfg.Ordering.
func orderingFor(cfg config.SchedulerConfig) Ordering {
	if cfg.Ordering == config.OrderingHybrid {
		return HybridOrdering(cfg.Hybrid)
	}
	return DefaultOrdering
}
