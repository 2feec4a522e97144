package config

import (
	"fmt"
	"time"

	"github.com/me/dispatchq/pkg/model"
)

// Ordering modes accepted by SchedulerConfig.Ordering.
const (
	OrderingStrict = "strict"
	OrderingHybrid = "hybrid"
)

// SchedulerConfig holds the limits and timing the scheduler runs with.
// It is immutable for the scheduler's lifetime.
type SchedulerConfig struct {
	MaxConcurrentPerModel int `yaml:"max_concurrent_per_model"`
	MaxTotalConcurrent    int `yaml:"max_total_concurrent"`

	// ModelLimits overrides MaxConcurrentPerModel for specific
	// "provider/model" keys.
	ModelLimits map[string]int `yaml:"model_limits,omitempty"`

	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	StarvationThreshold time.Duration `yaml:"starvation_threshold"`
	MaxSkipCount        int           `yaml:"max_skip_count"`

	// TickInterval is how often selection reruns when no enqueue or
	// release event has woken the loop.
	TickInterval time.Duration `yaml:"tick_interval"`

	Ordering string       `yaml:"ordering"`
	Hybrid   HybridConfig `yaml:"hybrid"`
}

// HybridConfig weights the score used by the hybrid ordering mode.
type HybridConfig struct {
	PriorityWeight              float64       `yaml:"priority_weight"`
	SJFWeight                   float64       `yaml:"sjf_weight"`
	FairQueueWeight             float64       `yaml:"fair_queue_weight"`
	MaxDurationForNormalization time.Duration `yaml:"max_duration_for_normalization"`
	StarvationPenaltyPerSkip    float64       `yaml:"starvation_penalty_per_skip"`
	MaxStarvationPenalty        float64       `yaml:"max_starvation_penalty"`
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentPerModel: 3,
		MaxTotalConcurrent:    10,
		DefaultTimeout:        5 * time.Minute,
		StarvationThreshold:   30 * time.Second,
		MaxSkipCount:          10,
		TickInterval:          time.Second,
		Ordering:              OrderingStrict,
		Hybrid:                DefaultHybridConfig(),
	}
}

// DefaultHybridConfig returns the default hybrid scoring weights.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		PriorityWeight:              0.5,
		SJFWeight:                   0.3,
		FairQueueWeight:             0.2,
		MaxDurationForNormalization: time.Minute,
		StarvationPenaltyPerSkip:    0.1,
		MaxStarvationPenalty:        1.0,
	}
}

// LimitFor returns the concurrency ceiling for a provider/model pair.
func (c SchedulerConfig) LimitFor(provider, modelName string) int {
	if n, ok := c.ModelLimits[model.ModelKey(provider, modelName)]; ok {
		return n
	}
	return c.MaxConcurrentPerModel
}

// Validate rejects configurations the scheduler cannot run with.
func (c SchedulerConfig) Validate() error {
	if c.MaxConcurrentPerModel <= 0 {
		return configErr("max_concurrent_per_model", "must be > 0, got %d", c.MaxConcurrentPerModel)
	}
	if c.MaxTotalConcurrent <= 0 {
		return configErr("max_total_concurrent", "must be > 0, got %d", c.MaxTotalConcurrent)
	}
	for key, n := range c.ModelLimits {
		if n <= 0 {
			return configErr("model_limits."+key, "must be > 0, got %d", n)
		}
	}
	if c.DefaultTimeout <= 0 {
		return configErr("default_timeout", "must be > 0, got %s", c.DefaultTimeout)
	}
	if c.StarvationThreshold < 0 {
		return configErr("starvation_threshold", "must be >= 0, got %s", c.StarvationThreshold)
	}
	if c.MaxSkipCount < 0 {
		return configErr("max_skip_count", "must be >= 0, got %d", c.MaxSkipCount)
	}
	if c.TickInterval <= 0 {
		return configErr("tick_interval", "must be > 0, got %s", c.TickInterval)
	}
	switch c.Ordering {
	case OrderingStrict:
	case OrderingHybrid:
		return c.Hybrid.Validate()
	default:
		return configErr("ordering", "must be %q or %q, got %q", OrderingStrict, OrderingHybrid, c.Ordering)
	}
	return nil
}

// Validate checks weights are in [0,1] and the normalisation bounds are usable.
func (h HybridConfig) Validate() error {
	weights := []struct {
		name string
		v    float64
	}{
		{"hybrid.priority_weight", h.PriorityWeight},
		{"hybrid.sjf_weight", h.SJFWeight},
		{"hybrid.fair_queue_weight", h.FairQueueWeight},
	}
	for _, w := range weights {
		if w.v < 0 || w.v > 1 {
			return configErr(w.name, "must be within [0,1], got %g", w.v)
		}
	}
	if h.MaxDurationForNormalization <= 0 {
		return configErr("hybrid.max_duration_for_normalization", "must be > 0, got %s", h.MaxDurationForNormalization)
	}
	if h.StarvationPenaltyPerSkip < 0 {
		return configErr("hybrid.starvation_penalty_per_skip", "must be >= 0, got %g", h.StarvationPenaltyPerSkip)
	}
	if h.MaxStarvationPenalty < 0 {
		return configErr("hybrid.max_starvation_penalty", "must be >= 0, got %g", h.MaxStarvationPenalty)
	}
	return nil
}

func configErr(field, format string, args ...any) error {
	return &model.ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}
