package model

import (
	"fmt"
	"math"
	"time"
)

// CostEstimate is the caller's guess at how expensive a task will be.
// Units are provider-defined (tokens, credits); duration drives
// shortest-job-first ordering.
type CostEstimate struct {
	EstimatedUnits      float64 `json:"estimated_units"`
	EstimatedDurationMs float64 `json:"estimated_duration_ms"`
}

// NewCostEstimate builds a validated CostEstimate.
func NewCostEstimate(units, durationMs float64) (CostEstimate, error) {
	c := CostEstimate{EstimatedUnits: units, EstimatedDurationMs: durationMs}
	if err := c.Validate(); err != nil {
		return CostEstimate{}, err
	}
	return c, nil
}

// Validate rejects negative, NaN and infinite fields.
func (c CostEstimate) Validate() error {
	if err := checkNonNegative("estimated_units", c.EstimatedUnits); err != nil {
		return err
	}
	return checkNonNegative("estimated_duration_ms", c.EstimatedDurationMs)
}

// EstimatedDuration returns the duration estimate as a time.Duration.
func (c CostEstimate) EstimatedDuration() time.Duration {
	return time.Duration(c.EstimatedDurationMs * float64(time.Millisecond))
}

func checkNonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &InvalidTaskError{Field: "cost." + field, Message: "must be a finite number"}
	}
	if v < 0 {
		return &InvalidTaskError{Field: "cost." + field, Message: fmt.Sprintf("must be >= 0, got %g", v)}
	}
	return nil
}
