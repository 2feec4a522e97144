package model

import (
	"fmt"
	"strings"
)

// Priority is the scheduling tier of a task.
type Priority string

const (
	PriorityBackground Priority = "background"
	PriorityLow        Priority = "low"
	PriorityNormal     Priority = "normal"
	PriorityHigh       Priority = "high"
	PriorityCritical   Priority = "critical"
)

// Priorities lists every tier from lowest to highest rank.
var Priorities = []Priority{
	PriorityBackground,
	PriorityLow,
	PriorityNormal,
	PriorityHigh,
	PriorityCritical,
}

// MaxPriorityRank is the rank of the highest tier.
const MaxPriorityRank = 4

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// Rank maps the tier onto an integer that grows with tier order.
// Unknown tiers rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityBackground:
		return 0
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return -1
}

// IsValid reports whether p is one of the known tiers.
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// ParsePriority converts a case-insensitive tier name into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}
