package model

import "time"

// QueueStats is a point-in-time view of the scheduler queue. It is rebuilt
// from the live entry set on every call.
type QueueStats struct {
	TotalQueued      int                            `json:"total_queued"`
	ByPriority       map[Priority]int               `json:"by_priority"`
	ByProvider       map[string]int                 `json:"by_provider"`
	AverageWait      time.Duration                  `json:"average_wait_ns"`
	MaxWait          time.Duration                  `json:"max_wait_ns"`
	Starving         int                            `json:"starving"`
	ActiveExecutions int                            `json:"active_executions"`
	DispatchWaits    map[Priority]PriorityWaitStats `json:"dispatch_waits,omitempty"`
}

// PriorityWaitStats aggregates how long dispatched tasks of one tier waited.
type PriorityWaitStats struct {
	Count       int           `json:"count"`
	AverageWait time.Duration `json:"average_wait_ns"`
	MaxWait     time.Duration `json:"max_wait_ns"`
}

// Utilization is the ratio of active executions to configured maximum.
type Utilization struct {
	Active   int                         `json:"active"`
	Max      int                         `json:"max"`
	Ratio    float64                     `json:"ratio"`
	PerModel map[string]ModelUtilization `json:"per_model"`
}

// ModelUtilization is Utilization for one provider/model pair.
type ModelUtilization struct {
	Active int     `json:"active"`
	Max    int     `json:"max"`
	Ratio  float64 `json:"ratio"`
}

// EntrySnapshot is the read-only view of one queued or running entry.
type EntrySnapshot struct {
	TaskID     string        `json:"task_id"`
	State      EntryState    `json:"state"`
	Priority   Priority      `json:"priority"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	SkipCount  int           `json:"skip_count"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Waited     time.Duration `json:"waited_ns"`
	Deadline   time.Time     `json:"deadline,omitempty"`
}

// StatsSample is a persisted QueueStats observation.
type StatsSample struct {
	TakenAt time.Time  `json:"taken_at"`
	Stats   QueueStats `json:"stats"`
}
