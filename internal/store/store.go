// Package store keeps the history of finished tasks and periodic queue
// statistics. Queue state itself is never persisted; a restart starts from
// an empty queue.
package store

import (
	"context"

	"github.com/me/dispatchq/pkg/model"
)

// Store defines the persistence layer for task history.
type Store interface {
	// Results
	RecordResult(ctx context.Context, rec model.TaskRecord) error
	GetResult(ctx context.Context, taskID string) (*model.TaskRecord, error)
	ListResults(ctx context.Context, opts model.ListOptions) ([]*model.TaskRecord, int, error)

	// Stats samples
	RecordStatsSample(ctx context.Context, sample model.StatsSample) error
	ListStatsSamples(ctx context.Context, limit int) ([]model.StatsSample, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
