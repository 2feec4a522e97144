// Package sampler periodically snapshots scheduler statistics into the
// result store on a cron schedule.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/me/dispatchq/internal/logging"
	"github.com/me/dispatchq/pkg/model"
)

// Source provides the statistics to sample.
type Source interface {
	Stats() model.QueueStats
}

// Sink persists samples.
type Sink interface {
	RecordStatsSample(ctx context.Context, sample model.StatsSample) error
}

// Sampler records a StatsSample each time its schedule fires.
type Sampler struct {
	source   Source
	sink     Sink
	logger   *slog.Logger
	schedule cron.Schedule
	spec     string
	now      func() time.Time
}

// New parses spec (standard five-field cron or a descriptor such as
// "@every 1m") and returns a Sampler.
func New(spec string, source Source, sink Sink, logger *slog.Logger) (*Sampler, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse stats schedule %q: %w", spec, err)
	}
	return &Sampler{
		source:   source,
		sink:     sink,
		logger:   logger.With("component", "sampler"),
		schedule: schedule,
		spec:     spec,
		now:      time.Now,
	}, nil
}

// Next reports when the schedule fires after t.
func (s *Sampler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sample takes and records one snapshot.
func (s *Sampler) Sample(ctx context.Context) error {
	sample := model.StatsSample{TakenAt: s.now().UTC(), Stats: s.source.Stats()}
	if err := s.sink.RecordStatsSample(ctx, sample); err != nil {
		return fmt.Errorf("record stats sample: %w", err)
	}
	s.logger.Debug("stats sampled",
		"queued", sample.Stats.TotalQueued,
		"running", sample.Stats.ActiveExecutions,
		"starving", sample.Stats.Starving,
	)
	return nil
}

// Run fires Sample on the schedule until ctx is cancelled, then waits for an
// in-flight sample to finish.
func (s *Sampler) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.Sample(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("stats sample failed", "error", err)
		}
	}))
	c.Start()
	s.logger.Info("sampler started", "schedule", s.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sampler stopped")
	return nil
}
