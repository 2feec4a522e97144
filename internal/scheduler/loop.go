package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/dispatchq/internal/capacity"
	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/internal/logging"
	"github.com/me/dispatchq/pkg/model"
)

// recordTimeout bounds how long a Recorder may take per result.
const recordTimeout = 5 * time.Second

// Loop is the scheduler: an entry queue plus the selection loop that feeds
// admissible entries to their executors.
type Loop struct {
	cfg      config.SchedulerConfig
	ordering Ordering
	permits  *capacity.Manager
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	listeners []capacity.Listener

	mu      sync.Mutex
	queue   *queue
	running map[string]*Entry
	stopped bool

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	execWG   sync.WaitGroup
}

// Option configures optional Loop dependencies.
type Option func(*Loop)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithRecorder sets where finished tasks are recorded.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		l.recorder = r
	}
}

// WithPermitListener subscribes an observer to permit acquire/release
// events, e.g. a cross-process aggregate of active calls.
func WithPermitListener(listener capacity.Listener) Option {
	return func(l *Loop) {
		l.listeners = append(l.listeners, listener)
	}
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// NewLoop validates cfg and builds a scheduler. Invalid configuration is
// rejected here with a *model.ConfigError, never at dispatch time.
func NewLoop(cfg config.SchedulerConfig, opts ...Option) (*Loop, error) {
	tracker, err := capacity.NewTracker(cfg)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:      cfg,
		ordering: orderingFor(cfg),
		logger:   logging.Discard(),
		now:      time.Now,
		queue:    newQueue(),
		running:  make(map[string]*Entry),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.permits = capacity.NewManager(tracker, l.logger)
	for _, listener := range l.listeners {
		l.permits.Subscribe(listener)
	}
	l.logger = l.logger.With("component", "scheduler")
	l.permits.Subscribe(capacity.Hooks{OnRelease: func(capacity.Permit) { l.signal() }})
	return l, nil
}

// Schedule enqueues task and returns its handle. It fails fast on malformed
// tasks, on a task id that is already queued or running, and after Stop.
func (l *Loop) Schedule(ctx context.Context, task *model.Task) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, &model.InvalidTaskError{Field: "task", Message: "required"}
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, model.ErrSchedulerStopped
	}
	if _, queued := l.queue.get(task.ID); queued {
		l.mu.Unlock()
		return nil, &model.DuplicateTaskError{TaskID: task.ID}
	}
	if _, running := l.running[task.ID]; running {
		l.mu.Unlock()
		return nil, &model.DuplicateTaskError{TaskID: task.ID}
	}
	e := newEntry(ctx, task, l.now())
	l.queue.push(e)
	depth := l.queue.len()
	l.mu.Unlock()

	l.logger.Debug("task enqueued",
		"task_id", task.ID,
		"priority", task.Priority,
		"model", task.ModelKey(),
		"queue_depth", depth,
	)

	go l.watch(e)
	l.signal()
	return e.handle, nil
}

// Start runs the scheduling loop until ctx is cancelled or Stop is called.
// Selection reruns on every enqueue, every permit release and every
// TickInterval.
func (l *Loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	defer close(l.doneCh)

	l.logger.Info("scheduler started",
		"tick_interval", l.cfg.TickInterval,
		"ordering", l.cfg.Ordering,
		"max_total_concurrent", l.cfg.MaxTotalConcurrent,
		"max_concurrent_per_model", l.cfg.MaxConcurrentPerModel,
	)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			l.drain()
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-l.wake:
		case <-ticker.C:
		}
		if err := l.Tick(ctx); err != nil && !errors.Is(err, model.ErrSchedulerStopped) {
			l.logger.Error("tick error", "error", err)
		}
	}
}

// Stop halts the loop, aborts every task still queued and waits for
// running executions to settle.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() {
		l.drain()
		close(l.stopCh)
		if l.started.Load() {
			<-l.doneCh
		}
		l.execWG.Wait()
	})
	return nil
}

// Tick runs a single scheduling cycle: expired or cancelled entries are
// removed, the rest are ordered, and each is offered a permit in turn. An
// entry refused a permit stays queued with its skip count raised, so a full
// model never blocks entries for other models.
func (l *Loop) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return model.ErrSchedulerStopped
	}
	now := l.now()

	var dropped []*Entry
	candidates := make([]*Entry, 0, l.queue.len())
	for _, e := range l.queue.live() {
		if e.ctx.Err() != nil || e.expired(now) {
			l.queue.remove(e.Task.ID)
			e.leaveQueue(model.EntryStateCancelled)
			e.CompletedAt = now
			dropped = append(dropped, e)
			continue
		}
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return l.ordering(candidates[i], candidates[j]) < 0
	})

	var launched []*Entry
	for _, e := range candidates {
		permit := l.permits.Acquire(e.Task)
		if permit == nil {
			e.SkipCount++
			continue
		}
		l.queue.remove(e.Task.ID)
		e.leaveQueue(model.EntryStateRunning)
		e.permit = permit
		e.StartedAt = now
		l.running[e.Task.ID] = e
		l.execWG.Add(1)
		launched = append(launched, e)
	}
	l.mu.Unlock()

	for _, e := range dropped {
		l.finish(e, cancelledResult(e, e.ctx.Err() != nil))
	}
	for _, e := range launched {
		waited := e.StartedAt.Sub(e.EnqueuedAt)
		l.permits.Tracker().UpdatePriorityStats(e.Task.Priority, waited)
		l.logger.Info("task dispatched",
			"task_id", e.Task.ID,
			"priority", e.Task.Priority,
			"model", e.Task.ModelKey(),
			"waited", waited.String(),
			"skip_count", e.SkipCount,
		)
		go l.execute(e)
	}
	return nil
}

// watch removes e from the queue as soon as its cancellation token fires or
// its deadline passes, without waiting for the next cycle.
func (l *Loop) watch(e *Entry) {
	var deadline <-chan time.Time
	if e.Task.HasDeadline() {
		timer := time.NewTimer(e.Task.Deadline.Sub(l.now()))
		defer timer.Stop()
		deadline = timer.C
	}

	var aborted bool
	select {
	case <-e.dispatched:
		return
	case <-e.ctx.Done():
		aborted = true
	case <-deadline:
	}

	l.mu.Lock()
	if _, ok := l.queue.remove(e.Task.ID); !ok || !e.leaveQueue(model.EntryStateCancelled) {
		l.mu.Unlock()
		return
	}
	e.CompletedAt = l.now()
	l.mu.Unlock()

	l.finish(e, cancelledResult(e, aborted))
}

type execOutcome struct {
	value any
	err   error
}

// execute races the executor against the effective timeout (the earlier of
// DefaultTimeout and the task deadline) and the caller's cancellation, then
// releases the permit whatever the outcome.
func (l *Loop) execute(e *Entry) {
	defer l.execWG.Done()

	execCtx, cancel := context.WithTimeout(e.ctx, l.cfg.DefaultTimeout)
	defer cancel()
	if e.Task.HasDeadline() {
		var cancelDeadline context.CancelFunc
		execCtx, cancelDeadline = context.WithDeadline(execCtx, e.Task.Deadline)
		defer cancelDeadline()
	}

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		v, err := e.Task.Executor.Execute(execCtx)
		done <- execOutcome{value: v, err: err}
	}()

	var out execOutcome
	var settled bool
	select {
	case out = <-done:
		settled = true
	case <-execCtx.Done():
	}

	l.mu.Lock()
	e.CompletedAt = l.now()
	if e.CompletedAt.Before(e.StartedAt) {
		e.CompletedAt = e.StartedAt
	}
	res := model.TaskResult{
		TaskID:    e.Task.ID,
		Waited:    e.StartedAt.Sub(e.EnqueuedAt),
		Execution: e.CompletedAt.Sub(e.StartedAt),
	}
	switch {
	case settled && out.err == nil:
		e.State = model.EntryStateCompleted
		res.Success = true
		res.Result = out.value
	case settled && execCtx.Err() == nil:
		e.State = model.EntryStateFailed
		res.Err = &model.ExecutionError{TaskID: e.Task.ID, Err: out.err}
	case e.ctx.Err() != nil:
		e.State = model.EntryStateAborted
		res.Aborted = true
		res.Err = fmt.Errorf("%w: %v", model.ErrAborted, e.ctx.Err())
	default:
		e.State = model.EntryStateTimedOut
		res.TimedOut = true
		res.Err = fmt.Errorf("%w after %s", model.ErrTimeout, res.Execution.Round(time.Millisecond))
	}
	res.Outcome = e.State
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	delete(l.running, e.Task.ID)
	l.mu.Unlock()

	l.permits.Release(e.permit)
	l.finish(e, res)
}

// finish records and delivers a terminal result.
func (l *Loop) finish(e *Entry, res model.TaskResult) {
	attrs := []any{
		"task_id", e.Task.ID,
		"outcome", res.Outcome,
		"model", e.Task.ModelKey(),
		"waited", res.Waited.String(),
		"execution", res.Execution.String(),
	}
	if res.Success {
		l.logger.Info("task completed", attrs...)
	} else {
		l.logger.Warn("task did not complete", append(attrs, "error", res.Error)...)
	}

	if l.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := l.recorder.RecordResult(ctx, e.record(res)); err != nil {
			l.logger.Error("record result", "task_id", e.Task.ID, "error", err)
		}
		cancel()
	}
	e.handle.resolve(res)
}

// drain marks the loop stopped and aborts everything still queued.
func (l *Loop) drain() {
	l.mu.Lock()
	l.stopped = true
	now := l.now()
	var drained []*Entry
	for _, e := range l.queue.live() {
		l.queue.remove(e.Task.ID)
		if e.leaveQueue(model.EntryStateCancelled) {
			e.CompletedAt = now
			drained = append(drained, e)
		}
	}
	l.mu.Unlock()

	for _, e := range drained {
		res := cancelledResult(e, true)
		res.Err = model.ErrSchedulerStopped
		res.Error = res.Err.Error()
		l.finish(e, res)
	}
}

// signal wakes the loop without blocking.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// cancelledResult builds the result for an entry that never ran. aborted
// distinguishes a fired cancellation token from an elapsed deadline.
func cancelledResult(e *Entry, aborted bool) model.TaskResult {
	res := model.TaskResult{
		TaskID:  e.Task.ID,
		Outcome: model.EntryStateCancelled,
		Waited:  e.CompletedAt.Sub(e.EnqueuedAt),
	}
	if aborted {
		res.Aborted = true
		res.Err = fmt.Errorf("%w before dispatch: %v", model.ErrAborted, context.Cause(e.ctx))
	} else {
		res.TimedOut = true
		res.Err = fmt.Errorf("%w: deadline passed before dispatch", model.ErrTimeout)
	}
	res.Error = res.Err.Error()
	return res
}
