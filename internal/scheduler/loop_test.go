package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/me/dispatchq/internal/capacity"
	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/pkg/model"
)

// newTestLoop builds a Loop from the default configuration after applying
// mutate. It stops the loop when the test ends.
func newTestLoop(t *testing.T, mutate func(*config.SchedulerConfig), opts ...Option) *Loop {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := NewLoop(cfg, opts...)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func newTask(id string, p model.Priority, exec model.Executor) *model.Task {
	return &model.Task{
		ID:       id,
		Source:   model.SourceSubagent,
		Provider: "anthropic",
		Model:    "sonnet",
		Priority: p,
		Executor: exec,
	}
}

func returning(v any, err error) model.Executor {
	return model.ExecutorFunc(func(context.Context) (any, error) { return v, err })
}

// blocking returns an executor that waits for release (or its context) and
// reports when it starts.
func blocking(started chan<- string, id string, release <-chan struct{}) model.Executor {
	return model.ExecutorFunc(func(ctx context.Context) (any, error) {
		if started != nil {
			started <- id
		}
		select {
		case <-release:
			return id, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func waitResult(t *testing.T, h *Handle) model.TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s did not settle: %v", h.TaskID, err)
	}
	return res
}

func mustSchedule(t *testing.T, l *Loop, ctx context.Context, task *model.Task) *Handle {
	t.Helper()
	h, err := l.Schedule(ctx, task)
	if err != nil {
		t.Fatalf("Schedule(%s): %v", task.ID, err)
	}
	return h
}

func mustTick(t *testing.T, l *Loop) {
	t.Helper()
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu      sync.Mutex
	records []model.TaskRecord
}

func (r *memRecorder) RecordResult(_ context.Context, rec model.TaskRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) snapshot() []model.TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TaskRecord(nil), r.records...)
}

func TestNewLoop_InvalidConfig(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.MaxTotalConcurrent = 0
	_, err := NewLoop(cfg)
	var ce *model.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("NewLoop error = %v, want *ConfigError", err)
	}
	if ce.Field != "max_total_concurrent" {
		t.Errorf("field = %q", ce.Field)
	}
}

func TestSchedule_RejectsMalformed(t *testing.T) {
	l := newTestLoop(t, nil)
	ctx := context.Background()

	if _, err := l.Schedule(ctx, nil); err == nil {
		t.Error("nil task should be rejected")
	}
	noExec := newTask("a", model.PriorityNormal, nil)
	var ite *model.InvalidTaskError
	if _, err := l.Schedule(ctx, noExec); !errors.As(err, &ite) || ite.Field != "executor" {
		t.Errorf("missing executor error = %v", err)
	}
	bad := newTask("b", model.Priority("urgent"), returning(nil, nil))
	if _, err := l.Schedule(ctx, bad); !errors.As(err, &ite) || ite.Field != "priority" {
		t.Errorf("bad priority error = %v", err)
	}
	if n := l.Stats().TotalQueued; n != 0 {
		t.Errorf("rejected tasks were queued: %d", n)
	}
}

func TestSchedule_DuplicateID(t *testing.T) {
	l := newTestLoop(t, nil)
	release := make(chan struct{})
	defer close(release)

	mustSchedule(t, l, context.Background(), newTask("dup", model.PriorityNormal, blocking(nil, "dup", release)))
	var dte *model.DuplicateTaskError
	if _, err := l.Schedule(context.Background(), newTask("dup", model.PriorityHigh, returning(nil, nil))); !errors.As(err, &dte) {
		t.Fatalf("queued duplicate error = %v", err)
	}

	mustTick(t, l)
	if _, err := l.Schedule(context.Background(), newTask("dup", model.PriorityHigh, returning(nil, nil))); !errors.As(err, &dte) {
		t.Fatalf("running duplicate error = %v", err)
	}
}

func TestExecute_Completed(t *testing.T) {
	rec := &memRecorder{}
	l := newTestLoop(t, nil, WithRecorder(rec))

	h := mustSchedule(t, l, context.Background(), newTask("ok", model.PriorityNormal, returning("done", nil)))
	if _, ok := h.Result(); ok {
		t.Fatal("result available before dispatch")
	}
	mustTick(t, l)

	res := waitResult(t, h)
	if !res.Success || res.Outcome != model.EntryStateCompleted || res.Result != "done" {
		t.Errorf("result = %+v", res)
	}
	if res.Waited < 0 || res.Execution < 0 {
		t.Errorf("negative timings: waited=%s execution=%s", res.Waited, res.Execution)
	}

	records := rec.snapshot()
	if len(records) != 1 || records[0].TaskID != "ok" || records[0].Source != model.SourceSubagent {
		t.Fatalf("records = %+v", records)
	}
	r := records[0]
	if r.StartedAt.Before(r.EnqueuedAt) || r.CompletedAt.Before(r.StartedAt) {
		t.Errorf("timestamps out of order: %s %s %s", r.EnqueuedAt, r.StartedAt, r.CompletedAt)
	}
	if l.Utilization().Active != 0 {
		t.Error("permit not released after completion")
	}
}

func TestExecute_Failed(t *testing.T) {
	l := newTestLoop(t, nil)
	boom := errors.New("rate limited")

	h := mustSchedule(t, l, context.Background(), newTask("fail", model.PriorityNormal, returning(nil, boom)))
	mustTick(t, l)

	res := waitResult(t, h)
	if res.Success || res.Outcome != model.EntryStateFailed || res.TimedOut || res.Aborted {
		t.Errorf("result = %+v", res)
	}
	var ee *model.ExecutionError
	if !errors.As(res.Err, &ee) || !errors.Is(res.Err, boom) {
		t.Errorf("err = %v, want ExecutionError wrapping %v", res.Err, boom)
	}
	if res.Error == "" {
		t.Error("error message not populated")
	}
}

func TestExecute_PanicCaptured(t *testing.T) {
	l := newTestLoop(t, nil)
	exec := model.ExecutorFunc(func(context.Context) (any, error) { panic("nil map") })

	h := mustSchedule(t, l, context.Background(), newTask("panics", model.PriorityNormal, exec))
	mustTick(t, l)

	res := waitResult(t, h)
	if res.Outcome != model.EntryStateFailed {
		t.Errorf("outcome = %s, want FAILED", res.Outcome)
	}
	if l.Utilization().Active != 0 {
		t.Error("permit leaked after panic")
	}
}

func TestExecute_Timeout(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) { c.DefaultTimeout = 50 * time.Millisecond })

	// The executor ignores its context; the loop must still give up on it.
	stuck := make(chan struct{})
	defer close(stuck)
	exec := model.ExecutorFunc(func(context.Context) (any, error) {
		<-stuck
		return nil, nil
	})

	start := time.Now()
	h := mustSchedule(t, l, context.Background(), newTask("slow", model.PriorityNormal, exec))
	mustTick(t, l)

	res := waitResult(t, h)
	if !res.TimedOut || res.Outcome != model.EntryStateTimedOut || res.Success {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Err, model.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if l.Utilization().Active != 0 {
		t.Error("permit not released after timeout")
	}
}

func TestExecute_DeadlineTighterThanTimeout(t *testing.T) {
	l := newTestLoop(t, nil)
	task := newTask("deadline", model.PriorityNormal, blocking(nil, "deadline", nil))
	task.Deadline = time.Now().Add(80 * time.Millisecond)

	h := mustSchedule(t, l, context.Background(), task)
	mustTick(t, l)

	res := waitResult(t, h)
	if res.Outcome != model.EntryStateTimedOut || !res.TimedOut {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_AbortWhileRunning(t *testing.T) {
	l := newTestLoop(t, nil)
	started := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())

	h := mustSchedule(t, l, ctx, newTask("abort", model.PriorityNormal, blocking(started, "abort", nil)))
	mustTick(t, l)
	<-started
	cancel()

	res := waitResult(t, h)
	if !res.Aborted || res.TimedOut || res.Outcome != model.EntryStateAborted {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Err, model.ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", res.Err)
	}
}

func TestSchedule_AbortBeforeDispatch(t *testing.T) {
	l := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	exec := model.ExecutorFunc(func(context.Context) (any, error) {
		called <- struct{}{}
		return nil, nil
	})

	h := mustSchedule(t, l, ctx, newTask("early", model.PriorityNormal, exec))
	cancel()

	res := waitResult(t, h)
	if res.Outcome != model.EntryStateCancelled || !res.Aborted || res.TimedOut {
		t.Errorf("result = %+v", res)
	}
	mustTick(t, l)
	select {
	case <-called:
		t.Error("executor ran after abort")
	default:
	}
	if l.Stats().TotalQueued != 0 {
		t.Error("aborted entry still queued")
	}
}

func TestSchedule_DeadlinePassesWhileQueued(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) { c.MaxTotalConcurrent = 1 })
	release := make(chan struct{})
	defer close(release)

	mustSchedule(t, l, context.Background(), newTask("hog", model.PriorityCritical, blocking(nil, "hog", release)))
	mustTick(t, l)

	late := newTask("late", model.PriorityNormal, returning(nil, nil))
	late.Deadline = time.Now().Add(30 * time.Millisecond)
	h := mustSchedule(t, l, context.Background(), late)

	res := waitResult(t, h)
	if res.Outcome != model.EntryStateCancelled || !res.TimedOut || res.Aborted {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Err, model.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", res.Err)
	}
}

func TestTick_PerModelCeiling(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) { c.MaxConcurrentPerModel = 2 })
	started := make(chan string, 3)
	release := make(chan struct{})

	var handles []*Handle
	for _, id := range []string{"t1", "t2", "t3"} {
		handles = append(handles, mustSchedule(t, l, context.Background(),
			newTask(id, model.PriorityNormal, blocking(started, id, release))))
	}
	// A different model is not held back by the saturated one.
	other := newTask("other", model.PriorityLow, returning(nil, nil))
	other.Model = "haiku"
	otherHandle := mustSchedule(t, l, context.Background(), other)

	mustTick(t, l)
	<-started
	<-started
	if res := waitResult(t, otherHandle); !res.Success {
		t.Errorf("other model result = %+v", res)
	}

	stats := l.Stats()
	if stats.ActiveExecutions != 2 || stats.TotalQueued != 1 {
		t.Fatalf("stats = %+v, want 2 running and 1 queued", stats)
	}
	if u := l.Utilization().PerModel["anthropic/sonnet"]; u.Active != 2 || u.Max != 2 {
		t.Errorf("utilization = %+v", u)
	}
	q := l.Queue()
	if q[0].TaskID != "t3" || q[0].SkipCount != 1 || q[0].State != model.EntryStateQueued {
		t.Errorf("queued snapshot = %+v", q[0])
	}

	close(release)
	waitResult(t, handles[0])
	waitResult(t, handles[1])
	mustTick(t, l)
	if res := waitResult(t, handles[2]); !res.Success {
		t.Errorf("t3 result = %+v", res)
	}
}

func TestTick_PriorityOrder(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) { c.MaxTotalConcurrent = 1 })
	started := make(chan string, 4)
	release := make(chan struct{})
	defer close(release)

	mustSchedule(t, l, context.Background(), newTask("low", model.PriorityLow, blocking(started, "low", release)))
	mustSchedule(t, l, context.Background(), newTask("normal", model.PriorityNormal, blocking(started, "normal", release)))
	mustSchedule(t, l, context.Background(), newTask("high", model.PriorityHigh, blocking(started, "high", release)))

	mustTick(t, l)
	if got := <-started; got != "high" {
		t.Fatalf("first dispatched = %s, want high", got)
	}

	q := l.Queue()
	var order []string
	for _, s := range q {
		order = append(order, s.TaskID)
	}
	want := []string{"normal", "low", "high"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", order, want)
		}
	}
	if q[2].State != model.EntryStateRunning {
		t.Errorf("running entry state = %s", q[2].State)
	}
}

func TestStats(t *testing.T) {
	clock := &fakeClock{now: epoch}
	l := newTestLoop(t, func(c *config.SchedulerConfig) {
		c.MaxTotalConcurrent = 1
		c.MaxSkipCount = 2
		c.StarvationThreshold = time.Minute
	}, WithClock(clock.Now))
	release := make(chan struct{})
	defer close(release)

	mustSchedule(t, l, context.Background(), newTask("hog", model.PriorityCritical, blocking(nil, "hog", release)))
	mustTick(t, l)

	clock.Advance(10 * time.Second)
	mustSchedule(t, l, context.Background(), newTask("a", model.PriorityNormal, returning(nil, nil)))
	b := newTask("b", model.PriorityLow, returning(nil, nil))
	b.Provider = "openai"
	mustSchedule(t, l, context.Background(), b)

	mustTick(t, l)
	clock.Advance(30 * time.Second)

	stats := l.Stats()
	if stats.TotalQueued != 2 || stats.ActiveExecutions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByPriority[model.PriorityNormal] != 1 || stats.ByPriority[model.PriorityLow] != 1 {
		t.Errorf("by priority = %v", stats.ByPriority)
	}
	if stats.ByProvider["anthropic"] != 1 || stats.ByProvider["openai"] != 1 {
		t.Errorf("by provider = %v", stats.ByProvider)
	}
	if stats.AverageWait != 30*time.Second || stats.MaxWait != 30*time.Second {
		t.Errorf("waits avg=%s max=%s", stats.AverageWait, stats.MaxWait)
	}
	if stats.Starving != 0 {
		t.Errorf("starving = %d, want 0", stats.Starving)
	}
	if w := stats.DispatchWaits[model.PriorityCritical]; w.Count != 1 {
		t.Errorf("critical dispatch waits = %+v", w)
	}

	// One more skipped cycle reaches MaxSkipCount.
	mustTick(t, l)
	if got := l.Stats().Starving; got != 2 {
		t.Errorf("starving after skips = %d, want 2", got)
	}

	// Waiting past the threshold also counts, independent of skips.
	l.cfg.MaxSkipCount = 0
	clock.Advance(time.Minute)
	if got := l.Stats().Starving; got != 2 {
		t.Errorf("starving after threshold = %d, want 2", got)
	}
}

func TestStop_DrainsQueue(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) { c.MaxTotalConcurrent = 1 })
	started := make(chan string, 1)
	release := make(chan struct{})

	running := mustSchedule(t, l, context.Background(), newTask("running", model.PriorityNormal, blocking(started, "running", release)))
	mustTick(t, l)
	<-started
	queued := mustSchedule(t, l, context.Background(), newTask("queued", model.PriorityNormal, returning(nil, nil)))

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	res := waitResult(t, queued)
	if res.Outcome != model.EntryStateCancelled || !res.Aborted || !errors.Is(res.Err, model.ErrSchedulerStopped) {
		t.Errorf("drained result = %+v", res)
	}
	select {
	case <-stopped:
		t.Fatal("Stop returned while an execution was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	if res := waitResult(t, running); !res.Success {
		t.Errorf("running result = %+v", res)
	}
	if _, err := l.Schedule(context.Background(), newTask("after", model.PriorityNormal, returning(nil, nil))); !errors.Is(err, model.ErrSchedulerStopped) {
		t.Errorf("Schedule after Stop = %v", err)
	}
	if err := l.Tick(context.Background()); !errors.Is(err, model.ErrSchedulerStopped) {
		t.Errorf("Tick after Stop = %v", err)
	}
}

func TestStart_DispatchesOnEnqueue(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) { c.TickInterval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(ctx) }()

	h := mustSchedule(t, l, context.Background(), newTask("woken", model.PriorityNormal, returning(1, nil)))
	if res := waitResult(t, h); !res.Success {
		t.Errorf("result = %+v", res)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Start returned %v, want context.Canceled", err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestStart_ReleaseWakesLoop(t *testing.T) {
	l := newTestLoop(t, func(c *config.SchedulerConfig) {
		c.TickInterval = time.Hour
		c.MaxTotalConcurrent = 1
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	release := make(chan struct{})
	first := mustSchedule(t, l, context.Background(), newTask("first", model.PriorityNormal, blocking(nil, "first", release)))
	second := mustSchedule(t, l, context.Background(), newTask("second", model.PriorityNormal, returning(nil, nil)))

	close(release)
	waitResult(t, first)
	if res := waitResult(t, second); !res.Success {
		t.Errorf("second result = %+v", res)
	}
}

func TestWithPermitListener(t *testing.T) {
	var mu sync.Mutex
	var events []string
	listener := capacity.Hooks{
		OnAcquire: func(p capacity.Permit) {
			mu.Lock()
			events = append(events, "acquire:"+p.TaskID)
			mu.Unlock()
		},
		OnRelease: func(p capacity.Permit) {
			mu.Lock()
			events = append(events, "release:"+p.TaskID)
			mu.Unlock()
		},
	}
	l := newTestLoop(t, nil, WithPermitListener(listener))

	h := mustSchedule(t, l, context.Background(), newTask("watched", model.PriorityNormal, returning(nil, nil)))
	mustTick(t, l)
	waitResult(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "acquire:watched" || events[1] != "release:watched" {
		t.Errorf("events = %v", events)
	}
	if len(l.Permits()) != 0 {
		t.Errorf("permits still outstanding: %v", l.Permits())
	}
}
