// Package scheduler fires agents on their schedules and runs each
// (agent, destination) pair as an independent task on a bounded pool.
//
// A pair with a task still in flight is not fired again; the overlapping
// fire is recorded as a skipped run. Every task writes exactly one run
// record, its final outcome after retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/schedule"
	"github.com/holidaibutler/warden/internal/telemetry"
)

// Registry lists schedulable descriptors.
type Registry interface {
	ListActive(ctx context.Context) ([]model.AgentDescriptor, error)
}

// History reports when each target last fired.
type History interface {
	LastFires(ctx context.Context) (map[model.Target]time.Time, error)
}

// Recorder persists run records.
type Recorder interface {
	Record(ctx context.Context, rec *model.RunRecord) (bool, error)
}

// Resolver finds the executor for a descriptor.
type Resolver interface {
	Lookup(d model.AgentDescriptor) (Executor, error)
}

// Options tunes the scheduler. Zero values take the defaults noted.
type Options struct {
	PoolSize       int                              // 8
	MaxAttempts    int                              // 3
	RetryBaseDelay time.Duration                    // 2s, doubled per attempt
	DefaultTimeout time.Duration                    // 60s
	ClassTimeouts  map[model.Severity]time.Duration // per SLA class, below a descriptor's own
	Tick           time.Duration                    // 15s
	Clock          clock.Clock
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) defaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = 15 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
}

// Scheduler dispatches agent tasks.
type Scheduler struct {
	registry  Registry
	history   History
	recorder  Recorder
	executors Resolver
	opts      Options
	logger    *slog.Logger
	pool      *semaphore.Weighted
	wg        sync.WaitGroup

	mu       sync.Mutex
	seeded   bool
	last     map[model.Target]time.Time
	next     map[model.Target]time.Time
	inFlight map[model.Target]bool

	dispatched metric.Int64Counter
	skipped    metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a scheduler.
func New(reg Registry, history History, recorder Recorder, executors Resolver, opts Options, logger *slog.Logger) *Scheduler {
	opts.defaults()
	meter := telemetry.Meter("warden/scheduler")
	return &Scheduler{
		registry:   reg,
		history:    history,
		recorder:   recorder,
		executors:  executors,
		opts:       opts,
		logger:     logger,
		pool:       semaphore.NewWeighted(int64(opts.PoolSize)),
		next:       map[model.Target]time.Time{},
		inFlight:   map[model.Target]bool{},
		dispatched: telemetry.Counter(meter, "warden.scheduler.dispatched", "Tasks dispatched"),
		skipped:    telemetry.Counter(meter, "warden.scheduler.skipped", "Fires skipped because the target was in flight"),
		failed:     telemetry.Counter(meter, "warden.scheduler.failed", "Tasks that failed after all attempts"),
		retried:    telemetry.Counter(meter, "warden.scheduler.retried", "Attempts retried after a failure"),
		duration:   telemetry.Histogram(meter, "warden.scheduler.run_duration", "Task duration including retries"),
	}
}

// Tick performs one scheduling step at now: every due target is fired and
// its next fire computed. It returns the number of tasks dispatched.
// Targets never fired before are due immediately.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if err := s.seed(ctx); err != nil {
		return 0, err
	}
	descs, err := s.registry.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list active: %w", err)
	}

	// Tasks outlive the tick that started them; Drain waits for them.
	taskCtx := context.WithoutCancel(ctx)
	live := map[model.Target]bool{}
	dispatched := 0
	for _, d := range descs {
		sched, err := schedule.Parse(d.Schedule)
		if err != nil {
			s.logger.Warn("scheduler: bad schedule", "agent_key", d.Key, "error", err)
			continue
		}
		for _, dest := range d.TargetDestinations() {
			target := model.Target{AgentKey: d.Key, Destination: dest}
			live[target] = true
			if !s.due(target, sched, now) {
				continue
			}
			if s.fire(taskCtx, d, target, now) {
				dispatched++
			}
		}
	}

	s.mu.Lock()
	for t := range s.next {
		if !live[t] {
			delete(s.next, t)
		}
	}
	s.mu.Unlock()
	return dispatched, nil
}

func (s *Scheduler) seed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return nil
	}
	last, err := s.history.LastFires(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load last fires: %w", err)
	}
	s.last, s.seeded = last, true
	return nil
}

// due reports whether target should fire at now and, if so, advances its
// next fire time.
func (s *Scheduler) due(target model.Target, sched schedule.Schedule, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.next[target]
	if !ok {
		next = now
		if last, seen := s.last[target]; seen {
			next = sched.Next(last)
		}
	}
	if now.Before(next) {
		s.next[target] = next
		return false
	}
	s.next[target] = sched.Next(now)
	return true
}

// InFlight returns the number of targets with a task running or queued.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// NextFire returns the next scheduled fire of target, if known.
func (s *Scheduler) NextFire(target model.Target) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[target]
	return t, ok
}

func (s *Scheduler) fire(ctx context.Context, d model.AgentDescriptor, target model.Target, now time.Time) bool {
	attrs := metric.WithAttributes(attribute.String("agent_key", d.Key), attribute.String("destination", target.Destination))

	s.mu.Lock()
	busy := s.inFlight[target]
	if !busy {
		s.inFlight[target] = true
	}
	s.mu.Unlock()

	if busy {
		s.skipped.Add(ctx, 1, attrs)
		s.logger.Info("scheduler: skipped overlapping fire", "target", target.String())
		s.record(ctx, &model.RunRecord{
			ID:          uuid.New(),
			AgentKey:    d.Key,
			Destination: target.Destination,
			StartedAt:   now,
			Status:      model.RunStatusSkipped,
			Details:     map[string]any{"reason": "previous run still in flight"},
			Attempts:    0,
		})
		return false
	}

	s.dispatched.Add(ctx, 1, attrs)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, target)
			s.mu.Unlock()
		}()
		if err := s.pool.Acquire(ctx, 1); err != nil {
			s.logger.Warn("scheduler: task dropped", "target", target.String(), "error", err)
			return
		}
		defer s.pool.Release(1)
		s.run(ctx, d, target, now, attrs)
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, d model.AgentDescriptor, target model.Target, scheduledAt time.Time, attrs metric.MeasurementOption) {
	begin := time.Now()
	rec := &model.RunRecord{
		ID:          uuid.New(),
		AgentKey:    d.Key,
		Destination: target.Destination,
		StartedAt:   scheduledAt,
	}

	ex, err := s.executors.Lookup(d)
	if err != nil {
		rec.Status, rec.Attempts = model.RunStatusFailed, 0
		rec.Details = map[string]any{"error": err.Error()}
		s.failed.Add(ctx, 1, attrs)
		s.record(ctx, rec)
		return
	}

	timeout := s.timeout(d)
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		res, err := s.attempt(ctx, ex, Task{Descriptor: d, Destination: target.Destination, ScheduledAt: scheduledAt, Attempt: attempt}, timeout)
		if err == nil {
			rec.Status, rec.Metrics, rec.Details = model.RunStatusSuccess, res.Metrics, res.Details
			lastErr = nil
			break
		}
		lastErr = err
		s.logger.Warn("scheduler: attempt failed",
			"target", target.String(), "attempt", attempt, "max_attempts", s.opts.MaxAttempts, "error", err)
		if attempt == s.opts.MaxAttempts {
			break
		}
		s.retried.Add(ctx, 1, attrs)
		if err := s.opts.Sleep(ctx, s.backoff(attempt)); err != nil {
			break
		}
	}

	if lastErr != nil {
		rec.Status = model.RunStatusFailed
		rec.Details = map[string]any{
			"error":     lastErr.Error(),
			"timed_out": errors.Is(lastErr, errTimeout),
		}
		s.failed.Add(ctx, 1, attrs)
	}
	if rec.Details == nil {
		rec.Details = map[string]any{}
	}
	rec.DurationMs = time.Since(begin).Milliseconds()
	s.duration.Record(ctx, float64(rec.DurationMs), attrs)
	s.record(ctx, rec)
}

var errTimeout = errors.New("timed out")

// attempt runs one execution under timeout. An executor that ignores its
// context is abandoned when the deadline passes.
func (s *Scheduler) attempt(ctx context.Context, ex Executor, t Task, timeout time.Duration) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		res, err := ex.Execute(actx, t)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && actx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("%w after %s: %v", errTimeout, timeout, o.err)
		}
		return o.res, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w after %s", errTimeout, timeout)
	}
}

func (s *Scheduler) timeout(d model.AgentDescriptor) time.Duration {
	if t := d.Timeout(); t > 0 {
		return t
	}
	if t, ok := s.opts.ClassTimeouts[d.SLAClass]; ok && t > 0 {
		return t
	}
	return s.opts.DefaultTimeout
}

// backoff returns the wait after the given failed attempt: the base delay
// doubled per attempt plus up to half the base in jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.RetryBaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(s.opts.RetryBaseDelay)/2 + 1)) //nolint:gosec // jitter needs no crypto strength
	return d + jitter
}

func (s *Scheduler) record(ctx context.Context, rec *model.RunRecord) {
	if _, err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Error("scheduler: record run failed",
			"agent_key", rec.AgentKey, "destination", rec.Destination, "status", rec.Status, "error", err)
	}
}

// Start runs Tick on the configured cadence until ctx is cancelled. It
// does not wait for in-flight tasks; call Drain for that.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler: started", "tick", s.opts.Tick, "pool_size", s.opts.PoolSize)
	t := time.NewTicker(s.opts.Tick)
	defer t.Stop()
	for {
		if _, err := s.Tick(ctx, s.opts.Clock.Now()); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-t.C:
		}
	}
}

// Drain waits for in-flight tasks to finish or ctx to end.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: drain: %w", ctx.Err())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
