// Package pipeline runs the periodic monitoring passes: the anomaly scan,
// the stale-issue sweep, the correlation pass, the briefing and retention
// pruning. Each pass
// is a Job on its own ticker. A failing pass is logged and retried on the
// next tick; it never stops the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
	"github.com/holidaibutler/warden/internal/telemetry"
)

// Job names.
const (
	JobAnomaly     = "anomaly"
	JobSweep       = "sweep"
	JobCorrelation = "correlation"
	JobBriefing    = "briefing"
	JobRetention   = "retention"
)

// Job is one periodic pass.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// ErrUnknownJob is returned by RunNow for a name no job carries.
var ErrUnknownJob = errors.New("pipeline: unknown job")

// Runner owns the job loops.
type Runner struct {
	jobs   []Job
	logger *slog.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool

	runs     metric.Int64Counter
	failures metric.Int64Counter
}

// NewRunner creates a runner. Jobs with a non-positive interval are kept
// for RunNow but never ticked.
func NewRunner(logger *slog.Logger, jobs ...Job) *Runner {
	meter := telemetry.Meter("warden/pipeline")
	return &Runner{
		jobs:     jobs,
		logger:   logger,
		running:  map[string]bool{},
		runs:     telemetry.Counter(meter, "warden.pipeline.runs", "Monitoring pass runs"),
		failures: telemetry.Counter(meter, "warden.pipeline.failures", "Monitoring pass failures"),
	}
}

// Start launches one loop per job and returns. Loops stop when ctx is
// cancelled; Wait blocks until they have.
func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		if j.Interval <= 0 {
			r.logger.Info("pipeline: job disabled", "job", j.Name)
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, j)
		}()
	}
}

// Wait blocks until every loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.run(ctx, j); err != nil && ctx.Err() == nil {
				r.logger.Error("pipeline: job failed", "job", j.Name, "error", err)
			}
		}
	}
}

// RunNow runs the named job once, synchronously.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	for _, j := range r.jobs {
		if j.Name == name {
			return r.run(ctx, j)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// run executes j unless a previous run of it is still going.
func (r *Runner) run(ctx context.Context, j Job) error {
	r.mu.Lock()
	if r.running[j.Name] {
		r.mu.Unlock()
		r.logger.Warn("pipeline: previous run still in progress", "job", j.Name)
		return nil
	}
	r.running[j.Name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, j.Name)
		r.mu.Unlock()
	}()

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	opCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	attrs := metric.WithAttributes(attribute.String("job", j.Name))
	r.runs.Add(ctx, 1, attrs)
	start := time.Now()
	err := j.Run(opCtx)
	if err != nil {
		r.failures.Add(ctx, 1, attrs)
		return fmt.Errorf("pipeline: %s: %w", j.Name, err)
	}
	r.logger.Debug("pipeline: job complete", "job", j.Name, "elapsed", time.Since(start))
	return nil
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// AnomalyScanner runs an anomaly pass.
type AnomalyScanner interface {
	Scan(ctx context.Context) (model.ScanReport, error)
}

// Sweeper auto-closes stale issues.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]model.Issue, error)
}

// Correlator runs a correlation pass.
type Correlator interface {
	Run(ctx context.Context) (model.ScanReport, error)
}

// Briefer composes and publishes a briefing.
type Briefer interface {
	Publish(ctx context.Context) (model.Digest, error)
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (storage.PruneResult, error)
}

// Passes are the services behind the standard jobs.
type Passes struct {
	Anomaly     AnomalyScanner
	Sweep       Sweeper
	Correlation Correlator
	Briefing    Briefer
	Retention   Pruner
	// RetainFor is how much history Retention keeps. Zero drops the job.
	RetainFor time.Duration
	Clock     clock.Clock
}

// Intervals sets how often each standard job runs.
type Intervals struct {
	Anomaly     time.Duration
	Sweep       time.Duration
	Correlation time.Duration
	Briefing    time.Duration
	Retention   time.Duration
}

// passTimeout caps a single pass regardless of interval.
const passTimeout = 10 * time.Minute

// Jobs builds the standard monitoring jobs. Nil passes are left out.
func Jobs(p Passes, iv Intervals) []Job {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	var jobs []Job
	if p.Anomaly != nil {
		jobs = append(jobs, Job{Name: JobAnomaly, Interval: iv.Anomaly, Timeout: passTimeout, Run: func(ctx context.Context) error {
			_, err := p.Anomaly.Scan(ctx)
			return err
		}})
	}
	if p.Sweep != nil {
		jobs = append(jobs, Job{Name: JobSweep, Interval: iv.Sweep, Timeout: passTimeout, Run: func(ctx context.Context) error {
			_, err := p.Sweep.Sweep(ctx, clk.Now())
			return err
		}})
	}
	if p.Correlation != nil {
		jobs = append(jobs, Job{Name: JobCorrelation, Interval: iv.Correlation, Timeout: passTimeout, Run: func(ctx context.Context) error {
			_, err := p.Correlation.Run(ctx)
			return err
		}})
	}
	if p.Briefing != nil {
		jobs = append(jobs, Job{Name: JobBriefing, Interval: iv.Briefing, Timeout: passTimeout, Run: func(ctx context.Context) error {
			_, err := p.Briefing.Publish(ctx)
			return err
		}})
	}
	if p.Retention != nil && p.RetainFor > 0 {
		jobs = append(jobs, Job{Name: JobRetention, Interval: iv.Retention, Timeout: passTimeout, Run: func(ctx context.Context) error {
			_, err := p.Retention.Prune(ctx, clk.Now().Add(-p.RetainFor))
			return err
		}})
	}
	return jobs
}
