// Package baseline maintains rolling per-(agent, metric) statistics.
//
// Each baseline holds a fixed-size window of prior observations plus the
// most recent one. The latest observation is kept out of the window until
// the next one arrives, so the anomaly pass always compares a fresh value
// against history that does not include it.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

// DefaultWindowSize is the number of prior observations kept per baseline.
const DefaultWindowSize = 14

// Push records value as the latest observation of b. The previous latest,
// if any, is appended to the window, evicting the oldest entries beyond
// WindowSize. Mean, StdDev and SampleCount are recomputed over the window.
func Push(b *model.Baseline, value float64, at time.Time) {
	if b.WindowSize <= 0 {
		b.WindowSize = DefaultWindowSize
	}
	if b.Latest != nil {
		b.Window = append(b.Window, *b.Latest)
	}
	if over := len(b.Window) - b.WindowSize; over > 0 {
		b.Window = append(b.Window[:0:0], b.Window[over:]...)
	}
	v, t := value, at.UTC()
	b.Latest, b.LatestAt = &v, &t
	b.Mean, b.StdDev = Stats(b.Window)
	b.SampleCount = len(b.Window)
}

// Stats returns the mean and population standard deviation of xs. Both are
// zero for an empty slice.
func Stats(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// Store is the persistence the service needs. *storage.DB satisfies it.
type Store interface {
	MutateBaseline(ctx context.Context, agentKey, metricName string, windowSize int, mutate func(*model.Baseline)) (model.Baseline, error)
	GetBaseline(ctx context.Context, agentKey, metricName string) (model.Baseline, error)
	ListBaselines(ctx context.Context, agentKey string) ([]model.Baseline, error)
}

// Service folds run metrics into baselines.
type Service struct {
	store      Store
	windowSize int
	logger     *slog.Logger
}

// New creates a baseline service. A non-positive windowSize uses
// DefaultWindowSize.
func New(store Store, windowSize int, logger *slog.Logger) *Service {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Service{store: store, windowSize: windowSize, logger: logger}
}

// WindowSize returns the configured window length.
func (s *Service) WindowSize() int { return s.windowSize }

// Update folds one observation into the (agent, metric) baseline. An
// observation older than the baseline's latest is ignored so replays and
// late arrivals cannot reorder history.
func (s *Service) Update(ctx context.Context, agentKey, metricName string, value float64, at time.Time) (model.Baseline, error) {
	b, err := s.store.MutateBaseline(ctx, agentKey, metricName, s.windowSize, func(b *model.Baseline) {
		if b.LatestAt != nil && at.Before(*b.LatestAt) {
			s.logger.Debug("baseline: ignoring out-of-order observation",
				"agent_key", agentKey, "metric", metricName, "at", at, "latest_at", *b.LatestAt)
			return
		}
		b.WindowSize = s.windowSize
		Push(b, value, at)
	})
	if err != nil {
		return model.Baseline{}, fmt.Errorf("baseline: update %s/%s: %w", agentKey, metricName, err)
	}
	return b, nil
}

// Observe folds every metric of a successful run into its baseline. Failed
// and skipped runs carry no trustworthy measurements and are ignored.
func (s *Service) Observe(ctx context.Context, run model.RunRecord) error {
	if run.Status != model.RunStatusSuccess {
		return nil
	}
	var errs []error
	for _, m := range run.Metrics {
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			continue
		}
		if _, err := s.Update(ctx, run.AgentKey, m.Name, m.Value, run.StartedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns one baseline or an error wrapping storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, agentKey, metricName string) (model.Baseline, error) {
	b, err := s.store.GetBaseline(ctx, agentKey, metricName)
	if err != nil {
		return model.Baseline{}, fmt.Errorf("baseline: get %s/%s: %w", agentKey, metricName, err)
	}
	return b, nil
}

// List returns all baselines, or one agent's when agentKey is non-empty.
func (s *Service) List(ctx context.Context, agentKey string) ([]model.Baseline, error) {
	bs, err := s.store.ListBaselines(ctx, agentKey)
	if err != nil {
		return nil, fmt.Errorf("baseline: list: %w", err)
	}
	return bs, nil
}

// Trend annotates value with its position relative to b. Mean, StdDev and
// Deviation are left nil when the baseline has no spread to compare against.
func Trend(name string, value float64, b model.Baseline) model.MetricTrend {
	t := model.MetricTrend{Name: name, Value: value}
	if b.SampleCount == 0 {
		return t
	}
	mean, sd := b.Mean, b.StdDev
	t.Mean, t.StdDev = &mean, &sd
	switch {
	case value > mean:
		t.Direction = model.DirectionRose
	case value < mean:
		t.Direction = model.DirectionFell
	}
	if sd > 0 {
		dev := math.Abs(value-mean) / sd
		t.Deviation = &dev
	}
	return t
}

var _ Store = (*storage.DB)(nil)
