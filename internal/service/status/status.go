// Package status derives agent health from descriptors and run history.
// Health is recomputed on every query and never stored.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/schedule"
	"github.com/holidaibutler/warden/internal/storage"
)

// Compute derives the status of one agent. runs may be in any order;
// skipped runs are ignored when picking the latest. A non-positive interval
// disables the lateness checks.
//
// Rules, first match wins:
//
//	inactive descriptor                               deactivated
//	no non-skipped run                                unknown
//	latest failed, or older than 2x interval          error
//	older than 1x interval, or a threshold breached   warning
//	otherwise                                         healthy
func Compute(d model.AgentDescriptor, runs []model.RunRecord, now time.Time, interval time.Duration) model.AgentStatus {
	st := model.AgentStatus{AgentKey: d.Key, Name: d.Name}

	if !d.Active {
		st.State = model.StateDeactivated
		if d.DeactivationReason != nil {
			st.Reason = *d.DeactivationReason
		}
		return st
	}

	latest, ok := latestRun(runs)
	if !ok {
		st.State = model.StateUnknown
		st.Reason = "no runs recorded"
		return st
	}
	at, runStatus := latest.StartedAt, latest.Status
	st.LastRunAt, st.LastRunStatus = &at, &runStatus

	age := now.Sub(latest.StartedAt)
	switch {
	case latest.Status == model.RunStatusFailed:
		st.State = model.StateError
		st.Reason = "last run failed"
		if msg, ok := latest.Details["error"].(string); ok && msg != "" {
			st.Reason += ": " + msg
		}
	case interval > 0 && age > 2*interval:
		st.State = model.StateError
		st.Reason = fmt.Sprintf("no run for %s, expected every %s", age.Round(time.Minute), interval)
	case interval > 0 && age > interval:
		st.State = model.StateWarning
		st.Reason = fmt.Sprintf("last run %s ago, expected every %s", age.Round(time.Minute), interval)
	default:
		if name, v, breached := breachedThreshold(d, latest); breached {
			st.State = model.StateWarning
			st.Reason = fmt.Sprintf("%s = %g is outside its threshold", name, v)
			return st
		}
		st.State = model.StateHealthy
	}
	return st
}

func latestRun(runs []model.RunRecord) (model.RunRecord, bool) {
	var (
		best  model.RunRecord
		found bool
	)
	for _, r := range runs {
		if r.Status == model.RunStatusSkipped {
			continue
		}
		if !found || r.StartedAt.After(best.StartedAt) {
			best, found = r, true
		}
	}
	return best, found
}

func breachedThreshold(d model.AgentDescriptor, run model.RunRecord) (string, float64, bool) {
	for _, m := range run.Metrics {
		if th, ok := d.Thresholds[m.Name]; ok && th.Breached(m.Value) {
			return m.Name, m.Value, true
		}
	}
	return "", 0, false
}

// Interval returns the nominal interval of a descriptor's schedule, or zero
// when it cannot be parsed.
func Interval(d model.AgentDescriptor) time.Duration {
	s, err := schedule.Parse(d.Schedule)
	if err != nil {
		return 0
	}
	return s.Interval()
}

// Registry lists descriptors.
type Registry interface {
	List(ctx context.Context) ([]model.AgentDescriptor, error)
	Get(ctx context.Context, key string) (model.AgentDescriptor, error)
}

// RunStore reads the newest non-skipped runs. LatestRun returns
// storage.ErrNotFound when an agent has none.
type RunStore interface {
	LatestRuns(ctx context.Context) (map[string]model.RunRecord, error)
	LatestRun(ctx context.Context, agentKey string) (model.RunRecord, error)
}

// Service computes statuses on demand.
type Service struct {
	registry Registry
	runs     RunStore
	clock    clock.Clock
}

// NewService creates a status service.
func NewService(registry Registry, runs RunStore, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{registry: registry, runs: runs, clock: clk}
}

// All returns the status of every registered agent, ordered by key.
func (s *Service) All(ctx context.Context) ([]model.AgentStatus, error) {
	descs, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: list agents: %w", err)
	}
	latest, err := s.runs.LatestRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: latest runs: %w", err)
	}
	now := s.clock.Now()
	out := make([]model.AgentStatus, 0, len(descs))
	for _, d := range descs {
		var runs []model.RunRecord
		if r, ok := latest[d.Key]; ok {
			runs = []model.RunRecord{r}
		}
		out = append(out, Compute(d, runs, now, Interval(d)))
	}
	return out, nil
}

// Get returns the status of one agent. Unknown keys return the registry's
// not-found error.
func (s *Service) Get(ctx context.Context, key string) (model.AgentStatus, error) {
	d, err := s.registry.Get(ctx, key)
	if err != nil {
		return model.AgentStatus{}, err
	}
	var runs []model.RunRecord
	r, err := s.runs.LatestRun(ctx, key)
	switch {
	case err == nil:
		runs = []model.RunRecord{r}
	case !errors.Is(err, storage.ErrNotFound):
		return model.AgentStatus{}, fmt.Errorf("status: latest run: %w", err)
	}
	return Compute(d, runs, s.clock.Now(), Interval(d)), nil
}

// Counts tallies statuses by state.
func Counts(statuses []model.AgentStatus) model.StateCounts {
	c := model.StateCounts{}
	for _, st := range statuses {
		c[st.State]++
	}
	return c
}
