// Package runs records agent executions in the audit store and feeds
// successful runs into the baselines.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/baseline"
	"github.com/holidaibutler/warden/internal/storage"
)

var (
	// ErrInvalidRun wraps field-level validation failures.
	ErrInvalidRun = errors.New("runs: invalid run")
	// ErrUnknownDestination is returned for runs against a destination the
	// agent does not target.
	ErrUnknownDestination = errors.New("runs: destination not targeted by agent")
)

// Store is the audit store. *storage.DB satisfies it.
type Store interface {
	InsertRun(ctx context.Context, r *model.RunRecord) (bool, error)
	RecentRuns(ctx context.Context, agentKey string, limit int) ([]model.RunRecord, error)
}

// Registry resolves descriptors.
type Registry interface {
	Get(ctx context.Context, key string) (model.AgentDescriptor, error)
}

// Baselines folds runs into rolling statistics and serves them back.
type Baselines interface {
	Observe(ctx context.Context, run model.RunRecord) error
	List(ctx context.Context, agentKey string) ([]model.Baseline, error)
}

// MaxResults caps Results.
const MaxResults = 200

// Service records and reads runs.
type Service struct {
	store     Store
	registry  Registry
	baselines Baselines
	logger    *slog.Logger
}

// New creates a run service.
func New(store Store, reg Registry, baselines Baselines, logger *slog.Logger) *Service {
	return &Service{store: store, registry: reg, baselines: baselines, logger: logger}
}

// Submit validates and records a run pushed by an agent.
func (s *Service) Submit(ctx context.Context, req model.CreateRunRequest) (model.RunRecord, bool, error) {
	if err := req.Validate(); err != nil {
		return model.RunRecord{}, false, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	d, err := s.registry.Get(ctx, req.AgentKey)
	if err != nil {
		return model.RunRecord{}, false, err
	}
	if !slices.Contains(d.TargetDestinations(), req.Destination) {
		return model.RunRecord{}, false, fmt.Errorf("%w: %s@%s", ErrUnknownDestination, req.AgentKey, req.Destination)
	}
	rec := req.Record()
	inserted, err := s.Record(ctx, &rec)
	return rec, inserted, err
}

// Record appends rec to the audit store. When the run is new, its metrics
// are folded into the baselines. A replay of an existing run identity is
// a no-op and reports inserted=false. Baseline failures are logged; the
// run itself stays recorded.
func (s *Service) Record(ctx context.Context, rec *model.RunRecord) (bool, error) {
	inserted, err := s.store.InsertRun(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("runs: record %s@%s: %w", rec.AgentKey, rec.Destination, err)
	}
	if !inserted {
		s.logger.Debug("runs: duplicate run ignored",
			"agent_key", rec.AgentKey, "destination", rec.Destination, "started_at", rec.StartedAt)
		return false, nil
	}
	if err := s.baselines.Observe(ctx, *rec); err != nil {
		s.logger.Error("runs: baseline update failed", "agent_key", rec.AgentKey, "run_id", rec.ID, "error", err)
	}
	return true, nil
}

// Results returns an agent's most recent runs, newest first, each metric
// annotated with its current baseline.
func (s *Service) Results(ctx context.Context, agentKey string, limit int) ([]model.RunResult, error) {
	if _, err := s.registry.Get(ctx, agentKey); err != nil {
		return nil, err
	}
	limit = min(max(limit, 1), MaxResults)
	recs, err := s.store.RecentRuns(ctx, agentKey, limit)
	if err != nil {
		return nil, fmt.Errorf("runs: results %s: %w", agentKey, err)
	}
	bs, err := s.baselines.List(ctx, agentKey)
	if err != nil {
		return nil, fmt.Errorf("runs: results %s: %w", agentKey, err)
	}
	byMetric := make(map[string]model.Baseline, len(bs))
	for _, b := range bs {
		byMetric[b.MetricName] = b
	}

	out := make([]model.RunResult, 0, len(recs))
	for _, r := range recs {
		res := model.RunResult{RunRecord: r}
		for _, m := range r.Metrics {
			if b, ok := byMetric[m.Name]; ok {
				res.Trends = append(res.Trends, baseline.Trend(m.Name, m.Value, b))
			}
		}
		out = append(out, res)
	}
	return out, nil
}

var _ Store = (*storage.DB)(nil)
