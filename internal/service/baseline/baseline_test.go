package baseline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	rows map[[2]string]model.Baseline
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[[2]string]model.Baseline)}
}

func (m *memStore) MutateBaseline(_ context.Context, agentKey, metricName string, windowSize int, mutate func(*model.Baseline)) (model.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{agentKey, metricName}
	b, ok := m.rows[k]
	if !ok {
		b = model.Baseline{AgentKey: agentKey, MetricName: metricName, WindowSize: windowSize, Window: []float64{}}
	}
	mutate(&b)
	m.rows[k] = b
	return b, nil
}

func (m *memStore) GetBaseline(_ context.Context, agentKey, metricName string) (model.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[[2]string{agentKey, metricName}]
	if !ok {
		return model.Baseline{}, storage.ErrNotFound
	}
	return b, nil
}

func (m *memStore) ListBaselines(_ context.Context, agentKey string) ([]model.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Baseline
	for _, b := range m.rows {
		if agentKey == "" || b.AgentKey == agentKey {
			out = append(out, b)
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestStats(t *testing.T) {
	mean, sd := Stats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.0, sd, 1e-9)

	mean, sd = Stats(nil)
	assert.Zero(t, mean)
	assert.Zero(t, sd)
}

func TestPushKeepsLatestOutOfWindow(t *testing.T) {
	b := model.Baseline{WindowSize: 3}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	Push(&b, 1, at)
	assert.Empty(t, b.Window)
	assert.Equal(t, 0, b.SampleCount)
	require.NotNil(t, b.Latest)
	assert.Equal(t, 1.0, *b.Latest)

	Push(&b, 2, at.Add(time.Hour))
	assert.Equal(t, []float64{1}, b.Window)
	assert.Equal(t, 2.0, *b.Latest)
}

func TestPushEvictsOldest(t *testing.T) {
	b := model.Baseline{WindowSize: 3}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{10, 20, 30, 40, 50} {
		Push(&b, v, at.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, []float64{20, 30, 40}, b.Window)
	assert.Equal(t, 3, b.SampleCount)
	assert.InDelta(t, 30.0, b.Mean, 1e-9)
	assert.Equal(t, 50.0, *b.Latest)
}

func TestUpdateScenarioWindow(t *testing.T) {
	ctx := context.Background()
	svc := New(newMemStore(), 14, discardLogger())
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	series := []float64{3, 3, 2, 4, 3, 3, 2, 3, 4, 3, 2, 3, 3, 3}
	for i, v := range series {
		_, err := svc.Update(ctx, "security-reviewer", "vulnerability_count", v, at.AddDate(0, 0, i))
		require.NoError(t, err)
	}
	b, err := svc.Update(ctx, "security-reviewer", "vulnerability_count", 7, at.AddDate(0, 0, len(series)))
	require.NoError(t, err)

	assert.Equal(t, 14, b.SampleCount)
	assert.Equal(t, series, b.Window)
	assert.InDelta(t, 2.93, b.Mean, 0.01)
	assert.InDelta(t, 0.59, b.StdDev, 0.01)
	assert.Equal(t, 7.0, *b.Latest)
}

func TestUpdateIgnoresOutOfOrder(t *testing.T) {
	ctx := context.Background()
	svc := New(newMemStore(), 14, discardLogger())
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	_, err := svc.Update(ctx, "a", "m", 5, at)
	require.NoError(t, err)
	b, err := svc.Update(ctx, "a", "m", 99, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5.0, *b.Latest)
	assert.Empty(t, b.Window)
}

func TestObserveOnlySuccess(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := New(store, 14, discardLogger())
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Observe(ctx, model.RunRecord{
		AgentKey: "curator", StartedAt: at, Status: model.RunStatusFailed,
		Metrics: model.Metrics{{Name: "items", Value: 1}},
	}))
	_, err := svc.Get(ctx, "curator", "items")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, svc.Observe(ctx, model.RunRecord{
		AgentKey: "curator", StartedAt: at, Status: model.RunStatusSuccess,
		Metrics: model.Metrics{{Name: "items", Value: 1}, {Name: "errors", Value: 0}},
	}))
	list, err := svc.List(ctx, "curator")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestTrend(t *testing.T) {
	tr := Trend("latency_ms", 180, model.Baseline{SampleCount: 14, Mean: 420, StdDev: 30})
	assert.Equal(t, model.DirectionFell, tr.Direction)
	require.NotNil(t, tr.Deviation)
	assert.InDelta(t, 8.0, *tr.Deviation, 1e-9)

	empty := Trend("x", 1, model.Baseline{})
	assert.Nil(t, empty.Mean)
	assert.Empty(t, empty.Direction)

	flat := Trend("x", 5, model.Baseline{SampleCount: 3, Mean: 5})
	assert.Nil(t, flat.Deviation)
}
