package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func run(ago time.Duration, st model.RunStatus, metrics ...model.Metric) model.RunRecord {
	return model.RunRecord{AgentKey: "agent", StartedAt: now.Add(-ago), Status: st, Metrics: metrics}
}

func descriptor(active bool) model.AgentDescriptor {
	return model.AgentDescriptor{Key: "agent", Name: "Agent", Schedule: "6h", Active: active}
}

func TestComputeDeactivatedWinsOverHistory(t *testing.T) {
	reason := "retired"
	d := descriptor(false)
	d.DeactivationReason = &reason
	runs := []model.RunRecord{
		run(time.Hour, model.RunStatusSuccess),
		run(2*time.Hour, model.RunStatusSuccess),
		run(3*time.Hour, model.RunStatusSuccess),
	}
	st := Compute(d, runs, now, 6*time.Hour)
	assert.Equal(t, model.StateDeactivated, st.State)
	assert.Equal(t, "retired", st.Reason)

	assert.Equal(t, model.StateDeactivated, Compute(d, nil, now, 6*time.Hour).State)
}

func TestComputeUnknownWithoutRuns(t *testing.T) {
	assert.Equal(t, model.StateUnknown, Compute(descriptor(true), nil, now, 6*time.Hour).State)

	onlySkipped := []model.RunRecord{run(time.Minute, model.RunStatusSkipped)}
	assert.Equal(t, model.StateUnknown, Compute(descriptor(true), onlySkipped, now, 6*time.Hour).State)
}

func TestComputeStates(t *testing.T) {
	maxErrors := 3.0
	withThreshold := descriptor(true)
	withThreshold.Thresholds = map[string]model.Threshold{"errors": {Max: &maxErrors}}

	tests := []struct {
		name string
		d    model.AgentDescriptor
		runs []model.RunRecord
		want model.AgentState
	}{
		{"recent success", descriptor(true), []model.RunRecord{run(time.Hour, model.RunStatusSuccess)}, model.StateHealthy},
		{"latest failed", descriptor(true), []model.RunRecord{run(time.Hour, model.RunStatusFailed), run(7*time.Hour, model.RunStatusSuccess)}, model.StateError},
		{"late beyond 2x", descriptor(true), []model.RunRecord{run(13*time.Hour, model.RunStatusSuccess)}, model.StateError},
		{"late beyond 1x", descriptor(true), []model.RunRecord{run(7*time.Hour, model.RunStatusSuccess)}, model.StateWarning},
		{"exactly 1x is not late", descriptor(true), []model.RunRecord{run(6*time.Hour, model.RunStatusSuccess)}, model.StateHealthy},
		{"threshold breached", withThreshold, []model.RunRecord{run(time.Hour, model.RunStatusSuccess, model.Metric{Name: "errors", Value: 4})}, model.StateWarning},
		{"threshold respected", withThreshold, []model.RunRecord{run(time.Hour, model.RunStatusSuccess, model.Metric{Name: "errors", Value: 3})}, model.StateHealthy},
		{"skipped ignored", descriptor(true), []model.RunRecord{run(time.Minute, model.RunStatusSkipped), run(time.Hour, model.RunStatusFailed)}, model.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Compute(tt.d, tt.runs, now, 6*time.Hour)
			assert.Equal(t, tt.want, st.State, st.Reason)
		})
	}
}

func TestComputeReportsLatestRun(t *testing.T) {
	runs := []model.RunRecord{run(3*time.Hour, model.RunStatusSuccess), run(time.Hour, model.RunStatusFailed)}
	st := Compute(descriptor(true), runs, now, 6*time.Hour)
	require.NotNil(t, st.LastRunAt)
	assert.Equal(t, now.Add(-time.Hour), *st.LastRunAt)
	assert.Equal(t, model.RunStatusFailed, *st.LastRunStatus)
}

func TestInterval(t *testing.T) {
	assert.Equal(t, 6*time.Hour, Interval(descriptor(true)))
	assert.Zero(t, Interval(model.AgentDescriptor{Schedule: "garbage"}))
}

type fakeRegistry []model.AgentDescriptor

var errNotFound = errors.New("not found")

func (f fakeRegistry) List(context.Context) ([]model.AgentDescriptor, error) { return f, nil }

func (f fakeRegistry) Get(_ context.Context, key string) (model.AgentDescriptor, error) {
	for _, d := range f {
		if d.Key == key {
			return d, nil
		}
	}
	return model.AgentDescriptor{}, errNotFound
}

type fakeRuns map[string][]model.RunRecord

func (f fakeRuns) LatestRuns(context.Context) (map[string]model.RunRecord, error) {
	out := map[string]model.RunRecord{}
	for k, rs := range f {
		if r, ok := latestRun(rs); ok {
			out[k] = r
		}
	}
	return out, nil
}

func (f fakeRuns) LatestRun(_ context.Context, key string) (model.RunRecord, error) {
	if r, ok := latestRun(f[key]); ok {
		return r, nil
	}
	return model.RunRecord{}, storage.ErrNotFound
}

func TestServiceAll(t *testing.T) {
	reg := fakeRegistry{
		{Key: "a", Schedule: "6h", Active: true},
		{Key: "b", Schedule: "6h", Active: true},
		{Key: "c", Schedule: "6h", Active: false},
	}
	runs := fakeRuns{"a": {run(time.Hour, model.RunStatusSuccess)}}
	svc := NewService(reg, runs, clock.NewFake(now))

	all, err := svc.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.StateHealthy, all[0].State)
	assert.Equal(t, model.StateUnknown, all[1].State)
	assert.Equal(t, model.StateDeactivated, all[2].State)

	counts := Counts(all)
	assert.Equal(t, 1, counts[model.StateHealthy])
	assert.Equal(t, 1, counts[model.StateUnknown])

	_, err = svc.Get(context.Background(), "zzz")
	assert.ErrorIs(t, err, errNotFound)
}

func TestServiceGetIgnoresSkippedRuns(t *testing.T) {
	ctx := context.Background()
	reg := fakeRegistry{{Key: "agent", Schedule: "6h", Active: true}}
	history := []model.RunRecord{run(3*time.Hour, model.RunStatusSuccess)}
	for i := range 25 {
		history = append(history, run(time.Duration(i)*time.Minute, model.RunStatusSkipped))
	}
	svc := NewService(reg, fakeRuns{"agent": history}, clock.NewFake(now))

	st, err := svc.Get(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, model.StateHealthy, st.State)
	require.NotNil(t, st.LastRunStatus)
	assert.Equal(t, model.RunStatusSuccess, *st.LastRunStatus)

	all, err := svc.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, st.State, all[0].State)

	svc = NewService(reg, fakeRuns{"agent": history[1:]}, clock.NewFake(now))
	st, err = svc.Get(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, model.StateUnknown, st.State)
}
