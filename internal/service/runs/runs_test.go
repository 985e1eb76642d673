package runs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/baseline"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/runs"
	"github.com/holidaibutler/warden/internal/testutil"
	"github.com/holidaibutler/warden/internal/testutil/memstore"
)

var t0 = time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*runs.Service, *memstore.Store) {
	t.Helper()
	logger := testutil.TestLogger()
	store := memstore.New()
	reg := registry.New(store, registry.Options{KnownDestinations: []string{"calpe", "texel"}}, logger)
	require.NoError(t, reg.Register(context.Background(), model.AgentDescriptor{
		Key: "content-curator", Schedule: "24h", Active: true, Destinations: []string{"calpe", "texel"},
	}))
	require.NoError(t, reg.Register(context.Background(), model.AgentDescriptor{
		Key: "security-reviewer", Schedule: "24h", Active: true,
	}))
	return runs.New(store, reg, baseline.New(store, 0, logger), logger), store
}

func TestSubmitRecordsAndFeedsBaseline(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	rec, inserted, err := svc.Submit(ctx, model.CreateRunRequest{
		AgentKey:  "security-reviewer",
		StartedAt: t0,
		Status:    model.RunStatusSuccess,
		Metrics:   model.Metrics{{Name: "vulnerability_count", Value: 3}},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, model.DestinationGlobal, rec.Destination)

	b, err := store.GetBaseline(ctx, "security-reviewer", "vulnerability_count")
	require.NoError(t, err)
	require.NotNil(t, b.Latest)
	assert.Equal(t, 3.0, *b.Latest)
}

func TestSubmitReplayIsNoop(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	req := model.CreateRunRequest{
		AgentKey: "security-reviewer", StartedAt: t0, Status: model.RunStatusSuccess,
		Metrics: model.Metrics{{Name: "vulnerability_count", Value: 3}},
	}
	_, inserted, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, inserted)

	req.Metrics = model.Metrics{{Name: "vulnerability_count", Value: 99}}
	_, inserted, err = svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Len(t, store.Runs(), 1)

	b, err := store.GetBaseline(ctx, "security-reviewer", "vulnerability_count")
	require.NoError(t, err)
	assert.Equal(t, 3.0, *b.Latest)
}

func TestSubmitFailedRunSkipsBaseline(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	_, inserted, err := svc.Submit(ctx, model.CreateRunRequest{
		AgentKey: "security-reviewer", StartedAt: t0, Status: model.RunStatusFailed,
		Metrics: model.Metrics{{Name: "vulnerability_count", Value: 3}},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	_, err = store.GetBaseline(ctx, "security-reviewer", "vulnerability_count")
	assert.Error(t, err)
}

func TestSubmitRejects(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, model.CreateRunRequest{AgentKey: "ghost", StartedAt: t0, Status: model.RunStatusSuccess})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, _, err = svc.Submit(ctx, model.CreateRunRequest{AgentKey: "content-curator", StartedAt: t0, Status: model.RunStatusSuccess})
	assert.ErrorIs(t, err, runs.ErrUnknownDestination, "global is not targeted by a per-destination agent")

	_, _, err = svc.Submit(ctx, model.CreateRunRequest{
		AgentKey: "content-curator", Destination: "benidorm", StartedAt: t0, Status: model.RunStatusSuccess,
	})
	assert.ErrorIs(t, err, runs.ErrUnknownDestination)

	_, _, err = svc.Submit(ctx, model.CreateRunRequest{AgentKey: "content-curator", Destination: "texel", Status: model.RunStatusSuccess})
	assert.ErrorIs(t, err, runs.ErrInvalidRun)
}

func TestResultsAnnotatesTrends(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for i, v := range []float64{3, 3, 2, 4, 9} {
		_, _, err := svc.Submit(ctx, model.CreateRunRequest{
			AgentKey: "security-reviewer", StartedAt: t0.Add(time.Duration(i) * 24 * time.Hour),
			Status: model.RunStatusSuccess, Metrics: model.Metrics{{Name: "vulnerability_count", Value: v}},
		})
		require.NoError(t, err)
	}

	res, err := svc.Results(ctx, "security-reviewer", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, t0.Add(4*24*time.Hour), res[0].StartedAt)
	require.Len(t, res[0].Trends, 1)
	tr := res[0].Trends[0]
	assert.Equal(t, model.DirectionRose, tr.Direction)
	require.NotNil(t, tr.Mean)
	assert.InDelta(t, 3.0, *tr.Mean, 1e-9)

	_, err = svc.Results(ctx, "ghost", 10)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
