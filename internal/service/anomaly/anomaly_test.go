package anomaly_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/anomaly"
	"github.com/holidaibutler/warden/internal/service/baseline"
	"github.com/holidaibutler/warden/internal/service/issues"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/settings"
	"github.com/holidaibutler/warden/internal/testutil"
	"github.com/holidaibutler/warden/internal/testutil/memstore"
)

var (
	t0       = time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	defaults = anomaly.Params{K: 2, MinSamples: 14}
	vulns    = registry.MetricPolicy{
		Name: "vulnerability_count", Label: "vulnerability count",
		Polarity: registry.HigherIsWorse, Severity: model.SeverityP2,
	}
	latency = registry.MetricPolicy{
		Name: "avg_latency_ms", Label: "average latency",
		Polarity: registry.HigherIsWorse, Severity: model.SeverityP3, Unit: "ms",
	}
	scenario = []float64{3, 3, 2, 4, 3, 3, 2, 3, 4, 3, 2, 3, 3, 3}
)

func feed(agent, metric string, values ...float64) model.Baseline {
	b := model.Baseline{AgentKey: agent, MetricName: metric, WindowSize: baseline.DefaultWindowSize}
	for i, v := range values {
		baseline.Push(&b, v, t0.Add(time.Duration(i)*24*time.Hour))
	}
	return b
}

func TestEvaluateScenarioWorse(t *testing.T) {
	b := feed("security-reviewer", "vulnerability_count", append(scenario, 7)...)
	require.Equal(t, 14, b.SampleCount)

	f, ok := anomaly.Evaluate(b, vulns, defaults, t0)
	require.True(t, ok)
	assert.Equal(t, model.FindingAnomaly, f.Kind)
	assert.Equal(t, model.DirectionRose, f.Direction)
	assert.Equal(t, model.AssessmentWorse, f.Assessment)
	assert.Equal(t, "WORSE", f.Label)
	assert.Equal(t, model.SeverityP2, f.Severity)
	assert.InDelta(t, 6.86, f.Deviation, 0.05)
	assert.Equal(t, "vulnerability count rose from baseline 2.9±0.6 to 7", f.Narrative)
	assert.True(t, f.Worse())
}

func TestEvaluateDurationFasterIsBetter(t *testing.T) {
	var window []float64
	for range 7 {
		window = append(window, 390, 450)
	}
	b := feed("content-curator", "avg_latency_ms", append(window, 180)...)

	f, ok := anomaly.Evaluate(b, latency, defaults, t0)
	require.True(t, ok)
	assert.Equal(t, model.DirectionFell, f.Direction)
	assert.Equal(t, model.AssessmentBetter, f.Assessment)
	assert.Equal(t, "FASTER", f.Label)
	assert.Equal(t, "average latency fell from baseline 420ms±30 to 180ms", f.Narrative)
	assert.False(t, f.Worse())
}

func TestEvaluateLowerIsWorse(t *testing.T) {
	coverage := registry.MetricPolicy{Name: "coverage", Label: "coverage", Polarity: registry.LowerIsWorse, Severity: model.SeverityP3}
	var window []float64
	for range 7 {
		window = append(window, 80, 82)
	}
	f, ok := anomaly.Evaluate(feed("a", "coverage", append(window, 60)...), coverage, defaults, t0)
	require.True(t, ok)
	assert.Equal(t, model.AssessmentWorse, f.Assessment)

	f, ok = anomaly.Evaluate(feed("a", "coverage", append(window, 95)...), coverage, defaults, t0)
	require.True(t, ok)
	assert.Equal(t, model.AssessmentBetter, f.Assessment)
}

func TestEvaluateInsufficientSamples(t *testing.T) {
	b := feed("security-reviewer", "vulnerability_count", 3, 1000)
	require.Equal(t, 1, b.SampleCount)
	_, ok := anomaly.Evaluate(b, vulns, defaults, t0)
	assert.False(t, ok)

	b = feed("security-reviewer", "vulnerability_count", scenario[:13]...)
	_, ok = anomaly.Evaluate(b, vulns, defaults, t0)
	assert.False(t, ok, "13 values leave 12 in the window")
}

func TestEvaluateConstantSeriesNeverFires(t *testing.T) {
	values := make([]float64, 0, 15)
	for range 14 {
		values = append(values, 5)
	}
	b := feed("a", "vulnerability_count", append(values, 1e6)...)
	require.Equal(t, 14, b.SampleCount)
	_, ok := anomaly.Evaluate(b, vulns, defaults, t0)
	assert.False(t, ok)
}

func TestEvaluateWithinThreshold(t *testing.T) {
	b := feed("a", "vulnerability_count", append(scenario, 4)...)
	_, ok := anomaly.Evaluate(b, vulns, defaults, t0)
	assert.False(t, ok)
}

func TestEvaluateDedupKeyDependsOnDirection(t *testing.T) {
	var window []float64
	for range 7 {
		window = append(window, 10, 12)
	}
	up, ok := anomaly.Evaluate(feed("a", "m", append(window, 30)...), registry.DefaultPolicy("m"), defaults, t0)
	require.True(t, ok)
	down, ok := anomaly.Evaluate(feed("a", "m", append(window, -10)...), registry.DefaultPolicy("m"), defaults, t0)
	require.True(t, ok)
	assert.NotEqual(t, up.DedupKey, down.DedupKey)

	again, _ := anomaly.Evaluate(feed("a", "m", append(window, 31)...), registry.DefaultPolicy("m"), defaults, t0)
	assert.Equal(t, up.DedupKey, again.DedupKey)
}

type harness struct {
	store     *memstore.Store
	clock     *clock.Fake
	baselines *baseline.Service
	tracker   *issues.Tracker
	raiser    *flakyRaiser
	detector  *anomaly.Detector
}

// flakyRaiser fails the next failures calls, then delegates.
type flakyRaiser struct {
	next     anomaly.Raiser
	failures int
	calls    int
}

func (r *flakyRaiser) Raise(ctx context.Context, f model.Finding) (model.Issue, bool, error) {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return model.Issue{}, false, errors.New("connection reset")
	}
	return r.next.Raise(ctx, f)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	store := memstore.New()
	clk := clock.NewFake(t0)

	reg := registry.New(store, registry.Options{Clock: clk}, logger)
	require.NoError(t, reg.Apply(ctx, registry.Catalog{
		Agents: []model.AgentDescriptor{
			{Key: "security-reviewer", Schedule: "24h", Active: true, SLAClass: model.SeverityP2},
			{Key: "content-curator", Schedule: "24h", Active: true, SLAClass: model.SeverityP3},
			{Key: "retired-agent", Schedule: "24h", Active: false, SLAClass: model.SeverityP3},
		},
		Metrics: map[string]registry.MetricPolicy{vulns.Name: vulns, latency.Name: latency},
	}))

	st := settings.New(store, settings.Defaults(), logger)
	tracker := issues.New(store, st, clk, logger)
	raiser := &flakyRaiser{next: tracker}
	return &harness{
		store:     store,
		clock:     clk,
		baselines: baseline.New(store, 0, logger),
		tracker:   tracker,
		raiser:    raiser,
		detector:  anomaly.New(store, reg, raiser, st, store, clk, logger),
	}
}

func (h *harness) observe(t *testing.T, agent, metric string, day int, value float64) {
	t.Helper()
	_, err := h.baselines.Update(context.Background(), agent, metric, value, t0.Add(time.Duration(day)*24*time.Hour))
	require.NoError(t, err)
}

func TestScanRaisesWorseFindings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, v := range scenario {
		h.observe(t, "security-reviewer", "vulnerability_count", i, v)
		h.observe(t, "content-curator", "vulnerability_count", i, v)
		h.observe(t, "retired-agent", "vulnerability_count", i, v)
	}
	h.observe(t, "security-reviewer", "vulnerability_count", 14, 7)
	h.observe(t, "content-curator", "vulnerability_count", 14, 0)
	h.observe(t, "retired-agent", "vulnerability_count", 14, 50)

	h.clock.Set(t0.Add(14*24*time.Hour + time.Hour))
	report, err := h.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, 1, report.IssuesRaised)

	open, err := h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "security-reviewer", open[0].AgentKey)
	assert.Equal(t, model.SeverityP2, open[0].Severity)
	assert.Equal(t, 1, open[0].Occurrences)

	saved, err := h.store.LatestScanReport(ctx, model.FindingAnomaly)
	require.NoError(t, err)
	assert.Equal(t, report.ID, saved.ID)
	assert.Len(t, saved.Worse(), 1)
}

func TestScanSkipsStaleBaselines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, v := range append(scenario, 7) {
		h.observe(t, "security-reviewer", "vulnerability_count", i, v)
	}

	h.clock.Set(t0.Add(14*24*time.Hour + time.Hour))
	_, err := h.detector.Scan(ctx)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	report, err := h.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Findings)

	open, err := h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].Occurrences)
}

func TestScanRepeatNextDayIncrementsOccurrences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, v := range append(scenario, 7) {
		h.observe(t, "security-reviewer", "vulnerability_count", i, v)
	}
	h.clock.Set(t0.Add(14*24*time.Hour + time.Hour))
	_, err := h.detector.Scan(ctx)
	require.NoError(t, err)
	first, err := h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, first, 1)

	h.observe(t, "security-reviewer", "vulnerability_count", 15, 7)
	h.clock.Set(t0.Add(15*24*time.Hour + time.Hour))
	_, err = h.detector.Scan(ctx)
	require.NoError(t, err)

	open, err := h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Occurrences)
	assert.Equal(t, model.IssueOpen, open[0].Status)
	assert.Equal(t, first[0].OpenedAt, open[0].OpenedAt)
}

func TestScanHonorsThresholdOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, v := range append(scenario, 7) {
		h.observe(t, "security-reviewer", "vulnerability_count", i, v)
	}
	_, err := h.store.PutSettingOverride(ctx, settings.KeyAnomalyK, "8", "admin")
	require.NoError(t, err)

	h.clock.Set(t0.Add(14*24*time.Hour + time.Hour))
	report, err := h.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Empty(t, report.Findings)
}

func TestScanRetriesFailedRaise(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, v := range append(scenario, 7) {
		h.observe(t, "security-reviewer", "vulnerability_count", i, v)
	}
	h.raiser.failures = 1

	h.clock.Set(t0.Add(14*24*time.Hour + time.Hour))
	report, err := h.detector.Scan(ctx)
	require.Error(t, err)
	assert.Zero(t, report.IssuesRaised)
	require.Len(t, report.Unraised, 1)
	open, err := h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)

	h.clock.Advance(time.Hour)
	report, err = h.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, 1, report.IssuesRaised)
	assert.Empty(t, report.Unraised)

	open, err = h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "security-reviewer", open[0].AgentKey)
	assert.Equal(t, 1, open[0].Occurrences)

	h.clock.Advance(time.Hour)
	_, err = h.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.raiser.calls)
}

func TestScanRetryDefersToFreshFinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, v := range append(scenario, 7) {
		h.observe(t, "security-reviewer", "vulnerability_count", i, v)
	}
	h.raiser.failures = 1
	h.clock.Set(t0.Add(14*24*time.Hour + time.Hour))
	_, err := h.detector.Scan(ctx)
	require.Error(t, err)

	h.observe(t, "security-reviewer", "vulnerability_count", 15, 7)
	h.clock.Set(t0.Add(15*24*time.Hour + time.Hour))
	report, err := h.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IssuesRaised)

	open, err := h.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].Occurrences)
}
