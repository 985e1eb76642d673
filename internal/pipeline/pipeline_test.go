package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/pipeline"
	"github.com/holidaibutler/warden/internal/service/anomaly"
	"github.com/holidaibutler/warden/internal/service/baseline"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/service/correlation"
	"github.com/holidaibutler/warden/internal/service/issues"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/reports"
	"github.com/holidaibutler/warden/internal/service/runs"
	"github.com/holidaibutler/warden/internal/service/settings"
	"github.com/holidaibutler/warden/internal/service/status"
	"github.com/holidaibutler/warden/internal/testutil"
	"github.com/holidaibutler/warden/internal/testutil/memstore"
)

var t0 = time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)

const catalogYAML = `
agents:
  - key: security-reviewer
    name: Security reviewer
    schedule: 24h
    sla_class: P2
  - key: content-curator
    name: Content curator
    schedule: 24h
    sla_class: P3
    destinations: [calpe, texel]
metrics:
  vulnerability_count:
    label: vulnerability count
    polarity: higher_is_worse
    severity: P2
`

var history = []float64{3, 3, 2, 4, 3, 3, 2, 3, 4, 3, 2, 3, 3, 3}

type recordingNotifier struct {
	mu      sync.Mutex
	digests []model.Digest
}

func (n *recordingNotifier) Notify(_ context.Context, d model.Digest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digests = append(n.digests, d)
	return nil
}

type stack struct {
	store    *memstore.Store
	clock    *clock.Fake
	runs     *runs.Service
	tracker  *issues.Tracker
	briefing *briefing.Service
	notifier *recordingNotifier
	runner   *pipeline.Runner
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	store := memstore.New()
	clk := clock.NewFake(t0)

	destinations := []string{"calpe", "texel"}
	cat, err := registry.ParseCatalog([]byte(catalogYAML), destinations)
	require.NoError(t, err)
	reg := registry.New(store, registry.Options{KnownDestinations: destinations, Clock: clk}, logger)
	require.NoError(t, reg.Apply(ctx, cat))

	st := settings.New(store, settings.Defaults(), logger)
	tracker := issues.New(store, st, clk, logger)
	cache := reports.New(store)
	notifier := &recordingNotifier{}
	brief := briefing.New(status.NewService(reg, store, clk), tracker, cache, store, notifier,
		briefing.Options{Clock: clk, Sleep: func(context.Context, time.Duration) error { return nil }}, logger)

	runner := pipeline.NewRunner(logger, pipeline.Jobs(pipeline.Passes{
		Anomaly:     anomaly.New(store, reg, tracker, st, cache, clk, logger),
		Sweep:       tracker,
		Correlation: correlation.New(cache, tracker, st, nil, clk, logger),
		Briefing:    brief,
		Retention:   store,
		RetainFor:   30 * 24 * time.Hour,
		Clock:       clk,
	}, pipeline.Intervals{})...)

	return &stack{
		store:    store,
		clock:    clk,
		runs:     runs.New(store, reg, baseline.New(store, 0, logger), logger),
		tracker:  tracker,
		briefing: brief,
		notifier: notifier,
		runner:   runner,
	}
}

func day(n int) time.Time { return t0.Add(time.Duration(n) * 24 * time.Hour) }

func (s *stack) report(t *testing.T, agent, dest string, n int, vulns float64) {
	t.Helper()
	_, inserted, err := s.runs.Submit(context.Background(), model.CreateRunRequest{
		AgentKey:    agent,
		Destination: dest,
		StartedAt:   day(n),
		DurationMs:  1200,
		Status:      model.RunStatusSuccess,
		Metrics:     model.Metrics{{Name: "vulnerability_count", Value: vulns}},
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func (s *stack) runJob(t *testing.T, name string, at time.Time) {
	t.Helper()
	s.clock.Set(at)
	require.NoError(t, s.runner.RunNow(context.Background(), name))
}

func TestVulnerabilitySpikeOpensIssueThenRepeats(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for i, v := range history {
		s.report(t, "security-reviewer", "", i, v)
	}
	s.report(t, "security-reviewer", "", 14, 7)
	s.runJob(t, pipeline.JobAnomaly, day(14).Add(time.Hour))

	open, err := s.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	first := open[0]
	assert.Equal(t, "security-reviewer", first.AgentKey)
	assert.Equal(t, model.SeverityP2, first.Severity)
	assert.Equal(t, model.IssueOpen, first.Status)
	assert.Equal(t, 1, first.Occurrences)
	assert.Equal(t, 72*time.Hour, first.SLADeadline.Sub(first.OpenedAt))

	latest, err := s.store.LatestScanReport(ctx, model.FindingAnomaly)
	require.NoError(t, err)
	worse := latest.Worse()
	require.Len(t, worse, 1)
	assert.Equal(t, model.DirectionRose, worse[0].Direction)
	assert.Greater(t, worse[0].Deviation, 5.0)

	// Same finding the next day, before anyone resolved the issue.
	s.report(t, "security-reviewer", "", 15, 7)
	s.runJob(t, pipeline.JobAnomaly, day(15).Add(time.Hour))

	open, err = s.tracker.ListOpen(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, 2, open[0].Occurrences)
	assert.Equal(t, model.IssueOpen, open[0].Status)
	assert.Equal(t, first.OpenedAt, open[0].OpenedAt)
}

func TestNightlySweepClosesStaleIssue(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	issue, created, err := s.tracker.Raise(ctx, model.Finding{
		Kind:       model.FindingAnomaly,
		AgentKey:   "content-curator",
		Severity:   model.SeverityP3,
		DedupKey:   "anomaly:stale-example",
		Title:      "items published fell",
		Narrative:  "items published fell from baseline 12±2 to 3",
		Assessment: model.AssessmentWorse,
		DetectedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, created)

	s.runJob(t, pipeline.JobSweep, t0.Add(15*24*time.Hour))

	got, err := s.tracker.Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IssueAutoClosed, got.Status)
	require.NotNil(t, got.ResolvedAt)
}

func TestConcurrentDeclineMakesBriefingUrgent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for i, v := range history {
		s.report(t, "security-reviewer", "", i, v)
		s.report(t, "content-curator", "calpe", i, v)
	}
	s.report(t, "security-reviewer", "", 14, 7)
	s.report(t, "content-curator", "calpe", 14, 9)

	s.runJob(t, pipeline.JobAnomaly, day(14).Add(time.Hour))
	s.runJob(t, pipeline.JobCorrelation, day(14).Add(2*time.Hour))

	intel, err := s.store.LatestScanReport(ctx, model.FindingCorrelation)
	require.NoError(t, err)
	require.NotEmpty(t, intel.Findings)
	assert.Equal(t, correlation.RuleConcurrentDecline, intel.Findings[0].Rule)
	assert.Equal(t, model.SeverityP1, intel.Findings[0].Severity)

	s.runJob(t, pipeline.JobBriefing, day(14).Add(3*time.Hour))

	d, err := s.briefing.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, d.Urgent)
	assert.Len(t, d.OpenIssues, 3)
	assert.NotEmpty(t, d.Correlations)
	require.NotNil(t, d.DeliveredAt)

	s.notifier.mu.Lock()
	defer s.notifier.mu.Unlock()
	require.Len(t, s.notifier.digests, 1)
	assert.Equal(t, d.ID, s.notifier.digests[0].ID)
}

func TestRunNowUnknownJob(t *testing.T) {
	r := pipeline.NewRunner(testutil.TestLogger())
	assert.ErrorIs(t, r.RunNow(context.Background(), "nope"), pipeline.ErrUnknownJob)
}

func TestRunnerTicksAndIsolatesFailures(t *testing.T) {
	var good, bad atomic.Int32
	r := pipeline.NewRunner(testutil.TestLogger(),
		pipeline.Job{Name: "good", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			good.Add(1)
			return nil
		}},
		pipeline.Job{Name: "bad", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			bad.Add(1)
			return errors.New("boom")
		}},
		pipeline.Job{Name: "disabled", Run: func(context.Context) error {
			t.Error("disabled job ran")
			return nil
		}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	assert.Eventually(t, func() bool { return good.Load() >= 3 && bad.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	r.Wait()
}

func TestRunNowWrapsJobError(t *testing.T) {
	sentinel := errors.New("scan failed")
	r := pipeline.NewRunner(testutil.TestLogger(), pipeline.Job{Name: pipeline.JobAnomaly, Run: func(context.Context) error {
		return sentinel
	}})
	err := r.RunNow(context.Background(), pipeline.JobAnomaly)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetentionKeepsNewestRunPerTarget(t *testing.T) {
	s := newStack(t)

	for i := range 14 {
		s.report(t, "security-reviewer", "", i, 3)
	}
	s.report(t, "content-curator", "calpe", 2, 3)
	s.report(t, "content-curator", "calpe", 40, 3)

	s.runJob(t, pipeline.JobRetention, day(50))

	var kept []string
	for _, r := range s.store.Runs() {
		kept = append(kept, r.AgentKey+"@"+r.StartedAt.Format("2006-01-02"))
	}
	assert.ElementsMatch(t, []string{
		"security-reviewer@" + day(13).Format("2006-01-02"),
		"content-curator@" + day(40).Format("2006-01-02"),
	}, kept)
}

func TestRetentionDisabledWithoutWindow(t *testing.T) {
	r := pipeline.NewRunner(testutil.TestLogger(), pipeline.Jobs(pipeline.Passes{
		Retention: memstore.New(),
	}, pipeline.Intervals{Retention: time.Hour})...)
	assert.ErrorIs(t, r.RunNow(context.Background(), pipeline.JobRetention), pipeline.ErrUnknownJob)
}
