package briefing_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/integrity"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/testutil"
	"github.com/holidaibutler/warden/internal/testutil/memstore"
)

var now = time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

func issue(title string, sev model.Severity, opened time.Time, sla time.Duration) model.Issue {
	return model.Issue{
		ID: uuid.New(), Title: title, Severity: sev, Status: model.IssueOpen,
		OpenedAt: opened, SLADeadline: opened.Add(sla), Occurrences: 1,
	}
}

func TestComposeQuietDay(t *testing.T) {
	d := briefing.Compose(briefing.Input{
		Now: now,
		Statuses: []model.AgentStatus{
			{AgentKey: "seo-auditor", State: model.StateHealthy},
			{AgentKey: "content-curator", State: model.StateWarning, Reason: "overdue"},
		},
		OpenIssues: []model.Issue{issue("minor", model.SeverityP3, now.Add(-time.Hour), 168*time.Hour)},
	})
	assert.False(t, d.Urgent)
	assert.Empty(t, d.UrgentReasons)
	assert.Equal(t, 1, d.Counts[model.StateHealthy])
	assert.Equal(t, 1, d.Counts[model.StateWarning])
	assert.Equal(t, "content-curator", d.Statuses[0].AgentKey)
	assert.Empty(t, d.OverdueIssues)
	assert.NotNil(t, d.Anomalies)
	assert.NotNil(t, d.Correlations)
}

func TestComposeUrgentOnP1(t *testing.T) {
	d := briefing.Compose(briefing.Input{
		Now: now,
		OpenIssues: []model.Issue{
			issue("later", model.SeverityP3, now.Add(-time.Hour), 168*time.Hour),
			issue("fire", model.SeverityP1, now.Add(-48*time.Hour), 24*time.Hour),
		},
	})
	assert.True(t, d.Urgent)
	require.Len(t, d.UrgentReasons, 1)
	assert.Contains(t, d.UrgentReasons[0], "P1")
	assert.Equal(t, "fire", d.OpenIssues[0].Title)
	require.Len(t, d.OverdueIssues, 1)
	assert.Equal(t, "fire", d.OverdueIssues[0].Title)
}

func TestComposeUrgentOnCorrelation(t *testing.T) {
	d := briefing.Compose(briefing.Input{
		Now: now,
		Anomaly: &model.ScanReport{Findings: []model.Finding{
			{Kind: model.FindingAnomaly, AgentKey: "a", Assessment: model.AssessmentWorse},
			{Kind: model.FindingAnomaly, AgentKey: "b", Assessment: model.AssessmentBetter},
		}},
		Correlation: &model.ScanReport{Findings: []model.Finding{
			{Kind: model.FindingCorrelation, Rule: "concurrent_decline", Severity: model.SeverityP1},
		}},
	})
	assert.True(t, d.Urgent)
	assert.Len(t, d.Anomalies, 1)
	assert.Len(t, d.Improvements, 1)
	assert.Len(t, d.Correlations, 1)
}

func TestMarkdown(t *testing.T) {
	d := briefing.Compose(briefing.Input{
		Now: now,
		Statuses: []model.AgentStatus{
			{AgentKey: "security-reviewer", State: model.StateError, Reason: "last run failed: timeout"},
			{AgentKey: "seo-auditor", State: model.StateHealthy},
		},
		OpenIssues: []model.Issue{issue("security-reviewer: vulnerability count rose", model.SeverityP2, now.Add(-96*time.Hour), 72*time.Hour)},
		Anomaly: &model.ScanReport{Findings: []model.Finding{{
			Kind: model.FindingAnomaly, AgentKey: "security-reviewer", Severity: model.SeverityP2,
			Assessment: model.AssessmentWorse, Label: "WORSE", Deviation: 6.86,
			Narrative: "vulnerability count rose from baseline 2.9±0.6 to 7",
		}}},
		Destinations: []model.DestinationSummary{{Destination: "texel", Success: 5, Failed: 1, Agents: 2}},
	})
	md := briefing.Markdown(d)
	assert.True(t, strings.HasPrefix(md, "# Warden briefing 2026-03-10 07:00 UTC"))
	assert.Contains(t, md, "1 healthy, 1 error")
	assert.Contains(t, md, "`security-reviewer` error: last run failed: timeout")
	assert.NotContains(t, md, "`seo-auditor`")
	assert.Contains(t, md, "**overdue**")
	assert.Contains(t, md, "vulnerability count rose from baseline 2.9±0.6 to 7 (WORSE, 6.9σ)")
	assert.Contains(t, md, "## Correlations (0)\n\nNone.")
	assert.Contains(t, md, "| texel | 5 | 1 | 0 | 2 |")
	assert.NotContains(t, md, "URGENT")
}

type staticStatuses []model.AgentStatus

func (s staticStatuses) All(context.Context) ([]model.AgentStatus, error) { return s, nil }

type openIssues []model.Issue

func (o openIssues) ListOpen(context.Context, model.IssueFilter) ([]model.Issue, error) { return o, nil }

type flakyNotifier struct {
	failures int
	calls    int
	got      []model.Digest
}

func (n *flakyNotifier) Notify(_ context.Context, d model.Digest) error {
	n.calls++
	if n.calls <= n.failures {
		return errors.New("connection refused")
	}
	n.got = append(n.got, d)
	return nil
}

func newService(t *testing.T, store *memstore.Store, n briefing.Notifier) *briefing.Service {
	t.Helper()
	return briefing.New(
		staticStatuses{{AgentKey: "security-reviewer", State: model.StateHealthy}},
		openIssues{issue("fire", model.SeverityP1, now, 24*time.Hour)},
		store, store, n,
		briefing.Options{Clock: clock.NewFake(now), Sleep: func(context.Context, time.Duration) error { return nil }},
		testutil.TestLogger(),
	)
}

func TestPublishDelivers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	n := &flakyNotifier{}
	svc := newService(t, store, n)

	d, err := svc.Publish(ctx)
	require.NoError(t, err)
	assert.True(t, d.Urgent)
	require.NotNil(t, d.DeliveredAt)
	assert.Equal(t, 1, n.calls)
	require.Len(t, n.got, 1)
	assert.Equal(t, d.ID, n.got[0].ID)

	latest, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.ID, latest.ID)
	require.NotNil(t, latest.DeliveredAt)
}

func TestPublishRetriesOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	n := &flakyNotifier{failures: 1}

	d, err := newService(t, store, n).Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n.calls)
	assert.NotNil(t, d.DeliveredAt)
	assert.Nil(t, d.DeliveryError)
}

func TestPublishDeliveryFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	n := &flakyNotifier{failures: 5}
	svc := newService(t, store, n)

	d, err := svc.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n.calls)
	require.NotNil(t, d.DeliveryError)
	assert.Contains(t, *d.DeliveryError, "connection refused")

	latest, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.ID, latest.ID)
	assert.Nil(t, latest.DeliveredAt)
	require.NotNil(t, latest.DeliveryError)
}

func TestLatestBeforeFirstBriefing(t *testing.T) {
	_, err := newService(t, memstore.New(), nil).Latest(context.Background())
	assert.ErrorIs(t, err, briefing.ErrNoBriefing)
}

type recordingPublisher struct {
	msgs []*nats.Msg
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *recordingPublisher) FlushWithContext(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return nats.ErrNoDeadlineContext
	}
	return nil
}

func TestNATSNotifierSetsMessageID(t *testing.T) {
	pub := &recordingPublisher{}
	n := briefing.NewNATSNotifier(pub, "")
	d := model.Digest{ID: uuid.New(), GeneratedAt: now, Urgent: true}

	require.NoError(t, n.Notify(context.Background(), d))
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, briefing.DefaultSubject, msg.Subject)
	assert.Equal(t, integrity.ContentHash(msg.Data), msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, d.ID.String(), msg.Header.Get("Warden-Briefing-Id"))
	assert.Equal(t, "true", msg.Header.Get("Warden-Urgent"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, d.ID.String(), body["id"])
	assert.Contains(t, body["markdown"], "# Warden briefing")
}
