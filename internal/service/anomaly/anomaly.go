// Package anomaly compares each baseline's latest observation against its
// rolling window and raises deteriorations as issues.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/integrity"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/settings"
	"github.com/holidaibutler/warden/internal/storage"
	"github.com/holidaibutler/warden/internal/telemetry"
)

// Params are the detection thresholds for one pass.
type Params struct {
	K          float64
	MinSamples int
}

// Evaluate checks one baseline. It reports a finding when the latest value
// lies more than K standard deviations from the window mean. Baselines with
// fewer than MinSamples prior observations, no latest value, or a constant
// window never produce a finding.
func Evaluate(b model.Baseline, p registry.MetricPolicy, params Params, at time.Time) (model.Finding, bool) {
	if b.Latest == nil || b.SampleCount < params.MinSamples || b.SampleCount == 0 {
		return model.Finding{}, false
	}
	if b.StdDev == 0 || math.IsNaN(b.StdDev) {
		return model.Finding{}, false
	}
	latest := *b.Latest
	deviation := math.Abs(latest-b.Mean) / b.StdDev
	if deviation <= params.K {
		return model.Finding{}, false
	}

	dir := model.DirectionRose
	if latest < b.Mean {
		dir = model.DirectionFell
	}
	assessment := model.AssessmentBetter
	if p.Worse(dir) {
		assessment = model.AssessmentWorse
	}
	severity := p.Severity
	if !severity.Valid() {
		severity = model.SeverityP3
	}
	subject := describe(p)

	return model.Finding{
		Kind:       model.FindingAnomaly,
		Severity:   severity,
		DedupKey:   integrity.DedupKey(string(model.FindingAnomaly), b.AgentKey, b.MetricName, string(dir)),
		AgentKey:   b.AgentKey,
		MetricName: b.MetricName,
		Direction:  dir,
		Assessment: assessment,
		Label:      label(p, dir, assessment),
		Title:      fmt.Sprintf("%s: %s %s", b.AgentKey, subject, dir),
		Narrative: fmt.Sprintf("%s %s from baseline %s%s±%s to %s%s",
			subject, dir, num(b.Mean), p.Unit, num(b.StdDev), num(latest), p.Unit),
		Deviation:  deviation,
		Evidence:   []model.EvidenceRef{{Type: "baseline", Ref: b.AgentKey + "/" + b.MetricName}},
		DetectedAt: at,
	}, true
}

func describe(p registry.MetricPolicy) string {
	if p.Label != "" && p.Label != p.Name {
		return p.Label
	}
	return strings.ReplaceAll(p.Name, "_", " ")
}

// label words the movement. Durations read as FASTER or SLOWER.
func label(p registry.MetricPolicy, dir model.Direction, a model.Assessment) string {
	if isDuration(p) {
		if dir == model.DirectionFell {
			return "FASTER"
		}
		return "SLOWER"
	}
	return string(a)
}

func isDuration(p registry.MetricPolicy) bool {
	switch p.Unit {
	case "ms", "s":
		return true
	}
	return strings.HasSuffix(p.Name, "_ms") || strings.Contains(p.Name, "duration") || strings.Contains(p.Name, "latency")
}

// num renders v with at most one decimal.
func num(v float64) string {
	s := strconv.FormatFloat(math.Round(v*10)/10, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}

// Baselines lists rolling statistics.
type Baselines interface {
	ListBaselines(ctx context.Context, agentKey string) ([]model.Baseline, error)
}

// Registry provides descriptors and metric policies.
type Registry interface {
	List(ctx context.Context) ([]model.AgentDescriptor, error)
	Policy(name string) registry.MetricPolicy
}

// Raiser turns findings into issues.
type Raiser interface {
	Raise(ctx context.Context, f model.Finding) (model.Issue, bool, error)
}

// Settings resolves the detection thresholds.
type Settings interface {
	Resolve(ctx context.Context) (settings.Values, error)
}

// Reports persists scan output.
type Reports interface {
	InsertScanReport(ctx context.Context, r *model.ScanReport) error
	LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error)
}

// Detector runs anomaly passes.
type Detector struct {
	baselines Baselines
	registry  Registry
	raiser    Raiser
	settings  Settings
	reports   Reports
	clock     clock.Clock
	logger    *slog.Logger

	findings metric.Int64Counter
}

// New creates a detector.
func New(baselines Baselines, reg Registry, raiser Raiser, s Settings, reports Reports, clk clock.Clock, logger *slog.Logger) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Detector{
		baselines: baselines,
		registry:  reg,
		raiser:    raiser,
		settings:  s,
		reports:   reports,
		clock:     clk,
		logger:    logger,
		findings:  telemetry.Counter(telemetry.Meter("warden/anomaly"), "warden.anomaly.findings", "Anomaly findings by assessment"),
	}
}

// Scan evaluates every baseline of an active agent whose latest observation
// arrived after the previous pass started. WORSE findings are raised as
// issues; all findings are saved in the returned report. Raise failures are
// isolated per finding, joined into the returned error and kept in the
// report's Unraised list so the next pass retries them.
func (d *Detector) Scan(ctx context.Context) (model.ScanReport, error) {
	started := d.clock.Now()
	vals, err := d.settings.Resolve(ctx)
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("anomaly: scan: %w", err)
	}
	params := Params{K: vals.AnomalyK, MinSamples: vals.MinSamples}

	descriptors, err := d.registry.List(ctx)
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("anomaly: scan: %w", err)
	}
	active := make(map[string]bool, len(descriptors))
	for _, desc := range descriptors {
		active[desc.Key] = desc.Active
	}

	var since time.Time
	prev, err := d.reports.LatestScanReport(ctx, model.FindingAnomaly)
	switch {
	case err == nil:
		since = prev.StartedAt
	case !errors.Is(err, storage.ErrNotFound):
		return model.ScanReport{}, fmt.Errorf("anomaly: scan: %w", err)
	}

	baselines, err := d.baselines.ListBaselines(ctx, "")
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("anomaly: scan: %w", err)
	}

	report := model.ScanReport{Kind: model.FindingAnomaly, StartedAt: started, Findings: []model.Finding{}}
	var errs []error
	attempted := map[string]bool{}
	raise := func(f model.Finding) {
		attempted[f.DedupKey] = true
		if _, _, err := d.raiser.Raise(ctx, f); err != nil {
			errs = append(errs, err)
			report.Unraised = append(report.Unraised, f)
			d.logger.Error("anomaly: raise failed", "dedup_key", f.DedupKey, "error", err)
			return
		}
		report.IssuesRaised++
	}
	for _, b := range baselines {
		if !active[b.AgentKey] || b.LatestAt == nil || !b.LatestAt.After(since) {
			report.Skipped++
			continue
		}
		report.Scanned++
		f, ok := Evaluate(b, d.registry.Policy(b.MetricName), params, started)
		if !ok {
			if b.SampleCount < params.MinSamples {
				d.logger.Debug("anomaly: insufficient data",
					"agent_key", b.AgentKey, "metric", b.MetricName, "samples", b.SampleCount, "min_samples", params.MinSamples)
			}
			continue
		}
		report.Findings = append(report.Findings, f)
		d.findings.Add(ctx, 1, metric.WithAttributes(attribute.String("assessment", string(f.Assessment))))
		if f.Worse() {
			raise(f)
		}
	}
	for _, f := range prev.Unraised {
		if attempted[f.DedupKey] || !active[f.AgentKey] {
			continue
		}
		d.logger.Info("anomaly: retrying raise", "dedup_key", f.DedupKey, "detected_at", f.DetectedAt)
		raise(f)
	}

	report.CompletedAt = d.clock.Now()
	if err := d.reports.InsertScanReport(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("anomaly: save report: %w", err))
	}
	d.logger.Info("anomaly: scan complete",
		"scanned", report.Scanned, "skipped", report.Skipped,
		"findings", len(report.Findings), "issues_raised", report.IssuesRaised)
	return report, errors.Join(errs...)
}
