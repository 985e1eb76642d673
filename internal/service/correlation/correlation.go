// Package correlation evaluates compound rules over recent anomaly scans
// and the open issue backlog.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/settings"
	"github.com/holidaibutler/warden/internal/telemetry"
)

// ScanHistory is how many anomaly scans the rules consider.
const ScanHistory = 7

// Reports reads anomaly scans and saves correlation reports.
type Reports interface {
	RecentScanReports(ctx context.Context, kind model.FindingKind, limit int) ([]model.ScanReport, error)
	InsertScanReport(ctx context.Context, r *model.ScanReport) error
}

// Tracker lists open issues and raises compound findings.
type Tracker interface {
	ListOpen(ctx context.Context, filter model.IssueFilter) ([]model.Issue, error)
	Raise(ctx context.Context, f model.Finding) (model.Issue, bool, error)
}

// Settings resolves the backlog thresholds.
type Settings interface {
	Resolve(ctx context.Context) (settings.Values, error)
}

// Engine runs correlation passes.
type Engine struct {
	reports  Reports
	tracker  Tracker
	settings Settings
	rules    []Rule
	clock    clock.Clock
	logger   *slog.Logger

	fired metric.Int64Counter
}

// New creates an engine. A nil rules slice uses DefaultRules.
func New(reports Reports, tracker Tracker, s Settings, rules []Rule, clk clock.Clock, logger *slog.Logger) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		reports:  reports,
		tracker:  tracker,
		settings: s,
		rules:    rules,
		clock:    clk,
		logger:   logger,
		fired:    telemetry.Counter(telemetry.Meter("warden/correlation"), "warden.correlation.findings", "Compound findings by rule"),
	}
}

// Run evaluates every rule, raises the findings as issues, and saves the
// pass as a correlation report.
func (e *Engine) Run(ctx context.Context) (model.ScanReport, error) {
	started := e.clock.Now()
	vals, err := e.settings.Resolve(ctx)
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("correlation: run: %w", err)
	}
	scans, err := e.reports.RecentScanReports(ctx, model.FindingAnomaly, ScanHistory)
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("correlation: run: %w", err)
	}
	open, err := e.tracker.ListOpen(ctx, model.IssueFilter{})
	if err != nil {
		return model.ScanReport{}, fmt.Errorf("correlation: run: %w", err)
	}
	in := Input{
		Scans:            scans,
		Open:             open,
		Now:              started,
		BacklogThreshold: vals.BacklogThreshold,
		BacklogAge:       vals.BacklogAge,
	}

	report := model.ScanReport{
		Kind:      model.FindingCorrelation,
		StartedAt: started,
		Scanned:   len(scans),
		Findings:  []model.Finding{},
	}
	var errs []error
	for _, rule := range e.rules {
		for _, f := range rule.Evaluate(in) {
			report.Findings = append(report.Findings, f)
			e.fired.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule.Name())))
			if _, _, err := e.tracker.Raise(ctx, f); err != nil {
				errs = append(errs, err)
				e.logger.Error("correlation: raise failed", "rule", rule.Name(), "dedup_key", f.DedupKey, "error", err)
				continue
			}
			report.IssuesRaised++
		}
	}

	report.CompletedAt = e.clock.Now()
	if err := e.reports.InsertScanReport(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("correlation: save report: %w", err))
	}
	e.logger.Info("correlation: pass complete",
		"scans", len(scans), "open_issues", len(open), "findings", len(report.Findings))
	return report, errors.Join(errs...)
}
