// Package briefing composes the periodic operator digest and hands it to a
// notifier.
package briefing

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/status"
)

// Input is the raw material of one digest.
type Input struct {
	Now          time.Time
	Statuses     []model.AgentStatus
	OpenIssues   []model.Issue
	Anomaly      *model.ScanReport
	Correlation  *model.ScanReport
	Destinations []model.DestinationSummary
}

// Compose aggregates in into a digest. It is pure; the digest is urgent
// when any open issue is P1 or the latest correlation pass found anything.
func Compose(in Input) model.Digest {
	d := model.Digest{
		GeneratedAt:  in.Now,
		Counts:       status.Counts(in.Statuses),
		Statuses:     slices.Clone(in.Statuses),
		OpenIssues:   slices.Clone(in.OpenIssues),
		Anomalies:    []model.Finding{},
		Correlations: []model.Finding{},
		Destinations: in.Destinations,
	}
	if d.Statuses == nil {
		d.Statuses = []model.AgentStatus{}
	}
	if d.OpenIssues == nil {
		d.OpenIssues = []model.Issue{}
	}
	slices.SortFunc(d.Statuses, func(a, b model.AgentStatus) int { return cmp.Compare(a.AgentKey, b.AgentKey) })
	slices.SortStableFunc(d.OpenIssues, func(a, b model.Issue) int {
		if a.Severity != b.Severity {
			return cmp.Compare(a.Severity, b.Severity)
		}
		return a.OpenedAt.Compare(b.OpenedAt)
	})

	var p1 int
	for _, i := range d.OpenIssues {
		if i.Severity == model.SeverityP1 {
			p1++
		}
		if i.Overdue(in.Now) {
			d.OverdueIssues = append(d.OverdueIssues, i)
		}
	}
	if in.Anomaly != nil {
		for _, f := range in.Anomaly.Findings {
			if f.Worse() {
				d.Anomalies = append(d.Anomalies, f)
			} else {
				d.Improvements = append(d.Improvements, f)
			}
		}
	}
	if in.Correlation != nil {
		d.Correlations = append(d.Correlations, in.Correlation.Findings...)
	}

	if p1 > 0 {
		d.UrgentReasons = append(d.UrgentReasons, fmt.Sprintf("%d open P1 issue(s)", p1))
	}
	if n := len(d.Correlations); n > 0 {
		d.UrgentReasons = append(d.UrgentReasons, fmt.Sprintf("%d correlation finding(s)", n))
	}
	d.Urgent = len(d.UrgentReasons) > 0
	return d
}
