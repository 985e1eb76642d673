package model

import (
	"time"

	"github.com/google/uuid"
)

// FindingKind distinguishes primary anomalies from compound correlations.
type FindingKind string

const (
	FindingAnomaly     FindingKind = "anomaly"
	FindingCorrelation FindingKind = "correlation"
)

// Direction is which way a metric moved relative to its baseline.
type Direction string

const (
	DirectionRose Direction = "rose"
	DirectionFell Direction = "fell"
)

// Assessment says whether a movement is bad or good for the metric.
type Assessment string

const (
	AssessmentWorse  Assessment = "WORSE"
	AssessmentBetter Assessment = "BETTER"
)

// EvidenceRef points at the record a finding was derived from.
type EvidenceRef struct {
	Type string `json:"type"` // "run", "baseline", "issue", or "finding"
	Ref  string `json:"ref"`
}

// Finding is an ephemeral detection awaiting deduplication into an Issue.
type Finding struct {
	Kind       FindingKind   `json:"kind"`
	Rule       string        `json:"rule,omitempty"`
	Severity   Severity      `json:"severity"`
	DedupKey   string        `json:"dedup_key"`
	AgentKey   string        `json:"agent_key,omitempty"`
	AgentKeys  []string      `json:"agent_keys,omitempty"`
	MetricName string        `json:"metric_name,omitempty"`
	Direction  Direction     `json:"direction,omitempty"`
	Assessment Assessment    `json:"assessment,omitempty"`
	Label      string        `json:"label,omitempty"` // e.g. WORSE, FASTER
	Title      string        `json:"title"`
	Narrative  string        `json:"narrative"`
	Deviation  float64       `json:"deviation,omitempty"`
	Evidence   []EvidenceRef `json:"evidence,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Worse reports whether the finding describes a deterioration.
func (f Finding) Worse() bool {
	return f.Kind == FindingCorrelation || f.Assessment == AssessmentWorse
}

// ScanReport is the persisted output of one anomaly or correlation pass.
// Unraised holds WORSE findings whose issue could not be raised; the next
// pass retries them.
type ScanReport struct {
	ID           uuid.UUID   `json:"id"`
	Kind         FindingKind `json:"kind"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
	Scanned      int         `json:"scanned"`
	Skipped      int         `json:"skipped"`
	IssuesRaised int         `json:"issues_raised"`
	Findings     []Finding   `json:"findings"`
	Unraised     []Finding   `json:"unraised,omitempty"`
}

// Worse returns the findings describing deteriorations.
func (r ScanReport) Worse() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Worse() {
			out = append(out, f)
		}
	}
	return out
}
