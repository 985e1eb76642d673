package warden

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of one agent execution.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Metric is one named measurement.
type Metric struct {
	Name  string
	Value float64
}

// Metrics encode as a JSON object in the order they were added. The server
// keeps that order when it reports results back.
type Metrics []Metric

// Add appends a metric, or replaces the value of one already present.
func (m Metrics) Add(name string, value float64) Metrics {
	for i := range m {
		if m[i].Name == name {
			m[i].Value = value
			return m
		}
	}
	return append(m, Metric{Name: name, Value: value})
}

// Get returns the value of the named metric.
func (m Metrics) Get(name string) (float64, bool) {
	for _, v := range m {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// MarshalJSON encodes the metrics as an ordered object.
func (m Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(v.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(v.Value)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", v.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping key order.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metrics must be a JSON object")
	}
	out := Metrics{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var v float64
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("metric %q must be numeric", name)
		}
		out = out.Add(name, v)
	}
	*m = out
	return nil
}

// RunReport describes a run the caller executed itself. An empty
// Destination means "global".
type RunReport struct {
	AgentKey    string         `json:"agent_key"`
	Destination string         `json:"destination,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
	Status      RunStatus      `json:"status"`
	Metrics     Metrics        `json:"metrics,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Run is a recorded execution.
type Run struct {
	ID          uuid.UUID      `json:"id"`
	AgentKey    string         `json:"agent_key"`
	Destination string         `json:"destination"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
	Status      RunStatus      `json:"status"`
	Metrics     Metrics        `json:"metrics"`
	Details     map[string]any `json:"details"`
	Attempts    int            `json:"attempts"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// ReportRunResponse is returned by ReportRun. Duplicate is true when the
// server already held a run with the same agent, destination and start
// time; resubmitting is always safe.
type ReportRunResponse struct {
	Run       Run  `json:"run"`
	Duplicate bool `json:"duplicate"`
}

// Trend compares one metric of a run with the agent's baseline.
type Trend struct {
	Name      string   `json:"name"`
	Value     float64  `json:"value"`
	Mean      *float64 `json:"baseline_mean,omitempty"`
	StdDev    *float64 `json:"baseline_stddev,omitempty"`
	Deviation *float64 `json:"deviation,omitempty"`
	Direction string   `json:"direction,omitempty"`
}

// RunResult is a recorded run annotated with baseline trends.
type RunResult struct {
	Run
	Trends []Trend `json:"trends,omitempty"`
}

// AgentState is the derived health of an agent.
type AgentState string

const (
	StateHealthy     AgentState = "healthy"
	StateWarning     AgentState = "warning"
	StateError       AgentState = "error"
	StateDeactivated AgentState = "deactivated"
	StateUnknown     AgentState = "unknown"
)

// AgentStatus is an agent's derived state.
type AgentStatus struct {
	AgentKey      string     `json:"agent_key"`
	Name          string     `json:"name,omitempty"`
	State         AgentState `json:"state"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus *RunStatus `json:"last_run_status,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Issue is a tracked finding.
type Issue struct {
	ID             uuid.UUID  `json:"id"`
	DedupKey       string     `json:"dedup_key"`
	Kind           string     `json:"kind"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	AgentKey       string     `json:"agent_key,omitempty"`
	AgentKeys      []string   `json:"agent_keys,omitempty"`
	Title          string     `json:"title"`
	Narrative      string     `json:"narrative"`
	OpenedAt       time.Time  `json:"opened_at"`
	SLADeadline    time.Time  `json:"sla_deadline"`
	Occurrences    int        `json:"occurrences"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     *string    `json:"resolved_by,omitempty"`
	ResolutionNote *string    `json:"resolution_note,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IssueQuery filters ListIssues. Zero fields are not sent.
type IssueQuery struct {
	Statuses []string
	Severity string
	AgentKey string
	Limit    int
	Offset   int
}

// IssueList is one page of issues.
type IssueList struct {
	Issues  []Issue
	Total   int
	HasMore bool
}

// Finding is one anomaly or correlation as carried in a briefing.
type Finding struct {
	Kind       string    `json:"kind"`
	Rule       string    `json:"rule,omitempty"`
	Severity   string    `json:"severity"`
	AgentKey   string    `json:"agent_key,omitempty"`
	AgentKeys  []string  `json:"agent_keys,omitempty"`
	MetricName string    `json:"metric_name,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	Assessment string    `json:"assessment,omitempty"`
	Label      string    `json:"label,omitempty"`
	Title      string    `json:"title"`
	Narrative  string    `json:"narrative"`
	Deviation  float64   `json:"deviation,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// DestinationSummary counts recent runs for one destination.
type DestinationSummary struct {
	Destination string `json:"destination"`
	Success     int    `json:"success"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Agents      int    `json:"agents"`
}

// Briefing is a composed digest.
type Briefing struct {
	ID            uuid.UUID            `json:"id"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Urgent        bool                 `json:"urgent"`
	UrgentReasons []string             `json:"urgent_reasons,omitempty"`
	Counts        map[AgentState]int   `json:"counts"`
	Statuses      []AgentStatus        `json:"statuses"`
	OpenIssues    []Issue              `json:"open_issues"`
	OverdueIssues []Issue              `json:"overdue_issues,omitempty"`
	Anomalies     []Finding            `json:"anomalies"`
	Improvements  []Finding            `json:"improvements,omitempty"`
	Correlations  []Finding            `json:"correlations"`
	Destinations  []DestinationSummary `json:"destinations,omitempty"`
	DeliveredAt   *time.Time           `json:"delivered_at,omitempty"`
	DeliveryError *string              `json:"delivery_error,omitempty"`
}

// Health is the server's liveness report.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Scheduler string `json:"scheduler"`
	InFlight  int    `json:"in_flight"`
	Notifier  string `json:"notifier,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
