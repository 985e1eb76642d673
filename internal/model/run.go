package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DestinationGlobal is the scope used when an agent is not tenant-specific.
const DestinationGlobal = "global"

// Target is one (agent, destination) unit of scheduled work.
type Target struct {
	AgentKey    string
	Destination string
}

func (t Target) String() string {
	return t.AgentKey + "@" + t.Destination
}

// RunStatus is the outcome of one agent execution.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

// Metric is one named measurement reported by a run.
type Metric struct {
	Name  string
	Value float64
}

// Metrics is an ordered mapping of metric name to value. It encodes as a
// JSON object and keeps the order keys were reported in.
type Metrics []Metric

// Get returns the value of the named metric.
func (m Metrics) Get(name string) (float64, bool) {
	for _, v := range m {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// Set replaces the named metric in place, or appends it.
func (m Metrics) Set(name string, value float64) Metrics {
	for i := range m {
		if m[i].Name == name {
			m[i].Value = value
			return m
		}
	}
	return append(m, Metric{Name: name, Value: value})
}

// Names returns metric names in reported order.
func (m Metrics) Names() []string {
	out := make([]string, len(m))
	for i, v := range m {
		out[i] = v.Name
	}
	return out
}

// Values returns metric values in reported order.
func (m Metrics) Values() []float64 {
	out := make([]float64, len(m))
	for i, v := range m {
		out[i] = v.Value
	}
	return out
}

// MetricsFromColumns zips parallel name/value columns back into Metrics.
func MetricsFromColumns(names []string, values []float64) Metrics {
	n := min(len(names), len(values))
	out := make(Metrics, 0, n)
	for i := range n {
		out = append(out, Metric{Name: names[i], Value: values[i]})
	}
	return out
}

// MarshalJSON encodes the metrics as an object in reported order.
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

// UnmarshalJSON decodes an object, keeping key order. Repeated keys keep
// the first position and the last value.
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
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metric name must be a string")
		}
		var v float64
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("metric %q must be numeric", name)
		}
		out = out.Set(name, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// RunRecord is one append-only execution result. Identity is
// (AgentKey, Destination, StartedAt).
type RunRecord struct {
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

// CreateRunRequest is the request body for POST /runs.
type CreateRunRequest struct {
	AgentKey    string         `json:"agent_key"`
	Destination string         `json:"destination,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
	Status      RunStatus      `json:"status"`
	Metrics     Metrics        `json:"metrics,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// CreateRunResponse is the response for POST /runs. Duplicate is true when
// a run with the same identity was already recorded.
type CreateRunResponse struct {
	Run       RunRecord `json:"run"`
	Duplicate bool      `json:"duplicate"`
}

// MaxMetricsPerRun bounds how many metrics one run may report.
const MaxMetricsPerRun = 64

// Validate checks field-level constraints and fills the destination default.
func (r *CreateRunRequest) Validate() error {
	if err := ValidateAgentKey(r.AgentKey); err != nil {
		return err
	}
	if r.Destination == "" {
		r.Destination = DestinationGlobal
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if r.DurationMs < 0 {
		return fmt.Errorf("duration_ms must not be negative")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("status must be one of success, failed, skipped")
	}
	if len(r.Metrics) > MaxMetricsPerRun {
		return fmt.Errorf("at most %d metrics per run", MaxMetricsPerRun)
	}
	for _, m := range r.Metrics {
		if m.Name == "" {
			return fmt.Errorf("metric names must not be empty")
		}
	}
	return nil
}

// Record converts the request into a RunRecord ready for the audit store.
func (r CreateRunRequest) Record() RunRecord {
	details := r.Details
	if details == nil {
		details = map[string]any{}
	}
	return RunRecord{
		ID:          uuid.New(),
		AgentKey:    r.AgentKey,
		Destination: r.Destination,
		StartedAt:   r.StartedAt.UTC(),
		DurationMs:  r.DurationMs,
		Status:      r.Status,
		Metrics:     r.Metrics,
		Details:     details,
		Attempts:    1,
	}
}

// MetricTrend annotates one metric of a run with its baseline.
type MetricTrend struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Mean      *float64  `json:"baseline_mean,omitempty"`
	StdDev    *float64  `json:"baseline_stddev,omitempty"`
	Deviation *float64  `json:"deviation,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// RunResult is a RunRecord annotated with per-metric baseline trends, as
// served by GET /agents/{key}/results.
type RunResult struct {
	RunRecord
	Trends []MetricTrend `json:"trends,omitempty"`
}
