package model

import "time"

// AgentState is the derived health of an agent.
type AgentState string

const (
	StateHealthy     AgentState = "healthy"
	StateWarning     AgentState = "warning"
	StateError       AgentState = "error"
	StateDeactivated AgentState = "deactivated"
	StateUnknown     AgentState = "unknown"
)

// AgentStatus is recomputed on every query from a descriptor and its most
// recent runs. It is never persisted.
type AgentStatus struct {
	AgentKey      string     `json:"agent_key"`
	Name          string     `json:"name,omitempty"`
	State         AgentState `json:"state"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus *RunStatus `json:"last_run_status,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Baseline is the rolling statistic for one (agent, metric) pair.
//
// Window holds prior observations, oldest first, capped at WindowSize.
// Latest is the most recent observation, compared against the window by
// the anomaly pass and folded into it when the next observation arrives.
type Baseline struct {
	AgentKey    string     `json:"agent_key"`
	MetricName  string     `json:"metric_name"`
	Mean        float64    `json:"mean"`
	StdDev      float64    `json:"stddev"`
	SampleCount int        `json:"sample_count"`
	WindowSize  int        `json:"window_size"`
	Window      []float64  `json:"window"`
	Latest      *float64   `json:"latest,omitempty"`
	LatestAt    *time.Time `json:"latest_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
