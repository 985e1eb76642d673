package warden

import "time"

// Task is one attempt at running an agent against a destination, as handed
// to an executor registered with WithExecutor.
type Task struct {
	AgentKey    string
	Destination string
	Endpoint    string
	ScheduledAt time.Time
	Attempt     int
}

// Metric is one named measurement.
type Metric struct {
	Name  string
	Value float64
}

// Result is what a successful execution reports. Metrics keep the order
// they are listed in.
type Result struct {
	Metrics []Metric
	Details map[string]any
}

// Briefing is a composed digest as delivered to a Notifier.
type Briefing struct {
	ID            string
	GeneratedAt   time.Time
	Urgent        bool
	UrgentReasons []string
	OpenIssues    int
	Markdown      string
}
