package model

import (
	"time"

	"github.com/google/uuid"
)

// DestinationSummary counts recent runs for one destination.
type DestinationSummary struct {
	Destination string `json:"destination"`
	Success     int    `json:"success"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Agents      int    `json:"agents"`
}

// StateCounts tallies agent states for the digest headline.
type StateCounts map[AgentState]int

// Digest is the periodic operator briefing.
type Digest struct {
	ID            uuid.UUID            `json:"id"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Urgent        bool                 `json:"urgent"`
	UrgentReasons []string             `json:"urgent_reasons,omitempty"`
	Counts        StateCounts          `json:"counts"`
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
