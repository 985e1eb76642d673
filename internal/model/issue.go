package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// IssueStatus is the lifecycle state of an Issue.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueInProgress   IssueStatus = "in_progress"
	IssueResolved     IssueStatus = "resolved"
	IssueWontFix      IssueStatus = "wont_fix"
	IssueAutoClosed   IssueStatus = "auto_closed"
)

// Valid reports whether s is a known issue status.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueOpen, IssueAcknowledged, IssueInProgress, IssueResolved, IssueWontFix, IssueAutoClosed:
		return true
	}
	return false
}

// Unresolved reports whether the issue still holds its dedup key. Only one
// unresolved issue may exist per key.
func (s IssueStatus) Unresolved() bool {
	return s == IssueOpen || s == IssueAcknowledged || s == IssueInProgress
}

// Issue is a persistent, deduplicated, SLA-tracked problem record.
type Issue struct {
	ID             uuid.UUID   `json:"id"`
	DedupKey       string      `json:"dedup_key"`
	Kind           FindingKind `json:"kind"`
	Severity       Severity    `json:"severity"`
	Status         IssueStatus `json:"status"`
	AgentKey       string      `json:"agent_key,omitempty"`
	AgentKeys      []string    `json:"agent_keys,omitempty"`
	Title          string      `json:"title"`
	Narrative      string      `json:"narrative"`
	OpenedAt       time.Time   `json:"opened_at"`
	SLADeadline    time.Time   `json:"sla_deadline"`
	Occurrences    int         `json:"occurrences"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy     *string     `json:"resolved_by,omitempty"`
	ResolutionNote *string     `json:"resolution_note,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Overdue reports whether an unresolved issue has passed its SLA deadline.
func (i Issue) Overdue(now time.Time) bool {
	return i.Status.Unresolved() && now.After(i.SLADeadline)
}

// Involves reports whether the issue concerns agent, either directly or as
// one of a compound issue's agents.
func (i Issue) Involves(agent string) bool {
	return i.AgentKey == agent || slices.Contains(i.AgentKeys, agent)
}

// IssueFilter narrows issue queries. Empty fields match everything.
// AgentKey also matches compound issues that list the agent.
type IssueFilter struct {
	Statuses []IssueStatus
	Severity Severity
	AgentKey string
}

// UpdateIssueStatusRequest is the request body for PUT /issues/{id}/status.
type UpdateIssueStatusRequest struct {
	Status IssueStatus `json:"status"`
	Note   string      `json:"note,omitempty"`
}
