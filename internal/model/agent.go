// Package model defines the core domain types for Warden.
//
// Types map onto database tables, API payloads, and the ephemeral values
// passed between the monitoring passes. They carry no behavior beyond
// validation and small lookups.
package model

import (
	"fmt"
	"time"
)

// Role represents the RBAC role assigned to an API client.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleReader Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Severity ranks issues and agent SLA classes. P1 is the most severe.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityP1, SeverityP2, SeverityP3, SeverityP4}

// Valid reports whether s is one of P1..P4.
func (s Severity) Valid() bool {
	return s.rank() > 0
}

// rank maps P1..P4 to 4..1 so that larger means more severe.
func (s Severity) rank() int {
	switch s {
	case SeverityP1:
		return 4
	case SeverityP2:
		return 3
	case SeverityP3:
		return 2
	case SeverityP4:
		return 1
	default:
		return 0
	}
}

// MoreSevere reports whether s outranks other.
func (s Severity) MoreSevere(other Severity) bool {
	return s.rank() > other.rank()
}

// Bump returns the next more severe level. P1 stays P1.
func (s Severity) Bump() Severity {
	switch s {
	case SeverityP4:
		return SeverityP3
	case SeverityP3:
		return SeverityP2
	default:
		return SeverityP1
	}
}

// MaxSeverity returns the most severe of the given levels, or P4 when empty.
func MaxSeverity(levels ...Severity) Severity {
	best := SeverityP4
	for _, l := range levels {
		if l.MoreSevere(best) {
			best = l
		}
	}
	return best
}

// Threshold bounds a metric on a single run. A breach marks the agent as
// degraded. Nil bounds are not checked.
type Threshold struct {
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
}

// Breached reports whether v falls outside the bounds.
func (t Threshold) Breached(v float64) bool {
	if t.Max != nil && v > *t.Max {
		return true
	}
	if t.Min != nil && v < *t.Min {
		return true
	}
	return false
}

// AgentDescriptor is the registry entry for one schedulable agent.
//
// Active is the effective flag: the catalog may declare an agent inactive,
// and an admin may deactivate it independently. Admin deactivation survives
// catalog reloads until explicitly cleared.
type AgentDescriptor struct {
	Key                string               `json:"key"`
	Name               string               `json:"name"`
	Capabilities       []string             `json:"capabilities"`
	Schedule           string               `json:"schedule"`
	Active             bool                 `json:"active"`
	SLAClass           Severity             `json:"sla_class"`
	Destinations       []string             `json:"destinations"`
	TimeoutSeconds     int                  `json:"timeout_seconds,omitempty"`
	Endpoint           string               `json:"endpoint,omitempty"`
	Thresholds         map[string]Threshold `json:"thresholds,omitempty"`
	Metadata           map[string]any       `json:"metadata"`
	DeactivationReason *string              `json:"deactivation_reason,omitempty"`
	DeactivatedAt      *time.Time           `json:"deactivated_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Timeout returns the per-descriptor timeout, or zero when unset.
func (d AgentDescriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// TargetDestinations returns the destinations the agent runs against,
// defaulting to the global scope.
func (d AgentDescriptor) TargetDestinations() []string {
	if len(d.Destinations) == 0 {
		return []string{DestinationGlobal}
	}
	return d.Destinations
}

// ValidateAgentKey checks that an agent key conforms to the allowed format.
// Keys must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores, up to 64 characters.
func ValidateAgentKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("agent key is required")
	}
	if len(key) > 64 {
		return fmt.Errorf("agent key must be at most 64 characters")
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("agent key must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("agent key contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
