// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy implements the enforcement orchestrator: rule
// generation from intents, validation, conflict detection, versioned
// persistence, and vendor fan-out.
package policy

import (
	"fmt"
	"time"
)

// Action is the closed set of things a rule can do to matching traffic.
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionDeny       Action = "DENY"
	ActionDrop       Action = "DROP"
	ActionReject     Action = "REJECT"
	ActionRateLimit  Action = "RATE_LIMIT"
	ActionLog        Action = "LOG"
	ActionQuarantine Action = "QUARANTINE"
	ActionMonitor    Action = "MONITOR"
)

// ValidActions enumerates every accepted action.
var ValidActions = []Action{
	ActionAllow, ActionDeny, ActionDrop, ActionReject,
	ActionRateLimit, ActionLog, ActionQuarantine, ActionMonitor,
}

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	for _, v := range ValidActions {
		if a == v {
			return true
		}
	}
	return false
}

// passive actions never conflict with anything.
func (a Action) passive() bool {
	return a == ActionMonitor || a == ActionLog
}

// RateLimit carries the token-bucket parameters for RATE_LIMIT rules.
type RateLimit struct {
	PacketsPerSecond int `json:"pps"`
	Burst            int `json:"burst"`
}

// Rule is one enforceable statement, fully concrete after generation.
type Rule struct {
	ID          string     `json:"id"`
	Action      Action     `json:"action"`
	Protocol    string     `json:"protocol"`
	SourceCIDR  string     `json:"source_cidr"`
	DestIP      string     `json:"dest_ip,omitempty"`
	DestPort    int        `json:"dest_port,omitempty"`
	Direction   string     `json:"direction"`
	Priority    int        `json:"priority"`
	RateLimit   *RateLimit `json:"rate_limit,omitempty"`
	Duration    float64    `json:"duration,omitempty"` // seconds; 0 = no expiry
	Description string     `json:"description,omitempty"`
}

// SelectorKey is the conflict-index key: wildcard fields collapse to "*"
// so overlapping selectors collide.
func (r *Rule) SelectorKey() string {
	src := r.SourceCIDR
	if src == "" {
		src = "*"
	}
	dst := r.DestIP
	if dst == "" {
		dst = "*"
	}
	port := "*"
	if r.DestPort != 0 {
		port = fmt.Sprintf("%d", r.DestPort)
	}
	return fmt.Sprintf("%s:%s:%s:%s", src, dst, port, r.Protocol)
}

// ContentEqual compares everything except the generated ID.
func (r *Rule) ContentEqual(o *Rule) bool {
	if r.Action != o.Action || r.Protocol != o.Protocol ||
		r.SourceCIDR != o.SourceCIDR || r.DestIP != o.DestIP ||
		r.DestPort != o.DestPort || r.Direction != o.Direction ||
		r.Priority != o.Priority || r.Duration != o.Duration {
		return false
	}
	if (r.RateLimit == nil) != (o.RateLimit == nil) {
		return false
	}
	if r.RateLimit != nil && *r.RateLimit != *o.RateLimit {
		return false
	}
	return true
}

// Intent is the operator-facing request a policy is generated from.
type Intent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Action      Action `json:"action"`

	SourceIP      string   `json:"source_ip,omitempty"`
	SourceIPs     []string `json:"source_ips,omitempty"`
	SourceNetwork string   `json:"source_network,omitempty"`

	DestIP    string `json:"dest_ip,omitempty"`
	DestPort  int    `json:"dest_port,omitempty"`
	DestPorts []int  `json:"dest_ports,omitempty"`
	PortRange []int  `json:"port_range,omitempty"` // [start, end]

	Protocol  string   `json:"protocol,omitempty"`
	Protocols []string `json:"protocols,omitempty"`

	Direction       string     `json:"direction,omitempty"` // ingress (default) or egress
	Priority        int        `json:"priority,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	RateLimit       *RateLimit `json:"rate_limit,omitempty"`

	Vendors  []string          `json:"vendors,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Policy status values.
const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"
	StatusDeleted    = "deleted"
)

// Policy is the versioned unit of enforcement. It exclusively owns its
// rules; the index holds back-references only.
type Policy struct {
	ID        string     `json:"id"`
	Version   int        `json:"version"`
	Status    string     `json:"status"`
	Intent    Intent     `json:"intent"`
	Rules     []Rule     `json:"rules"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Conflict describes a selector collision with an existing policy.
type Conflict struct {
	SelectorKey    string `json:"selector_key"`
	PolicyID       string `json:"policy_id"`
	ExistingAction Action `json:"existing_action"`
	ProposedAction Action `json:"proposed_action"`
}

// ValidationIssue is one validation finding.
type ValidationIssue struct {
	RuleID   string `json:"rule_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "error" or "warning"
}

// ValidationResult aggregates findings; Valid means no errors (warnings
// are non-fatal).
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// VendorResult is the per-vendor outcome of an apply or remove.
type VendorResult struct {
	Vendor  string `json:"vendor"`
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ApplyResult aggregates vendor outcomes for one operation.
type ApplyResult struct {
	Policy  *Policy        `json:"policy"`
	Vendors []VendorResult `json:"vendors,omitempty"`
	Partial bool           `json:"partial"`
}
