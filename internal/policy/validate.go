// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"fmt"
	"net"
)

// Ports whose blocking usually means an operator mistake.
var wellKnownPorts = map[int]string{
	22:    "ssh",
	80:    "http",
	443:   "https",
	3306:  "mysql",
	5432:  "postgresql",
	6379:  "redis",
	27017: "mongodb",
}

var validProtocols = map[string]bool{"TCP": true, "UDP": true, "ICMP": true}

// Validate checks every rule and returns errors plus advisory warnings.
// Warnings never fail validation.
func Validate(rules []Rule) ValidationResult {
	res := ValidationResult{Valid: true}

	noExpiry := 0
	for i := range rules {
		r := &rules[i]

		if !r.Action.IsValid() {
			res.addError(r.ID, "action", fmt.Sprintf("unknown action %q", r.Action))
		}
		if !validProtocols[r.Protocol] {
			res.addError(r.ID, "protocol", fmt.Sprintf("unknown protocol %q", r.Protocol))
		}
		if r.SourceCIDR != "" && !parseableAddr(r.SourceCIDR) {
			res.addError(r.ID, "source_cidr", fmt.Sprintf("%q is not an IP or CIDR", r.SourceCIDR))
		}
		if r.DestIP != "" && !parseableAddr(r.DestIP) {
			res.addError(r.ID, "dest_ip", fmt.Sprintf("%q is not an IP or CIDR", r.DestIP))
		}
		if r.DestPort != 0 && (r.DestPort < 1 || r.DestPort > 65535) {
			res.addError(r.ID, "dest_port", fmt.Sprintf("port %d out of range", r.DestPort))
		}
		if r.Action == ActionRateLimit {
			if r.RateLimit == nil {
				res.addError(r.ID, "rate_limit", "RATE_LIMIT requires pps and burst")
			} else {
				if r.RateLimit.PacketsPerSecond < 1 {
					res.addError(r.ID, "rate_limit", "pps must be >= 1")
				}
				if r.RateLimit.Burst < 1 {
					res.addError(r.ID, "rate_limit", "burst must be >= 1")
				}
			}
		}
		if r.Duration < 0 {
			res.addError(r.ID, "duration", "duration must be positive when set")
		}

		if blocking(r.Action) {
			if svc, known := wellKnownPorts[r.DestPort]; known {
				res.addWarning(r.ID, "dest_port", fmt.Sprintf("blocking well-known service port %d (%s)", r.DestPort, svc))
			}
		}
		if r.Action == ActionAllow && r.SourceCIDR == "0.0.0.0/0" {
			res.addWarning(r.ID, "source_cidr", "ALLOW from 0.0.0.0/0 matches the entire internet")
		}
		if r.Duration == 0 {
			noExpiry++
		}
	}

	if noExpiry > 5 {
		res.addWarning("", "duration", fmt.Sprintf("%d rules without expiry; consider time-bounding them", noExpiry))
	}

	return res
}

func blocking(a Action) bool {
	return a == ActionDeny || a == ActionDrop || a == ActionReject || a == ActionQuarantine
}

func parseableAddr(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return net.ParseIP(s) != nil
}

func (v *ValidationResult) addError(ruleID, field, msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, ValidationIssue{RuleID: ruleID, Field: field, Message: msg, Severity: "error"})
}

func (v *ValidationResult) addWarning(ruleID, field, msg string) {
	v.Warnings = append(v.Warnings, ValidationIssue{RuleID: ruleID, Field: field, Message: msg, Severity: "warning"})
}
