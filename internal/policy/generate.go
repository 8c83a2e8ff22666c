// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// anyProtocols is what ANY/ALL expands to.
var anyProtocols = []string{"TCP", "UDP", "ICMP"}

// Generate expands an intent into concrete rules: the Cartesian product
// of sources, destination ports, and protocols. An under-specified
// selector yields a single permissive rule matching everything from
// 0.0.0.0/0.
func Generate(intent Intent) []Rule {
	sources := expandSources(intent)
	ports := expandPorts(intent)
	protocols := expandProtocols(intent)

	direction := intent.Direction
	if direction == "" {
		direction = "ingress"
	}

	var rules []Rule
	for _, src := range sources {
		for _, port := range ports {
			for _, proto := range protocols {
				r := Rule{
					ID:          uuid.NewString(),
					Action:      intent.Action,
					Protocol:    proto,
					SourceCIDR:  src,
					DestIP:      intent.DestIP,
					DestPort:    port,
					Direction:   direction,
					Priority:    intent.Priority,
					Duration:    intent.DurationSeconds,
					Description: intent.Description,
				}
				if intent.Action == ActionRateLimit && intent.RateLimit != nil {
					rl := *intent.RateLimit
					r.RateLimit = &rl
				}
				// ICMP has no ports.
				if proto == "ICMP" {
					r.DestPort = 0
				}
				rules = append(rules, r)
			}
		}
	}
	return dedupeRules(rules)
}

func expandSources(intent Intent) []string {
	var raw []string
	switch {
	case len(intent.SourceIPs) > 0:
		raw = intent.SourceIPs
	case intent.SourceIP != "":
		raw = []string{intent.SourceIP}
	case intent.SourceNetwork != "":
		raw = []string{intent.SourceNetwork}
	default:
		return []string{"0.0.0.0/0"}
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		out = append(out, canonicalCIDR(s))
	}
	return out
}

// canonicalCIDR turns a bare IP into a host prefix and leaves CIDRs and
// unparseable strings alone for the validator to flag.
func canonicalCIDR(s string) string {
	if strings.Contains(s, "/") {
		return s
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if ip.To4() != nil {
		return s + "/32"
	}
	return s + "/128"
}

func expandPorts(intent Intent) []int {
	switch {
	case len(intent.DestPorts) > 0:
		return intent.DestPorts
	case len(intent.PortRange) == 2 && intent.PortRange[0] <= intent.PortRange[1]:
		ports := make([]int, 0, intent.PortRange[1]-intent.PortRange[0]+1)
		for p := intent.PortRange[0]; p <= intent.PortRange[1]; p++ {
			ports = append(ports, p)
		}
		return ports
	case intent.DestPort != 0:
		return []int{intent.DestPort}
	default:
		return []int{0} // port wildcard
	}
}

func expandProtocols(intent Intent) []string {
	var raw []string
	switch {
	case len(intent.Protocols) > 0:
		raw = intent.Protocols
	case intent.Protocol != "":
		raw = []string{intent.Protocol}
	default:
		return anyProtocols
	}

	var out []string
	for _, p := range raw {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "ANY" || p == "ALL" {
			return anyProtocols
		}
		out = append(out, p)
	}
	return out
}

// dedupeRules removes exact duplicates the expansion can produce, e.g.
// ICMP rows collapsing after their port is cleared.
func dedupeRules(rules []Rule) []Rule {
	seen := make(map[string]bool, len(rules))
	out := rules[:0]
	for _, r := range rules {
		key := r.SelectorKey() + "|" + string(r.Action) + "|" + r.Direction
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
