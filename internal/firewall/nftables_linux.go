// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/nftables"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

// Nftables renders the managed rules into a dedicated inet table and
// applies the whole table atomically with nft. Every Apply or Remove
// rebuilds the table, so the kernel state always matches the desired
// set exactly and there is no window with half a policy installed.
type Nftables struct {
	run    runner
	conn   *nftables.Conn
	logger *logging.Logger

	mu    sync.Mutex
	rules map[string]policy.Rule
}

// NewNftables opens the netlink connection to verify nftables is
// usable, then returns the adapter.
func NewNftables() (*Nftables, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "nftables netlink")
	}
	return &Nftables{
		run:    execRunner{},
		conn:   conn,
		logger: logging.WithComponent("firewall.nftables"),
		rules:  make(map[string]policy.Rule),
	}, nil
}

func (a *Nftables) Name() string { return "nftables" }

// Available is true once the netlink connection opened.
func (a *Nftables) Available(context.Context) bool { return a.conn != nil }

func (a *Nftables) DryRun(ctx context.Context, rule policy.Rule) error {
	if _, err := nftLines(rule); err != nil {
		return err
	}
	a.mu.Lock()
	next := make(map[string]policy.Rule, len(a.rules)+1)
	for k, v := range a.rules {
		next[k] = v
	}
	next[rule.ID] = rule
	script, err := renderTable(next)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if out, code, rerr := a.run.Run(ctx, script, "nft", "-c", "-f", "-"); rerr != nil {
		return classifyExec(rerr, code, "nft -c: "+out)
	}
	return nil
}

func (a *Nftables) Apply(ctx context.Context, rule policy.Rule) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules[rule.ID] = rule
	if err := a.syncLocked(ctx); err != nil {
		delete(a.rules, rule.ID)
		return "", err
	}
	a.logger.Debug("table synced", "rule_id", rule.ID, "rules", len(a.rules))
	return "", nil
}

func (a *Nftables) Remove(ctx context.Context, rule policy.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rules[rule.ID]; !ok {
		return nil
	}
	delete(a.rules, rule.ID)
	return a.syncLocked(ctx)
}

// ListRules serves the managed rules from the desired-state map.
func (a *Nftables) ListRules(context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cachedRules(a.rules), nil
}

// ClearManaged drops every managed rule and rebuilds the empty table.
func (a *Nftables) ClearManaged(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := len(a.rules)
	if removed == 0 {
		return 0, nil
	}
	a.rules = make(map[string]policy.Rule)
	if err := a.syncLocked(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

func (a *Nftables) syncLocked(ctx context.Context) error {
	script, err := renderTable(a.rules)
	if err != nil {
		return err
	}
	if out, code, rerr := a.run.Run(ctx, script, "nft", "-f", "-"); rerr != nil {
		return classifyExec(rerr, code, "nft -f: "+out)
	}
	return nil
}

// renderTable emits the full managed table. The declare-then-delete
// preamble makes the rebuild idempotent on a clean system.
func renderTable(rules map[string]policy.Rule) (string, error) {
	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var input, output []string
	for _, id := range ids {
		r := rules[id]
		lines, err := nftLines(r)
		if err != nil {
			return "", err
		}
		if r.Direction == "egress" {
			output = append(output, lines...)
		} else {
			input = append(input, lines...)
		}
	}

	var b strings.Builder
	b.WriteString("table inet sentinel\n")
	b.WriteString("delete table inet sentinel\n")
	b.WriteString("table inet sentinel {\n")
	b.WriteString("\tchain input {\n\t\ttype filter hook input priority -10; policy accept;\n")
	for _, l := range input {
		b.WriteString("\t\t" + l + "\n")
	}
	b.WriteString("\t}\n")
	b.WriteString("\tchain output {\n\t\ttype filter hook output priority -10; policy accept;\n")
	for _, l := range output {
		b.WriteString("\t\t" + l + "\n")
	}
	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return b.String(), nil
}

// nftLines renders one rule. RATE_LIMIT becomes an accept-within-limit
// line followed by a drop for the excess.
func nftLines(rule policy.Rule) ([]string, error) {
	var m []string
	if rule.SourceCIDR != "" && rule.SourceCIDR != "0.0.0.0/0" {
		m = append(m, "ip saddr "+rule.SourceCIDR)
	}
	if rule.DestIP != "" {
		m = append(m, "ip daddr "+rule.DestIP)
	}
	proto := strings.ToLower(rule.Protocol)
	switch proto {
	case "tcp", "udp":
		if rule.DestPort != 0 {
			m = append(m, fmt.Sprintf("%s dport %d", proto, rule.DestPort))
		} else {
			m = append(m, "meta l4proto "+proto)
		}
	case "icmp":
		m = append(m, "meta l4proto icmp")
	case "":
	default:
		return nil, errors.Errorf(errors.KindValidation, "protocol %q not expressible in nftables", rule.Protocol)
	}
	match := strings.Join(m, " ")
	comment := fmt.Sprintf(`comment "SENTINEL:%s"`, rule.ID)

	line := func(verdict string) string {
		parts := []string{}
		if match != "" {
			parts = append(parts, match)
		}
		parts = append(parts, "counter", verdict, comment)
		return strings.Join(parts, " ")
	}

	switch rule.Action {
	case policy.ActionAllow:
		return []string{line("accept")}, nil
	case policy.ActionDeny, policy.ActionDrop, policy.ActionQuarantine:
		return []string{line("drop")}, nil
	case policy.ActionReject:
		return []string{line("reject")}, nil
	case policy.ActionLog, policy.ActionMonitor:
		return []string{line(`log prefix "sentinel: "`)}, nil
	case policy.ActionRateLimit:
		if rule.RateLimit == nil {
			return nil, errors.New(errors.KindValidation, "RATE_LIMIT rule without limits")
		}
		limit := fmt.Sprintf("limit rate %d/second burst %d packets counter accept %s",
			rule.RateLimit.PacketsPerSecond, rule.RateLimit.Burst, comment)
		if match != "" {
			limit = match + " " + limit
		}
		return []string{limit, line("drop")}, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "action %q not expressible in nftables", rule.Action)
	}
}
