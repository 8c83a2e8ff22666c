// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

const (
	iptablesChain = "SENTINEL"
	// xtables lock contention; the engine retries these.
	iptablesLockedExit = 4
)

// Iptables drives the legacy iptables binary. All managed rules live in
// a dedicated chain and carry a comment naming the rule id, so removal
// never has to guess which rules are ours.
type Iptables struct {
	run    runner
	logger *logging.Logger

	mu          sync.Mutex
	initialized bool
	applied     map[string]policy.Rule
}

// NewIptables returns an adapter that shells out to iptables.
func NewIptables() *Iptables {
	return &Iptables{
		run:     execRunner{},
		logger:  logging.WithComponent("firewall.iptables"),
		applied: make(map[string]policy.Rule),
	}
}

func (a *Iptables) Name() string { return "iptables" }

// Available checks the binary responds.
func (a *Iptables) Available(ctx context.Context) bool {
	_, code, err := a.run.Run(ctx, "", "iptables", "--version")
	return err == nil && code == 0
}

// ensureChain creates the managed chain and jumps into it from the
// built-in chains. Idempotent.
func (a *Iptables) ensureChain(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if _, code, _ := a.run.Run(ctx, "", "iptables", "-L", iptablesChain, "-n"); code != 0 {
		if out, _, err := a.run.Run(ctx, "", "iptables", "-N", iptablesChain); err != nil {
			return classifyExec(err, 0, "iptables -N: "+out)
		}
	}
	for _, hook := range []string{"INPUT", "FORWARD", "OUTPUT"} {
		if _, code, _ := a.run.Run(ctx, "", "iptables", "-C", hook, "-j", iptablesChain); code != 0 {
			if out, ecode, err := a.run.Run(ctx, "", "iptables", "-I", hook, "1", "-j", iptablesChain); err != nil {
				return classifyExec(err, ecode, "iptables -I "+hook+": "+out)
			}
		}
	}
	a.initialized = true
	return nil
}

func (a *Iptables) DryRun(_ context.Context, rule policy.Rule) error {
	_, err := iptablesArgs(rule)
	return err
}

func (a *Iptables) Apply(ctx context.Context, rule policy.Rule) (string, error) {
	if err := a.ensureChain(ctx); err != nil {
		return "", err
	}
	specs, err := iptablesArgs(rule)
	if err != nil {
		return "", err
	}
	for _, spec := range specs {
		args := append([]string{"-A", iptablesChain}, spec...)
		if out, code, err := a.run.Run(ctx, "", "iptables", args...); err != nil {
			return "", classifyExec(err, code, "iptables -A: "+out)
		}
	}
	a.mu.Lock()
	a.applied[rule.ID] = rule
	a.mu.Unlock()
	a.logger.Debug("rule installed", "rule_id", rule.ID, "specs", len(specs))
	return "", nil
}

// Remove lists the managed chain and deletes every line tagged with the
// rule's comment. Surviving a partial earlier apply is the point.
func (a *Iptables) Remove(ctx context.Context, rule policy.Rule) error {
	out, code, err := a.run.Run(ctx, "", "iptables", "-S", iptablesChain)
	if err != nil {
		return classifyExec(err, code, "iptables -S: "+out)
	}
	tag := ruleComment(rule.ID)
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, tag) {
			continue
		}
		spec := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "-A "))
		args := append([]string{"-D"}, spec...)
		if dout, dcode, derr := a.run.Run(ctx, "", "iptables", args...); derr != nil {
			return classifyExec(derr, dcode, "iptables -D: "+dout)
		}
	}
	a.mu.Lock()
	delete(a.applied, rule.ID)
	a.mu.Unlock()
	return nil
}

// ListRules serves the managed rules from the local handle cache.
func (a *Iptables) ListRules(context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cachedRules(a.applied), nil
}

// ClearManaged removes every managed rule.
func (a *Iptables) ClearManaged(ctx context.Context) (int, error) {
	a.mu.Lock()
	rules := cachedRules(a.applied)
	a.mu.Unlock()

	removed := 0
	var firstErr error
	for _, r := range rules {
		if err := a.Remove(ctx, r); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

func ruleComment(ruleID string) string { return "SENTINEL:" + ruleID }

// iptablesArgs translates one rule to iptables rule specs. RATE_LIMIT
// expands to an accept-within-limit rule plus a drop for the excess.
func iptablesArgs(rule policy.Rule) ([][]string, error) {
	match := func() []string {
		var s []string
		if rule.Protocol != "" {
			s = append(s, "-p", strings.ToLower(rule.Protocol))
		}
		if rule.SourceCIDR != "" && rule.SourceCIDR != "0.0.0.0/0" {
			s = append(s, "-s", rule.SourceCIDR)
		}
		if rule.DestIP != "" {
			s = append(s, "-d", rule.DestIP)
		}
		if rule.DestPort != 0 {
			s = append(s, "--dport", fmt.Sprintf("%d", rule.DestPort))
		}
		return s
	}
	comment := []string{"-m", "comment", "--comment", ruleComment(rule.ID)}

	var target []string
	switch rule.Action {
	case policy.ActionAllow:
		target = []string{"-j", "ACCEPT"}
	case policy.ActionDeny, policy.ActionDrop, policy.ActionQuarantine:
		target = []string{"-j", "DROP"}
	case policy.ActionReject:
		target = []string{"-j", "REJECT"}
	case policy.ActionLog, policy.ActionMonitor:
		target = []string{"-j", "LOG", "--log-prefix", "sentinel: "}
	case policy.ActionRateLimit:
		if rule.RateLimit == nil {
			return nil, errors.New(errors.KindValidation, "RATE_LIMIT rule without limits")
		}
		accept := append(match(),
			"-m", "limit",
			"--limit", fmt.Sprintf("%d/second", rule.RateLimit.PacketsPerSecond),
			"--limit-burst", fmt.Sprintf("%d", rule.RateLimit.Burst))
		accept = append(accept, comment...)
		accept = append(accept, "-j", "ACCEPT")
		drop := append(match(), comment...)
		drop = append(drop, "-j", "DROP")
		return [][]string{accept, drop}, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "action %q not expressible in iptables", rule.Action)
	}

	spec := append(match(), comment...)
	spec = append(spec, target...)
	return [][]string{spec}, nil
}

// classifyExec maps command failures onto retryable vs terminal kinds.
func classifyExec(err error, exitCode int, msg string) error {
	if exitCode == iptablesLockedExit {
		return errors.Wrap(err, errors.KindAdapterTransient, msg)
	}
	return errors.Wrap(err, errors.KindAdapterPermanent, msg)
}
