// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

func newTestNftables(run runner) *Nftables {
	return &Nftables{
		run:    run,
		logger: logging.WithComponent("test"),
		rules:  make(map[string]policy.Rule),
	}
}

func TestNftablesApplyRebuildsTable(t *testing.T) {
	run := &fakeRunner{}
	a := newTestNftables(run)

	_, err := a.Apply(context.Background(), denyRule())
	require.NoError(t, err)

	require.Len(t, run.stdins, 1)
	script := run.stdins[0]
	assert.Contains(t, script, "table inet sentinel {")
	assert.Contains(t, script, "delete table inet sentinel")
	assert.Contains(t, script, "type filter hook input priority -10")
	assert.Contains(t, script, "ip saddr 203.0.113.0/24 tcp dport 22 counter drop")
	assert.Contains(t, script, `comment "SENTINEL:r1"`)
}

func TestNftablesRemoveLeavesOtherRules(t *testing.T) {
	run := &fakeRunner{}
	a := newTestNftables(run)

	r1 := denyRule()
	r2 := denyRule()
	r2.ID = "r2"
	r2.DestPort = 80

	_, err := a.Apply(context.Background(), r1)
	require.NoError(t, err)
	_, err = a.Apply(context.Background(), r2)
	require.NoError(t, err)
	require.NoError(t, a.Remove(context.Background(), r1))

	last := run.stdins[len(run.stdins)-1]
	assert.NotContains(t, last, "SENTINEL:r1")
	assert.Contains(t, last, "SENTINEL:r2")
}

func TestNftablesEgressGoesToOutputChain(t *testing.T) {
	r := denyRule()
	r.Direction = "egress"
	rules := map[string]policy.Rule{r.ID: r}

	script, err := renderTable(rules)
	require.NoError(t, err)

	outIdx := strings.Index(script, "chain output")
	ruleIdx := strings.Index(script, "SENTINEL:r1")
	assert.Greater(t, ruleIdx, outIdx)
}

func TestNftablesRateLimitLines(t *testing.T) {
	r := denyRule()
	r.Action = policy.ActionRateLimit
	r.RateLimit = &policy.RateLimit{PacketsPerSecond: 100, Burst: 50}

	lines, err := nftLines(r)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "limit rate 100/second burst 50 packets")
	assert.Contains(t, lines[0], "accept")
	assert.Contains(t, lines[1], "drop")
}

func TestNftablesFailedSyncRollsBackDesiredState(t *testing.T) {
	run := &fakeRunner{responses: map[string]fakeResponse{
		"nft -f -": {output: "syntax error", code: 1, err: assert.AnError},
	}}
	a := newTestNftables(run)

	_, err := a.Apply(context.Background(), denyRule())
	require.Error(t, err)
	assert.Empty(t, a.rules, "rejected rule must not linger in the desired set")
}
