// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
)

func TestGenerateCartesian(t *testing.T) {
	intent := Intent{
		Action:    ActionDeny,
		SourceIPs: []string{"10.0.0.1", "10.0.0.2"},
		DestPorts: []int{80, 443},
		Protocols: []string{"TCP", "UDP"},
	}
	rules := Generate(intent)
	assert.Len(t, rules, 8)
	for _, r := range rules {
		assert.Equal(t, ActionDeny, r.Action)
		assert.Equal(t, "ingress", r.Direction)
		assert.Contains(t, []string{"10.0.0.1/32", "10.0.0.2/32"}, r.SourceCIDR)
	}
}

func TestGenerateAnyProtocolClearsICMPPort(t *testing.T) {
	intent := Intent{
		Action:   ActionDrop,
		SourceIP: "192.0.2.1",
		DestPort: 53,
		Protocol: "ANY",
	}
	rules := Generate(intent)

	var icmp, withPort int
	for _, r := range rules {
		if r.Protocol == "ICMP" {
			icmp++
			assert.Zero(t, r.DestPort)
		} else {
			withPort++
			assert.Equal(t, 53, r.DestPort)
		}
	}
	assert.Equal(t, 1, icmp)
	assert.Equal(t, 2, withPort)
}

func TestGenerateUnderSpecifiedIsPermissive(t *testing.T) {
	rules := Generate(Intent{Action: ActionMonitor})
	require.NotEmpty(t, rules)
	for _, r := range rules {
		assert.Equal(t, "0.0.0.0/0", r.SourceCIDR)
		assert.Zero(t, r.DestPort)
	}
}

func TestGeneratePortRange(t *testing.T) {
	rules := Generate(Intent{
		Action:    ActionDeny,
		SourceIP:  "10.1.1.1",
		PortRange: []int{8000, 8004},
		Protocol:  "TCP",
	})
	assert.Len(t, rules, 5)
	ports := make([]int, 0, len(rules))
	for _, r := range rules {
		ports = append(ports, r.DestPort)
	}
	sort.Ints(ports)
	assert.Equal(t, []int{8000, 8001, 8002, 8003, 8004}, ports)
}

func TestGenerateDeterministicSelectors(t *testing.T) {
	intent := Intent{Action: ActionDeny, SourceIP: "10.0.0.1", DestPort: 22, Protocol: "TCP"}
	a := Generate(intent)
	b := Generate(intent)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].SelectorKey(), b[i].SelectorKey())
		assert.NotEqual(t, a[i].ID, b[i].ID)
	}
}

func TestValidateErrors(t *testing.T) {
	rules := []Rule{
		{ID: "r1", Action: "EXPLODE", Protocol: "TCP", SourceCIDR: "10.0.0.0/8"},
		{ID: "r2", Action: ActionDeny, Protocol: "GOPHER", SourceCIDR: "10.0.0.0/8"},
		{ID: "r3", Action: ActionDeny, Protocol: "TCP", SourceCIDR: "not-an-ip"},
		{ID: "r4", Action: ActionDeny, Protocol: "TCP", SourceCIDR: "10.0.0.0/8", DestPort: 70000},
		{ID: "r5", Action: ActionRateLimit, Protocol: "UDP", SourceCIDR: "10.0.0.0/8"},
	}
	res := Validate(rules)
	assert.False(t, res.Valid)
	fields := make(map[string]bool)
	for _, e := range res.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["action"])
	assert.True(t, fields["protocol"])
	assert.True(t, fields["source_cidr"])
	assert.True(t, fields["dest_port"])
	assert.True(t, fields["rate_limit"])
}

func TestQuarantineIsValidBlockingAction(t *testing.T) {
	intent := Intent{
		Name:     "quarantine-host",
		Action:   ActionQuarantine,
		SourceIP: "203.0.113.5",
		DestPort: 445,
		Protocol: "TCP",
	}
	rules := Generate(intent)
	require.NotEmpty(t, rules)

	res := Validate(rules)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestQuarantineConflictsWithAllow(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	q := denyIntent("203.0.113.5", 8080)
	q.Action = ActionQuarantine
	_, err := eng.Create(ctx, q, false)
	require.NoError(t, err)

	allow := denyIntent("203.0.113.5", 8080)
	allow.Action = ActionAllow
	_, err = eng.Create(ctx, allow, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
}

func TestValidateWarnings(t *testing.T) {
	rules := []Rule{
		{ID: "r1", Action: ActionDeny, Protocol: "TCP", SourceCIDR: "10.0.0.0/8", DestPort: 22},
		{ID: "r2", Action: ActionAllow, Protocol: "TCP", SourceCIDR: "0.0.0.0/0", DestPort: 8080},
	}
	res := Validate(rules)
	assert.True(t, res.Valid, "warnings must not fail validation")
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0].Message, "ssh")
	assert.Contains(t, res.Warnings[1].Message, "entire internet")
}

func TestValidateNoExpiryWarning(t *testing.T) {
	var rules []Rule
	for i := 0; i < 6; i++ {
		rules = append(rules, Rule{
			ID: "r", Action: ActionDeny, Protocol: "TCP",
			SourceCIDR: "10.0.0.0/8", DestPort: 9000 + i,
		})
	}
	res := Validate(rules)
	assert.True(t, res.Valid)
	found := false
	for _, w := range res.Warnings {
		if w.Field == "duration" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSelectorKeyWildcards(t *testing.T) {
	r := Rule{Action: ActionDeny, Protocol: "TCP", SourceCIDR: "10.0.0.1/32"}
	assert.Equal(t, "10.0.0.1/32:*:*:TCP", r.SelectorKey())

	r.DestIP = "192.0.2.5"
	r.DestPort = 443
	assert.Equal(t, "10.0.0.1/32:192.0.2.5:443:TCP", r.SelectorKey())
}

func TestMergeCIDRsAdjacent(t *testing.T) {
	got := MergeCIDRs([]string{"10.0.0.0/24", "10.0.1.0/24"})
	assert.Equal(t, []string{"10.0.0.0/23"}, got)
}

func TestMergeCIDRsOverlapAndGap(t *testing.T) {
	got := MergeCIDRs([]string{"10.0.0.0/24", "10.0.0.128/25", "10.0.4.0/24"})
	assert.Equal(t, []string{"10.0.0.0/24", "10.0.4.0/24"}, got)
}

func TestMergeCIDRsNonAlignedRange(t *testing.T) {
	// 10.0.1.0/24 + 10.0.2.0/24 covers a range no single prefix matches.
	got := MergeCIDRs([]string{"10.0.1.0/24", "10.0.2.0/24"})
	assert.Equal(t, []string{"10.0.1.0/24", "10.0.2.0/24"}, got)
}

func TestMergeCIDRsFullSpace(t *testing.T) {
	got := MergeCIDRs([]string{"0.0.0.0/1", "128.0.0.0/1"})
	assert.Equal(t, []string{"0.0.0.0/0"}, got)
}

func TestMergeCIDRsBareIPsAndPassthrough(t *testing.T) {
	got := MergeCIDRs([]string{"10.0.0.0", "10.0.0.1", "2001:db8::/32"})
	assert.Equal(t, []string{"10.0.0.0/31", "2001:db8::/32"}, got)
}

func TestMergeRules(t *testing.T) {
	base := Rule{Action: ActionDeny, Protocol: "TCP", DestPort: 22, Direction: "ingress"}
	a, b, c := base, base, base
	a.ID, a.SourceCIDR = "a", "10.0.0.0/24"
	b.ID, b.SourceCIDR = "b", "10.0.1.0/24"
	c.ID, c.SourceCIDR, c.Action = "c", "10.0.2.0/24", ActionAllow

	out := MergeRules([]Rule{a, b, c})
	require.Len(t, out, 2)
	assert.Equal(t, "10.0.0.0/23", out[0].SourceCIDR)
	assert.NotEqual(t, "a", out[0].ID, "merged rule gets a fresh id")
	assert.Equal(t, ActionAllow, out[1].Action)
	assert.Equal(t, "c", out[1].ID, "untouched rule keeps its id")
}

type fakeAdapter struct {
	name        string
	applied     map[string]Rule
	removed     []string
	failNext    int
	permFail    bool
	dryRunFail  bool
	unavailable bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, applied: make(map[string]Rule)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Available(context.Context) bool { return !f.unavailable }

func (f *fakeAdapter) DryRun(context.Context, Rule) error {
	if f.dryRunFail {
		return errors.New(errors.KindValidation, "rejected")
	}
	return nil
}

func (f *fakeAdapter) Apply(_ context.Context, rule Rule) (string, error) {
	if f.permFail {
		return "", errors.New(errors.KindAdapterPermanent, "backend gone")
	}
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New(errors.KindAdapterTransient, "backend busy")
	}
	f.applied[rule.ID] = rule
	return "", nil
}

func (f *fakeAdapter) Remove(_ context.Context, rule Rule) error {
	delete(f.applied, rule.ID)
	f.removed = append(f.removed, rule.ID)
	return nil
}

func (f *fakeAdapter) ListRules(context.Context) ([]Rule, error) {
	out := make([]Rule, 0, len(f.applied))
	for _, r := range f.applied {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAdapter) ClearManaged(ctx context.Context) (int, error) {
	n := len(f.applied)
	for _, r := range f.applied {
		_ = f.Remove(ctx, r)
	}
	return n, nil
}

func denyIntent(ip string, port int) Intent {
	return Intent{
		Name:     "test",
		Action:   ActionDeny,
		SourceIP: ip,
		DestPort: port,
		Protocol: "TCP",
	}
}

func TestEngineCreateAndGet(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter("fake")
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{adapter})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
	require.NotNil(t, res.Policy)
	assert.Equal(t, 1, res.Policy.Version)
	assert.Equal(t, StatusActive, res.Policy.Status)
	assert.Len(t, adapter.applied, 1)

	got, err := eng.Get(ctx, res.Policy.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Policy.ID, got.ID)
	assert.Equal(t, uint64(1), eng.Statistics().Created)
}

func TestEngineConflictBlocksWithoutForce(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	_, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)

	allow := denyIntent("203.0.113.5", 8080)
	allow.Action = ActionAllow
	_, err = eng.Create(ctx, allow, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	res, err := eng.Create(ctx, allow, true)
	require.NoError(t, err)
	assert.NotNil(t, res.Policy)
	assert.Equal(t, uint64(2), eng.Statistics().Conflicts)
}

func TestEngineSameActionIsNotConflict(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	_, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
	_, err = eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
}

func TestEngineMonitorNeverConflicts(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	_, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)

	mon := denyIntent("203.0.113.5", 8080)
	mon.Action = ActionMonitor
	_, err = eng.Create(ctx, mon, false)
	require.NoError(t, err)
}

func TestEngineUpdateBumpsVersionAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter("fake")
	store := NewMemoryStore()
	eng := NewEngine(store, []VendorAdapter{adapter})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
	id := res.Policy.ID

	res2, err := eng.Update(ctx, id, denyIntent("203.0.113.5", 9090))
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Policy.Version)
	assert.Equal(t, 9090, res2.Policy.Rules[0].DestPort)

	v1, err := store.GetVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, v1.Status)
	assert.Equal(t, 8080, v1.Rules[0].DestPort)

	// Old rule removed from the vendor, new one installed.
	assert.Len(t, adapter.applied, 1)
	for _, r := range adapter.applied {
		assert.Equal(t, 9090, r.DestPort)
	}
}

func TestEngineRollback(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter("fake")
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{adapter})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
	id := res.Policy.ID

	_, err = eng.Update(ctx, id, denyIntent("203.0.113.5", 9090))
	require.NoError(t, err)

	rb, err := eng.Rollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, rb.Policy.Version, "rollback moves the version forward")
	assert.Equal(t, 8080, rb.Policy.Rules[0].DestPort, "content matches version 1")

	for _, r := range adapter.applied {
		assert.Equal(t, 8080, r.DestPort)
	}
}

func TestEngineRollbackWithoutHistory(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)

	_, err = eng.Rollback(ctx, res.Policy.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestEngineDeleteCleansVendorsAndIndex(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter("fake")
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{adapter})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
	id := res.Policy.ID

	require.NoError(t, eng.Delete(ctx, id))
	assert.Empty(t, adapter.applied)

	_, err = eng.Get(ctx, id)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	// Selector no longer conflicts once the policy is gone.
	allow := denyIntent("203.0.113.5", 8080)
	allow.Action = ActionAllow
	_, err = eng.Create(ctx, allow, false)
	require.NoError(t, err)
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter("flaky")
	adapter.failNext = 2
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{adapter})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Len(t, adapter.applied, 1)
}

func TestEnginePartialApply(t *testing.T) {
	ctx := context.Background()
	good := newFakeAdapter("good")
	bad := newFakeAdapter("bad")
	bad.permFail = true
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{good, bad})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.Error(t, err)
	assert.Equal(t, errors.KindPartialApply, errors.GetKind(err))
	require.NotNil(t, res)
	assert.True(t, res.Partial)
	assert.Len(t, good.applied, 1)

	// Persisted despite the partial failure.
	_, gerr := eng.Get(ctx, res.Policy.ID)
	assert.NoError(t, gerr)
}

func TestEngineAllVendorsFailAborts(t *testing.T) {
	ctx := context.Background()
	bad := newFakeAdapter("bad")
	bad.permFail = true
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{bad})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.Error(t, err)
	assert.Equal(t, errors.KindAdapterPermanent, errors.GetKind(err))

	_, gerr := eng.Get(ctx, res.Policy.ID)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(gerr))
}

func TestEngineSkipsUnavailableVendor(t *testing.T) {
	ctx := context.Background()
	up := newFakeAdapter("up")
	down := newFakeAdapter("down")
	down.unavailable = true
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{up, down})

	res, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.Error(t, err)
	assert.Equal(t, errors.KindPartialApply, errors.GetKind(err))
	require.NotNil(t, res)
	assert.True(t, res.Partial)
	assert.Len(t, up.applied, 1)
	assert.Empty(t, down.applied, "no calls reach an unavailable backend")
}

func TestEngineDryRunRejection(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter("strict")
	adapter.dryRunFail = true
	eng := NewEngine(NewMemoryStore(), []VendorAdapter{adapter})

	_, err := eng.Create(ctx, denyIntent("203.0.113.5", 8080), false)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Empty(t, adapter.applied)
}

func TestEngineInvalidIntent(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	_, err := eng.Create(ctx, Intent{Action: "EXPLODE", SourceIP: "10.0.0.1"}, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestEngineListOrderedByPriority(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore(), nil)

	low := denyIntent("10.0.0.1", 80)
	low.Priority = 1
	high := denyIntent("10.0.0.2", 80)
	high.Priority = 100

	_, err := eng.Create(ctx, low, false)
	require.NoError(t, err)
	_, err = eng.Create(ctx, high, false)
	require.NoError(t, err)

	policies, err := eng.List(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, 100, policies[0].Intent.Priority)
}
