// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

type fakeRunner struct {
	calls     []string
	stdins    []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	output string
	code   int
	err    error
}

func (f *fakeRunner) Run(_ context.Context, stdin, name string, args ...string) (string, int, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	f.stdins = append(f.stdins, stdin)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(call, prefix) {
			return resp.output, resp.code, resp.err
		}
	}
	return "", 0, nil
}

func denyRule() policy.Rule {
	return policy.Rule{
		ID:         "r1",
		Action:     policy.ActionDeny,
		Protocol:   "TCP",
		SourceCIDR: "203.0.113.0/24",
		DestPort:   22,
		Direction:  "ingress",
	}
}

func TestIptablesApplyBuildsExpectedCommand(t *testing.T) {
	run := &fakeRunner{responses: map[string]fakeResponse{
		"iptables -L": {code: 1, err: fmt.Errorf("no chain")},
		"iptables -C": {code: 1, err: fmt.Errorf("no rule")},
	}}
	a := &Iptables{run: run, logger: logging.WithComponent("test"), applied: make(map[string]policy.Rule)}

	warning, err := a.Apply(context.Background(), denyRule())
	require.NoError(t, err)
	assert.Empty(t, warning)

	var appended string
	for _, c := range run.calls {
		if strings.HasPrefix(c, "iptables -A SENTINEL") {
			appended = c
		}
	}
	require.NotEmpty(t, appended)
	assert.Contains(t, appended, "-p tcp")
	assert.Contains(t, appended, "-s 203.0.113.0/24")
	assert.Contains(t, appended, "--dport 22")
	assert.Contains(t, appended, "SENTINEL:r1")
	assert.Contains(t, appended, "-j DROP")
}

func TestIptablesRateLimitExpandsToTwoRules(t *testing.T) {
	run := &fakeRunner{responses: map[string]fakeResponse{}}
	a := &Iptables{run: run, logger: logging.WithComponent("test"), initialized: true, applied: make(map[string]policy.Rule)}

	r := denyRule()
	r.Action = policy.ActionRateLimit
	r.RateLimit = &policy.RateLimit{PacketsPerSecond: 100, Burst: 50}

	_, err := a.Apply(context.Background(), r)
	require.NoError(t, err)

	var appends []string
	for _, c := range run.calls {
		if strings.HasPrefix(c, "iptables -A SENTINEL") {
			appends = append(appends, c)
		}
	}
	require.Len(t, appends, 2)
	assert.Contains(t, appends[0], "--limit 100/second")
	assert.Contains(t, appends[0], "--limit-burst 50")
	assert.Contains(t, appends[0], "-j ACCEPT")
	assert.Contains(t, appends[1], "-j DROP")
}

func TestIptablesRemoveDeletesTaggedLines(t *testing.T) {
	listing := strings.Join([]string{
		"-A SENTINEL -s 203.0.113.0/24 -p tcp --dport 22 -m comment --comment SENTINEL:r1 -j DROP",
		"-A SENTINEL -s 10.0.0.0/8 -p tcp --dport 80 -m comment --comment SENTINEL:other -j DROP",
	}, "\n")
	run := &fakeRunner{responses: map[string]fakeResponse{
		"iptables -S SENTINEL": {output: listing},
	}}
	a := &Iptables{run: run, logger: logging.WithComponent("test"), initialized: true, applied: make(map[string]policy.Rule)}

	require.NoError(t, a.Remove(context.Background(), denyRule()))

	var deletes []string
	for _, c := range run.calls {
		if strings.HasPrefix(c, "iptables -D") {
			deletes = append(deletes, c)
		}
	}
	require.Len(t, deletes, 1)
	assert.Contains(t, deletes[0], "SENTINEL:r1")
	assert.NotContains(t, deletes[0], "SENTINEL:other")
}

func TestIptablesLockContentionIsTransient(t *testing.T) {
	run := &fakeRunner{responses: map[string]fakeResponse{
		"iptables -A": {code: 4, err: fmt.Errorf("resource temporarily unavailable")},
	}}
	a := &Iptables{run: run, logger: logging.WithComponent("test"), initialized: true, applied: make(map[string]policy.Rule)}

	_, err := a.Apply(context.Background(), denyRule())
	require.Error(t, err)
	assert.Equal(t, errors.KindAdapterTransient, errors.GetKind(err))
}

func TestIptablesDryRunRejectsUnknownAction(t *testing.T) {
	a := &Iptables{run: &fakeRunner{}, logger: logging.WithComponent("test")}
	r := denyRule()
	r.Action = "EXPLODE"
	err := a.DryRun(context.Background(), r)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestIptablesQuarantineDrops(t *testing.T) {
	r := denyRule()
	r.Action = policy.ActionQuarantine
	specs, err := iptablesArgs(r)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Contains(t, strings.Join(specs[0], " "), "-j DROP")
}

func TestIptablesListAndClearManaged(t *testing.T) {
	run := &fakeRunner{responses: map[string]fakeResponse{}}
	a := NewIptables()
	a.run = run
	a.initialized = true
	ctx := context.Background()

	r1 := denyRule()
	r2 := denyRule()
	r2.ID = "r2"
	_, err := a.Apply(ctx, r1)
	require.NoError(t, err)
	_, err = a.Apply(ctx, r2)
	require.NoError(t, err)

	rules, err := a.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r1", rules[0].ID)
	assert.Equal(t, "r2", rules[1].ID)

	removed, err := a.ClearManaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	rules, err = a.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestIptablesAvailable(t *testing.T) {
	a := NewIptables()
	a.run = &fakeRunner{}
	assert.True(t, a.Available(context.Background()))

	a.run = &fakeRunner{responses: map[string]fakeResponse{
		"iptables --version": {code: 127, err: fmt.Errorf("not found")},
	}}
	assert.False(t, a.Available(context.Background()))
}

type fakeEC2 struct {
	authorizedIn []ec2.AuthorizeSecurityGroupIngressInput
	revokedIn    []ec2.RevokeSecurityGroupIngressInput
	err          error
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.authorizedIn = append(f.authorizedIn, *in)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, f.err
}

func (f *fakeEC2) AuthorizeSecurityGroupEgress(_ context.Context, _ *ec2.AuthorizeSecurityGroupEgressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error) {
	return &ec2.AuthorizeSecurityGroupEgressOutput{}, f.err
}

func (f *fakeEC2) RevokeSecurityGroupIngress(_ context.Context, in *ec2.RevokeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.revokedIn = append(f.revokedIn, *in)
	return &ec2.RevokeSecurityGroupIngressOutput{}, f.err
}

func (f *fakeEC2) RevokeSecurityGroupEgress(_ context.Context, _ *ec2.RevokeSecurityGroupEgressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error) {
	return &ec2.RevokeSecurityGroupEgressOutput{}, f.err
}

func newTestAWS(fake ec2API) *AWS {
	return &AWS{
		client:  fake,
		groupID: "sg-123",
		logger:  logging.WithComponent("test"),
		applied: make(map[string]policy.Rule),
	}
}

func TestAWSAllowTranslates(t *testing.T) {
	fake := &fakeEC2{}
	a := newTestAWS(fake)

	r := denyRule()
	r.Action = policy.ActionAllow
	warning, err := a.Apply(context.Background(), r)
	require.NoError(t, err)
	assert.Empty(t, warning)

	require.Len(t, fake.authorizedIn, 1)
	perm := fake.authorizedIn[0].IpPermissions[0]
	assert.Equal(t, "tcp", *perm.IpProtocol)
	assert.Equal(t, int32(22), *perm.FromPort)
	assert.Equal(t, "203.0.113.0/24", *perm.IpRanges[0].CidrIp)
}

func TestAWSDenyIsWarnedNoOp(t *testing.T) {
	fake := &fakeEC2{}
	a := newTestAWS(fake)

	warning, err := a.Apply(context.Background(), denyRule())
	require.NoError(t, err)
	assert.Equal(t, "DENY not expressible on AWS SG; translated to no-op", warning)
	assert.Empty(t, fake.authorizedIn, "no API call for a no-op")

	rules, err := a.ListRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules, "no-op rules never enter the handle cache")
}

func TestAWSICMPPorts(t *testing.T) {
	r := denyRule()
	r.Action = policy.ActionAllow
	r.Protocol = "ICMP"
	r.DestPort = 0

	perm, warning, err := awsPermission(r)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, "icmp", *perm.IpProtocol)
	assert.Equal(t, int32(-1), *perm.FromPort)
	assert.Equal(t, int32(-1), *perm.ToPort)
}

func TestAWSRemoveTranslatesToRevoke(t *testing.T) {
	fake := &fakeEC2{}
	a := newTestAWS(fake)

	r := denyRule()
	r.Action = policy.ActionAllow
	require.NoError(t, a.Remove(context.Background(), r))
	assert.Len(t, fake.revokedIn, 1)
}

func TestAWSListTracksApplied(t *testing.T) {
	fake := &fakeEC2{}
	a := newTestAWS(fake)
	ctx := context.Background()

	r := denyRule()
	r.Action = policy.ActionAllow
	_, err := a.Apply(ctx, r)
	require.NoError(t, err)

	rules, err := a.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)

	removed, err := a.ClearManaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Len(t, fake.revokedIn, 1)
}

type fakeAzureRules struct {
	created map[string]armnetwork.SecurityRule
	deleted []string
	err     error
}

func (f *fakeAzureRules) CreateOrUpdate(_ context.Context, name string, rule armnetwork.SecurityRule) error {
	if f.err != nil {
		return f.err
	}
	if f.created == nil {
		f.created = make(map[string]armnetwork.SecurityRule)
	}
	f.created[name] = rule
	return nil
}

func (f *fakeAzureRules) Delete(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func TestAzureDenyTranslates(t *testing.T) {
	fake := &fakeAzureRules{}
	a := newAzureWithAPI(fake)

	warning, err := a.Apply(context.Background(), denyRule())
	require.NoError(t, err)
	assert.Empty(t, warning)

	rule, ok := fake.created["sentinel-r1"]
	require.True(t, ok)
	assert.Equal(t, armnetwork.SecurityRuleAccessDeny, *rule.Properties.Access)
	assert.Equal(t, armnetwork.SecurityRuleDirectionInbound, *rule.Properties.Direction)
	assert.Equal(t, "22", *rule.Properties.DestinationPortRange)
	assert.Equal(t, int32(azureBasePriority), *rule.Properties.Priority)
}

func TestAzurePrioritiesAreUniqueAndStable(t *testing.T) {
	fake := &fakeAzureRules{}
	a := newAzureWithAPI(fake)

	r1 := denyRule()
	r2 := denyRule()
	r2.ID = "r2"

	_, err := a.Apply(context.Background(), r1)
	require.NoError(t, err)
	_, err = a.Apply(context.Background(), r2)
	require.NoError(t, err)
	_, err = a.Apply(context.Background(), r1) // re-apply keeps its slot
	require.NoError(t, err)

	p1 := *fake.created["sentinel-r1"].Properties.Priority
	p2 := *fake.created["sentinel-r2"].Properties.Priority
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, int32(azureBasePriority), p1)
}

func TestAzureNonAllowActionsTranslateToDeny(t *testing.T) {
	fake := &fakeAzureRules{}
	a := newAzureWithAPI(fake)

	for _, action := range []policy.Action{policy.ActionRateLimit, policy.ActionLog, policy.ActionMonitor, policy.ActionQuarantine} {
		r := denyRule()
		r.ID = "r-" + strings.ToLower(string(action))
		r.Action = action
		if action == policy.ActionRateLimit {
			r.RateLimit = &policy.RateLimit{PacketsPerSecond: 10, Burst: 5}
		}

		warning, err := a.Apply(context.Background(), r)
		require.NoError(t, err)
		assert.Empty(t, warning)

		rule, ok := fake.created[azureRuleName(r.ID)]
		require.True(t, ok)
		assert.Equal(t, armnetwork.SecurityRuleAccessDeny, *rule.Properties.Access)
	}
}

func TestAzureRemove(t *testing.T) {
	fake := &fakeAzureRules{}
	a := newAzureWithAPI(fake)

	require.NoError(t, a.Remove(context.Background(), denyRule()))
	assert.Equal(t, []string{"sentinel-r1"}, fake.deleted)
}

func TestAzureListAndClearManaged(t *testing.T) {
	fake := &fakeAzureRules{}
	a := newAzureWithAPI(fake)
	ctx := context.Background()

	_, err := a.Apply(ctx, denyRule())
	require.NoError(t, err)

	rules, err := a.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)

	removed, err := a.ClearManaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"sentinel-r1"}, fake.deleted)

	rules, err = a.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestGCPDenyUsesDeniedList(t *testing.T) {
	a := &GCP{network: "prod-vpc", logger: logging.WithComponent("test")}

	fw, err := a.gcpFirewall(denyRule())
	require.NoError(t, err)
	require.NotNil(t, fw)
	assert.Equal(t, "sentinel-r1", fw.GetName())
	assert.Equal(t, "global/networks/prod-vpc", fw.GetNetwork())
	assert.Empty(t, fw.GetAllowed())
	require.Len(t, fw.GetDenied(), 1)
	assert.Equal(t, "tcp", fw.GetDenied()[0].GetIPProtocol())
	assert.Equal(t, []string{"22"}, fw.GetDenied()[0].GetPorts())
	assert.Equal(t, []string{"203.0.113.0/24"}, fw.GetSourceRanges())
}

func TestGCPAllowUsesAllowedList(t *testing.T) {
	a := &GCP{network: "prod-vpc", logger: logging.WithComponent("test")}

	r := denyRule()
	r.Action = policy.ActionAllow
	fw, err := a.gcpFirewall(r)
	require.NoError(t, err)
	require.Len(t, fw.GetAllowed(), 1)
	assert.Empty(t, fw.GetDenied())

	r.Action = policy.ActionRateLimit
	fw, err = a.gcpFirewall(r)
	require.NoError(t, err)
	require.Len(t, fw.GetAllowed(), 1, "the limit itself is not expressible; RATE_LIMIT still allows")
}

func TestGCPPriorityInversion(t *testing.T) {
	assert.Equal(t, int32(1000), gcpPriority(0))
	assert.Equal(t, int32(900), gcpPriority(100))
	assert.Equal(t, int32(0), gcpPriority(5000))
}

func TestGCPMonitorUsesDeniedList(t *testing.T) {
	a := &GCP{network: "prod-vpc", logger: logging.WithComponent("test")}

	r := denyRule()
	r.Action = policy.ActionMonitor
	fw, err := a.gcpFirewall(r)
	require.NoError(t, err)
	require.Len(t, fw.GetDenied(), 1)
	assert.Empty(t, fw.GetAllowed())
}

func TestFactoryRejectsUnknownVendor(t *testing.T) {
	_, err := New(context.Background(), Config{Vendors: []string{"palo-alto"}})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
