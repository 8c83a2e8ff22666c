// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

// azureRulesAPI hides the ARM pollers from the adapter logic.
type azureRulesAPI interface {
	CreateOrUpdate(ctx context.Context, name string, rule armnetwork.SecurityRule) error
	Delete(ctx context.Context, name string) error
}

// NSG priorities must be unique per rule; managed rules start here.
const azureBasePriority = 1000

// Azure manages security rules in one network security group.
type Azure struct {
	api    azureRulesAPI
	logger *logging.Logger

	mu         sync.Mutex
	priorities map[string]int32
	applied    map[string]policy.Rule
	next       int32
}

// NewAzure authenticates with the default Azure credential chain.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.SubscriptionID == "" || cfg.ResourceGroup == "" || cfg.NSGName == "" {
		return nil, errors.New(errors.KindValidation, "azure: subscription_id, resource_group, and nsg_name are required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "azure credentials")
	}
	client, err := armnetwork.NewSecurityRulesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "azure security rules client")
	}
	return newAzureWithAPI(&armRules{
		client:        client,
		resourceGroup: cfg.ResourceGroup,
		nsgName:       cfg.NSGName,
	}), nil
}

func newAzureWithAPI(api azureRulesAPI) *Azure {
	return &Azure{
		api:        api,
		logger:     logging.WithComponent("firewall.azure"),
		priorities: make(map[string]int32),
		applied:    make(map[string]policy.Rule),
		next:       azureBasePriority,
	}
}

func (a *Azure) Name() string { return "azure" }

// Available is false when the SDK client never initialized.
func (a *Azure) Available(context.Context) bool { return a.api != nil }

func (a *Azure) DryRun(_ context.Context, rule policy.Rule) error {
	_, err := azureRule(rule, azureBasePriority)
	return err
}

func (a *Azure) Apply(ctx context.Context, rule policy.Rule) (string, error) {
	a.mu.Lock()
	prio, ok := a.priorities[rule.ID]
	if !ok {
		prio = a.next
		a.next++
	}
	a.mu.Unlock()

	sr, err := azureRule(rule, prio)
	if err != nil {
		return "", err
	}

	if err := a.api.CreateOrUpdate(ctx, azureRuleName(rule.ID), *sr); err != nil {
		return "", classifyAzure(err)
	}
	a.mu.Lock()
	a.priorities[rule.ID] = prio
	a.applied[rule.ID] = rule
	a.mu.Unlock()
	return "", nil
}

func (a *Azure) Remove(ctx context.Context, rule policy.Rule) error {
	if err := a.api.Delete(ctx, azureRuleName(rule.ID)); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
		return classifyAzure(err)
	}
	a.mu.Lock()
	delete(a.priorities, rule.ID)
	delete(a.applied, rule.ID)
	a.mu.Unlock()
	return nil
}

// ListRules serves the installed NSG rules from the local handle cache.
func (a *Azure) ListRules(context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cachedRules(a.applied), nil
}

// ClearManaged deletes every cached security rule.
func (a *Azure) ClearManaged(ctx context.Context) (int, error) {
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

func azureRuleName(ruleID string) string { return "sentinel-" + ruleID }

// azureRule translates a rule. NSG access is two-valued: ALLOW maps to
// Allow, every other action maps to Deny.
func azureRule(rule policy.Rule, priority int32) (*armnetwork.SecurityRule, error) {
	if !rule.Action.IsValid() {
		return nil, errors.Errorf(errors.KindValidation, "unknown action %q", rule.Action)
	}
	access := armnetwork.SecurityRuleAccessDeny
	if rule.Action == policy.ActionAllow {
		access = armnetwork.SecurityRuleAccessAllow
	}

	var proto armnetwork.SecurityRuleProtocol
	switch strings.ToUpper(rule.Protocol) {
	case "TCP":
		proto = armnetwork.SecurityRuleProtocolTCP
	case "UDP":
		proto = armnetwork.SecurityRuleProtocolUDP
	case "ICMP":
		proto = armnetwork.SecurityRuleProtocolIcmp
	case "ALL", "ANY", "":
		proto = armnetwork.SecurityRuleProtocolAsterisk
	default:
		return nil, errors.Errorf(errors.KindValidation, "protocol %q not expressible on Azure NSG", rule.Protocol)
	}

	direction := armnetwork.SecurityRuleDirectionInbound
	if rule.Direction == "egress" {
		direction = armnetwork.SecurityRuleDirectionOutbound
	}

	src := rule.SourceCIDR
	if src == "" || src == "0.0.0.0/0" {
		src = "*"
	}
	dst := rule.DestIP
	if dst == "" {
		dst = "*"
	}
	port := "*"
	if rule.DestPort != 0 {
		port = fmt.Sprintf("%d", rule.DestPort)
	}

	return &armnetwork.SecurityRule{
		Name: to.Ptr(azureRuleName(rule.ID)),
		Properties: &armnetwork.SecurityRulePropertiesFormat{
			Access:                   to.Ptr(access),
			Direction:                to.Ptr(direction),
			Protocol:                 to.Ptr(proto),
			Priority:                 to.Ptr(priority),
			SourceAddressPrefix:      to.Ptr(src),
			SourcePortRange:          to.Ptr("*"),
			DestinationAddressPrefix: to.Ptr(dst),
			DestinationPortRange:     to.Ptr(port),
			Description:              to.Ptr("SENTINEL:" + rule.ID),
		},
	}, nil
}

func classifyAzure(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 429 || respErr.StatusCode >= 500 {
			return errors.Wrap(err, errors.KindAdapterTransient, "azure nsg")
		}
	}
	return errors.Wrap(err, errors.KindAdapterPermanent, "azure nsg")
}

// armRules is the production azureRulesAPI over the ARM SDK.
type armRules struct {
	client        *armnetwork.SecurityRulesClient
	resourceGroup string
	nsgName       string
}

func (r *armRules) CreateOrUpdate(ctx context.Context, name string, rule armnetwork.SecurityRule) error {
	poller, err := r.client.BeginCreateOrUpdate(ctx, r.resourceGroup, r.nsgName, name, rule, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (r *armRules) Delete(ctx context.Context, name string) error {
	poller, err := r.client.BeginDelete(ctx, r.resourceGroup, r.nsgName, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}
