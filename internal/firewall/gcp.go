// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

// gcpFirewallAPI hides the operation plumbing from the adapter logic.
type gcpFirewallAPI interface {
	Insert(ctx context.Context, fw *computepb.Firewall) error
	Patch(ctx context.Context, name string, fw *computepb.Firewall) error
	Delete(ctx context.Context, name string) error
}

// VPC firewall operations are async; give them this long to settle.
const gcpOperationTimeout = 120 * time.Second

// GCP manages VPC firewall rules in one project and network.
type GCP struct {
	api     gcpFirewallAPI
	network string
	logger  *logging.Logger

	mu      sync.Mutex
	applied map[string]policy.Rule
}

// NewGCP uses application default credentials.
func NewGCP(ctx context.Context, cfg GCPConfig) (*GCP, error) {
	if cfg.Project == "" || cfg.Network == "" {
		return nil, errors.New(errors.KindValidation, "gcp: project and network are required")
	}
	client, err := compute.NewFirewallsRESTClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "gcp firewalls client")
	}
	return &GCP{
		api:     &gcpFirewalls{client: client, project: cfg.Project},
		network: cfg.Network,
		logger:  logging.WithComponent("firewall.gcp"),
		applied: make(map[string]policy.Rule),
	}, nil
}

func (a *GCP) Name() string { return "gcp" }

// Available is false when the SDK client never initialized.
func (a *GCP) Available(context.Context) bool { return a.api != nil }

func (a *GCP) DryRun(_ context.Context, rule policy.Rule) error {
	_, err := a.gcpFirewall(rule)
	return err
}

func (a *GCP) Apply(ctx context.Context, rule policy.Rule) (string, error) {
	fw, err := a.gcpFirewall(rule)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, gcpOperationTimeout)
	defer cancel()
	if err := a.api.Insert(ctx, fw); err != nil {
		if gcpStatus(err) != 409 {
			return "", classifyGCP(err)
		}
		if perr := a.api.Patch(ctx, fw.GetName(), fw); perr != nil {
			return "", classifyGCP(perr)
		}
	}
	a.mu.Lock()
	if a.applied == nil {
		a.applied = make(map[string]policy.Rule)
	}
	a.applied[rule.ID] = rule
	a.mu.Unlock()
	return "", nil
}

func (a *GCP) Remove(ctx context.Context, rule policy.Rule) error {
	ctx, cancel := context.WithTimeout(ctx, gcpOperationTimeout)
	defer cancel()
	if err := a.api.Delete(ctx, gcpRuleName(rule.ID)); err != nil {
		if gcpStatus(err) != 404 {
			return classifyGCP(err)
		}
	}
	a.mu.Lock()
	delete(a.applied, rule.ID)
	a.mu.Unlock()
	return nil
}

// ListRules serves the installed VPC rules from the local handle cache.
func (a *GCP) ListRules(context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cachedRules(a.applied), nil
}

// ClearManaged deletes every cached firewall resource.
func (a *GCP) ClearManaged(ctx context.Context) (int, error) {
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

// Firewall resource names must be RFC 1035 labels.
func gcpRuleName(ruleID string) string {
	return "sentinel-" + strings.ToLower(ruleID)
}

// gcpFirewall translates a rule. ALLOW and RATE_LIMIT land in the
// allowed list (the limit itself is not expressible); every other
// action lands in the denied list.
func (a *GCP) gcpFirewall(rule policy.Rule) (*computepb.Firewall, error) {
	if !rule.Action.IsValid() {
		return nil, errors.Errorf(errors.KindValidation, "unknown action %q", rule.Action)
	}

	var ipProto string
	switch strings.ToUpper(rule.Protocol) {
	case "TCP", "UDP", "ICMP":
		ipProto = strings.ToLower(rule.Protocol)
	case "ALL", "ANY", "":
		ipProto = "all"
	default:
		return nil, errors.Errorf(errors.KindValidation, "protocol %q not expressible on GCP VPC firewalls", rule.Protocol)
	}

	var ports []string
	if rule.DestPort != 0 && (ipProto == "tcp" || ipProto == "udp") {
		ports = []string{fmt.Sprintf("%d", rule.DestPort)}
	}

	direction := "INGRESS"
	if rule.Direction == "egress" {
		direction = "EGRESS"
	}

	fw := &computepb.Firewall{
		Name:        proto.String(gcpRuleName(rule.ID)),
		Network:     proto.String("global/networks/" + a.network),
		Direction:   proto.String(direction),
		Priority:    proto.Int32(gcpPriority(rule.Priority)),
		Description: proto.String("SENTINEL:" + rule.ID),
	}
	if rule.Action == policy.ActionAllow || rule.Action == policy.ActionRateLimit {
		fw.Allowed = []*computepb.Allowed{{IPProtocol: proto.String(ipProto), Ports: ports}}
	} else {
		fw.Denied = []*computepb.Denied{{IPProtocol: proto.String(ipProto), Ports: ports}}
	}

	cidr := rule.SourceCIDR
	if cidr == "" {
		cidr = "0.0.0.0/0"
	}
	if direction == "EGRESS" {
		dst := rule.DestIP
		if dst == "" {
			dst = "0.0.0.0/0"
		}
		fw.DestinationRanges = []string{dst}
	} else {
		fw.SourceRanges = []string{cidr}
	}
	return fw, nil
}

// gcpPriority inverts the scale: our higher number wins, GCP's lower
// number wins.
func gcpPriority(p int) int32 {
	v := 1000 - p
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return int32(v)
}

func gcpStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func classifyGCP(err error) error {
	code := gcpStatus(err)
	if code == 429 || code >= 500 {
		return errors.Wrap(err, errors.KindAdapterTransient, "gcp vpc")
	}
	return errors.Wrap(err, errors.KindAdapterPermanent, "gcp vpc")
}

// gcpFirewalls is the production gcpFirewallAPI over the compute SDK.
type gcpFirewalls struct {
	client  *compute.FirewallsClient
	project string
}

func (g *gcpFirewalls) Insert(ctx context.Context, fw *computepb.Firewall) error {
	op, err := g.client.Insert(ctx, &computepb.InsertFirewallRequest{
		Project:          g.project,
		FirewallResource: fw,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (g *gcpFirewalls) Patch(ctx context.Context, name string, fw *computepb.Firewall) error {
	op, err := g.client.Patch(ctx, &computepb.PatchFirewallRequest{
		Project:          g.project,
		Firewall:         name,
		FirewallResource: fw,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (g *gcpFirewalls) Delete(ctx context.Context, name string) error {
	op, err := g.client.Delete(ctx, &computepb.DeleteFirewallRequest{
		Project:  g.project,
		Firewall: name,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}
