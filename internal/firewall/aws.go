// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

// ec2API is the slice of the EC2 client the adapter uses.
type ec2API interface {
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgress(ctx context.Context, params *ec2.AuthorizeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupEgress(ctx context.Context, params *ec2.RevokeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error)
}

// AWS manages one EC2 security group. Security groups are allow-lists,
// so only ALLOW rules translate; everything else becomes a warned
// no-op rather than a failure, since the group's default-deny already
// drops the traffic.
type AWS struct {
	client  ec2API
	groupID string
	logger  *logging.Logger

	mu      sync.Mutex
	applied map[string]policy.Rule
}

// NewAWS loads the default credential chain for the configured region.
func NewAWS(ctx context.Context, cfg AWSConfig) (*AWS, error) {
	if cfg.SecurityGroupID == "" {
		return nil, errors.New(errors.KindValidation, "aws: security_group_id is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "aws credentials")
	}
	return &AWS{
		client:  ec2.NewFromConfig(awsCfg),
		groupID: cfg.SecurityGroupID,
		logger:  logging.WithComponent("firewall.aws"),
		applied: make(map[string]policy.Rule),
	}, nil
}

func (a *AWS) Name() string { return "aws" }

// Available is false when the SDK client never initialized.
func (a *AWS) Available(context.Context) bool { return a.client != nil }

func (a *AWS) DryRun(_ context.Context, rule policy.Rule) error {
	_, _, err := awsPermission(rule)
	return err
}

func (a *AWS) Apply(ctx context.Context, rule policy.Rule) (string, error) {
	perm, warning, err := awsPermission(rule)
	if err != nil {
		return "", err
	}
	if perm == nil {
		a.logger.Warn("rule skipped", "rule_id", rule.ID, "reason", warning)
		return warning, nil
	}

	if rule.Direction == "egress" {
		_, err = a.client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(a.groupID),
			IpPermissions: []ec2types.IpPermission{*perm},
		})
	} else {
		_, err = a.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(a.groupID),
			IpPermissions: []ec2types.IpPermission{*perm},
		})
	}
	if err != nil && awsErrorCode(err) != "InvalidPermission.Duplicate" {
		return "", classifyAWS(err)
	}
	a.mu.Lock()
	a.applied[rule.ID] = rule
	a.mu.Unlock()
	return "", nil
}

func (a *AWS) Remove(ctx context.Context, rule policy.Rule) error {
	perm, _, err := awsPermission(rule)
	if err != nil || perm == nil {
		return err
	}

	if rule.Direction == "egress" {
		_, err = a.client.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       aws.String(a.groupID),
			IpPermissions: []ec2types.IpPermission{*perm},
		})
	} else {
		_, err = a.client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(a.groupID),
			IpPermissions: []ec2types.IpPermission{*perm},
		})
	}
	if err != nil && awsErrorCode(err) != "InvalidPermission.NotFound" {
		return classifyAWS(err)
	}
	a.mu.Lock()
	delete(a.applied, rule.ID)
	a.mu.Unlock()
	return nil
}

// ListRules serves the rules actually authorized on the group from the
// local handle cache; warned no-ops are absent.
func (a *AWS) ListRules(context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cachedRules(a.applied), nil
}

// ClearManaged revokes every cached permission.
func (a *AWS) ClearManaged(ctx context.Context) (int, error) {
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

// awsPermission translates a rule. A nil permission with a non-empty
// warning means the rule is a deliberate no-op on this backend.
func awsPermission(rule policy.Rule) (*ec2types.IpPermission, string, error) {
	if rule.Action != policy.ActionAllow {
		warning := fmt.Sprintf("%s not expressible on AWS SG; translated to no-op", rule.Action)
		return nil, warning, nil
	}

	var proto string
	var from, to int32
	switch strings.ToUpper(rule.Protocol) {
	case "TCP", "UDP":
		proto = strings.ToLower(rule.Protocol)
		if rule.DestPort != 0 {
			from, to = int32(rule.DestPort), int32(rule.DestPort)
		} else {
			from, to = 0, 65535
		}
	case "ICMP":
		proto, from, to = "icmp", -1, -1
	case "ALL", "ANY", "":
		proto, from, to = "-1", -1, -1
	default:
		return nil, "", errors.Errorf(errors.KindValidation, "protocol %q not expressible on AWS security groups", rule.Protocol)
	}

	cidr := rule.SourceCIDR
	if cidr == "" {
		cidr = "0.0.0.0/0"
	}
	perm := &ec2types.IpPermission{
		IpProtocol: aws.String(proto),
		IpRanges: []ec2types.IpRange{{
			CidrIp:      aws.String(cidr),
			Description: aws.String("SENTINEL:" + rule.ID),
		}},
	}
	if proto != "-1" {
		perm.FromPort = aws.Int32(from)
		perm.ToPort = aws.Int32(to)
	}
	return perm, "", nil
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func classifyAWS(err error) error {
	switch awsErrorCode(err) {
	case "RequestLimitExceeded", "Throttling", "ThrottlingException", "ServiceUnavailable", "InternalError":
		return errors.Wrap(err, errors.KindAdapterTransient, "ec2")
	}
	return errors.Wrap(err, errors.KindAdapterPermanent, "ec2")
}
