// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall provides the enforcement backends. Each adapter
// translates policy rules into one vendor's native representation and
// implements policy.VendorAdapter.
package firewall

import (
	"context"
	"os/exec"
	"sort"
	"strings"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

// Config selects and parameterizes the enforcement backends.
type Config struct {
	// Vendors lists the backends to drive: iptables, nftables, aws,
	// azure, gcp, or auto (pick the first usable local backend).
	Vendors []string `yaml:"vendors"`

	AWS   AWSConfig   `yaml:"aws"`
	Azure AzureConfig `yaml:"azure"`
	GCP   GCPConfig   `yaml:"gcp"`
}

// AWSConfig identifies the security group to manage.
type AWSConfig struct {
	Region          string `yaml:"region"`
	SecurityGroupID string `yaml:"security_group_id"`
}

// AzureConfig identifies the network security group to manage.
type AzureConfig struct {
	SubscriptionID string `yaml:"subscription_id"`
	ResourceGroup  string `yaml:"resource_group"`
	NSGName        string `yaml:"nsg_name"`
}

// GCPConfig identifies the VPC project and network to manage.
type GCPConfig struct {
	Project string `yaml:"project"`
	Network string `yaml:"network"`
}

// New builds the adapters named in cfg.Vendors. Unknown names are an
// error; a backend that fails to initialize is an error too, so a
// misconfigured fleet never silently runs with fewer vendors.
func New(ctx context.Context, cfg Config) ([]policy.VendorAdapter, error) {
	var adapters []policy.VendorAdapter
	for _, name := range cfg.Vendors {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "auto":
			a, err := autoLocal()
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		case "iptables":
			adapters = append(adapters, NewIptables())
		case "nftables":
			a, err := NewNftables()
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		case "aws":
			a, err := NewAWS(ctx, cfg.AWS)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		case "azure":
			a, err := NewAzure(cfg.Azure)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		case "gcp":
			a, err := NewGCP(ctx, cfg.GCP)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		default:
			return nil, errors.Errorf(errors.KindValidation, "unknown firewall vendor %q", name)
		}
	}
	return adapters, nil
}

// autoLocal prefers nftables, falling back to iptables when the netlink
// connection cannot be opened.
func autoLocal() (policy.VendorAdapter, error) {
	if a, err := NewNftables(); err == nil {
		return a, nil
	}
	if _, err := exec.LookPath("iptables"); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "no usable local firewall backend")
	}
	return NewIptables(), nil
}

// cachedRules snapshots a handle cache in stable id order. Adapters
// treat the orchestrator as authoritative and never read vendor-side
// state back.
func cachedRules(cache map[string]policy.Rule) []policy.Rule {
	out := make([]policy.Rule, 0, len(cache))
	for _, r := range cache {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// runner abstracts command execution so adapters can be tested without
// touching the host firewall.
type runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (output string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		code = -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}
	return strings.TrimSpace(string(out)), code, err
}
