// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package firewall

import (
	"context"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

// Nftables is only available on Linux.
type Nftables struct{}

func NewNftables() (*Nftables, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables requires linux")
}

func (a *Nftables) Name() string { return "nftables" }

func (a *Nftables) Available(context.Context) bool { return false }

func (a *Nftables) DryRun(context.Context, policy.Rule) error {
	return errors.New(errors.KindUnavailable, "nftables requires linux")
}

func (a *Nftables) Apply(context.Context, policy.Rule) (string, error) {
	return "", errors.New(errors.KindUnavailable, "nftables requires linux")
}

func (a *Nftables) Remove(context.Context, policy.Rule) error {
	return errors.New(errors.KindUnavailable, "nftables requires linux")
}

func (a *Nftables) ListRules(context.Context) ([]policy.Rule, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables requires linux")
}

func (a *Nftables) ClearManaged(context.Context) (int, error) {
	return 0, errors.New(errors.KindUnavailable, "nftables requires linux")
}
