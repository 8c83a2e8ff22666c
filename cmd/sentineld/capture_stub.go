// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package main

import (
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/ingest"
)

// Live capture rides on AF_PACKET sockets.
func openLiveCapture(string) (ingest.FrameSource, error) {
	return nil, errors.New(errors.KindUnavailable, "live capture requires linux")
}
