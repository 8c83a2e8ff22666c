// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package main

import (
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/ingest"
)

// openLiveCapture binds an AF_PACKET socket on the named interface.
// "any" binds every interface.
func openLiveCapture(name string) (ingest.FrameSource, error) {
	if name == "any" {
		name = ""
	}
	handle, err := pcapgo.NewEthernetHandle(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open capture on %q", name)
	}
	return handle, nil
}
