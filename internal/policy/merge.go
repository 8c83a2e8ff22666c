// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"fmt"
	"math/bits"
	"net/netip"
	"sort"

	"github.com/google/uuid"
)

// MergeRules collapses rules that differ only in source CIDR into the
// minimal covering set of prefixes. Non-mergeable groups pass through
// unchanged. Order follows the group order of the input.
func MergeRules(rules []Rule) []Rule {
	type group struct {
		first *Rule
		cidrs []string
	}
	var order []string
	groups := make(map[string]*group)

	for i := range rules {
		r := &rules[i]
		key := groupKey(r)
		g, ok := groups[key]
		if !ok {
			g = &group{first: r}
			groups[key] = g
			order = append(order, key)
		}
		g.cidrs = append(g.cidrs, r.SourceCIDR)
	}

	var out []Rule
	for _, key := range order {
		g := groups[key]
		if len(g.cidrs) == 1 {
			out = append(out, *g.first)
			continue
		}
		merged := MergeCIDRs(g.cidrs)
		for _, cidr := range merged {
			r := *g.first
			r.SourceCIDR = cidr
			if len(merged) != len(g.cidrs) {
				r.ID = uuid.NewString()
			}
			out = append(out, r)
		}
	}
	return out
}

func groupKey(r *Rule) string {
	rl := ""
	if r.RateLimit != nil {
		rl = fmt.Sprintf("%d/%d", r.RateLimit.PacketsPerSecond, r.RateLimit.Burst)
	}
	return fmt.Sprintf("%s|%s|%d|%s|%s|%d|%s", r.Action, r.Protocol, r.DestPort, r.DestIP, r.Direction, r.Priority, rl)
}

// MergeCIDRs returns the minimal set of IPv4 prefixes covering exactly
// the union of the inputs. IPv6 and unparseable entries pass through
// untouched.
func MergeCIDRs(cidrs []string) []string {
	type span struct{ start, end uint32 }
	var spans []span
	var passthrough []string

	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			if addr, aerr := netip.ParseAddr(c); aerr == nil && addr.Is4() {
				p = netip.PrefixFrom(addr, 32)
			} else {
				passthrough = append(passthrough, c)
				continue
			}
		}
		if !p.Addr().Is4() {
			passthrough = append(passthrough, c)
			continue
		}
		p = p.Masked()
		base := beUint32(p.Addr().As4())
		size := uint32(1) << (32 - p.Bits())
		spans = append(spans, span{start: base, end: base + size - 1})
	}

	if len(spans) == 0 {
		return passthrough
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	// Merge overlapping and adjacent ranges.
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end || (last.end != ^uint32(0) && s.start == last.end+1) {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	// Emit the minimal CIDR cover of each range.
	var out []string
	for _, s := range merged {
		start := uint64(s.start)
		end := uint64(s.end)
		for start <= end {
			// Largest aligned block starting at start that fits.
			maxBits := uint64(32)
			if start != 0 {
				maxBits = uint64(bits.TrailingZeros64(start))
				if maxBits > 32 {
					maxBits = 32
				}
			}
			remaining := end - start + 1
			sizeBits := uint64(63 - bits.LeadingZeros64(remaining))
			if sizeBits < maxBits {
				maxBits = sizeBits
			}
			prefixLen := 32 - int(maxBits)
			out = append(out, fmt.Sprintf("%s/%d", uint32ToAddr(uint32(start)), prefixLen))
			start += uint64(1) << maxBits
		}
	}
	return append(out, passthrough...)
}

func beUint32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
