// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import "fmt"

// BlockIP builds the intent used by automated responses to drop all
// traffic from one address, time-bounded so a false positive ages out.
func BlockIP(ip string, durationSeconds float64) Intent {
	return Intent{
		Name:            fmt.Sprintf("block-%s", ip),
		Description:     fmt.Sprintf("automated block of %s", ip),
		Action:          ActionDeny,
		SourceIP:        ip,
		Protocol:        "ANY",
		DurationSeconds: durationSeconds,
	}
}

// RateLimitIP builds the intent used to throttle a noisy source
// instead of blocking it outright.
func RateLimitIP(ip string, pps, burst int, durationSeconds float64) Intent {
	return Intent{
		Name:            fmt.Sprintf("ratelimit-%s", ip),
		Description:     fmt.Sprintf("automated rate limit of %s", ip),
		Action:          ActionRateLimit,
		SourceIP:        ip,
		Protocol:        "ANY",
		DurationSeconds: durationSeconds,
		RateLimit:       &RateLimit{PacketsPerSecond: pps, Burst: burst},
	}
}
