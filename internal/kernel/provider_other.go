// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package kernel

import "time"

// ProbeCapabilities reports full simulated capability on non-Linux hosts,
// where no real MRT socket can be opened.
func ProbeCapabilities(now time.Time) CapabilityReport {
	return CapabilityReport{
		CanOpenIPv4RawSocket: true,
		CanOpenIPv6RawSocket: true,
		CanSetMRTFlag:        true,
		CheckedAt:            now,
	}
}
