// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"strings"
)

// MaxSourceFilterCount is the maximum number of source addresses this
// implementation will encode into a single IGMPv3/MLDv2 group record or
// query (spec.md §6; not a kernel limit, a wire-format sanity bound
// matching mcproxy's MAX_MC_SOCKETS-adjacent source list cap).
const MaxSourceFilterCount = 4096

// Report renders a human-readable Ok/Failed summary of a CapabilityReport,
// the text printed by `mcproxyd check-kernel` (spec.md §6's `-c` flag),
// supplementing ProbeCapabilities with the concrete probed-capability
// listing SPEC_FULL.md calls for.
func (r CapabilityReport) Report() string {
	var b strings.Builder
	line := func(ok bool, label string) {
		status := "Ok"
		if !ok {
			status = "Failed"
		}
		fmt.Fprintf(&b, "%-32s %s\n", label, status)
	}
	line(r.CanOpenIPv4RawSocket, "open raw IGMP socket")
	line(r.CanOpenIPv6RawSocket, "open raw ICMPv6 socket")
	line(r.CanSetMRTFlag, "set MRT_INIT/MRT6_INIT")
	fmt.Fprintf(&b, "%-32s %d\n", "max VIFs", MaxVIFs)
	fmt.Fprintf(&b, "%-32s %d\n", "max MIFs", MaxMIFs)
	fmt.Fprintf(&b, "%-32s %d\n", "max source filter count", MaxSourceFilterCount)
	if r.MissingCapability != "" {
		fmt.Fprintf(&b, "missing capability: %s\n", r.MissingCapability)
	}
	return b.String()
}

// Ok reports whether every probed capability succeeded.
func (r CapabilityReport) Ok() bool {
	return r.CanOpenIPv4RawSocket && r.CanOpenIPv6RawSocket && r.CanSetMRTFlag
}
