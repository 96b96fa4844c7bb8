// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package aggregation

import (
	"hash/fnv"
	"net/netip"
	"time"

	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/wire"
)

// Sender is the subset of spec §4.4's capabilities the aggregation
// engine drives: emitting a combined membership record upstream.
// Declared locally so this package never needs to import internal/sender.
type Sender interface {
	SendRecord(ifIndex int, proto wire.Protocol, mode querier.FilterMode, group netip.Addr, sources []netip.Addr) error
}

// Upstream is one upstream interface's aggregation target and its OUT
// filter (projected before sending). Its position in the upstreams slice
// keys the MUTEX partition assignment.
type Upstream struct {
	IfIndex    int
	Name       string
	OutBinding *pconfig.RuleBinding
}

// Run combines every downstream's per-group state, distributes it across
// upstreams per discipline, and sends one record per upstream that ends
// up with non-empty membership (spec §4.9). now is used to key the
// MUTEX partition window; any discipline other than FIRST or MUTEX is
// treated as ALL.
func Run(sender Sender, proto wire.Protocol, group netip.Addr, downstreamStates []State, upstreams []Upstream, discipline pconfig.MatchDiscipline, mutexTimeout time.Duration, now time.Time) error {
	if len(upstreams) == 0 {
		return nil
	}
	merged := MergeAll(downstreamStates)

	switch discipline {
	case pconfig.MatchFirst:
		return runFirst(sender, proto, group, merged, upstreams)
	case pconfig.MatchMutex:
		return runMutex(sender, proto, group, merged, upstreams, mutexTimeout, now)
	default:
		return runAll(sender, proto, group, merged, upstreams)
	}
}

func runAll(sender Sender, proto wire.Protocol, group netip.Addr, merged State, upstreams []Upstream) error {
	for _, up := range upstreams {
		projected := ProjectThroughBinding(merged, up.OutBinding, up.Name, group)
		if err := send(sender, up, proto, group, projected); err != nil {
			return err
		}
	}
	return nil
}

func runFirst(sender Sender, proto wire.Protocol, group netip.Addr, merged State, upstreams []Upstream) error {
	if merged.Mode == querier.Exclude {
		for _, up := range upstreams {
			projected := ProjectThroughBinding(merged, up.OutBinding, up.Name, group)
			if isBlocked(projected) {
				continue
			}
			return send(sender, up, proto, group, projected)
		}
		return nil
	}
	remaining := merged.Sources
	for _, up := range upstreams {
		if len(remaining) == 0 {
			break
		}
		projected := ProjectThroughBinding(State{Mode: querier.Include, Sources: remaining}, up.OutBinding, up.Name, group)
		if len(projected.Sources) == 0 {
			continue
		}
		if err := send(sender, up, proto, group, projected); err != nil {
			return err
		}
		remaining = querier.Difference(remaining, projected.Sources)
	}
	return nil
}

// runMutex partitions the combined membership (the Include source list,
// or the Exclude source list when the merged state is EXCLUDE)
// deterministically across upstreams by hashing each source together
// with a coarse time window derived from mutexTimeout, per spec §9's
// Open Question resolution: hash(source) mod len(upstreams), bucketed by
// now()/timeoutWindow so the assignment is stable within one window and
// reshuffles across windows.
func runMutex(sender Sender, proto wire.Protocol, group netip.Addr, merged State, upstreams []Upstream, mutexTimeout time.Duration, now time.Time) error {
	if mutexTimeout <= 0 {
		mutexTimeout = time.Second
	}
	window := now.UnixNano() / int64(mutexTimeout)
	buckets := make([]querier.SourceSet, len(upstreams))
	for i := range buckets {
		buckets[i] = querier.SourceSet{}
	}
	for src := range merged.Sources {
		idx := mutexBucket(src, window, len(upstreams))
		buckets[idx][src] = struct{}{}
	}
	for i, up := range upstreams {
		if len(buckets[i]) == 0 {
			continue
		}
		state := State{Mode: merged.Mode, Sources: buckets[i]}
		projected := ProjectThroughBinding(state, up.OutBinding, up.Name, group)
		if err := send(sender, up, proto, group, projected); err != nil {
			return err
		}
	}
	return nil
}

func mutexBucket(src netip.Addr, window int64, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	b := src.As16()
	h.Write(b[:])
	var wb [8]byte
	for i := 0; i < 8; i++ {
		wb[i] = byte(window >> (8 * i))
	}
	h.Write(wb[:])
	return int(h.Sum64() % uint64(n))
}

// isBlocked reports whether state forwards nothing at all: INCLUDE({})
// is the only representation of "block everything" in this algebra.
func isBlocked(state State) bool {
	return state.Mode == querier.Include && len(state.Sources) == 0
}

func send(sender Sender, up Upstream, proto wire.Protocol, group netip.Addr, state State) error {
	if isBlocked(state) {
		return nil
	}
	return sender.SendRecord(up.IfIndex, proto, state.Mode, group, state.Sources.Slice())
}
