// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package instance implements spec §4.11: the proxy instance actor that
// owns one pinstance's mailbox, timing service, queriers and routing
// manager, and drives them from a single-threaded dispatch loop. Grounded
// in _examples/original_source/mcproxy/src/proxy/proxy_instance.cpp,
// reworked around the mailbox/Scheduler abstractions in internal/mbox and
// internal/timing instead of the original's own worker-thread loop.
package instance

import (
	"time"

	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/timing"
)

// Scheduler adapts a shared timing.Service[mbox.Message] and a fixed
// delivery sink (the owning instance's mailbox) to the querier.Scheduler
// and routing.Scheduler interfaces, which are structurally identical by
// design (spec §4.10, §4.11): every timer a proxy instance arms, whatever
// component owns it, is delivered back through the same mailbox.
type Scheduler struct {
	svc  *timing.Service[mbox.Message]
	sink timing.Sink[mbox.Message]
}

// NewScheduler creates a Scheduler that arms timers on svc, delivered to
// sink.
func NewScheduler(svc *timing.Service[mbox.Message], sink timing.Sink[mbox.Message]) *Scheduler {
	return &Scheduler{svc: svc, sink: sink}
}

// Schedule arms a timer after d elapses, building the delivered message
// with the Handle this entry was assigned.
func (s *Scheduler) Schedule(d time.Duration, build func(timing.Handle) mbox.Message) timing.Handle {
	return s.svc.Schedule(d, s.sink, build)
}

// Cancel drops the pending entry for h, if any.
func (s *Scheduler) Cancel(h timing.Handle) {
	s.svc.CancelHandle(h)
}
