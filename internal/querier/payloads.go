// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package querier

import "net/netip"

// Payload types carried by mbox.Message.Payload for each of the six
// querier timer kinds (spec §3, §4.6). Each carries exactly the fields
// its fire handler needs to locate the GroupInfo/source it was armed
// for; the timing.Handle itself travels in mbox.Message.Handle.

// GeneralQueryPayload is delivered on KindTimerGeneralQuery.
type GeneralQueryPayload struct {
	IfIndex int
}

// FilterTimerPayload is delivered on KindTimerFilter: the group's
// EXCLUDE-mode filter timer expired, reverting it to INCLUDE(Include).
type FilterTimerPayload struct {
	IfIndex int
	Group   netip.Addr
}

// SourceTimerPayload is delivered on KindTimerSource: a single source's
// per-source timer expired.
type SourceTimerPayload struct {
	IfIndex int
	Group   netip.Addr
	Source  netip.Addr
}

// GroupRetransPayload is delivered on KindTimerRetGroup: the next
// retransmission of a group-specific (TO_IN/TO_EX) query is due.
type GroupRetransPayload struct {
	IfIndex int
	Group   netip.Addr
}

// SourceRetransPayload is delivered on KindTimerRetSource: the next
// retransmission of a group-and-source-specific query is due.
type SourceRetransPayload struct {
	IfIndex int
	Group   netip.Addr
}

// OlderHostPresentPayload is delivered on KindTimerOlderHostPresent: the
// compatibility pin for this group (or interface) has expired and the
// querier may resume speaking its configured maximum protocol version.
type OlderHostPresentPayload struct {
	IfIndex int
	Group   netip.Addr
}
