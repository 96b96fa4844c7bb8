// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mbox defines the message types exchanged between a proxy
// instance's collaborators (timing service, receiver, configuration
// loader) and its actor loop, plus the bounded priority mailbox that
// delivers them (spec §4.11, §5).
package mbox

import "grimm.is/flywall/internal/timing"

// Kind identifies the message variant. Every dispatch branch in the proxy
// instance actor (spec §4.11) corresponds to exactly one Kind.
type Kind int

const (
	KindInit Kind = iota
	KindTest
	KindExit

	// Timer-fired messages. Each carries the timing.Handle the scheduler
	// stamped at Schedule time; the receiving component compares it
	// against its own current handle for that slot to detect staleness
	// (spec §3, §4.6, §8).
	KindTimerFilter             // group filter_timer expiry
	KindTimerSource             // per-source timer expiry
	KindTimerNewSourceRouting   // routing-side new-source liveness timer
	KindTimerRetGroup           // group-specific retransmission timer
	KindTimerRetSource          // group-and-source retransmission timer
	KindTimerOlderHostPresent   // compatibility-mode pin timer
	KindTimerGeneralQuery       // general query timer

	KindNewSource  // kernel cache-miss event, routing manager
	KindGroupRecord // decoded IGMP/MLD record, querier
	KindConfig      // configuration (re)load
	KindDebug       // debug/status snapshot request
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindTest:
		return "TEST"
	case KindExit:
		return "EXIT"
	case KindTimerFilter:
		return "TIMER_FILTER"
	case KindTimerSource:
		return "TIMER_SOURCE"
	case KindTimerNewSourceRouting:
		return "TIMER_NEW_SOURCE"
	case KindTimerRetGroup:
		return "TIMER_RET_GROUP"
	case KindTimerRetSource:
		return "TIMER_RET_SOURCE"
	case KindTimerOlderHostPresent:
		return "TIMER_OLDER_HOST_PRESENT"
	case KindTimerGeneralQuery:
		return "TIMER_GENERAL_QUERY"
	case KindNewSource:
		return "NEW_SOURCE"
	case KindGroupRecord:
		return "GROUP_RECORD"
	case KindConfig:
		return "CONFIG"
	case KindDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Priority is the mailbox dequeue priority; lower values are delivered
// first (spec §4.11, §5): USER_INPUT=1, SYSTEMIC=10, LOSEABLE=100.
type Priority int

const (
	UserInput Priority = 1
	Systemic  Priority = 10
	Loseable  Priority = 100
)

// DefaultPriority returns the priority class a message of this Kind is
// conventionally sent at: control messages are USER_INPUT, timer fires
// are SYSTEMIC, and receiver-sourced packet/event notifications are
// LOSEABLE (the only messages the receiver, specifically, generates —
// spec §7 "mailbox full" backpressure policy).
func (k Kind) DefaultPriority() Priority {
	switch k {
	case KindInit, KindTest, KindExit, KindConfig, KindDebug:
		return UserInput
	case KindTimerFilter, KindTimerSource, KindTimerNewSourceRouting,
		KindTimerRetGroup, KindTimerRetSource, KindTimerOlderHostPresent,
		KindTimerGeneralQuery:
		return Systemic
	case KindNewSource, KindGroupRecord:
		return Loseable
	default:
		return Loseable
	}
}

// Message is one entry in a proxy instance's mailbox.
type Message struct {
	Kind     Kind
	Priority Priority
	Handle   timing.Handle // set for timer-fired messages; zero otherwise
	Payload  any
}

// New builds a Message at its Kind's default priority.
func New(kind Kind, payload any) Message {
	return Message{Kind: kind, Priority: kind.DefaultPriority(), Payload: payload}
}

// NewTimer builds a timer-fired Message carrying the scheduler handle for
// staleness comparison by the receiving component.
func NewTimer(kind Kind, handle timing.Handle, payload any) Message {
	return Message{Kind: kind, Priority: kind.DefaultPriority(), Handle: handle, Payload: payload}
}
