// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mbox

import (
	"container/heap"
	"context"
	"sync"

	"grimm.is/flywall/internal/errors"
)

// DefaultCapacity is the minimum bound spec §4.11 requires (>=1000).
const DefaultCapacity = 1000

type item struct {
	msg Message
	seq uint64 // enqueue order, breaks priority ties (FIFO within a class)
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Mailbox is the bounded priority queue a proxy instance actor dequeues
// from (spec §4.11, §5): messages are delivered in priority order
// (USER_INPUT first), FIFO within a priority class. Send blocks while the
// mailbox is full (producer backpressure); Recv blocks while it is empty.
type Mailbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	h        itemHeap
	cap      int
	nextSeq  uint64
	closed   bool
}

// NewMailbox creates a Mailbox with the given capacity. A capacity below
// DefaultCapacity is still honored (useful in tests) but production
// instances should use DefaultCapacity or more, per spec §4.11.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Mailbox{cap: capacity}
	m.notEmpty = sync.NewCond(&m.mu)
	m.notFull = sync.NewCond(&m.mu)
	return m
}

// Send enqueues msg, blocking while the mailbox is full. Returns false if
// the mailbox has been closed.
func (m *Mailbox) Send(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.h) >= m.cap && !m.closed {
		m.notFull.Wait()
	}
	if m.closed {
		return false
	}
	heap.Push(&m.h, item{msg: msg, seq: m.nextSeq})
	m.nextSeq++
	m.notEmpty.Signal()
	return true
}

// Recv dequeues the highest-priority, earliest-enqueued message, blocking
// until one is available, the mailbox is closed, or ctx is done.
func (m *Mailbox) Recv(ctx context.Context) (Message, bool) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.notEmpty.Broadcast()
				m.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.h) == 0 && !m.closed {
		if ctx != nil && ctx.Err() != nil {
			return Message{}, false
		}
		m.notEmpty.Wait()
	}
	if len(m.h) == 0 {
		return Message{}, false
	}
	it := heap.Pop(&m.h).(item)
	m.notFull.Signal()
	return it.msg, true
}

// Deliver enqueues msg, satisfying timing.Sink[Message] so a Mailbox can
// be handed directly to a timing.Service as the delivery target for a
// component's scheduled timers.
func (m *Mailbox) Deliver(msg Message) error {
	if !m.Send(msg) {
		return errors.New(errors.KindUnavailable, "mailbox closed")
	}
	return nil
}

// Len reports the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}

// Close marks the mailbox closed, waking any blocked Send/Recv. Already
// queued messages remain available to Recv until drained; Recv returns
// false once the queue is empty and closed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.notEmpty.Broadcast()
	m.notFull.Broadcast()
}
