// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	mb := NewMailbox(10)
	require.True(t, mb.Send(Message{Kind: KindNewSource, Priority: Loseable, Payload: "loseable"}))
	require.True(t, mb.Send(Message{Kind: KindConfig, Priority: UserInput, Payload: "user"}))
	require.True(t, mb.Send(Message{Kind: KindTimerFilter, Priority: Systemic, Payload: "systemic"}))

	msg, ok := mb.Recv(context.Background())
	require.True(t, ok)
	require.Equal(t, "user", msg.Payload)

	msg, ok = mb.Recv(context.Background())
	require.True(t, ok)
	require.Equal(t, "systemic", msg.Payload)

	msg, ok = mb.Recv(context.Background())
	require.True(t, ok)
	require.Equal(t, "loseable", msg.Payload)
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	mb := NewMailbox(10)
	for i := 0; i < 5; i++ {
		require.True(t, mb.Send(New(KindDebug, i)))
	}
	for i := 0; i < 5; i++ {
		msg, ok := mb.Recv(context.Background())
		require.True(t, ok)
		require.Equal(t, i, msg.Payload)
	}
}

func TestSendBlocksWhenFullUntilRecv(t *testing.T) {
	mb := NewMailbox(1)
	require.True(t, mb.Send(New(KindDebug, 1)))

	unblocked := make(chan struct{})
	go func() {
		mb.Send(New(KindDebug, 2))
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("Send should have blocked while mailbox is full")
	default:
	}

	_, _ = mb.Recv(context.Background())
	<-unblocked
}

func TestCloseWakesBlockedRecv(t *testing.T) {
	mb := NewMailbox(1)
	done := make(chan bool, 1)
	go func() {
		_, ok := mb.Recv(context.Background())
		done <- ok
	}()
	mb.Close()
	require.False(t, <-done)
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := mb.Recv(ctx)
		done <- ok
	}()
	cancel()
	require.False(t, <-done)
}
