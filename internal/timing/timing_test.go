// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package timing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/clock"
)

type countingSink struct {
	n atomic.Int32
}

func (s *countingSink) Deliver(msg string) error {
	s.n.Add(1)
	return nil
}

func TestScheduleFiresAfterDeadline(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	svc := NewService[string](mc, time.Millisecond)
	go svc.Run()
	defer svc.Stop()

	sink := &countingSink{}
	svc.Schedule(10*time.Millisecond, sink, func(Handle) string { return "hello" })
	require.Equal(t, 1, svc.Pending())

	mc.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return sink.n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestCancelDropsPendingForSink(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	svc := NewService[string](mc, time.Millisecond)
	go svc.Run()
	defer svc.Stop()

	sink := &countingSink{}
	svc.Schedule(10*time.Millisecond, sink, func(Handle) string { return "a" })
	svc.Cancel(sink)
	require.Equal(t, 0, svc.Pending())

	mc.Advance(50 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), sink.n.Load())
}

func TestCancelHandleDropsOnlyThatEntry(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	svc := NewService[string](mc, time.Millisecond)

	sink := &countingSink{}
	h1 := svc.Schedule(10*time.Millisecond, sink, func(Handle) string { return "a" })
	svc.Schedule(10*time.Millisecond, sink, func(Handle) string { return "b" })
	require.Equal(t, 2, svc.Pending())

	svc.CancelHandle(h1)
	require.Equal(t, 1, svc.Pending())
}
