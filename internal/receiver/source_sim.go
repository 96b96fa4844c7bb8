// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package receiver

import (
	"fmt"
	"net/netip"
	"sync"

	"grimm.is/flywall/internal/errors"
)

type simInbound struct {
	payload []byte
	ifIndex int
	src     netip.Addr
}

// SimPacketSource is an injectable, in-memory PacketSource standing in for
// a raw socket on non-Linux hosts and in tests, mirroring sender's
// SimTransmitter.
type SimPacketSource struct {
	mu     sync.Mutex
	in     chan simInbound
	joined map[string]bool
	closed bool
}

// NewSimPacketSource creates an empty SimPacketSource.
func NewSimPacketSource() *SimPacketSource {
	return &SimPacketSource{in: make(chan simInbound, 64), joined: map[string]bool{}}
}

// Inject queues payload as if it had arrived on ifIndex from src.
func (s *SimPacketSource) Inject(payload []byte, ifIndex int, src netip.Addr) {
	s.in <- simInbound{payload: append([]byte(nil), payload...), ifIndex: ifIndex, src: src}
}

// ReadFrom implements PacketSource.
func (s *SimPacketSource) ReadFrom() ([]byte, int, netip.Addr, error) {
	p, ok := <-s.in
	if !ok {
		return nil, 0, netip.Addr{}, errors.New(errors.KindUnavailable, "sim packet source closed")
	}
	return p.payload, p.ifIndex, p.src, nil
}

// JoinGroup implements PacketSource, recording the join for test assertions.
func (s *SimPacketSource) JoinGroup(ifIndex int, group netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[fmt.Sprintf("%d/%s", ifIndex, group)] = true
	return nil
}

// Joined reports whether JoinGroup(ifIndex, group) was called, for test
// assertions.
func (s *SimPacketSource) Joined(ifIndex int, group netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[fmt.Sprintf("%d/%s", ifIndex, group)]
}

// Close implements PacketSource.
func (s *SimPacketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.in)
	}
	return nil
}
