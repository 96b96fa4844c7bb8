// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sender

import (
	"net/netip"
	"sync"
)

// SimTransmitter records every packet handed to it instead of putting it
// on the wire, standing in for the raw-socket Transmitter on non-Linux
// hosts and in tests.
type SimTransmitter struct {
	mu  sync.Mutex
	out []SimPacket
}

// SimPacket is one recorded transmission.
type SimPacket struct {
	IfIndex int
	Dst     netip.Addr
	Payload []byte
}

// NewSimTransmitter creates an empty SimTransmitter.
func NewSimTransmitter() *SimTransmitter { return &SimTransmitter{} }

// Transmit implements Transmitter by recording the packet.
func (t *SimTransmitter) Transmit(ifIndex int, dst netip.Addr, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte(nil), payload...)
	t.out = append(t.out, SimPacket{IfIndex: ifIndex, Dst: dst, Payload: cp})
	return nil
}

// Sent returns every packet recorded so far, for test assertions.
func (t *SimTransmitter) Sent() []SimPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SimPacket(nil), t.out...)
}
