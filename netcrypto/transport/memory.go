package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Memory is an in-process Transport backed by channels, used to drive
// session-engine tests without opening real sockets. Two Memory values
// wired to each other's peer field form a full-duplex link; Deliver
// lets a test simulate datagram loss deterministically via a supplied
// decision function instead of actual randomness.
type Memory struct {
	mu     sync.Mutex
	inbox  chan Inbound
	closed bool

	// Deliver is called for every Send before the datagram is queued
	// on the peer's inbox; returning false drops the datagram. Nil
	// means deliver everything.
	Deliver func(endpoint Endpoint, data []byte) bool

	peer *Memory
	self Endpoint
}

// NewMemoryPair returns two linked transports. Sending on a with
// destination selfB delivers into b's Inbound channel, and vice versa;
// selfA/selfB are the endpoints each side should be addressed as.
func NewMemoryPair(selfA, selfB Endpoint) (a *Memory, b *Memory) {
	a = &Memory{inbox: make(chan Inbound, 256), self: selfA}
	b = &Memory{inbox: make(chan Inbound, 256), self: selfB}
	a.peer = b
	b.peer = a
	return a, b
}

func (m *Memory) Send(ctx context.Context, endpoint Endpoint, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	deliver := m.Deliver
	peer := m.peer
	self := m.self
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if deliver != nil && !deliver(endpoint, data) {
		return nil
	}

	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return nil
	}

	select {
	case peer.inbox <- Inbound{From: self, Data: append([]byte(nil), data...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Inbound() <-chan Inbound {
	return m.inbox
}

// Close marks the transport closed; further Send calls on it fail,
// and the peer stops delivering inbound datagrams to it. The inbox
// channel itself is left open so buffered datagrams already queued
// can still be drained.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
