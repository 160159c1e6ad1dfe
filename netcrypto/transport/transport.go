// Package transport defines the abstract datagram carrier the session
// engine sends and receives over. Real UDP sockets, a TCP-relay client,
// and an in-memory fake for tests all satisfy the same interface; this
// package never opens a socket itself.
package transport

import (
	"context"
	"net"
)

// Endpoint names where a packet goes: a direct UDP address, or a
// relayed path through a specific TCP relay toward a DHT public key.
// Exactly one of the two accessor-friendly constructors below should
// be used; the zero value is not a valid Endpoint.
type Endpoint struct {
	udp       net.Addr
	relayID   uint64
	destDHTPK [32]byte
	isRelay   bool
}

// UDPEndpoint targets a direct UDP address.
func UDPEndpoint(addr net.Addr) Endpoint {
	return Endpoint{udp: addr}
}

// TCPRelayEndpoint targets a peer via a specific relay connection,
// identified by relayID, forwarding to destDHTPK.
func TCPRelayEndpoint(relayID uint64, destDHTPK [32]byte) Endpoint {
	return Endpoint{relayID: relayID, destDHTPK: destDHTPK, isRelay: true}
}

// IsRelay reports whether this endpoint routes through a TCP relay.
func (e Endpoint) IsRelay() bool { return e.isRelay }

// UDPAddr returns the direct UDP address; only meaningful when
// !IsRelay().
func (e Endpoint) UDPAddr() net.Addr { return e.udp }

// RelayID and DestDHTPK identify the relay hop; only meaningful when
// IsRelay().
func (e Endpoint) RelayID() uint64     { return e.relayID }
func (e Endpoint) DestDHTPK() [32]byte { return e.destDHTPK }

// Inbound is one datagram received over some Endpoint, handed to the
// session engine for demultiplexing by wire tag and peer lookup.
type Inbound struct {
	From Endpoint
	Data []byte
}

// Transport is the abstract carrier the session engine depends on. It
// knows nothing about cookies, handshakes, or sessions; it only moves
// opaque byte slices to and from endpoints.
type Transport interface {
	// Send writes data to endpoint. Implementations should not block
	// indefinitely; ctx cancellation must be honored.
	Send(ctx context.Context, endpoint Endpoint, data []byte) error

	// Inbound returns a channel of datagrams arriving on any endpoint
	// this transport listens on. An implementation may close the
	// channel once it is done, which ends Engine.Run's inbound loop;
	// Memory leaves it open after Close so queued datagrams can still
	// be drained.
	Inbound() <-chan Inbound

	// Close releases transport resources.
	Close() error
}
