// Package connection holds per-peer connection state: the status
// tagged union, send/recv packet buffers, RTT/congestion bookkeeping,
// and the transport-reachability timers that drive UDP/TCP selection.
package connection

import (
	"sync"
	"time"

	"toxnetcrypto/netcrypto/box"
	"toxnetcrypto/netcrypto/packetsarray"
	"toxnetcrypto/netcrypto/transport"
)

// udpAliveWindow is how long since the last inbound UDP packet a path
// is still considered usable.
const udpAliveWindow = 8 * time.Second

// udpRetryInterval bounds how often a UDP send attempt is retried
// while no inbound UDP traffic confirms the path.
const udpRetryInterval = 4 * time.Second

// requestRetryInterval bounds how often a RequestFrame asking for
// missing recv_array entries is resent while gaps remain.
const requestRetryInterval = 2 * time.Second

// SentPacket is a send_array slot: payload plus retransmission state.
type SentPacket struct {
	Data      []byte
	SentTime  time.Time
	Requested bool // a RequestFrame delta named this packet number
}

// RecvPacket is a recv_array slot: the payload delivered by a CryptoData
// packet, pending in-order release to the application.
type RecvPacket struct {
	Data []byte
}

// Congestion tracks the send window and recent loss signal used to
// grow or shrink pacing via a simple EWMA-driven congestion state.
type Congestion struct {
	Window     uint32 // packets permitted in flight
	LossEWMA   float64
	lastUpdate time.Time
}

// NewCongestion returns a Congestion with a conservative starting
// window.
func NewCongestion() Congestion {
	return Congestion{Window: 32}
}

// CryptoConnection is the full per-peer state: identity keys, DHT
// precomputed key, current status, packet buffers, RTT, congestion,
// and UDP-path liveness timers. All fields are guarded by mu; callers
// outside netcrypto/session should use the accessor methods rather
// than touching fields directly.
type CryptoConnection struct {
	mu sync.Mutex

	DHTPrecomputedKey box.PrecomputedKey
	PeerRealPK        box.PublicKey
	PeerDHTPK         box.PublicKey
	OurSessionPK      box.PublicKey
	OurSessionSK      box.SecretKey

	Status Status

	UDPEndpoint   transport.Endpoint // zero value means no UDP candidate known
	HasUDP        bool
	RelayEndpoint transport.Endpoint
	HasRelay      bool

	udpReceivedTime    *time.Time
	udpSendAttemptTime *time.Time
	requestSentTime    *time.Time

	SendArray *packetsarray.Array[SentPacket]
	RecvArray *packetsarray.Array[RecvPacket]

	RTT        time.Duration
	Congestion Congestion

	CreatedAt time.Time

	lastRecvSeq  uint32
	haveLastRecv bool
}

// New builds a connection in initialStatus: CookieRequesting for an
// outbound-initiated peer, NotConfirmed for a first-contact handshake.
func New(peerRealPK, peerDHTPK box.PublicKey, dhtPrecomputed box.PrecomputedKey, ourSessionPK box.PublicKey, ourSessionSK box.SecretKey, now time.Time, initialStatus Status) *CryptoConnection {
	return &CryptoConnection{
		DHTPrecomputedKey: dhtPrecomputed,
		PeerRealPK:        peerRealPK,
		PeerDHTPK:         peerDHTPK,
		OurSessionPK:      ourSessionPK,
		OurSessionSK:      ourSessionSK,
		Status:            initialStatus,
		SendArray:         packetsarray.New[SentPacket](),
		RecvArray:         packetsarray.New[RecvPacket](),
		RTT:               time.Second,
		Congestion:        NewCongestion(),
		CreatedAt:         now,
	}
}

// GetStatus returns the current status under the connection's lock.
func (c *CryptoConnection) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// SetStatus installs a new status, the only legal way to transition
// CookieRequesting -> HandshakeSending -> NotConfirmed -> Established.
func (c *CryptoConnection) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Status = s
}

// Established reports whether the connection has reached the steady
// state and, if so, returns its variant.
func (c *CryptoConnection) Established() (Established, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.Status.(Established)
	return e, ok
}

// SendKeyMaterial returns the nonce/shared-key pair usable to seal a
// CryptoData packet. This is available from NotConfirmed onward: a
// freshly completed handshake already carries a session key, and it is
// the peer's first successfully decrypted data packet that promotes
// NotConfirmed to Established, so at least one side must be able to
// send before that promotion happens.
func (c *CryptoConnection) SendKeyMaterial() (sentNonce box.Nonce, sharedKey box.PrecomputedKey, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s := c.Status.(type) {
	case NotConfirmed:
		return s.SentNonce, s.SessionSharedKey, true
	case Established:
		return s.SentNonce, s.SessionSharedKey, true
	default:
		return box.Nonce{}, box.PrecomputedKey{}, false
	}
}

// NoteUDPReceived records that a packet arrived over UDP at now,
// marking the UDP path alive.
func (c *CryptoConnection) NoteUDPReceived(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := now
	c.udpReceivedTime = &t
}

// NoteUDPSendAttempt records that a UDP send was attempted at now,
// gating how soon the next attempt may be made while the path is
// unconfirmed.
func (c *CryptoConnection) NoteUDPSendAttempt(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := now
	c.udpSendAttemptTime = &t
}

// IsUDPAlive reports whether a UDP packet was received within the
// alive window.
func (c *CryptoConnection) IsUDPAlive(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.udpReceivedTime != nil && now.Sub(*c.udpReceivedTime) <= udpAliveWindow
}

// UDPAttemptShouldBeMade reports whether enough time has passed since
// the last UDP send attempt to justify another one.
func (c *CryptoConnection) UDPAttemptShouldBeMade(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.udpSendAttemptTime == nil || now.Sub(*c.udpSendAttemptTime) >= udpRetryInterval
}

// RequestAttemptShouldBeMade reports whether enough time has passed
// since the last RequestFrame was sent to justify sending another one.
func (c *CryptoConnection) RequestAttemptShouldBeMade(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestSentTime == nil || now.Sub(*c.requestSentTime) >= requestRetryInterval
}

// NoteRequestSent records that a RequestFrame was sent at now.
func (c *CryptoConnection) NoteRequestSent(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := now
	c.requestSentTime = &t
}

// SetUDPEndpoint records a UDP path worth trying for this peer.
func (c *CryptoConnection) SetUDPEndpoint(e transport.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UDPEndpoint = e
	c.HasUDP = true
}

// SetRelayEndpoint records a TCP-relay fallback path for this peer.
func (c *CryptoConnection) SetRelayEndpoint(e transport.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RelayEndpoint = e
	c.HasRelay = true
}

// ActiveEndpoint picks the single best path for callers that only want
// one (e.g. deciding whether a probe has failed over). It prefers UDP
// while alive, falls back to the relay once UDP has gone quiet, and
// otherwise returns whatever UDP candidate is known.
func (c *CryptoConnection) ActiveEndpoint(now time.Time) (transport.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	udpAlive := c.udpReceivedTime != nil && now.Sub(*c.udpReceivedTime) <= udpAliveWindow
	if c.HasUDP && udpAlive {
		return c.UDPEndpoint, true
	}
	if c.HasRelay {
		return c.RelayEndpoint, true
	}
	if c.HasUDP {
		return c.UDPEndpoint, true
	}
	return transport.Endpoint{}, false
}

// SendEndpoints returns every path a packet should actually be sent
// over: UDP is always attempted when a candidate is known, and the
// relay is also attempted once UDP has gone quiet (or no UDP candidate
// exists at all), so a stale UDP path never silently drops traffic
// while a relay is available. Unlike ActiveEndpoint this is not an
// exclusive choice; both entries may be returned for one send.
func (c *CryptoConnection) SendEndpoints(now time.Time) []transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	udpAlive := c.udpReceivedTime != nil && now.Sub(*c.udpReceivedTime) <= udpAliveWindow

	var endpoints []transport.Endpoint
	if c.HasUDP {
		endpoints = append(endpoints, c.UDPEndpoint)
	}
	if c.HasRelay && (!c.HasUDP || !udpAlive) {
		endpoints = append(endpoints, c.RelayEndpoint)
	}
	return endpoints
}

// UpdateRTT folds a fresh round-trip sample into the running estimate
// with a simple EWMA, alpha=1/8.
func (c *CryptoConnection) UpdateRTT(sample time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RTT == 0 {
		c.RTT = sample
		return
	}
	c.RTT += (sample - c.RTT) / 8
}

// OnLoss shrinks the congestion window by half, floored at 1, and
// records the event time for the EWMA.
func (c *CryptoConnection) OnLoss(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Congestion.LossEWMA = c.Congestion.LossEWMA*0.75 + 0.25
	c.Congestion.lastUpdate = now
	c.Congestion.Window /= 2
	if c.Congestion.Window < 1 {
		c.Congestion.Window = 1
	}
}

// OnAck grows the congestion window additively and decays the loss
// estimate, matching a standard AIMD policy.
func (c *CryptoConnection) OnAck(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Congestion.LossEWMA *= 0.75
	c.Congestion.lastUpdate = now
	c.Congestion.Window++
	if c.Congestion.Window > packetsarray.Capacity {
		c.Congestion.Window = packetsarray.Capacity
	}
}

// TryReserveSendSeq returns the next outgoing packet sequence number,
// taken as send_array.buffer_end, iff the number of packets currently
// in flight (buffer_end - buffer_start) is below the congestion
// window. It reserves nothing on the array itself; the caller must
// follow a true result with an Insert at the returned seq before the
// window can be considered consumed.
func (c *CryptoConnection) TryReserveSendSeq() (seq uint32, ok bool) {
	start := c.SendArray.BufferStart()
	end := c.SendArray.BufferEnd()

	c.mu.Lock()
	window := c.Congestion.Window
	c.mu.Unlock()

	if end-start >= window {
		return 0, false
	}
	return end, true
}

// LastRecvSeq returns the highest full receive sequence number
// accepted so far. The reconstruction of a full sequence number from a
// packet's 16-bit low bits lives in netcrypto/session, which reads
// this value as the anchor for that arithmetic.
func (c *CryptoConnection) LastRecvSeq() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecvSeq, c.haveLastRecv
}

// NoteRecvSeq records full as the new high-water mark for received
// sequence numbers once it has been reconstructed and accepted.
func (c *CryptoConnection) NoteRecvSeq(full uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveLastRecv && int32(full-c.lastRecvSeq) <= 0 {
		return // an older (reordered or replayed) packet; keep the mark
	}
	c.lastRecvSeq = full
	c.haveLastRecv = true
}
