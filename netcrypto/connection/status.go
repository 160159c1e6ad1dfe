package connection

import (
	"time"

	"toxnetcrypto/netcrypto/box"
)

// StatusPacket bundles a CookieRequest or CryptoHandshake (already
// wire-encoded) with its retransmission bookkeeping.
type StatusPacket struct {
	Payload  []byte // wire-encoded bytes ready to hand to the transport
	SentTime time.Time
	NumSent  uint8
}

// NewStatusPacket wraps payload for its first send; ShouldBeSent is
// true immediately since NumSent starts at 0.
func NewStatusPacket(payload []byte) *StatusPacket {
	return &StatusPacket{Payload: payload}
}

// ShouldBeSent reports whether this status packet is due for (re)send:
// never yet sent, or more than 1s since the last send and fewer than 8
// attempts made.
func (s *StatusPacket) ShouldBeSent(now time.Time) bool {
	if s.NumSent == 0 {
		return true
	}
	return now.Sub(s.SentTime) > time.Second && s.NumSent < 8
}

// IsTimedOut reports whether the handshake retry budget (8 attempts,
// each at least 1s apart) is exhausted.
func (s *StatusPacket) IsTimedOut(now time.Time) bool {
	return s.NumSent >= 8 && now.Sub(s.SentTime) > time.Second
}

// MarkSent bumps NumSent and resets SentTime to now.
func (s *StatusPacket) MarkSent(now time.Time) {
	s.NumSent++
	s.SentTime = now
}

// StatusKind discriminates the four ConnectionStatus variants.
type StatusKind int

const (
	KindCookieRequesting StatusKind = iota
	KindHandshakeSending
	KindNotConfirmed
	KindEstablished
)

func (k StatusKind) String() string {
	switch k {
	case KindCookieRequesting:
		return "CookieRequesting"
	case KindHandshakeSending:
		return "HandshakeSending"
	case KindNotConfirmed:
		return "NotConfirmed"
	case KindEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// Status is the connection status tagged union. Each variant is a
// distinct type so that, e.g., SessionSharedKey is simply unreachable
// from CookieRequesting/HandshakeSending at compile time.
type Status interface {
	Kind() StatusKind
}

// CookieRequesting: outbound handshake initiation, awaiting a
// CookieResponse whose request_id matches CookieRequestID.
type CookieRequesting struct {
	CookieRequestID uint64
	Packet          *StatusPacket
}

func (CookieRequesting) Kind() StatusKind { return KindCookieRequesting }

// HandshakeSending: CookieResponse received, our CryptoHandshake is
// outbound and retransmitting until the peer's handshake arrives.
type HandshakeSending struct {
	SentNonce box.Nonce
	Packet    *StatusPacket
}

func (HandshakeSending) Kind() StatusKind { return KindHandshakeSending }

// NotConfirmed: both sides have exchanged handshakes (or we took the
// first-contact shortcut); session_shared_key now exists, but no
// CryptoData has decrypted successfully yet.
type NotConfirmed struct {
	SentNonce        box.Nonce
	ReceivedNonce    box.Nonce
	PeerSessionPK    box.PublicKey
	SessionSharedKey box.PrecomputedKey
	Packet           *StatusPacket
}

func (NotConfirmed) Kind() StatusKind { return KindNotConfirmed }

// Established: the steady state. No further crypto-event-driven
// transitions, and deliberately no handshake-style timeout.
type Established struct {
	SentNonce        box.Nonce
	ReceivedNonce    box.Nonce
	PeerSessionPK    box.PublicKey
	SessionSharedKey box.PrecomputedKey
}

func (Established) Kind() StatusKind { return KindEstablished }
