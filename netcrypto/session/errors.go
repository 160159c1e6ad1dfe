package session

import "errors"

var (
	// ErrUnknownPeer is returned by Send when the engine tracks no
	// connection for the given peer DHT key.
	ErrUnknownPeer = errors.New("session: unknown peer")

	// ErrNotEstablished is returned by Send when the connection has no
	// session key yet, i.e. it is still CookieRequesting or
	// HandshakeSending. NotConfirmed and Established connections accept
	// Send.
	ErrNotEstablished = errors.New("session: connection not established")

	// ErrWouldBlock is returned by Send when send_array's current
	// congestion window is full: the caller must retry once
	// outstanding packets are acknowledged.
	ErrWouldBlock = errors.New("session: send window full")

	// ErrCookieExpired is logged, and the handshake dropped, when a
	// cookie's creation_time is older than cookiekey.Lifetime.
	ErrCookieExpired = errors.New("session: cookie expired")

	// ErrCookieMismatch is logged, and the handshake dropped, when a
	// handshake's cookie hash matches no cookie this engine issued to
	// the sender's DHT key.
	ErrCookieMismatch = errors.New("session: cookie hash mismatch")

	// ErrRequestIDMismatch is logged, and the response dropped, when a
	// CookieResponse opens under no pending CookieRequesting connection
	// with a matching request_id.
	ErrRequestIDMismatch = errors.New("session: request id mismatch")

	// ErrHandshakeTimedOut is logged when a connection's retry budget is
	// exhausted before reaching NotConfirmed and the connection is
	// dropped.
	ErrHandshakeTimedOut = errors.New("session: handshake timed out")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("session: engine closed")
)
