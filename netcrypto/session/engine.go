// Package session implements the connection lifecycle: initiating and
// accepting the cookie/handshake exchange, moving application data
// over the established channel with ordered delivery and
// retransmission, and failing over between UDP and a TCP relay as
// path liveness changes. It is the component that ties
// netcrypto/{box,wire,packetsarray,cookiekey,connection,transport}
// together into a running peer.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"toxnetcrypto/netcrypto/box"
	"toxnetcrypto/netcrypto/clock"
	"toxnetcrypto/netcrypto/connection"
	"toxnetcrypto/netcrypto/cookiekey"
	"toxnetcrypto/netcrypto/logging"
	"toxnetcrypto/netcrypto/packetsarray"
	"toxnetcrypto/netcrypto/transport"
	"toxnetcrypto/netcrypto/wire"
)

// tickInterval is how often Run drives Tick when driving itself off
// real wall-clock time.
const tickInterval = 50 * time.Millisecond

// Delivery is one in-order chunk of application data released to the
// caller of PollRecv, identified by which peer it came from.
type Delivery struct {
	PeerDHTPK box.PublicKey
	Data      []byte
}

type pendingCookieRecord struct {
	PeerRealPK box.PublicKey
	PeerDHTPK  box.PublicKey
	Endpoint   transport.Endpoint
	IssuedAt   time.Time
}

// Engine owns every live CryptoConnection for one local identity and
// drives their handshakes, retransmissions and data delivery.
type Engine struct {
	ourRealPK box.PublicKey
	ourDHTPK  box.PublicKey
	ourDHTSK  box.SecretKey

	cookieKey *cookiekey.Store
	transport transport.Transport
	clock     clock.Clock
	logger    logging.Logger

	mu              sync.Mutex
	connections     map[box.PublicKey]*connection.CryptoConnection       // keyed by peer DHT pk
	byEndpoint      map[transport.Endpoint]*connection.CryptoConnection  // keyed by the endpoint a connection is reachable/was last seen at
	pendingRequests map[uint64]box.PublicKey                             // requestID -> peer DHT pk
	pendingCookies  map[[64]byte]pendingCookieRecord                     // sha512(cookie bytes) -> issuance record

	recv   chan Delivery
	closed bool
}

// New builds an Engine for one local identity. cookieKeyStore is
// shared across every Engine instance running in the same process, per
// the no-ambient-singleton rule: callers construct it once and pass it
// in explicitly.
func New(ourRealPK, ourDHTPK box.PublicKey, ourDHTSK box.SecretKey, cookieKeyStore *cookiekey.Store, t transport.Transport, clk clock.Clock, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard{}
	}
	return &Engine{
		ourRealPK:       ourRealPK,
		ourDHTPK:        ourDHTPK,
		ourDHTSK:        ourDHTSK,
		cookieKey:       cookieKeyStore,
		transport:       t,
		clock:           clk,
		logger:          logger,
		connections:     make(map[box.PublicKey]*connection.CryptoConnection),
		byEndpoint:      make(map[transport.Endpoint]*connection.CryptoConnection),
		pendingRequests: make(map[uint64]box.PublicKey),
		pendingCookies:  make(map[[64]byte]pendingCookieRecord),
		recv:            make(chan Delivery, 256),
	}
}

// Run drives the engine until ctx is canceled or a driving goroutine
// fails: one goroutine demultiplexes inbound transport datagrams, the
// other ticks retransmission/timeout/rotation logic on a fixed period.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case in, ok := <-e.transport.Inbound():
				if !ok {
					return nil
				}
				e.handleInbound(ctx, in)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := e.Tick(ctx, e.clock.Now()); err != nil {
					e.logger.Printf("session: tick error: %v", err)
				}
			}
		}
	})

	return g.Wait()
}

// Connect initiates an outbound connection to a peer identified by its
// long-term real key and DHT key, reachable at endpoint. It sends the
// first CookieRequest immediately and returns the connection in
// CookieRequesting status; Tick drives the rest of the handshake.
func (e *Engine) Connect(ctx context.Context, peerRealPK, peerDHTPK box.PublicKey, endpoint transport.Endpoint) (*connection.CryptoConnection, error) {
	dhtPrecomputed, err := box.Precompute(peerDHTPK, e.ourDHTSK)
	if err != nil {
		return nil, fmt.Errorf("session: connect: %w", err)
	}

	sessionPK, sessionSK, err := box.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("session: connect: generate session keys: %w", err)
	}

	requestID, err := box.RandomU64()
	if err != nil {
		return nil, fmt.Errorf("session: connect: generate request id: %w", err)
	}

	nonce, err := box.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("session: connect: generate nonce: %w", err)
	}

	payload := wire.CookieRequestPayload{SenderRealPK: e.ourRealPK, RequestID: requestID}
	ciphertext := box.Seal(dhtPrecomputed, nonce, payload.Encode())
	packet := wire.CookieRequestPacket{SenderDHTPK: e.ourDHTPK, Nonce: nonce, Ciphertext: ciphertext}

	now := e.clock.Now()
	status := connection.CookieRequesting{
		CookieRequestID: requestID,
		Packet:          connection.NewStatusPacket(packet.Encode()),
	}
	conn := connection.New(peerRealPK, peerDHTPK, dhtPrecomputed, sessionPK, sessionSK, now, status)
	if endpoint.IsRelay() {
		conn.SetRelayEndpoint(endpoint)
	} else {
		conn.SetUDPEndpoint(endpoint)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.connections[peerDHTPK] = conn
	e.pendingRequests[requestID] = peerDHTPK
	e.byEndpoint[endpoint] = conn
	e.mu.Unlock()

	if err := e.sendOverActiveEndpoint(ctx, conn, packet.Encode(), now); err != nil {
		return nil, fmt.Errorf("session: connect: initial send: %w", err)
	}
	status.Packet.MarkSent(now)
	return conn, nil
}

// Lookup returns the connection tracked for a peer DHT key, if any.
func (e *Engine) Lookup(peerDHTPK box.PublicKey) (*connection.CryptoConnection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.connections[peerDHTPK]
	return c, ok
}

// Send encrypts and transmits data over a NotConfirmed or Established
// connection to peerDHTPK, framing it as application data.
func (e *Engine) Send(ctx context.Context, peerDHTPK box.PublicKey, data []byte) error {
	conn, ok := e.Lookup(peerDHTPK)
	if !ok {
		return ErrUnknownPeer
	}
	if _, _, ok := conn.SendKeyMaterial(); !ok {
		return ErrNotEstablished
	}
	frame := wire.Frame{Kind: wire.FrameKindData, Body: data}.Encode()
	return e.sendFramed(ctx, conn, frame)
}

// sendFramed seals an already-framed byte string (application data or
// a control frame such as a RequestFrame) into a CryptoData packet and
// transmits it, consuming one send_array slot gated by the current
// congestion window.
func (e *Engine) sendFramed(ctx context.Context, conn *connection.CryptoConnection, frame []byte) error {
	sentNonce, sharedKey, ok := conn.SendKeyMaterial()
	if !ok {
		return ErrNotEstablished
	}

	seq, ok := conn.TryReserveSendSeq()
	if !ok {
		return ErrWouldBlock
	}

	now := e.clock.Now()
	payload := wire.DataPayload{
		BufferStart:  conn.RecvArray.BufferStart(),
		PacketNumber: seq,
		Data:         frame,
	}
	nonce := box.IncrementNonce(sentNonce, uint64(seq))
	ciphertext := box.Seal(sharedKey, nonce, payload.Encode())
	packet := wire.DataPacket{NonceLow: uint16(seq), Ciphertext: ciphertext}
	encoded := packet.Encode()

	if res := conn.SendArray.Insert(seq, connection.SentPacket{Data: encoded, SentTime: now}); res != packetsarray.Inserted {
		// TryReserveSendSeq's window check keeps this from happening in
		// practice; treated as backpressure rather than silently eating
		// the packet if it ever does.
		return ErrWouldBlock
	}

	return e.sendOverActiveEndpoint(ctx, conn, encoded, now)
}

// PollRecv returns the channel of in-order application-data chunks
// delivered across every connection this engine manages.
func (e *Engine) PollRecv() <-chan Delivery {
	return e.recv
}

// Close tears down the engine's transport and stops accepting new
// work. Already-delivered data already read from PollRecv is
// unaffected.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.recv)
	return e.transport.Close()
}

// sendOverActiveEndpoint sends data over every path SendEndpoints
// reports: UDP is attempted whenever a candidate is known, and the
// relay is mirrored in once UDP has gone stale, so one lost path never
// silently drops a packet that the other could have carried. It
// succeeds if at least one endpoint accepted the send.
func (e *Engine) sendOverActiveEndpoint(ctx context.Context, conn *connection.CryptoConnection, data []byte, now time.Time) error {
	endpoints := conn.SendEndpoints(now)
	if len(endpoints) == 0 {
		return fmt.Errorf("session: no reachable endpoint for peer")
	}

	var lastErr error
	sent := false
	for _, endpoint := range endpoints {
		if !endpoint.IsRelay() {
			conn.NoteUDPSendAttempt(now)
		}
		if err := e.transport.Send(ctx, endpoint, data); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent {
		return lastErr
	}
	return nil
}

// registerEndpoint records that conn is reachable/was last seen at
// endpoint, so a later datagram arriving From that same endpoint (a
// CryptoData packet, which carries no sender identity of its own) can
// be routed back to the right connection.
func (e *Engine) registerEndpoint(endpoint transport.Endpoint, conn *connection.CryptoConnection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byEndpoint[endpoint] = conn
}

func (e *Engine) lookupByEndpoint(endpoint transport.Endpoint) (*connection.CryptoConnection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.byEndpoint[endpoint]
	return c, ok
}
