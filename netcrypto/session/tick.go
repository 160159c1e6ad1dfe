package session

import (
	"context"
	"time"

	"toxnetcrypto/netcrypto/connection"
	"toxnetcrypto/netcrypto/wire"
)

// Tick drives all time-based connection behavior for one pass: cookie
// key rotation, handshake retransmission/timeout, data retransmission
// for unacknowledged send_array entries, and requests for missing
// received data. It is safe to call repeatedly and does nothing when
// nothing is due.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	if err := e.cookieKey.MaybeRotate(); err != nil {
		e.logger.Printf("session: cookie key rotation failed: %v", err)
	}

	e.mu.Lock()
	conns := make([]*connection.CryptoConnection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		e.tickConnection(ctx, c, now)
	}
	return nil
}

func (e *Engine) tickConnection(ctx context.Context, conn *connection.CryptoConnection, now time.Time) {
	switch status := conn.GetStatus().(type) {
	case connection.CookieRequesting:
		e.retryStatusPacket(ctx, conn, status.Packet, now)
	case connection.HandshakeSending:
		e.retryStatusPacket(ctx, conn, status.Packet, now)
	case connection.NotConfirmed, connection.Established:
		e.maintainDataPath(ctx, conn, now)
	}
}

func (e *Engine) retryStatusPacket(ctx context.Context, conn *connection.CryptoConnection, packet *connection.StatusPacket, now time.Time) {
	if packet.IsTimedOut(now) {
		e.dropConnection(conn)
		return
	}
	if !packet.ShouldBeSent(now) {
		return
	}
	if err := e.sendOverActiveEndpoint(ctx, conn, packet.Payload, now); err != nil {
		e.logger.Printf("session: retry send failed: %v", err)
		return
	}
	packet.MarkSent(now)
}

// maintainDataPath retransmits send_array entries unacknowledged for
// twice the RTT (halving the congestion window for each), then asks the
// peer for any gaps in recv_array. Path choice is not made here; each
// send picks its endpoints through SendEndpoints.
func (e *Engine) maintainDataPath(ctx context.Context, conn *connection.CryptoConnection, now time.Time) {
	retransmitAfter := conn.RTT * 2
	if retransmitAfter <= 0 {
		retransmitAfter = time.Second
	}

	conn.SendArray.Each(func(seq uint32, v connection.SentPacket) bool {
		if now.Sub(v.SentTime) < retransmitAfter {
			return true
		}
		if err := e.sendOverActiveEndpoint(ctx, conn, v.Data, now); err != nil {
			e.logger.Printf("session: data retransmit failed: %v", err)
			return false
		}
		conn.OnLoss(now)
		v.SentTime = now
		conn.SendArray.Set(seq, v)
		return true
	})

	e.requestMissingData(ctx, conn, now)
}

// requestMissingData scans recv_array for gaps below buffer_end and
// asks the peer to resend them, splitting the gap list across multiple
// RequestFrames if it exceeds wire.MaxRequestDeltasPerFrame. It is
// throttled by RequestAttemptShouldBeMade so a standing gap doesn't
// generate a request on every tick.
func (e *Engine) requestMissingData(ctx context.Context, conn *connection.CryptoConnection, now time.Time) {
	gaps := conn.RecvArray.Gaps()
	if len(gaps) == 0 {
		return
	}
	if !conn.RequestAttemptShouldBeMade(now) {
		return
	}

	base := conn.RecvArray.BufferStart()
	for len(gaps) > 0 {
		n := len(gaps)
		if n > wire.MaxRequestDeltasPerFrame {
			n = wire.MaxRequestDeltasPerFrame
		}
		chunk := gaps[:n]
		gaps = gaps[n:]

		deltas := make([]uint32, len(chunk))
		for i, seq := range chunk {
			deltas[i] = seq - base
		}
		rf := wire.RequestFrame{Deltas: deltas}
		frame := wire.Frame{Kind: wire.FrameKindRequest, Body: rf.Encode()}.Encode()
		if err := e.sendFramed(ctx, conn, frame); err != nil {
			e.logger.Printf("session: request frame send failed: %v", err)
			return
		}
	}
	conn.NoteRequestSent(now)
}

// dropConnection removes a connection whose handshake retry budget was
// exhausted. The caller of Connect observes this as the connection
// simply never reaching Established.
func (e *Engine) dropConnection(conn *connection.CryptoConnection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connections, conn.PeerDHTPK)
	if conn.HasUDP {
		delete(e.byEndpoint, conn.UDPEndpoint)
	}
	if conn.HasRelay {
		delete(e.byEndpoint, conn.RelayEndpoint)
	}
	e.logger.Printf("session: dropping connection to peer: %v", ErrHandshakeTimedOut)
}
