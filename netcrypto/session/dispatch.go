package session

import (
	"context"
	"time"

	"toxnetcrypto/netcrypto/box"
	"toxnetcrypto/netcrypto/connection"
	"toxnetcrypto/netcrypto/cookiekey"
	"toxnetcrypto/netcrypto/transport"
	"toxnetcrypto/netcrypto/wire"
)

// handleInbound decodes a raw datagram by its leading tag byte and
// routes it to the matching packet handler. A decode or crypto failure
// drops the datagram: cookie and handshake failures are logged,
// CryptoData failures are dropped without logging. A single malformed
// or forged packet never tears a connection down.
func (e *Engine) handleInbound(ctx context.Context, in transport.Inbound) {
	if len(in.Data) == 0 {
		return
	}
	now := e.clock.Now()
	switch in.Data[0] {
	case wire.TagCookieRequest:
		e.handleCookieRequest(ctx, in, now)
	case wire.TagCookieResponse:
		e.handleCookieResponse(ctx, in, now)
	case wire.TagCryptoHandshake:
		e.handleHandshake(ctx, in, now)
	case wire.TagCryptoData:
		e.handleCryptoData(in, now)
	default:
		e.logger.Printf("session: dropping datagram with unknown tag %#x", in.Data[0])
	}
}

func (e *Engine) handleCookieRequest(ctx context.Context, in transport.Inbound, now time.Time) {
	req, err := wire.DecodeCookieRequest(in.Data)
	if err != nil {
		e.logger.Printf("session: malformed cookie request: %v", err)
		return
	}

	dhtPrecomputed, err := box.Precompute(req.SenderDHTPK, e.ourDHTSK)
	if err != nil {
		e.logger.Printf("session: cookie request from degenerate key: %v", err)
		return
	}
	plaintext, err := box.Open(dhtPrecomputed, req.Nonce, req.Ciphertext)
	if err != nil {
		e.logger.Printf("session: cookie request failed to open: %v", err)
		return
	}
	payload, err := wire.DecodeCookieRequestPayload(plaintext)
	if err != nil {
		e.logger.Printf("session: malformed cookie request payload: %v", err)
		return
	}

	cookiePlain := wire.CookiePayload{
		PeerRealPK:   payload.SenderRealPK,
		PeerDHTPK:    req.SenderDHTPK,
		CreationTime: uint64(now.Unix()),
	}
	cookieNonce, err := box.GenerateNonce()
	if err != nil {
		e.logger.Printf("session: cookie response: %v", err)
		return
	}
	sealedCookie := box.SealSymmetric(e.cookieKey.Current(), cookieNonce, cookiePlain.Encode())
	encryptedCookie := wire.EncryptedCookie{Nonce: cookieNonce, Sealed: sealedCookie}
	encryptedCookieBytes := encryptedCookie.Encode()

	respPayload := wire.CookieResponsePayload{EncryptedCookie: encryptedCookie, RequestID: payload.RequestID}
	respNonce, err := box.GenerateNonce()
	if err != nil {
		e.logger.Printf("session: cookie response: %v", err)
		return
	}
	respCiphertext := box.Seal(dhtPrecomputed, respNonce, respPayload.Encode())
	respPacket := wire.CookieResponsePacket{Nonce: respNonce, Ciphertext: respCiphertext}

	e.mu.Lock()
	e.pendingCookies[box.Hash512(encryptedCookieBytes)] = pendingCookieRecord{
		PeerRealPK: payload.SenderRealPK,
		PeerDHTPK:  req.SenderDHTPK,
		Endpoint:   in.From,
		IssuedAt:   now,
	}
	e.mu.Unlock()

	if err := e.transport.Send(ctx, in.From, respPacket.Encode()); err != nil {
		e.logger.Printf("session: failed to send cookie response: %v", err)
	}
}

func (e *Engine) handleCookieResponse(ctx context.Context, in transport.Inbound, now time.Time) {
	resp, err := wire.DecodeCookieResponse(in.Data)
	if err != nil {
		e.logger.Printf("session: malformed cookie response: %v", err)
		return
	}

	// The response carries no sender identity, so every connection still
	// waiting on a cookie is a candidate; the one whose precomputed key
	// actually opens the ciphertext, and whose embedded request_id
	// matches, is the match.
	e.mu.Lock()
	candidates := make([]*connection.CryptoConnection, 0, len(e.connections))
	for _, c := range e.connections {
		if _, ok := c.GetStatus().(connection.CookieRequesting); ok {
			candidates = append(candidates, c)
		}
	}
	e.mu.Unlock()

	var target *connection.CryptoConnection
	var payload wire.CookieResponsePayload
	for _, c := range candidates {
		plaintext, err := box.Open(c.DHTPrecomputedKey, resp.Nonce, resp.Ciphertext)
		if err != nil {
			continue
		}
		p, err := wire.DecodeCookieResponsePayload(plaintext)
		if err != nil {
			continue
		}
		cr, ok := c.GetStatus().(connection.CookieRequesting)
		if !ok || cr.CookieRequestID != p.RequestID {
			continue
		}
		target, payload = c, p
		break
	}
	if target == nil {
		e.logger.Printf("session: cookie response matched no pending request: %v", ErrRequestIDMismatch)
		return
	}
	dhtPrecomputed := target.DHTPrecomputedKey

	baseNonce, err := box.GenerateNonce()
	if err != nil {
		e.logger.Printf("session: handshake: %v", err)
		return
	}
	receivedCookieBytes := payload.EncryptedCookie.Encode()
	handshakePayload := wire.HandshakePayload{
		BaseNonce:                     baseNonce,
		SessionPK:                     target.OurSessionPK,
		ReceivedEncryptedCookieSHA512: box.Hash512(receivedCookieBytes),
		FreshEncryptedCookie:          payload.EncryptedCookie,
	}
	hsNonce, err := box.GenerateNonce()
	if err != nil {
		e.logger.Printf("session: handshake: %v", err)
		return
	}
	ciphertext := box.Seal(dhtPrecomputed, hsNonce, handshakePayload.Encode())
	packet := wire.HandshakePacket{
		EncryptedCookie: payload.EncryptedCookie,
		Nonce:           hsNonce,
		Ciphertext:      ciphertext,
	}

	target.SetStatus(connection.HandshakeSending{
		SentNonce: baseNonce,
		Packet:    connection.NewStatusPacket(packet.Encode()),
	})

	if err := e.sendOverActiveEndpoint(ctx, target, packet.Encode(), now); err != nil {
		e.logger.Printf("session: failed to send handshake: %v", err)
		return
	}
	if hs, ok := target.GetStatus().(connection.HandshakeSending); ok {
		hs.Packet.MarkSent(now)
	}
}

func (e *Engine) handleHandshake(ctx context.Context, in transport.Inbound, now time.Time) {
	pkt, err := wire.DecodeHandshake(in.Data)
	if err != nil {
		e.logger.Printf("session: malformed handshake: %v", err)
		return
	}

	// First try to match an existing connection already in
	// HandshakeSending: the one whose dht_precomputed_key actually opens
	// this ciphertext is the peer we were waiting on.
	if conn, ok := e.matchHandshakeSending(pkt); ok {
		e.completeHandshake(conn, pkt, in, now)
		return
	}

	// Otherwise this is a first-contact handshake: authenticate the
	// sender purely from the cookie we ourselves issued earlier.
	cookiePlain, err := e.openCookieWithAnyKey(pkt.EncryptedCookie)
	if err != nil {
		e.logger.Printf("session: handshake cookie rejected: %v", err)
		return
	}
	if now.Sub(time.Unix(int64(cookiePlain.CreationTime), 0)) > cookiekey.Lifetime {
		e.logger.Printf("session: %v", ErrCookieExpired)
		return
	}

	dhtPrecomputed, err := box.Precompute(cookiePlain.PeerDHTPK, e.ourDHTSK)
	if err != nil {
		e.logger.Printf("session: handshake from degenerate key: %v", err)
		return
	}
	plaintext, err := box.Open(dhtPrecomputed, pkt.Nonce, pkt.Ciphertext)
	if err != nil {
		e.logger.Printf("session: handshake failed to open: %v", err)
		return
	}
	hp, err := wire.DecodeHandshakePayload(plaintext)
	if err != nil {
		e.logger.Printf("session: malformed handshake payload: %v", err)
		return
	}

	e.mu.Lock()
	record, haveRecord := e.pendingCookies[hp.ReceivedEncryptedCookieSHA512]
	e.mu.Unlock()
	if !haveRecord || record.PeerDHTPK != cookiePlain.PeerDHTPK {
		e.logger.Printf("session: %v", ErrCookieMismatch)
		return
	}

	sessionPK, sessionSK, err := box.GenerateKeyPair()
	if err != nil {
		e.logger.Printf("session: handshake: %v", err)
		return
	}
	ourBaseNonce, err := box.GenerateNonce()
	if err != nil {
		e.logger.Printf("session: handshake: %v", err)
		return
	}

	sharedKey, err := box.Precompute(hp.SessionPK, sessionSK)
	if err != nil {
		e.logger.Printf("session: handshake: degenerate session key: %v", err)
		return
	}

	conn := connection.New(cookiePlain.PeerRealPK, cookiePlain.PeerDHTPK, dhtPrecomputed, sessionPK, sessionSK, now, connection.NotConfirmed{
		SentNonce:        ourBaseNonce,
		ReceivedNonce:    hp.BaseNonce,
		PeerSessionPK:    hp.SessionPK,
		SessionSharedKey: sharedKey,
	})
	conn.SetUDPEndpoint(in.From)
	conn.NoteUDPReceived(now)

	e.mu.Lock()
	e.connections[cookiePlain.PeerDHTPK] = conn
	e.byEndpoint[in.From] = conn
	e.mu.Unlock()

	replyPayload := wire.HandshakePayload{
		BaseNonce:                     ourBaseNonce,
		SessionPK:                     sessionPK,
		ReceivedEncryptedCookieSHA512: box.Hash512(pkt.EncryptedCookie.Encode()),
		FreshEncryptedCookie:          pkt.EncryptedCookie,
	}
	replyNonce, err := box.GenerateNonce()
	if err != nil {
		e.logger.Printf("session: handshake reply: %v", err)
		return
	}
	replyCiphertext := box.Seal(dhtPrecomputed, replyNonce, replyPayload.Encode())
	replyPacket := wire.HandshakePacket{
		EncryptedCookie: pkt.EncryptedCookie,
		Nonce:           replyNonce,
		Ciphertext:      replyCiphertext,
	}
	if err := e.transport.Send(ctx, in.From, replyPacket.Encode()); err != nil {
		e.logger.Printf("session: failed to send handshake reply: %v", err)
	}
}

// matchHandshakeSending tries every connection still waiting on a peer
// handshake and returns the one whose precomputed key actually opens
// pkt's ciphertext.
func (e *Engine) matchHandshakeSending(pkt wire.HandshakePacket) (*connection.CryptoConnection, bool) {
	e.mu.Lock()
	candidates := make([]*connection.CryptoConnection, 0, len(e.connections))
	for _, c := range e.connections {
		if _, ok := c.GetStatus().(connection.HandshakeSending); ok {
			candidates = append(candidates, c)
		}
	}
	e.mu.Unlock()

	for _, c := range candidates {
		if _, err := box.Open(c.DHTPrecomputedKey, pkt.Nonce, pkt.Ciphertext); err == nil {
			return c, true
		}
	}
	return nil, false
}

func (e *Engine) completeHandshake(conn *connection.CryptoConnection, pkt wire.HandshakePacket, in transport.Inbound, now time.Time) {
	hs, ok := conn.GetStatus().(connection.HandshakeSending)
	if !ok {
		// already NotConfirmed/Established from a prior duplicate
		// handshake; nothing further to do.
		return
	}

	plaintext, err := box.Open(conn.DHTPrecomputedKey, pkt.Nonce, pkt.Ciphertext)
	if err != nil {
		e.logger.Printf("session: peer handshake failed to open: %v", err)
		return
	}
	hp, err := wire.DecodeHandshakePayload(plaintext)
	if err != nil {
		e.logger.Printf("session: malformed peer handshake payload: %v", err)
		return
	}

	sharedKey, err := box.Precompute(hp.SessionPK, conn.OurSessionSK)
	if err != nil {
		e.logger.Printf("session: degenerate peer session key: %v", err)
		return
	}

	conn.SetUDPEndpoint(in.From)
	conn.NoteUDPReceived(now)
	conn.SetStatus(connection.NotConfirmed{
		SentNonce:        hs.SentNonce,
		ReceivedNonce:    hp.BaseNonce,
		PeerSessionPK:    hp.SessionPK,
		SessionSharedKey: sharedKey,
	})
	e.registerEndpoint(in.From, conn)
}

func (e *Engine) openCookieWithAnyKey(ec wire.EncryptedCookie) (wire.CookiePayload, error) {
	var lastErr error
	for _, key := range e.cookieKey.Candidates() {
		plaintext, err := box.OpenSymmetric(key, ec.Nonce, ec.Sealed)
		if err != nil {
			lastErr = err
			continue
		}
		return wire.DecodeCookiePayload(plaintext)
	}
	if lastErr == nil {
		lastErr = box.ErrDecrypt
	}
	return wire.CookiePayload{}, lastErr
}

func (e *Engine) handleCryptoData(in transport.Inbound, now time.Time) {
	pkt, err := wire.DecodeDataPacket(in.Data)
	if err != nil {
		return
	}

	conn, ok := e.lookupByEndpoint(in.From)
	if !ok {
		return
	}

	established, ok := conn.Established()
	if !ok {
		// Not yet fully established, but a NotConfirmed connection that
		// successfully opens a CryptoData has effectively confirmed the
		// peer holds the matching shared key; promote it.
		nc, isNC := conn.GetStatus().(connection.NotConfirmed)
		if !isNC {
			return
		}
		lastFull, _ := conn.LastRecvSeq()
		seq := reconstructSequence(pkt.NonceLow, lastFull)
		nonce := box.IncrementNonce(nc.ReceivedNonce, uint64(seq))
		plaintext, err := box.Open(nc.SessionSharedKey, nonce, pkt.Ciphertext)
		if err != nil {
			return
		}
		conn.SetStatus(connection.Established{
			SentNonce:        nc.SentNonce,
			ReceivedNonce:    nc.ReceivedNonce,
			PeerSessionPK:    nc.PeerSessionPK,
			SessionSharedKey: nc.SessionSharedKey,
		})
		e.deliverDataPayload(conn, seq, plaintext, now)
		return
	}

	lastFull, _ := conn.LastRecvSeq()
	seq := reconstructSequence(pkt.NonceLow, lastFull)
	nonce := box.IncrementNonce(established.ReceivedNonce, uint64(seq))
	plaintext, err := box.Open(established.SessionSharedKey, nonce, pkt.Ciphertext)
	if err != nil {
		return
	}
	e.deliverDataPayload(conn, seq, plaintext, now)
}

func (e *Engine) deliverDataPayload(conn *connection.CryptoConnection, seq uint32, plaintext []byte, now time.Time) {
	payload, err := wire.DecodeDataPayload(plaintext)
	if err != nil {
		return
	}
	conn.NoteRecvSeq(seq)
	conn.NoteUDPReceived(now)

	conn.RecvArray.Insert(seq, connection.RecvPacket{Data: payload.Data})
	e.acknowledgeSend(conn, payload.BufferStart, now)
	e.releaseInOrder(conn)
}

// acknowledgeSend advances send_array.buffer_start to the peer's
// reported buffer_start, discarding any now-acknowledged entries, and
// grows the congestion window once for the batch if anything was
// actually newly acknowledged.
func (e *Engine) acknowledgeSend(conn *connection.CryptoConnection, peerBufferStart uint32, now time.Time) {
	before := conn.SendArray.BufferStart()
	if !conn.SendArray.AdvanceStartTo(peerBufferStart) {
		return
	}
	if conn.SendArray.BufferStart() != before {
		conn.OnAck(now)
	}
}

func (e *Engine) releaseInOrder(conn *connection.CryptoConnection) {
	for {
		_, v, ok := conn.RecvArray.PopFront()
		if !ok {
			return
		}
		frame, err := wire.DecodeFrame(v.Data)
		if err != nil {
			continue
		}
		switch frame.Kind {
		case wire.FrameKindData:
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			select {
			case e.recv <- Delivery{PeerDHTPK: conn.PeerDHTPK, Data: frame.Body}:
			default:
			}
		case wire.FrameKindRequest:
			e.handleRequestFrame(conn, frame.Body)
		case wire.FrameKindKill:
			// best-effort teardown hint; it is not delivered and the
			// connection is left in place unchanged.
		}
	}
}

func (e *Engine) handleRequestFrame(conn *connection.CryptoConnection, body []byte) {
	rf, err := wire.DecodeRequestFrame(body)
	if err != nil {
		return
	}
	base := conn.SendArray.BufferStart()
	for _, delta := range rf.Deltas {
		seq := base + delta
		if sent, ok := conn.SendArray.Get(seq); ok {
			sent.Requested = true
			conn.SendArray.Set(seq, sent)
		}
	}
}
