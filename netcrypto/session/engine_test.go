package session

import (
	"context"
	"net"
	"testing"
	"time"

	"toxnetcrypto/netcrypto/box"
	"toxnetcrypto/netcrypto/clock"
	"toxnetcrypto/netcrypto/connection"
	"toxnetcrypto/netcrypto/cookiekey"
	"toxnetcrypto/netcrypto/transport"
)

type peer struct {
	engine  *Engine
	realPK  box.PublicKey
	dhtPK   box.PublicKey
	dhtSK   box.SecretKey
	net     *transport.Memory
	self    transport.Endpoint
}

func newPeer(t *testing.T, addr string, clk clock.Clock, store *cookiekey.Store) *peer {
	t.Helper()
	realPK, _, err := box.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate real key: %v", err)
	}
	dhtPK, dhtSK, err := box.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate dht key: %v", err)
	}
	return &peer{
		realPK: realPK,
		dhtPK:  dhtPK,
		dhtSK:  dhtSK,
		self:   transport.UDPEndpoint(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}),
	}
}

// drain pumps every currently-queued inbound datagram on p's transport
// through its engine's dispatcher, synchronously, so tests don't race
// against Run's goroutines.
func drain(t *testing.T, p *peer) int {
	t.Helper()
	n := 0
	for {
		select {
		case in := <-p.net.Inbound():
			p.engine.handleInbound(context.Background(), in)
			n++
		default:
			return n
		}
	}
}

func newLinkedPeers(t *testing.T) (a, b *peer, store *cookiekey.Store, clk *clock.Fake) {
	t.Helper()
	clk = clock.NewFake(time.Unix(1_700_000_000, 0))
	var err error
	store, err = cookiekey.New(clk)
	if err != nil {
		t.Fatalf("cookiekey.New: %v", err)
	}

	a = newPeer(t, "a", clk, store)
	b = newPeer(t, "b", clk, store)

	ta, tb := transport.NewMemoryPair(a.self, b.self)
	a.net, b.net = ta, tb

	a.engine = New(a.realPK, a.dhtPK, a.dhtSK, store, a.net, clk, nil)
	b.engine = New(b.realPK, b.dhtPK, b.dhtSK, store, b.net, clk, nil)
	return a, b, store, clk
}

// runHandshake drives the full four-packet exchange (cookie request,
// cookie response, handshake, handshake reply) synchronously and
// returns once both sides have reached at least NotConfirmed.
func runHandshake(t *testing.T, a, b *peer) {
	t.Helper()
	ctx := context.Background()

	if _, err := a.engine.Connect(ctx, b.realPK, b.dhtPK, b.self); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n := drain(t, b); n != 1 {
		t.Fatalf("expected cookie request delivered to b, got %d", n)
	}
	if n := drain(t, a); n != 1 {
		t.Fatalf("expected cookie response delivered to a, got %d", n)
	}
	if n := drain(t, b); n != 1 {
		t.Fatalf("expected handshake delivered to b, got %d", n)
	}
	if n := drain(t, a); n != 1 {
		t.Fatalf("expected handshake reply delivered to a, got %d", n)
	}

	connA, ok := a.engine.Lookup(b.dhtPK)
	if !ok {
		t.Fatalf("a has no connection to b after handshake")
	}
	connB, ok := b.engine.Lookup(a.dhtPK)
	if !ok {
		t.Fatalf("b has no connection to a after handshake")
	}
	if _, ok := connA.Established(); ok {
		t.Fatalf("a should not be Established before any data exchange")
	}
	if _, _, ok := connA.SendKeyMaterial(); !ok {
		t.Fatalf("a should have send key material in NotConfirmed")
	}
	if _, _, ok := connB.SendKeyMaterial(); !ok {
		t.Fatalf("b should have send key material in NotConfirmed")
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	a, b, _, _ := newLinkedPeers(t)
	ctx := context.Background()
	runHandshake(t, a, b)

	if err := a.engine.Send(ctx, b.dhtPK, []byte("hello")); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	if n := drain(t, b); n != 1 {
		t.Fatalf("expected 1 datagram delivered to b, got %d", n)
	}

	select {
	case delivery := <-b.engine.PollRecv():
		if string(delivery.Data) != "hello" {
			t.Fatalf("got %q, want %q", delivery.Data, "hello")
		}
		if delivery.PeerDHTPK != a.dhtPK {
			t.Fatalf("delivery attributed to wrong peer")
		}
	default:
		t.Fatalf("expected a delivery on b's recv channel")
	}

	connB, _ := b.engine.Lookup(a.dhtPK)
	if _, ok := connB.Established(); !ok {
		t.Fatalf("b should be Established after accepting first data packet")
	}

	if err := b.engine.Send(ctx, a.dhtPK, []byte("hi back")); err != nil {
		t.Fatalf("b.Send: %v", err)
	}
	if n := drain(t, a); n != 1 {
		t.Fatalf("expected 1 datagram delivered to a, got %d", n)
	}
	connA, _ := a.engine.Lookup(b.dhtPK)
	if _, ok := connA.Established(); !ok {
		t.Fatalf("a should be Established after accepting first data packet")
	}

	select {
	case delivery := <-a.engine.PollRecv():
		if string(delivery.Data) != "hi back" {
			t.Fatalf("got %q, want %q", delivery.Data, "hi back")
		}
	default:
		t.Fatalf("expected a delivery on a's recv channel")
	}
}

func TestOutOfOrderDataIsReleasedInOrder(t *testing.T) {
	a, b, _, _ := newLinkedPeers(t)
	ctx := context.Background()
	runHandshake(t, a, b)

	if err := a.engine.Send(ctx, b.dhtPK, []byte("first")); err != nil {
		t.Fatalf("send first: %v", err)
	}
	if err := a.engine.Send(ctx, b.dhtPK, []byte("second")); err != nil {
		t.Fatalf("send second: %v", err)
	}
	if err := a.engine.Send(ctx, b.dhtPK, []byte("third")); err != nil {
		t.Fatalf("send third: %v", err)
	}

	var pkts [][]byte
	for {
		select {
		case in := <-b.net.Inbound():
			pkts = append(pkts, in.Data)
		default:
			goto collected
		}
	}
collected:
	if len(pkts) != 3 {
		t.Fatalf("expected 3 queued packets, got %d", len(pkts))
	}

	// Deliver out of order: third, first, second.
	order := []int{2, 0, 1}
	want := []string{"first", "second", "third"}
	for _, idx := range order {
		b.engine.handleInbound(context.Background(), transport.Inbound{From: a.self, Data: pkts[idx]})
	}

	for _, w := range want {
		select {
		case delivery := <-b.engine.PollRecv():
			if string(delivery.Data) != w {
				t.Fatalf("got %q, want %q", delivery.Data, w)
			}
		default:
			t.Fatalf("expected delivery %q, got none", w)
		}
	}
}

func TestLostCookieResponseIsRetransmitted(t *testing.T) {
	a, b, _, clk := newLinkedPeers(t)
	ctx := context.Background()

	if _, err := a.engine.Connect(ctx, b.realPK, b.dhtPK, b.self); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n := drain(t, b); n != 1 {
		t.Fatalf("expected cookie request delivered to b, got %d", n)
	}
	// Drop the cookie response the fake network just queued for a.
	select {
	case <-a.net.Inbound():
	default:
		t.Fatalf("expected a queued cookie response to drop")
	}

	connA, ok := a.engine.Lookup(b.dhtPK)
	if !ok {
		t.Fatalf("a has no pending connection")
	}

	clk.Advance(500 * time.Millisecond)
	if err := a.engine.Tick(ctx, clk.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := drain(t, b); n != 0 {
		t.Fatalf("no retry expected yet, got %d", n)
	}

	clk.Advance(700 * time.Millisecond) // total 1.2s since first send, past the 1s retry gate
	if err := a.engine.Tick(ctx, clk.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := drain(t, b); n != 1 {
		t.Fatalf("expected a retried cookie request at b, got %d", n)
	}
	if n := drain(t, a); n != 1 {
		t.Fatalf("expected a fresh cookie response reach a this time, got %d", n)
	}
	if _, ok := connA.GetStatus().(connection.HandshakeSending); !ok {
		t.Fatalf("expected a to have moved on to HandshakeSending after the retried exchange")
	}
}

func TestHandshakeTimesOutWhenPeerNeverResponds(t *testing.T) {
	a, b, _, clk := newLinkedPeers(t)
	ctx := context.Background()

	if _, err := a.engine.Connect(ctx, b.realPK, b.dhtPK, b.self); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Peer never answers: advance well past the retry budget.
	for i := 0; i < 10; i++ {
		clk.Advance(2 * time.Second)
		if err := a.engine.Tick(ctx, clk.Now()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	if _, ok := a.engine.Lookup(b.dhtPK); ok {
		t.Fatalf("expected connection to be dropped after handshake timeout")
	}
}

func TestDuplicateCryptoDataIsNotRedelivered(t *testing.T) {
	a, b, _, _ := newLinkedPeers(t)
	ctx := context.Background()
	runHandshake(t, a, b)

	if err := a.engine.Send(ctx, b.dhtPK, []byte("once")); err != nil {
		t.Fatalf("send: %v", err)
	}
	var in transport.Inbound
	select {
	case in = <-b.net.Inbound():
	default:
		t.Fatalf("expected one queued packet")
	}

	b.engine.handleInbound(context.Background(), in)
	select {
	case delivery := <-b.engine.PollRecv():
		if string(delivery.Data) != "once" {
			t.Fatalf("got %q", delivery.Data)
		}
	default:
		t.Fatalf("expected first delivery")
	}

	// Replay the identical datagram: the sequence slot is already
	// consumed (buffer_start advanced past it), so Insert must reject it
	// as a duplicate/out-of-range and nothing further is delivered.
	b.engine.handleInbound(context.Background(), in)
	select {
	case delivery := <-b.engine.PollRecv():
		t.Fatalf("unexpected redelivery: %q", delivery.Data)
	default:
	}
}

func TestUDPFailoverToRelayAfterSilence(t *testing.T) {
	a, b, _, clk := newLinkedPeers(t)
	ctx := context.Background()
	runHandshake(t, a, b)

	relay := transport.TCPRelayEndpoint(1, b.dhtPK)
	connA, _ := a.engine.Lookup(b.dhtPK)
	connA.SetRelayEndpoint(relay)

	endpoint, ok := connA.ActiveEndpoint(clk.Now())
	if !ok || endpoint.IsRelay() {
		t.Fatalf("expected UDP active immediately after handshake")
	}

	sendEndpoints := connA.SendEndpoints(clk.Now())
	if len(sendEndpoints) != 1 || sendEndpoints[0].IsRelay() {
		t.Fatalf("expected only UDP attempted while alive, got %v", sendEndpoints)
	}

	clk.Advance(9 * time.Second) // past the 8s UDP-alive window
	endpoint, ok = connA.ActiveEndpoint(clk.Now())
	if !ok {
		t.Fatalf("expected relay to be reachable")
	}
	if !endpoint.IsRelay() {
		t.Fatalf("expected failover to relay after UDP silence")
	}

	// Once UDP has gone stale, a send must still attempt UDP (it may
	// recover) while also mirroring over the relay, rather than cutting
	// over to relay exclusively.
	sendEndpoints = connA.SendEndpoints(clk.Now())
	if len(sendEndpoints) != 2 {
		t.Fatalf("expected both UDP and relay attempted after silence, got %v", sendEndpoints)
	}
	sawUDP, sawRelay := false, false
	for _, ep := range sendEndpoints {
		if ep.IsRelay() {
			sawRelay = true
		} else {
			sawUDP = true
		}
	}
	if !sawUDP || !sawRelay {
		t.Fatalf("expected one UDP and one relay endpoint, got %v", sendEndpoints)
	}
}

// TestSendBlocksWhenWindowFull drives the congestion window down to 1
// via repeated loss signals, then checks that Send refuses to overrun
// it: the first send fills the lone slot, and a second send before any
// ack frees it returns ErrWouldBlock rather than silently dropping
// data.
func TestSendBlocksWhenWindowFull(t *testing.T) {
	a, b, _, _ := newLinkedPeers(t)
	ctx := context.Background()
	runHandshake(t, a, b)

	connA, _ := a.engine.Lookup(b.dhtPK)
	for connA.Congestion.Window > 1 {
		connA.OnLoss(time.Now())
	}

	if err := a.engine.Send(ctx, b.dhtPK, []byte("first")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.engine.Send(ctx, b.dhtPK, []byte("second")); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock with a full window, got %v", err)
	}
}

// TestRequestFrameAsksForMissingData checks the send side of gap
// recovery: once b has a hole in recv_array (packet 1 dropped, packet
// 2 delivered), ticking b must construct and send a RequestFrame
// naming the missing sequence number, and a must mark that send_array
// slot as requested upon receiving it.
func TestRequestFrameAsksForMissingData(t *testing.T) {
	a, b, _, clk := newLinkedPeers(t)
	ctx := context.Background()
	runHandshake(t, a, b)

	if err := a.engine.Send(ctx, b.dhtPK, []byte("one")); err != nil {
		t.Fatalf("send one: %v", err)
	}
	if err := a.engine.Send(ctx, b.dhtPK, []byte("two")); err != nil {
		t.Fatalf("send two: %v", err)
	}

	// Deliver only the second packet to b, dropping the first.
	select {
	case <-b.net.Inbound():
	default:
		t.Fatalf("expected first queued packet")
	}
	var second transport.Inbound
	select {
	case second = <-b.net.Inbound():
	default:
		t.Fatalf("expected second queued packet")
	}
	b.engine.handleInbound(ctx, second)

	if err := b.engine.Tick(ctx, clk.Now()); err != nil {
		t.Fatalf("tick b: %v", err)
	}
	if n := drain(t, a); n != 1 {
		t.Fatalf("expected one request frame delivered to a, got %d", n)
	}

	connA, _ := a.engine.Lookup(b.dhtPK)
	sent, ok := connA.SendArray.Get(0)
	if !ok {
		t.Fatalf("expected seq 0 still held in a's send_array")
	}
	if !sent.Requested {
		t.Fatalf("expected seq 0 to be marked requested after b's RequestFrame")
	}
}
