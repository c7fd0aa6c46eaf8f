package dht

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func newTestNode(t *testing.T) (*Node, Endpoint) {
	t.Helper()
	id, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	n := NewNode(id, conn, DefaultK, Alpha, nil)
	host, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	ep := Endpoint{Host: host, Port: port}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = n.Run(ctx) }()

	return n, ep
}

func TestNodePingPong(t *testing.T) {
	a, _ := newTestNode(t)
	_, bEp := newTestNode(t)

	if err := a.Ping(bEp); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, ok := a.RoutingTable().Contact(a.Self); ok {
		t.Fatalf("should not observe self")
	}
}

func TestNodeStoreThenGetLocalHit(t *testing.T) {
	a, _ := newTestNode(t)
	ctx := context.Background()

	if err := a.Put(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := a.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != `"hello"` {
		t.Fatalf("got %q, want %q", val, `"hello"`)
	}
}

func TestNodeFindValueAcrossNetwork(t *testing.T) {
	a, aEp := newTestNode(t)
	b, bEp := newTestNode(t)

	// make each aware of the other so Closest() has someone to query
	a.RoutingTable().Observe(b.Self, bEp)
	b.RoutingTable().Observe(a.Self, aEp)

	ctx := context.Background()
	if err := b.Put(ctx, "shared-key", 99); err != nil {
		t.Fatalf("Put on b: %v", err)
	}

	val, err := a.Get(ctx, "shared-key")
	if err != nil {
		t.Fatalf("Get on a: %v", err)
	}
	if string(val) != "99" {
		t.Fatalf("got %q, want 99", val)
	}
}

func TestNodeGetNotFoundWhenNoPeersKnowIt(t *testing.T) {
	a, aEp := newTestNode(t)
	b, bEp := newTestNode(t)
	a.RoutingTable().Observe(b.Self, bEp)
	b.RoutingTable().Observe(a.Self, aEp)

	ctx := context.Background()
	if _, err := a.Get(ctx, "never-stored"); err != ErrNotFound {
		t.Fatalf("Get: got err %v, want ErrNotFound", err)
	}
}

func TestNodeNatPunchSucceedsWhenPeerResponds(t *testing.T) {
	a, _ := newTestNode(t)
	_, bEp := newTestNode(t)

	ok, err := a.NatPunch(bEp)
	if err != nil {
		t.Fatalf("NatPunch: %v", err)
	}
	if !ok {
		t.Fatalf("expected NatPunch to succeed against a live peer")
	}
}

func TestNodeNatPunchTimesOutAgainstDeadEndpoint(t *testing.T) {
	a, _ := newTestNode(t)

	// a closed socket on localhost: nothing will ever ACK this
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(dead.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	_ = dead.Close()

	ok, err := a.NatPunch(Endpoint{Host: host, Port: port})
	if err != nil {
		t.Fatalf("NatPunch: %v", err)
	}
	if ok {
		t.Fatalf("expected NatPunch against a dead endpoint to time out as false")
	}
}
