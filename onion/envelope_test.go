package onion

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/nyxmesh/nyx/dht"
)

func newTestHop(t *testing.T, ep dht.Endpoint) (Hop, [32]byte) {
	t.Helper()
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)

	id, err := dht.NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	return Hop{NodeID: id, PublicKey: pub, Endpoint: ep}, priv
}

func TestWrapUnwrapThreeHopRoundTrip(t *testing.T) {
	hop1, priv1 := newTestHop(t, dht.Endpoint{Host: "10.0.0.1", Port: 1})
	hop2, priv2 := newTestHop(t, dht.Endpoint{Host: "10.0.0.2", Port: 2})
	hop3, priv3 := newTestHop(t, dht.Endpoint{Host: "10.0.0.3", Port: 3})
	hops := []Hop{hop1, hop2, hop3}

	payload := json.RawMessage(`{"msg":"hello"}`)
	env, err := Wrap(payload, hops, 1000)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// hop1 peels and forwards to hop2's endpoint
	p1, fwd1, next1, err := Unwrap(env, priv1)
	if err != nil {
		t.Fatalf("Unwrap at hop1: %v", err)
	}
	if p1 != nil || fwd1 == nil || next1 == nil {
		t.Fatalf("expected hop1 to yield a forward packet, not a payload")
	}
	if *next1 != hop2.Endpoint {
		t.Fatalf("hop1 next hop = %+v, want %+v", *next1, hop2.Endpoint)
	}

	// hop2 peels and forwards to hop3's endpoint
	p2, fwd2, next2, err := Unwrap(fwd1, priv2)
	if err != nil {
		t.Fatalf("Unwrap at hop2: %v", err)
	}
	if p2 != nil || fwd2 == nil || next2 == nil {
		t.Fatalf("expected hop2 to yield a forward packet, not a payload")
	}
	if *next2 != hop3.Endpoint {
		t.Fatalf("hop2 next hop = %+v, want %+v", *next2, hop3.Endpoint)
	}

	// hop3 is terminal: yields the payload and nothing else
	p3, fwd3, next3, err := Unwrap(fwd2, priv3)
	if err != nil {
		t.Fatalf("Unwrap at hop3: %v", err)
	}
	if fwd3 != nil || next3 != nil {
		t.Fatalf("expected hop3 to be terminal")
	}
	if !bytes.Equal(p3, payload) {
		t.Fatalf("final payload = %s, want %s", p3, payload)
	}
}

func TestUnwrapWithWrongKeyFails(t *testing.T) {
	hop1, _ := newTestHop(t, dht.Endpoint{Host: "h", Port: 1})
	_, wrongPriv := newTestHop(t, dht.Endpoint{Host: "h", Port: 2})

	env, err := Wrap(json.RawMessage(`{}`), []Hop{hop1}, 1)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if _, _, _, err := Unwrap(env, wrongPriv); err != ErrPeelFailed {
		t.Fatalf("Unwrap with wrong key: got err %v, want ErrPeelFailed", err)
	}
}

func TestUnwrapOutOfOrderFails(t *testing.T) {
	hop1, _ := newTestHop(t, dht.Endpoint{Host: "h", Port: 1})
	hop2, priv2 := newTestHop(t, dht.Endpoint{Host: "h", Port: 2})

	env, err := Wrap(json.RawMessage(`{}`), []Hop{hop1, hop2}, 1)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// attempting to peel the outer (hop1) layer with hop2's key must fail
	if _, _, _, err := Unwrap(env, priv2); err != ErrPeelFailed {
		t.Fatalf("out-of-order Unwrap: got err %v, want ErrPeelFailed", err)
	}
}

func TestWrapRejectsEmptyHopList(t *testing.T) {
	if _, err := Wrap(json.RawMessage(`{}`), nil, 0); err == nil {
		t.Fatalf("expected error wrapping with no hops")
	}
}
