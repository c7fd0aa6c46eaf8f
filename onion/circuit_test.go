package onion

import (
	"fmt"
	"testing"

	"github.com/nyxmesh/nyx/dht"
)

type stubResolver struct {
	hops map[dht.NodeID]Hop
	fail map[dht.NodeID]bool
}

func (r *stubResolver) Resolve(id dht.NodeID) (Hop, error) {
	if r.fail[id] {
		return Hop{}, fmt.Errorf("stub: cannot resolve %s", id)
	}
	hop, ok := r.hops[id]
	if !ok {
		return Hop{}, fmt.Errorf("stub: unknown node %s", id)
	}
	return hop, nil
}

func newStubHop(t *testing.T) Hop {
	t.Helper()
	id, err := dht.NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	return Hop{NodeID: id, Endpoint: dht.Endpoint{Host: "h", Port: 1}}
}

func TestBuildCircuitSkipsUnresolvableHops(t *testing.T) {
	good := newStubHop(t)
	bad := newStubHop(t)

	r := &stubResolver{hops: map[dht.NodeID]Hop{good.NodeID: good}, fail: map[dht.NodeID]bool{bad.NodeID: true}}
	e := NewEngine(r, 64, nil)

	circ, err := e.BuildCircuit([]dht.NodeID{bad.NodeID, good.NodeID})
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}
	if len(circ.Hops) != 1 || circ.Hops[0].NodeID != good.NodeID {
		t.Fatalf("expected only the resolvable hop to survive, got %+v", circ.Hops)
	}
}

func TestBuildCircuitFailsWhenNoHopsResolve(t *testing.T) {
	bad := newStubHop(t)
	r := &stubResolver{fail: map[dht.NodeID]bool{bad.NodeID: true}}
	e := NewEngine(r, 64, nil)

	if _, err := e.BuildCircuit([]dht.NodeID{bad.NodeID}); err == nil {
		t.Fatalf("expected error when no hops resolve")
	}
}

func TestEngineEvictsLeastRecentlyUsedPastMax(t *testing.T) {
	hops := make([]Hop, 3)
	resolved := make(map[dht.NodeID]Hop, 3)
	for i := range hops {
		hops[i] = newStubHop(t)
		resolved[hops[i].NodeID] = hops[i]
	}
	r := &stubResolver{hops: resolved}
	e := NewEngine(r, 2, nil)

	c1, err := e.BuildCircuit([]dht.NodeID{hops[0].NodeID})
	if err != nil {
		t.Fatalf("BuildCircuit 1: %v", err)
	}
	if _, err := e.BuildCircuit([]dht.NodeID{hops[1].NodeID}); err != nil {
		t.Fatalf("BuildCircuit 2: %v", err)
	}

	// touch c1 so it becomes most-recently-used
	if _, ok := e.Circuit(c1.ID); !ok {
		t.Fatalf("expected c1 to still be tracked")
	}

	if _, err := e.BuildCircuit([]dht.NodeID{hops[2].NodeID}); err != nil {
		t.Fatalf("BuildCircuit 3: %v", err)
	}

	if e.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", e.Len())
	}
	if _, ok := e.Circuit(c1.ID); !ok {
		t.Fatalf("expected recently-touched c1 to survive eviction")
	}
}
