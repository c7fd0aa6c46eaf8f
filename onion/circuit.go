package onion

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyxmesh/nyx/dht"
)

// Hop is one relay in a circuit: its identity, its encryption public key,
// and the endpoint to dial or forward to.
type Hop struct {
	NodeID    dht.NodeID
	PublicKey [32]byte
	Endpoint  dht.Endpoint
}

// Circuit is an ordered sequence of hops, identified by a random ID.
type Circuit struct {
	ID       uuid.UUID
	Hops     []Hop
	created  time.Time
	lastUsed time.Time
}

// Resolver resolves a NodeID to the Hop material needed to encrypt to it.
// The overlay node supplies this via the public-key and endpoint records
// nodes publish in the DHT; onion never talks to the DHT directly, to
// avoid a dependency cycle between the two packages.
type Resolver interface {
	Resolve(id dht.NodeID) (Hop, error)
}

// Engine builds and tracks circuits, evicting least-recently-used circuits
// once more than maxCircuits are outstanding.
type Engine struct {
	mu          sync.Mutex
	resolver    Resolver
	maxCircuits int
	logger      *slog.Logger

	circuits map[uuid.UUID]*list.Element
	lru      *list.List // front = most recently used
}

// NewEngine creates a circuit-building Engine. resolver supplies hop
// material by NodeID; maxCircuits bounds the number of circuits retained at
// once, with least-recently-used eviction beyond that.
func NewEngine(resolver Resolver, maxCircuits int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxCircuits <= 0 {
		maxCircuits = 64
	}
	return &Engine{
		resolver:    resolver,
		maxCircuits: maxCircuits,
		logger:      logger,
		circuits:    make(map[uuid.UUID]*list.Element),
		lru:         list.New(),
	}
}

// BuildCircuit resolves each ID to a Hop and assembles them, in order, into
// a new Circuit. An ID that fails to resolve is skipped rather than
// failing the whole build; a circuit with zero resolved hops is an error.
func (e *Engine) BuildCircuit(ids []dht.NodeID) (*Circuit, error) {
	hops := make([]Hop, 0, len(ids))
	for _, id := range ids {
		hop, err := e.resolver.Resolve(id)
		if err != nil {
			e.logger.Debug("skipping unresolvable hop", "node_id", id.String(), "error", err)
			continue
		}
		hops = append(hops, hop)
	}
	if len(hops) == 0 {
		return nil, fmt.Errorf("onion: no hops could be resolved")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("onion: generate circuit id: %w", err)
	}
	now := time.Now()
	circ := &Circuit{ID: id, Hops: hops, created: now, lastUsed: now}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.circuits[id] = e.lru.PushFront(circ)
	e.evictLocked()
	return circ, nil
}

func (e *Engine) evictLocked() {
	for len(e.circuits) > e.maxCircuits {
		back := e.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*Circuit)
		e.lru.Remove(back)
		delete(e.circuits, victim.ID)
		e.logger.Debug("evicted circuit", "circuit_id", victim.ID.String())
	}
}

// Circuit returns the tracked circuit by ID, marking it most-recently-used.
func (e *Engine) Circuit(id uuid.UUID) (*Circuit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elem, ok := e.circuits[id]
	if !ok {
		return nil, false
	}
	e.lru.MoveToFront(elem)
	circ := elem.Value.(*Circuit)
	circ.lastUsed = time.Now()
	return circ, true
}

// Len returns the number of circuits currently tracked.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.circuits)
}

// Wrap layers payload for delivery through circ.
func (e *Engine) Wrap(circ *Circuit, payload json.RawMessage) (*Envelope, error) {
	return Wrap(payload, circ.Hops, time.Now().Unix())
}
