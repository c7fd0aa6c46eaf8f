// Package overlay implements the TCP mesh: peer connections, the mixing
// queue and cover traffic that anonymize message timing, and the
// newline-delimited JSON frame protocol peers speak to each other.
package overlay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// PeerID is the 64-bit identifier a peer is addressed by at the overlay
// layer, independent of its DHT NodeID.
type PeerID uint64

// Peer is one live TCP connection to another overlay node.
type Peer struct {
	ID   PeerID
	Conn net.Conn

	mu     sync.Mutex
	writer *bufio.Writer
}

func newPeer(id PeerID, conn net.Conn) *Peer {
	return &Peer{ID: id, Conn: conn, writer: bufio.NewWriter(conn)}
}

// Send writes f to the peer as a single newline-delimited JSON frame. Safe
// for concurrent use: writes from multiple goroutines are serialized.
func (p *Peer) Send(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("overlay: marshal frame: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.writer.Write(raw); err != nil {
		return fmt.Errorf("overlay: write frame: %w", err)
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("overlay: write frame: %w", err)
	}
	return p.writer.Flush()
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.Conn.Close()
}

// PeerSet tracks every live peer connection, enforcing at most one
// connection per PeerID.
type PeerSet struct {
	mu    sync.Mutex
	peers map[PeerID]*Peer
}

// NewPeerSet creates an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[PeerID]*Peer)}
}

// Add installs a peer connection, closing and replacing any existing
// connection for the same ID.
func (s *PeerSet) Add(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peers[p.ID]; ok {
		_ = old.Close()
	}
	s.peers[p.ID] = p
}

// Remove drops the tracked peer for id, if any.
func (s *PeerSet) Remove(id PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// Get returns the tracked peer for id, if any.
func (s *PeerSet) Get(id PeerID) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// Random returns an arbitrary tracked peer, or false if none are connected.
// Map iteration order in Go is randomized per run, which is sufficient for
// cover-traffic peer selection.
func (s *PeerSet) Random() (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		return p, true
	}
	return nil, false
}

// Len returns the number of tracked peers.
func (s *PeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// CloseAll closes every tracked connection and empties the set.
func (s *PeerSet) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		_ = p.Close()
		delete(s.peers, id)
	}
}
