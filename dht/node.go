package dht

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Alpha is the default lookup parallelism.
const Alpha = 3

const (
	findValueTimeout = 5 * time.Second
	natPunchTimeout  = 3 * time.Second
)

// ErrNotFound is returned by Get when no value could be located anywhere in
// the network within the lookup's timeout budget.
var ErrNotFound = fmt.Errorf("dht: not found")

// Node is the DHT node: a routing table, a storage map, and a UDP socket
// running the wire protocol.
//
// The UDP socket is shared with the overlay's NAT-punch facility: only Node
// reads from it, routing NAT_PUNCH_ACK frames to installed one-shot
// listeners before its own dispatch.
type Node struct {
	Self NodeID

	conn   net.PacketConn
	rt     *RoutingTable
	store  *StorageMap
	logger *slog.Logger
	alpha  int

	mu           sync.Mutex
	pendingFind  map[string]chan Frame
	pendingPunch map[string]chan Frame
}

// NewNode creates a DHT Node bound to an already-open UDP socket (shared
// with the overlay for NAT punching).
func NewNode(self NodeID, conn net.PacketConn, k, alpha int, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if alpha <= 0 {
		alpha = Alpha
	}
	return &Node{
		Self:         self,
		conn:         conn,
		rt:           NewRoutingTable(self, k),
		store:        NewStorageMap(),
		logger:       logger,
		alpha:        alpha,
		pendingFind:  make(map[string]chan Frame),
		pendingPunch: make(map[string]chan Frame),
	}
}

// RoutingTable exposes the underlying routing table, e.g. so the overlay
// can resolve a NodeID to a Contact when building a circuit.
func (n *Node) RoutingTable() *RoutingTable { return n.rt }

// Run reads datagrams until ctx is cancelled or the socket errors. Malformed
// frames are discarded silently; an unhandled failure in a single frame's
// handling never stops the loop.
func (n *Node) Run(ctx context.Context) error {
	buf := make([]byte, 2048)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = n.conn.Close()
		close(done)
	}()

	for {
		nread, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("dht: read udp: %w", err)
			}
		}
		raw := make([]byte, nread)
		copy(raw, buf[:nread])
		go n.handleDatagram(raw, addr)
	}
}

func (n *Node) handleDatagram(raw []byte, addr net.Addr) {
	f, err := DecodeFrame(raw)
	if err != nil {
		n.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	senderID, err := ParseNodeID(f.NodeID)
	if err != nil {
		return
	}
	ep := udpEndpoint(addr)
	n.rt.Observe(senderID, ep)

	// NAT_PUNCH_ACK is routed to one-shot listeners before ordinary dispatch.
	if f.Type == FrameNatPunchAck {
		n.mu.Lock()
		if ch, ok := n.pendingPunch[ep.String()]; ok {
			delete(n.pendingPunch, ep.String())
			n.mu.Unlock()
			ch <- f
			return
		}
		n.mu.Unlock()
		return
	}

	if (f.Type == FrameFound || f.Type == FrameNodes) && f.QueryID != "" {
		n.mu.Lock()
		if ch, ok := n.pendingFind[f.QueryID]; ok {
			delete(n.pendingFind, f.QueryID)
			n.mu.Unlock()
			ch <- f
			return
		}
		n.mu.Unlock()
		return
	}

	switch f.Type {
	case FramePing:
		n.reply(Frame{Type: FramePong, NodeID: n.Self.String()}, addr)
	case FrameStore:
		n.handleStore(f)
	case FrameFindValue:
		n.handleFindValue(f, addr)
	case FrameNatPunch:
		n.reply(Frame{Type: FrameNatPunchAck, NodeID: n.Self.String()}, addr)
	default:
		n.logger.Debug("dropping unknown or unexpected frame", "type", f.Type)
	}
}

func (n *Node) handleStore(f Frame) {
	var key KeyHash
	b, err := decodeHex40(f.Key)
	if err != nil {
		return
	}
	copy(key[:], b)
	n.store.Put(key, f.Value)
}

func (n *Node) handleFindValue(f Frame, addr net.Addr) {
	var key KeyHash
	b, err := decodeHex40(f.Key)
	if err != nil {
		return
	}
	copy(key[:], b)

	if val, ok := n.store.Get(key); ok {
		n.reply(Frame{Type: FrameFound, NodeID: n.Self.String(), QueryID: f.QueryID, Value: val}, addr)
		return
	}

	var target NodeID
	copy(target[:], b)
	contacts := n.rt.Closest(target, n.rt.k)
	n.reply(Frame{Type: FrameNodes, NodeID: n.Self.String(), QueryID: f.QueryID, Nodes: toWireContacts(contacts)}, addr)
}

func (n *Node) reply(f Frame, addr net.Addr) {
	if err := n.sendFrame(f, addr); err != nil {
		n.logger.Debug("send reply failed", "error", err)
	}
}

func (n *Node) sendFrame(f Frame, addr net.Addr) error {
	raw, err := f.Encode()
	if err != nil {
		return fmt.Errorf("dht: encode frame: %w", err)
	}
	_, err = n.conn.WriteTo(raw, addr)
	return err
}

// Ping sends a PING and does not wait for the PONG; any response simply
// refreshes the routing table entry via the normal observe-on-receive path.
func (n *Node) Ping(ep Endpoint) error {
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return fmt.Errorf("dht: resolve endpoint: %w", err)
	}
	return n.sendFrame(Frame{Type: FramePing, NodeID: n.Self.String()}, addr)
}

// Put computes keyHash = SHA1(key), stores the value locally with the
// default TTL, then replicates it in parallel to the k closest contacts.
func (n *Node) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dht: marshal value: %w", err)
	}
	keyHash := HashKey(key)
	n.store.Put(keyHash, raw)

	var target NodeID
	copy(target[:], keyHash[:])
	contacts := n.rt.Closest(target, n.rt.k)

	g, _ := errgroup.WithContext(ctx)
	for _, c := range contacts {
		c := c
		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp", c.Endpoint.String())
			if err != nil {
				return nil // unreachable contact, not fatal to Put as a whole
			}
			_ = n.sendFrame(Frame{
				Type:   FrameStore,
				NodeID: n.Self.String(),
				Key:    keyHash.String(),
				Value:  raw,
			}, addr)
			return nil
		})
	}
	return g.Wait()
}

// Get returns the value for key: a local non-expired hit short-circuits the
// network; otherwise it fans out FIND_VALUE to alpha closest contacts in
// parallel and returns the first non-empty FOUND response. If every query
// times out or returns NODES, Get returns ErrNotFound.
func (n *Node) Get(ctx context.Context, key string) (json.RawMessage, error) {
	keyHash := HashKey(key)
	if val, ok := n.store.Get(keyHash); ok {
		return val, nil
	}

	var target NodeID
	copy(target[:], keyHash[:])
	contacts := n.rt.Closest(target, n.alpha)
	if len(contacts) == 0 {
		return nil, ErrNotFound
	}

	type result struct {
		frame Frame
		found bool
	}
	results := make(chan result, len(contacts))

	for _, c := range contacts {
		c := c
		go func() {
			f, ok := n.queryFindValue(c.Endpoint, keyHash)
			results <- result{frame: f, found: ok}
		}()
	}

	for range contacts {
		select {
		case r := <-results:
			if r.found && r.frame.Type == FrameFound {
				return r.frame.Value, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrNotFound
}

func (n *Node) queryFindValue(ep Endpoint, key KeyHash) (Frame, bool) {
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return Frame{}, false
	}

	queryID := randomHex(16)
	ch := make(chan Frame, 1)
	n.mu.Lock()
	n.pendingFind[queryID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingFind, queryID)
		n.mu.Unlock()
	}()

	if err := n.sendFrame(Frame{Type: FrameFindValue, NodeID: n.Self.String(), QueryID: queryID, Key: key.String()}, addr); err != nil {
		return Frame{}, false
	}

	select {
	case f := <-ch:
		return f, true
	case <-time.After(findValueTimeout):
		return Frame{}, false
	}
}

// NatPunch sends a NAT_PUNCH frame over the DHT socket and waits up to 3s
// for a NAT_PUNCH_ACK from exactly that endpoint.
func (n *Node) NatPunch(ep Endpoint) (bool, error) {
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return false, fmt.Errorf("dht: resolve endpoint: %w", err)
	}

	ch := make(chan Frame, 1)
	n.mu.Lock()
	n.pendingPunch[ep.String()] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingPunch, ep.String())
		n.mu.Unlock()
	}()

	if err := n.sendFrame(Frame{Type: FrameNatPunch, NodeID: n.Self.String(), Timestamp: time.Now().Unix()}, addr); err != nil {
		return false, fmt.Errorf("dht: send NAT_PUNCH: %w", err)
	}

	select {
	case <-ch:
		return true, nil
	case <-time.After(natPunchTimeout):
		return false, nil
	}
}

func udpEndpoint(addr net.Addr) Endpoint {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return Endpoint{Host: udp.IP.String(), Port: udp.Port}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return Endpoint{Host: host, Port: port}
}

func toWireContacts(contacts []Contact) []WireContact {
	out := make([]WireContact, len(contacts))
	for i, c := range contacts {
		out[i] = WireContact{NodeID: c.ID.String(), Host: c.Endpoint.Host, Port: c.Endpoint.Port}
	}
	return out
}

func decodeHex40(s string) ([]byte, error) {
	id, err := ParseNodeID(s)
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
