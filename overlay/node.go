package overlay

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nyxmesh/nyx/config"
	"github.com/nyxmesh/nyx/dht"
	"github.com/nyxmesh/nyx/identity"
	"github.com/nyxmesh/nyx/onion"
)

// pubKeyPrefix namespaces a node's published encryption public key inside
// the shared DHT value store, distinct from any application key.
const pubKeyPrefix = "pk:"

// addrPrefix namespaces a node's published overlay (TCP) listen endpoint.
// This is distinct from the endpoint a RoutingTable contact carries, which
// is only ever the UDP source address a DHT frame last arrived from.
const addrPrefix = "addr:"

// Event is something the overlay node reports to its owner: an anonymous
// message delivered to this node as the circuit's exit, or a new inbound
// peer connection.
type Event struct {
	Kind    string
	Peer    PeerID
	Payload json.RawMessage
}

// Node is the overlay node: it owns a DHT node, an onion engine, and the
// set of live TCP peer connections, and mixes every inbound frame through
// a MixingQueue before dispatch.
type Node struct {
	cfg      config.Config
	id       *identity.Identity
	dhtNode  *dht.Node
	engine   *onion.Engine
	peers    *PeerSet
	mixer    *MixingQueue
	cover    *CoverTraffic
	logger   *slog.Logger
	listener net.Listener
	events   chan Event

	nextPeerID uint64
	mu         sync.Mutex
}

// NewNode wires a fresh overlay Node from its dependencies. dhtNode and the
// identity must already be initialized; the onion Engine is constructed
// internally around an overlayResolver backed by dhtNode.
func NewNode(cfg config.Config, id *identity.Identity, dhtNode *dht.Node, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:     cfg,
		id:      id,
		dhtNode: dhtNode,
		peers:   NewPeerSet(),
		logger:  logger,
		events:  make(chan Event, 64),
	}
	n.engine = onion.NewEngine(&overlayResolver{dhtNode: dhtNode}, cfg.MaxCircuits, logger)
	n.mixer = NewMixingQueue(time.Duration(cfg.MixingDelayMaxMS)*time.Millisecond, n.dispatch)
	n.cover = NewCoverTraffic(n.peers, logger)
	return n
}

// Events returns the channel Event values are published on.
func (n *Node) Events() <-chan Event { return n.events }

// Listen starts accepting inbound TCP peer connections on cfg.Port and, if
// cover traffic is enabled, starts the periodic dummy-traffic generator.
// It blocks until ctx is cancelled.
func (n *Node) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(n.cfg.Port)))
	if err != nil {
		return fmt.Errorf("overlay: listen: %w", err)
	}
	n.listener = ln
	n.logger.Info("overlay node listening", "port", n.cfg.Port)

	if n.cfg.CoverTrafficEnable {
		go n.cover.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("overlay: accept: %w", err)
			}
		}
		go n.acceptPeer(conn)
	}
}

func (n *Node) acceptPeer(conn net.Conn) {
	if !n.admitInbound() {
		n.logger.Debug("rejecting inbound peer under current mesh policy", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	id := n.allocPeerID()
	peer := newPeer(id, conn)
	n.peers.Add(peer)
	n.events <- Event{Kind: "peer-connected", Peer: id}

	if n.cfg.MeshType == config.MeshStructured && n.cfg.Role == "supernode" {
		n.gossipSupernodes(peer)
	}
	n.readLoop(peer)
}

// admitInbound applies the mesh topology's peer-admission policy to a new
// inbound connection. Under an unstructured mesh, peers are admitted up to
// MaxConnections. Under a structured mesh, a supernode admits any peer and
// a leaf admits none — leaves only ever dial out, to their supernode_list.
func (n *Node) admitInbound() bool {
	if n.cfg.MeshType == config.MeshStructured {
		return n.cfg.Role == "supernode"
	}
	return n.peers.Len() < n.cfg.MaxConnections
}

// gossipSupernodes sends a newly connected leaf the supernode's configured
// supernode_list, so the leaf can learn about peers beyond the one it
// happened to dial first.
func (n *Node) gossipSupernodes(peer *Peer) {
	n.mu.Lock()
	list := append([]string(nil), n.cfg.SupernodeList...)
	n.mu.Unlock()

	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := peer.Send(Frame{Type: FramePeerDiscovery, Payload: raw}); err != nil {
		n.logger.Debug("failed to gossip supernode list", "error", err)
	}
}

// JoinMesh establishes the node's initial outbound connections for the
// configured mesh topology. Under MeshStructured with role "leaf" it dials
// every address in supernode_list; under MeshUnstructured it dials
// additional peers drawn from the DHT's closest contacts until it reaches
// max_peer_connections. A structured supernode dials nothing here — it
// waits for leaves to connect to it.
func (n *Node) JoinMesh(ctx context.Context) {
	switch {
	case n.cfg.MeshType == config.MeshStructured && n.cfg.Role == "leaf":
		for _, addr := range n.cfg.SupernodeList {
			ep, err := parseEndpoint(addr)
			if err != nil {
				n.logger.Warn("invalid supernode address", "addr", addr, "error", err)
				continue
			}
			if _, err := n.Connect(ep); err != nil {
				n.logger.Warn("failed to dial supernode", "addr", addr, "error", err)
			}
		}
	case n.cfg.MeshType == config.MeshUnstructured:
		n.fillFromDHT()
	}
}

// fillFromDHT dials additional peers discovered via the DHT routing table
// until the node reaches its configured connection cap, or the DHT has
// nothing left to offer.
func (n *Node) fillFromDHT() {
	for n.peers.Len() < n.cfg.MaxConnections {
		target, err := dht.NewNodeID()
		if err != nil {
			return
		}
		contacts := n.dhtNode.RoutingTable().Closest(target, n.cfg.MaxConnections)
		if len(contacts) == 0 {
			return
		}

		progressed := false
		for _, c := range contacts {
			if n.peers.Len() >= n.cfg.MaxConnections {
				return
			}
			ep, err := n.resolveOverlayEndpoint(c.ID)
			if err != nil {
				continue
			}
			if _, err := n.Connect(ep); err == nil {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// resolveOverlayEndpoint fetches a node's published overlay listen endpoint
// from the DHT, independent of onion.Resolver (which also requires the
// node's encryption public key to be published).
func (n *Node) resolveOverlayEndpoint(id dht.NodeID) (dht.Endpoint, error) {
	raw, err := n.dhtNode.Get(context.Background(), addrPrefix+id.String())
	if err != nil {
		return dht.Endpoint{}, err
	}
	var ep dht.Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return dht.Endpoint{}, err
	}
	return ep, nil
}

func parseEndpoint(addr string) (dht.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return dht.Endpoint{}, fmt.Errorf("split host/port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return dht.Endpoint{}, fmt.Errorf("parse port: %w", err)
	}
	return dht.Endpoint{Host: host, Port: port}, nil
}

// Connect dials ep, registers the resulting connection as a peer, and
// returns its assigned PeerID.
func (n *Node) Connect(ep dht.Endpoint) (PeerID, error) {
	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		return 0, fmt.Errorf("overlay: dial %s: %w", ep, err)
	}
	id := n.allocPeerID()
	peer := newPeer(id, conn)
	n.peers.Add(peer)
	go n.readLoop(peer)
	return id, nil
}

func (n *Node) allocPeerID() PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextPeerID++
	return PeerID(n.nextPeerID)
}

func (n *Node) readLoop(peer *Peer) {
	defer n.peers.Remove(peer.ID)
	defer peer.Close()

	scanner := bufio.NewScanner(peer.Conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		f, err := DecodeFrame(scanner.Bytes())
		if err != nil {
			n.logger.Debug("dropping malformed overlay frame", "peer_id", peer.ID, "error", err)
			continue
		}
		f.PeerID = peer.ID
		n.mixer.Enqueue(f)
	}
}

func (n *Node) dispatch(f Frame) {
	switch f.Type {
	case FrameOnionPacket:
		n.handleOnionPacket(f)
	case FramePeerDiscovery:
		n.handlePeerDiscovery(f)
	case FrameDHTQuery, FrameAnonymousMsg, FrameHello:
		n.logger.Debug("overlay frame accepted but not handled by the core", "type", f.Type)
	case FrameDummyTraffic:
		// silently discarded, as intended
	default:
		n.logger.Debug("dropping unknown overlay frame", "type", f.Type)
	}
}

// handlePeerDiscovery merges a gossiped supernode list into the node's own
// configuration, so a leaf learns of supernodes beyond the one it initially
// dialed from supernode_list.
func (n *Node) handlePeerDiscovery(f Frame) {
	var addrs []string
	if err := json.Unmarshal(f.Payload, &addrs); err != nil {
		n.logger.Debug("malformed peer discovery frame", "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, addr := range addrs {
		known := false
		for _, existing := range n.cfg.SupernodeList {
			if existing == addr {
				known = true
				break
			}
		}
		if !known {
			n.cfg.SupernodeList = append(n.cfg.SupernodeList, addr)
		}
	}
}

func (n *Node) handleOnionPacket(f Frame) {
	var env onion.Envelope
	if err := json.Unmarshal(f.Packet, &env); err != nil {
		n.logger.Debug("malformed onion packet", "error", err)
		return
	}

	payload, forward, nextHop, err := onion.Unwrap(&env, n.id.EncryptionPrivateKey())
	if err != nil {
		n.logger.Debug("onion peel failed", "error", err)
		return
	}

	if forward != nil {
		n.forwardOnion(forward, nextHop)
		return
	}
	n.events <- Event{Kind: "anonymous-message", Peer: f.PeerID, Payload: payload}
}

func (n *Node) forwardOnion(env *onion.Envelope, nextHop *dht.Endpoint) {
	raw, err := json.Marshal(env)
	if err != nil {
		n.logger.Debug("failed to marshal forwarded onion packet", "error", err)
		return
	}

	id, err := n.Connect(*nextHop)
	if err != nil {
		n.logger.Debug("failed to reach next hop", "endpoint", nextHop.String(), "error", err)
		return
	}
	peer, ok := n.peers.Get(id)
	if !ok {
		return
	}
	defer func() { n.peers.Remove(id); _ = peer.Close() }()

	if err := peer.Send(Frame{Type: FrameOnionPacket, Packet: raw}); err != nil {
		n.logger.Debug("failed to forward onion packet", "error", err)
	}
}

// SendAnonymousMessage builds a circuit through circuitLength randomly
// chosen DHT nodes and delivers payload to the last hop as the circuit's
// exit.
func (n *Node) SendAnonymousMessage(ctx context.Context, payload json.RawMessage) error {
	ids, err := n.randomNodeIDs(n.cfg.CircuitLength)
	if err != nil {
		return fmt.Errorf("overlay: pick circuit nodes: %w", err)
	}

	circ, err := n.engine.BuildCircuit(ids)
	if err != nil {
		return fmt.Errorf("overlay: build circuit: %w", err)
	}

	env, err := n.engine.Wrap(circ, payload)
	if err != nil {
		return fmt.Errorf("overlay: wrap payload: %w", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("overlay: marshal onion packet: %w", err)
	}

	first := circ.Hops[0]
	id, err := n.Connect(first.Endpoint)
	if err != nil {
		return fmt.Errorf("overlay: connect to first hop: %w", err)
	}
	peer, ok := n.peers.Get(id)
	if !ok {
		return fmt.Errorf("overlay: first hop connection vanished")
	}
	defer func() { n.peers.Remove(id); _ = peer.Close() }()

	return peer.Send(Frame{Type: FrameOnionPacket, Packet: raw})
}

func (n *Node) randomNodeIDs(count int) ([]dht.NodeID, error) {
	ids := make([]dht.NodeID, 0, count)
	for i := 0; i < count; i++ {
		target, err := dht.NewNodeID()
		if err != nil {
			return nil, err
		}
		contacts := n.dhtNode.RoutingTable().Closest(target, 1)
		if len(contacts) == 0 {
			continue
		}
		ids = append(ids, contacts[0].ID)
	}
	return ids, nil
}

// AnnounceSelf publishes this node's encryption public key and overlay
// listen endpoint into the DHT, so other nodes can resolve both when
// building circuits through this node.
func (n *Node) AnnounceSelf(ctx context.Context) error {
	pub := n.id.EncryptionPublicKey()
	encoded := base64.StdEncoding.EncodeToString(pub[:])
	if err := n.dhtNode.Put(ctx, pubKeyPrefix+n.dhtNode.Self.String(), encoded); err != nil {
		return fmt.Errorf("overlay: announce public key: %w", err)
	}

	host, portStr, err := net.SplitHostPort(n.listener.Addr().String())
	if err != nil {
		return fmt.Errorf("overlay: parse listen address: %w", err)
	}
	port, _ := strconv.Atoi(portStr)
	ep := dht.Endpoint{Host: host, Port: port}
	if err := n.dhtNode.Put(ctx, addrPrefix+n.dhtNode.Self.String(), ep); err != nil {
		return fmt.Errorf("overlay: announce listen endpoint: %w", err)
	}
	return nil
}

// Close closes the listener and every peer connection, then closes the
// Events channel. It does not stop cover traffic; that loop ends when the
// context passed to Listen is cancelled.
func (n *Node) Close() error {
	if n.listener != nil {
		_ = n.listener.Close()
	}
	n.peers.CloseAll()
	close(n.events)
	return nil
}

// overlayResolver implements onion.Resolver by combining a node's published
// pk: record (its encryption public key) with its published addr: record
// (its overlay TCP listen endpoint).
type overlayResolver struct {
	dhtNode *dht.Node
}

func (r *overlayResolver) Resolve(id dht.NodeID) (onion.Hop, error) {
	ctx := context.Background()

	keyRaw, err := r.dhtNode.Get(ctx, pubKeyPrefix+id.String())
	if err != nil {
		return onion.Hop{}, fmt.Errorf("overlay: no published key for %s: %w", id, err)
	}
	var encoded string
	if err := json.Unmarshal(keyRaw, &encoded); err != nil {
		return onion.Hop{}, fmt.Errorf("overlay: malformed published key for %s: %w", id, err)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(keyBytes) != 32 {
		return onion.Hop{}, fmt.Errorf("overlay: invalid published key for %s", id)
	}

	addrRaw, err := r.dhtNode.Get(ctx, addrPrefix+id.String())
	if err != nil {
		return onion.Hop{}, fmt.Errorf("overlay: no published endpoint for %s: %w", id, err)
	}
	var ep dht.Endpoint
	if err := json.Unmarshal(addrRaw, &ep); err != nil {
		return onion.Hop{}, fmt.Errorf("overlay: malformed published endpoint for %s: %w", id, err)
	}

	var pub [32]byte
	copy(pub[:], keyBytes)
	return onion.Hop{NodeID: id, PublicKey: pub, Endpoint: ep}, nil
}
