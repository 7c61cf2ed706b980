package meshdht

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"go.uber.org/zap"
)

// Wire method names. The set is part of the datagram contract.
const (
	methodPing      = "ping"
	methodStore     = "store"
	methodFindNode  = "find_node"
	methodFindValue = "find_value"
	methodStun      = "stun"
	methodPunch     = "punch"
	methodHole      = "hole"
)

// wireNode is the (id, host, port) triple as it travels in bodies.
type wireNode struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID   []byte
	Host string
	Port int
}

func toWireNode(n Node) wireNode {
	return wireNode{ID: n.ID[:], Host: n.Host, Port: n.Port}
}

func (w wireNode) toNode() (Node, error) {
	if len(w.ID) != IDLength {
		return Node{}, fmt.Errorf("invalid node id length %d", len(w.ID))
	}
	var id ID
	copy(id[:], w.ID)
	return Node{ID: id, Host: w.Host, Port: w.Port}, nil
}

func toWireNodes(nodes []Node) []wireNode {
	out := make([]wireNode, len(nodes))
	for i, n := range nodes {
		out[i] = toWireNode(n)
	}
	return out
}

func fromWireNodes(wires []wireNode) []Node {
	out := make([]Node, 0, len(wires))
	for _, w := range wires {
		n, err := w.toNode()
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Per-method argument tuples.

type pingArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	SenderID []byte
}

type storeArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	SenderID []byte
	Key      []byte
	Value    []byte
}

type findArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	SenderID []byte
	Target   []byte
}

type stunArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	Peers []wireNode
}

type punchArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	Peer wireNode
}

type emptyArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
}

// valueEnvelope is the find_value response when the key is held locally.
type valueEnvelope struct {
	Value []byte `msgpack:"value"`
}

// observedAddr is the stun response: the sender's endpoint as seen from here.
type observedAddr struct {
	_msgpack struct{} `msgpack:",as_array"`

	Host string
	Port int
}

// FoundValue is the decoded result of a find_value call: either the value
// itself or the peer's nearest nodes.
type FoundValue struct {
	HasValue bool
	Value    []byte
	Nodes    []Node
}

// Protocol implements the Kademlia RPC semantics on top of the transport,
// routing table, and value store.
type Protocol struct {
	self      Node
	table     *RoutingTable
	store     Storer
	transport *Transport
	ksize     int
	log       *zap.Logger
}

func newProtocol(self Node, table *RoutingTable, store Storer, transport *Transport, ksize int, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Protocol{
		self:      self,
		table:     table,
		store:     store,
		transport: transport,
		ksize:     ksize,
		log:       logger,
	}

	// Explicit dispatch table: method name to handler. Unknown names are
	// rejected by the transport before reaching this layer.
	transport.Handle(methodPing, p.handlePing)
	transport.Handle(methodStore, p.handleStore)
	transport.Handle(methodFindNode, p.handleFindNode)
	transport.Handle(methodFindValue, p.handleFindValue)
	transport.Handle(methodStun, p.handleStun)
	transport.Handle(methodPunch, p.handlePunch)
	transport.Handle(methodHole, p.handleHole)
	return p
}

// senderNode combines the datagram source address with the sender's claimed
// ID.
func senderNode(from *net.UDPAddr, rawID []byte) (Node, error) {
	if len(rawID) != IDLength {
		return Node{}, fmt.Errorf("invalid sender id length %d", len(rawID))
	}
	var id ID
	copy(id[:], rawID)
	return Node{ID: id, Host: from.IP.String(), Port: from.Port}, nil
}

// =============================================================================
// INBOUND HANDLERS
// =============================================================================

func (p *Protocol) handlePing(from *net.UDPAddr, raw msgpack.RawMessage) (interface{}, error) {
	var args pingArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode ping args: %w", err)
	}
	sender, err := senderNode(from, args.SenderID)
	if err != nil {
		return nil, err
	}
	p.welcomeIfNew(sender)
	return p.self.ID[:], nil
}

func (p *Protocol) handleStore(from *net.UDPAddr, raw msgpack.RawMessage) (interface{}, error) {
	var args storeArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode store args: %w", err)
	}
	sender, err := senderNode(from, args.SenderID)
	if err != nil {
		return nil, err
	}
	if len(args.Key) != IDLength {
		return nil, fmt.Errorf("invalid store key length %d", len(args.Key))
	}
	p.welcomeIfNew(sender)

	var key ID
	copy(key[:], args.Key)
	p.log.Debug("storing value for peer",
		zap.Stringer("sender", sender),
		zap.String("key", key.String()[:8]),
		zap.Int("bytes", len(args.Value)),
	)
	p.store.Set(key, args.Value)
	return true, nil
}

func (p *Protocol) handleFindNode(from *net.UDPAddr, raw msgpack.RawMessage) (interface{}, error) {
	var args findArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode find_node args: %w", err)
	}
	sender, err := senderNode(from, args.SenderID)
	if err != nil {
		return nil, err
	}
	if len(args.Target) != IDLength {
		return nil, fmt.Errorf("invalid target length %d", len(args.Target))
	}
	p.welcomeIfNew(sender)

	var target ID
	copy(target[:], args.Target)
	neighbors := p.table.FindNeighbors(target, p.ksize, &sender)
	return toWireNodes(neighbors), nil
}

func (p *Protocol) handleFindValue(from *net.UDPAddr, raw msgpack.RawMessage) (interface{}, error) {
	var args findArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode find_value args: %w", err)
	}
	if len(args.Target) != IDLength {
		return nil, fmt.Errorf("invalid key length %d", len(args.Target))
	}
	var key ID
	copy(key[:], args.Target)
	if value, ok := p.store.Get(key); ok {
		sender, err := senderNode(from, args.SenderID)
		if err != nil {
			return nil, err
		}
		p.welcomeIfNew(sender)
		return valueEnvelope{Value: value}, nil
	}
	return p.handleFindNode(from, raw)
}

func (p *Protocol) handleStun(from *net.UDPAddr, raw msgpack.RawMessage) (interface{}, error) {
	var args stunArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode stun args: %w", err)
	}

	// Ask every listed peer to punch back toward the sender, priming any
	// NAT mapping between them before the sender's lookup round.
	sender := Node{Host: from.IP.String(), Port: from.Port}
	for _, w := range args.Peers {
		peer, err := w.toNode()
		if err != nil {
			continue
		}
		go p.callPunch(context.Background(), peer, sender)
	}
	return observedAddr{Host: sender.Host, Port: sender.Port}, nil
}

func (p *Protocol) handlePunch(from *net.UDPAddr, raw msgpack.RawMessage) (interface{}, error) {
	var args punchArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode punch args: %w", err)
	}
	peer, err := args.Peer.toNode()
	if err != nil {
		return nil, err
	}
	go p.callHole(context.Background(), peer)
	return "hole", nil
}

func (p *Protocol) handleHole(_ *net.UDPAddr, _ msgpack.RawMessage) (interface{}, error) {
	return p.self.ID[:], nil
}

// welcomeIfNew admits a freshly seen peer. Known peers only get their bucket
// position refreshed. For a genuinely new peer, every locally stored value
// whose nearest-k set this peer belongs in (while we are nearer the key than
// every current neighbor) is handed off, per the Kademlia replication rule.
func (p *Protocol) welcomeIfNew(n Node) {
	if n.ID == p.self.ID {
		return
	}
	if p.table.HasContact(n.ID) {
		p.table.AddContact(n)
		return
	}

	p.log.Debug("welcoming new peer", zap.Stringer("peer", n))
	for _, item := range p.store.Items() {
		neighbors := p.table.FindNeighbors(item.Key, p.ksize, nil)
		handOff := len(neighbors) == 0
		if !handOff {
			furthest := neighbors[len(neighbors)-1]
			closest := neighbors[0]
			newCloser := XORDistance(n.ID, item.Key).Less(XORDistance(furthest.ID, item.Key))
			selfClosest := XORDistance(p.self.ID, item.Key).Less(XORDistance(closest.ID, item.Key))
			handOff = newCloser && selfClosest
		}
		if handOff {
			item := item
			go p.callStore(context.Background(), n, item.Key, item.Value)
		}
	}
	p.table.AddContact(n)
}

// handleCallResponse folds an RPC outcome into the routing table: a
// response refreshes the peer, silence evicts it.
func (p *Protocol) handleCallResponse(n Node, err error) {
	if err != nil {
		p.log.Debug("peer did not respond, evicting",
			zap.Stringer("peer", n),
			zap.Error(err),
		)
		p.table.RemoveContact(n.ID)
		return
	}
	p.welcomeIfNew(n)
}

// =============================================================================
// OUTBOUND CALLS
// =============================================================================

func nodeUDPAddr(n Node) (*net.UDPAddr, error) {
	if ip := net.ParseIP(n.Host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: n.Port}, nil
	}
	return net.ResolveUDPAddr("udp", n.Addr())
}

// callPing pings a known node and returns its reported ID.
func (p *Protocol) callPing(ctx context.Context, n Node) (ID, error) {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return ID{}, err
	}
	raw, err := p.transport.Call(ctx, addr, methodPing, pingArgs{SenderID: p.self.ID[:]})
	p.handleCallResponse(n, err)
	if err != nil {
		return ID{}, err
	}
	return decodeID(raw)
}

// pingAddress pings a bare endpoint to learn which node lives there.
func (p *Protocol) pingAddress(ctx context.Context, host string, port int) (Node, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return Node{}, err
	}
	raw, err := p.transport.Call(ctx, addr, methodPing, pingArgs{SenderID: p.self.ID[:]})
	if err != nil {
		return Node{}, err
	}
	id, err := decodeID(raw)
	if err != nil {
		return Node{}, err
	}
	n := Node{ID: id, Host: addr.IP.String(), Port: addr.Port}
	p.welcomeIfNew(n)
	return n, nil
}

// callStore asks a node to store key/value. True means the peer accepted.
func (p *Protocol) callStore(ctx context.Context, n Node, key ID, value []byte) (bool, error) {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return false, err
	}
	raw, err := p.transport.Call(ctx, addr, methodStore, storeArgs{
		SenderID: p.self.ID[:],
		Key:      key[:],
		Value:    value,
	})
	p.handleCallResponse(n, err)
	if err != nil {
		return false, err
	}
	var accepted bool
	if err := msgpack.Unmarshal(raw, &accepted); err != nil {
		return false, fmt.Errorf("decode store response: %w", err)
	}
	return accepted, nil
}

// callFindNode asks a node for its neighbors nearest target.
func (p *Protocol) callFindNode(ctx context.Context, n Node, target ID) ([]Node, error) {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return nil, err
	}
	raw, err := p.transport.Call(ctx, addr, methodFindNode, findArgs{
		SenderID: p.self.ID[:],
		Target:   target[:],
	})
	p.handleCallResponse(n, err)
	if err != nil {
		return nil, err
	}
	var wires []wireNode
	if err := msgpack.Unmarshal(raw, &wires); err != nil {
		return nil, fmt.Errorf("decode find_node response: %w", err)
	}
	return fromWireNodes(wires), nil
}

// callFindValue asks a node for a value, falling back to its neighbors.
func (p *Protocol) callFindValue(ctx context.Context, n Node, key ID) (FoundValue, error) {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return FoundValue{}, err
	}
	raw, err := p.transport.Call(ctx, addr, methodFindValue, findArgs{
		SenderID: p.self.ID[:],
		Target:   key[:],
	})
	p.handleCallResponse(n, err)
	if err != nil {
		return FoundValue{}, err
	}
	return decodeFoundValue(raw)
}

// callStun lists the peers we are about to query so the remote can punch
// toward us first. Best-effort; failures are the caller's to ignore.
func (p *Protocol) callStun(ctx context.Context, n Node, peers []Node) error {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return err
	}
	_, err = p.transport.Call(ctx, addr, methodStun, stunArgs{Peers: toWireNodes(peers)})
	return err
}

// callPunch asks n to open a hole toward target.
func (p *Protocol) callPunch(ctx context.Context, n Node, target Node) error {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return err
	}
	_, err = p.transport.Call(ctx, addr, methodPunch, punchArgs{Peer: toWireNode(target)})
	return err
}

// callHole sends the no-op beacon that completes a punch sequence.
func (p *Protocol) callHole(ctx context.Context, n Node) error {
	addr, err := nodeUDPAddr(n)
	if err != nil {
		return err
	}
	_, err = p.transport.Call(ctx, addr, methodHole, emptyArgs{})
	return err
}

// Ping implements the Pinger capability injected into the routing table.
// It probes a bucket head; the shared response handling evicts the head
// when the probe times out.
func (p *Protocol) Ping(n Node) {
	ctx, cancel := context.WithTimeout(context.Background(), p.transport.timeout)
	defer cancel()
	p.callPing(ctx, n)
}

// RefreshIDs exposes the routing table's lonely-bucket refresh targets.
func (p *Protocol) RefreshIDs() []ID {
	return p.table.RefreshIDs()
}

func decodeID(raw msgpack.RawMessage) (ID, error) {
	var buf []byte
	if err := msgpack.Unmarshal(raw, &buf); err != nil {
		return ID{}, fmt.Errorf("decode id response: %w", err)
	}
	if len(buf) != IDLength {
		return ID{}, fmt.Errorf("invalid id response length %d", len(buf))
	}
	var id ID
	copy(id[:], buf)
	return id, nil
}

// decodeFoundValue distinguishes the two find_value response shapes: a map
// carrying the value, or an array of node triples.
func decodeFoundValue(raw msgpack.RawMessage) (FoundValue, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	code, err := dec.PeekCode()
	if err != nil {
		return FoundValue{}, fmt.Errorf("peek find_value response: %w", err)
	}
	if msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32 {
		var env valueEnvelope
		if err := msgpack.Unmarshal(raw, &env); err != nil {
			return FoundValue{}, fmt.Errorf("decode value envelope: %w", err)
		}
		return FoundValue{HasValue: true, Value: env.Value}, nil
	}
	var wires []wireNode
	if err := msgpack.Unmarshal(raw, &wires); err != nil {
		return FoundValue{}, fmt.Errorf("decode find_value node list: %w", err)
	}
	return FoundValue{Nodes: fromWireNodes(wires)}, nil
}
