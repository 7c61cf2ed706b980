package meshdht

import (
	"container/heap"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Node identifies a peer by ID and UDP endpoint. Nodes are passed by value;
// routing equality is on ID only.
type Node struct {
	ID   ID
	Host string
	Port int
}

// NewNode builds a Node from an ID and endpoint.
func NewNode(id ID, host string, port int) Node {
	return Node{ID: id, Host: host, Port: port}
}

// SameHome reports whether two nodes share host and port. Used to keep a
// requester out of its own find_node results; ID is deliberately not part
// of the comparison.
func (n Node) SameHome(other Node) bool {
	return n.Host == other.Host && n.Port == other.Port
}

// Addr returns the node's endpoint in host:port form.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// String renders the node for logs.
func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID.String()[:8], n.Addr())
}

// DistanceTo returns the XOR distance from this node's ID to target.
func (n Node) DistanceTo(target ID) Distance {
	return XORDistance(n.ID, target)
}

// =============================================================================
// NODE HEAP
// =============================================================================

type heapEntry struct {
	dist Distance
	node Node
}

// distHeap is a min-heap of nodes keyed by distance to a fixed target.
type distHeap []heapEntry

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist.Less(h[j].dist) }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// NodeHeap keeps the nodes nearest a fixed target. Storage may exceed the
// visible cap; iteration only ever yields the cap-many nearest. A side set
// tracks which nodes have already been contacted by a lookup.
type NodeHeap struct {
	target    ID
	maxSize   int
	entries   distHeap
	present   map[ID]struct{}
	removed   map[ID]struct{}
	contacted map[ID]struct{}
}

// NewNodeHeap creates a heap around target with a visible cap of maxSize.
func NewNodeHeap(target ID, maxSize int) *NodeHeap {
	return &NodeHeap{
		target:    target,
		maxSize:   maxSize,
		present:   make(map[ID]struct{}),
		removed:   make(map[ID]struct{}),
		contacted: make(map[ID]struct{}),
	}
}

// Push adds nodes that are not already tracked.
func (nh *NodeHeap) Push(nodes ...Node) {
	for _, n := range nodes {
		if _, ok := nh.present[n.ID]; ok {
			continue
		}
		if _, ok := nh.removed[n.ID]; ok {
			continue
		}
		nh.present[n.ID] = struct{}{}
		heap.Push(&nh.entries, heapEntry{dist: XORDistance(n.ID, nh.target), node: n})
	}
}

// Remove drops a node from the visible set. Removal is lazy; the entry is
// skipped during iteration.
func (nh *NodeHeap) Remove(id ID) {
	if _, ok := nh.present[id]; !ok {
		return
	}
	delete(nh.present, id)
	nh.removed[id] = struct{}{}
}

// Len returns the number of visible nodes (at most maxSize).
func (nh *NodeHeap) Len() int {
	n := len(nh.present)
	if n > nh.maxSize {
		return nh.maxSize
	}
	return n
}

// Closest returns the visible nodes in ascending distance to the target.
func (nh *NodeHeap) Closest() []Node {
	sorted := make(distHeap, len(nh.entries))
	copy(sorted, nh.entries)
	sort.Sort(sorted)

	out := make([]Node, 0, nh.maxSize)
	for _, e := range sorted {
		if _, gone := nh.removed[e.node.ID]; gone {
			continue
		}
		out = append(out, e.node)
		if len(out) >= nh.maxSize {
			break
		}
	}
	return out
}

// MarkContacted records that a node has been queried.
func (nh *NodeHeap) MarkContacted(n Node) {
	nh.contacted[n.ID] = struct{}{}
}

// Uncontacted returns the visible nodes that have not been queried yet,
// nearest first.
func (nh *NodeHeap) Uncontacted() []Node {
	var out []Node
	for _, n := range nh.Closest() {
		if _, ok := nh.contacted[n.ID]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// VisibleIDs concatenates the hex IDs of the visible set. Lookups compare
// successive snapshots to detect a stabilized frontier.
func (nh *NodeHeap) VisibleIDs() string {
	var sb strings.Builder
	for _, n := range nh.Closest() {
		sb.WriteString(n.ID.String())
	}
	return sb.String()
}
