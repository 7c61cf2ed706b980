package meshdht

import (
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultKSize is the bucket width k: replication factor and the number
	// of neighbors returned by find_node.
	DefaultKSize = 20

	// bucketFreshness is how long a bucket may go untouched before the
	// refresh loop considers it lonely.
	bucketFreshness = time.Hour

	// splitDepthModulo relaxes the classic split rule: a full bucket that
	// does not cover the local ID still splits unless its shared prefix
	// depth is a multiple of this value.
	splitDepthModulo = 5
)

// Pinger is the narrow capability the routing table uses to probe the head
// of a full bucket. The probe's response handling evicts the head on
// timeout, freeing a slot for a later add.
type Pinger interface {
	Ping(n Node)
}

// RoutingTable is a bucketed index of known peers. It starts as a single
// bucket covering the whole ID space and splits buckets as they fill.
type RoutingTable struct {
	self    Node
	ksize   int
	buckets []*kbucket
	pinger  Pinger
	log     *zap.Logger
	mu      sync.Mutex
}

// NewRoutingTable creates a table for the local node.
func NewRoutingTable(self Node, ksize int, logger *zap.Logger) *RoutingTable {
	if ksize <= 0 {
		ksize = DefaultKSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lo := big.NewInt(0)
	hi := new(big.Int).Lsh(big.NewInt(1), IDBits)
	hi.Sub(hi, big.NewInt(1))
	return &RoutingTable{
		self:    self,
		ksize:   ksize,
		buckets: []*kbucket{newKBucket(lo, hi, ksize)},
		log:     logger,
	}
}

// SetPinger wires the liveness probe used when a full bucket cannot split.
func (rt *RoutingTable) SetPinger(p Pinger) {
	rt.mu.Lock()
	rt.pinger = p
	rt.mu.Unlock()
}

// AddContact inserts a peer into its covering bucket, splitting as the
// Kademlia rules allow. When the bucket is full and may not split, the
// bucket head is pinged instead and this attempt is dropped; the probe's
// timeout handling evicts a dead head for the next attempt.
func (rt *RoutingTable) AddContact(n Node) {
	if n.ID == rt.self.ID {
		return
	}

	rt.mu.Lock()
	for {
		idx := rt.indexFor(n.ID)
		b := rt.buckets[idx]
		b.touch()

		if b.add(n) {
			rt.mu.Unlock()
			return
		}

		// Full bucket: split if it covers us, or per the depth rule.
		if b.coversID(rt.self.ID) || b.depth()%splitDepthModulo != 0 {
			rt.splitAt(idx)
			continue
		}

		head, ok := b.head()
		pinger := rt.pinger
		rt.mu.Unlock()
		if ok && pinger != nil {
			go pinger.Ping(head)
		}
		return
	}
}

// RemoveContact deletes a peer from its covering bucket.
func (rt *RoutingTable) RemoveContact(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[rt.indexFor(id)].remove(id)
}

// HasContact reports whether id is currently in the table.
func (rt *RoutingTable) HasContact(id ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[rt.indexFor(id)].contains(id)
}

// FindNeighbors returns up to count nodes nearest target. The target itself
// is excluded by ID, and any node sharing exclude's endpoint is excluded by
// same-home. Buckets visited by the traversal are touched.
func (rt *RoutingTable) FindNeighbors(target ID, count int, exclude *Node) []Node {
	if count <= 0 {
		count = rt.ksize
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	nearest := NewNodeHeap(target, count)
	center := rt.indexFor(target)

	// Visit the covering bucket first, then fan out alternately left and
	// right until the heap is full or the table is exhausted.
	for offset := 0; ; offset++ {
		left, right := center-offset, center+offset
		if left < 0 && right >= len(rt.buckets) {
			break
		}
		if nearest.Len() >= count {
			break
		}
		rt.collectFrom(left, nearest, target, exclude)
		if offset != 0 {
			rt.collectFrom(right, nearest, target, exclude)
		}
	}
	return nearest.Closest()
}

func (rt *RoutingTable) collectFrom(idx int, nearest *NodeHeap, target ID, exclude *Node) {
	if idx < 0 || idx >= len(rt.buckets) {
		return
	}
	b := rt.buckets[idx]
	b.touch()
	for _, n := range b.nodeList() {
		if n.ID == target {
			continue
		}
		if exclude != nil && n.SameHome(*exclude) {
			continue
		}
		nearest.Push(n)
	}
}

// RefreshIDs returns one random ID per lonely bucket, drawn uniformly from
// that bucket's range. The server crawls each to re-warm the bucket.
func (rt *RoutingTable) RefreshIDs() []ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cutoff := time.Now().Add(-bucketFreshness)
	var ids []ID
	for _, b := range rt.buckets {
		if b.lastUpdated.Before(cutoff) {
			ids = append(ids, b.randomIDInRange())
		}
	}
	return ids
}

// NumContacts returns the total number of peers across all buckets.
func (rt *RoutingTable) NumContacts() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.nodes.Len()
	}
	return total
}

// NumBuckets returns the current bucket count.
func (rt *RoutingTable) NumBuckets() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets)
}

// AllNodes snapshots every peer in the table, bucket by bucket.
func (rt *RoutingTable) AllNodes() []Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []Node
	for _, b := range rt.buckets {
		out = append(out, b.nodeList()...)
	}
	return out
}

// indexFor locates the bucket covering id. Buckets are contiguous and
// sorted by range, so the scan always terminates. Caller must hold mu.
func (rt *RoutingTable) indexFor(id ID) int {
	for i, b := range rt.buckets {
		if b.coversID(id) {
			return i
		}
	}
	// Unreachable while the partition invariant holds.
	return len(rt.buckets) - 1
}

// splitAt replaces the bucket at idx with its two halves. Caller must hold mu.
func (rt *RoutingTable) splitAt(idx int) {
	lower, upper := rt.buckets[idx].split()
	rt.buckets = append(rt.buckets[:idx], append([]*kbucket{lower, upper}, rt.buckets[idx+1:]...)...)
	rt.log.Debug("bucket split",
		zap.Int("bucket", idx),
		zap.Int("buckets", len(rt.buckets)),
	)
}
