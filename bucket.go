package meshdht

import (
	"math/big"
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

// kbucket holds up to ksize peers whose IDs fall in [lo, hi]. The main set
// is insertion-ordered with the most recently seen node at the tail. Peers
// that arrive while the bucket is full wait in a bounded replacement queue
// where the most recently offered wins.
type kbucket struct {
	lo, hi       *big.Int
	ksize        int
	nodes        *orderedmap.OrderedMap[ID, Node]
	replacements *orderedmap.OrderedMap[ID, Node]
	lastUpdated  time.Time
}

func newKBucket(lo, hi *big.Int, ksize int) *kbucket {
	return &kbucket{
		lo:           lo,
		hi:           hi,
		ksize:        ksize,
		nodes:        orderedmap.NewOrderedMap[ID, Node](),
		replacements: orderedmap.NewOrderedMap[ID, Node](),
		lastUpdated:  time.Now(),
	}
}

// touch refreshes the bucket's freshness stamp.
func (b *kbucket) touch() {
	b.lastUpdated = time.Now()
}

// add inserts or refreshes a node. It returns false when the bucket is full
// and the node had to be parked in the replacement queue.
func (b *kbucket) add(n Node) bool {
	if _, ok := b.nodes.Get(n.ID); ok {
		// Move to the tail: seen again.
		b.nodes.Delete(n.ID)
		b.nodes.Set(n.ID, n)
		return true
	}
	if b.nodes.Len() < b.ksize {
		b.nodes.Set(n.ID, n)
		return true
	}
	// Full. Re-offering moves the node to the queue tail.
	b.replacements.Delete(n.ID)
	b.replacements.Set(n.ID, n)
	for b.replacements.Len() > b.ksize {
		b.replacements.Delete(b.replacements.Front().Key)
	}
	return false
}

// remove deletes a node. A vacated main-set slot is refilled with the newest
// replacement, if any.
func (b *kbucket) remove(id ID) {
	b.replacements.Delete(id)
	if !b.nodes.Delete(id) {
		return
	}
	if back := b.replacements.Back(); back != nil {
		promoted := back.Value
		b.replacements.Delete(back.Key)
		b.nodes.Set(promoted.ID, promoted)
	}
}

// split halves the bucket at its range midpoint. IDs at or below the
// midpoint go to the lower half; the replacement queue is discarded.
func (b *kbucket) split() (*kbucket, *kbucket) {
	mid := new(big.Int).Add(b.lo, b.hi)
	mid.Rsh(mid, 1)

	lower := newKBucket(b.lo, mid, b.ksize)
	upper := newKBucket(new(big.Int).Add(mid, big.NewInt(1)), b.hi, b.ksize)
	for el := b.nodes.Front(); el != nil; el = el.Next() {
		n := el.Value
		if n.ID.Big().Cmp(mid) <= 0 {
			lower.nodes.Set(n.ID, n)
		} else {
			upper.nodes.Set(n.ID, n)
		}
	}
	return lower, upper
}

// depth is the length of the longest bit prefix shared by every node in the
// bucket. An empty or single-node bucket has full depth.
func (b *kbucket) depth() int {
	front := b.nodes.Front()
	if front == nil {
		return IDBits
	}
	depth := IDBits
	first := front.Key
	for el := front.Next(); el != nil; el = el.Next() {
		if d := SharedPrefixLen(first, el.Key); d < depth {
			depth = d
		}
	}
	return depth
}

// coversID reports whether id falls inside the bucket's range.
func (b *kbucket) coversID(id ID) bool {
	n := id.Big()
	return b.lo.Cmp(n) <= 0 && n.Cmp(b.hi) <= 0
}

// head returns the oldest node in the main set.
func (b *kbucket) head() (Node, bool) {
	front := b.nodes.Front()
	if front == nil {
		return Node{}, false
	}
	return front.Value, true
}

// contains reports whether id is in the main set.
func (b *kbucket) contains(id ID) bool {
	_, ok := b.nodes.Get(id)
	return ok
}

// nodeList snapshots the main set in insertion order.
func (b *kbucket) nodeList() []Node {
	out := make([]Node, 0, b.nodes.Len())
	for el := b.nodes.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// randomIDInRange draws an ID uniformly from the bucket's range.
func (b *kbucket) randomIDInRange() ID {
	return randomIDInRange(b.lo, b.hi)
}
