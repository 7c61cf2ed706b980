package meshdht

import (
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func nodeWithFirstByte(b byte, port int) Node {
	var id ID
	id[0] = b
	id[IDLength-1] = byte(port)
	return Node{ID: id, Host: "127.0.0.1", Port: port}
}

func randomNode(r *rand.Rand) Node {
	var id ID
	r.Read(id[:])
	return Node{ID: id, Host: "127.0.0.1", Port: 1024 + r.Intn(60000)}
}

// checkPartition asserts the bucket ranges tile [0, 2^160) contiguously and
// that every node sits in its covering bucket.
func checkPartition(t *testing.T, rt *RoutingTable) {
	t.Helper()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.buckets[0].lo.Sign() != 0 {
		t.Fatalf("first bucket starts at %s, want 0", rt.buckets[0].lo)
	}
	maxID := new(big.Int).Lsh(big.NewInt(1), IDBits)
	maxID.Sub(maxID, big.NewInt(1))
	last := rt.buckets[len(rt.buckets)-1]
	if last.hi.Cmp(maxID) != 0 {
		t.Fatalf("last bucket ends at %s, want 2^160-1", last.hi)
	}
	for i := 1; i < len(rt.buckets); i++ {
		expect := new(big.Int).Add(rt.buckets[i-1].hi, big.NewInt(1))
		if rt.buckets[i].lo.Cmp(expect) != 0 {
			t.Fatalf("gap or overlap between bucket %d and %d", i-1, i)
		}
	}
	for i, b := range rt.buckets {
		if b.nodes.Len() > rt.ksize {
			t.Fatalf("bucket %d holds %d nodes, cap %d", i, b.nodes.Len(), rt.ksize)
		}
		for _, n := range b.nodeList() {
			if !b.coversID(n.ID) {
				t.Fatalf("bucket %d holds out-of-range node %s", i, n.ID)
			}
		}
	}
}

// =============================================================================
// K-BUCKET TESTS
// =============================================================================

func fullRangeBucket(ksize int) *kbucket {
	hi := new(big.Int).Lsh(big.NewInt(1), IDBits)
	hi.Sub(hi, big.NewInt(1))
	return newKBucket(big.NewInt(0), hi, ksize)
}

func TestBucketAddOrdering(t *testing.T) {
	b := fullRangeBucket(3)
	n1 := nodeWithFirstByte(0x10, 1)
	n2 := nodeWithFirstByte(0x20, 2)
	n3 := nodeWithFirstByte(0x30, 3)
	for _, n := range []Node{n1, n2, n3} {
		if !b.add(n) {
			t.Fatalf("add %s should succeed", n)
		}
	}

	// Re-adding n1 moves it to the tail.
	b.add(n1)
	list := b.nodeList()
	if list[len(list)-1].ID != n1.ID {
		t.Errorf("re-added node should be most recent, got %v", list)
	}

	// A fourth node goes to the replacement queue.
	n4 := nodeWithFirstByte(0x40, 4)
	if b.add(n4) {
		t.Error("add to a full bucket should report failure")
	}
	if b.nodes.Len() != 3 {
		t.Errorf("main set grew past capacity: %d", b.nodes.Len())
	}
	if b.replacements.Len() != 1 {
		t.Errorf("replacement queue: got %d, want 1", b.replacements.Len())
	}
}

func TestBucketRemovePromotesReplacement(t *testing.T) {
	b := fullRangeBucket(2)
	n1 := nodeWithFirstByte(0x10, 1)
	n2 := nodeWithFirstByte(0x20, 2)
	n3 := nodeWithFirstByte(0x30, 3)
	b.add(n1)
	b.add(n2)
	b.add(n3) // parked

	b.remove(n1.ID)
	if !b.contains(n3.ID) {
		t.Error("newest replacement should be promoted into the vacated slot")
	}
	if b.replacements.Len() != 0 {
		t.Error("promoted replacement should leave the queue")
	}
}

// TestBucketSplitPreservesSet splits a populated bucket and verifies the
// union of the halves equals the original set, with the midpoint itself in
// the lower half.
func TestBucketSplitPreservesSet(t *testing.T) {
	b := fullRangeBucket(20)
	r := rand.New(rand.NewSource(7))
	original := make(map[ID]bool)
	for i := 0; i < 12; i++ {
		n := randomNode(r)
		original[n.ID] = true
		b.add(n)
	}

	mid := new(big.Int).Add(b.lo, b.hi)
	mid.Rsh(mid, 1)
	midNode := Node{ID: IDFromBig(mid), Host: "127.0.0.1", Port: 9999}
	original[midNode.ID] = true
	b.add(midNode)

	lower, upper := b.split()
	union := make(map[ID]bool)
	for _, n := range lower.nodeList() {
		union[n.ID] = true
		if n.ID.Big().Cmp(mid) > 0 {
			t.Errorf("node %s above midpoint landed in lower half", n.ID)
		}
	}
	for _, n := range upper.nodeList() {
		union[n.ID] = true
		if n.ID.Big().Cmp(mid) <= 0 {
			t.Errorf("node %s at or below midpoint landed in upper half", n.ID)
		}
	}
	if len(union) != len(original) {
		t.Fatalf("split lost or invented nodes: %d vs %d", len(union), len(original))
	}
	for id := range original {
		if !union[id] {
			t.Errorf("node %s missing after split", id)
		}
	}
	if !lower.contains(midNode.ID) {
		t.Error("midpoint id belongs to the lower half")
	}
}

func TestBucketDepth(t *testing.T) {
	b := fullRangeBucket(20)
	// 0x80 = 10000000b and 0x87 = 10000111b share exactly 5 leading bits.
	b.add(nodeWithFirstByte(0x80, 1))
	b.add(nodeWithFirstByte(0x87, 2))
	if got := b.depth(); got != 5 {
		t.Errorf("depth: got %d, want 5", got)
	}
}

// =============================================================================
// ROUTING TABLE TESTS
// =============================================================================

type recordingPinger struct {
	mu    sync.Mutex
	calls []Node
}

func (p *recordingPinger) Ping(n Node) {
	p.mu.Lock()
	p.calls = append(p.calls, n)
	p.mu.Unlock()
}

func (p *recordingPinger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestRoutingTableInvariants(t *testing.T) {
	self := randomNode(rand.New(rand.NewSource(1)))
	rt := NewRoutingTable(self, 4, nil)

	r := rand.New(rand.NewSource(99))
	for i := 0; i < 200; i++ {
		rt.AddContact(randomNode(r))
	}
	checkPartition(t, rt)

	// The local node must never be stored.
	if rt.HasContact(self.ID) {
		t.Error("local node found in its own table")
	}
	rt.AddContact(self)
	if rt.HasContact(self.ID) {
		t.Error("adding the local node should be a no-op")
	}
}

func TestRoutingTableRemoveContact(t *testing.T) {
	rt := NewRoutingTable(nodeWithFirstByte(0x00, 1), 4, nil)
	n := nodeWithFirstByte(0xF0, 2)
	rt.AddContact(n)
	if !rt.HasContact(n.ID) {
		t.Fatal("contact should be present after add")
	}
	rt.RemoveContact(n.ID)
	if rt.HasContact(n.ID) {
		t.Error("contact should be gone after remove")
	}
}

// TestRoutingTableOverflowPingsHead fills a bucket that may not split (it
// does not cover the local id and its depth is a multiple of five) and
// verifies the overflowing add pings the bucket head exactly once and drops
// the newcomer.
func TestRoutingTableOverflowPingsHead(t *testing.T) {
	self := nodeWithFirstByte(0x00, 1) // lower half
	pinger := &recordingPinger{}
	rt := NewRoutingTable(self, 2, nil)
	rt.SetPinger(pinger)

	// 0x80 and 0x87 share exactly 5 leading bits: depth 5, 5 mod 5 = 0.
	head := nodeWithFirstByte(0x80, 2)
	rt.AddContact(head)
	rt.AddContact(nodeWithFirstByte(0x87, 3))

	// Force the initial covering-bucket split so the upper half no longer
	// covers the local id.
	overflow := nodeWithFirstByte(0x83, 4)
	rt.AddContact(overflow)

	deadline := time.Now().Add(time.Second)
	for pinger.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := pinger.count(); got != 1 {
		t.Fatalf("head pings: got %d, want exactly 1", got)
	}
	pinger.mu.Lock()
	pinged := pinger.calls[0]
	pinger.mu.Unlock()
	if pinged.ID != head.ID {
		t.Errorf("pinged %s, want bucket head %s", pinged.ID, head.ID)
	}
	if rt.HasContact(overflow.ID) {
		t.Error("overflowing contact should have been dropped")
	}
	checkPartition(t, rt)
}

func TestFindNeighborsEmptyTable(t *testing.T) {
	rt := NewRoutingTable(nodeWithFirstByte(0x00, 1), 4, nil)
	if got := rt.FindNeighbors(RandomID(), 4, nil); len(got) != 0 {
		t.Errorf("empty table should yield no neighbors, got %v", got)
	}
}

func TestFindNeighborsNearestAndExclusions(t *testing.T) {
	self := nodeWithFirstByte(0x00, 1)
	rt := NewRoutingTable(self, 8, nil)

	r := rand.New(rand.NewSource(5))
	nodes := make([]Node, 0, 30)
	for i := 0; i < 30; i++ {
		n := randomNode(r)
		nodes = append(nodes, n)
		rt.AddContact(n)
	}

	target := nodes[0].ID
	requester := nodes[1]

	got := rt.FindNeighbors(target, 8, &requester)
	if len(got) == 0 {
		t.Fatal("expected neighbors")
	}
	for i, n := range got {
		if n.ID == target {
			t.Error("target id must be excluded from its own neighbor set")
		}
		if n.SameHome(requester) {
			t.Error("requester must be excluded by same-home")
		}
		if i > 0 {
			prev := XORDistance(got[i-1].ID, target)
			if XORDistance(n.ID, target).Less(prev) {
				t.Error("neighbors not in ascending distance order")
			}
		}
	}
}

func TestRefreshIDsInLonelyBucketRange(t *testing.T) {
	rt := NewRoutingTable(nodeWithFirstByte(0x00, 1), 4, nil)
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 40; i++ {
		rt.AddContact(randomNode(r))
	}

	// Freshly touched buckets are not lonely.
	if ids := rt.RefreshIDs(); len(ids) != 0 {
		t.Fatalf("no bucket should be lonely yet, got %d ids", len(ids))
	}

	// Backdate every bucket.
	rt.mu.Lock()
	for _, b := range rt.buckets {
		b.lastUpdated = time.Now().Add(-2 * bucketFreshness)
	}
	numBuckets := len(rt.buckets)
	rt.mu.Unlock()

	ids := rt.RefreshIDs()
	if len(ids) != numBuckets {
		t.Fatalf("refresh ids: got %d, want one per bucket (%d)", len(ids), numBuckets)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, id := range ids {
		if !rt.buckets[i].coversID(id) {
			t.Errorf("refresh id %d outside its bucket range", i)
		}
	}
}
