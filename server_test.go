package meshdht

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"
)

// =============================================================================
// API EDGES
// =============================================================================

func TestServerRejectsBeforeListen(t *testing.T) {
	s := NewServer(DefaultConfig())
	if _, _, err := s.Get(context.Background(), "k"); err != ErrNotListening {
		t.Errorf("Get: got %v, want ErrNotListening", err)
	}
	if _, err := s.Set(context.Background(), "k", []byte("v")); err != ErrNotListening {
		t.Errorf("Set: got %v, want ErrNotListening", err)
	}
}

func TestServerRejectsNilValue(t *testing.T) {
	s := newTestServer(t, time.Minute)
	if _, err := s.Set(context.Background(), "k", nil); err != ErrInvalidValue {
		t.Errorf("got %v, want ErrInvalidValue", err)
	}
}

func TestServerEmptyNetwork(t *testing.T) {
	s := newTestServer(t, time.Minute)

	if _, found, err := s.Get(context.Background(), "nothing"); err != nil || found {
		t.Errorf("Get on empty network: found=%v err=%v", found, err)
	}
	if ok, err := s.Set(context.Background(), "nothing", []byte("v")); err != ErrNoKnownPeers || ok {
		t.Errorf("Set on empty network: ok=%v err=%v", ok, err)
	}
}

func TestServerPinnedNodeID(t *testing.T) {
	id := DigestKey("pinned")
	cfg := DefaultConfig()
	cfg.NodeID = &id
	s := NewServer(cfg)
	if s.NodeID() != id {
		t.Errorf("got %s, want %s", s.NodeID(), id)
	}
}

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

// TestTwoNodeBootstrap: N2 bootstraps off N1; afterwards each has the other
// in its routing table.
func TestTwoNodeBootstrap(t *testing.T) {
	n1 := newTestServer(t, time.Minute)
	n2 := newTestServer(t, time.Minute)

	live, err := n2.Bootstrap(context.Background(), []string{n1.Addr().String()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(live) != 1 || live[0].ID != n1.NodeID() {
		t.Fatalf("live contacts: got %v", live)
	}

	if !n2.Table().HasContact(n1.NodeID()) {
		t.Error("n2 should know n1")
	}
	waitFor(t, time.Second, func() bool {
		return n1.Table().HasContact(n2.NodeID())
	}, "n1 should know n2")

	if n2.Table().NumContacts() != 1 {
		t.Errorf("n2 contacts: got %d, want 1", n2.Table().NumContacts())
	}
}

// TestSetReachesPeer: with only N2 known, N1's set lands the value in N2's
// storage under the digest key, and N2 can serve it back.
func TestSetReachesPeer(t *testing.T) {
	n1 := newTestServer(t, time.Minute)
	n2 := newTestServer(t, time.Minute)

	if _, err := n1.Bootstrap(context.Background(), []string{n2.Addr().String()}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	value := make([]byte, 32)
	rand.Read(value)

	ok, err := n1.Set(context.Background(), "bandwidth-report-A", value)
	if err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}

	stored, found := n2.Storage().Get(DigestKey("bandwidth-report-A"))
	if !found || !bytes.Equal(stored, value) {
		t.Fatalf("n2 storage: found=%v", found)
	}

	got, found, err := n2.Get(context.Background(), "bandwidth-report-A")
	if err != nil || !found || !bytes.Equal(got, value) {
		t.Fatalf("n2 get: found=%v err=%v", found, err)
	}
}

// TestThreeNodeChainLookup: N1 knows only N2, N2 knows N3, and the value
// lives on N3. N1's get must walk the chain and learn N3 on the way.
func TestThreeNodeChainLookup(t *testing.T) {
	n1 := newTestServer(t, time.Minute)
	n2 := newTestServer(t, time.Minute)
	n3 := newTestServer(t, time.Minute)

	if _, err := n1.proto.callPing(context.Background(), n2.node()); err != nil {
		t.Fatalf("link n1-n2: %v", err)
	}
	if _, err := n3.proto.callPing(context.Background(), n2.node()); err != nil {
		t.Fatalf("link n2-n3: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return n2.Table().HasContact(n3.NodeID())
	}, "n2 should know n3")

	value := []byte("chained value")
	n3.Storage().Set(DigestKey("chain-key"), value)

	got, found, err := n1.Get(context.Background(), "chain-key")
	if err != nil || !found || !bytes.Equal(got, value) {
		t.Fatalf("get across chain: found=%v err=%v got=%q", found, err, got)
	}

	waitFor(t, time.Second, func() bool {
		return n1.Table().HasContact(n3.NodeID())
	}, "n1 should have learned n3 during the crawl")
}

// TestValueExpires: without republish, a stored value is culled after the
// TTL and a later get comes back empty.
func TestValueExpires(t *testing.T) {
	ttl := 150 * time.Millisecond
	n1 := newTestServer(t, ttl)
	n2 := newTestServer(t, ttl)

	if _, err := n1.Bootstrap(context.Background(), []string{n2.Addr().String()}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if ok, err := n1.Set(context.Background(), "ephemeral", []byte("v")); err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}

	time.Sleep(2 * ttl)

	if _, found, err := n1.Get(context.Background(), "ephemeral"); err != nil || found {
		t.Fatalf("value should have expired, found=%v err=%v", found, err)
	}
}

// TestSmallNetworkConvergence wires a dozen nodes through one gateway and
// verifies any node can fetch a key stored from any other.
func TestSmallNetworkConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-node network test")
	}

	const size = 12
	servers := make([]*Server, size)
	for i := range servers {
		servers[i] = newTestServer(t, time.Minute)
	}
	gateway := servers[0].Addr().String()
	for _, s := range servers[1:] {
		if _, err := s.Bootstrap(context.Background(), []string{gateway}); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
	}

	value := []byte("converged")
	ok, err := servers[3].Set(context.Background(), "shared-key", value)
	if err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}

	for _, idx := range []int{1, 7, size - 1} {
		got, found, err := servers[idx].Get(context.Background(), "shared-key")
		if err != nil || !found || !bytes.Equal(got, value) {
			t.Fatalf("node %d get: found=%v err=%v", idx, found, err)
		}
	}
}

// TestRepublishKeepsValueAlive exercises the refresh path directly: an aged
// value is pushed back out to the network.
func TestRepublishKeepsValueAlive(t *testing.T) {
	n1 := newTestServer(t, time.Minute)
	n2 := newTestServer(t, time.Minute)

	if _, err := n1.Bootstrap(context.Background(), []string{n2.Addr().String()}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	key := DigestKey("republished")
	n1.Storage().Set(key, []byte("v"))

	// Age the entry past the republish threshold, then run one refresh.
	n1.cfg.RepublishAge = 10 * time.Millisecond
	time.Sleep(30 * time.Millisecond)
	n1.refreshTable()

	if _, found := n2.Storage().Get(key); !found {
		t.Error("republish should have copied the value to the peer")
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := newTestServer(t, time.Minute)
	s.Stop()
	s.Stop()
}

// =============================================================================
// LOOKUP LAW
// =============================================================================

// TestLookupMonotonicity: in node mode the minimum distance in the nearest
// set never increases across rounds. Checked indirectly: the final closest
// node is at least as near as the nearest seed.
func TestLookupMonotonicity(t *testing.T) {
	n1 := newTestServer(t, time.Minute)
	n2 := newTestServer(t, time.Minute)
	n3 := newTestServer(t, time.Minute)

	if _, err := n1.proto.callPing(context.Background(), n2.node()); err != nil {
		t.Fatal(err)
	}
	if _, err := n3.proto.callPing(context.Background(), n2.node()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return n2.Table().HasContact(n3.NodeID())
	}, "n2 should know n3")

	target := DigestKey(fmt.Sprintf("target-%d", time.Now().UnixNano()))
	seed := n1.Table().FindNeighbors(target, n1.cfg.Alpha, nil)
	if len(seed) == 0 {
		t.Fatal("expected a seed")
	}
	seedBest := XORDistance(seed[0].ID, target)

	crawler := newNodeSpider(n1.proto, target, seed, n1.cfg.KSize, n1.cfg.Alpha, nil, nil)
	result, err := crawler.run(context.Background())
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if len(result) == 0 {
		t.Fatal("crawl returned nothing")
	}
	if seedBest.Less(XORDistance(result[0].ID, target)) {
		t.Error("crawl result is further from the target than the seed")
	}
}
