package meshdht

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultAlpha is the lookup parallelism factor.
const DefaultAlpha = 3

// crawlerRPC is the slice of the protocol a lookup drives. Narrowing it to
// an interface lets tests run crawls against a simulated network.
type crawlerRPC interface {
	callFindNode(ctx context.Context, n Node, target ID) ([]Node, error)
	callFindValue(ctx context.Context, n Node, key ID) (FoundValue, error)
	callStore(ctx context.Context, n Node, key ID, value []byte) (bool, error)
	callStun(ctx context.Context, n Node, peers []Node) error
}

// spider is the shared state of one iterative lookup: a bounded heap of the
// nearest known nodes around the target, and the set already queried.
// Rounds are strictly serialized; round n+1 starts only after every RPC of
// round n has resolved.
type spider struct {
	rpc         crawlerRPC
	target      ID
	nearest     *NodeHeap
	alpha       int
	ksize       int
	gateways    []Node
	log         *zap.Logger
	lastCrawled string
	rounds      int
}

func newSpider(rpc crawlerRPC, target ID, seed []Node, ksize, alpha int, gateways []Node, logger *zap.Logger) *spider {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &spider{
		rpc:      rpc,
		target:   target,
		nearest:  NewNodeHeap(target, ksize),
		alpha:    alpha,
		ksize:    ksize,
		gateways: gateways,
		log:      logger,
	}
	s.nearest.Push(seed...)
	return s
}

// nextTargets picks the peers to query this round: up to alpha of the
// uncontacted frontier, or the whole frontier once the visible set has
// stopped changing between rounds (the fast-forward heuristic that bounds
// the tail of the crawl).
func (s *spider) nextTargets() []Node {
	uncontacted := s.nearest.Uncontacted()
	if len(uncontacted) == 0 {
		return nil
	}
	count := s.alpha
	if visible := s.nearest.VisibleIDs(); visible == s.lastCrawled {
		count = len(uncontacted)
	}
	s.lastCrawled = s.nearest.VisibleIDs()
	if len(uncontacted) > count {
		uncontacted = uncontacted[:count]
	}
	return uncontacted
}

// primeGateways warms NAT mappings: each bootstrap gateway is asked to have
// the peers we are about to contact punch toward us. Best-effort.
func (s *spider) primeGateways(ctx context.Context, peers []Node) {
	for _, gw := range s.gateways {
		gw := gw
		go func() {
			if err := s.rpc.callStun(ctx, gw, peers); err != nil {
				s.log.Debug("stun priming failed",
					zap.Stringer("gateway", gw),
					zap.Error(err),
				)
			}
		}()
	}
}

// crawlResponse is the outcome of querying one peer in a round.
type crawlResponse struct {
	node  Node
	found FoundValue
	err   error
}

// queryRound issues the per-mode RPC to every chosen peer in parallel and
// blocks until all of them resolve. Non-responders are dropped from the
// nearest set.
func (s *spider) queryRound(ctx context.Context, peers []Node, findValue bool) []crawlResponse {
	var wg sync.WaitGroup
	responses := make([]crawlResponse, len(peers))

	for i, peer := range peers {
		s.nearest.MarkContacted(peer)
		wg.Add(1)
		go func(idx int, n Node) {
			defer wg.Done()
			responses[idx].node = n
			if findValue {
				responses[idx].found, responses[idx].err = s.rpc.callFindValue(ctx, n, s.target)
				return
			}
			nodes, err := s.rpc.callFindNode(ctx, n, s.target)
			responses[idx].found = FoundValue{Nodes: nodes}
			responses[idx].err = err
		}(i, peer)
	}
	wg.Wait()

	for _, resp := range responses {
		if resp.err != nil {
			s.nearest.Remove(resp.node.ID)
		}
	}
	return responses
}

// =============================================================================
// NODE MODE
// =============================================================================

// nodeSpider crawls toward the k nodes nearest the target.
type nodeSpider struct {
	*spider
}

func newNodeSpider(rpc crawlerRPC, target ID, seed []Node, ksize, alpha int, gateways []Node, logger *zap.Logger) *nodeSpider {
	return &nodeSpider{spider: newSpider(rpc, target, seed, ksize, alpha, gateways, logger)}
}

// run iterates until every visible node has been contacted, then returns
// the visible set, nearest first.
func (s *nodeSpider) run(ctx context.Context) ([]Node, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		peers := s.nextTargets()
		if len(peers) == 0 {
			return s.nearest.Closest(), nil
		}
		s.rounds++
		s.primeGateways(ctx, peers)

		for _, resp := range s.queryRound(ctx, peers, false) {
			if resp.err != nil {
				continue
			}
			s.nearest.Push(resp.found.Nodes...)
		}
	}
}

// =============================================================================
// VALUE MODE
// =============================================================================

// valueSpider crawls for a stored value, caching it at the nearest peer
// that did not have it.
type valueSpider struct {
	*spider

	// Peers that answered with a node list instead of the value; the
	// nearest of them receives a replica once the value is found.
	withoutValue []Node
}

func newValueSpider(rpc crawlerRPC, target ID, seed []Node, ksize, alpha int, gateways []Node, logger *zap.Logger) *valueSpider {
	return &valueSpider{spider: newSpider(rpc, target, seed, ksize, alpha, gateways, logger)}
}

// run iterates until a value is found or the frontier is exhausted.
func (s *valueSpider) run(ctx context.Context) ([]byte, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		peers := s.nextTargets()
		if len(peers) == 0 {
			return nil, false, nil
		}
		s.rounds++
		s.primeGateways(ctx, peers)

		var values [][]byte
		for _, resp := range s.queryRound(ctx, peers, true) {
			if resp.err != nil {
				continue
			}
			if resp.found.HasValue {
				values = append(values, resp.found.Value)
				continue
			}
			s.withoutValue = append(s.withoutValue, resp.node)
			s.nearest.Push(resp.found.Nodes...)
		}

		if len(values) > 0 {
			return s.settle(ctx, values), true, nil
		}
	}
}

// settle picks the winning value and replicates it to the nearest peer that
// answered without it.
func (s *valueSpider) settle(ctx context.Context, values [][]byte) []byte {
	value := pluralityValue(values, s.log)
	if cache, ok := s.nearestWithoutValue(); ok {
		if _, err := s.rpc.callStore(ctx, cache, s.target, value); err != nil {
			s.log.Debug("cache-at-closest store failed",
				zap.Stringer("peer", cache),
				zap.Error(err),
			)
		}
	}
	return value
}

func (s *valueSpider) nearestWithoutValue() (Node, bool) {
	var best Node
	found := false
	for _, n := range s.withoutValue {
		if !found || XORDistance(n.ID, s.target).Less(XORDistance(best.ID, s.target)) {
			best = n
			found = true
		}
	}
	return best, found
}

// pluralityValue returns the most common value. Disagreement between peers
// is logged; the plurality simply wins.
func pluralityValue(values [][]byte, log *zap.Logger) []byte {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[string(v)]++
	}
	if len(counts) > 1 {
		log.Warn("peers disagree on stored value, taking plurality",
			zap.Int("variants", len(counts)),
		)
	}
	var winner string
	best := 0
	for v, c := range counts {
		if c > best {
			winner, best = v, c
		}
	}
	return []byte(winner)
}
