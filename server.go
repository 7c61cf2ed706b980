package meshdht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRefreshInterval is how often lonely buckets are re-crawled
	// and aged values republished.
	DefaultRefreshInterval = time.Hour

	// DefaultRepublishAge marks stored values due for republishing.
	DefaultRepublishAge = time.Hour
)

var (
	// ErrNoKnownPeers is returned when an operation needs the network but
	// the routing table is empty.
	ErrNoKnownPeers = errors.New("meshdht: no known peers")

	// ErrInvalidValue is returned by Set for a nil value.
	ErrInvalidValue = errors.New("meshdht: value must be a byte sequence")

	// ErrNotListening is returned for network operations before Listen.
	ErrNotListening = errors.New("meshdht: server is not listening")
)

// Config carries the server's tunables. Zero fields fall back to defaults.
type Config struct {
	// KSize is the bucket width and replication factor.
	KSize int

	// Alpha is the lookup parallelism.
	Alpha int

	// NodeID pins the local identifier; nil generates a random one.
	NodeID *ID

	// Storage overrides the TTL value store.
	Storage Storer

	// StorageTTL bounds value lifetime in the default store.
	StorageTTL time.Duration

	// RPCTimeout bounds every outbound call.
	RPCTimeout time.Duration

	// RefreshInterval paces the maintenance loop.
	RefreshInterval time.Duration

	// RepublishAge marks stored values due for republishing.
	RepublishAge time.Duration

	// Logger receives structured logs; nil keeps the server quiet.
	Logger *zap.Logger
}

// DefaultConfig returns the reference parameters.
func DefaultConfig() Config {
	return Config{
		KSize:           DefaultKSize,
		Alpha:           DefaultAlpha,
		StorageTTL:      DefaultStorageTTL,
		RPCTimeout:      DefaultRPCTimeout,
		RefreshInterval: DefaultRefreshInterval,
		RepublishAge:    DefaultRepublishAge,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.KSize <= 0 {
		c.KSize = d.KSize
	}
	if c.Alpha <= 0 {
		c.Alpha = d.Alpha
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.RepublishAge <= 0 {
		c.RepublishAge = d.RepublishAge
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Server is the application-facing facade over the DHT: it owns the socket,
// routing table, and value store, and runs the periodic refresh loop.
type Server struct {
	cfg   Config
	self  Node
	store Storer
	log   *zap.Logger

	mu        sync.Mutex
	transport *Transport
	table     *RoutingTable
	proto     *Protocol
	gateways  []Node
	startTime time.Time

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a server. The node ID defaults to a fresh random ID and
// storage to the TTL store.
func NewServer(cfg Config) *Server {
	cfg.applyDefaults()

	var id ID
	if cfg.NodeID != nil {
		id = *cfg.NodeID
	} else {
		id = RandomID()
	}
	store := cfg.Storage
	if store == nil {
		store = NewTTLStore(cfg.StorageTTL)
	}

	return &Server{
		cfg:      cfg,
		self:     Node{ID: id},
		store:    store,
		log:      cfg.Logger,
		shutdown: make(chan struct{}),
	}
}

// NodeID returns the local identifier.
func (s *Server) NodeID() ID {
	return s.self.ID
}

// Storage returns the value store.
func (s *Server) Storage() Storer {
	return s.store
}

// Table returns the routing table, nil before Listen.
func (s *Server) Table() *RoutingTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Addr returns the bound UDP address, nil before Listen.
func (s *Server) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.LocalAddr()
}

// Uptime reports how long the server has been listening.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Listen binds the UDP socket, wires up transport, protocol, and routing,
// and starts the refresh loop. An empty host binds all interfaces.
func (s *Server) Listen(port int, host string) error {
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	local := conn.LocalAddr().(*net.UDPAddr)

	s.mu.Lock()
	s.self.Host = local.IP.String()
	s.self.Port = local.Port
	s.transport = NewTransport(conn, s.cfg.RPCTimeout, s.log)
	s.table = NewRoutingTable(s.self, s.cfg.KSize, s.log)
	s.proto = newProtocol(s.self, s.table, s.store, s.transport, s.cfg.KSize, s.log)
	s.table.SetPinger(s.proto)
	s.transport.Start()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.refreshLoop()

	s.log.Info("dht listening",
		zap.String("id", s.self.ID.String()),
		zap.Stringer("addr", local),
		zap.Int("k", s.cfg.KSize),
		zap.Int("alpha", s.cfg.Alpha),
	)
	return nil
}

// Stop closes the socket and halts the refresh loop.
func (s *Server) Stop() {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	select {
	case <-s.shutdown:
		// Already stopped.
	default:
		close(s.shutdown)
	}
	if transport != nil {
		transport.Close()
	}
	s.wg.Wait()
	s.log.Info("dht stopped", zap.String("id", s.self.ID.String()))
}

// Bootstrap pings the given host:port addresses to learn their IDs, then
// crawls for the local ID to fill the routing table. Individual bootstrap
// failures are tolerated; one live gateway suffices. Returns the live
// contacts.
func (s *Server) Bootstrap(ctx context.Context, addrs []string) ([]Node, error) {
	proto, _, err := s.runtime()
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		live []Node
		wg   sync.WaitGroup
	)
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			s.log.Warn("skipping malformed bootstrap address",
				zap.String("addr", addr),
				zap.Error(err),
			)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			s.log.Warn("skipping malformed bootstrap port",
				zap.String("addr", addr),
				zap.Error(err),
			)
			continue
		}

		wg.Add(1)
		go func(host string, port int) {
			defer wg.Done()
			n, err := proto.pingAddress(ctx, host, port)
			if err != nil {
				s.log.Warn("bootstrap peer unreachable",
					zap.String("host", host),
					zap.Int("port", port),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			live = append(live, n)
			mu.Unlock()
		}(host, port)
	}
	wg.Wait()

	s.mu.Lock()
	s.gateways = append([]Node(nil), live...)
	s.mu.Unlock()

	if len(live) == 0 {
		s.log.Warn("bootstrap found no live peers")
		return nil, nil
	}

	// Crawl for our own ID; the responses populate the routing table.
	crawler := newNodeSpider(proto, s.self.ID, live, s.cfg.KSize, s.cfg.Alpha, s.gatewaySnapshot(), s.log)
	if _, err := crawler.run(ctx); err != nil {
		return live, err
	}
	s.log.Info("bootstrap complete",
		zap.Int("live", len(live)),
		zap.Int("contacts", s.table.NumContacts()),
	)
	return live, nil
}

// Get returns the value stored under key, looking locally first and then
// crawling the network.
func (s *Server) Get(ctx context.Context, key string) ([]byte, bool, error) {
	proto, table, err := s.runtime()
	if err != nil {
		return nil, false, err
	}

	dkey := DigestKey(key)
	if value, ok := s.store.Get(dkey); ok {
		return value, true, nil
	}

	seed := table.FindNeighbors(dkey, s.cfg.Alpha, nil)
	if len(seed) == 0 {
		return nil, false, nil
	}
	crawler := newValueSpider(proto, dkey, seed, s.cfg.KSize, s.cfg.Alpha, s.gatewaySnapshot(), s.log)
	return crawler.run(ctx)
}

// Set digests key and replicates value to the nodes nearest the digest.
// It reports true when at least one remote accepted the value.
func (s *Server) Set(ctx context.Context, key string, value []byte) (bool, error) {
	if value == nil {
		return false, ErrInvalidValue
	}
	s.log.Debug("setting key",
		zap.String("key", key),
		zap.Int("bytes", len(value)),
	)
	return s.SetDigest(ctx, DigestKey(key), value)
}

// SetDigest replicates value under an already-digested key. Used directly
// by the republish loop.
func (s *Server) SetDigest(ctx context.Context, dkey ID, value []byte) (bool, error) {
	proto, table, err := s.runtime()
	if err != nil {
		return false, err
	}

	seed := table.FindNeighbors(dkey, s.cfg.Alpha, nil)
	if len(seed) == 0 {
		return false, ErrNoKnownPeers
	}
	crawler := newNodeSpider(proto, dkey, seed, s.cfg.KSize, s.cfg.Alpha, s.gatewaySnapshot(), s.log)
	candidates, err := crawler.run(ctx)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, ErrNoKnownPeers
	}

	// Keep a local replica unless we are further from the key than every
	// candidate (the "not the furthest" rule).
	furthest := XORDistance(candidates[0].ID, dkey)
	for _, c := range candidates[1:] {
		if d := XORDistance(c.ID, dkey); furthest.Less(d) {
			furthest = d
		}
	}
	if XORDistance(s.self.ID, dkey).Less(furthest) {
		s.store.Set(dkey, value)
	}

	// Replicate in parallel, bounded by alpha; success means any remote
	// accepted.
	sem := semaphore.NewWeighted(int64(s.cfg.Alpha))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stored  int
		lastErr error
	)
	for _, c := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			defer sem.Release(1)
			ok, err := proto.callStore(ctx, n, dkey, value)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			if ok {
				stored++
			}
		}(c)
	}
	wg.Wait()

	if stored == 0 {
		if lastErr != nil {
			return false, fmt.Errorf("no replica accepted: %w", lastErr)
		}
		return false, nil
	}
	return true, nil
}

// gatewaySnapshot copies the bootstrap contacts used for stun priming.
func (s *Server) gatewaySnapshot() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Node(nil), s.gateways...)
}

// runtime fetches the wired protocol and table, failing before Listen.
func (s *Server) runtime() (*Protocol, *RoutingTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto == nil {
		return nil, nil, ErrNotListening
	}
	return s.proto, s.table, nil
}

// refreshLoop periodically re-crawls lonely buckets and republishes aged
// values. Best-effort: failures are logged and the next tick runs.
func (s *Server) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.refreshTable()
		}
	}
}

func (s *Server) refreshTable() {
	proto, table, err := s.runtime()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshInterval/2)
	defer cancel()

	for _, id := range proto.RefreshIDs() {
		seed := table.FindNeighbors(id, s.cfg.Alpha, nil)
		if len(seed) == 0 {
			continue
		}
		crawler := newNodeSpider(proto, id, seed, s.cfg.KSize, s.cfg.Alpha, s.gatewaySnapshot(), s.log)
		if _, err := crawler.run(ctx); err != nil {
			s.log.Warn("bucket refresh crawl failed",
				zap.String("target", id.String()[:8]),
				zap.Error(err),
			)
		}
	}

	for _, item := range s.store.ItemsOlderThan(s.cfg.RepublishAge) {
		if _, err := s.SetDigest(ctx, item.Key, item.Value); err != nil {
			s.log.Warn("republish failed",
				zap.String("key", item.Key.String()[:8]),
				zap.Error(err),
			)
		}
	}
}
