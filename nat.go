package meshdht

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-nat"
	"go.uber.org/zap"
)

// rediscoverAfterFailures is how many consecutive renewal failures trigger
// a fresh gateway discovery. Home routers reboot and change address; a
// stale gateway handle would otherwise fail forever.
const rediscoverAfterFailures = 3

// NATTraversal keeps a UDP port mapping alive via UPnP or NAT-PMP. It
// complements the wire-level stun/punch/hole helpers, which only warm
// existing mappings.
type NATTraversal struct {
	mu       sync.Mutex
	nat      nat.NAT
	port     int
	log      *zap.Logger
	stopChan chan struct{}
}

// NATConfig holds configuration for NAT traversal.
type NATConfig struct {
	InternalPort  int
	ExternalPort  int
	Description   string
	LeaseDuration time.Duration
}

// NewNATTraversal creates a new NAT traversal handler.
func NewNATTraversal(logger *zap.Logger) *NATTraversal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATTraversal{
		log:      logger,
		stopChan: make(chan struct{}),
	}
}

// Setup discovers the gateway and maps the DHT's UDP port. Returns the
// external address (ip:port) if successful.
func (n *NATTraversal) Setup(config NATConfig) (string, error) {
	if config.ExternalPort == 0 {
		config.ExternalPort = config.InternalPort
	}
	if config.Description == "" {
		config.Description = "meshdht"
	}
	if config.LeaseDuration == 0 {
		config.LeaseDuration = 2 * time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Tries UPnP then NAT-PMP automatically.
	gateway, err := nat.DiscoverGateway(ctx)
	if err != nil {
		return "", fmt.Errorf("no NAT gateway found: %w", err)
	}

	n.mu.Lock()
	n.nat = gateway
	n.port = config.ExternalPort
	n.mu.Unlock()

	extIP, err := gateway.GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("failed to get external address: %w", err)
	}

	if _, err := gateway.AddPortMapping(ctx, "udp", config.ExternalPort, config.Description, config.LeaseDuration); err != nil {
		return "", fmt.Errorf("failed to add port mapping: %w", err)
	}

	go n.renewLoop(config.Description, config.LeaseDuration)

	return fmt.Sprintf("%s:%d", extIP.String(), config.ExternalPort), nil
}

// renewLoop re-maps the port around half the lease, jittered so a fleet of
// nodes behind one gateway does not renew in lockstep. After enough
// consecutive failures the gateway is re-discovered.
func (n *NATTraversal) renewLoop(description string, leaseDuration time.Duration) {
	failures := 0
	for {
		select {
		case <-time.After(renewDelay(leaseDuration)):
			if err := n.renew(description, leaseDuration); err != nil {
				failures++
				n.log.Warn("failed to renew port mapping",
					zap.Int("consecutive_failures", failures),
					zap.Error(err),
				)
				if failures >= rediscoverAfterFailures {
					if n.rediscover() == nil {
						failures = 0
					}
				}
				continue
			}
			failures = 0
		case <-n.stopChan:
			return
		}
	}
}

// renewDelay is half the lease plus up to an eighth of jitter.
func renewDelay(lease time.Duration) time.Duration {
	return lease/2 + time.Duration(rand.Int63n(int64(lease/8)+1))
}

func (n *NATTraversal) renew(description string, leaseDuration time.Duration) error {
	n.mu.Lock()
	gateway := n.nat
	port := n.port
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := gateway.AddPortMapping(ctx, "udp", port, description, leaseDuration)
	return err
}

// rediscover replaces a gateway handle that stopped answering.
func (n *NATTraversal) rediscover() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gateway, err := nat.DiscoverGateway(ctx)
	if err != nil {
		n.log.Warn("gateway re-discovery failed", zap.Error(err))
		return err
	}
	n.mu.Lock()
	n.nat = gateway
	n.mu.Unlock()
	n.log.Info("re-discovered NAT gateway", zap.String("protocol", gateway.Type()))
	return nil
}

// Close removes the port mapping and stops the renewal loop.
func (n *NATTraversal) Close() {
	close(n.stopChan)

	n.mu.Lock()
	gateway := n.nat
	port := n.port
	n.mu.Unlock()
	if gateway == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gateway.DeletePortMapping(ctx, "udp", port); err != nil {
		n.log.Warn("failed to remove port mapping", zap.Error(err))
	}
}

// Protocol returns the NAT traversal method in use ("UPnP" or "NAT-PMP").
func (n *NATTraversal) Protocol() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nat != nil {
		return n.nat.Type()
	}
	return "unknown"
}
