package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"meshdht"
)

const beaconInterval = 30 * time.Minute

// beacon is the payload republished under the device key.
type beacon struct {
	RunID     string `json:"run_id"`
	Hostname  string `json:"hostname"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

func main() {
	// .env is optional; real environment and flags win.
	godotenv.Load()

	port := flag.Int("port", envInt("MESHD_PORT", 7867), "UDP port for DHT traffic")
	host := flag.String("host", os.Getenv("MESHD_HOST"), "interface to bind (default all)")
	apiAddr := flag.String("api", envStr("MESHD_API", "127.0.0.1:8080"), "address for the HTTP ops API")
	bootstrapList := flag.String("bootstrap", os.Getenv("MESHD_BOOTSTRAP"), "comma-separated bootstrap host:port list")
	ksize := flag.Int("k", envInt("MESHD_K", meshdht.DefaultKSize), "bucket size")
	alpha := flag.Int("alpha", envInt("MESHD_ALPHA", meshdht.DefaultAlpha), "lookup parallelism")
	noNAT := flag.Bool("no-nat", false, "skip UPnP/NAT-PMP port mapping")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))

	cfg := meshdht.DefaultConfig()
	cfg.KSize = *ksize
	cfg.Alpha = *alpha
	cfg.Logger = logger

	server := meshdht.NewServer(cfg)
	if err := server.Listen(*port, *host); err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	defer server.Stop()

	// Port mapping is best-effort; the stun/punch/hole wire helpers still
	// work without it.
	if !*noNAT {
		nat := meshdht.NewNATTraversal(logger)
		if ext, err := nat.Setup(meshdht.NATConfig{InternalPort: *port}); err != nil {
			logger.Warn("NAT port mapping unavailable", zap.Error(err))
		} else {
			logger.Info("NAT port mapping established",
				zap.String("external", ext),
				zap.String("protocol", nat.Protocol()),
			)
			defer nat.Close()
		}
	}

	if *bootstrapList != "" {
		addrs := splitAddrs(*bootstrapList)
		if err := bootstrapWithRetry(server, addrs, logger); err != nil {
			logger.Warn("bootstrap gave up, running isolated", zap.Error(err))
		}
	} else {
		logger.Info("no bootstrap peers configured, running as genesis node")
	}

	go serveAPI(*apiAddr, server, logger)

	stopBeacon := make(chan struct{})
	go beaconLoop(server, runID, logger, stopBeacon)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stopBeacon)
	logger.Info("shutting down")
}

// bootstrapWithRetry keeps trying the bootstrap set with exponential
// backoff until at least one peer answers, giving up after five minutes.
func bootstrapWithRetry(server *meshdht.Server, addrs []string, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxElapsedTime = 5 * time.Minute

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		live, err := server.Bootstrap(ctx, addrs)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			return meshdht.ErrNoKnownPeers
		}
		logger.Info("joined network", zap.Int("live_peers", len(live)))
		return nil
	}, b)
}

// beaconLoop periodically writes this device's identity into the DHT so
// the rest of the application can discover live devices.
func beaconLoop(server *meshdht.Server, runID string, logger *zap.Logger, stop <-chan struct{}) {
	dev, err := meshdht.GetDeviceIdentity()
	if err != nil {
		logger.Warn("device identity unavailable, beacon disabled", zap.Error(err))
		return
	}
	key := dev.Key()

	publish := func() {
		payload, err := json.Marshal(beacon{
			RunID:     runID,
			Hostname:  dev.Hostname,
			NodeID:    server.NodeID().String(),
			Timestamp: time.Now().Unix(),
		})
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if ok, err := server.Set(ctx, key, payload); err != nil || !ok {
			logger.Warn("device beacon publish failed", zap.Error(err))
			return
		}
		logger.Debug("device beacon published", zap.String("key", key))
	}

	// First publish after a short settle delay, then on the interval.
	select {
	case <-time.After(10 * time.Second):
		publish()
	case <-stop:
		return
	}
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publish()
		case <-stop:
			return
		}
	}
}

func serveAPI(addr string, server *meshdht.Server, logger *zap.Logger) {
	logger.Info("ops API listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server.APIRouter()); err != nil {
		logger.Error("ops API server failed", zap.Error(err))
	}
}

func splitAddrs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
