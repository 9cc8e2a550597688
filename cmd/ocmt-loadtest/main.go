// ocmt-loadtest drives a running relay with synthetic mesh traffic: it
// registers a fleet of sandbox identities, mints a fresh capability token per
// message, and forwards payloads between fleet members while measuring
// delivery latency. Useful for sizing a relay before putting real tenants on
// it.
//
// Usage:
//
//	ocmt-loadtest -relay http://localhost:8090 -token $RELAY_TOKEN \
//	    -containers 10 -messages 5000 -concurrency 50 -rate 200
package main

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/relayclient"
	"github.com/ocmt/backend/pkg/relayapi"
)

type loadConfig struct {
	RelayURL       string
	AuthToken      string
	Containers     int
	Messages       int
	Concurrency    int
	Rate           float64 // forwards per second, 0 = unlimited
	PayloadBytes   int
	TokenTTL       time.Duration
	ReportInterval time.Duration
	Drain          bool
	Cleanup        bool
}

type loadStats struct {
	Total     uint64
	Delivered uint64
	Queued    uint64
	Failed    uint64
	Drained   uint64

	mu         sync.Mutex
	latencies  []time.Duration
	minLatency time.Duration
	maxLatency time.Duration
}

func (s *loadStats) observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	if s.minLatency == 0 || d < s.minLatency {
		s.minLatency = d
	}
	if d > s.maxLatency {
		s.maxLatency = d
	}
}

// actor is one synthetic sandbox: its mesh identity plus a relay client bound
// to its container id.
type actor struct {
	id       string
	signPub  string
	signPriv ed25519.PrivateKey
	encPub   string
	client   *relayclient.Client
}

func main() {
	var cfg loadConfig
	flag.StringVar(&cfg.RelayURL, "relay", "http://localhost:8090", "relay base URL")
	flag.StringVar(&cfg.AuthToken, "token", os.Getenv("OCMT_RELAY_TOKEN"), "relay bearer token")
	flag.IntVar(&cfg.Containers, "containers", 10, "number of synthetic sandboxes to register")
	flag.IntVar(&cfg.Messages, "messages", 1000, "number of forwards to issue")
	flag.IntVar(&cfg.Concurrency, "concurrency", 20, "number of concurrent senders")
	flag.Float64Var(&cfg.Rate, "rate", 0, "forwards per second across all senders (0 = unlimited)")
	flag.IntVar(&cfg.PayloadBytes, "payload", 256, "payload size in bytes before base64")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", 10*time.Minute, "lifetime of each minted capability token")
	flag.DurationVar(&cfg.ReportInterval, "report", 5*time.Second, "progress report interval")
	flag.BoolVar(&cfg.Drain, "drain", true, "poll and ack pending queues after the send phase")
	flag.BoolVar(&cfg.Cleanup, "cleanup", true, "unregister the fleet when done")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if cfg.Containers < 2 {
		log.Error("need at least 2 containers to forward between")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("load test failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg loadConfig) error {
	probe := relayclient.New(cfg.RelayURL, relayclient.Options{AuthToken: cfg.AuthToken})
	health, err := probe.Health(ctx)
	if err != nil {
		return fmt.Errorf("relay unreachable at %s: %w", cfg.RelayURL, err)
	}
	log.Info("relay reachable",
		"relay", cfg.RelayURL,
		"status", health.Status,
		"registrations", health.Components["registrations"])

	fleet, err := registerFleet(ctx, log, cfg)
	if err != nil {
		return err
	}
	if cfg.Cleanup {
		defer unregisterFleet(log, fleet)
	}

	stats := &loadStats{}
	start := time.Now()
	runSendPhase(ctx, log, cfg, fleet, stats)
	sendDuration := time.Since(start)

	if cfg.Drain {
		drainQueues(ctx, log, fleet, stats)
	}

	printResults(cfg, stats, sendDuration)
	return nil
}

func registerFleet(ctx context.Context, log *slog.Logger, cfg loadConfig) ([]*actor, error) {
	runID := uuid.NewString()[:8]
	fleet := make([]*actor, 0, cfg.Containers)
	for i := 0; i < cfg.Containers; i++ {
		signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		encPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}

		a := &actor{
			id:       fmt.Sprintf("load-%s-%d", runID, i),
			signPub:  capability.EncodeKey(signPub),
			signPriv: signPriv,
			encPub:   base64.StdEncoding.EncodeToString(encPriv.PublicKey().Bytes()),
		}
		a.client = relayclient.New(cfg.RelayURL, relayclient.Options{
			AuthToken:   cfg.AuthToken,
			ContainerID: a.id,
			Logger:      log,
		})

		req := relayapi.RegisterRequest{
			PublicKey:           a.signPub,
			EncryptionPublicKey: a.encPub,
		}
		if _, err := a.client.Register(ctx, req, a.signPriv); err != nil {
			return nil, fmt.Errorf("register %s: %w", a.id, err)
		}
		fleet = append(fleet, a)
	}
	log.Info("fleet registered", "containers", len(fleet), "run_id", runID)
	return fleet, nil
}

func unregisterFleet(log *slog.Logger, fleet []*actor) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, a := range fleet {
		if _, err := a.client.Unregister(ctx, a.signPriv); err != nil {
			log.Warn("unregister failed", "container", a.id, "error", err)
		}
	}
}

func runSendPhase(ctx context.Context, log *slog.Logger, cfg loadConfig, fleet []*actor, stats *loadStats) {
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Concurrency)
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go reportProgress(reportCtx, log, cfg.ReportInterval, stats)

	jobs := make(chan int, cfg.Concurrency)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return
					}
				}
				sendOne(ctx, log, cfg, fleet, n, stats)
			}
		}()
	}

feed:
	for i := 0; i < cfg.Messages; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

func sendOne(ctx context.Context, log *slog.Logger, cfg loadConfig, fleet []*actor, n int, stats *loadStats) {
	from := fleet[n%len(fleet)]
	to := fleet[(n+1)%len(fleet)]

	token, err := mintToken(cfg, from, to)
	if err != nil {
		atomic.AddUint64(&stats.Total, 1)
		atomic.AddUint64(&stats.Failed, 1)
		log.Warn("mint token failed", "error", err)
		return
	}

	payload := make([]byte, cfg.PayloadBytes)
	if _, err := rand.Read(payload); err != nil {
		atomic.AddUint64(&stats.Total, 1)
		atomic.AddUint64(&stats.Failed, 1)
		return
	}

	start := time.Now()
	resp, err := from.client.Forward(ctx, relayapi.ForwardRequest{
		ToContainerID:    to.id,
		CapabilityToken:  token,
		EncryptedPayload: base64.StdEncoding.EncodeToString(payload),
	})
	latency := time.Since(start)

	atomic.AddUint64(&stats.Total, 1)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		if atomic.LoadUint64(&stats.Failed) == 1 {
			log.Warn("first forward failure", "kind", errdefs.KindOf(err), "error", err)
		}
		return
	}

	stats.observe(latency)
	if resp.Status == relayapi.StatusDelivered {
		atomic.AddUint64(&stats.Delivered, 1)
	} else {
		atomic.AddUint64(&stats.Queued, 1)
	}
}

func mintToken(cfg loadConfig, from, to *actor) (string, error) {
	now := time.Now()
	claims := capability.Claims{
		V:         capability.ClaimsVersion,
		ID:        capability.NewID(),
		Iss:       from.signPub,
		Sub:       to.signPub,
		Aud:       to.id,
		Resource:  "mesh:loadtest",
		Scope:     []string{"send"},
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(cfg.TokenTTL).Unix(),
	}
	return capability.Encode(claims, from.signPriv)
}

// drainQueues polls every fleet member's pending queue and acks what it finds
// so the relay ends the run empty.
func drainQueues(ctx context.Context, log *slog.Logger, fleet []*actor, stats *loadStats) {
	for _, a := range fleet {
		for {
			resp, err := a.client.Pending(ctx, 100)
			if err != nil {
				log.Warn("pending poll failed", "container", a.id, "error", err)
				break
			}
			if resp.Count == 0 {
				break
			}
			ids := make([]string, 0, resp.Count)
			for _, m := range resp.Messages {
				ids = append(ids, m.ID)
			}
			if _, err := a.client.Ack(ctx, ids); err != nil {
				log.Warn("ack failed", "container", a.id, "error", err)
				break
			}
			atomic.AddUint64(&stats.Drained, uint64(len(ids)))
		}
	}
	log.Info("queues drained", "messages", atomic.LoadUint64(&stats.Drained))
}

func reportProgress(ctx context.Context, log *slog.Logger, interval time.Duration, stats *loadStats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Info("progress",
				"total", atomic.LoadUint64(&stats.Total),
				"delivered", atomic.LoadUint64(&stats.Delivered),
				"queued", atomic.LoadUint64(&stats.Queued),
				"failed", atomic.LoadUint64(&stats.Failed))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(cfg loadConfig, stats *loadStats, elapsed time.Duration) {
	total := atomic.LoadUint64(&stats.Total)
	delivered := atomic.LoadUint64(&stats.Delivered)
	queued := atomic.LoadUint64(&stats.Queued)
	failed := atomic.LoadUint64(&stats.Failed)

	stats.mu.Lock()
	avg := average(stats.latencies)
	p95 := percentile(stats.latencies, 95)
	p99 := percentile(stats.latencies, 99)
	minL, maxL := stats.minLatency, stats.maxLatency
	stats.mu.Unlock()

	throughput := float64(total) / elapsed.Seconds()

	sep := "================================================================"
	fmt.Println("\n" + sep)
	fmt.Println("RELAY LOAD TEST RESULTS")
	fmt.Println(sep)
	fmt.Printf("Forwards:        %d in %v (%.1f/sec)\n", total, elapsed.Round(time.Millisecond), throughput)
	fmt.Printf("Delivered live:  %d\n", delivered)
	fmt.Printf("Queued:          %d\n", queued)
	fmt.Printf("Failed:          %d\n", failed)
	if cfg.Drain {
		fmt.Printf("Drained:         %d\n", atomic.LoadUint64(&stats.Drained))
	}
	fmt.Println(sep)
	fmt.Printf("Latency min:     %v\n", minL)
	fmt.Printf("Latency avg:     %v\n", avg)
	fmt.Printf("Latency p95:     %v\n", p95)
	fmt.Printf("Latency p99:     %v\n", p99)
	fmt.Printf("Latency max:     %v\n", maxL)
	fmt.Println(sep)

	if total > 0 && failed == 0 {
		fmt.Println("PASS: no failed forwards")
	} else if total > 0 {
		fmt.Printf("FAIL: %d forwards failed (%.2f%%)\n", failed, float64(failed)/float64(total)*100)
	}
}

func average(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
