// Command relay runs one untrusted relay pod: container registration,
// encrypted message delivery, the revocation ledger with Redis fan-out
// across pods, and the cached-capability snapshot store.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocmt/backend/internal/config"
	"github.com/ocmt/backend/internal/infra"
	"github.com/ocmt/backend/internal/relay"
	"github.com/ocmt/backend/internal/revocation"
	"github.com/ocmt/backend/internal/snapshot"
)

const (
	redisKeyPrefix  = "ocmt:relay:"
	fanoutChannel   = "ocmt:relay:revocations"
	cleanupInterval = time.Minute
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using environment variables")
	}

	configPath := flag.String("config", os.Getenv("OCMT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(log, "load config", err)
	}
	rc := cfg.Relay
	if rc.AuthToken == "" {
		fatal(log, "load config", fmt.Errorf("relay token is required, set OCMT_RELAY_TOKEN"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registrations live in Redis when an address is configured so every
	// pod sees the same mesh; otherwise this pod keeps them in memory.
	var store relay.Store
	var redis *infra.Redis
	if rc.RedisAddr != "" {
		redis, err = infra.NewRedis(rc.RedisAddr, rc.RedisPassword, rc.RedisDB, log)
		if err != nil {
			fatal(log, "redis", err)
		}
		defer redis.Close()
		store = relay.NewRedisStore(redis, redisKeyPrefix)
		log.Info("registration store on redis", "addr", rc.RedisAddr)
	} else {
		store = relay.NewMemoryStore()
		log.Warn("no redis configured, registrations are process-local")
	}

	if err := os.MkdirAll(rc.DataDir, 0o700); err != nil {
		fatal(log, "data dir", err)
	}
	revStore, err := revocation.NewStore(filepath.Join(rc.DataDir, "revocations.json"), revocation.StoreOptions{Logger: log})
	if err != nil {
		fatal(log, "revocation store", err)
	}
	defer revStore.Close()
	snaps, err := snapshot.NewStore(filepath.Join(rc.DataDir, "snapshots.json"), snapshot.StoreOptions{Logger: log})
	if err != nil {
		fatal(log, "snapshot store", err)
	}
	defer snaps.Close()

	var waker relay.Waker
	if rc.ControlPlaneURL != "" {
		waker = newControlPlaneWaker(rc.ControlPlaneURL, cfg.ControlPlane.AdminToken, log)
	}

	srv := relay.NewServer(store, revStore, snaps, waker, relay.Config{
		AuthToken:       rc.AuthToken,
		CallbackTimeout: rc.CallbackTimeout.Std(),
		QueueDepth:      rc.QueueDepth,
		Logger:          log,
	})

	if redis != nil {
		fanout := relay.NewRevocationFanout(redis, fanoutChannel, revStore, log)
		if err := fanout.Start(ctx); err != nil {
			fatal(log, "revocation fanout", err)
		}
		defer fanout.Stop()
		srv.SetFanout(fanout)
	}

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := revStore.Cleanup(); err != nil {
					log.Warn("revocation cleanup", "error", err)
				} else if n > 0 {
					log.Info("expired revocations dropped", "count", n)
				}
				if n, err := snaps.Cleanup(); err != nil {
					log.Warn("snapshot cleanup", "error", err)
				} else if n > 0 {
					log.Info("expired snapshots dropped", "count", n)
				}
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:         rc.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	log.Info("relay listening", "addr", rc.ListenAddr, "dataDir", rc.DataDir, "wakeHook", rc.ControlPlaneURL != "")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(log, "serve", err)
	}
	log.Info("relay stopped")
}

// newControlPlaneWaker asks the control plane to wake a sleeping sandbox
// before a forward is queued against it.
func newControlPlaneWaker(baseURL, adminToken string, log *slog.Logger) relay.WakerFunc {
	client := &http.Client{Timeout: 35 * time.Second}
	base := strings.TrimRight(baseURL, "/")
	body := []byte(`{"reason":"on-request"}`)
	return func(ctx context.Context, containerID string) (bool, error) {
		url := fmt.Sprintf("%s/api/containers/%s/wake", base, containerID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		if adminToken != "" {
			req.Header.Set("Authorization", "Bearer "+adminToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Errorf("wake returned status %d", resp.StatusCode)
		}
		log.Info("wake requested through control plane", "containerId", containerID)
		return true, nil
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
