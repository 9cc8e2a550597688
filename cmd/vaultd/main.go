// Command vaultd runs inside each sandbox: the encrypted secret vault, the
// capability engine behind the permission ceiling, and the gateway HTTP API
// the local agent talks to. With relays configured it also runs the sync
// loop that registers the sandbox identity and moves envelopes, revocations
// and snapshots across the mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocmt/backend/internal/ceiling"
	"github.com/ocmt/backend/internal/config"
	"github.com/ocmt/backend/internal/gateway"
	"github.com/ocmt/backend/internal/relayclient"
	"github.com/ocmt/backend/internal/vault"
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
	vc := cfg.Vaultd
	if vc.GatewayToken == "" {
		fatal(log, "load config", fmt.Errorf("gateway token is required, set OCMT_GATEWAY_TOKEN"))
	}

	metaDir := filepath.Join(vc.WorkspaceDir, ".ocmt")
	if err := os.MkdirAll(metaDir, 0o700); err != nil {
		fatal(log, "meta dir", err)
	}

	v := vault.New(filepath.Join(metaDir, "secrets.enc"), vault.Options{
		SessionTimeout: vc.SessionTimeout.Std(),
		Logger:         log,
	})
	ceilings, err := ceiling.NewManager(filepath.Join(metaDir, "ceilings.json"), ceiling.Options{Logger: log})
	if err != nil {
		fatal(log, "ceiling store", err)
	}

	var mesh gateway.Mesh
	var relaySync *gateway.Sync
	inbox := gateway.NewInbox(0)
	if len(vc.RelayURLs) > 0 {
		if vc.ContainerID == "" {
			fatal(log, "load config", fmt.Errorf("container id is required for mesh registration, set OCMT_CONTAINER_ID"))
		}
		strategy := relayclient.Strategy(vc.RelayStrategy)
		switch strategy {
		case "", relayclient.StrategyPrimary, relayclient.StrategyRoundRobin, relayclient.StrategyLatency:
		default:
			fatal(log, "load config", fmt.Errorf("unknown relay strategy %q", vc.RelayStrategy))
		}
		multi := relayclient.NewMultiFromURLs(vc.RelayURLs, relayclient.Options{
			AuthToken:   vc.RelayToken,
			ContainerID: vc.ContainerID,
			Logger:      log,
		}, relayclient.MultiOptions{
			Strategy: strategy,
			Logger:   log,
		})
		mesh = multi
		relaySync = gateway.NewSync(v, multi, inbox, gateway.SyncOptions{
			Interval:    vc.SyncInterval.Std(),
			CallbackURL: vc.CallbackURL,
			Logger:      log,
		})
		log.Info("relay mesh configured", "relays", len(vc.RelayURLs), "strategy", strategy, "containerId", vc.ContainerID)
	} else {
		log.Warn("no relays configured, running offline: revocations queue locally")
	}

	gwCfg := gateway.Config{
		GatewayToken: vc.GatewayToken,
		RelayToken:   vc.RelayToken,
		Logger:       log,
	}
	if relaySync != nil {
		gwCfg.OnUnlock = relaySync.Kick
	}
	api := gateway.NewServer(v, ceilings, mesh, inbox, gwCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if relaySync != nil {
		go relaySync.Run(ctx)
	}

	srv := &http.Server{
		Addr:         vc.ListenAddr,
		Handler:      api.Router(),
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
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
		v.Lock()
	}()

	log.Info("vaultd listening", "addr", vc.ListenAddr, "workspace", vc.WorkspaceDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(log, "serve", err)
	}
	log.Info("vaultd stopped")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
