// Command controlplane runs the host-side sandbox manager: the startup
// container scan, idle hibernation, wake coordination, resource governing,
// the operator unlock bridge, and the admin HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocmt/backend/internal/audit"
	"github.com/ocmt/backend/internal/bridge"
	"github.com/ocmt/backend/internal/config"
	"github.com/ocmt/backend/internal/controlapi"
	"github.com/ocmt/backend/internal/governor"
	"github.com/ocmt/backend/internal/hibernation"
	"github.com/ocmt/backend/internal/plan"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/runtime"
	"github.com/ocmt/backend/internal/tenancy"
	"github.com/ocmt/backend/internal/wake"
	"github.com/ocmt/backend/internal/workspace"
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
	cp := cfg.ControlPlane
	if cp.AdminToken == "" {
		fatal(log, "load config", fmt.Errorf("admin token is required, set OCMT_ADMIN_TOKEN"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.NewDocker()
	if err != nil {
		fatal(log, "docker client", err)
	}
	defer rt.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rt.Ping(pingCtx)
	cancelPing()
	if err != nil {
		fatal(log, "docker engine unreachable", err)
	}

	if err := os.MkdirAll(cp.DataDir, 0o700); err != nil {
		fatal(log, "data dir", err)
	}
	layout := workspace.NewLayout(cp.DataDir)

	reg := registry.New(registry.Options{Logger: log})
	adopted, err := reg.Rebuild(ctx, rt, cp.ContainerPrefix, layout)
	if err != nil {
		fatal(log, "startup scan", err)
	}
	log.Info("registry rebuilt from engine", "sandboxes", adopted, "prefix", cp.ContainerPrefix)

	catalog, err := cp.Catalog()
	if err != nil {
		fatal(log, "plan catalog", err)
	}
	gov := governor.New(rt, reg, catalog, governor.NewMetrics(nil), log, nil)

	wakes := wake.New(rt, reg, wake.Options{
		Timeout:       cp.Wake.Timeout.Std(),
		HealthTimeout: cp.Wake.HealthTimeout.Std(),
		ProbeInterval: cp.Wake.ProbeInterval.Std(),
		MaxConcurrent: cp.Wake.MaxConcurrent,
		Costs:         gov,
		Logger:        log,
	})

	// The bus always runs; Pub/Sub replaces it as the emitter when
	// configured so in-process subscribers and the topic see the same
	// stream.
	var bus *audit.Bus
	var emitter audit.Emitter
	if cfg.Audit.PubSubProject != "" {
		ps, err := audit.NewPubSub(ctx, cfg.Audit.PubSubProject, cfg.Audit.PubSubTopic, log)
		if err != nil {
			fatal(log, "audit pubsub", err)
		}
		defer ps.Close()
		bus, emitter = ps.Bus, ps
	} else {
		bus = audit.NewBus()
		emitter = bus
	}

	apiCfg := controlapi.Config{
		AdminToken: cp.AdminToken,
		Audit:      emitter,
		Logger:     log,
	}

	if cfg.Audit.PostgresURL != "" {
		pg, err := audit.NewPostgresStore(ctx, cfg.Audit.PostgresURL, log)
		if err != nil {
			fatal(log, "audit postgres", err)
		}
		defer pg.Close()
		go pg.Run(ctx, bus)
		apiCfg.AuditStore = pg
	}

	switch cfg.Tenancy.Mode {
	case "supabase":
		dir, err := tenancy.NewSupabase(cfg.Tenancy.SupabaseURL, cfg.Tenancy.SupabaseKey, tenancy.SupabaseOptions{
			CacheTTL: cfg.Tenancy.CacheTTL.Std(),
			Logger:   log,
		})
		if err != nil {
			fatal(log, "supabase tenancy", err)
		}
		apiCfg.Tenants = dir
	case "static", "":
		dir, err := tenancy.NewStatic(cfg.Tenancy.Plans, plan.Tier(cfg.Tenancy.DefaultTier))
		if err != nil {
			fatal(log, "static tenancy", err)
		}
		apiCfg.Tenants = dir
	default:
		fatal(log, "load config", fmt.Errorf("unknown tenancy mode %q", cfg.Tenancy.Mode))
	}

	hib := hibernation.New(rt, reg, hibernation.Options{
		PauseAfter: cp.Hibernation.PauseAfter.Std(),
		StopAfter:  cp.Hibernation.StopAfter.Std(),
		Interval:   cp.Hibernation.Interval.Std(),
		StopGrace:  cp.Hibernation.StopGrace.Std(),
		Wakes:      wakes,
		Sessions:   gov,
		Audit:      emitter,
		Logger:     log,
	})
	go hib.Run(ctx)

	br := bridge.New(reg, wakes, bridge.Options{
		AdminToken: cp.AdminToken,
		Logger:     log,
	})
	apiCfg.Unlock = http.HandlerFunc(br.Handle)

	api := controlapi.NewServer(reg, wakes, gov, apiCfg)

	srv := &http.Server{
		Addr:         cp.ListenAddr,
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
	}()

	log.Info("control plane listening", "addr", cp.ListenAddr, "dataDir", cp.DataDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(log, "serve", err)
	}
	log.Info("control plane stopped")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
