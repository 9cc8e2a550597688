// Package config loads the deployment configuration shared by the three
// binaries: the control plane, the relay, and the in-sandbox vault daemon.
//
// Resolution order is defaults, then the YAML file, then OCMT_* environment
// variables. Secrets (tokens, service keys, database URLs) normally arrive
// through the environment so config files stay committable.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/plan"
)

// Config is the root document.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"controlplane"`
	Relay        RelayConfig        `yaml:"relay"`
	Vaultd       VaultdConfig       `yaml:"vaultd"`
	Tenancy      TenancyConfig      `yaml:"tenancy"`
	Audit        AuditConfig        `yaml:"audit"`
}

// ControlPlaneConfig drives cmd/controlplane.
type ControlPlaneConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AdminToken string `yaml:"admin_token"`

	// DataDir is the root of per-tenant workspaces (config.json, vault
	// files). The startup scan reads gateway tokens from here.
	DataDir string `yaml:"data_dir"`

	// ContainerPrefix namespaces sandbox container names; the startup scan
	// only adopts containers carrying it.
	ContainerPrefix string `yaml:"container_prefix"`

	Hibernation HibernationConfig `yaml:"hibernation"`
	Wake        WakeConfig        `yaml:"wake"`

	// Rates overrides per-tier USD-per-awake-hour for the cost ledger.
	Rates map[string]float64 `yaml:"rates"`

	// Limits overrides per-tier resource envelopes.
	Limits map[string]plan.Limits `yaml:"limits"`
}

// HibernationConfig sets the idle thresholds. Zero values keep the package
// defaults.
type HibernationConfig struct {
	PauseAfter Duration `yaml:"pause_after"`
	StopAfter  Duration `yaml:"stop_after"`
	Interval   Duration `yaml:"interval"`
	StopGrace  Duration `yaml:"stop_grace"`
}

// WakeConfig sets the wake coordinator budgets.
type WakeConfig struct {
	Timeout       Duration `yaml:"timeout"`
	HealthTimeout Duration `yaml:"health_timeout"`
	ProbeInterval Duration `yaml:"probe_interval"`
	MaxConcurrent int64    `yaml:"max_concurrent"`
}

// RelayConfig drives cmd/relay.
type RelayConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// AuthToken is the mesh bearer every /relay call must carry.
	AuthToken string `yaml:"auth_token"`

	// RedisAddr selects the Redis-backed registration store; empty keeps
	// everything in process memory.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// ControlPlaneURL is where on-request wakes are sent. Empty disables the
	// wake hook; forwards to sleeping sandboxes then queue.
	ControlPlaneURL string `yaml:"control_plane_url"`

	// DataDir holds the revocation and snapshot persistence files.
	DataDir string `yaml:"data_dir"`

	CallbackTimeout Duration `yaml:"callback_timeout"`
	QueueDepth      int      `yaml:"queue_depth"`
}

// VaultdConfig drives cmd/vaultd inside the sandbox.
type VaultdConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// GatewayToken gates every vault API call; the control plane provisions
	// it into the workspace config.
	GatewayToken string `yaml:"gateway_token"`

	// ContainerID is this sandbox's mesh identity (usually the tenant id).
	ContainerID string `yaml:"container_id"`

	// WorkspaceDir is the bind-mounted workspace; vault state lives under
	// its .ocmt directory.
	WorkspaceDir string `yaml:"workspace_dir"`

	RelayURLs     []string `yaml:"relay_urls"`
	RelayToken    string   `yaml:"relay_token"`
	RelayStrategy string   `yaml:"relay_strategy"`

	// CallbackURL is the externally reachable address of this daemon's
	// /relay/callback route, registered with the relays for push delivery.
	// Empty falls back to polling on SyncInterval.
	CallbackURL string `yaml:"callback_url"`

	SessionTimeout Duration `yaml:"session_timeout"`

	// SyncInterval paces relay polling: pending messages, due snapshot
	// refreshes, queued revocation retries.
	SyncInterval Duration `yaml:"sync_interval"`
}

// TenancyConfig selects the tenant directory backend.
type TenancyConfig struct {
	// Mode is "static" or "supabase".
	Mode string `yaml:"mode"`

	// DefaultTier, when set, lets unknown tenants through on that tier
	// (static mode only).
	DefaultTier string `yaml:"default_tier"`

	// Plans maps tenantID to tier name for static mode.
	Plans map[string]string `yaml:"plans"`

	SupabaseURL string   `yaml:"supabase_url"`
	SupabaseKey string   `yaml:"supabase_key"`
	CacheTTL    Duration `yaml:"cache_ttl"`
}

// AuditConfig selects optional audit sinks. Empty fields disable a sink; the
// in-memory bus always runs.
type AuditConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
	PostgresURL   string `yaml:"postgres_url"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ControlPlane: ControlPlaneConfig{
			ListenAddr:      ":8080",
			DataDir:         "/var/lib/ocmt",
			ContainerPrefix: "ocmt-",
		},
		Relay: RelayConfig{
			ListenAddr: ":8081",
			DataDir:    "/var/lib/ocmt-relay",
		},
		Vaultd: VaultdConfig{
			ListenAddr:    ":8090",
			WorkspaceDir:  "/workspace",
			RelayStrategy: "primary",
		},
		Tenancy: TenancyConfig{
			Mode:        "static",
			DefaultTier: "free",
		},
		Audit: AuditConfig{
			PubSubTopic: "ocmt-audit",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is fine when path is empty or the default; a named file that
// does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, errdefs.Wrap(errdefs.KindInvalidInput, err, "open config file")
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, errdefs.Wrap(errdefs.KindInvalidInput, err, "parse config file")
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// applyEnv overlays OCMT_* (and the Supabase conventional) variables.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set(&c.ControlPlane.ListenAddr, "OCMT_LISTEN_ADDR")
	set(&c.ControlPlane.AdminToken, "OCMT_ADMIN_TOKEN")
	set(&c.ControlPlane.DataDir, "OCMT_DATA_DIR")

	set(&c.Relay.ListenAddr, "OCMT_RELAY_LISTEN_ADDR")
	set(&c.Relay.AuthToken, "OCMT_RELAY_TOKEN")
	set(&c.Relay.RedisAddr, "OCMT_REDIS_ADDR")
	set(&c.Relay.RedisPassword, "OCMT_REDIS_PASSWORD")
	if v := getenv("OCMT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.RedisDB = n
		}
	}
	set(&c.Relay.ControlPlaneURL, "OCMT_CONTROL_PLANE_URL")
	set(&c.Relay.DataDir, "OCMT_RELAY_DATA_DIR")

	set(&c.Vaultd.ListenAddr, "OCMT_VAULTD_LISTEN_ADDR")
	set(&c.Vaultd.GatewayToken, "OCMT_GATEWAY_TOKEN")
	set(&c.Vaultd.ContainerID, "OCMT_CONTAINER_ID")
	set(&c.Vaultd.WorkspaceDir, "OCMT_WORKSPACE_DIR")
	set(&c.Vaultd.RelayToken, "OCMT_RELAY_TOKEN")
	set(&c.Vaultd.RelayStrategy, "OCMT_RELAY_STRATEGY")
	set(&c.Vaultd.CallbackURL, "OCMT_CALLBACK_URL")
	if v := getenv("OCMT_RELAY_URLS"); v != "" {
		urls := strings.Split(v, ",")
		c.Vaultd.RelayURLs = c.Vaultd.RelayURLs[:0]
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				c.Vaultd.RelayURLs = append(c.Vaultd.RelayURLs, u)
			}
		}
	}

	set(&c.Tenancy.Mode, "OCMT_TENANCY_MODE")
	set(&c.Tenancy.SupabaseURL, "SUPABASE_URL")
	set(&c.Tenancy.SupabaseKey, "SUPABASE_SERVICE_KEY")

	set(&c.Audit.PubSubProject, "OCMT_PUBSUB_PROJECT")
	set(&c.Audit.PubSubTopic, "OCMT_PUBSUB_TOPIC")
	set(&c.Audit.PostgresURL, "OCMT_DATABASE_URL")
}

// Catalog builds the tier catalog with any configured overrides applied.
func (c ControlPlaneConfig) Catalog() (*plan.Catalog, error) {
	cat := plan.NewCatalog()
	for name, rate := range c.Rates {
		tier, err := plan.Parse(name)
		if err != nil {
			return nil, err
		}
		cat.SetRate(tier, rate)
	}
	for name, limits := range c.Limits {
		tier, err := plan.Parse(name)
		if err != nil {
			return nil, err
		}
		cat.SetLimits(tier, limits)
	}
	return cat, nil
}
