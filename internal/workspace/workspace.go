// Package workspace lays out the per-tenant data directory the control
// plane provisions for each sandbox.
//
// Under the data root every tenant owns one subtree:
//
//	<dataDir>/<tenantId>/
//	  config.json              control-plane record: gateway token, port
//	  workspace/               bind-mounted into the sandbox
//	    .ocmt/secrets.enc      encrypted vault, written by vaultd inside
//	    .ocmt/ceilings.json    capability ceiling state
//	    .ocmt/skills/          agent skill definitions
//
// The gateway token lives in config.json with mode 0600, never in container
// labels, because labels are readable by anything that can list containers.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/fsjson"
)

// TenantConfig is the control plane's on-disk record for one tenant.
type TenantConfig struct {
	Version      int       `json:"version"`
	TenantID     string    `json:"tenantId"`
	GatewayToken string    `json:"gatewayToken"`
	IngressPort  int       `json:"ingressPort"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const configVersion = 1

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// ValidTenantID reports whether id is safe to use as a path segment.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id) && id != "." && id != ".." &&
		filepath.Base(id) == id
}

// Layout resolves tenant paths under one data root.
type Layout struct {
	dataDir string
	now     func() time.Time
}

// NewLayout returns a layout rooted at dataDir.
func NewLayout(dataDir string) *Layout {
	return &Layout{dataDir: dataDir, now: time.Now}
}

// DataDir returns the root all tenants live under.
func (l *Layout) DataDir() string { return l.dataDir }

// TenantDir is the tenant's private subtree.
func (l *Layout) TenantDir(tenantID string) string {
	return filepath.Join(l.dataDir, tenantID)
}

// WorkspaceDir is the directory bind-mounted into the sandbox.
func (l *Layout) WorkspaceDir(tenantID string) string {
	return filepath.Join(l.dataDir, tenantID, "workspace")
}

// MetaDir holds vault state inside the workspace.
func (l *Layout) MetaDir(tenantID string) string {
	return filepath.Join(l.WorkspaceDir(tenantID), ".ocmt")
}

// SecretsPath is the encrypted vault file.
func (l *Layout) SecretsPath(tenantID string) string {
	return filepath.Join(l.MetaDir(tenantID), "secrets.enc")
}

// CeilingsPath is the capability ceiling state file.
func (l *Layout) CeilingsPath(tenantID string) string {
	return filepath.Join(l.MetaDir(tenantID), "ceilings.json")
}

// SkillsDir holds agent skill definitions.
func (l *Layout) SkillsDir(tenantID string) string {
	return filepath.Join(l.MetaDir(tenantID), "skills")
}

// ConfigPath is the tenant's control-plane record.
func (l *Layout) ConfigPath(tenantID string) string {
	return filepath.Join(l.dataDir, tenantID, "config.json")
}

// Ensure creates the tenant's directory tree with owner-only permissions.
func (l *Layout) Ensure(tenantID string) error {
	if !ValidTenantID(tenantID) {
		return errdefs.Newf(errdefs.KindInvalidInput, "invalid tenant id %q", tenantID)
	}
	for _, dir := range []string{l.TenantDir(tenantID), l.WorkspaceDir(tenantID), l.MetaDir(tenantID), l.SkillsDir(tenantID)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WriteConfig persists the tenant record with mode 0600.
func (l *Layout) WriteConfig(cfg *TenantConfig) error {
	if !ValidTenantID(cfg.TenantID) {
		return errdefs.Newf(errdefs.KindInvalidInput, "invalid tenant id %q", cfg.TenantID)
	}
	cfg.Version = configVersion
	cfg.UpdatedAt = l.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.UpdatedAt
	}
	return fsjson.Save(l.ConfigPath(cfg.TenantID), cfg, 0o600)
}

// ReadConfig loads the tenant record. Missing tenants map to not_found.
func (l *Layout) ReadConfig(tenantID string) (*TenantConfig, error) {
	if !ValidTenantID(tenantID) {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "invalid tenant id %q", tenantID)
	}
	var cfg TenantConfig
	if err := fsjson.Load(l.ConfigPath(tenantID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Provision sets a tenant up end to end: directories, a fresh gateway token
// if none exists yet, and the config record. Existing tokens survive so a
// re-provision never invalidates a running sandbox.
func (l *Layout) Provision(tenantID string, ingressPort int) (*TenantConfig, error) {
	if err := l.Ensure(tenantID); err != nil {
		return nil, err
	}
	cfg, err := l.ReadConfig(tenantID)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		token, terr := NewGatewayToken()
		if terr != nil {
			return nil, terr
		}
		cfg = &TenantConfig{TenantID: tenantID, GatewayToken: token}
	} else if err != nil {
		return nil, err
	}
	if ingressPort > 0 {
		cfg.IngressPort = ingressPort
	}
	if err := l.WriteConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewGatewayToken generates the shared secret the control plane presents to
// a sandbox's vault gateway.
func NewGatewayToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
