package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ocmt/backend/internal/vault"
	"github.com/ocmt/backend/pkg/relayapi"
)

// Sync defaults.
const (
	DefaultSyncInterval = 15 * time.Second
	DefaultPullLimit    = 50
)

// SyncOptions tune the relay sync loop. Zero values select defaults.
type SyncOptions struct {
	Interval  time.Duration
	PullLimit int

	// CallbackURL is registered with the relays for push delivery while no
	// websocket is open (optional).
	CallbackURL string

	Logger *slog.Logger
}

// Sync keeps an unlocked vault in contact with the relay mesh: it registers
// the sandbox identity, pulls and acknowledges pending envelopes into the
// inbox, retries revocations that never reached the whole mesh, and pushes
// CACHED snapshots that are due for refresh.
//
// While the vault is locked the loop idles; locking also drops the
// registered flag so the identity is re-proven after the next unlock.
type Sync struct {
	vault *vault.Vault
	mesh  Mesh
	inbox *Inbox

	interval  time.Duration
	pullLimit int
	callback  string
	log       *slog.Logger

	kicks      chan struct{}
	registered atomic.Bool
}

// NewSync wires the loop. mesh must not be nil; run a vault without a mesh
// by simply not starting a Sync.
func NewSync(v *vault.Vault, mesh Mesh, inbox *Inbox, opts SyncOptions) *Sync {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	pullLimit := opts.PullLimit
	if pullLimit <= 0 {
		pullLimit = DefaultPullLimit
	}
	if inbox == nil {
		inbox = NewInbox(0)
	}
	return &Sync{
		vault:     v,
		mesh:      mesh,
		inbox:     inbox,
		interval:  interval,
		pullLimit: pullLimit,
		callback:  opts.CallbackURL,
		log:       log.With("component", "relay-sync"),
		kicks:     make(chan struct{}, 1),
	}
}

// Kick schedules an immediate cycle. Safe to call from any goroutine; extra
// kicks while one is queued are coalesced.
func (s *Sync) Kick() {
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// Registered reports whether the sandbox identity is currently registered
// with the mesh.
func (s *Sync) Registered() bool { return s.registered.Load() }

// Run blocks until ctx is canceled.
func (s *Sync) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kicks:
		}
		s.cycle(ctx)
	}
}

// cycle runs one pass. Every step tolerates failure independently: a relay
// outage during the pull must not stop revocation retries.
func (s *Sync) cycle(ctx context.Context) {
	if !s.vault.Unlocked() {
		s.registered.Store(false)
		return
	}
	if !s.registered.Load() {
		if err := s.register(ctx); err != nil {
			s.log.Warn("relay registration failed", "error", err)
			return
		}
	}
	s.pull(ctx)
	s.retryRevocations(ctx)
	s.pushSnapshots(ctx)
}

func (s *Sync) register(ctx context.Context) error {
	signPub, encPub, keyID, _, err := s.vault.Identity()
	if err != nil {
		return err
	}
	priv, err := s.vault.SigningKey()
	if err != nil {
		return err
	}
	req := relayapi.RegisterRequest{
		PublicKey:           signPub,
		EncryptionPublicKey: encPub,
		CallbackURL:         s.callback,
	}
	res, err := s.mesh.Register(ctx, req, priv)
	if err != nil {
		return err
	}
	s.registered.Store(true)
	s.log.Info("registered with relay mesh", "containerId", res.ContainerID, "keyId", keyID)
	return nil
}

// pull moves pending envelopes into the inbox and acks them. Duplicates from
// overlapping multi-relay queues are acked too; the first pull stored them.
func (s *Sync) pull(ctx context.Context) {
	res, err := s.mesh.Pending(ctx, s.pullLimit)
	if err != nil {
		s.log.Warn("pending pull failed", "error", err)
		return
	}
	if len(res.Messages) == 0 {
		return
	}
	ids := make([]string, 0, len(res.Messages))
	stored := 0
	for _, msg := range res.Messages {
		if s.inbox.Put(msg) {
			stored++
		}
		ids = append(ids, msg.ID)
	}
	if _, err := s.mesh.Ack(ctx, ids); err != nil {
		s.log.Warn("ack failed, envelopes will be re-pulled", "count", len(ids), "error", err)
		return
	}
	s.log.Debug("envelopes pulled", "stored", stored, "acked", len(ids))
}

func (s *Sync) retryRevocations(ctx context.Context) {
	reqs, err := s.vault.TakePendingRevocations()
	if err != nil || len(reqs) == 0 {
		return
	}
	delivered := 0
	for _, req := range reqs {
		if _, err := s.mesh.Revoke(ctx, req); err != nil {
			if qerr := s.vault.QueuePendingRevocation(req); qerr != nil {
				s.log.Warn("revocation dropped", "capabilityId", req.CapabilityID, "error", qerr)
			}
			continue
		}
		delivered++
	}
	if delivered > 0 {
		s.log.Info("queued revocations delivered", "count", delivered, "remaining", len(reqs)-delivered)
	}
}

func (s *Sync) pushSnapshots(ctx context.Context) {
	due, err := s.vault.SnapshotsDue()
	if err != nil || len(due) == 0 {
		return
	}
	for _, id := range due {
		snap, err := s.vault.RefreshSnapshot(id)
		if err != nil {
			s.log.Warn("snapshot refresh failed", "capabilityId", id, "error", err)
			continue
		}
		if err := s.mesh.StoreSnapshot(ctx, *snap); err != nil {
			s.log.Warn("snapshot push failed", "capabilityId", id, "error", err)
			continue
		}
		if err := s.vault.MarkSnapshotPushed(id); err != nil {
			s.log.Warn("snapshot push not recorded", "capabilityId", id, "error", err)
		}
	}
}
