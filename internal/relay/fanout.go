package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ocmt/backend/internal/revocation"
)

// DefaultRevocationChannel is the Redis pub/sub channel revocations replicate
// over.
const DefaultRevocationChannel = "relay:revocations"

// RevocationFanout replicates revocation records across relay pods. A pod
// that accepts a revoke publishes the verified record; every other pod
// applies it into its local store and Bloom filter, so a capability revoked
// anywhere is blocked everywhere within one message hop.
type RevocationFanout struct {
	client  RedisPubSubClient
	channel string
	store   *revocation.Store
	log     *slog.Logger
	unsub   func()
}

// NewRevocationFanout wires a fanout over the given pub/sub client. Call
// Start to begin applying remote revocations.
func NewRevocationFanout(client RedisPubSubClient, channel string, store *revocation.Store, log *slog.Logger) *RevocationFanout {
	if channel == "" {
		channel = DefaultRevocationChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RevocationFanout{
		client:  client,
		channel: channel,
		store:   store,
		log:     log.With("component", "revocation-fanout"),
	}
}

// Start subscribes to the channel and applies incoming records. Records this
// pod already holds are ignored, so a pod hearing its own publish is harmless.
func (f *RevocationFanout) Start(ctx context.Context) error {
	unsub, err := f.client.Subscribe(ctx, f.channel, func(payload []byte) {
		var rec revocation.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			f.log.Warn("dropping malformed fanout payload", "error", err)
			return
		}
		applied, err := f.store.Apply(rec)
		if err != nil {
			f.log.Warn("could not apply replicated revocation", "capabilityId", rec.CapabilityID, "error", err)
			return
		}
		if applied {
			f.log.Info("revocation replicated from peer", "capabilityId", rec.CapabilityID)
		}
	})
	if err != nil {
		return err
	}
	f.unsub = unsub
	f.log.Info("revocation fanout subscribed", "channel", f.channel)
	return nil
}

// Publish announces a locally recorded revocation to the other pods.
func (f *RevocationFanout) Publish(ctx context.Context, rec revocation.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		f.log.Warn("could not serialize revocation for fanout", "error", err)
		return
	}
	if err := f.client.Publish(ctx, f.channel, payload); err != nil {
		f.log.Warn("revocation fanout publish failed", "capabilityId", rec.CapabilityID, "error", err)
	}
}

// Stop unsubscribes from the channel.
func (f *RevocationFanout) Stop() {
	if f.unsub != nil {
		f.unsub()
		f.unsub = nil
	}
}
