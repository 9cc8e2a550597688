package gateway

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

// fakeMesh is an in-memory relay mesh double. Failures are injected per
// operation with SetErr, mirroring the runtime fake; recorded requests are
// read back through the locked accessors.
type fakeMesh struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int

	registers []relayapi.RegisterRequest
	queue     []relayapi.PendingMessage
	acked     []string
	revokes   []relayapi.RevokeRequest
	forwards  []relayapi.ForwardRequest
	rotations []relayapi.RotationNotice
	snapshots map[string]relayapi.Snapshot
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		errs:      make(map[string]error),
		calls:     make(map[string]int),
		snapshots: make(map[string]relayapi.Snapshot),
	}
}

// SetErr makes every subsequent call to op fail with err. Pass nil to heal.
func (m *fakeMesh) SetErr(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Calls reports how many times op was invoked, failures included.
func (m *fakeMesh) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *fakeMesh) Register(_ context.Context, req relayapi.RegisterRequest, _ ed25519.PrivateKey) (relayapi.RegisterResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["register"]++
	if err := m.errs["register"]; err != nil {
		return relayapi.RegisterResponse{}, err
	}
	m.registers = append(m.registers, req)
	return relayapi.RegisterResponse{Registered: true, ContainerID: "ct-0001"}, nil
}

func (m *fakeMesh) Unregister(context.Context, ed25519.PrivateKey) (relayapi.UnregisterResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["unregister"]++
	if err := m.errs["unregister"]; err != nil {
		return relayapi.UnregisterResponse{}, err
	}
	return relayapi.UnregisterResponse{Unregistered: true, ContainerID: "ct-0001"}, nil
}

func (m *fakeMesh) Forward(_ context.Context, req relayapi.ForwardRequest) (relayapi.ForwardResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["forward"]++
	if err := m.errs["forward"]; err != nil {
		return relayapi.ForwardResponse{}, err
	}
	m.forwards = append(m.forwards, req)
	return relayapi.ForwardResponse{
		MessageID:      "msg-0001",
		Status:         relayapi.StatusDelivered,
		DeliveryMethod: relayapi.DeliveryWebSocket,
	}, nil
}

func (m *fakeMesh) Pending(_ context.Context, limit int) (relayapi.PendingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["pending"]++
	if err := m.errs["pending"]; err != nil {
		return relayapi.PendingResponse{}, err
	}
	msgs := m.queue
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	out := append([]relayapi.PendingMessage(nil), msgs...)
	return relayapi.PendingResponse{Count: len(out), Messages: out}, nil
}

func (m *fakeMesh) Ack(_ context.Context, ids []string) (relayapi.AckResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ack"]++
	if err := m.errs["ack"]; err != nil {
		return relayapi.AckResponse{}, err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.queue[:0]
	for _, msg := range m.queue {
		if !drop[msg.ID] {
			kept = append(kept, msg)
		}
	}
	acked := len(m.queue) - len(kept)
	m.queue = kept
	m.acked = append(m.acked, ids...)
	return relayapi.AckResponse{Acked: acked}, nil
}

func (m *fakeMesh) Revoke(_ context.Context, req relayapi.RevokeRequest) (relayapi.RevokeResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["revoke"]++
	if err := m.errs["revoke"]; err != nil {
		return relayapi.RevokeResponse{}, err
	}
	m.revokes = append(m.revokes, req)
	return relayapi.RevokeResponse{Success: true, RevocationID: "rv-" + req.CapabilityID}, nil
}

func (m *fakeMesh) StoreSnapshot(_ context.Context, snap relayapi.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["store-snapshot"]++
	if err := m.errs["store-snapshot"]; err != nil {
		return err
	}
	m.snapshots[snap.CapabilityID] = snap
	return nil
}

func (m *fakeMesh) GetSnapshot(_ context.Context, capabilityID string) (relayapi.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get-snapshot"]++
	if err := m.errs["get-snapshot"]; err != nil {
		return relayapi.Snapshot{}, err
	}
	snap, ok := m.snapshots[capabilityID]
	if !ok {
		return relayapi.Snapshot{}, errdefs.Newf(errdefs.KindNotFound, "no snapshot stored for capability %s", capabilityID)
	}
	return snap, nil
}

func (m *fakeMesh) ListSnapshots(_ context.Context, _ relayapi.SnapshotListRequest) (relayapi.SnapshotListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list-snapshots"]++
	if err := m.errs["list-snapshots"]; err != nil {
		return relayapi.SnapshotListResponse{}, err
	}
	out := make([]relayapi.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, snap)
	}
	return relayapi.SnapshotListResponse{Count: len(out), Snapshots: out}, nil
}

func (m *fakeMesh) AnnounceRotation(_ context.Context, notice relayapi.RotationNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["announce"]++
	if err := m.errs["announce"]; err != nil {
		return err
	}
	m.rotations = append(m.rotations, notice)
	return nil
}

// Seeding and readback helpers. Everything goes through the mutex because the
// server handlers run on other goroutines.

func (m *fakeMesh) PutQueue(msgs ...relayapi.PendingMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, msgs...)
}

func (m *fakeMesh) PutSnapshot(snap relayapi.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.CapabilityID] = snap
}

func (m *fakeMesh) Registers() []relayapi.RegisterRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]relayapi.RegisterRequest(nil), m.registers...)
}

func (m *fakeMesh) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

func (m *fakeMesh) Revokes() []relayapi.RevokeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]relayapi.RevokeRequest(nil), m.revokes...)
}

func (m *fakeMesh) Forwards() []relayapi.ForwardRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]relayapi.ForwardRequest(nil), m.forwards...)
}

func (m *fakeMesh) Rotations() []relayapi.RotationNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]relayapi.RotationNotice(nil), m.rotations...)
}

func (m *fakeMesh) Snapshot(capabilityID string) (relayapi.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[capabilityID]
	return snap, ok
}
