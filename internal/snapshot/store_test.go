package snapshot

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type issuer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newIssuer(t *testing.T) issuer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return issuer{pub: pub, priv: priv}
}

// signedSnapshot fabricates a snapshot with a valid issuer signature. The
// store never opens ciphertext, so random bytes stand in for a real capture.
func signedSnapshot(t *testing.T, iss issuer, clk *fakeClock, capabilityID, recipient string, ttl time.Duration) relayapi.Snapshot {
	t.Helper()
	blob := make([]byte, 48)
	_, err := rand.Read(blob)
	require.NoError(t, err)
	snap := relayapi.Snapshot{
		CapabilityID: capabilityID,
		IssuerPub:    base64.StdEncoding.EncodeToString(iss.pub),
		RecipientPub: recipient,
		EphemeralPub: base64.StdEncoding.EncodeToString(blob[:32]),
		Nonce:        base64.StdEncoding.EncodeToString(blob[:24]),
		Tag:          base64.StdEncoding.EncodeToString(blob[:16]),
		Ciphertext:   base64.StdEncoding.EncodeToString(blob),
		CreatedAt:    clk.Now().Unix(),
		ExpiresAt:    clk.Now().Add(ttl).Unix(),
	}
	snap.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(iss.priv, snap.SignaturePayload()))
	return snap
}

func newTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	clk := newFakeClock()
	path := filepath.Join(t.TempDir(), "snapshots.json")
	s, err := NewStore(path, StoreOptions{SaveDebounce: 10 * time.Millisecond, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk, path
}

func TestPutAndGet(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)

	snap := signedSnapshot(t, iss, clk, "cap-1", "recipient-key", time.Hour)
	require.NoError(t, s.Put(snap))

	got := s.Get("cap-1")
	require.NotNil(t, got)
	assert.Equal(t, snap.Ciphertext, got.Ciphertext)

	assert.Nil(t, s.Get("cap-unknown"))
}

func TestPutOverwrites(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)

	first := signedSnapshot(t, iss, clk, "cap-1", "recipient-key", time.Hour)
	require.NoError(t, s.Put(first))
	second := signedSnapshot(t, iss, clk, "cap-1", "recipient-key", 2*time.Hour)
	require.NoError(t, s.Put(second))

	got := s.Get("cap-1")
	require.NotNil(t, got)
	assert.Equal(t, second.Ciphertext, got.Ciphertext, "same capability id replaces the prior snapshot")
	assert.Equal(t, 1, s.Count())
}

func TestPutValidation(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)
	valid := signedSnapshot(t, iss, clk, "cap-1", "recipient-key", time.Hour)

	t.Run("missing fields", func(t *testing.T) {
		snap := valid
		snap.Ciphertext = ""
		assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(s.Put(snap)))
	})

	t.Run("tampered ciphertext breaks the signature", func(t *testing.T) {
		snap := valid
		snap.Ciphertext = base64.StdEncoding.EncodeToString([]byte("swapped"))
		assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(s.Put(snap)))
	})

	t.Run("short signature", func(t *testing.T) {
		snap := valid
		snap.Signature = base64.StdEncoding.EncodeToString([]byte("short"))
		assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(s.Put(snap)))
	})

	t.Run("wrong issuer key", func(t *testing.T) {
		snap := valid
		other := newIssuer(t)
		snap.IssuerPub = base64.StdEncoding.EncodeToString(other.pub)
		assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(s.Put(snap)))
	})

	t.Run("already expired", func(t *testing.T) {
		snap := signedSnapshot(t, iss, clk, "cap-exp", "recipient-key", time.Hour)
		clk.Advance(2 * time.Hour)
		defer clk.Advance(-2 * time.Hour)
		assert.Equal(t, errdefs.KindExpired, errdefs.KindOf(s.Put(snap)))
	})
}

func TestGetExpiredReturnsNil(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)

	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-1", "recipient-key", time.Hour)))
	clk.Advance(time.Hour + time.Second)

	assert.Nil(t, s.Get("cap-1"), "expired snapshots are invisible")
	assert.Equal(t, 1, s.Count(), "but still stored until cleanup")
}

func TestDeleteIdempotent(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)

	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-1", "recipient-key", time.Hour)))
	s.Delete("cap-1")
	assert.Nil(t, s.Get("cap-1"))
	s.Delete("cap-1")
	s.Delete("cap-never-existed")
}

func TestListByRecipient(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)

	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-a", "alice-enc", time.Hour)))
	clk.Advance(time.Minute)
	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-b", "alice-enc", time.Hour)))
	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-c", "bob-enc", time.Hour)))

	alice := s.ListByRecipient("alice-enc")
	require.Len(t, alice, 2)
	assert.Equal(t, "cap-b", alice[0].CapabilityID, "newest first")

	clk.Advance(2 * time.Hour)
	assert.Empty(t, s.ListByRecipient("alice-enc"), "expired snapshots are not listed")
}

func TestCleanup(t *testing.T) {
	s, clk, _ := newTestStore(t)
	iss := newIssuer(t)

	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-short", "r", time.Minute)))
	require.NoError(t, s.Put(signedSnapshot(t, iss, clk, "cap-long", "r", time.Hour)))

	clk.Advance(10 * time.Minute)
	removed, err := s.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Count())
	assert.NotNil(t, s.Get("cap-long"))

	removed, err = s.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	s, clk, path := newTestStore(t)
	iss := newIssuer(t)
	snap := signedSnapshot(t, iss, clk, "cap-1", "recipient-key", time.Hour)
	require.NoError(t, s.Put(snap))
	require.NoError(t, s.Close())

	reloaded, err := NewStore(path, StoreOptions{Now: clk.Now})
	require.NoError(t, err)
	defer reloaded.Close()

	got := reloaded.Get("cap-1")
	require.NotNil(t, got)
	assert.Equal(t, snap.Signature, got.Signature)
}

func TestUnsupportedStoreVersionRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 7}`), 0o600))

	_, err := NewStore(path, StoreOptions{})
	assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))
}
