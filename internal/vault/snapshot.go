package vault

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/identity"
	"github.com/ocmt/backend/pkg/relayapi"
)

// snapshotHKDFInfo domain-separates snapshot keys from any other use of the
// same ECDH shared secret.
const snapshotHKDFInfo = "ocmt/snapshot/v1"

// snapshotPayload is the plaintext inside a cached snapshot: the credential at
// capture time plus its freshness stamp.
type snapshotPayload struct {
	Data         map[string]interface{} `json:"data"`
	CapturedAtMs int64                  `json:"capturedAtMs"`
}

// SnapshotData is the decrypted view handed to the subject.
type SnapshotData struct {
	Data map[string]interface{} `json:"data"`

	// StalenessMs is how old the captured credential is, measured against
	// the snapshot's createdAt.
	StalenessMs int64 `json:"stalenessMs"`
}

// snapshotKey derives the AEAD key from an X25519 shared secret.
func snapshotKey(shared []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(snapshotHKDFInfo)), key); err != nil {
		return nil, fmt.Errorf("derive snapshot key: %w", err)
	}
	return key, nil
}

// encryptSnapshotPayload seals plaintext to a recipient X25519 key under a
// fresh ephemeral key. Returns the base64 pieces of the snapshot record.
func encryptSnapshotPayload(recipientEncPub, plaintext []byte) (ephPub, nonce, ct, tag string, err error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", "", "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	peer, err := ecdh.X25519().NewPublicKey(recipientEncPub)
	if err != nil {
		return "", "", "", "", errdefs.Wrap(errdefs.KindInvalidInput, err, "recipient encryption key rejected")
	}
	shared, err := eph.ECDH(peer)
	if err != nil {
		return "", "", "", "", fmt.Errorf("ecdh: %w", err)
	}
	key, err := snapshotKey(shared)
	if err != nil {
		return "", "", "", "", err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", "", "", err
	}
	rawNonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(rawNonce); err != nil {
		return "", "", "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, rawNonce, plaintext, nil)
	rawCT, rawTag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return base64.StdEncoding.EncodeToString(eph.PublicKey().Bytes()),
		base64.StdEncoding.EncodeToString(rawNonce),
		base64.StdEncoding.EncodeToString(rawCT),
		base64.StdEncoding.EncodeToString(rawTag),
		nil
}

// decryptSnapshotPayload reverses encryptSnapshotPayload with the recipient's
// private key and the sender's ephemeral public key.
func decryptSnapshotPayload(recipientPriv *ecdh.PrivateKey, ephPubB64, nonceB64, ctB64, tagB64 string) ([]byte, error) {
	ephRaw, err := base64.StdEncoding.DecodeString(ephPubB64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "ephemeral key is not valid base64")
	}
	ephPub, err := ecdh.X25519().NewPublicKey(ephRaw)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "ephemeral key rejected")
	}
	shared, err := recipientPriv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key, err := snapshotKey(shared)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, errdefs.New(errdefs.KindInvalidInput, "snapshot nonce is malformed")
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "snapshot ciphertext is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "snapshot tag is not valid base64")
	}
	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidSignature, "snapshot decryption failed")
	}
	return plaintext, nil
}

// buildSnapshotLocked captures the grant's credential into a signed,
// end-to-end encrypted snapshot. Callers hold v.mu with the vault unlocked.
func (v *Vault) buildSnapshotLocked(g *Grant) (*relayapi.Snapshot, error) {
	if g.SubjectEncPub == "" {
		return nil, errdefs.New(errdefs.KindInvalidInput, "grant has no subject encryption key")
	}
	recipientPub, err := base64.StdEncoding.DecodeString(g.SubjectEncPub)
	if err != nil || len(recipientPub) != 32 {
		return nil, errdefs.New(errdefs.KindInvalidInput, "subject encryption key is malformed")
	}
	data, err := v.credentialDataLocked(g.Resource)
	if err != nil {
		return nil, err
	}
	now := v.now()
	plaintext, err := json.Marshal(snapshotPayload{Data: data, CapturedAtMs: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot payload: %w", err)
	}

	ephPub, nonce, ct, tag, err := encryptSnapshotPayload(recipientPub, plaintext)
	if err != nil {
		return nil, err
	}

	cur := v.record.Rotation.Current
	snap := &relayapi.Snapshot{
		CapabilityID: g.ID,
		IssuerPub:    cur.SignPub,
		RecipientPub: g.SubjectEncPub,
		EphemeralPub: ephPub,
		Nonce:        nonce,
		Tag:          tag,
		Ciphertext:   ct,
		CreatedAt:    now.Unix(),
		ExpiresAt:    g.ExpiresAt,
	}
	priv, err := cur.SigningPrivateKey()
	if err != nil {
		return nil, err
	}
	snap.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, snap.SignaturePayload()))
	return snap, nil
}

// RefreshSnapshot regenerates the snapshot for a CACHED grant, capturing the
// credential's current value. The grant is marked pending-push until the
// caller confirms relay storage.
func (v *Vault) RefreshSnapshot(capabilityID string) (*relayapi.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	g, ok := v.record.Grants[capabilityID]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no grant recorded for capability %s", capabilityID)
	}
	if g.Tier != capability.TierCached {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "capability %s is not CACHED tier", capabilityID)
	}
	if g.Revoked {
		return nil, errdefs.Newf(errdefs.KindRevoked, "capability %s is revoked", capabilityID)
	}
	snap, err := v.buildSnapshotLocked(g)
	if err != nil {
		return nil, err
	}
	g.PendingPush = true
	g.LastSnapshotAt = v.now().Unix()
	if err := v.persistLocked(); err != nil {
		return nil, err
	}
	return snap, nil
}

// MarkSnapshotPushed clears the pending-push flag after the relay confirmed
// storage.
func (v *Vault) MarkSnapshotPushed(capabilityID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	g, ok := v.record.Grants[capabilityID]
	if !ok {
		return errdefs.Newf(errdefs.KindNotFound, "no grant recorded for capability %s", capabilityID)
	}
	if !g.PendingPush {
		return nil
	}
	g.PendingPush = false
	return v.persistLocked()
}

// SnapshotsDue lists CACHED grants whose snapshot should be (re)pushed: those
// flagged pending and those past their refresh interval.
func (v *Vault) SnapshotsDue() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	now := v.now().Unix()
	var due []string
	for id, g := range v.record.Grants {
		if g.Tier != capability.TierCached || g.Revoked || g.ExpiresAt <= now {
			continue
		}
		if g.PendingPush {
			due = append(due, id)
			continue
		}
		if g.CacheRefreshIntervalSec > 0 && now-g.LastSnapshotAt >= g.CacheRefreshIntervalSec {
			due = append(due, id)
		}
	}
	return due, nil
}

// DecryptCachedSnapshot verifies a snapshot's issuer signature and opens it
// with this vault's encryption key. Works entirely offline: nothing here
// contacts the issuer.
func (v *Vault) DecryptCachedSnapshot(snap relayapi.Snapshot) (SnapshotData, error) {
	issuerPub, err := capability.DecodeKey(snap.IssuerPub)
	if err != nil {
		return SnapshotData{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(snap.Signature)
	if err != nil {
		return SnapshotData{}, errdefs.Wrap(errdefs.KindInvalidSignature, err, "snapshot signature is not valid base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return SnapshotData{}, errdefs.Newf(errdefs.KindInvalidSignature, "snapshot signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(issuerPub), snap.SignaturePayload(), sig) {
		return SnapshotData{}, errdefs.New(errdefs.KindInvalidSignature, "snapshot signature verification failed")
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return SnapshotData{}, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	encPriv, err := v.encryptionKeyForLocked(snap.RecipientPub)
	if err != nil {
		return SnapshotData{}, err
	}
	plaintext, err := decryptSnapshotPayload(encPriv, snap.EphemeralPub, snap.Nonce, snap.Ciphertext, snap.Tag)
	if err != nil {
		return SnapshotData{}, err
	}
	var payload snapshotPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return SnapshotData{}, errdefs.Wrap(errdefs.KindInvalidInput, err, "snapshot payload is corrupt")
	}

	staleness := v.now().UnixMilli() - snap.CreatedAt*1000
	if staleness < 0 {
		staleness = 0
	}
	return SnapshotData{Data: payload.Data, StalenessMs: staleness}, nil
}

// encryptionKeyForLocked finds the identity version owning a recipient
// encryption key, searching current, previous, and archived generations.
func (v *Vault) encryptionKeyForLocked(encPubB64 string) (*ecdh.PrivateKey, error) {
	rot := v.record.Rotation
	candidates := []identity.VersionedIdentity{rot.Current}
	if rot.Previous != nil {
		candidates = append(candidates, *rot.Previous)
	}
	for _, ak := range rot.ArchivedKeys {
		candidates = append(candidates, ak.Identity)
	}
	for _, id := range candidates {
		if id.EncPub == encPubB64 {
			return id.EncryptionPrivateKey()
		}
	}
	return nil, errdefs.New(errdefs.KindNotForMe, "snapshot is encrypted to another vault")
}
