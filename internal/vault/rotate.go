package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/identity"
	"github.com/ocmt/backend/pkg/relayapi"
)

// Rotate generates the next signing/encryption identity and opens a
// transition window during which the outgoing key still verifies. Returns the
// signed rotation notice for relay distribution.
func (v *Vault) Rotate(transitionHours int, reason string) (relayapi.RotationNotice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return relayapi.RotationNotice{}, err
	}

	window := time.Duration(transitionHours) * time.Hour
	now := v.now()

	oldVersion := v.record.Rotation.Current.Version
	var candidates []identity.ReissueCandidate
	for _, g := range v.record.Grants {
		candidates = append(candidates, identity.ReissueCandidate{
			ID:            g.ID,
			SignerVersion: g.SignerVersion,
			Revoked:       g.Revoked,
			ExpiresAt:     g.ExpiresAt,
		})
	}
	affected := identity.NeedingReissue(candidates, oldVersion, now)

	next, notice, err := identity.Rotate(v.record.Rotation, window, reason, affected, now)
	if err != nil {
		return relayapi.RotationNotice{}, err
	}
	v.record.Rotation = next
	if err := v.persistLocked(); err != nil {
		return relayapi.RotationNotice{}, err
	}
	v.log.Info("signing key rotated",
		"oldKeyId", notice.OldKeyID,
		"newKeyId", notice.NewKeyID,
		"transitionEndsAt", notice.TransitionEndsAt,
		"affectedCapabilities", len(affected),
	)
	return relayapi.RotationNotice{
		Type:                  notice.Type,
		OldKeyID:              notice.OldKeyID,
		NewKeyID:              notice.NewKeyID,
		NewPub:                notice.NewPub,
		NewEncPub:             notice.NewEncPub,
		TransitionEndsAt:      notice.TransitionEndsAt,
		AffectedCapabilityIDs: notice.AffectedCapabilityIDs,
		Timestamp:             notice.Timestamp,
		Sig:                   notice.Sig,
	}, nil
}

// CompleteTransition closes the rotation window early: the previous key stops
// verifying immediately.
func (v *Vault) CompleteTransition() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	v.record.Rotation = identity.CompleteTransition(v.record.Rotation)
	if err := v.persistLocked(); err != nil {
		return err
	}
	v.log.Info("key transition completed", "keyId", v.record.Rotation.Current.KeyID)
	return nil
}

// ReissueCapability re-signs an existing grant under the current key,
// extending its expiry. The capability id is stable across reissue so
// revocations keyed by id keep working.
func (v *Vault) ReissueCapability(id string, expiresInSec int64) (IssueResult, error) {
	if expiresInSec <= 0 {
		return IssueResult{}, errdefs.New(errdefs.KindInvalidInput, "expiresInSec must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return IssueResult{}, err
	}
	g, ok := v.record.Grants[id]
	if !ok {
		return IssueResult{}, errdefs.Newf(errdefs.KindNotFound, "no grant recorded for capability %s", id)
	}
	if g.Revoked {
		return IssueResult{}, errdefs.Newf(errdefs.KindRevoked, "capability %s is revoked", id)
	}

	now := v.now()
	cur := v.record.Rotation.Current
	claims := capability.Claims{
		V:         capability.ClaimsVersion,
		ID:        g.ID,
		Iss:       cur.SignPub,
		Sub:       g.Subject,
		Resource:  g.Resource,
		Scope:     append([]string(nil), g.Scope...),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Unix() + expiresInSec,
		Tier:      g.Tier,
	}
	if g.MaxCalls > 0 || g.RateLimit > 0 {
		claims.Constraints = &capability.Constraints{MaxCalls: g.MaxCalls, RateLimit: g.RateLimit}
	}
	if g.Tier == capability.TierCached {
		claims.IssEnc = cur.EncPub
		claims.SubEnc = g.SubjectEncPub
	}
	priv, err := cur.SigningPrivateKey()
	if err != nil {
		return IssueResult{}, err
	}
	token, err := capability.Encode(claims, priv)
	if err != nil {
		return IssueResult{}, err
	}

	g.SignerVersion = cur.Version
	g.ExpiresAt = claims.ExpiresAt
	result := IssueResult{ID: g.ID, Token: token, Claims: claims}
	if g.Tier == capability.TierCached {
		snap, err := v.buildSnapshotLocked(g)
		if err != nil {
			return IssueResult{}, err
		}
		g.PendingPush = true
		g.LastSnapshotAt = now.Unix()
		result.Snapshot = snap
	}
	if err := v.persistLocked(); err != nil {
		return IssueResult{}, err
	}
	v.log.Info("capability reissued", "capabilityId", g.ID, "signerVersion", cur.Version)
	return result, nil
}

// VerifySignature checks arbitrary data against this vault's key history,
// honoring transition windows.
func (v *Vault) VerifySignature(data, sig []byte, signerPub string) (identity.VerifyResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return identity.VerifyResult{}, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	return identity.VerifyWithAnyValidKey(v.record.Rotation, data, sig, signerPub, v.now()), nil
}

// KeyHistory lists this vault's key generations, newest first, for relay
// publication.
func (v *Vault) KeyHistory() ([]relayapi.KeyHistoryEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	rot := v.record.Rotation
	entries := []relayapi.KeyHistoryEntry{{
		KeyID:     rot.Current.KeyID,
		PublicKey: rot.Current.SignPub,
		Version:   rot.Current.Version,
		Active:    true,
	}}
	for i := len(rot.ArchivedKeys) - 1; i >= 0; i-- {
		ak := rot.ArchivedKeys[i]
		entries = append(entries, relayapi.KeyHistoryEntry{
			KeyID:            ak.Identity.KeyID,
			PublicKey:        ak.Identity.SignPub,
			Version:          ak.Identity.Version,
			RotatedAt:        ak.ArchivedAt,
			TransitionEndsAt: ak.TransitionEndsAt,
			Active:           ak.TransitionActive && v.now().Unix() < ak.TransitionEndsAt,
		})
	}
	return entries, nil
}

// RotateVaultKey re-encrypts the vault under a key derived from a new
// password and a fresh salt. Works on a locked vault when the current
// password is correct; an unlocked vault keeps its session.
func (v *Vault) RotateVaultKey(currentPassword, newPassword string) error {
	if newPassword == "" {
		return errdefs.New(errdefs.KindInvalidInput, "new password must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := loadFile(v.path)
	if err != nil {
		return err
	}
	oldKey, err := deriveKey(currentPassword, f.KDF)
	if err != nil {
		return err
	}
	defer zeroBytes(oldKey)
	plaintext, err := openRecord(oldKey, f)
	if err != nil {
		return err
	}

	// The in-memory record is authoritative while unlocked; the decrypted
	// file serves a locked rotation.
	if v.record != nil {
		plaintext, err = json.Marshal(v.record)
		if err != nil {
			return fmt.Errorf("serialize vault record: %w", err)
		}
	}

	kdf, err := newKDFParams()
	if err != nil {
		return err
	}
	newKey, err := deriveKey(newPassword, kdf)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(newKey, plaintext, kdf, v.algorithm)
	if err != nil {
		zeroBytes(newKey)
		return err
	}
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		zeroBytes(newKey)
		return fmt.Errorf("serialize vault file: %w", err)
	}
	if err := atomicWrite(v.path, data, 0o600); err != nil {
		zeroBytes(newKey)
		return fmt.Errorf("write vault file: %w", err)
	}

	v.file = sealed
	if v.record != nil {
		if v.key != nil {
			zeroBytes(v.key)
		}
		v.key = newKey
	} else {
		zeroBytes(newKey)
	}
	v.log.Info("vault key rotated")
	return nil
}
