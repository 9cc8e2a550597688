// Package identity manages the versioned signing and encryption keypairs a
// sandbox vault owns, and the rotation machinery that lets old keys verify
// during a bounded transition window. Key material in these structures is
// only ever persisted inside the encrypted vault record.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
)

// Algo names the keypair suite every identity version uses.
const Algo = "Ed25519+X25519"

// VersionedIdentity is one generation of a vault's keypairs. The signing key
// mints capability tokens; the encryption key receives cached snapshots.
type VersionedIdentity struct {
	Version   int    `json:"version"`
	KeyID     string `json:"keyId"`
	SignPub   string `json:"signPub"`  // base64 raw 32-byte Ed25519 public key
	SignPriv  string `json:"signPriv"` // base64 raw 64-byte Ed25519 private key
	EncPub    string `json:"encPub"`   // base64 raw 32-byte X25519 public key
	EncPriv   string `json:"encPriv"`  // base64 raw 32-byte X25519 private key
	Algo      string `json:"algo"`
	CreatedAt int64  `json:"createdAt"`
}

// KeyIDFor derives the stable key identifier: SHA-256 over the base64-encoded
// signing public key, truncated to 16 bytes, hex-encoded.
func KeyIDFor(signPubB64 string) string {
	sum := sha256.Sum256([]byte(signPubB64))
	return hex.EncodeToString(sum[:16])
}

// New generates a fresh identity at the given version.
func New(version int) (VersionedIdentity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return VersionedIdentity{}, fmt.Errorf("generate signing key: %w", err)
	}
	encPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return VersionedIdentity{}, fmt.Errorf("generate encryption key: %w", err)
	}
	signPubB64 := base64.StdEncoding.EncodeToString(signPub)
	return VersionedIdentity{
		Version:   version,
		KeyID:     KeyIDFor(signPubB64),
		SignPub:   signPubB64,
		SignPriv:  base64.StdEncoding.EncodeToString(signPriv),
		EncPub:    base64.StdEncoding.EncodeToString(encPriv.PublicKey().Bytes()),
		EncPriv:   base64.StdEncoding.EncodeToString(encPriv.Bytes()),
		Algo:      Algo,
		CreatedAt: time.Now().Unix(),
	}, nil
}

// SigningPrivateKey decodes the Ed25519 private key.
func (id *VersionedIdentity) SigningPrivateKey() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(id.SignPriv)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "signing private key is not valid base64")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "signing private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// SigningPublicKey decodes the Ed25519 public key.
func (id *VersionedIdentity) SigningPublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(id.SignPub)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "signing public key is not valid base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "signing public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncryptionPrivateKey decodes the X25519 private key.
func (id *VersionedIdentity) EncryptionPrivateKey() (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(id.EncPriv)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "encryption private key is not valid base64")
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "encryption private key rejected")
	}
	return priv, nil
}

// EncryptionPublicKeyBytes decodes the raw 32-byte X25519 public key.
func (id *VersionedIdentity) EncryptionPublicKeyBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(id.EncPub)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "encryption public key is not valid base64")
	}
	if len(raw) != 32 {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "encryption public key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
