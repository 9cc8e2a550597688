package relayapi

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
)

// NewChallenge returns fresh random challenge material, base64 encoded, for a
// registration or update request.
func NewChallenge() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("challenge entropy unavailable: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// SignChallenge fills in a registration's challenge and signature using the
// sandbox's Ed25519 signing key. The signature covers the raw challenge bytes.
func SignChallenge(req *RegisterRequest, priv ed25519.PrivateKey) error {
	if req.Challenge == "" {
		ch, err := NewChallenge()
		if err != nil {
			return err
		}
		req.Challenge = ch
	}
	raw, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil {
		return fmt.Errorf("challenge is not valid base64: %w", err)
	}
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, raw))
	return nil
}

// SignUpdate fills in an update's challenge and signature the same way
// registration does.
func SignUpdate(req *UpdateRequest, priv ed25519.PrivateKey) error {
	if req.Challenge == "" {
		ch, err := NewChallenge()
		if err != nil {
			return err
		}
		req.Challenge = ch
	}
	raw, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil {
		return fmt.Errorf("challenge is not valid base64: %w", err)
	}
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, raw))
	return nil
}

// SignUnregister fills in an unregister's challenge and signature the same
// way registration does.
func SignUnregister(req *UnregisterRequest, priv ed25519.PrivateKey) error {
	if req.Challenge == "" {
		ch, err := NewChallenge()
		if err != nil {
			return err
		}
		req.Challenge = ch
	}
	raw, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil {
		return fmt.Errorf("challenge is not valid base64: %w", err)
	}
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, raw))
	return nil
}

// SnapshotListPayload is the byte string a snapshot list signature covers.
func SnapshotListPayload(timestamp int64) []byte {
	return []byte("list-snapshots:" + strconv.FormatInt(timestamp, 10))
}

// SignSnapshotList fills in a list request's signature using the recipient's
// Ed25519 signing key.
func SignSnapshotList(req *SnapshotListRequest, priv ed25519.PrivateKey) {
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, SnapshotListPayload(req.Timestamp)))
}
