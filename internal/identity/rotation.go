package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
)

// DefaultTransitionWindow is how long the previous signing key stays valid
// after a rotation unless the caller chooses otherwise.
const DefaultTransitionWindow = 24 * time.Hour

// ArchivedKey is a retired identity kept for verifying old signatures and
// decrypting old snapshots. TransitionActive marks keys still inside their
// acceptance window.
type ArchivedKey struct {
	Identity         VersionedIdentity `json:"identity"`
	ArchivedAt       int64             `json:"archivedAt"`
	TransitionActive bool              `json:"transitionActive"`
	TransitionEndsAt int64             `json:"transitionEndsAt,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// RotationState tracks the live identity, the identity being phased out, and
// the archive. It is persisted as part of the encrypted vault record.
type RotationState struct {
	Current             VersionedIdentity  `json:"current"`
	Previous            *VersionedIdentity `json:"previous,omitempty"`
	TransitionStartedAt int64              `json:"transitionStartedAt,omitempty"`
	TransitionEndsAt    int64              `json:"transitionEndsAt,omitempty"`
	ArchivedKeys        []ArchivedKey      `json:"archivedKeys"`
}

// NewState creates rotation state around a freshly generated version-1
// identity.
func NewState() (RotationState, error) {
	id, err := New(1)
	if err != nil {
		return RotationState{}, err
	}
	return RotationState{Current: id}, nil
}

// Notice is the signed announcement distributed through the relay after a
// rotation so holders of outstanding capabilities learn the new key.
type Notice struct {
	Type                  string   `json:"type"` // always "key_rotation"
	OldKeyID              string   `json:"oldKeyId"`
	NewKeyID              string   `json:"newKeyId"`
	NewPub                string   `json:"newPub"`
	NewEncPub             string   `json:"newEncPub"`
	TransitionEndsAt      int64    `json:"transitionEndsAt"`
	AffectedCapabilityIDs []string `json:"affectedCapabilityIds"`
	Timestamp             int64    `json:"timestamp"`
	Sig                   string   `json:"sig,omitempty"`
}

// noticePayload serializes the notice without its signature.
func noticePayload(n Notice) ([]byte, error) {
	n.Sig = ""
	return json.Marshal(n)
}

// Rotate generates the next identity version, opens a transition window for
// the outgoing key, and returns the new state plus a notice signed by the new
// key. The input state is not mutated.
func Rotate(state RotationState, window time.Duration, reason string, affected []string, now time.Time) (RotationState, Notice, error) {
	if window <= 0 {
		window = DefaultTransitionWindow
	}
	next, err := New(state.Current.Version + 1)
	if err != nil {
		return RotationState{}, Notice{}, err
	}
	endsAt := now.Add(window).Unix()

	old := state.Current
	newState := RotationState{
		Current:             next,
		Previous:            &old,
		TransitionStartedAt: now.Unix(),
		TransitionEndsAt:    endsAt,
		ArchivedKeys: append(append([]ArchivedKey(nil), state.ArchivedKeys...), ArchivedKey{
			Identity:         old,
			ArchivedAt:       now.Unix(),
			TransitionActive: true,
			TransitionEndsAt: endsAt,
			Reason:           reason,
		}),
	}

	notice := Notice{
		Type:                  "key_rotation",
		OldKeyID:              old.KeyID,
		NewKeyID:              next.KeyID,
		NewPub:                next.SignPub,
		NewEncPub:             next.EncPub,
		TransitionEndsAt:      endsAt,
		AffectedCapabilityIDs: affected,
		Timestamp:             now.Unix(),
	}
	payload, err := noticePayload(notice)
	if err != nil {
		return RotationState{}, Notice{}, fmt.Errorf("serialize rotation notice: %w", err)
	}
	priv, err := next.SigningPrivateKey()
	if err != nil {
		return RotationState{}, Notice{}, err
	}
	notice.Sig = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))

	return newState, notice, nil
}

// VerifyNotice checks a rotation notice signature against the announced new
// public key.
func VerifyNotice(n Notice) error {
	if n.Type != "key_rotation" {
		return errdefs.New(errdefs.KindInvalidInput, "not a key rotation notice")
	}
	pub, err := base64.StdEncoding.DecodeString(n.NewPub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errdefs.New(errdefs.KindInvalidInput, "notice carries a malformed public key")
	}
	sig, err := base64.StdEncoding.DecodeString(n.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return errdefs.New(errdefs.KindInvalidSignature, "notice carries a malformed signature")
	}
	payload, err := noticePayload(n)
	if err != nil {
		return fmt.Errorf("serialize rotation notice: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return errdefs.New(errdefs.KindInvalidSignature, "rotation notice signature verification failed")
	}
	return nil
}

// CompleteTransition closes the rotation window: the previous identity stops
// verifying and its archive entry is marked inactive. Completing with no
// transition open is a no-op.
func CompleteTransition(state RotationState) RotationState {
	if state.Previous == nil {
		return state
	}
	out := state
	out.ArchivedKeys = append([]ArchivedKey(nil), state.ArchivedKeys...)
	for i := range out.ArchivedKeys {
		if out.ArchivedKeys[i].Identity.Version == state.Previous.Version {
			out.ArchivedKeys[i].TransitionActive = false
		}
	}
	out.Previous = nil
	out.TransitionStartedAt = 0
	out.TransitionEndsAt = 0
	return out
}

// VerifyResult describes which key version accepted a signature.
type VerifyResult struct {
	Valid      bool
	KeyVersion int
	KeyID      string
}

// VerifyWithAnyValidKey verifies a signature whose signer claims the given
// public key, accepting the current key always and older keys only inside
// their transition windows.
func VerifyWithAnyValidKey(state RotationState, data, sig []byte, signerPubB64 string, now time.Time) VerifyResult {
	if len(sig) != ed25519.SignatureSize {
		return VerifyResult{}
	}
	pub, err := base64.StdEncoding.DecodeString(signerPubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return VerifyResult{}
	}

	check := func(id VersionedIdentity) bool {
		return id.SignPub == signerPubB64 && ed25519.Verify(ed25519.PublicKey(pub), data, sig)
	}

	if check(state.Current) {
		return VerifyResult{Valid: true, KeyVersion: state.Current.Version, KeyID: state.Current.KeyID}
	}
	if state.Previous != nil && now.Unix() < state.TransitionEndsAt && check(*state.Previous) {
		return VerifyResult{Valid: true, KeyVersion: state.Previous.Version, KeyID: state.Previous.KeyID}
	}
	for _, ak := range state.ArchivedKeys {
		if ak.TransitionActive && now.Unix() < ak.TransitionEndsAt && check(ak.Identity) {
			return VerifyResult{Valid: true, KeyVersion: ak.Identity.Version, KeyID: ak.Identity.KeyID}
		}
	}
	return VerifyResult{}
}

// ReissueCandidate is the slice of a grant the reissue scan needs.
type ReissueCandidate struct {
	ID            string
	SignerVersion int
	Revoked       bool
	ExpiresAt     int64
}

// NeedingReissue lists grants still alive but signed by a key at or below the
// rotated-out version; the issuer should re-sign them under the current key
// before the transition window closes.
func NeedingReissue(candidates []ReissueCandidate, oldVersion int, now time.Time) []string {
	var ids []string
	for _, c := range candidates {
		if c.Revoked || c.ExpiresAt <= now.Unix() {
			continue
		}
		if c.SignerVersion <= oldVersion {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
