// Package capability defines the signed capability token: the claim set, its
// canonical serialization, the Ed25519 signature over it, and the base64url
// wire encoding. Tokens are minted by a sandbox vault and verified by relays
// and by the subject vault; nothing in this package touches plaintext
// credentials.
package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
)

// Tier selects how the subject redeems the capability.
const (
	// TierLive executes against the issuer's vault at call time.
	TierLive = "LIVE"
	// TierCached redeems a pre-encrypted snapshot while the issuer is offline.
	// CACHED tokens must carry both encryption public keys.
	TierCached = "CACHED"
)

// ClaimsVersion is the current claim-set version embedded in every token.
const ClaimsVersion = 1

// Constraints bound how a capability may be exercised.
type Constraints struct {
	// MaxCalls caps total executions. Zero means unlimited.
	MaxCalls int `json:"maxCalls,omitempty"`
	// RateLimit caps executions per second. Zero means no rate limit.
	RateLimit float64 `json:"rateLimit,omitempty"`
	// IPAllowlist restricts callers by source address when non-empty.
	IPAllowlist []string `json:"ipAllowlist,omitempty"`
}

// Claims is the signed payload of a capability token.
//
// Field order is the canonical serialization order: the signature is computed
// over exactly the JSON this struct marshals to, so reordering or renaming
// fields breaks every outstanding token.
type Claims struct {
	V           int          `json:"v"`
	ID          string       `json:"id"`
	Iss         string       `json:"iss"` // base64 raw 32-byte signing public key
	Sub         string       `json:"sub"` // base64 raw 32-byte signing public key
	Aud         string       `json:"aud,omitempty"` // target container id; relays refuse mismatched targets
	Resource    string       `json:"resource"`
	Scope       []string     `json:"scope"`
	IssuedAt    int64        `json:"iat"`
	ExpiresAt   int64        `json:"exp"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Tier        string       `json:"tier,omitempty"`
	IssEnc      string       `json:"issEnc,omitempty"` // base64 raw 32-byte X25519 key
	SubEnc      string       `json:"subEnc,omitempty"`
}

// signedToken is the wire structure: claims plus the detached signature.
type signedToken struct {
	Claims
	Sig string `json:"sig"`
}

// NewID returns a fresh 16-byte capability id in hex.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("capability: id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// CanonicalJSON serializes claims in signature order.
func CanonicalJSON(c Claims) ([]byte, error) {
	return json.Marshal(c)
}

// ============================================================================
// SIGNING & VERIFICATION
// ============================================================================

// Sign produces the base64 Ed25519 signature over the canonical claim JSON.
// Ed25519 is deterministic: signing identical claims with the same key yields
// byte-identical signatures.
func Sign(c Claims, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", errdefs.Newf(errdefs.KindInvalidInput, "signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	payload, err := CanonicalJSON(c)
	if err != nil {
		return "", fmt.Errorf("serialize claims: %w", err)
	}
	sig := ed25519.Sign(priv, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks the signature over the claims against a raw 32-byte public
// key. Malformed keys and signatures are rejected before any curve work.
func Verify(c Claims, sigB64 string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return errdefs.Newf(errdefs.KindInvalidInput, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidSignature, err, "signature is not valid base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return errdefs.Newf(errdefs.KindInvalidSignature, "signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	payload, err := CanonicalJSON(c)
	if err != nil {
		return fmt.Errorf("serialize claims: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return errdefs.New(errdefs.KindInvalidSignature, "capability signature verification failed")
	}
	return nil
}

// CheckExpiry rejects tokens whose expiry has passed. The boundary is
// inclusive: a token with exp equal to now is already expired.
func CheckExpiry(c Claims, now time.Time) error {
	if c.ExpiresAt <= now.Unix() {
		return errdefs.Newf(errdefs.KindExpired, "capability %s expired at %d", c.ID, c.ExpiresAt)
	}
	return nil
}

// ============================================================================
// WIRE ENCODING
// ============================================================================

// Encode signs the claims and produces the base64url token.
func Encode(c Claims, priv ed25519.PrivateKey) (string, error) {
	sig, err := Sign(c, priv)
	if err != nil {
		return "", err
	}
	wire, err := json.Marshal(signedToken{Claims: c, Sig: sig})
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(wire), nil
}

// Decode parses a base64url token into its claims and detached signature.
// Decode performs no cryptographic checks; callers must Verify.
func Decode(token string) (Claims, string, error) {
	wire, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, "", errdefs.Wrap(errdefs.KindInvalidInput, err, "token is not valid base64url")
	}
	var st signedToken
	if err := json.Unmarshal(wire, &st); err != nil {
		return Claims{}, "", errdefs.Wrap(errdefs.KindInvalidInput, err, "token payload is not valid JSON")
	}
	if st.ID == "" || st.Iss == "" || st.Sub == "" {
		return Claims{}, "", errdefs.New(errdefs.KindInvalidInput, "token missing required claims")
	}
	return st.Claims, st.Sig, nil
}

// ============================================================================
// KEY ENCODING
// ============================================================================

// EncodeKey renders a raw 32-byte public key as standard base64, the format
// used for iss/sub/issEnc/subEnc claims.
func EncodeKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodeKey parses a base64 public key and enforces the raw 32-byte length.
func DecodeKey(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "public key is not valid base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}
