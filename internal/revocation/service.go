package revocation

import (
	"crypto/ed25519"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

// MaxClockSkew bounds how far a revoke request's timestamp may sit from the
// relay's clock in either direction.
const MaxClockSkew = 5 * time.Minute

// ServiceOptions tune a Service.
type ServiceOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Service authenticates revocation requests before they reach the store.
// Anyone may ask whether an id is revoked; only a signer can revoke.
type Service struct {
	store *Store
	log   *slog.Logger
	now   func() time.Time
}

// NewService wraps a store with request authentication.
func NewService(store *Store, opts ServiceOptions) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store: store,
		log:   log.With("component", "revocation-service"),
		now:   now,
	}
}

// HandleRevoke verifies a signed revocation and persists it. The signature
// must cover the canonical revoke payload under the revokedBy key, and the
// timestamp must sit within the accepted clock-skew window.
func (s *Service) HandleRevoke(req relayapi.RevokeRequest) (relayapi.RevokeResponse, error) {
	if req.CapabilityID == "" || req.RevokedBy == "" || req.Signature == "" || req.Timestamp == 0 {
		return relayapi.RevokeResponse{}, errdefs.New(errdefs.KindInvalidInput,
			"capabilityId, revokedBy, signature, and timestamp are required")
	}
	skew := s.now().Unix() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return relayapi.RevokeResponse{}, errdefs.Newf(errdefs.KindInvalidInput,
			"revoke timestamp is %ds from relay time, max allowed is %s", skew, MaxClockSkew)
	}

	pub, err := capability.DecodeKey(req.RevokedBy)
	if err != nil {
		return relayapi.RevokeResponse{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return relayapi.RevokeResponse{}, errdefs.Wrap(errdefs.KindInvalidSignature, err, "revoke signature is not valid base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return relayapi.RevokeResponse{}, errdefs.Newf(errdefs.KindInvalidSignature,
			"revoke signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	payload, err := relayapi.RevokeSigningPayload(req)
	if err != nil {
		return relayapi.RevokeResponse{}, err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return relayapi.RevokeResponse{}, errdefs.New(errdefs.KindInvalidSignature, "revoke signature verification failed")
	}

	rec, already, err := s.store.Revoke(req.CapabilityID, req.RevokedBy, RevokeOptions{
		Reason:         req.Reason,
		OriginalExpiry: req.OriginalExpiry,
	})
	if err != nil {
		return relayapi.RevokeResponse{}, err
	}
	if already {
		s.log.Info("revoke replay accepted", "capabilityId", req.CapabilityID, "revocationId", rec.RevocationID)
	}
	return relayapi.RevokeResponse{Success: true, RevocationID: rec.RevocationID}, nil
}

// Status answers a single-id revocation check.
func (s *Service) Status(capabilityID string) relayapi.RevocationStatus {
	res := s.store.IsRevoked(capabilityID)
	st := relayapi.RevocationStatus{Revoked: res.Revoked, Source: res.Source}
	if res.Record != nil {
		st.RevokedAt = res.Record.RevokedAt
		st.Reason = res.Record.Reason
	}
	return st
}

// CheckBatch answers a batch revocation check.
func (s *Service) CheckBatch(capabilityIDs []string) relayapi.BatchCheckResponse {
	out := relayapi.BatchCheckResponse{Results: make(map[string]relayapi.RevocationStatus, len(capabilityIDs))}
	for _, id := range capabilityIDs {
		out.Results[id] = s.Status(id)
	}
	return out
}
