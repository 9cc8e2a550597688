package relayapi

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
)

// revokePayload is the canonical byte layout a revoke signature covers. Field
// order is fixed; both signer (vault) and verifier (relay) marshal this exact
// structure.
type revokePayload struct {
	Action         string `json:"action"` // always "revoke"
	CapabilityID   string `json:"capabilityId"`
	RevokedBy      string `json:"revokedBy"`
	Reason         string `json:"reason,omitempty"`
	OriginalExpiry int64  `json:"originalExpiry,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// RevokeSigningPayload serializes the canonical payload for a revoke request.
func RevokeSigningPayload(req RevokeRequest) ([]byte, error) {
	return json.Marshal(revokePayload{
		Action:         "revoke",
		CapabilityID:   req.CapabilityID,
		RevokedBy:      req.RevokedBy,
		Reason:         req.Reason,
		OriginalExpiry: req.OriginalExpiry,
		Timestamp:      req.Timestamp,
	})
}

// SignRevoke fills in the request signature using the revoker's Ed25519 key.
func SignRevoke(req *RevokeRequest, priv ed25519.PrivateKey) error {
	payload, err := RevokeSigningPayload(*req)
	if err != nil {
		return err
	}
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
	return nil
}
