// Package relayapi defines the wire types spoken between sandbox relay
// clients and relay servers. Payloads crossing the relay are opaque
// ciphertext: these structures carry routing metadata, capability tokens,
// and end-to-end encrypted blobs, never plaintext credentials.
package relayapi

// Delivery statuses returned by forward and send.
const (
	// StatusDelivered reports the envelope reached the target sandbox
	// synchronously.
	StatusDelivered = "delivered"

	// StatusQueued reports the target was offline; the envelope waits in
	// its pending queue.
	StatusQueued = "queued"
)

// Delivery methods.
const (
	// DeliveryWebSocket is a push over the target's open relay socket.
	DeliveryWebSocket = "websocket"

	// DeliveryCallback is a POST to the target's registered callback URL.
	DeliveryCallback = "callback"

	// DeliveryPending means the envelope was enqueued for the target to poll.
	DeliveryPending = "pending"
)

// Auth headers every relay call carries.
const (
	// HeaderContainerID identifies the calling sandbox.
	HeaderContainerID = "X-Container-Id"
)

// RegisterRequest proves possession of a sandbox's signing key. Signature is
// Ed25519 over the raw challenge bytes by the key being registered.
type RegisterRequest struct {
	// PublicKey is the sandbox's base64 raw 32-byte Ed25519 signing key.
	PublicKey string `json:"publicKey"`

	// EncryptionPublicKey is the base64 raw 32-byte X25519 key snapshots are
	// encrypted to (optional).
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`

	// CallbackURL is an HTTPS endpoint for push delivery while no websocket
	// is open (optional).
	CallbackURL string `json:"callbackUrl,omitempty"`

	// Challenge is caller-generated random material, base64.
	Challenge string `json:"challenge"`

	// Signature is base64 Ed25519 over the decoded challenge.
	Signature string `json:"signature"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Registered  bool   `json:"registered"`
	ContainerID string `json:"containerId"`
}

// UpdateRequest changes the mutable parts of a registration. The signature
// covers the challenge exactly as in RegisterRequest.
type UpdateRequest struct {
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
	CallbackURL         string `json:"callbackUrl,omitempty"`
	Challenge           string `json:"challenge"`
	Signature           string `json:"signature"`
}

// UnregisterRequest removes a registration. The signature covers the
// challenge exactly as in RegisterRequest; a container can only unregister
// itself.
type UnregisterRequest struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// UnregisterResponse acknowledges a removed registration.
type UnregisterResponse struct {
	Unregistered bool   `json:"unregistered"`
	ContainerID  string `json:"containerId"`
}

// LookupResponse describes a registered sandbox.
type LookupResponse struct {
	ContainerID         string `json:"containerId"`
	PublicKey           string `json:"publicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
	Online              bool   `json:"online"`
	RegisteredAt        int64  `json:"registeredAt"`
	LastSeenAt          int64  `json:"lastSeenAt"`
}

// ForwardRequest routes an opaque envelope under a capability token.
type ForwardRequest struct {
	// ToContainerID is the target sandbox.
	ToContainerID string `json:"toContainerId"`

	// CapabilityToken is the base64url signed token authorizing this send.
	CapabilityToken string `json:"capabilityToken"`

	// EncryptedPayload is base64 ciphertext the relay never decrypts.
	EncryptedPayload string `json:"encryptedPayload"`

	// Nonce is the payload's encryption nonce, base64 (optional, end-to-end).
	Nonce string `json:"nonce,omitempty"`

	// Signature optionally binds the payload to the sender key, base64.
	Signature string `json:"signature,omitempty"`
}

// ForwardResponse reports how the envelope was handled.
type ForwardResponse struct {
	MessageID      string `json:"messageId"`
	CapabilityID   string `json:"capabilityId"`
	Status         string `json:"status"`         // delivered | queued
	DeliveryMethod string `json:"deliveryMethod"` // websocket | callback | pending
	WakeTriggered  bool   `json:"wakeTriggered"`
}

// SendRequest is the simple (capability-less) envelope between sandboxes of
// the same tenant mesh.
type SendRequest struct {
	ToContainerID    string `json:"toContainerId"`
	EncryptedPayload string `json:"encryptedPayload"`
	Nonce            string `json:"nonce,omitempty"`
}

// SendResponse mirrors ForwardResponse without capability metadata.
type SendResponse struct {
	MessageID      string `json:"messageId"`
	Status         string `json:"status"`
	DeliveryMethod string `json:"deliveryMethod"`
}

// PendingMessage is one queued envelope awaiting poll or push.
type PendingMessage struct {
	ID string `json:"id"`

	// From is the sender's container id.
	From string `json:"from"`

	// Payload is the opaque ciphertext exactly as submitted.
	Payload string `json:"payload"`

	// Size is the payload length in bytes.
	Size int `json:"size"`

	// Timestamp is the enqueue time, unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// PendingResponse lists queued envelopes, oldest first.
type PendingResponse struct {
	Count    int              `json:"count"`
	Messages []PendingMessage `json:"messages"`
}

// AckRequest removes delivered envelopes from the queue.
type AckRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// AckResponse reports how many envelopes were removed.
type AckResponse struct {
	Acked int `json:"acked"`
}

// RevokeRequest is a signed kill order for a capability. Signature is
// Ed25519 by RevokedBy over the canonical revoke payload (see the revocation
// service).
type RevokeRequest struct {
	CapabilityID   string `json:"capabilityId"`
	RevokedBy      string `json:"revokedBy"` // base64 raw 32-byte signing key
	Signature      string `json:"signature"`
	Reason         string `json:"reason,omitempty"`
	OriginalExpiry int64  `json:"originalExpiry,omitempty"`
	Timestamp      int64  `json:"timestamp"` // unix seconds, ±5 min skew allowed
}

// RevokeResponse acknowledges a recorded revocation.
type RevokeResponse struct {
	Success      bool   `json:"success"`
	RevocationID string `json:"revocationId"`
}

// RevocationStatus answers "is this capability revoked".
type RevocationStatus struct {
	Revoked   bool   `json:"revoked"`
	RevokedAt int64  `json:"revokedAt,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Source is "bloom-filter" when the fast path answered definitively,
	// "database" when the authoritative store was consulted.
	Source string `json:"source,omitempty"`
}

// BatchCheckRequest checks many capability ids at once.
type BatchCheckRequest struct {
	CapabilityIDs []string `json:"capabilityIds"`
}

// BatchCheckResponse maps capability id to status.
type BatchCheckResponse struct {
	Results map[string]RevocationStatus `json:"results"`
}

// Snapshot is an end-to-end encrypted credential capture stored by the relay
// for offline redemption. All key and byte fields are base64; the relay only
// validates the signature and expiry, never the ciphertext.
type Snapshot struct {
	CapabilityID string `json:"capabilityId"`
	IssuerPub    string `json:"issuerPub"`
	RecipientPub string `json:"recipientPub"`
	EphemeralPub string `json:"ephemeralPub"`
	Nonce        string `json:"nonce"`
	Tag          string `json:"tag"`
	Ciphertext   string `json:"ciphertext"`
	Signature    string `json:"signature"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// SignaturePayload is the byte string a snapshot signature covers:
// capabilityId, ciphertext, and ephemeral key joined by ':'.
func (s Snapshot) SignaturePayload() []byte {
	return []byte(s.CapabilityID + ":" + s.Ciphertext + ":" + s.EphemeralPub)
}

// SnapshotListRequest asks for all snapshots addressed to a recipient key.
// Signature is Ed25519 by the recipient over "list-snapshots:<timestamp>".
type SnapshotListRequest struct {
	RecipientPublicKey string `json:"recipientPublicKey"`
	Signature          string `json:"signature"`
	Timestamp          int64  `json:"timestamp"`
}

// SnapshotListResponse returns the recipient's live snapshots.
type SnapshotListResponse struct {
	Count     int        `json:"count"`
	Snapshots []Snapshot `json:"snapshots"`
}

// RotationNotice announces a signing-key rotation to capability holders. Sig
// is Ed25519 by the new key over the notice JSON without sig.
type RotationNotice struct {
	Type                  string   `json:"type"` // "key_rotation"
	OldKeyID              string   `json:"oldKeyId"`
	NewKeyID              string   `json:"newKeyId"`
	NewPub                string   `json:"newPub"`
	NewEncPub             string   `json:"newEncPub"`
	TransitionEndsAt      int64    `json:"transitionEndsAt"`
	AffectedCapabilityIDs []string `json:"affectedCapabilityIds"`
	Timestamp             int64    `json:"timestamp"`
	Sig                   string   `json:"sig,omitempty"`
}

// KeyHistoryEntry is one generation in a sandbox's published key history.
type KeyHistoryEntry struct {
	KeyID            string `json:"keyId"`
	PublicKey        string `json:"publicKey"`
	Version          int    `json:"version"`
	RotatedAt        int64  `json:"rotatedAt,omitempty"`
	TransitionEndsAt int64  `json:"transitionEndsAt,omitempty"`
	Active           bool   `json:"active"`
}

// KeyHistoryResponse lists a sandbox's key generations, newest first.
type KeyHistoryResponse struct {
	ContainerID string            `json:"containerId"`
	Keys        []KeyHistoryEntry `json:"keys"`
}

// ErrorResponse is the uniform error envelope relay endpoints return.
type ErrorResponse struct {
	Error string `json:"error"`

	// Kind is the machine-readable failure kind (see errdefs).
	Kind string `json:"kind,omitempty"`

	// Fields carries structured context such as escalation ids.
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// HealthResponse reports relay liveness and component state.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Components map[string]interface{} `json:"components,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}
