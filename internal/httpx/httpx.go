// Package httpx carries the HTTP plumbing shared by the control plane, the
// relay, and the vault daemon: JSON envelope writes keyed to the errdefs
// taxonomy, bounded request decoding, and constant-time bearer checks.
package httpx

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

// DefaultMaxBodyBytes bounds request bodies unless the caller says otherwise.
// Relay envelopes carry base64 ciphertext, so the ceiling is generous.
const DefaultMaxBodyBytes = 4 << 20

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError renders a classified error as the uniform error envelope. The
// status code follows the errdefs mapping; unclassified errors become 500s
// with the message withheld from the wire.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := errdefs.KindOf(err)
	status := errdefs.HTTPStatus(kind)

	resp := relayapi.ErrorResponse{Kind: string(kind)}
	var classified *errdefs.Error
	if errors.As(err, &classified) {
		resp.Error = classified.Message
		resp.Fields = classified.Fields
	} else {
		resp.Error = "internal error"
		if log != nil {
			log.Error("unclassified handler error", "error", err)
		}
	}
	WriteJSON(w, status, resp)
}

// ReadJSON decodes a bounded JSON request body into v.
func ReadJSON(w http.ResponseWriter, r *http.Request, v interface{}, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "request body is not valid JSON")
	}
	return nil
}

// SecureCompare reports whether two tokens match, in constant time over the
// token length. Length mismatch short-circuits to false without leaking how
// much of the prefix agreed.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an Authorization: Bearer header, or ""
// when the header is absent or malformed.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// RequireBearer enforces a bearer token in constant time.
func RequireBearer(r *http.Request, want string) error {
	if want == "" {
		return errdefs.New(errdefs.KindInternal, "no auth token configured")
	}
	if !SecureCompare(BearerToken(r), want) {
		return errdefs.New(errdefs.KindAuthFailed, "invalid or missing bearer token")
	}
	return nil
}
