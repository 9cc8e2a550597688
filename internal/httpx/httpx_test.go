package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

func TestWriteErrorClassified(t *testing.T) {
	rec := httptest.NewRecorder()
	err := errdefs.New(errdefs.KindRevoked, "capability was revoked").
		WithField("capabilityId", "cap-1")

	WriteError(rec, nil, err)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp relayapi.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "revoked", resp.Kind)
	assert.Equal(t, "capability was revoked", resp.Error)
	assert.Equal(t, "cap-1", resp.Fields["capabilityId"])
}

func TestWriteErrorUnclassifiedHidesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp relayapi.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal error", resp.Error)
	assert.NotContains(t, resp.Error, assert.AnError.Error())
}

func TestReadJSONBounded(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, ReadJSON(httptest.NewRecorder(), req, &dst, 64))
	assert.Equal(t, "x", dst.Name)

	big := `{"name":"` + strings.Repeat("a", 128) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	err := ReadJSON(httptest.NewRecorder(), req, &dst, 64)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))
	err = ReadJSON(httptest.NewRecorder(), req, &dst, 64)
	assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("secret-token", "secret-token"))
	assert.False(t, SecureCompare("secret-token", "secret-tokex"))
	assert.False(t, SecureCompare("short", "much-longer-token"))
	assert.True(t, SecureCompare("", ""))
}

func TestRequireBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-123")

	assert.NoError(t, RequireBearer(req, "tok-123"))

	err := RequireBearer(req, "tok-456")
	assert.Equal(t, errdefs.KindAuthFailed, errdefs.KindOf(err))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	err = RequireBearer(bare, "tok-123")
	assert.Equal(t, errdefs.KindAuthFailed, errdefs.KindOf(err))

	// Basic scheme must not satisfy a bearer check.
	basic := httptest.NewRequest(http.MethodGet, "/", nil)
	basic.Header.Set("Authorization", "Basic tok-123")
	err = RequireBearer(basic, "tok-123")
	assert.Equal(t, errdefs.KindAuthFailed, errdefs.KindOf(err))
}
