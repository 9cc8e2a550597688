package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/errdefs"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func testClaims(iss, sub ed25519.PublicKey) Claims {
	now := time.Now().Unix()
	return Claims{
		V:         ClaimsVersion,
		ID:        NewID(),
		Iss:       EncodeKey(iss),
		Sub:       EncodeKey(sub),
		Resource:  "google-calendar",
		Scope:     []string{PermRead, PermList},
		IssuedAt:  now,
		ExpiresAt: now + 3600,
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 32, "16 bytes hex-encoded")
	assert.NotEqual(t, id, NewID())
}

func TestSignDeterministic(t *testing.T) {
	issPub, issPriv := testKeypair(t)
	subPub, _ := testKeypair(t)
	claims := testClaims(issPub, subPub)

	sig1, err := Sign(claims, issPriv)
	require.NoError(t, err)
	sig2, err := Sign(claims, issPriv)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2, "Ed25519 signatures over identical claims must be byte-identical")

	raw, err := base64.StdEncoding.DecodeString(sig1)
	require.NoError(t, err)
	assert.Len(t, raw, ed25519.SignatureSize)
}

func TestVerify(t *testing.T) {
	issPub, issPriv := testKeypair(t)
	subPub, _ := testKeypair(t)
	claims := testClaims(issPub, subPub)

	sig, err := Sign(claims, issPriv)
	require.NoError(t, err)

	require.NoError(t, Verify(claims, sig, issPub))
}

func TestVerifyRejectsTamperedClaims(t *testing.T) {
	issPub, issPriv := testKeypair(t)
	subPub, _ := testKeypair(t)
	claims := testClaims(issPub, subPub)

	sig, err := Sign(claims, issPriv)
	require.NoError(t, err)

	tampered := claims
	tampered.Scope = []string{PermRead, PermWrite, PermAdmin}

	err = Verify(tampered, sig, issPub)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(err))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issPub, issPriv := testKeypair(t)
	otherPub, _ := testKeypair(t)
	claims := testClaims(issPub, otherPub)

	sig, err := Sign(claims, issPriv)
	require.NoError(t, err)

	err = Verify(claims, sig, otherPub)
	assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(err))
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	issPub, issPriv := testKeypair(t)
	subPub, _ := testKeypair(t)
	claims := testClaims(issPub, subPub)
	sig, err := Sign(claims, issPriv)
	require.NoError(t, err)

	t.Run("short public key", func(t *testing.T) {
		err := Verify(claims, sig, issPub[:31])
		assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))
	})

	t.Run("short signature", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString(make([]byte, 63))
		err := Verify(claims, short, issPub)
		assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(err))
	})

	t.Run("signature not base64", func(t *testing.T) {
		err := Verify(claims, "!!not-base64!!", issPub)
		assert.Equal(t, errdefs.KindInvalidSignature, errdefs.KindOf(err))
	})
}

func TestCheckExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	claims := Claims{ID: "cap-1"}

	claims.ExpiresAt = now.Unix() + 1
	assert.NoError(t, CheckExpiry(claims, now))

	claims.ExpiresAt = now.Unix()
	err := CheckExpiry(claims, now)
	assert.Equal(t, errdefs.KindExpired, errdefs.KindOf(err), "exp equal to now is expired")

	claims.ExpiresAt = now.Unix() - 1
	err = CheckExpiry(claims, now)
	assert.Equal(t, errdefs.KindExpired, errdefs.KindOf(err))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	issPub, issPriv := testKeypair(t)
	subPub, _ := testKeypair(t)
	claims := testClaims(issPub, subPub)
	claims.Constraints = &Constraints{MaxCalls: 10, RateLimit: 2}
	claims.Tier = TierLive

	token, err := Encode(claims, issPriv)
	require.NoError(t, err)

	decoded, sig, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, claims, decoded)
	require.NoError(t, Verify(decoded, sig, issPub))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64url", "läsbar?!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"missing claims", base64.RawURLEncoding.EncodeToString([]byte(`{"v":1}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.token)
			assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))
		})
	}
}

func TestDecodeKey(t *testing.T) {
	pub, _ := testKeypair(t)

	raw, err := DecodeKey(EncodeKey(pub))
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), raw)

	_, err = DecodeKey(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))

	_, err = DecodeKey("%%%")
	assert.Equal(t, errdefs.KindInvalidInput, errdefs.KindOf(err))
}

func BenchmarkSign(b *testing.B) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	claims := testClaims(pub, pub)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Sign(claims, priv); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVerify(b *testing.B) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	claims := testClaims(pub, pub)
	sig, _ := Sign(claims, priv)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := Verify(claims, sig, pub); err != nil {
			b.Fatal(err)
		}
	}
}
