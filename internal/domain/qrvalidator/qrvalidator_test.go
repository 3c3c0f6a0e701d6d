package qrvalidator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/domain/duplicate"
	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

func newValidator(t *testing.T) (*Validator, *keystore.KeyStore) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()

	ks := keystore.New(store)
	cache, err := walletcache.New(ctx, store)
	require.NoError(t, err)
	dup, err := duplicate.New(ctx, store, time.Hour*24*7)
	require.NoError(t, err)

	return New(ks, cache, dup), ks
}

// canonicalQR mirrors signer's unexported canonical QR string so tests
// can sign a payload without depending on signer internals.
func canonicalQR(walletID, userID string, balance, expiresAt int64) string {
	return fmt.Sprintf("%s|%s|%.2f|%d", walletID, userID, float64(balance)/100.0, expiresAt)
}

func buildPayload(t *testing.T, balance, expiresAt int64, key []byte) []byte {
	t.Helper()

	payload := map[string]interface{}{
		"walletId":  "W1",
		"userId":    "U1",
		"balance":   balance,
		"expiresAt": expiresAt,
	}
	if key != nil {
		sig, err := offlinecrypto.HmacSha256([]byte(canonicalQR("W1", "U1", balance, expiresAt)), key)
		require.NoError(t, err)
		payload["signature"] = sig
	} else {
		payload["signature"] = ""
	}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestQRExpired(t *testing.T) {
	ctx := context.Background()
	v, _ := newValidator(t)

	raw := buildPayload(t, 10000, time.Now().Add(-time.Second).UnixMilli(), nil)
	_, err := v.Validate(ctx, raw, "")
	assert.ErrorIs(t, err, apperrors.ErrQRExpired)
}

func TestQRSignatureForgery(t *testing.T) {
	ctx := context.Background()
	v, ks := newValidator(t)
	require.NoError(t, ks.SetQRVerificationKey(ctx, []byte("qr-verification-key-0123456789ab")))

	raw := buildPayload(t, 100000, time.Now().Add(time.Hour).UnixMilli(), []byte("wrong-key-0123456789abcdef012345"))
	_, err := v.Validate(ctx, raw, "")
	assert.ErrorIs(t, err, apperrors.ErrQRSignatureInvalid)
}

func TestValidQRWithVerificationKey(t *testing.T) {
	ctx := context.Background()
	v, ks := newValidator(t)
	key := []byte("qr-verification-key-0123456789ab")
	require.NoError(t, ks.SetQRVerificationKey(ctx, key))

	raw := buildPayload(t, 5000, time.Now().Add(time.Hour).UnixMilli(), key)
	result, err := v.Validate(ctx, raw, "")
	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	assert.Len(t, result.Challenge, 8)
}

func TestUnverifiedWhenNoKey(t *testing.T) {
	ctx := context.Background()
	v, _ := newValidator(t)

	raw := buildPayload(t, 5000, time.Now().Add(time.Hour).UnixMilli(), nil)
	result, err := v.Validate(ctx, raw, "")
	require.NoError(t, err)
	assert.Equal(t, "Unverified", result.Warning)
}

func TestMissingExpiresAtIsMalformed(t *testing.T) {
	ctx := context.Background()
	v, _ := newValidator(t)

	raw := []byte(`{"walletId":"W1","userId":"U1","balance":100,"signature":""}`)
	_, err := v.Validate(ctx, raw, "")
	assert.ErrorIs(t, err, apperrors.ErrMalformedQR)
}
