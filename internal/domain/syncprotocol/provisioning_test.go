package syncprotocol

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

type fakeSessionTransport struct {
	calls   int
	session Session
	err     error
}

func (f *fakeSessionTransport) FetchSession(_ context.Context, deviceID, festivalID string) (Session, error) {
	f.calls++
	if f.err != nil {
		return Session{}, f.err
	}
	return f.session, nil
}

func TestEnsureSessionPersistsKeysAndReportsToken(t *testing.T) {
	ctx := context.Background()
	ks := keystore.New(storage.NewMemStore())

	signingKey := []byte("session-signing-key-0123456789ab")
	qrKey := []byte("qr-verification-key-0123456789ab")
	transport := &fakeSessionTransport{session: Session{
		SigningKeyHex:        hex.EncodeToString(signingKey),
		QRVerificationKeyHex: hex.EncodeToString(qrKey),
		BearerToken:          "token-1",
		ServerTimeMs:         time.Now().UnixMilli(),
	}}

	p := NewProvisioner(transport, ks, "festival-1", zerolog.Nop())
	token, refreshed, err := p.EnsureSession(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "token-1", token)

	got, ok, err := ks.GetSigningKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, signingKey, got)

	got, ok, err = ks.GetQRVerificationKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, qrKey, got)
}

func TestEnsureSessionIsIdempotentOnceProvisioned(t *testing.T) {
	ctx := context.Background()
	ks := keystore.New(storage.NewMemStore())

	transport := &fakeSessionTransport{session: Session{
		SigningKeyHex: hex.EncodeToString([]byte("session-signing-key-0123456789ab")),
		BearerToken:   "token-1",
	}}

	p := NewProvisioner(transport, ks, "festival-1", zerolog.Nop())
	_, refreshed, err := p.EnsureSession(ctx)
	require.NoError(t, err)
	require.True(t, refreshed)

	token, refreshed, err := p.EnsureSession(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, 1, transport.calls)
}

// A restart leaves the SigningKey persisted but no bearer token in
// memory; the provisioner must re-exchange to obtain a fresh token.
func TestEnsureSessionRefetchesTokenAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	ks := keystore.New(store)
	require.NoError(t, ks.SetSigningKey(ctx, []byte("session-signing-key-0123456789ab")))

	transport := &fakeSessionTransport{session: Session{
		SigningKeyHex: hex.EncodeToString([]byte("session-signing-key-0123456789ab")),
		BearerToken:   "token-2",
	}}

	p := NewProvisioner(transport, ks, "festival-1", zerolog.Nop())
	token, refreshed, err := p.EnsureSession(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "token-2", token)
}

func TestEnsureSessionSurfacesTransportFailure(t *testing.T) {
	ctx := context.Background()
	ks := keystore.New(storage.NewMemStore())

	transport := &fakeSessionTransport{err: assertError{}}
	p := NewProvisioner(transport, ks, "festival-1", zerolog.Nop())

	_, _, err := p.EnsureSession(ctx)
	assert.Error(t, err)

	_, ok, err := ks.GetSigningKey(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a failed exchange must not leave a partial signing key behind")
}
