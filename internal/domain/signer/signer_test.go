package signer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

func sampleTx() model.OfflineTransaction {
	return model.OfflineTransaction{
		ID:             "11111111-1111-1111-1111-111111111111",
		Type:           model.TransactionPurchase,
		WalletID:       "W1",
		UserID:         "U1",
		Amount:         1500,
		StandID:        "S1",
		IdempotencyKey: "offline_abc123_xy9",
		Timestamp:      1700000000000,
	}
}

func TestToFixedTwo(t *testing.T) {
	assert.Equal(t, "15.00", toFixedTwo(1500))
	assert.Equal(t, "0.05", toFixedTwo(5))
	assert.Equal(t, "0.00", toFixedTwo(0))
	assert.Equal(t, "-0.05", toFixedTwo(-5))
}

func TestSignAndVerifyTransactionRoundTrip(t *testing.T) {
	ks := keystore.New(storage.NewMemStore())
	s := New(ks)
	ctx := context.Background()

	tx := sampleTx()
	sig, err := s.SignTransaction(ctx, tx, true)
	require.NoError(t, err)
	tx.Signature = sig

	ok, err := s.VerifyTransaction(ctx, tx, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyTransactionBreaksOnFieldFlip(t *testing.T) {
	ks := keystore.New(storage.NewMemStore())
	s := New(ks)
	ctx := context.Background()

	tx := sampleTx()
	sig, err := s.SignTransaction(ctx, tx, true)
	require.NoError(t, err)
	tx.Signature = sig

	tx.Amount = 1600
	ok, err := s.VerifyTransaction(ctx, tx, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignTransactionPrefersSigningKeyOverDeviceSecret(t *testing.T) {
	ks := keystore.New(storage.NewMemStore())
	s := New(ks)
	ctx := context.Background()

	require.NoError(t, ks.SetSigningKey(ctx, []byte("session-signing-key")))

	tx := sampleTx()
	sig, err := s.SignTransaction(ctx, tx, true)
	require.NoError(t, err)
	tx.Signature = sig

	require.NoError(t, ks.ClearSessionKeys(ctx))
	ok, err := s.VerifyTransaction(ctx, tx, true)
	require.NoError(t, err)
	assert.False(t, ok, "verification under device secret should fail once a session key was used to sign")
}

func TestSignTransactionNoSigningKeyWithoutFallback(t *testing.T) {
	ks := keystore.New(storage.NewMemStore())
	s := New(ks)
	ctx := context.Background()

	_, err := s.SignTransaction(ctx, sampleTx(), false)
	assert.ErrorIs(t, err, apperrors.ErrNoSigningKey)
}

func TestVerificationChallengeFormat(t *testing.T) {
	challenge, err := VerificationChallenge("W1", 1500, 1700000000000, nil)
	require.NoError(t, err)
	assert.Len(t, challenge, 8)
	assert.Equal(t, challenge, strings.ToUpper(challenge))
}
