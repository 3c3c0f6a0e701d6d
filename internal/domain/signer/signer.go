// Package signer implements canonical encoding plus HMAC signing and
// verification of offline payment intents and QR payloads.
package signer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// Salt domain-separates this signing purpose from any other HMAC in
// the system.
const Salt = "festivals_offline_v1"

// Signer produces and verifies signatures for OfflineTransactions and
// QR payloads, using the session SigningKey when present. Falling back
// to the device secret is opt-in (allowDeviceSecretFallback) and, with
// the server's tightened verification policy, only useful for a
// deployment that accepts offline-created-before-first-login
// transactions being unsendable.
type Signer struct {
	keys *keystore.KeyStore
}

func New(keys *keystore.KeyStore) *Signer {
	return &Signer{keys: keys}
}

// toFixedTwo renders an integer-minor-units amount as a locale
// independent decimal string with exactly two fraction digits, e.g.
// 1500 -> "15.00", -5 -> "-0.05". No thousands separators.
func toFixedTwo(amountMinorUnits int64) string {
	neg := amountMinorUnits < 0
	v := amountMinorUnits
	if neg {
		v = -v
	}
	whole := v / 100
	frac := v % 100
	s := fmt.Sprintf("%d.%02d", whole, frac)
	if neg {
		s = "-" + s
	}
	return s
}

// canonicalTransactionString builds the pipe-joined canonical encoding
// used for TransactionSigner:
// id | type | amount.toFixedTwo | walletId | userId | (standId|"") | idempotencyKey | timestamp | SALT
func canonicalTransactionString(t model.OfflineTransaction) string {
	fields := []string{
		t.ID,
		string(t.Type),
		toFixedTwo(t.Amount),
		t.WalletID,
		t.UserID,
		t.StandID,
		t.IdempotencyKey,
		strconv.FormatInt(t.Timestamp, 10),
		Salt,
	}
	return strings.Join(fields, "|")
}

// canonicalQRString builds the canonical encoding for QR payloads:
// walletId | userId | balance.toFixedTwo | expiresAt
func canonicalQRString(walletID, userID string, balance, expiresAt int64) string {
	fields := []string{
		walletID,
		userID,
		toFixedTwo(balance),
		strconv.FormatInt(expiresAt, 10),
	}
	return strings.Join(fields, "|")
}

// signingKey returns the active SigningKey if present, else the device
// secret. allowDeviceSecretFallback gates whether the device-secret
// fallback is permitted; when false and no SigningKey is provisioned,
// ErrNoSigningKey is returned, since the server can only verify
// signatures made under a key it issued.
func (s *Signer) signingKey(ctx context.Context, allowDeviceSecretFallback bool) ([]byte, error) {
	if key, ok, err := s.keys.GetSigningKey(ctx); err != nil {
		return nil, err
	} else if ok && len(key) > 0 {
		return key, nil
	}
	if !allowDeviceSecretFallback {
		return nil, apperrors.New(apperrors.KindCrypto, apperrors.ErrNoSigningKey, nil)
	}
	return s.keys.GetOrCreateDeviceSecret(ctx)
}

// SignTransaction computes the signature field for t using the active
// signing key and returns it hex-encoded.
func (s *Signer) SignTransaction(ctx context.Context, t model.OfflineTransaction, allowDeviceSecretFallback bool) (string, error) {
	key, err := s.signingKey(ctx, allowDeviceSecretFallback)
	if err != nil {
		return "", err
	}
	return offlinecrypto.HmacSha256([]byte(canonicalTransactionString(t)), key)
}

// VerifyTransaction recomputes the canonical string and compares it
// constant-time against t.Signature.
func (s *Signer) VerifyTransaction(ctx context.Context, t model.OfflineTransaction, allowDeviceSecretFallback bool) (bool, error) {
	key, err := s.signingKey(ctx, allowDeviceSecretFallback)
	if err != nil {
		return false, err
	}
	return offlinecrypto.VerifyHmacSha256([]byte(canonicalTransactionString(t)), key, t.Signature)
}

// SignQR signs a QR payload under the QRVerificationKey.
func (s *Signer) SignQR(ctx context.Context, walletID, userID string, balance, expiresAt int64) (string, error) {
	key, ok, err := s.keys.GetQRVerificationKey(ctx)
	if err != nil {
		return "", err
	}
	if !ok || len(key) == 0 {
		return "", apperrors.New(apperrors.KindCrypto, apperrors.ErrKeyStoreError, nil)
	}
	return offlinecrypto.HmacSha256([]byte(canonicalQRString(walletID, userID, balance, expiresAt)), key)
}

// VerifyQR recomputes the canonical QR string and compares it against
// signature under the given key (supplied explicitly so callers can
// decide the Unverified fallback themselves).
func VerifyQR(walletID, userID string, balance, expiresAt int64, signature string, key []byte) (bool, error) {
	return offlinecrypto.VerifyHmacSha256([]byte(canonicalQRString(walletID, userID, balance, expiresAt)), key, signature)
}

// VerificationChallenge derives an 8 uppercase hex char tamper-evident
// token the operator can show the customer:
// hmac(walletId|amount|nowMs, QRVerificationKey or "offline_fallback").
func VerificationChallenge(walletID string, amount, nowMs int64, qrVerificationKey []byte) (string, error) {
	key := qrVerificationKey
	if len(key) == 0 {
		key = []byte("offline_fallback")
	}
	message := fmt.Sprintf("%s|%s|%s", walletID, toFixedTwo(amount), strconv.FormatInt(nowMs, 10))
	digest, err := offlinecrypto.HmacSha256([]byte(message), key)
	if err != nil {
		return "", err
	}
	upper := strings.ToUpper(digest)
	if len(upper) < 8 {
		return "", apperrors.New(apperrors.KindCrypto, apperrors.ErrCryptoUnavailable, nil)
	}
	return upper[:8], nil
}
