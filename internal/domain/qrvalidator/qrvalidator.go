// Package qrvalidator parses and verifies customer-presented QR
// payloads.
package qrvalidator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/duplicate"
	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/signer"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// Result is the outcome of a successful (or warned-but-accepted) QR
// validation.
type Result struct {
	Payload   model.QRPayload
	Warning   string // "" or "Unverified"
	Challenge string
}

// Validator parses and verifies QR payloads.
type Validator struct {
	keys  *keystore.KeyStore
	cache *walletcache.Cache
	dup   *duplicate.Guard
}

func New(keys *keystore.KeyStore, cache *walletcache.Cache, dup *duplicate.Guard) *Validator {
	return &Validator{keys: keys, cache: cache, dup: dup}
}

// rawPayload mirrors the wire-bit-exact QR JSON shape for parsing
// purposes; every field is a pointer so a missing field decodes as nil
// rather than being confused with its zero value.
type rawPayload struct {
	WalletID  *string `json:"walletId"`
	UserID    *string `json:"userId"`
	Name      *string `json:"name"`
	Balance   *int64  `json:"balance"`
	ExpiresAt *int64  `json:"expiresAt"`
	Signature *string `json:"signature"`
	Version   *int    `json:"version"`
}

// parse decodes raw JSON into a validated QRPayload, or returns
// MalformedQR. A missing expiresAt is MalformedQR, never silently
// defaulted.
func parse(raw []byte) (model.QRPayload, error) {
	var rp rawPayload
	if err := json.Unmarshal(raw, &rp); err != nil {
		return model.QRPayload{}, apperrors.New(apperrors.KindValidation, apperrors.ErrMalformedQR, nil)
	}
	if rp.WalletID == nil || rp.UserID == nil || rp.Balance == nil || rp.ExpiresAt == nil || rp.Signature == nil {
		return model.QRPayload{}, apperrors.New(apperrors.KindValidation, apperrors.ErrMalformedQR, nil)
	}
	return model.QRPayload{
		WalletID:  *rp.WalletID,
		UserID:    *rp.UserID,
		Name:      rp.Name,
		Balance:   *rp.Balance,
		ExpiresAt: *rp.ExpiresAt,
		Signature: *rp.Signature,
		Version:   rp.Version,
	}, nil
}

// Validate parses and checks a QR payload. transactionID, when
// non-empty, consults the DuplicateGuard (the scan-linked flow).
func (v *Validator) Validate(ctx context.Context, raw []byte, transactionID string) (Result, error) {
	payload, err := parse(raw)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UnixMilli()
	if payload.ExpiresAt <= now {
		return Result{}, apperrors.New(apperrors.KindAuthorization, apperrors.ErrQRExpired, nil)
	}

	if transactionID != "" && v.dup.Contains(transactionID) {
		return Result{}, apperrors.New(apperrors.KindLedger, apperrors.ErrDuplicateTransaction, nil)
	}

	warning := ""
	qrKey, hasKey, err := v.keys.GetQRVerificationKey(ctx)
	if err != nil {
		return Result{}, err
	}
	if hasKey && len(qrKey) > 0 && payload.Signature != "" {
		ok, err := signer.VerifyQR(payload.WalletID, payload.UserID, payload.Balance, payload.ExpiresAt, payload.Signature, qrKey)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, apperrors.New(apperrors.KindAuthorization, apperrors.ErrQRSignatureInvalid, nil)
		}
	} else {
		warning = "Unverified"
	}

	customerName := ""
	if payload.Name != nil {
		customerName = *payload.Name
	}
	if err := v.cache.Put(ctx, model.CachedWallet{
		WalletID:     payload.WalletID,
		UserID:       payload.UserID,
		CustomerName: customerName,
		Balance:      payload.Balance,
		LastSyncedAt: now,
	}); err != nil {
		return Result{}, err
	}

	challenge, err := signer.VerificationChallenge(payload.WalletID, payload.Balance, now, qrKey)
	if err != nil {
		return Result{}, err
	}

	if transactionID != "" {
		if err := v.dup.Add(ctx, transactionID); err != nil {
			return Result{}, err
		}
	}

	return Result{Payload: payload, Warning: warning, Challenge: challenge}, nil
}
