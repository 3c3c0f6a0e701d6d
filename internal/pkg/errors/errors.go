// Package errors defines the sentinel error taxonomy for the offline
// payment core and a thin wrapper used to carry structured context
// (an ErrorKind plus arbitrary fields) across package boundaries.
package errors

import (
	"errors"
	"fmt"
)

// Validation errors: reported to the caller, never retried.
var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidWalletID = errors.New("invalid wallet id")
	ErrMalformedQR     = errors.New("malformed qr payload")
)

// Authorization errors: reported to the caller, never retried.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrQRExpired           = errors.New("qr code expired")
	ErrQRSignatureInvalid  = errors.New("qr signature invalid")
	ErrNotCached           = errors.New("wallet not cached")
	ErrInvalidToken        = errors.New("invalid or expired bearer token")
)

// Crypto errors: fatal for the operation, surfaced to the operator.
var (
	ErrCryptoUnavailable = errors.New("crypto primitive unavailable")
	ErrKeyStoreError     = errors.New("key store error")
	ErrNoSigningKey      = errors.New("no signing key provisioned")
)

// Ledger errors.
var (
	ErrLedgerCorrupt        = errors.New("ledger corrupt")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// Sync errors: transient ones are retried with backoff.
var (
	ErrNetworkTransient = errors.New("transient network error")
	ErrServerRejected   = errors.New("server rejected transaction")
	ErrQuarantined      = errors.New("transaction quarantined")
)

// Kind classifies an AppError for HTTP status mapping and alerting.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindCrypto        Kind = "crypto"
	KindLedger        Kind = "ledger"
	KindSync          Kind = "sync"
	KindInternal      Kind = "internal"
)

// AppError wraps a sentinel error with a Kind and optional structured
// fields (e.g. {"available": 800} for InsufficientBalance) so HTTP
// handlers and alerting can render it without string-matching messages.
type AppError struct {
	Kind    Kind
	Err     error
	Fields  map[string]interface{}
	Message string
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds an AppError carrying the given sentinel and fields.
func New(kind Kind, err error, fields map[string]interface{}) *AppError {
	return &AppError{Kind: kind, Err: err, Fields: fields}
}

// Wrapf builds an AppError with a formatted message, preserving the
// sentinel for errors.Is comparisons via Unwrap.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Err: err, Message: fmt.Sprintf(format, args...)}
}

// Is lets callers use errors.Is(err, ErrInsufficientBalance) through an
// AppError wrapper.
func Is(err error, target error) bool {
	return errors.Is(err, target)
}
