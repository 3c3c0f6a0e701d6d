// Package model defines the data entities shared across the offline
// payment core: cached wallets, QR payloads, and the central
// OfflineTransaction record. All monetary values are non-negative
// integer minor units; floating point never appears on the money path.
package model

import "strconv"

// TransactionType distinguishes a storefront sale from a direct wallet
// payment.
type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionPayment  TransactionType = "PAYMENT"
)

// SyncOutcome is the per-entry result reported by the reconciliation
// server after a batch upload.
type SyncOutcome string

const (
	OutcomeAccepted  SyncOutcome = "accepted"
	OutcomeDuplicate SyncOutcome = "duplicate"
	OutcomeRejected  SyncOutcome = "rejected"
)

// RejectReason enumerates the non-retryable reasons a server can reject
// a transaction.
type RejectReason string

const (
	RejectSignatureInvalid RejectReason = "SignatureInvalid"
	RejectStaleTimestamp   RejectReason = "StaleTimestamp"
	RejectWalletFrozen     RejectReason = "WalletFrozen"
)

// LineItem is one entry of an OfflineTransaction's items list.
type LineItem struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	TotalPrice  int64  `json:"totalPrice"`
}

// SyncState is the OfflineLedger state machine's states for a single
// transaction record.
type SyncState string

const (
	StatePending     SyncState = "pending"
	StateSyncing     SyncState = "syncing"
	StateSynced      SyncState = "synced"
	StateQuarantined SyncState = "quarantined"
)

// OfflineTransaction is the central entity of the offline ledger.
type OfflineTransaction struct {
	ID        string          `json:"id"`
	ReceiptID string          `json:"receiptId"`
	Type      TransactionType `json:"type"`

	WalletID     string `json:"walletId"`
	UserID       string `json:"userId"`
	CustomerName string `json:"customerName,omitempty"`

	Amount       int64 `json:"amount"`
	BalanceAfter int64 `json:"balanceAfter"`

	Items []LineItem `json:"items"`

	StandID   string `json:"standId,omitempty"`
	StandName string `json:"standName,omitempty"`
	StaffID   string `json:"staffId,omitempty"`

	IdempotencyKey string `json:"idempotencyKey"`

	Signature string `json:"signature"`
	DeviceID  string `json:"deviceId"`

	CreatedAt string `json:"createdAt"`
	Timestamp int64  `json:"timestamp"`

	// Sync state, not part of the wire form sent to the server.
	Synced              bool      `json:"synced"`
	SyncedAt            *int64    `json:"syncedAt,omitempty"`
	SyncError           string    `json:"syncError,omitempty"`
	RetryCount          uint32    `json:"retryCount"`
	ServerTransactionID string    `json:"serverTransactionId,omitempty"`
	State               SyncState `json:"state"`
	// LastErrorAt is the wall-clock time of the most recent RecordError
	// call, used by SyncProtocol's backoff calculation. It is
	// device-local bookkeeping, not part of the wire form.
	LastErrorAt int64 `json:"lastErrorAt,omitempty"`
}

// WireForm is the transaction shape sent to the reconciliation server;
// it drops synced/syncedAt/syncError/retryCount.
type WireForm struct {
	ID             string          `json:"id"`
	ReceiptID      string          `json:"receiptId"`
	Type           TransactionType `json:"type"`
	WalletID       string          `json:"walletId"`
	UserID         string          `json:"userId"`
	CustomerName   string          `json:"customerName,omitempty"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balanceAfter"`
	Items          []LineItem      `json:"items"`
	StandID        string          `json:"standId,omitempty"`
	StandName      string          `json:"standName,omitempty"`
	StaffID        string          `json:"staffId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Signature      string          `json:"signature"`
	DeviceID       string          `json:"deviceId"`
	CreatedAt      string          `json:"createdAt"`
	Timestamp      int64           `json:"timestamp"`
}

// ToWireForm strips the local-only sync bookkeeping fields.
func (t OfflineTransaction) ToWireForm() WireForm {
	return WireForm{
		ID:             t.ID,
		ReceiptID:      t.ReceiptID,
		Type:           t.Type,
		WalletID:       t.WalletID,
		UserID:         t.UserID,
		CustomerName:   t.CustomerName,
		Amount:         t.Amount,
		BalanceAfter:   t.BalanceAfter,
		Items:          t.Items,
		StandID:        t.StandID,
		StandName:      t.StandName,
		StaffID:        t.StaffID,
		IdempotencyKey: t.IdempotencyKey,
		Signature:      t.Signature,
		DeviceID:       t.DeviceID,
		CreatedAt:      t.CreatedAt,
		Timestamp:      t.Timestamp,
	}
}

// CachedWallet is a local snapshot of a wallet's balance with freshness
// metadata. Unique by WalletID.
type CachedWallet struct {
	WalletID     string `json:"walletId"`
	UserID       string `json:"userId"`
	CustomerName string `json:"customerName,omitempty"`
	Balance      int64  `json:"balance"`
	LastSyncedAt int64  `json:"lastSyncedAt"`
	LastUsedAt   int64  `json:"lastUsedAt,omitempty"`
}

// CachedQRCode is a short-lived signed QR payload keyed by wallet.
type CachedQRCode struct {
	WalletID     string `json:"walletId"`
	UserID       string `json:"userId"`
	CustomerName string `json:"customerName,omitempty"`
	Balance      int64  `json:"balance"`
	ExpiresAt    int64  `json:"expiresAt"`
	Signature    string `json:"signature"`
	CachedAt     int64  `json:"cachedAt"`
}

// QRPayload is the wire-bit-exact JSON object presented by the customer
// phone.
type QRPayload struct {
	WalletID  string  `json:"walletId"`
	UserID    string  `json:"userId"`
	Name      *string `json:"name,omitempty"`
	Balance   int64   `json:"balance"`
	ExpiresAt int64   `json:"expiresAt"`
	Signature string  `json:"signature"`
	Version   *int    `json:"version,omitempty"`
}

// ProcessedTransactionEntry is one entry in the TTL-bounded
// duplicate-detection log.
type ProcessedTransactionEntry struct {
	ID          string
	LastTouched int64
}

// SyncResultEntry is the reconciliation server's per-entry response to
// a batch upload.
type SyncResultEntry struct {
	ID                   string       `json:"id"`
	Outcome              SyncOutcome  `json:"outcome"`
	RejectReason         RejectReason `json:"reason,omitempty"`
	ServerTransactionID  string       `json:"serverTransactionId,omitempty"`
	AuthoritativeBalance *int64       `json:"authoritativeBalance,omitempty"`
}

// IdempotencyKey issues the client-unique key attached to every
// offline transaction, of the form offline_<base36-ts>_<short-random>.
func IdempotencyKey(nowMs int64, shortRandomHex string) string {
	return "offline_" + strconv.FormatInt(nowMs, 36) + "_" + shortRandomHex
}
