// Package reconciliation implements the server-side collaborator the
// offline engine talks to: authoritative wallet balances, synced
// transactions, and the idempotent batch-upload contract.
package reconciliation

import (
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/model"
)

// Device is a provisioned POS terminal: the deviceId the offline core
// derives from its DeviceSecret, plus the session keys issued at
// authentication.
// Device carries only server-issued key material. There is no
// device-secret column: that secret is generated on-device and never
// leaves it, so the server has no legitimate way to learn it and
// cannot verify a device-secret-signed transaction.
type Device struct {
	ID                string    `json:"id" gorm:"primaryKey"`
	FestivalID        string    `json:"festivalId" gorm:"not null;index"`
	SigningKeyHex     string    `json:"-" gorm:"column:signing_key_hex"`
	QRVerificationHex string    `json:"-" gorm:"column:qr_verification_hex"`
	CreatedAt         time.Time `json:"createdAt"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
}

func (Device) TableName() string { return "reconciliation_devices" }

// AuthoritativeWallet is the server's canonical balance for a wallet,
// the thing CachedWallet mirrors on-device.
type AuthoritativeWallet struct {
	WalletID  string    `json:"walletId" gorm:"primaryKey"`
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance" gorm:"not null"`
	Frozen    bool      `json:"frozen" gorm:"default:false"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (AuthoritativeWallet) TableName() string { return "reconciliation_wallets" }

// SyncedTransaction is the server-side durable record of an offline
// transaction the reconciliation endpoint has accepted, keyed by
// IdempotencyKey so a replayed upload is detected without depending on
// the client-chosen ID or ReceiptID.
type SyncedTransaction struct {
	ServerTransactionID string                `json:"serverTransactionId" gorm:"primaryKey"`
	IdempotencyKey      string                `json:"idempotencyKey" gorm:"uniqueIndex;not null"`
	ClientTransactionID string                `json:"clientTransactionId" gorm:"index;not null"`
	DeviceID            string                `json:"deviceId" gorm:"index;not null"`
	WalletID            string                `json:"walletId" gorm:"index;not null"`
	Amount              int64                 `json:"amount"`
	BalanceAfter        int64                 `json:"balanceAfter"`
	Type                model.TransactionType `json:"type"`
	CreatedAt           time.Time             `json:"createdAt"`
}

func (SyncedTransaction) TableName() string { return "reconciliation_synced_transactions" }

// BatchUploadRequest is the wire-level request to
// POST /sync/offline-transactions.
type BatchUploadRequest struct {
	DeviceID     string           `json:"deviceId" binding:"required"`
	Transactions []model.WireForm `json:"transactions" binding:"required"`
}

// BatchUploadResponse is the wire-level response.
type BatchUploadResponse struct {
	Results []model.SyncResultEntry `json:"results"`
}

// SessionResponse is issued by GET /auth/session.
type SessionResponse struct {
	SigningKey        string `json:"signingKey"`
	QRVerificationKey string `json:"qrVerificationKey"`
	ServerTime        int64  `json:"serverTime"`
}
