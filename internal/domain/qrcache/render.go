package qrcache

import (
	"encoding/json"
	"fmt"

	qr "github.com/skip2/go-qrcode"

	"github.com/festivals-labs/offline-core/internal/domain/model"
)

// pngSize is large enough for a POS-terminal customer-facing display
// to scan back without a dedicated zoom control.
const pngSize = 256

// wirePayload mirrors qrvalidator's rawPayload field names exactly:
// the PNG this renders must decode through the same parser a customer
// phone's scanner feeds back into Validate.
type wirePayload struct {
	WalletID  string `json:"walletId"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Balance   int64  `json:"balance"`
	ExpiresAt int64  `json:"expiresAt"`
	Signature string `json:"signature"`
}

// RenderPNG encodes code as the signed QR payload a customer's wallet
// app displays, producing a PNG image a POS terminal can show on its
// screen for reverse-scanning.
func RenderPNG(code model.CachedQRCode) ([]byte, error) {
	payload := wirePayload{
		WalletID:  code.WalletID,
		UserID:    code.UserID,
		Name:      code.CustomerName,
		Balance:   code.Balance,
		ExpiresAt: code.ExpiresAt,
		Signature: code.Signature,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}
	png, err := qr.Encode(string(raw), qr.Medium, pngSize)
	if err != nil {
		return nil, fmt.Errorf("render qr png: %w", err)
	}
	return png, nil
}
