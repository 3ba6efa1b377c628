// Package gateway is the boundary to the external payment processor.
//
// Capture only submits a hold on the buyer's funds; the outcome arrives
// later as a CaptureResult through the signed webhook or, for the sandbox,
// through a registered handler. Release pays the seller and is called with
// the transaction ID as idempotency key so a retried confirmation is never
// paid twice.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// CaptureRequest asks the processor to capture a buyer payment.
type CaptureRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	BuyerID       string          `json:"buyer_id"`
}

// CaptureResult is the asynchronous outcome of a capture.
type CaptureResult struct {
	TransactionID string `json:"transaction_id"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

// ReleaseRequest asks the processor to pay out held funds to the seller.
type ReleaseRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	SellerID      string          `json:"seller_id"`
}

// ReleaseResult is the processor's receipt for a release.
type ReleaseResult struct {
	Reference string `json:"reference"`
}

// Gateway is the payment processor port.
type Gateway interface {
	Capture(ctx context.Context, req CaptureRequest) error
	Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error)
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
