package providers

import (
	"context"
	"time"
)

// QRRequest describes one dynamic KHQR to issue.
type QRRequest struct {
	AccountID    string
	MerchantName string
	MerchantCity string
	Amount       float64
	Currency     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// QRResult is the encoded payload and its fingerprint.
type QRResult struct {
	QR  string
	MD5 string
}

// TransactionStatus is what the gateway knows about a QR's fingerprint.
type TransactionStatus struct {
	Settled       bool
	Hash          string
	FromAccountID string
	ToAccountID   string
	TransactionID string
	ExternalRef   string
	Amount        float64
	Currency      string
	Message       string
}

// PaymentGateway defines what the payment flows need from a QR payment rail.
type PaymentGateway interface {
	// GenerateQR issues a payment QR for the given amount and expiry.
	GenerateQR(ctx context.Context, req QRRequest) (QRResult, error)

	// CheckTransaction reports whether a transfer matching md5 has settled.
	// An error means the gateway could not answer; an unsettled status is
	// not an error.
	CheckTransaction(ctx context.Context, md5 string) (TransactionStatus, error)
}
