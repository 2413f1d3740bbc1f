package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type PaymentMethod string

const (
	PaymentMethodABA        PaymentMethod = "ABA"
	PaymentMethodACLEDA     PaymentMethod = "ACLEDA"
	PaymentMethodCashOnHand PaymentMethod = "CASH_ON_HAND"
	PaymentMethodKHQR       PaymentMethod = "KHQR"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodABA, PaymentMethodACLEDA, PaymentMethodCashOnHand, PaymentMethodKHQR:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "Pending"
	PaymentStatusPaid    PaymentStatus = "Paid"
	PaymentStatusFailed  PaymentStatus = "Failed"
)

const (
	CurrencyKHR = "KHR"
	CurrencyUSD = "USD"
)

// PaymentDetail is the gateway-facing part of a payment: the QR that was
// issued and, once settled, the bank transaction it was matched with.
type PaymentDetail struct {
	Amount        float64    `bson:"amount" json:"amount"`
	Currency      string     `bson:"currency" json:"currency"`
	Method        string     `bson:"method" json:"method"`
	QR            string     `bson:"qr" json:"qr"`
	MD5           string     `bson:"md5" json:"md5"`
	Expiration    int64      `bson:"expiration" json:"expiration"`
	Paid          bool       `bson:"paid" json:"paid"`
	PaidAt        *time.Time `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	BakongHash    string     `bson:"bakong_hash,omitempty" json:"bakong_hash,omitempty"`
	FromAccountID string     `bson:"from_account_id,omitempty" json:"from_account_id,omitempty"`
	ToAccountID   string     `bson:"to_account_id,omitempty" json:"to_account_id,omitempty"`
	TransactionID string     `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	ExternalRef   string     `bson:"external_ref,omitempty" json:"external_ref,omitempty"`
	DeepLink      string     `bson:"deep_link,omitempty" json:"deep_link,omitempty"`
	DeepLinkWeb   string     `bson:"deep_link_web,omitempty" json:"deep_link_web,omitempty"`
}

// Expired reports whether the QR expiry instant has passed.
func (d PaymentDetail) Expired(now time.Time) bool {
	return now.UnixMilli() > d.Expiration
}

type Payment struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrderID       primitive.ObjectID `bson:"order_id" json:"order_id"`
	UserID        string             `bson:"user_id" json:"user_id"`
	PaymentMethod PaymentMethod      `bson:"payment_method" json:"payment_method"`
	PaymentStatus PaymentStatus      `bson:"payment_status" json:"payment_status"`
	AmountPaid    int64              `bson:"amount_paid" json:"amount_paid"`
	PaidAt        *time.Time         `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	Detail        PaymentDetail      `bson:"payment" json:"payment"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}

// Settlement holds what the gateway reported about a matched transaction.
type Settlement struct {
	Hash          string
	FromAccountID string
	ToAccountID   string
	TransactionID string
	ExternalRef   string
	PaidAt        time.Time
}

type CreatePaymentIntentRequest struct {
	OrderID       string        `json:"order_id" binding:"required,objectid"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

type ConfirmPaymentRequest struct {
	MD5 string `json:"md5" binding:"required"`
}

type ConfirmResult struct {
	Payment     *Payment `json:"payment"`
	Order       *Order   `json:"order"`
	AlreadyPaid bool     `json:"already_paid"`
}
