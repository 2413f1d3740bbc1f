package models

import "time"

const (
	EventOrderCreated     = "order_created"
	EventOrderCancelled   = "order_cancelled"
	EventPaymentCreated   = "payment_created"
	EventPaymentSucceeded = "payment_succeeded"
)

// OrderEvent is published on the event bus after an order or payment state change.
type OrderEvent struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	PaymentID   string    `json:"payment_id,omitempty"`
	TotalAmount int64     `json:"total_amount"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConfirmationMessage is the body of a payment confirmation queue message.
type ConfirmationMessage struct {
	MD5 string `json:"md5"`
}

type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}
