package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// OrderItem is a price snapshot taken when the order is placed. Amounts are in riel.
type OrderItem struct {
	ProductID primitive.ObjectID `bson:"product_id" json:"product_id"`
	Name      string             `bson:"name" json:"name"`
	Quantity  int                `bson:"quantity" json:"quantity"`
	Price     int64              `bson:"price" json:"price"`
	Subtotal  int64              `bson:"subtotal" json:"subtotal"`
}

type Order struct {
	ID          primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	UserID      string              `bson:"user_id" json:"user_id"`
	Items       []OrderItem         `bson:"items" json:"items"`
	Subtotal    int64               `bson:"subtotal" json:"subtotal"`
	Discount    int64               `bson:"discount" json:"discount"`
	Shipping    int64               `bson:"shipping" json:"shipping"`
	Taxes       int64               `bson:"taxes" json:"taxes"`
	OtherFee    int64               `bson:"other_fee" json:"other_fee"`
	TotalAmount int64               `bson:"total_amount" json:"total_amount"`
	PromoID     *primitive.ObjectID `bson:"promo_id,omitempty" json:"promo_id,omitempty"`
	PromoCode   string              `bson:"promo_code,omitempty" json:"promo_code,omitempty"`
	Status      OrderStatus         `bson:"status" json:"status"`
	AddressID   string              `bson:"address_id,omitempty" json:"address_id,omitempty"`
	CancelledAt *time.Time          `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	CreatedAt   time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time           `bson:"updated_at" json:"updated_at"`
}

type CreateOrderItem struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

type CreateOrderRequest struct {
	Items       []CreateOrderItem `json:"items" binding:"required,min=1,dive"`
	PromoCode   string            `json:"promo_code"`
	TotalAmount *int64            `json:"total_amount" binding:"required"`
	AddressID   string            `json:"address_id"`
}

type CreateOrderResponse struct {
	OrderID    string `json:"order_id"`
	FinalTotal int64  `json:"final_total"`
}

type OrderListResponse struct {
	Orders []Order  `json:"orders"`
	Meta   MetaData `json:"meta"`
}

type MetaData struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	TotalOrders int64 `json:"total_orders"`
	TotalPages  int64 `json:"total_pages"`
	HasMore     bool  `json:"has_more"`
}
