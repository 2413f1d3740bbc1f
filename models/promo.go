package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

type PromoCode struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Code          string             `bson:"code" json:"code"`
	DiscountType  DiscountType       `bson:"discount_type" json:"discount_type"`
	DiscountValue float64            `bson:"discount_value" json:"discount_value"`
	ExpiryDate    time.Time          `bson:"expiry_date" json:"expiry_date"`
	// UsageLimit nil means unlimited.
	UsageLimit *int      `bson:"usage_limit" json:"usage_limit"`
	UsedCount  int       `bson:"used_count" json:"used_count"`
	IsActive   bool      `bson:"is_active" json:"is_active"`
	UsedBy     []string  `bson:"used_by" json:"used_by"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

func (p *PromoCode) UsedByUser(userID string) bool {
	for _, u := range p.UsedBy {
		if u == userID {
			return true
		}
	}
	return false
}

func (p *PromoCode) LimitReached() bool {
	return p.UsageLimit != nil && p.UsedCount >= *p.UsageLimit
}
