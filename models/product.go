package models

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var hundred = decimal.NewFromInt(100)

// Product is the read side of the catalog. Price is in riel, Discount is a percentage.
type Product struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name      string             `bson:"name" json:"name"`
	Price     int64              `bson:"price" json:"price"`
	Discount  float64            `bson:"discount" json:"discount"`
	Stock     int                `bson:"stock" json:"stock"`
	Sold      int                `bson:"sold" json:"sold"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// FinalPrice is price - price*discount/100, rounded half-up to a whole riel.
func (p *Product) FinalPrice() int64 {
	if p.Discount <= 0 {
		return p.Price
	}
	price := decimal.NewFromInt(p.Price)
	off := price.Mul(decimal.NewFromFloat(p.Discount)).Div(hundred)
	final := price.Sub(off).Round(0)
	if final.IsNegative() {
		return 0
	}
	return final.IntPart()
}
