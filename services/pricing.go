package services

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/config"
	"github.com/vynn122/grocery-api/models"
)

type orderLine struct {
	productID primitive.ObjectID
	quantity  int
}

// mergeLines parses product ids and folds repeated products into one line,
// keeping first-seen order.
func mergeLines(items []models.CreateOrderItem) ([]orderLine, error) {
	if len(items) == 0 {
		return nil, apperrors.ErrInvalidRequest.With("At least one item is required")
	}

	index := make(map[primitive.ObjectID]int, len(items))
	lines := make([]orderLine, 0, len(items))
	for _, it := range items {
		if it.Quantity < 1 {
			return nil, apperrors.ErrInvalidRequest.With("Item quantity must be at least 1")
		}
		id, err := primitive.ObjectIDFromHex(it.ProductID)
		if err != nil {
			return nil, apperrors.ErrInvalidItem.With("Invalid product id: " + it.ProductID)
		}
		if i, ok := index[id]; ok {
			lines[i].quantity += it.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, orderLine{productID: id, quantity: it.Quantity})
	}
	return lines, nil
}

// priceLines snapshots each product's final price. Every line must resolve and
// fit in current stock.
func priceLines(lines []orderLine, products []models.Product) ([]models.OrderItem, int64, error) {
	byID := make(map[primitive.ObjectID]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	items := make([]models.OrderItem, 0, len(lines))
	var subtotal int64
	for _, l := range lines {
		p, ok := byID[l.productID]
		if !ok {
			return nil, 0, apperrors.ErrInvalidItem.With("Product not found: " + l.productID.Hex())
		}
		if l.quantity > p.Stock {
			return nil, 0, apperrors.ErrInsufficientStock.With("Insufficient stock for " + p.Name)
		}
		price := p.FinalPrice()
		line := price * int64(l.quantity)
		items = append(items, models.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  l.quantity,
			Price:     price,
			Subtotal:  line,
		})
		subtotal += line
	}
	return items, subtotal, nil
}

// checkPromo applies the redemption rules in order: active, not expired, not
// yet used by this user, usage limit not reached.
func checkPromo(promo *models.PromoCode, userID string, now time.Time) error {
	if promo == nil || !promo.IsActive {
		return apperrors.ErrInvalidPromo
	}
	if now.After(promo.ExpiryDate) {
		return apperrors.ErrPromoExpired
	}
	if promo.UsedByUser(userID) {
		return apperrors.ErrPromoAlreadyUsed
	}
	if promo.LimitReached() {
		return apperrors.ErrPromoLimitReached
	}
	return nil
}

// promoDiscount is floor(value/100 * subtotal) for percentage codes and the
// face value for fixed codes, clamped to [0, subtotal].
func promoDiscount(promo *models.PromoCode, subtotal int64) int64 {
	if promo == nil || subtotal <= 0 {
		return 0
	}

	value := decimal.NewFromFloat(promo.DiscountValue)
	var discount decimal.Decimal
	switch promo.DiscountType {
	case models.DiscountTypePercentage:
		discount = value.Mul(decimal.NewFromInt(subtotal)).Div(decimal.NewFromInt(100)).Floor()
	case models.DiscountTypeFixed:
		discount = value.Floor()
	default:
		return 0
	}

	if discount.IsNegative() {
		return 0
	}
	if discount.GreaterThan(decimal.NewFromInt(subtotal)) {
		return subtotal
	}
	return discount.IntPart()
}

func orderTotal(subtotal, discount int64, fees config.FeeSchedule) int64 {
	total := subtotal - discount + fees.Shipping + fees.Taxes + fees.OtherFee
	if total < 0 {
		return 0
	}
	return total
}
