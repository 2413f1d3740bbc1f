package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/vynn122/grocery-api/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Order, error)
	FindByIDAndUserID(ctx context.Context, id primitive.ObjectID, userID string) (*models.Order, error)
	// UpdateStatus moves the order from one status to another and reports
	// whether this call performed the transition.
	UpdateStatus(ctx context.Context, id primitive.ObjectID, from, to models.OrderStatus) (bool, error)
	FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
	FindPaidByUserID(ctx context.Context, userID string, page, limit int) ([]models.Order, int64, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByOrderID(ctx context.Context, orderID primitive.ObjectID) (*models.Payment, error)
	FindByMD5(ctx context.Context, md5 string) (*models.Payment, error)
	// MarkPaid records the settlement only if the payment is still unpaid and
	// pending, and reports whether this call did so.
	MarkPaid(ctx context.Context, id primitive.ObjectID, s models.Settlement) (bool, error)
	// MarkFailed moves an unpaid pending payment to Failed. A failed payment
	// can no longer be marked paid.
	MarkFailed(ctx context.Context, id primitive.ObjectID) (bool, error)
}

type PromoRepository interface {
	FindByCode(ctx context.Context, code string) (*models.PromoCode, error)
	// FinalizeUsage records one use by userID. It is a no-op (false) when the
	// user is already recorded or the usage limit has been reached.
	FinalizeUsage(ctx context.Context, id primitive.ObjectID, userID string) (bool, error)
}

type ProductRepository interface {
	FindByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Product, error)
	// DecrementStock atomically takes qty from stock and adds it to sold, or
	// returns ErrInsufficientStock without changing anything.
	DecrementStock(ctx context.Context, id primitive.ObjectID, qty int) error
	RestoreStock(ctx context.Context, id primitive.ObjectID, qty int) error
}

type CartRepository interface {
	ClearCart(ctx context.Context, userID string) error
}
