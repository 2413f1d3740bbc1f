package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vynn122/grocery-api/database"
	"github.com/vynn122/grocery-api/models"
)

type MongoPaymentRepository struct {
	collection *mongo.Collection
}

func NewPaymentRepository(db *mongo.Database) *MongoPaymentRepository {
	return &MongoPaymentRepository{collection: db.Collection(database.PaymentsCollection)}
}

// Create inserts the payment. The unique index on order_id turns a second
// payment for the same order into ErrDuplicate.
func (r *MongoPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	now := time.Now().UTC()
	if payment.ID.IsZero() {
		payment.ID = primitive.NewObjectID()
	}
	payment.CreatedAt = now
	payment.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, payment); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *MongoPaymentRepository) FindByOrderID(ctx context.Context, orderID primitive.ObjectID) (*models.Payment, error) {
	return r.findOne(ctx, bson.M{"order_id": orderID})
}

func (r *MongoPaymentRepository) FindByMD5(ctx context.Context, md5 string) (*models.Payment, error) {
	return r.findOne(ctx, bson.M{"payment.md5": md5})
}

func (r *MongoPaymentRepository) findOne(ctx context.Context, filter bson.M) (*models.Payment, error) {
	var p models.Payment
	if err := r.collection.FindOne(ctx, filter).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return &p, nil
}

func (r *MongoPaymentRepository) MarkPaid(ctx context.Context, id primitive.ObjectID, s models.Settlement) (bool, error) {
	filter, update := markPaidUpdate(id, s)
	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mark payment paid: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func markPaidUpdate(id primitive.ObjectID, s models.Settlement) (bson.M, bson.M) {
	filter := bson.M{"_id": id, "payment.paid": false, "payment_status": models.PaymentStatusPending}
	update := bson.M{"$set": bson.M{
		"payment_status":          models.PaymentStatusPaid,
		"paid_at":                 s.PaidAt,
		"payment.paid":            true,
		"payment.paid_at":         s.PaidAt,
		"payment.bakong_hash":     s.Hash,
		"payment.from_account_id": s.FromAccountID,
		"payment.to_account_id":   s.ToAccountID,
		"payment.transaction_id":  s.TransactionID,
		"payment.external_ref":    s.ExternalRef,
		"updated_at":              time.Now().UTC(),
	}}
	return filter, update
}

func (r *MongoPaymentRepository) MarkFailed(ctx context.Context, id primitive.ObjectID) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "payment.paid": false, "payment_status": models.PaymentStatusPending},
		bson.M{"$set": bson.M{"payment_status": models.PaymentStatusFailed, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	return res.ModifiedCount == 1, nil
}
