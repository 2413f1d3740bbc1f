package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vynn122/grocery-api/database"
	"github.com/vynn122/grocery-api/models"
)

type MongoOrderRepository struct {
	collection *mongo.Collection
}

func NewOrderRepository(db *mongo.Database) *MongoOrderRepository {
	return &MongoOrderRepository{collection: db.Collection(database.OrdersCollection)}
}

func (r *MongoOrderRepository) Create(ctx context.Context, order *models.Order) error {
	now := time.Now().UTC()
	if order.ID.IsZero() {
		order.ID = primitive.NewObjectID()
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, order); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *MongoOrderRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Order, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoOrderRepository) FindByIDAndUserID(ctx context.Context, id primitive.ObjectID, userID string) (*models.Order, error) {
	return r.findOne(ctx, bson.M{"_id": id, "user_id": userID})
}

func (r *MongoOrderRepository) findOne(ctx context.Context, filter bson.M) (*models.Order, error) {
	var order models.Order
	if err := r.collection.FindOne(ctx, filter).Decode(&order); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find order: %w", err)
	}
	return &order, nil
}

func (r *MongoOrderRepository) UpdateStatus(ctx context.Context, id primitive.ObjectID, from, to models.OrderStatus) (bool, error) {
	filter, update := statusTransition(id, from, to, time.Now().UTC())
	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// statusTransition builds a compare-and-set on the order status.
func statusTransition(id primitive.ObjectID, from, to models.OrderStatus, now time.Time) (bson.M, bson.M) {
	set := bson.M{"status": to, "updated_at": now}
	if to == models.OrderStatusCancelled {
		set["cancelled_at"] = now
	}
	return bson.M{"_id": id, "status": from}, bson.M{"$set": set}
}

func (r *MongoOrderRepository) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{
		"status":     models.OrderStatusPending,
		"created_at": bson.M{"$lt": before},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("find stale orders: %w", err)
	}
	defer cursor.Close(ctx)

	var orders []models.Order
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("decode stale orders: %w", err)
	}
	return orders, nil
}

// FindPaidByUserID returns the user's orders whose payment has settled,
// newest first.
func (r *MongoOrderRepository) FindPaidByUserID(ctx context.Context, userID string, page, limit int) ([]models.Order, int64, error) {
	cursor, err := r.collection.Aggregate(ctx, paidOrdersPipeline(userID, page, limit))
	if err != nil {
		return nil, 0, fmt.Errorf("aggregate paid orders: %w", err)
	}
	defer cursor.Close(ctx)

	var result []struct {
		Orders []models.Order `bson:"orders"`
		Total  []struct {
			Count int64 `bson:"count"`
		} `bson:"total"`
	}
	if err := cursor.All(ctx, &result); err != nil {
		return nil, 0, fmt.Errorf("decode paid orders: %w", err)
	}
	if len(result) == 0 {
		return []models.Order{}, 0, nil
	}

	var total int64
	if len(result[0].Total) > 0 {
		total = result[0].Total[0].Count
	}
	orders := result[0].Orders
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, total, nil
}

func paidOrdersPipeline(userID string, page, limit int) mongo.Pipeline {
	skip := int64((page - 1) * limit)
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         database.PaymentsCollection,
			"localField":   "_id",
			"foreignField": "order_id",
			"as":           "payment",
		}}},
		{{Key: "$match", Value: bson.M{"payment.payment_status": models.PaymentStatusPaid}}},
		{{Key: "$project", Value: bson.M{"payment": 0}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}}}},
		{{Key: "$facet", Value: bson.M{
			"orders": bson.A{bson.M{"$skip": skip}, bson.M{"$limit": int64(limit)}},
			"total":  bson.A{bson.M{"$count": "count"}},
		}}},
	}
}
