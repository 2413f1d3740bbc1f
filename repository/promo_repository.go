package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vynn122/grocery-api/database"
	"github.com/vynn122/grocery-api/models"
)

type MongoPromoRepository struct {
	collection *mongo.Collection
}

func NewPromoRepository(db *mongo.Database) *MongoPromoRepository {
	return &MongoPromoRepository{collection: db.Collection(database.PromoCodesCollection)}
}

// FindByCode looks the code up case-insensitively; codes are stored upper case.
func (r *MongoPromoRepository) FindByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	err := r.collection.FindOne(ctx, bson.M{"code": strings.ToUpper(strings.TrimSpace(code))}).Decode(&promo)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find promo code: %w", err)
	}
	return &promo, nil
}

func (r *MongoPromoRepository) FinalizeUsage(ctx context.Context, id primitive.ObjectID, userID string) (bool, error) {
	filter, update := finalizeUsageUpdate(id, userID, time.Now().UTC())
	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("finalize promo usage: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// finalizeUsageUpdate matches only while the user is not yet recorded and the
// limit (if any) still has room, so the count and the membership move together.
func finalizeUsageUpdate(id primitive.ObjectID, userID string, now time.Time) (bson.M, bson.M) {
	filter := bson.M{
		"_id":     id,
		"used_by": bson.M{"$ne": userID},
		"$or": bson.A{
			bson.M{"usage_limit": nil},
			bson.M{"$expr": bson.M{"$lt": bson.A{"$used_count", "$usage_limit"}}},
		},
	}
	update := bson.M{
		"$inc":      bson.M{"used_count": 1},
		"$addToSet": bson.M{"used_by": userID},
		"$set":      bson.M{"updated_at": now},
	}
	return filter, update
}
