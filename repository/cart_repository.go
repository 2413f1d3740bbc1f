package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCartRepository owns the cart keys written by the cart service.
type RedisCartRepository struct {
	client *redis.Client
}

func NewCartRepository(client *redis.Client) *RedisCartRepository {
	return &RedisCartRepository{client: client}
}

func cartKey(userID string) string {
	return fmt.Sprintf("cart:user:%s", userID)
}

// ClearCart deletes the user's cart. Deleting a missing cart is not an error.
func (r *RedisCartRepository) ClearCart(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
