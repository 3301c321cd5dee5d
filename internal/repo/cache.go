package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// CacheTTL bounds how stale a cached balance or state may be.
const CacheTTL = 5 * time.Minute

// RedisCache is a read-through cache in front of the wallet and transaction
// tables. The database stays the source of truth; a cache write failure is
// never fatal to the caller.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func balanceKey(userID string, cur currency.Currency) string {
	return fmt.Sprintf("balance:%s:%s", userID, cur.RoutingKey())
}

func stateKey(txID string) string {
	return "txstate:" + txID
}

// CacheBalance writes Redis.
func (c *RedisCache) CacheBalance(ctx context.Context, userID string, cur currency.Currency, bal decimal.Decimal) error {
	return c.rdb.Set(ctx, balanceKey(userID, cur), cur.Format(bal), CacheTTL).Err()
}

// GetCachedBalance reads Redis. redis.Nil signals a miss.
func (c *RedisCache) GetCachedBalance(ctx context.Context, userID string, cur currency.Currency) (decimal.Decimal, error) {
	str, err := c.rdb.Get(ctx, balanceKey(userID, cur)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

func (c *RedisCache) CacheTransactionState(ctx context.Context, txID string, state model.TransactionState) error {
	return c.rdb.Set(ctx, stateKey(txID), string(state), CacheTTL).Err()
}

func (c *RedisCache) GetCachedTransactionState(ctx context.Context, txID string) (model.TransactionState, error) {
	str, err := c.rdb.Get(ctx, stateKey(txID)).Result()
	if err != nil {
		return "", err
	}
	return model.TransactionState(str), nil
}
