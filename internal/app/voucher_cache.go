package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/melodious/settlement-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisVoucherCache caches voucher execution lookups for a short window so
// that storefront list-view polling does not hammer the settlement layer.
// Entries are advisory: a miss or a Redis failure just falls through to a
// direct lookup.
type RedisVoucherCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisVoucherCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisVoucherCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "melodious:voucher"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisVoucherCache{client: client, prefix: trimmed, ttl: ttl}
}

func (c *RedisVoucherCache) key(inputIndex, voucherIndex int) string {
	return fmt.Sprintf("%s:%d:%d", c.prefix, inputIndex, voucherIndex)
}

// Get returns the cached status or (nil, nil) on a miss.
func (c *RedisVoucherCache) Get(ctx context.Context, inputIndex, voucherIndex int) (*domain.VoucherStatus, error) {
	raw, err := c.client.Get(ctx, c.key(inputIndex, voucherIndex)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var status domain.VoucherStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Put stores a lookup result for the cache window. An executed voucher never
// becomes unexecuted, so those entries are kept ten times longer.
func (c *RedisVoucherCache) Put(ctx context.Context, status domain.VoucherStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	ttl := c.ttl
	if status.Executed {
		ttl = c.ttl * 10
	}
	return c.client.Set(ctx, c.key(status.InputIndex, status.VoucherIndex), raw, ttl).Err()
}
