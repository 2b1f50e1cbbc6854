package persistence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

const redisKeyPrefix = "cryptod:key:"

// NewRedisClient creates a standalone or cluster client depending on the number of addresses.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.ErrTransient("failed to connect to redis", err)
	}
	log.Info(ctx, "Connected to redis", logger.Int("addresses", len(cfg.Addresses)))
	return client, nil
}

// RedisKeyCache shares signing key records between workers. Records hold wrapped key
// material only.
type RedisKeyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisKeyCache creates the cache. ttl <= 0 uses the default signing key cache TTL.
func NewRedisKeyCache(client redis.UniversalClient, ttl time.Duration) *RedisKeyCache {
	if ttl <= 0 {
		ttl = constants.SigningKeyCacheTTL
	}
	return &RedisKeyCache{client: client, ttl: ttl}
}

func redisKey(tenantID, keyID string) string {
	return redisKeyPrefix + tenantID + ":" + keyID
}

// Get returns the record stored under (tenantID, keyID), or nil on a miss.
func (c *RedisKeyCache) Get(ctx context.Context, tenantID, keyID string) (*models.SigningKey, error) {
	val, err := c.client.Get(ctx, redisKey(tenantID, keyID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.ErrTransient("failed to read signing key cache", err)
	}
	var key models.SigningKey
	if err := json.Unmarshal(val, &key); err != nil {
		return nil, errors.ErrInternal("corrupt signing key cache entry", err)
	}
	return &key, nil
}

// Set stores key under its tenant and short id.
func (c *RedisKeyCache) Set(ctx context.Context, key *models.SigningKey) error {
	b, err := json.Marshal(key)
	if err != nil {
		return errors.ErrInternal("failed to encode signing key", err)
	}
	if err := c.client.Set(ctx, redisKey(key.TenantID, key.KeyID), b, c.ttl).Err(); err != nil {
		return errors.ErrTransient("failed to write signing key cache", err)
	}
	return nil
}

var _ service.SigningKeyCache = (*RedisKeyCache)(nil)
