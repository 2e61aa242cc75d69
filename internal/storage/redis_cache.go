package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

const (
	snapshotKeyPrefix  = "snapshot:"
	indicatorKeyPrefix = "indicator:"
	notifyChannel      = "kanban:notifications"
)

// RedisSnapshotCache caches price snapshots and indicator snapshots in
// Redis with a TTL, and fans notification events out over pub/sub. It
// implements PriceSource over cached data and NotificationSink via PUBLISH.
type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotCache connects to Redis and verifies connectivity
func NewRedisSnapshotCache(cfg config.RedisConfig) (*RedisSnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Connected to Redis",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
		logger.Duration("snapshot_ttl", cfg.SnapshotTTL),
	)

	return &RedisSnapshotCache{client: client, ttl: cfg.SnapshotTTL}, nil
}

// Close closes the Redis client
func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

// PutSnapshot caches a price snapshot under its stock code
func (c *RedisSnapshotCache) PutSnapshot(ctx context.Context, snapshot *models.PriceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKeyPrefix+snapshot.StockCode, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the cached snapshot for a stock code,
// or (nil, nil) when the key is missing or expired
func (c *RedisSnapshotCache) GetLatestSnapshot(ctx context.Context, stockCode string) (*models.PriceSnapshot, error) {
	data, err := c.client.Get(ctx, snapshotKeyPrefix+stockCode).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached snapshot: %w", err)
	}

	var snapshot models.PriceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached snapshot: %w", err)
	}
	return &snapshot, nil
}

// PutIndicator caches an indicator snapshot under its stock code
func (c *RedisSnapshotCache) PutIndicator(ctx context.Context, snapshot *models.IndicatorSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal indicator snapshot: %w", err)
	}
	if err := c.client.Set(ctx, indicatorKeyPrefix+snapshot.StockCode, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache indicator snapshot: %w", err)
	}
	return nil
}

// GetIndicator returns the cached indicator snapshot for a stock code,
// or (nil, nil) on a cache miss
func (c *RedisSnapshotCache) GetIndicator(ctx context.Context, stockCode string) (*models.IndicatorSnapshot, error) {
	data, err := c.client.Get(ctx, indicatorKeyPrefix+stockCode).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached indicator snapshot: %w", err)
	}

	var snapshot models.IndicatorSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached indicator snapshot: %w", err)
	}
	return &snapshot, nil
}

// Dispatch publishes a notification event on the shared pub/sub channel
func (c *RedisSnapshotCache) Dispatch(ctx context.Context, event *models.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}
	if err := c.client.Publish(ctx, notifyChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification event: %w", err)
	}
	return nil
}

// Subscribe returns a pub/sub subscription for notification events,
// for consumers in other processes
func (c *RedisSnapshotCache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, notifyChannel)
}

// CachedPriceSource layers the Redis cache in front of another
// PriceSource. Misses fall through and populate the cache.
type CachedPriceSource struct {
	cache   *RedisSnapshotCache
	backend PriceSource
}

// NewCachedPriceSource wraps a backend PriceSource with the Redis cache
func NewCachedPriceSource(cache *RedisSnapshotCache, backend PriceSource) *CachedPriceSource {
	return &CachedPriceSource{cache: cache, backend: backend}
}

// GetLatestSnapshot tries the cache first, then the backend
func (s *CachedPriceSource) GetLatestSnapshot(ctx context.Context, stockCode string) (*models.PriceSnapshot, error) {
	snapshot, err := s.cache.GetLatestSnapshot(ctx, stockCode)
	if err != nil {
		logger.Warn("Snapshot cache read failed, falling back",
			logger.String("stock_code", stockCode),
			logger.ErrorField(err),
		)
	} else if snapshot != nil {
		return snapshot, nil
	}

	snapshot, err = s.backend.GetLatestSnapshot(ctx, stockCode)
	if err != nil || snapshot == nil {
		return snapshot, err
	}

	if err := s.cache.PutSnapshot(ctx, snapshot); err != nil {
		logger.Warn("Failed to populate snapshot cache",
			logger.String("stock_code", stockCode),
			logger.ErrorField(err),
		)
	}
	return snapshot, nil
}
