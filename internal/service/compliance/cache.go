package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/redis/go-redis/v9"
)

// VerdictCache stores verdicts with an explicit time-to-live.
type VerdictCache interface {
	Get(ctx context.Context, assetID string) (entity.ComplianceVerdict, bool, error)
	Set(ctx context.Context, verdict entity.ComplianceVerdict, ttl time.Duration) error
	Delete(ctx context.Context, assetID string) error
}

type RedisVerdictCache struct {
	client *redis.Client
}

func NewRedisVerdictCache(client *redis.Client) *RedisVerdictCache {
	return &RedisVerdictCache{client: client}
}

func (c *RedisVerdictCache) Get(ctx context.Context, assetID string) (entity.ComplianceVerdict, bool, error) {
	raw, err := c.client.Get(ctx, verdictKey(assetID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entity.ComplianceVerdict{}, false, nil
		}
		return entity.ComplianceVerdict{}, false, err
	}

	var verdict entity.ComplianceVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return entity.ComplianceVerdict{}, false, fmt.Errorf("decode cached verdict: %w", err)
	}

	return verdict, true, nil
}

func (c *RedisVerdictCache) Set(ctx context.Context, verdict entity.ComplianceVerdict, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(verdict)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, verdictKey(verdict.AssetID), payload, ttl).Err()
}

func (c *RedisVerdictCache) Delete(ctx context.Context, assetID string) error {
	return c.client.Del(ctx, verdictKey(assetID)).Err()
}

type memoryEntry struct {
	verdict   entity.ComplianceVerdict
	expiresAt time.Time
}

// MemoryVerdictCache is the single-process cache used when redis is not configured.
type MemoryVerdictCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryVerdictCache() *MemoryVerdictCache {
	return &MemoryVerdictCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryVerdictCache) Get(_ context.Context, assetID string) (entity.ComplianceVerdict, bool, error) {
	key := verdictKey(assetID)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return entity.ComplianceVerdict{}, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return entity.ComplianceVerdict{}, false, nil
	}

	return entry.verdict, true, nil
}

func (c *MemoryVerdictCache) Set(_ context.Context, verdict entity.ComplianceVerdict, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	c.entries[verdictKey(verdict.AssetID)] = memoryEntry{verdict: verdict, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	return nil
}

func (c *MemoryVerdictCache) Delete(_ context.Context, assetID string) error {
	c.mu.Lock()
	delete(c.entries, verdictKey(assetID))
	c.mu.Unlock()

	return nil
}

func verdictKey(assetID string) string {
	return fmt.Sprintf("%s:%s", constant.VerdictCacheKeyPrefix, strings.ToUpper(strings.TrimSpace(assetID)))
}
