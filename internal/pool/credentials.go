package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sogni-ai/photobooth-server/internal/sogni"
)

// CredentialCache persists Sogni token pairs between connection creations so
// a restart (or an evicted connection) does not force a fresh login.
type CredentialCache interface {
	Get(ctx context.Context, appID string) (sogni.TokenPair, bool, error)
	Set(ctx context.Context, appID string, pair sogni.TokenPair) error
	Invalidate(ctx context.Context, appID string) error
}

// MemoryCredentialCache is the in-process fallback used when redis is not
// configured.
type MemoryCredentialCache struct {
	mu    sync.Mutex
	pairs map[string]sogni.TokenPair
}

func NewMemoryCredentialCache() *MemoryCredentialCache {
	return &MemoryCredentialCache{pairs: make(map[string]sogni.TokenPair)}
}

func (c *MemoryCredentialCache) Get(_ context.Context, appID string) (sogni.TokenPair, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pair, ok := c.pairs[appID]
	return pair, ok, nil
}

func (c *MemoryCredentialCache) Set(_ context.Context, appID string, pair sogni.TokenPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs[appID] = pair
	return nil
}

func (c *MemoryCredentialCache) Invalidate(_ context.Context, appID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pairs, appID)
	return nil
}

// RedisCredentialCache stores token pairs in redis keyed by app identifier,
// expiring with the refresh token so stale blobs age out on their own.
type RedisCredentialCache struct {
	client *redis.Client
}

func NewRedisCredentialCache(client *redis.Client) *RedisCredentialCache {
	return &RedisCredentialCache{client: client}
}

func credentialKey(appID string) string { return "sogni:tokens:" + appID }

func (c *RedisCredentialCache) Get(ctx context.Context, appID string) (sogni.TokenPair, bool, error) {
	raw, err := c.client.Get(ctx, credentialKey(appID)).Bytes()
	if err == redis.Nil {
		return sogni.TokenPair{}, false, nil
	}
	if err != nil {
		return sogni.TokenPair{}, false, err
	}
	var pair sogni.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return sogni.TokenPair{}, false, err
	}
	return pair, true, nil
}

func (c *RedisCredentialCache) Set(ctx context.Context, appID string, pair sogni.TokenPair) error {
	raw, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	ttl := time.Until(pair.RefreshExpiresAt)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return c.client.Set(ctx, credentialKey(appID), raw, ttl).Err()
}

func (c *RedisCredentialCache) Invalidate(ctx context.Context, appID string) error {
	return c.client.Del(ctx, credentialKey(appID)).Err()
}
