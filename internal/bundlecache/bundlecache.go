// Package bundlecache is a read-through cache of fetched peer prekey
// bundles in front of the remote bundle-fetch call. A bundle consumes
// a one-time prekey server-side on every fetch, so concurrent
// encrypts to the same never-before-contacted peer are collapsed into
// a single in-flight fetch rather than each burning its own prekey.
package bundlecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/obslog"
	"github.com/sealedline/e2ee-core/internal/x3dh"
)

var logger = obslog.BundleCache

// DefaultTTL bounds how long a fetched bundle is reused before a
// fresh fetch is forced — long enough to absorb a burst of messages
// to a newly-contacted peer, short enough that a since-rotated signed
// prekey is picked up promptly.
const DefaultTTL = 5 * time.Minute

// Fetcher retrieves a peer's published prekey bundle from the remote
// bundle server, e.g. via the discovery-resolved peer base URL.
type Fetcher func(ctx context.Context, peerID string) (x3dh.Bundle, error)

// wireBundle is x3dh.Bundle's JSON-serializable shape; Bundle's fixed
// arrays round-trip through encoding/json fine, but OneTimePrekeyPub
// needs an explicit omitempty-capable pointer, which the struct
// already provides, so this just documents that assumption.
type wireBundle = x3dh.Bundle

// Cache is a read-through, single-flight cache over a Fetcher, backed
// by Redis when configured and falling back to an in-process-only
// cache otherwise.
type Cache struct {
	fetch Fetcher
	ttl   time.Duration

	redis *redis.Client
	ctx   context.Context

	mu         sync.Mutex
	inflight   map[string]*inflightFetch
	localCache map[string]localEntry
}

type inflightFetch struct {
	done chan struct{}
	bundle x3dh.Bundle
	err    error
}

// New constructs a Cache. redisAddr may be empty, in which case the
// cache runs in-process only (adequate for a single daemon instance;
// Redis is what lets multiple daemon replicas behind the same
// discovery entry share a cache).
func New(redisAddr string, fetch Fetcher) (*Cache, error) {
	c := &Cache{
		fetch:    fetch,
		ttl:      DefaultTTL,
		ctx:      context.Background(),
		inflight: make(map[string]*inflightFetch),
	}
	if redisAddr == "" {
		logger.Printf("no redis address configured, running bundle cache in-process only")
		return c, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(c.ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping failed: %v", e2eerr.ErrNetwork, err)
	}
	c.redis = client
	return c, nil
}

// Close releases the Redis connection, if one is open.
func (c *Cache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func cacheKey(peerID string) string {
	return "bundle:" + peerID
}

// Get returns the peer's bundle, serving from cache when fresh and
// otherwise calling the Fetcher — with concurrent callers for the
// same peerID sharing one underlying fetch.
func (c *Cache) Get(ctx context.Context, peerID string) (x3dh.Bundle, error) {
	if b, ok := c.readCache(peerID); ok {
		return b, nil
	}

	c.mu.Lock()
	if f, ok := c.inflight[peerID]; ok {
		c.mu.Unlock()
		<-f.done
		return f.bundle, f.err
	}
	f := &inflightFetch{done: make(chan struct{})}
	c.inflight[peerID] = f
	c.mu.Unlock()

	b, err := c.fetch(ctx, peerID)
	if err == nil {
		c.writeCache(peerID, b)
	}

	f.bundle, f.err = b, err
	close(f.done)

	c.mu.Lock()
	delete(c.inflight, peerID)
	c.mu.Unlock()

	return b, err
}

// Invalidate drops any cached bundle for peerID, forcing the next Get
// to fetch fresh — used by the session manager when it detects a
// signed-prekey rotation and when a session is reset.
func (c *Cache) Invalidate(peerID string) {
	if c.redis != nil {
		c.redis.Del(c.ctx, cacheKey(peerID))
		return
	}
	c.mu.Lock()
	delete(c.localCache, peerID)
	c.mu.Unlock()
}

func (c *Cache) readCache(peerID string) (x3dh.Bundle, bool) {
	if c.redis != nil {
		data, err := c.redis.Get(c.ctx, cacheKey(peerID)).Bytes()
		if err != nil {
			return x3dh.Bundle{}, false
		}
		var b wireBundle
		if err := json.Unmarshal(data, &b); err != nil {
			logger.Printf("corrupt cached bundle for %s, refetching: %v", peerID, err)
			return x3dh.Bundle{}, false
		}
		return b, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.localCache[peerID]
	if !ok || time.Now().After(entry.expiresAt) {
		return x3dh.Bundle{}, false
	}
	return entry.bundle, true
}

func (c *Cache) writeCache(peerID string, b x3dh.Bundle) {
	if c.redis != nil {
		data, err := json.Marshal(wireBundle(b))
		if err != nil {
			logger.Printf("failed to marshal bundle for cache: %v", err)
			return
		}
		if err := c.redis.Set(c.ctx, cacheKey(peerID), data, c.ttl).Err(); err != nil {
			logger.Printf("failed to write bundle cache entry: %v", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localCache == nil {
		c.localCache = make(map[string]localEntry)
	}
	c.localCache[peerID] = localEntry{bundle: b, expiresAt: time.Now().Add(c.ttl)}
}

type localEntry struct {
	bundle    x3dh.Bundle
	expiresAt time.Time
}
