// Package cache provides durable, out-of-process backing for dockache's
// resume-token manager and an optional L2 read-through lookup cache, both
// built on go-redis, exposed through the dockache.ResumeTokenStore contract
// and a typed L2 cache rather than a bag of string keys.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dockache/dockache"
)

// Options configures the Redis connection backing both RedisTokenStore and
// RedisLookupCache.
type Options struct {
	Address                  string
	Password                 string
	DB                       int
	DefaultDurationInSeconds int
	// KeyPrefix namespaces every key this package writes, so multiple
	// dockache deployments can share one Redis instance.
	KeyPrefix string
}

func (o Options) defaultDuration() time.Duration {
	if o.DefaultDurationInSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(o.DefaultDurationInSeconds) * time.Second
}

// DefaultOptions returns the conservative local-dev default.
func DefaultOptions() Options {
	return Options{
		Address:                  "localhost:6379",
		DB:                       0,
		DefaultDurationInSeconds: 24 * 60 * 60,
	}
}

// FromConfig adapts a dockache.RedisOptions (the JSON-configurable shape)
// into this package's connection Options.
func FromConfig(cfg dockache.RedisOptions) Options {
	return Options{Address: cfg.Address, Password: cfg.Password, DB: cfg.DB, DefaultDurationInSeconds: 24 * 60 * 60}
}

// connection wraps a *redis.Client, shared by RedisTokenStore and
// RedisLookupCache.
type connection struct {
	client *redis.Client
	opts   Options
}

func newConnection(opts Options) *connection {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &connection{client: client, opts: opts}
}

// Ping verifies connectivity, useful at cache-construction time to fail
// fast rather than at the first resume-token save.
func (c *connection) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *connection) key(parts ...string) string {
	k := c.opts.KeyPrefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

// RedisTokenStore is a dockache.ResumeTokenStore backed by Redis, giving
// resume tokens durable survival across process restarts.
type RedisTokenStore struct {
	*connection
}

// NewRedisTokenStore opens a Redis connection for durable resume-token
// storage. It does not ping eagerly; call Ping if you want to fail fast.
func NewRedisTokenStore(opts Options) *RedisTokenStore {
	return &RedisTokenStore{connection: newConnection(opts)}
}

func (s *RedisTokenStore) tokenKey(streamID string) string {
	return s.key("dockache", "resume-token", streamID)
}

// Load implements dockache.ResumeTokenStore.
func (s *RedisTokenStore) Load(ctx context.Context, streamID string) (dockache.ResumeToken, bool, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(streamID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: loading resume token for %q: %w", streamID, err)
	}
	return dockache.ResumeToken(raw), true, nil
}

// Save implements dockache.ResumeTokenStore. Resume tokens never expire;
// they are only ever superseded by a newer Save.
func (s *RedisTokenStore) Save(ctx context.Context, streamID string, token dockache.ResumeToken) error {
	if err := s.client.Set(ctx, s.tokenKey(streamID), []byte(token), 0).Err(); err != nil {
		return fmt.Errorf("cache: saving resume token for %q: %w", streamID, err)
	}
	return nil
}

// RedisLookupCache is an optional L2 read-through cache fronting
// ReadByUniqueIndex lookups, storing the JSON-serialized document under its
// index value so a repeated lookup of a hot secondary key avoids the
// store round trip. It never participates in the primary key->document
// mirror (dockache's in-memory Cache already holds the full collection);
// it exists purely to cut store round trips for unique-index reads, which
// are always delegated to the store.
type RedisLookupCache[D any] struct {
	*connection
}

// NewRedisLookupCache constructs an L2 cache for collection's unique-index
// lookups.
func NewRedisLookupCache[D any](opts Options) *RedisLookupCache[D] {
	return &RedisLookupCache[D]{connection: newConnection(opts)}
}

func (c *RedisLookupCache[D]) indexKey(collection, fieldName string, value any) string {
	return c.key("dockache", "index", collection, fieldName, fmt.Sprint(value))
}

// Get returns the cached document for (collection, fieldName, value), if present.
func (c *RedisLookupCache[D]) Get(ctx context.Context, collection, fieldName string, value any) (D, bool, error) {
	var zero D
	raw, err := c.client.Get(ctx, c.indexKey(collection, fieldName, value)).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var d D
	if err := json.Unmarshal(raw, &d); err != nil {
		return zero, false, err
	}
	return d, true, nil
}

// Set caches doc under (collection, fieldName, value) with the connection's
// default TTL, so a stale entry self-heals even without an explicit
// Invalidate on the next change-stream reconciliation.
func (c *RedisLookupCache[D]) Set(ctx context.Context, collection, fieldName string, value any, doc D) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.indexKey(collection, fieldName, value), raw, c.opts.defaultDuration()).Err()
}

// Invalidate removes a cached entry, used when the owning document changes
// or is deleted.
func (c *RedisLookupCache[D]) Invalidate(ctx context.Context, collection, fieldName string, value any) error {
	return c.client.Del(ctx, c.indexKey(collection, fieldName, value)).Err()
}
