// Package redis provides a tierstore.Store backed by Redis.
//
// Keys are namespaced with a configurable prefix and use Redis' native TTL,
// so an entry left behind by a crashed engine still expires on its own.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// compareAndDelete deletes KEYS[1] only if it holds ARGV[1].
var compareAndDelete = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client implements tierstore.Store using Redis.
type Client struct {
	rdb       goredis.UniversalClient
	keyPrefix string
	scanCount int64
}

// Config contains configuration for the Redis tier store.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the optional AUTH password.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces every key written by the store (e.g. "memtier:").
	KeyPrefix string

	// ScanCount is the COUNT hint used for SCAN (default 1000).
	ScanCount int64
}

// NewClient connects to Redis and verifies the connection with PING.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("NewRedisClient: %w", err)
	}
	return NewFromClient(rdb, cfg.KeyPrefix, cfg.ScanCount), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb goredis.UniversalClient, keyPrefix string, scanCount int64) *Client {
	if scanCount <= 0 {
		scanCount = 1000
	}
	return &Client{rdb: rdb, keyPrefix: keyPrefix, scanCount: scanCount}
}

func (c *Client) key(k string) string {
	return c.keyPrefix + k
}

func ttlArg(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// Set implements tierstore.Store.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), val, ttlArg(ttl)).Err(); err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

// SetNX implements tierstore.Store.
func (c *Client) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(key), val, ttlArg(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("SetNX: %w", err)
	}
	return ok, nil
}

// Get implements tierstore.Store.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, types.Errorf(types.ErrNotFound, "key %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return val, nil
}

// Delete implements tierstore.Store.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	return n > 0, nil
}

// CompareAndDelete implements tierstore.Store with a Lua script so the
// check and the delete are atomic on the server.
func (c *Client) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{c.key(key)}, expected).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("CompareAndDelete: %w", err)
	}
	return n > 0, nil
}

// Expire implements tierstore.Store. A ttl <= 0 maps to PERSIST.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = c.rdb.Persist(ctx, c.key(key)).Result()
		if err == nil && !ok {
			// PERSIST returns 0 for keys without a TTL as well as missing keys.
			n, existsErr := c.rdb.Exists(ctx, c.key(key)).Result()
			if existsErr != nil {
				return false, fmt.Errorf("Expire: %w", existsErr)
			}
			ok = n > 0
		}
	} else {
		ok, err = c.rdb.Expire(ctx, c.key(key), ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("Expire: %w", err)
	}
	return ok, nil
}

// Scan implements tierstore.Store using SCAN with a MATCH pattern.
func (c *Client) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	var cursor uint64
	pattern := c.key(prefix) + "*"
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, c.scanCount).Result()
		if err != nil {
			return fmt.Errorf("Scan: %w", err)
		}
		for _, k := range keys {
			val, err := c.rdb.Get(ctx, k).Bytes()
			if errors.Is(err, goredis.Nil) {
				// Expired between SCAN and GET.
				continue
			}
			if err != nil {
				return fmt.Errorf("Scan: %w", err)
			}
			if err := fn(strings.TrimPrefix(k, c.keyPrefix), val); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close implements tierstore.Store.
func (c *Client) Close() error {
	return c.rdb.Close()
}
