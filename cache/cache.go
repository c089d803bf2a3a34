package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrEncodeFailed = errors.New("failed to encode value")
	ErrDecodeFailed = errors.New("failed to decode value")
)

// Encoder converts a value of type T to a byte slice for storage in Redis.
type Encoder[T any] func(value T) ([]byte, error)

// Decoder converts a byte slice from Redis back to a value of type T.
type Decoder[T any] func(data []byte) (T, error)

// Cache is a generic cache backed by Redis. A nil *Cache is valid and
// behaves as an always-empty cache.
type Cache[T any] struct {
	client  *redis.Client
	encoder Encoder[T]
	decoder Decoder[T]
	prefix  string
}

type Options[T any] struct {
	Client  *redis.Client
	Encoder Encoder[T]
	Decoder Decoder[T]
	Prefix  string
}

// New returns nil when no client is configured.
func New[T any](opts Options[T]) *Cache[T] {
	if opts.Client == nil {
		return nil
	}
	if opts.Encoder == nil {
		opts.Encoder = MsgpackEncoder[T]()
	}
	if opts.Decoder == nil {
		opts.Decoder = MsgpackDecoder[T]()
	}
	return &Cache[T]{
		client:  opts.Client,
		encoder: opts.Encoder,
		decoder: opts.Decoder,
		prefix:  opts.Prefix,
	}
}

func (c *Cache[T]) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores a value with the given TTL. Use ttl=0 for no expiration.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := c.encoder(value)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get returns ErrNotFound if the key does not exist.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if c == nil {
		return zero, ErrNotFound
	}

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}

	value, err := c.decoder(data)
	if err != nil {
		return zero, errors.Join(ErrDecodeFailed, err)
	}
	return value, nil
}

func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(key)).Err()
}

// Loader fetches a value on a cache miss. ok=false means the value does not
// exist upstream and nothing is stored.
type Loader[T any] func(ctx context.Context) (value T, ok bool, err error)

// GetOrLoad serves key from the cache, falling back to load and storing a
// found value with ttl. Cache errors degrade to a direct load.
func (c *Cache[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load Loader[T]) (T, bool, error) {
	if v, err := c.Get(ctx, key); err == nil {
		return v, true, nil
	}
	v, ok, err := load(ctx)
	if err != nil || !ok {
		return v, ok, err
	}
	_ = c.Set(ctx, key, v, ttl)
	return v, true, nil
}
