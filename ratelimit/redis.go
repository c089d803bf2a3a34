package ratelimit

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPrefix = "login-limit"

// RedisGate keeps counters in redis so limits survive restarts.
//
// The window counter lives at <prefix>:count:<key> and expires with the
// window. A block is a separate <prefix>:block:<key> key with the block TTL.
type RedisGate struct {
	rdb    *redis.Client
	opts   Options
	prefix string
	log    *logrus.Entry
}

func NewRedisGate(rdb *redis.Client, opts Options, prefix string, log *logrus.Entry) *RedisGate {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisGate{
		rdb:    rdb,
		opts:   opts.withDefaults(),
		prefix: prefix,
		log:    log,
	}
}

func (g *RedisGate) countKey(key string) string { return g.prefix + ":count:" + key }
func (g *RedisGate) blockKey(key string) string { return g.prefix + ":block:" + key }

func (g *RedisGate) TryConsume(ctx context.Context, key string) Verdict {
	ttl, err := g.rdb.PTTL(ctx, g.blockKey(key)).Result()
	if err != nil {
		g.storeFailed(err, key, "pttl")
		return Verdict{Allowed: true}
	}
	if ttl > 0 {
		return Verdict{RetryAfter: ttl}
	}

	count, err := g.rdb.Incr(ctx, g.countKey(key)).Result()
	if err != nil {
		g.storeFailed(err, key, "incr")
		return Verdict{Allowed: true}
	}
	if count == 1 {
		if err := g.rdb.PExpire(ctx, g.countKey(key), g.opts.Window).Err(); err != nil {
			g.storeFailed(err, key, "pexpire")
		}
	}
	if count <= int64(g.opts.Points) {
		return Verdict{Allowed: true}
	}

	pipe := g.rdb.TxPipeline()
	pipe.Set(ctx, g.blockKey(key), 1, g.opts.Block)
	pipe.Del(ctx, g.countKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		g.storeFailed(err, key, "block")
	}
	return Verdict{RetryAfter: g.opts.Block}
}

func (g *RedisGate) CanConsume(ctx context.Context, key string) bool {
	pipe := g.rdb.Pipeline()
	blocked := pipe.Exists(ctx, g.blockKey(key))
	count := pipe.Get(ctx, g.countKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		g.storeFailed(err, key, "check")
		return true
	}
	if blocked.Val() > 0 {
		return false
	}
	n, err := count.Int()
	if err != nil {
		return true
	}
	return n < g.opts.Points
}

func (g *RedisGate) Reset(ctx context.Context, key string) {
	if err := g.rdb.Del(ctx, g.countKey(key), g.blockKey(key)).Err(); err != nil {
		g.storeFailed(err, key, "reset")
	}
}

func (g *RedisGate) storeFailed(err error, key, op string) {
	if g.log == nil {
		return
	}
	g.log.WithError(err).WithFields(logrus.Fields{"key": key, "op": op}).Warn("rate limit store failed, allowing")
}
