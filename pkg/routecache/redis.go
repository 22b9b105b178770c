package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/getmockd/rpcgate/pkg/registry"
)

// DefaultTTL is the route entry lifetime in Redis.
const DefaultTTL = 6 * time.Hour

// DefaultPrefix namespaces gateway keys.
const DefaultPrefix = "rpcgate:"

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// Redis is a route cache backed by a redigo connection pool.
type Redis struct {
	pool   *redis.Pool
	ttl    time.Duration
	prefix string
}

// NewPool creates a connection pool for a redis:// URL.
func NewPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		MaxActive:   100,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(time.Second),
				redis.DialWriteTimeout(time.Second))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedis creates a cache over pool.
func NewRedis(pool *redis.Pool, opts ...RedisOption) *Redis {
	r := &Redis{pool: pool, ttl: DefaultTTL, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// Close closes the pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

func (r *Redis) routeKey(key string) string { return r.prefix + "route:" + key }

func (r *Redis) indexKey() string { return r.prefix + "routes" }

// Get returns the route stored under key, or nil on a miss.
func (r *Redis) Get(ctx context.Context, key string) (*registry.ResolvedRoute, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	data, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", r.routeKey(key)))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var rr registry.ResolvedRoute
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("decode cached route %s: %w", key, err)
	}
	return &rr, nil
}

// ReplaceAll drops every cached route and stores routes in one MULTI/EXEC.
func (r *Redis) ReplaceAll(ctx context.Context, routes map[string]*registry.ResolvedRoute) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	old, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", r.indexKey()))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return fmt.Errorf("redis smembers: %w", err)
	}

	ttl := int64(r.ttl / time.Second)
	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if len(old) > 0 {
		args := redis.Args{}
		for _, k := range old {
			args = args.Add(r.routeKey(k))
		}
		if err := conn.Send("DEL", args...); err != nil {
			return err
		}
	}
	if err := conn.Send("DEL", r.indexKey()); err != nil {
		return err
	}
	if len(routes) > 0 {
		index := redis.Args{}.Add(r.indexKey())
		for key, rr := range routes {
			data, err := json.Marshal(rr)
			if err != nil {
				return fmt.Errorf("encode route %s: %w", key, err)
			}
			if err := conn.Send("SET", r.routeKey(key), data, "EX", ttl); err != nil {
				return err
			}
			index = index.Add(key)
		}
		if err := conn.Send("SADD", index...); err != nil {
			return err
		}
		if err := conn.Send("EXPIRE", r.indexKey(), ttl); err != nil {
			return err
		}
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("redis replace routes: %w", err)
	}
	return nil
}

// Delete evicts keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	del := redis.Args{}
	srem := redis.Args{}.Add(r.indexKey())
	for _, k := range keys {
		del = del.Add(r.routeKey(k))
		srem = srem.Add(k)
	}
	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := conn.Send("DEL", del...); err != nil {
		return err
	}
	if err := conn.Send("SREM", srem...); err != nil {
		return err
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("redis delete routes: %w", err)
	}
	return nil
}

var _ registry.RouteCache = (*Redis)(nil)
