// Package redis implements the store interface for Redis. The router keyspace maps directly onto Redis hashes, sets
// and strings; HCreate and HCompareAndSwap run as Lua scripts so each is applied atomically by the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tarancss/xrouter/lib/store"
)

var hcreate = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1`)

var hcas = goredis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
return 1`)

// Redis implements a connection to a Redis server.
type Redis struct {
	c *goredis.Client
}

// New returns a client for the redis url (ie. redis://localhost:6379/0) and checks the server is reachable.
func New(url string) (*Redis, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %s: %w", url, err)
	}

	c := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Ping(ctx).Err(); err != nil {
		c.Close()

		return nil, fmt.Errorf("cannot connect to redis in %s: %w", opt.Addr, err)
	}

	return &Redis{c: c}, nil
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close(_ context.Context) error {
	return r.c.Close()
}

// HSetNX sets field in key if it is not set yet.
func (r *Redis) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return r.c.HSetNX(ctx, key, field, value).Result()
}

// HGet returns field of key or store.ErrNotFound.
func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.c.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", store.ErrNotFound
	}

	return v, err
}

// HGetAll returns the hash at key, empty if absent.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// HDel removes fields from key and returns how many existed.
func (r *Redis) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return r.c.HDel(ctx, key, fields...).Result()
}

// HCreate writes fields if key does not exist.
func (r *Redis) HCreate(ctx context.Context, key string, fields map[string]string) (bool, error) {
	n, err := hcreate.Run(ctx, r.c, []string{key}, flatten(nil, fields)...).Int()
	if err != nil {
		return false, fmt.Errorf("cannot create %s: %w", key, err)
	}

	return n == 1, nil
}

// HCompareAndSwap writes fields if field holds expected.
func (r *Redis) HCompareAndSwap(ctx context.Context, key, field, expected string,
	fields map[string]string) (bool, error) {
	n, err := hcas.Run(ctx, r.c, []string{key}, flatten([]interface{}{field, expected}, fields)...).Int()
	if err != nil {
		return false, fmt.Errorf("cannot update %s: %w", key, err)
	}

	return n == 1, nil
}

// SAdd adds members to the set at key.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return r.c.SAdd(ctx, key, toArgs(members)...).Err()
}

// SRem removes members from the set at key.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return r.c.SRem(ctx, key, toArgs(members)...).Err()
}

// SMembers returns the members of the set at key.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.c.SMembers(ctx, key).Result()
}

// SetEx sets key to value for ttl.
func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// Get returns the value of key, or store.ErrNotFound if it is absent or expired.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", store.ErrNotFound
	}

	return v, err
}

func flatten(args []interface{}, fields map[string]string) []interface{} {
	for k, v := range fields {
		args = append(args, k, v)
	}

	return args
}

func toArgs(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}

	return out
}
