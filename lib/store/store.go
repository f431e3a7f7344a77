// Package store defines the key/value persistence interface shared by the router components, and the keyspace they
// use. Backends provide hashes, sets and strings with a time to live, with the atomic create-if-absent and
// compare-and-swap primitives needed to coordinate several routers without locks.
package store

import (
	"context"
	"errors"
	"time"
)

// KV defines required methods for the coordination layer.
type KV interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// hashes
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	// HCreate writes fields only if key does not exist yet. It reports whether the hash was created.
	HCreate(ctx context.Context, key string, fields map[string]string) (bool, error)
	// HCompareAndSwap writes fields only if field currently holds expected. It reports whether the write happened.
	HCompareAndSwap(ctx context.Context, key, field, expected string, fields map[string]string) (bool, error)

	// sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// strings
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Errors returned
var (
	ErrNotFound = errors.New("Data was not found in store")
)
