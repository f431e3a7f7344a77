// Package db implements the opening and graceful closing of database connections.
package db

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/store"
	"github.com/tarancss/xrouter/lib/store/memory"
	"github.com/tarancss/xrouter/lib/store/mongo"
	"github.com/tarancss/xrouter/lib/store/postgres"
	"github.com/tarancss/xrouter/lib/store/redis"
)

const (
	MEMORY   string = "memory"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	REDIS    string = "redis"
)

// New returns a new database connection according to the options (database type).
func New(options, connection string) (store.KV, error) {
	switch options {
	case MEMORY:
		return memory.New(clockwork.NewRealClock()), nil
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	case REDIS:
		return redis.New(connection)
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}

// Close gracefully closes the database connection.
func Close(ctx context.Context, dh store.KV) error {
	if dh == nil {
		return nil
	}

	return dh.Close(ctx)
}
