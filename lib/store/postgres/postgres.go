// Package postgres implements the store interface for PostgreSQL.
//
// Hashes, sets and strings live in three tables created on New. Create-if-absent relies on primary key conflicts, and
// HCreate and HCompareAndSwap run inside transactions that serialise writers of the same key.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tarancss/xrouter/lib/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS router_hash (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS router_set (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE TABLE IF NOT EXISTS router_string (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the tables.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if _, err = db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("cannot create tables: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close(_ context.Context) error {
	return p.db.Close()
}

// HSetNX sets field in key if it is not set yet.
func (p *Postgres) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO router_hash (key, field, value) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, key, field, value)
	if err != nil {
		return false, fmt.Errorf("cannot set %s in %s: %w", field, key, err)
	}

	n, err := res.RowsAffected()

	return n == 1, err
}

// HGet returns field of key or store.ErrNotFound.
func (p *Postgres) HGet(ctx context.Context, key, field string) (string, error) {
	var v string

	err := p.db.QueryRowContext(ctx, `SELECT value FROM router_hash WHERE key = $1 AND field = $2`, key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", key, err)
	}

	return v, nil
}

// HGetAll returns the hash at key, empty if absent.
func (p *Postgres) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT field, value FROM router_hash WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", key, err)
	}
	defer rows.Close()

	h := map[string]string{}

	for rows.Next() {
		var f, v string
		if err = rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", key, err)
		}

		h[f] = v
	}

	return h, rows.Err()
}

// HDel removes fields from key and returns how many existed.
func (p *Postgres) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM router_hash WHERE key = $1 AND field = ANY($2)`,
		key, pq.Array(fields))
	if err != nil {
		return 0, fmt.Errorf("cannot delete fields from %s: %w", key, err)
	}

	return res.RowsAffected()
}

// HCreate writes fields if key does not exist. A transaction scoped advisory lock on the key serialises creators.
func (p *Postgres) HCreate(ctx context.Context, key string, fields map[string]string) (created bool, err error) {
	err = p.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM router_hash WHERE key = $1)`, key).Scan(&exists); err != nil {
			return err
		}

		if exists {
			return nil
		}

		if err := upsert(ctx, tx, key, fields); err != nil {
			return err
		}

		created = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cannot create %s: %w", key, err)
	}

	return created, nil
}

// HCompareAndSwap writes fields if field holds expected. The row of field is locked for the transaction.
func (p *Postgres) HCompareAndSwap(ctx context.Context, key, field, expected string,
	fields map[string]string) (swapped bool, err error) {
	err = p.tx(ctx, func(tx *sql.Tx) error {
		var v string

		err := tx.QueryRowContext(ctx,
			`SELECT value FROM router_hash WHERE key = $1 AND field = $2 FOR UPDATE`, key, field).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return err
		}

		if v != expected {
			return nil
		}

		if err = upsert(ctx, tx, key, fields); err != nil {
			return err
		}

		swapped = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cannot update %s: %w", key, err)
	}

	return swapped, nil
}

// SAdd adds members to the set at key.
func (p *Postgres) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO router_set (key, member) SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`,
		key, pq.Array(members))
	if err != nil {
		return fmt.Errorf("cannot add to %s: %w", key, err)
	}

	return nil
}

// SRem removes members from the set at key.
func (p *Postgres) SRem(ctx context.Context, key string, members ...string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM router_set WHERE key = $1 AND member = ANY($2)`,
		key, pq.Array(members))
	if err != nil {
		return fmt.Errorf("cannot remove from %s: %w", key, err)
	}

	return nil
}

// SMembers returns the members of the set at key.
func (p *Postgres) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT member FROM router_set WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", key, err)
	}
	defer rows.Close()

	out := []string{}

	for rows.Next() {
		var m string
		if err = rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", key, err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// SetEx sets key to value for ttl.
func (p *Postgres) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO router_string (key, value, expires_at) VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("cannot set %s: %w", key, err)
	}

	return nil
}

// Get returns the value of key, or store.ErrNotFound if it is absent or expired.
func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var v string

	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM router_string WHERE key = $1 AND expires_at > now()`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", key, err)
	}

	return v, nil
}

func (p *Postgres) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err = fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

func upsert(ctx context.Context, tx *sql.Tx, key string, fields map[string]string) error {
	for f, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO router_hash (key, field, value) VALUES ($1, $2, $3)
			ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`, key, f, v); err != nil {
			return err
		}
	}

	return nil
}
