// Package store is the OLTP persistence layer: shops, proxies, the
// append-only event log and per-marketplace dimension tables.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SecretCipher seals short secrets (proxy passwords) at the row
// boundary. Implemented by the credentials cipher.
type SecretCipher interface {
	SealString(s string) ([]byte, error)
	OpenString(envelope []byte) (string, error)
}

// Postgres wraps a pgx connection pool.
type Postgres struct {
	pool    *pgxpool.Pool
	secrets SecretCipher
}

// NewPostgres initializes the pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, secrets SecretCipher) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, secrets: secrets}, nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}
