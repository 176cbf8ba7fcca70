// Package loader converts normalized records into typed batches and
// appends them to the OLAP store.
//
// Write path conventions: fact tables are append-only with a version
// column set to wall-clock time at write; deduplication happens on
// read via FINAL (or an argMax projection), never via read-before-write.
// Ad/bid history tables append without replacement.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/sellerpulse/sellerpulse/ingestd/observability"
)

// Batch size bounds per the ClickHouse insert guidance for this schema.
const (
	MinBatch = 500
	MaxBatch = 1000
)

// Conn wraps a ClickHouse native connection.
type Conn struct {
	conn driver.Conn
	db   string
}

// Options configures the OLAP connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Connect opens and verifies the native connection.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Conn{conn: conn, db: opts.Database}, nil
}

// NewConnFromDriver wraps an existing driver connection. Used by tests.
func NewConnFromDriver(conn driver.Conn, db string) *Conn {
	return &Conn{conn: conn, db: db}
}

// appendRows flushes rows into table in batches of at most MaxBatch.
func (c *Conn) appendRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	for start := 0; start < len(rows); start += MaxBatch {
		end := min(start+MaxBatch, len(rows))
		if err := c.appendBatch(ctx, table, columns, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) appendBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s.%s (%s)", c.db, table, joinColumns(columns))
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch %s: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append to %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch %s: %w", table, err)
	}
	observability.LoaderRows.WithLabelValues(table).Add(float64(len(rows)))
	observability.LoaderBatchSize.WithLabelValues(table).Observe(float64(len(rows)))
	return nil
}

func joinColumns(columns []string) string {
	out := ""
	for i, col := range columns {
		if i > 0 {
			out += ", "
		}
		out += col
	}
	return out
}

// CountDeduplicated returns the reader-visible row count for a shop in
// a replacing table. Readers must always go through FINAL (or an
// argMax projection); skipping it surfaces stale versions.
func (c *Conn) CountDeduplicated(ctx context.Context, table string, shopID int64) (uint64, error) {
	var count uint64
	query := fmt.Sprintf("SELECT count() FROM %s.%s FINAL WHERE shop_id = ?", c.db, table)
	if err := c.conn.QueryRow(ctx, query, shopID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeShop removes a shop's rows from the OLAP tables. Lightweight
// deletes run asynchronously server-side; this is the cascade-delete
// path, not a hot path.
func (c *Conn) PurgeShop(ctx context.Context, shopID int64) error {
	for _, table := range factTables {
		query := fmt.Sprintf("DELETE FROM %s.%s WHERE shop_id = ?", c.db, table)
		if err := c.conn.Exec(ctx, query, shopID); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

var factTables = []string{
	"orders", "sales_funnel", "finance", "stocks", "prices",
	"campaign_snapshots", "ad_stats", "bid_history", "returns", "ratings",
}
