package store

import (
	"context"
	"time"
)

// Dimension rows are keyed by (shop, external id) and updated in place.
// Upserts are idempotent: replaying the same payload changes nothing.

// ProductRow is the OLTP product dimension.
type ProductRow struct {
	ShopID    int64
	NmID      int64
	Article   string
	Title     string
	Brand     string
	Barcode   string
	UpdatedAt time.Time
}

// UpsertProducts writes product dimension rows.
func (s *Postgres) UpsertProducts(ctx context.Context, rows []ProductRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO products (shop_id, nm_id, article, title, brand, barcode, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (shop_id, nm_id) DO UPDATE SET
			article = EXCLUDED.article,
			title = EXCLUDED.title,
			brand = EXCLUDED.brand,
			barcode = EXCLUDED.barcode,
			updated_at = EXCLUDED.updated_at
	`
	for _, r := range rows {
		if _, err := tx.Exec(ctx, query,
			r.ShopID, r.NmID, r.Article, r.Title, r.Brand, r.Barcode, r.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// WarehouseRow is the warehouse dimension.
type WarehouseRow struct {
	ShopID      int64
	WarehouseID int64
	Name        string
	Kind        string
}

// UpsertWarehouses writes warehouse dimension rows.
func (s *Postgres) UpsertWarehouses(ctx context.Context, rows []WarehouseRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO warehouses (shop_id, warehouse_id, name, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_id, warehouse_id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind
	`
	for _, r := range rows {
		if _, err := s.pool.Exec(ctx, query, r.ShopID, r.WarehouseID, r.Name, r.Kind); err != nil {
			return err
		}
	}
	return nil
}

// ContentHashRow stores the latest content fingerprint per product for
// reporting joins (the diffing source of truth stays in Redis).
type ContentHashRow struct {
	ShopID      int64
	NmID        int64
	Fingerprint string
	UpdatedAt   time.Time
}

// UpsertContentHashes writes content fingerprint rows.
func (s *Postgres) UpsertContentHashes(ctx context.Context, rows []ContentHashRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO content_hashes (shop_id, nm_id, fingerprint, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_id, nm_id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			updated_at = EXCLUDED.updated_at
	`
	for _, r := range rows {
		if _, err := s.pool.Exec(ctx, query, r.ShopID, r.NmID, r.Fingerprint, r.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}
