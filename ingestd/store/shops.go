package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
)

// CreateShop inserts a shop row and returns its id. New shops start in
// paused until the first backfill flips them.
func (s *Postgres) CreateShop(ctx context.Context, shop *domain.Shop) (int64, error) {
	query := `
		INSERT INTO shops (owner_id, name, marketplace, status, status_message, envelope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, query,
		shop.OwnerID, shop.Name, shop.Marketplace, shop.Status, shop.StatusMessage, shop.Envelope,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create shop: %w", err)
	}
	return id, nil
}

// GetShop returns the shop row, nil when absent.
func (s *Postgres) GetShop(ctx context.Context, shopID int64) (*domain.Shop, error) {
	query := `
		SELECT id, owner_id, name, marketplace, status, status_message, envelope, created_at, updated_at
		FROM shops WHERE id = $1
	`
	var shop domain.Shop
	err := s.pool.QueryRow(ctx, query, shopID).Scan(
		&shop.ID, &shop.OwnerID, &shop.Name, &shop.Marketplace, &shop.Status,
		&shop.StatusMessage, &shop.Envelope, &shop.CreatedAt, &shop.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

// ListActiveShops returns shops eligible for periodic dispatch,
// optionally filtered by marketplace.
func (s *Postgres) ListActiveShops(ctx context.Context, mp domain.Marketplace) ([]*domain.Shop, error) {
	query := `
		SELECT id, owner_id, name, marketplace, status, status_message, envelope, created_at, updated_at
		FROM shops WHERE status IN ('active', 'syncing')
	`
	args := []any{}
	if mp != "" {
		query += ` AND marketplace = $1`
		args = append(args, mp)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shops []*domain.Shop
	for rows.Next() {
		var shop domain.Shop
		if err := rows.Scan(
			&shop.ID, &shop.OwnerID, &shop.Name, &shop.Marketplace, &shop.Status,
			&shop.StatusMessage, &shop.Envelope, &shop.CreatedAt, &shop.UpdatedAt,
		); err != nil {
			return nil, err
		}
		shops = append(shops, &shop)
	}
	return shops, rows.Err()
}

// SetShopStatus writes the lifecycle status and message.
func (s *Postgres) SetShopStatus(ctx context.Context, shopID int64, status domain.ShopStatus, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE shops SET status = $2, status_message = $3, updated_at = NOW() WHERE id = $1`,
		shopID, status, message)
	return err
}

// SetShopEnvelope replaces the encrypted credential blob.
func (s *Postgres) SetShopEnvelope(ctx context.Context, shopID int64, envelope []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE shops SET envelope = $2, updated_at = NOW() WHERE id = $1`,
		shopID, envelope)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set envelope: shop %d not found", shopID)
	}
	return nil
}

// DeleteShop removes the shop and its OLTP children. Event log rows,
// dimension rows and call traces cascade here; OLAP and Redis cleanup
// is the caller's responsibility.
func (s *Postgres) DeleteShop(ctx context.Context, shopID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{
		"event_log", "api_call_log", "products", "warehouses", "content_hashes",
	} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE shop_id = $1`, shopID); err != nil {
			return fmt.Errorf("cascade delete %s: %w", table, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM shops WHERE id = $1`, shopID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
