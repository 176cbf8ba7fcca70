package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
)

// AppendEvents writes event records to the append-only audit log.
// Rows are never updated or deleted.
func (s *Postgres) AppendEvents(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO event_log (created_at, shop_id, campaign_id, product_id, event_type, old_value, new_value, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, ev := range batch {
		var meta []byte
		if len(ev.Meta) > 0 {
			meta, err = json.Marshal(ev.Meta)
			if err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, query,
			ev.CreatedAt, ev.ShopID, ev.CampaignID, ev.ProductID,
			ev.Type, ev.OldValue, ev.NewValue, meta,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListEvents returns the most recent events for a shop, newest first.
// Serves the façade's event feed.
func (s *Postgres) ListEvents(ctx context.Context, shopID int64, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT created_at, shop_id, campaign_id, product_id, event_type, old_value, new_value, meta
		FROM event_log WHERE shop_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, shopID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var meta []byte
		if err := rows.Scan(
			&ev.CreatedAt, &ev.ShopID, &ev.CampaignID, &ev.ProductID,
			&ev.Type, &ev.OldValue, &ev.NewValue, &meta,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LogCall appends one structured call trace. Best-effort with its own
// short deadline: the call log shares the store with business writes,
// and a logging failure must never fail the caller.
func (s *Postgres) LogCall(ctx context.Context, rec marketplace.CallRecord) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	query := `
		INSERT INTO api_call_log (created_at, shop_id, endpoint, method, path, status_code, attempts, proxy_id, duration_ms, outcome)
		VALUES (NOW(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	//nolint:errcheck // best-effort by contract
	s.pool.Exec(logCtx, query,
		rec.ShopID, rec.Endpoint, rec.Method, rec.Path, rec.StatusCode,
		rec.Attempts, rec.ProxyID, rec.DurationMS, rec.Outcome)
}

// RateOverride is an operator-set limiter override row.
type RateOverride struct {
	Scope         string
	WindowSeconds int
	MaxRequests   int
}

// ListRateOverrides returns limiter overrides applied at construction.
func (s *Postgres) ListRateOverrides(ctx context.Context) ([]RateOverride, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope, window_seconds, max_requests FROM rate_limit_overrides`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []RateOverride
	for rows.Next() {
		var o RateOverride
		if err := rows.Scan(&o.Scope, &o.WindowSeconds, &o.MaxRequests); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}
