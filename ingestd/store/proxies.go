package store

import (
	"context"
	"fmt"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
)

// ListActiveProxies returns proxies eligible for leasing.
func (s *Postgres) ListActiveProxies(ctx context.Context) ([]*domain.Proxy, error) {
	query := `
		SELECT id, host, port, protocol, kind, username, password, status, success_count, failure_count
		FROM proxies WHERE status = 'active' ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*domain.Proxy
	for rows.Next() {
		var p domain.Proxy
		var sealed []byte
		if err := rows.Scan(
			&p.ID, &p.Host, &p.Port, &p.Protocol, &p.Kind, &p.Username,
			&sealed, &p.Status, &p.SuccessCount, &p.FailureCount,
		); err != nil {
			return nil, err
		}
		if len(sealed) > 0 {
			password, err := s.secrets.OpenString(sealed)
			if err != nil {
				return nil, fmt.Errorf("proxy %d: open password: %w", p.ID, err)
			}
			p.Password = password
		}
		proxies = append(proxies, &p)
	}
	return proxies, rows.Err()
}

// UpsertProxy inserts or updates a proxy record by (host, port). The
// password column only ever holds the sealed envelope.
func (s *Postgres) UpsertProxy(ctx context.Context, p *domain.Proxy) error {
	var sealed []byte
	if p.Password != "" {
		var err error
		sealed, err = s.secrets.SealString(p.Password)
		if err != nil {
			return fmt.Errorf("seal proxy password: %w", err)
		}
	}
	query := `
		INSERT INTO proxies (host, port, protocol, kind, username, password, status, success_count, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0)
		ON CONFLICT (host, port) DO UPDATE SET
			protocol = EXCLUDED.protocol,
			kind = EXCLUDED.kind,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			status = EXCLUDED.status
	`
	_, err := s.pool.Exec(ctx, query, p.Host, p.Port, p.Protocol, p.Kind, p.Username, sealed, p.Status)
	return err
}

// IncrProxySuccess atomically bumps the success counter.
func (s *Postgres) IncrProxySuccess(ctx context.Context, proxyID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET success_count = success_count + 1 WHERE id = $1`, proxyID)
	return err
}

// IncrProxyFailure atomically bumps the failure counter.
func (s *Postgres) IncrProxyFailure(ctx context.Context, proxyID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET failure_count = failure_count + 1 WHERE id = $1`, proxyID)
	return err
}

// SetProxyStatus moves a proxy between lifecycle states.
func (s *Postgres) SetProxyStatus(ctx context.Context, proxyID int64, status domain.ProxyStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE proxies SET status = $2 WHERE id = $1`, proxyID, status)
	return err
}
