package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
)

// ErrMissingCredentials is returned when a shop has no stored envelope.
var ErrMissingCredentials = errors.New("credentials: shop has no stored credentials")

// ShopStore is the OLTP surface the credential store needs.
type ShopStore interface {
	GetShop(ctx context.Context, shopID int64) (*domain.Shop, error)
	SetShopEnvelope(ctx context.Context, shopID int64, envelope []byte) error
}

// Prober validates credentials against the marketplace's no-op
// endpoints and reports which sub-APIs are reachable. Implemented by
// the ingest layer over the marketplace client.
type Prober interface {
	Probe(ctx context.Context, marketplace domain.Marketplace, creds *domain.Credentials) (warnings []string, err error)
}

// BreakerResetter force-closes the shop's circuit after a credential
// update.
type BreakerResetter interface {
	Reset(ctx context.Context, shopID int64) error
}

// Store retrieves and updates encrypted per-shop credentials.
type Store struct {
	cipher  *Cipher
	shops   ShopStore
	prober  Prober
	breaker BreakerResetter
}

// New builds the credential store.
func New(cipher *Cipher, shops ShopStore, prober Prober, breaker BreakerResetter) *Store {
	return &Store{cipher: cipher, shops: shops, prober: prober, breaker: breaker}
}

// Get reads the shop row and decrypts its envelope.
func (s *Store) Get(ctx context.Context, shopID int64) (*domain.Credentials, error) {
	shop, err := s.shops.GetShop(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if shop == nil {
		return nil, fmt.Errorf("credentials: shop %d not found", shopID)
	}
	if len(shop.Envelope) == 0 {
		return nil, ErrMissingCredentials
	}
	return s.cipher.Open(shop.Envelope)
}

// Set validates the credentials by probing the marketplace, encrypts
// and stores them, and resets the circuit breaker. Probe warnings
// enumerate unreachable sub-APIs; they are returned but never block
// storage.
func (s *Store) Set(ctx context.Context, shopID int64, marketplace domain.Marketplace, creds *domain.Credentials) ([]string, error) {
	if creds == nil || creds.Token == "" {
		return nil, errors.New("credentials: token is required")
	}

	warnings, err := s.prober.Probe(ctx, marketplace, creds)
	if err != nil {
		return warnings, fmt.Errorf("credentials: validation probe: %w", err)
	}

	envelope, err := s.cipher.Seal(creds)
	if err != nil {
		return warnings, err
	}
	if err := s.shops.SetShopEnvelope(ctx, shopID, envelope); err != nil {
		return warnings, err
	}
	if err := s.breaker.Reset(ctx, shopID); err != nil {
		return warnings, fmt.Errorf("credentials: breaker reset: %w", err)
	}
	return warnings, nil
}
