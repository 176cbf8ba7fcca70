// Package state provides typed Redis state for event diffing, sticky
// proxy bindings, dedup tokens and distributed locks.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sellerpulse/sellerpulse/ingestd/observability"
)

// TTLs per key family.
const (
	PriceTTL    = 7 * 24 * time.Hour
	StockTTL    = 3 * 24 * time.Hour
	ContentTTL  = 3 * 24 * time.Hour
	CampaignTTL = 7 * 24 * time.Hour
	ProgressTTL = 24 * time.Hour
)

// ErrNotFound is returned by typed getters when no state exists yet.
// Callers treat it as "first snapshot; no events".
var ErrNotFound = errors.New("state: key not found")

// Store wraps a Redis client with the key discipline of the fabric.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying client to components that need raw
// commands (limiter sorted sets).
func (s *Store) Client() *redis.Client {
	return s.client
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Scalar state (price, stock, content fingerprint) ---

// GetInt reads an integer scalar, ErrNotFound when absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// SetInt writes an integer scalar with a TTL.
func (s *Store) SetInt(ctx context.Context, key string, val int64, ttl time.Duration) error {
	defer observe(time.Now())
	return s.client.Set(ctx, key, strconv.FormatInt(val, 10), ttl).Err()
}

// GetString reads a string scalar, ErrNotFound when absent.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// SetString writes a string scalar with a TTL.
func (s *Store) SetString(ctx context.Context, key, val string, ttl time.Duration) error {
	defer observe(time.Now())
	return s.client.Set(ctx, key, val, ttl).Err()
}

// --- Campaign state hash ---

// CampaignState is the per-campaign diff state.
type CampaignState struct {
	Bid    int64            `json:"bid"`
	Status string           `json:"status"`
	Budget float64          `json:"budget"`
	Items  []int64          `json:"items"`
	// ItemBids carries per-item bids for campaign kinds that bid per nm.
	ItemBids map[int64]int64 `json:"item_bids,omitempty"`
	// PendingRemoved backs the two-snapshot debounce for ITEM_REMOVE:
	// items missing from one snapshot are parked here and only reported
	// when missing twice in a row.
	PendingRemoved []int64 `json:"pending_removed,omitempty"`
	// InactiveItems are items already reported inactive; suppresses
	// re-emission until the item recovers.
	InactiveItems []int64 `json:"inactive_items,omitempty"`
}

// GetCampaign reads campaign state, ErrNotFound when absent.
func (s *Store) GetCampaign(ctx context.Context, shopID, campaignID int64) (*CampaignState, error) {
	defer observe(time.Now())
	data, err := s.client.Get(ctx, CampaignKey(shopID, campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cs CampaignState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// SetCampaign writes the full campaign state.
func (s *Store) SetCampaign(ctx context.Context, shopID, campaignID int64, cs *CampaignState) error {
	defer observe(time.Now())
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, CampaignKey(shopID, campaignID), data, CampaignTTL).Err()
}

// --- JSON blobs (progress records) ---

// SetJSON marshals v into key with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	defer observe(time.Now())
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON unmarshals key into v, ErrNotFound when absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	defer observe(time.Now())
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- Locks and dedup tokens ---

// releaseScript deletes the key only when held by owner.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// AcquireLock sets key=owner NX with a TTL. Returns false when the lock
// is already held.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return s.client.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLock releases the lock only if held by owner.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	defer observe(time.Now())
	return s.client.Eval(ctx, releaseScript, []string{key}, owner).Err()
}

// LockOwner returns the current owner, empty when unheld.
func (s *Store) LockOwner(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// --- Counters and sets (circuit breaker) ---

// Incr increments a counter and refreshes its TTL.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	defer observe(time.Now())
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SAddCount adds member to a set, refreshes its TTL and returns the
// resulting cardinality.
func (s *Store) SAddCount(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	defer observe(time.Now())
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	defer observe(time.Now())
	return s.client.Del(ctx, keys...).Err()
}

// PurgeShop removes all per-shop keys across every family. Used by the
// cascade delete path.
func (s *Store) PurgeShop(ctx context.Context, shopID int64) error {
	for _, pattern := range shopPatterns(shopID) {
		iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
