package events

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

func testDetector(t *testing.T) *Detector {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewDetector(state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
}

func types(evs []Event) []Type {
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestDetectPrice(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	// First observation seeds state, no event.
	evs, err := d.DetectPrice(ctx, 1, 100, 4990)
	require.NoError(t, err)
	require.Empty(t, evs)

	evs, err = d.DetectPrice(ctx, 1, 100, 4490)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, PriceChange, evs[0].Type)
	require.Equal(t, "4990", evs[0].OldValue)
	require.Equal(t, "4490", evs[0].NewValue)
	require.Equal(t, int64(100), *evs[0].ProductID)

	// Replaying the same price against the post-state is silent.
	evs, err = d.DetectPrice(ctx, 1, 100, 4490)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestDetectStock(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	_, err := d.DetectStock(ctx, 1, 100, 5, 30)
	require.NoError(t, err)

	evs, err := d.DetectStock(ctx, 1, 100, 5, 0)
	require.NoError(t, err)
	require.Equal(t, []Type{StockOut}, types(evs))

	// A small bump from zero is a correction, not a delivery.
	evs, err = d.DetectStock(ctx, 1, 100, 5, replenishJump-1)
	require.NoError(t, err)
	require.Empty(t, evs)

	_, err = d.DetectStock(ctx, 1, 100, 5, 0)
	require.NoError(t, err)
	evs, err = d.DetectStock(ctx, 1, 100, 5, replenishJump)
	require.NoError(t, err)
	require.Equal(t, []Type{StockReplenish}, types(evs))

	// Per-warehouse isolation: the other warehouse has no prior state.
	evs, err = d.DetectStock(ctx, 1, 100, 6, 0)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestDetectCampaignBidFloor(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	base := CampaignSnapshot{CampaignID: 55, Kind: "auto", Status: "active", Bid: 200}
	_, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)

	// WB debounce floor is 5: a 4-unit wiggle is noise.
	small := base
	small.Bid = 204
	evs, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, small)
	require.NoError(t, err)
	require.Empty(t, evs)

	big := small
	big.Bid = 250
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, big)
	require.NoError(t, err)
	require.Equal(t, []Type{BidChange}, types(evs))
	require.Equal(t, "204", evs[0].OldValue)
	require.Equal(t, "250", evs[0].NewValue)
}

func TestDetectCampaignStatusAndBudget(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	base := CampaignSnapshot{CampaignID: 55, Kind: "search", Status: "active", Bid: 200, Budget: 1000}
	_, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)

	next := base
	next.Status = "paused"
	next.Budget = 1500
	evs, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, next)
	require.NoError(t, err)
	require.ElementsMatch(t, []Type{StatusChange, BudgetChange}, types(evs))

	// Budget float noise under the epsilon stays silent.
	noisy := next
	noisy.Budget = 1500.005
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, noisy)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestDetectCampaignSnapshotNotAliased(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	snap := CampaignSnapshot{
		CampaignID: 55,
		Kind:       "auto",
		Status:     "active",
		Bid:        200,
		Items:      []int64{100},
		ItemBids:   map[int64]int64{100: 300},
	}
	_, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, snap)
	require.NoError(t, err)

	// The stored state must not share the caller's map: mutating the
	// snapshot after detection cannot rewrite history.
	snap.ItemBids[100] = 999

	same := CampaignSnapshot{
		CampaignID: 55,
		Kind:       "auto",
		Status:     "active",
		Bid:        200,
		Items:      []int64{100},
		ItemBids:   map[int64]int64{100: 300},
	}
	evs, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, same)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestDetectCampaignItemRemoveDebounce(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	base := CampaignSnapshot{CampaignID: 55, Kind: "auto", Status: "paused", Bid: 200, Items: []int64{100, 101}}
	_, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)

	// First miss parks the item; no event yet.
	missing := base
	missing.Items = []int64{100}
	evs, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, missing)
	require.NoError(t, err)
	require.Empty(t, evs)

	// Second consecutive miss fires the removal.
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, missing)
	require.NoError(t, err)
	require.Equal(t, []Type{ItemRemove}, types(evs))
	require.Equal(t, int64(101), *evs[0].ProductID)

	// The item coming back reads as an addition.
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)
	require.Equal(t, []Type{ItemAdd}, types(evs))

	// A single-snapshot flicker (miss then reappear) stays silent.
	missOnce := base
	missOnce.Items = []int64{100}
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, missOnce)
	require.NoError(t, err)
	require.Empty(t, evs)
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestDetectCampaignItemInactive(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	base := CampaignSnapshot{
		CampaignID:  55,
		Kind:        "auto",
		Status:      "active",
		Bid:         200,
		Items:       []int64{100},
		Impressions: map[int64]int64{100: 0},
	}
	// First snapshot seeds state and suppresses the report.
	evs, err := d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)
	require.Empty(t, evs)

	// Still inactive on the next snapshot: already recorded, stays quiet.
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)
	require.Empty(t, evs)

	// Recovery, then inactivity again: reports once.
	recovered := base
	recovered.Impressions = map[int64]int64{100: 12}
	_, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, recovered)
	require.NoError(t, err)
	evs, err = d.DetectCampaign(ctx, 1, domain.MarketplaceWildberries, base)
	require.NoError(t, err)
	require.Equal(t, []Type{ItemInactive}, types(evs))
	require.Equal(t, "zero_impressions", evs[0].Meta["reason"])
}

func TestDetectContent(t *testing.T) {
	d := testDetector(t)
	ctx := context.Background()

	base := ContentSnapshot{
		NmID:        100,
		Title:       "Winter jacket",
		Description: "Warm and light",
		Photos: []string{
			"https://basket-01.wb.ru/vol1/photo-a.jpg?sign=abc",
			"https://basket-01.wb.ru/vol1/photo-b.jpg?sign=abc",
		},
	}
	evs, err := d.DetectContent(ctx, 1, base)
	require.NoError(t, err)
	require.Empty(t, evs)

	// CDN shard and query-salt rotation is not an edit.
	rotated := base
	rotated.Photos = []string{
		"https://basket-07.wb.ru/vol9/photo-a.jpg?sign=zzz",
		"https://basket-07.wb.ru/vol9/photo-b.jpg?sign=zzz",
	}
	evs, err = d.DetectContent(ctx, 1, rotated)
	require.NoError(t, err)
	require.Empty(t, evs)

	// Case and whitespace changes are cosmetic.
	cosmetic := base
	cosmetic.Title = "  WINTER   Jacket "
	evs, err = d.DetectContent(ctx, 1, cosmetic)
	require.NoError(t, err)
	require.Empty(t, evs)

	retitled := base
	retitled.Title = "Spring jacket"
	evs, err = d.DetectContent(ctx, 1, retitled)
	require.NoError(t, err)
	require.Equal(t, []Type{ContentTitleChanged}, types(evs))

	// Reordering photos moves the main photo and the order hash.
	reordered := retitled
	reordered.Photos = []string{base.Photos[1], base.Photos[0]}
	evs, err = d.DetectContent(ctx, 1, reordered)
	require.NoError(t, err)
	require.ElementsMatch(t, []Type{ContentMainPhotoChanged, ContentPhotoOrderChanged}, types(evs))
}
