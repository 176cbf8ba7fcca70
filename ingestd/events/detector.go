package events

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

// budgetEpsilon suppresses float noise on campaign budgets.
const budgetEpsilon = 0.01

// replenishJump is the minimum stock jump from zero that counts as a
// replenishment rather than an inventory correction.
const replenishJump = 50

// bidFloors are per-marketplace debounce floors for bid oscillations.
var bidFloors = map[domain.Marketplace]int64{
	domain.MarketplaceWildberries: 5,
	domain.MarketplaceOzon:        1,
}

// Detector diffs snapshots against Redis state. Aside from loading and
// storing that state it is pure: replaying the same snapshot against
// the post-state yields no events.
type Detector struct {
	state *state.Store
	now   func() time.Time
}

// NewDetector builds a detector over the shared state store.
func NewDetector(st *state.Store) *Detector {
	return &Detector{state: st, now: time.Now}
}

func (d *Detector) event(shopID int64, t Type, old, new string, meta map[string]string) Event {
	return Event{
		CreatedAt: d.now().UTC(),
		ShopID:    shopID,
		Type:      t,
		OldValue:  old,
		NewValue:  new,
		Meta:      meta,
	}
}

// --- Campaign diffing ---

// CampaignSnapshot is a normalized view of one ad campaign.
type CampaignSnapshot struct {
	CampaignID int64
	Kind       string // marketplace-specific campaign kind tag
	Bid        int64
	ItemBids   map[int64]int64
	Status     string
	Budget     float64
	Items      []int64
	// Impressions per item over the reporting window; used for the
	// ITEM_INACTIVE heuristic. Nil when the report is unavailable.
	Impressions map[int64]int64
	// Stocks per item, when known at snapshot time.
	Stocks map[int64]int64
}

// DetectCampaign compares a campaign snapshot with the stored state and
// returns the emitted events. The post-state is written back before
// returning.
func (d *Detector) DetectCampaign(ctx context.Context, shopID int64, mp domain.Marketplace, snap CampaignSnapshot) ([]Event, error) {
	prev, err := d.state.GetCampaign(ctx, shopID, snap.CampaignID)
	first := errors.Is(err, state.ErrNotFound)
	if err != nil && !first {
		return nil, err
	}

	var events []Event
	meta := map[string]string{"campaign_kind": snap.Kind}
	cid := snap.CampaignID

	next := &state.CampaignState{
		Bid:      snap.Bid,
		Status:   snap.Status,
		Budget:   snap.Budget,
		Items:    append([]int64(nil), snap.Items...),
		ItemBids: maps.Clone(snap.ItemBids),
	}

	if !first {
		floor := bidFloors[mp]

		if delta := snap.Bid - prev.Bid; delta != 0 && abs64(delta) >= floor {
			ev := d.event(shopID, BidChange, formatInt(prev.Bid), formatInt(snap.Bid), meta)
			ev.CampaignID = &cid
			events = append(events, ev)
		}

		for nm, bid := range snap.ItemBids {
			prevBid, ok := prev.ItemBids[nm]
			if !ok || bid == prevBid || abs64(bid-prevBid) < floor {
				continue
			}
			itemMeta := map[string]string{"campaign_kind": snap.Kind, "reason": "item_bid"}
			ev := d.event(shopID, BidChange, formatInt(prevBid), formatInt(bid), itemMeta)
			ev.CampaignID = &cid
			nmCopy := nm
			ev.ProductID = &nmCopy
			events = append(events, ev)
		}

		if snap.Status != prev.Status {
			ev := d.event(shopID, StatusChange, prev.Status, snap.Status, meta)
			ev.CampaignID = &cid
			events = append(events, ev)
		}

		if math.Abs(snap.Budget-prev.Budget) > budgetEpsilon {
			ev := d.event(shopID, BudgetChange, formatFloat(prev.Budget), formatFloat(snap.Budget), meta)
			ev.CampaignID = &cid
			events = append(events, ev)
		}

		added, removed := diffSets(prev.Items, snap.Items)
		for _, nm := range added {
			ev := d.event(shopID, ItemAdd, "", formatInt(nm), meta)
			ev.CampaignID = &cid
			nmCopy := nm
			ev.ProductID = &nmCopy
			events = append(events, ev)
		}

		// Two-snapshot debounce for removals: a transient API omission
		// parks the item as pending; only a second consecutive miss
		// fires the event. Parked items stay in the stored item set so
		// a flicker back does not read as an addition.
		pending := toSet(prev.PendingRemoved)
		for _, nm := range removed {
			if pending[nm] {
				ev := d.event(shopID, ItemRemove, formatInt(nm), "", meta)
				ev.CampaignID = &cid
				nmCopy := nm
				ev.ProductID = &nmCopy
				events = append(events, ev)
			} else {
				next.PendingRemoved = append(next.PendingRemoved, nm)
				next.Items = append(next.Items, nm)
			}
		}
	}

	// Inactivity heuristic for active campaigns. Items already reported
	// stay suppressed until they recover, so replaying a snapshot emits
	// nothing new.
	if strings.EqualFold(snap.Status, "active") {
		var alreadyInactive map[int64]bool
		if prev != nil {
			alreadyInactive = toSet(prev.InactiveItems)
		}
		for _, nm := range snap.Items {
			var reason string
			if imp, ok := snap.Impressions[nm]; ok && imp == 0 {
				reason = "zero_impressions"
			}
			if stock, ok := snap.Stocks[nm]; ok && stock == 0 {
				reason = "zero_stock"
			}
			if reason == "" {
				continue
			}
			next.InactiveItems = append(next.InactiveItems, nm)
			if first || alreadyInactive[nm] {
				continue
			}
			itemMeta := map[string]string{"campaign_kind": snap.Kind, "reason": reason}
			ev := d.event(shopID, ItemInactive, "", formatInt(nm), itemMeta)
			ev.CampaignID = &cid
			nmCopy := nm
			ev.ProductID = &nmCopy
			events = append(events, ev)
		}
	}

	if err := d.state.SetCampaign(ctx, shopID, snap.CampaignID, next); err != nil {
		return nil, err
	}
	return events, nil
}

// --- Price diffing ---

// DetectPrice compares the product price with stored state.
func (d *Detector) DetectPrice(ctx context.Context, shopID, nmID, price int64) ([]Event, error) {
	key := state.PriceKey(shopID, nmID)
	prev, err := d.state.GetInt(ctx, key)
	first := errors.Is(err, state.ErrNotFound)
	if err != nil && !first {
		return nil, err
	}

	var events []Event
	if !first && prev != price {
		ev := d.event(shopID, PriceChange, formatInt(prev), formatInt(price), nil)
		ev.ProductID = &nmID
		events = append(events, ev)
	}
	if err := d.state.SetInt(ctx, key, price, state.PriceTTL); err != nil {
		return nil, err
	}
	return events, nil
}

// --- Stock diffing ---

// DetectStock compares per-warehouse stock with stored state.
// STOCK_OUT fires on any drop to zero; STOCK_REPLENISH only on a large
// jump from zero (small increments are corrections, not deliveries).
func (d *Detector) DetectStock(ctx context.Context, shopID, nmID, warehouseID, qty int64) ([]Event, error) {
	key := state.StockKey(shopID, nmID, warehouseID)
	prev, err := d.state.GetInt(ctx, key)
	first := errors.Is(err, state.ErrNotFound)
	if err != nil && !first {
		return nil, err
	}

	var events []Event
	if !first {
		meta := map[string]string{"warehouse_id": formatInt(warehouseID)}
		switch {
		case prev > 0 && qty == 0:
			ev := d.event(shopID, StockOut, formatInt(prev), "0", meta)
			ev.ProductID = &nmID
			events = append(events, ev)
		case prev == 0 && qty-prev >= replenishJump:
			ev := d.event(shopID, StockReplenish, "0", formatInt(qty), meta)
			ev.ProductID = &nmID
			events = append(events, ev)
		}
	}
	if err := d.state.SetInt(ctx, key, qty, state.StockTTL); err != nil {
		return nil, err
	}
	return events, nil
}

// --- Content diffing ---

// ContentSnapshot is a normalized product card.
type ContentSnapshot struct {
	NmID        int64
	Title       string
	Description string
	Photos      []string
}

// Fingerprint renders the card as
// "title-md5|desc-md5|main-photo-id|photo-order-md5". The same value
// is persisted to the OLTP content_hashes dimension.
func (s *ContentSnapshot) Fingerprint() string {
	ids := photoIDs(s.Photos)
	main := ""
	if len(ids) > 0 {
		main = ids[0]
	}
	return strings.Join([]string{
		hashString(canonicalize(s.Title)),
		hashString(canonicalize(s.Description)),
		main,
		hashString(strings.Join(ids, ",")),
	}, "|")
}

// DetectContent compares the content fingerprint with stored state.
func (d *Detector) DetectContent(ctx context.Context, shopID int64, snap ContentSnapshot) ([]Event, error) {
	key := state.ContentKey(shopID, snap.NmID)
	fp := snap.Fingerprint()

	prev, err := d.state.GetString(ctx, key)
	first := errors.Is(err, state.ErrNotFound)
	if err != nil && !first {
		return nil, err
	}

	var events []Event
	if !first && prev != fp {
		prevParts := strings.SplitN(prev, "|", 4)
		newParts := strings.SplitN(fp, "|", 4)
		if len(prevParts) == 4 && len(newParts) == 4 {
			nm := snap.NmID
			add := func(t Type, old, new string) {
				ev := d.event(shopID, t, old, new, nil)
				ev.ProductID = &nm
				events = append(events, ev)
			}
			if prevParts[0] != newParts[0] {
				add(ContentTitleChanged, prevParts[0], newParts[0])
			}
			if prevParts[1] != newParts[1] {
				add(ContentDescChanged, prevParts[1], newParts[1])
			}
			if prevParts[2] != newParts[2] {
				add(ContentMainPhotoChanged, prevParts[2], newParts[2])
			}
			if prevParts[3] != newParts[3] {
				add(ContentPhotoOrderChanged, prevParts[3], newParts[3])
			}
		}
	}
	if err := d.state.SetString(ctx, key, fp, state.ContentTTL); err != nil {
		return nil, err
	}
	return events, nil
}

// --- helpers ---

// canonicalize collapses whitespace and case so cosmetic re-encodes do
// not read as edits.
func canonicalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func hashString(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// photoIDs extracts stable photo identifiers from CDN URLs. The CDN
// rotates host shards and appends cache-busting query salt; the path
// basename is the stable part.
func photoIDs(photos []string) []string {
	ids := make([]string, 0, len(photos))
	for _, p := range photos {
		u, err := url.Parse(p)
		if err != nil {
			ids = append(ids, p)
			continue
		}
		ids = append(ids, path.Base(u.Path))
	}
	return ids
}

func diffSets(prev, next []int64) (added, removed []int64) {
	prevSet := toSet(prev)
	nextSet := toSet(next)
	for nm := range nextSet {
		if !prevSet[nm] {
			added = append(added, nm)
		}
	}
	for nm := range prevSet {
		if !nextSet[nm] {
			removed = append(removed, nm)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed
}

func toSet(items []int64) map[int64]bool {
	set := make(map[int64]bool, len(items))
	for _, nm := range items {
		set[nm] = true
	}
	return set
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
