// Package ingest holds the per-marketplace pull-and-normalize bodies:
// each fetches raw payloads through the hardened client, normalizes
// them into typed rows, runs event detection and hands rows to the
// OLTP/OLAP writers.
package ingest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
	"github.com/sellerpulse/sellerpulse/ingestd/store"
)

// Task names. The dispatcher fans the sync_* tasks out per shop; the
// backfill task runs the orchestrator chain.
const (
	TaskSyncCampaigns = "sync_campaigns"
	TaskSyncPrices    = "sync_prices"
	TaskSyncStocks    = "sync_stocks"
	TaskSyncOrders    = "sync_orders"
	TaskSyncContent   = "sync_content"
	TaskSyncAds       = "sync_ads"
	TaskSyncDaily     = "sync_daily"
	TaskBackfill      = "backfill_shop"
)

// Caller is the outbound client surface.
type Caller interface {
	Do(ctx context.Context, shopID int64, creds *domain.Credentials, req marketplace.Request) (*marketplace.Response, error)
}

// CredentialSource decrypts per-shop credentials.
type CredentialSource interface {
	Get(ctx context.Context, shopID int64) (*domain.Credentials, error)
}

// BearerSource supplies Ozon Performance bearers.
type BearerSource interface {
	BearerHeader(ctx context.Context, shopID int64, creds *domain.Credentials) (http.Header, error)
}

// OLTP is the dimension-upsert surface.
type OLTP interface {
	UpsertProducts(ctx context.Context, rows []store.ProductRow) error
	UpsertWarehouses(ctx context.Context, rows []store.WarehouseRow) error
	UpsertContentHashes(ctx context.Context, rows []store.ContentHashRow) error
}

// OLAP is the fact-batch surface.
type OLAP interface {
	WriteOrders(ctx context.Context, rows []loader.OrderRow) error
	WriteFunnel(ctx context.Context, rows []loader.FunnelRow) error
	WriteFinance(ctx context.Context, rows []loader.FinanceRow) error
	WriteStocks(ctx context.Context, rows []loader.StockRow) error
	WritePrices(ctx context.Context, rows []loader.PriceRow) error
	WriteCampaigns(ctx context.Context, rows []loader.CampaignRow) error
	WriteAdStats(ctx context.Context, rows []loader.AdStatRow) error
	WriteBids(ctx context.Context, rows []loader.BidRow) error
	WriteReturns(ctx context.Context, rows []loader.ReturnRow) error
	WriteRatings(ctx context.Context, rows []loader.RatingRow) error
}

// Detector is the event-detection surface.
type Detector interface {
	DetectCampaign(ctx context.Context, shopID int64, mp domain.Marketplace, snap events.CampaignSnapshot) ([]events.Event, error)
	DetectPrice(ctx context.Context, shopID, nmID, price int64) ([]events.Event, error)
	DetectStock(ctx context.Context, shopID, nmID, warehouseID, qty int64) ([]events.Event, error)
	DetectContent(ctx context.Context, shopID int64, snap events.ContentSnapshot) ([]events.Event, error)
}

// Publisher accepts detected events for persistence.
type Publisher interface {
	Publish(events []events.Event)
}

// Service wires the pull bodies to their dependencies.
type Service struct {
	client   Caller
	creds    CredentialSource
	tokens   BearerSource
	oltp     OLTP
	olap     OLAP
	detector Detector
	recorder Publisher
	logger   *log.Logger
	now      func() time.Time
}

// New assembles the ingestion service.
func New(client Caller, creds CredentialSource, tokens BearerSource, oltp OLTP, olap OLAP, detector Detector, recorder Publisher, logger *log.Logger) *Service {
	return &Service{
		client:   client,
		creds:    creds,
		tokens:   tokens,
		oltp:     oltp,
		olap:     olap,
		detector: detector,
		recorder: recorder,
		logger:   logger.Named("ingest"),
		now:      time.Now,
	}
}

// dateWindow is an inclusive [From, To] pull range.
type dateWindow struct {
	From time.Time
	To   time.Time
}

// windows slices [from, to] into chunks of at most span, oldest first.
func windows(from, to time.Time, span time.Duration) []dateWindow {
	var out []dateWindow
	for cursor := from; cursor.Before(to); {
		end := cursor.Add(span)
		if end.After(to) {
			end = to
		}
		out = append(out, dateWindow{From: cursor, To: end})
		cursor = end
	}
	return out
}

// reverse flips a window slice in place (newest-first scans).
func reverse(ws []dateWindow) []dateWindow {
	for i, j := 0, len(ws)-1; i < j; i, j = i+1, j-1 {
		ws[i], ws[j] = ws[j], ws[i]
	}
	return ws
}

const dateLayout = "2006-01-02"

// parseCountString decodes integer fields that arrive as strings.
func parseCountString(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseSumString tolerates the decimal-string money fields both seller
// APIs ship. Empty and malformed values read as zero.
func parseSumString(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0
	}
	return f
}
