package ingest

import (
	"context"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/orchestrator"
)

// BackfillChains returns the ordered backfill chains per marketplace.
func (s *Service) BackfillChains() map[domain.Marketplace][]orchestrator.Step {
	return map[domain.Marketplace][]orchestrator.Step{
		domain.MarketplaceWildberries: {
			{Name: "content", Run: s.stepNoReport(s.SyncWBContent)},
			{Name: "orders", Run: s.BackfillWBOrders},
			{Name: "sales_funnel", Run: s.BackfillWBFunnel},
			{Name: "finance", Run: s.BackfillWBFinance},
			{Name: "ads_history", Run: s.BackfillWBAds},
			{Name: "commercial_data", Run: s.BackfillWBCommercial},
			{Name: "warehouses", Run: s.stepWBWarehouses},
		},
		domain.MarketplaceOzon: {
			{Name: "product_list", Run: s.BackfillOzonProductList},
			{Name: "product_snapshots", Run: s.stepNoReport(s.SyncOzonProducts)},
			{Name: "orders", Run: s.stepOzonOrders},
			{Name: "finance", Run: s.BackfillOzonFinance},
			{Name: "sales_funnel", Run: s.BackfillOzonFunnel},
			{Name: "returns", Run: s.BackfillOzonReturns},
			{Name: "warehouse_stocks", Run: s.stepNoReport(s.SyncOzonStocks)},
			{Name: "prices", Run: s.stepNoReport(s.SyncOzonPrices)},
			{Name: "seller_rating", Run: s.BackfillOzonSellerRating},
			{Name: "product_ratings", Run: s.BackfillOzonProductRatings},
			{Name: "content_hashes", Run: s.stepNoReport(s.SyncOzonContentHashes)},
			{Name: "campaigns", Run: s.stepNoReport(s.SyncOzonCampaigns)},
			{Name: "ads_history", Run: s.BackfillOzonAds},
		},
	}
}

// stepNoReport adapts a plain sync body into a chain step.
func (s *Service) stepNoReport(fn func(ctx context.Context, shopID int64) error) func(context.Context, int64, func(string)) error {
	return func(ctx context.Context, shopID int64, _ func(string)) error {
		return fn(ctx, shopID)
	}
}

func (s *Service) stepWBWarehouses(ctx context.Context, shopID int64, _ func(string)) error {
	_, err := s.SyncWBWarehouses(ctx, shopID)
	return err
}

func (s *Service) stepOzonOrders(ctx context.Context, shopID int64, _ func(string)) error {
	return s.SyncOzonOrders(ctx, shopID, s.now().UTC().AddDate(0, 0, -ozonOrdersDays))
}
