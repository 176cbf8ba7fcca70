package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sellerpulse/sellerpulse/ingestd/dispatcher"
	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/orchestrator"
	"github.com/sellerpulse/sellerpulse/ingestd/tasks"
)

// Dispatch task names: each expands into per-shop submissions.
const (
	TaskDispatchCampaigns = "dispatch_campaigns"
	TaskDispatchPrices    = "dispatch_prices"
	TaskDispatchStocks    = "dispatch_stocks"
	TaskDispatchOrders    = "dispatch_orders"
	TaskDispatchContent   = "dispatch_content"
	TaskDispatchAds       = "dispatch_ads"
	TaskDispatchDaily     = "dispatch_daily"
)

// ShopGetter resolves a shop row for marketplace routing.
type ShopGetter interface {
	GetShop(ctx context.Context, shopID int64) (*domain.Shop, error)
}

// ordersSyncHorizon is the periodic (non-backfill) order pull depth.
const ordersSyncHorizon = 7 * 24 * time.Hour

// RegisterTasks binds every task body into the registry. Per-shop
// handlers are wrapped with the dispatcher's lock release.
func (s *Service) RegisterTasks(reg *tasks.Registry, d *dispatcher.Dispatcher, shops ShopGetter, orch *orchestrator.Orchestrator) {
	perShop := func(queue, name string, wb, ozon func(ctx context.Context, shopID int64) error) {
		reg.Register(name, queue, d.Wrap(func(ctx context.Context, task *tasks.Task) error {
			args, err := dispatcher.ParseShopArgs(task)
			if err != nil {
				return err
			}
			shop, err := shops.GetShop(ctx, args.ShopID)
			if err != nil {
				return err
			}
			if shop == nil {
				return fmt.Errorf("%s: shop %d not found", name, args.ShopID)
			}
			if shop.Marketplace == domain.MarketplaceOzon {
				if ozon == nil {
					return nil
				}
				return ozon(ctx, args.ShopID)
			}
			if wb == nil {
				return nil
			}
			return wb(ctx, args.ShopID)
		}))
	}

	perShop(tasks.QueueFast, TaskSyncCampaigns, s.SyncWBCampaigns, s.SyncOzonCampaigns)
	perShop(tasks.QueueSync, TaskSyncPrices, s.SyncWBPrices, s.SyncOzonPrices)
	perShop(tasks.QueueSync, TaskSyncStocks, s.SyncWBStocks, s.SyncOzonStocks)
	perShop(tasks.QueueSync, TaskSyncOrders,
		func(ctx context.Context, shopID int64) error {
			return s.SyncWBOrders(ctx, shopID, s.now().UTC().Add(-ordersSyncHorizon))
		},
		func(ctx context.Context, shopID int64) error {
			return s.SyncOzonOrders(ctx, shopID, s.now().UTC().Add(-ordersSyncHorizon))
		})
	perShop(tasks.QueueSync, TaskSyncContent, s.SyncWBContent, s.SyncOzonContentHashes)
	perShop(tasks.QueueSync, TaskSyncAds, s.syncWBAdsRecent, s.syncOzonAdsRecent)
	perShop(tasks.QueueSync, TaskSyncDaily, s.syncWBDaily, s.syncOzonDaily)

	reg.Register(TaskBackfill, tasks.QueueBackfill, d.Wrap(func(ctx context.Context, task *tasks.Task) error {
		args, err := dispatcher.ParseShopArgs(task)
		if err != nil {
			return err
		}
		shop, err := shops.GetShop(ctx, args.ShopID)
		if err != nil {
			return err
		}
		if shop == nil {
			return fmt.Errorf("backfill: shop %d not found", args.ShopID)
		}
		err = orch.Run(ctx, args.ShopID, shop.Marketplace)
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			return nil
		}
		return err
	}))

	// Fan-out triggers fired by the beat.
	fanOut := func(name, target string, mp domain.Marketplace) {
		reg.Register(name, tasks.QueueFast, d.DispatchHandler(target, mp))
	}
	fanOut(TaskDispatchCampaigns, TaskSyncCampaigns, "")
	fanOut(TaskDispatchPrices, TaskSyncPrices, "")
	fanOut(TaskDispatchStocks, TaskSyncStocks, "")
	fanOut(TaskDispatchOrders, TaskSyncOrders, "")
	fanOut(TaskDispatchContent, TaskSyncContent, "")
	fanOut(TaskDispatchAds, TaskSyncAds, "")
	fanOut(TaskDispatchDaily, TaskSyncDaily, "")
}

// DefaultBeatEntries is the production dispatch cadence.
func DefaultBeatEntries() []tasks.Entry {
	return []tasks.Entry{
		{Task: TaskDispatchCampaigns, Every: time.Minute},
		{Task: TaskDispatchPrices, Every: 15 * time.Minute},
		{Task: TaskDispatchStocks, Every: 30 * time.Minute},
		{Task: TaskDispatchOrders, Every: 30 * time.Minute},
		{Task: TaskDispatchContent, Every: 6 * time.Hour},
		{Task: TaskDispatchAds, Every: time.Hour},
		// Daily reports cover the previous day; 03:00 UTC leaves the
		// marketplaces time to close out their books.
		{Task: TaskDispatchDaily, Daily: true, AtUTC: 3 * time.Hour},
	}
}

// syncWBDaily is the once-a-day heavy pull: recent funnel and finance.
func (s *Service) syncWBDaily(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	week := dateWindow{From: s.now().UTC().AddDate(0, 0, -7), To: s.now().UTC()}
	rows, err := s.wbFunnelReport(ctx, shopID, creds, week)
	if err != nil {
		return err
	}
	if err := s.olap.WriteFunnel(ctx, rows); err != nil {
		return err
	}
	return s.wbFinanceWindow(ctx, shopID, creds, week)
}

func (s *Service) syncOzonDaily(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	week := dateWindow{From: s.now().UTC().AddDate(0, 0, -7), To: s.now().UTC()}
	if err := s.ozonFunnelWindow(ctx, shopID, creds, week); err != nil {
		return err
	}
	return s.ozonFinanceWindow(ctx, shopID, creds, week)
}

// syncWBAdsRecent pulls the last two days of campaign statistics.
func (s *Service) syncWBAdsRecent(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	ids, err := s.wbCampaignIDs(ctx, shopID, creds)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	w := dateWindow{From: s.now().UTC().AddDate(0, 0, -2), To: s.now().UTC()}
	rows, err := s.wbAdsWindow(ctx, shopID, creds, ids, w)
	if err != nil {
		return err
	}
	return s.olap.WriteAdStats(ctx, rows)
}

func (s *Service) syncOzonAdsRecent(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	bearer, err := s.tokens.BearerHeader(ctx, shopID, creds)
	if err != nil {
		return err
	}
	w := dateWindow{From: s.now().UTC().AddDate(0, 0, -2), To: s.now().UTC()}
	rows, err := s.ozonAdsWindow(ctx, shopID, creds, bearer, w)
	if err != nil {
		return err
	}
	return s.olap.WriteAdStats(ctx, rows)
}
