package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
)

const (
	ozonAdsBackfillDays = 180
	ozonAdsWindow       = 30 * 24 * time.Hour
	ozonAdsEmptyStreak  = 3
)

// --- finance ---

type ozonTransactionList struct {
	Result struct {
		Operations []struct {
			OperationID    int64   `json:"operation_id"`
			OperationType  string  `json:"operation_type"`
			OperationDate  string  `json:"operation_date"`
			Amount         float64 `json:"amount"`
			SaleCommission float64 `json:"sale_commission"`
			Items          []struct {
				SKU int64 `json:"sku"`
			} `json:"items"`
			Services       []struct {
				Name  string  `json:"name"`
				Price float64 `json:"price"`
			} `json:"services"`
		} `json:"operations"`
		PageCount int `json:"page_count"`
	} `json:"result"`
}

// BackfillOzonFinance pulls a year of transactions in monthly chunks.
func (s *Service) BackfillOzonFinance(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for month := 0; month < ozonFinanceMonths; month++ {
		report(fmt.Sprintf("Month %d of %d", month+1, ozonFinanceMonths))
		to := now.AddDate(0, -month, 0)
		from := now.AddDate(0, -month-1, 0)
		if err := s.ozonFinanceWindow(ctx, shopID, creds, dateWindow{From: from, To: to}); err != nil {
			return fmt.Errorf("finance month %d: %w", month+1, err)
		}
	}
	return nil
}

func (s *Service) ozonFinanceWindow(ctx context.Context, shopID int64, creds *domain.Credentials, w dateWindow) error {
	for page := 1; ; page++ {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v3/finance/transaction/list",
			Body: map[string]any{
				"filter": map[string]any{
					"date": map[string]string{
						"from": w.From.Format(ozonTimeLayout),
						"to":   w.To.Format(ozonTimeLayout),
					},
					"transaction_type": "all",
				},
				"page":      page,
				"page_size": ozonPageSize,
			},
		})
		if err != nil {
			return err
		}
		var list ozonTransactionList
		if err := resp.JSON(&list); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "transactions decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(list.Result.Operations) == 0 {
			return nil
		}

		rows := make([]loader.FinanceRow, 0, len(list.Result.Operations))
		for _, op := range list.Result.Operations {
			opDate, err := time.Parse(time.RFC3339, op.OperationDate)
			if err != nil {
				opDate = w.From
			}
			var sku int64
			if len(op.Items) > 0 {
				sku = op.Items[0].SKU
			}
			var services float64
			for _, svc := range op.Services {
				services += svc.Price
			}
			rows = append(rows, loader.FinanceRow{
				ShopID:        shopID,
				RRDID:         op.OperationID,
				OperationDate: opDate,
				NmID:          sku,
				SupplierOper:  op.OperationType,
				Amount:        op.Amount,
				Commission:    op.SaleCommission,
				Logistics:     services,
			})
		}
		if err := s.olap.WriteFinance(ctx, rows); err != nil {
			return err
		}
		if page >= list.Result.PageCount {
			return nil
		}
	}
}

// --- funnel (analytics) ---

type ozonAnalyticsData struct {
	Result struct {
		Data []struct {
			Dimensions []struct {
				ID string `json:"id"`
			} `json:"dimensions"`
			Metrics []float64 `json:"metrics"`
		} `json:"data"`
	} `json:"result"`
}

// ozonFunnelMetrics is the metric order requested from the analytics
// endpoint; indexes below must match.
var ozonFunnelMetrics = []string{
	"hits_view", "hits_tocart", "ordered_units", "revenue",
	"delivered_units", "cancellations", "returns",
}

// BackfillOzonFunnel pulls a year of per-SKU analytics in 90-day
// chunks, paging inside each chunk.
func (s *Service) BackfillOzonFunnel(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	to := s.now().UTC()
	chunks := windows(to.AddDate(0, 0, -ozonFunnelDays), to, time.Duration(ozonFunnelChunkDays)*24*time.Hour)
	for i, chunk := range chunks {
		report(fmt.Sprintf("Chunk %d of %d", i+1, len(chunks)))
		if err := s.ozonFunnelWindow(ctx, shopID, creds, chunk); err != nil {
			return fmt.Errorf("funnel chunk %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Service) ozonFunnelWindow(ctx context.Context, shopID int64, creds *domain.Credentials, w dateWindow) error {
	for offset := 0; ; offset += ozonPageSize {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v1/analytics/data",
			Body: map[string]any{
				"date_from": w.From.Format(dateLayout),
				"date_to":   w.To.Format(dateLayout),
				"dimension": []string{"sku", "day"},
				"metrics":   ozonFunnelMetrics,
				"limit":     ozonPageSize,
				"offset":    offset,
			},
		})
		if err != nil {
			return err
		}
		var data ozonAnalyticsData
		if err := resp.JSON(&data); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "analytics decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(data.Result.Data) == 0 {
			return nil
		}

		var rows []loader.FunnelRow
		for _, entry := range data.Result.Data {
			if len(entry.Dimensions) < 2 || len(entry.Metrics) < len(ozonFunnelMetrics) {
				continue
			}
			sku := parseCountString(entry.Dimensions[0].ID)
			day, err := time.Parse(dateLayout, entry.Dimensions[1].ID)
			if err != nil || sku == 0 {
				continue
			}
			rows = append(rows, loader.FunnelRow{
				ShopID:     shopID,
				NmID:       sku,
				Date:       day,
				OpenCard:   int64(entry.Metrics[0]),
				AddToCart:  int64(entry.Metrics[1]),
				Orders:     int64(entry.Metrics[2]),
				OrdersSum:  entry.Metrics[3],
				Buyouts:    int64(entry.Metrics[4]),
				Cancels:    int64(entry.Metrics[5]),
				CancelsSum: 0,
			})
		}
		if err := s.olap.WriteFunnel(ctx, rows); err != nil {
			return err
		}
		if len(data.Result.Data) < ozonPageSize {
			return nil
		}
	}
}

// --- returns ---

type ozonReturnsList struct {
	Returns []struct {
		ID     int64 `json:"id"`
		SKU    int64 `json:"sku"`
		Visual struct {
			Status struct {
				DisplayName string `json:"display_name"`
				SysName     string `json:"sys_name"`
			} `json:"status"`
			ChangeMoment string `json:"change_moment"`
		} `json:"visual"`
		Product struct {
			Price struct {
				Price string `json:"price"`
			} `json:"price"`
		} `json:"product"`
		ReturnReasonName string `json:"return_reason_name"`
	} `json:"returns"`
	HasNext bool `json:"has_next"`
}

// BackfillOzonReturns pulls 180 days of returns.
func (s *Service) BackfillOzonReturns(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	since := s.now().UTC().AddDate(0, 0, -ozonReturnsDays)
	var lastID int64
	for page := 1; ; page++ {
		report(fmt.Sprintf("Page %d", page))
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v1/returns/list",
			Body: map[string]any{
				"filter": map[string]any{
					"logistic_return_date": map[string]string{
						"time_from": since.Format(ozonTimeLayout),
						"time_to":   s.now().UTC().Format(ozonTimeLayout),
					},
				},
				"limit":   500,
				"last_id": lastID,
			},
		})
		if err != nil {
			return fmt.Errorf("ozon returns: %w", err)
		}
		var list ozonReturnsList
		if err := resp.JSON(&list); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "returns decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(list.Returns) == 0 {
			return nil
		}

		rows := make([]loader.ReturnRow, 0, len(list.Returns))
		for _, ret := range list.Returns {
			when, err := time.Parse(time.RFC3339, ret.Visual.ChangeMoment)
			if err != nil {
				when = s.now().UTC()
			}
			rows = append(rows, loader.ReturnRow{
				ShopID:  shopID,
				ClaimID: fmt.Sprintf("%d", ret.ID),
				NmID:    ret.SKU,
				Date:    when,
				Status:  ret.Visual.Status.SysName,
				Amount:  parseSumString(ret.Product.Price.Price),
				Reason:  ret.ReturnReasonName,
			})
			lastID = ret.ID
		}
		if err := s.olap.WriteReturns(ctx, rows); err != nil {
			return err
		}
		if !list.HasNext {
			return nil
		}
	}
}

// --- ratings ---

// BackfillOzonSellerRating pulls the seller-level rating summary,
// stored as the shop-level row (product id 0).
func (s *Service) BackfillOzonSellerRating(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.OzonSeller,
		Method:   http.MethodPost,
		Path:     "/v1/rating/summary",
		Body:     map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("ozon ratings: summary: %w", err)
	}
	var summary struct {
		Groups []struct {
			Items []struct {
				Rating       string  `json:"rating"`
				CurrentValue float64 `json:"current_value"`
			} `json:"items"`
		} `json:"groups"`
	}
	if err := resp.JSON(&summary); err != nil {
		return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "rating summary decode: " + err.Error(), Payload: resp.Raw}
	}

	var rows []loader.RatingRow
	for _, group := range summary.Groups {
		for _, item := range group.Items {
			if item.Rating == "rating_on_time" || item.Rating == "rating_review_avg_score_total" {
				rows = append(rows, loader.RatingRow{ShopID: shopID, NmID: 0, Rating: item.CurrentValue})
			}
		}
	}
	return s.olap.WriteRatings(ctx, rows)
}

// BackfillOzonProductRatings pulls per-product content ratings.
func (s *Service) BackfillOzonProductRatings(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	ids, err := s.OzonProductIDs(ctx, shopID, creds)
	if err != nil {
		return err
	}
	skus := make([]int64, 0, len(ids))
	for id := range ids {
		skus = append(skus, id)
	}

	var rows []loader.RatingRow
	for start := 0; start < len(skus); start += ozonProductChunk {
		report(fmt.Sprintf("%d of %d products", start, len(skus)))
		chunk := skus[start:min(start+ozonProductChunk, len(skus))]
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v1/product/rating-by-sku",
			Body:     map[string]any{"skus": chunk},
		})
		if err != nil {
			return fmt.Errorf("ozon ratings: by sku: %w", err)
		}
		var bynm struct {
			Products []struct {
				SKU    int64   `json:"sku"`
				Rating float64 `json:"rating"`
			} `json:"products"`
		}
		if err := resp.JSON(&bynm); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "product rating decode: " + err.Error(), Payload: resp.Raw}
		}
		for _, p := range bynm.Products {
			rows = append(rows, loader.RatingRow{ShopID: shopID, NmID: p.SKU, Rating: p.Rating})
		}
	}
	return s.olap.WriteRatings(ctx, rows)
}

// --- advertising (performance API) ---

type ozonCampaignList struct {
	List []struct {
		ID            string `json:"id"`
		Title         string `json:"title"`
		State         string `json:"state"`
		AdvObjectType string `json:"advObjectType"`
		DailyBudget   string `json:"dailyBudget"`
	} `json:"list"`
}

// campaignSnapshotFromOzon maps a performance campaign list entry to
// the detector's snapshot shape. The list carries no per-item bids;
// budget diffing runs on the daily limit.
func campaignSnapshotFromOzon(campaignID int64, kind, status string, dailyBudget float64) events.CampaignSnapshot {
	return events.CampaignSnapshot{
		CampaignID: campaignID,
		Kind:       kind,
		Status:     status,
		Budget:     dailyBudget,
	}
}

// SyncOzonCampaigns lists performance campaigns, diffs them and writes
// snapshots.
func (s *Service) SyncOzonCampaigns(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	bearer, err := s.tokens.BearerHeader(ctx, shopID, creds)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.OzonPerformance,
		Method:   http.MethodGet,
		Path:     "/api/client/campaign",
		Headers:  bearer,
	})
	if err != nil {
		return fmt.Errorf("ozon campaigns: %w", err)
	}
	var list ozonCampaignList
	if err := resp.JSON(&list); err != nil {
		return &marketplace.DataFormatError{Endpoint: marketplace.OzonPerformance, Detail: "campaign list decode: " + err.Error(), Payload: resp.Raw}
	}

	rows := make([]loader.CampaignRow, 0, len(list.List))
	for _, c := range list.List {
		campaignID := parseCountString(c.ID)
		if campaignID == 0 {
			continue
		}
		snap := campaignSnapshotFromOzon(campaignID, c.AdvObjectType, c.State, parseSumString(c.DailyBudget))
		detected, err := s.detector.DetectCampaign(ctx, shopID, domain.MarketplaceOzon, snap)
		if err != nil {
			return fmt.Errorf("ozon campaigns: detect %d: %w", campaignID, err)
		}
		s.recorder.Publish(detected)
		rows = append(rows, loader.CampaignRow{
			ShopID:     shopID,
			CampaignID: campaignID,
			Kind:       c.AdvObjectType,
			Status:     c.State,
			Name:       c.Title,
			DailyLimit: parseSumString(c.DailyBudget),
		})
	}
	return s.olap.WriteCampaigns(ctx, rows)
}

// BackfillOzonAds pulls 180 days of campaign statistics in 30-day
// windows, newest first, stopping after three consecutive empty
// windows.
func (s *Service) BackfillOzonAds(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	bearer, err := s.tokens.BearerHeader(ctx, shopID, creds)
	if err != nil {
		return err
	}

	to := s.now().UTC()
	chunks := reverse(windows(to.AddDate(0, 0, -ozonAdsBackfillDays), to, ozonAdsWindow))

	emptyStreak := 0
	for i, chunk := range chunks {
		report(fmt.Sprintf("Window %d of %d", i+1, len(chunks)))
		rows, err := s.ozonAdsWindow(ctx, shopID, creds, bearer, chunk)
		if err != nil {
			emptyStreak++
			s.logger.Warn("ozon ads window failed",
				zap.Int64("shop_id", shopID), zap.String("from", chunk.From.Format(dateLayout)), zap.Error(err))
		} else if len(rows) == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
			if err := s.olap.WriteAdStats(ctx, rows); err != nil {
				return err
			}
		}
		if emptyStreak >= ozonAdsEmptyStreak {
			s.logger.Info("ozon ads history exhausted, stopping early",
				zap.Int64("shop_id", shopID), zap.Int("windows_scanned", i+1))
			return nil
		}
	}
	return nil
}

type ozonDailyStats struct {
	Rows []struct {
		ID     string `json:"id"`
		Date   string `json:"date"`
		Views  string `json:"views"`
		Clicks string `json:"clicks"`
		Spend  string `json:"moneySpent"`
		Orders string `json:"orders"`
		Price  string `json:"ordersMoney"`
	} `json:"rows"`
}

func (s *Service) ozonAdsWindow(ctx context.Context, shopID int64, creds *domain.Credentials, bearer http.Header, w dateWindow) ([]loader.AdStatRow, error) {
	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.OzonPerformance,
		Method:   http.MethodGet,
		Path:     "/api/client/statistics/daily/json",
		Query: map[string][]string{
			"dateFrom": {w.From.Format(dateLayout)},
			"dateTo":   {w.To.Format(dateLayout)},
		},
		Headers: bearer,
	})
	if err != nil {
		return nil, err
	}
	var stats ozonDailyStats
	if err := resp.JSON(&stats); err != nil {
		return nil, &marketplace.DataFormatError{Endpoint: marketplace.OzonPerformance, Detail: "daily stats decode: " + err.Error(), Payload: resp.Raw}
	}

	var rows []loader.AdStatRow
	for _, row := range stats.Rows {
		date, err := time.Parse(dateLayout, row.Date)
		if err != nil {
			continue
		}
		rows = append(rows, loader.AdStatRow{
			ShopID:     shopID,
			CampaignID: parseCountString(row.ID),
			Date:       date,
			Views:      parseCountString(row.Views),
			Clicks:     parseCountString(row.Clicks),
			Spend:      parseSumString(row.Spend),
			Orders:     parseCountString(row.Orders),
			OrdersSum:  parseSumString(row.Price),
		})
	}
	return rows, nil
}
