package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
)

const (
	wbOrdersBackfillDays = 90
	wbFunnelBackfillDays = 365
	wbAdsBackfillDays    = 180
	wbAdsWindow          = 30 * 24 * time.Hour
	wbFunnelWindow       = 7 * 24 * time.Hour
	wbAdsEmptyStreak     = 2
	wbFinancePageSize    = 100000

	// Report downloads are prepared asynchronously server-side.
	wbReportPollAttempts = 3
	wbReportPollSpacing  = 60 * time.Second
)

// BackfillWBOrders pulls the 90-day order history.
func (s *Service) BackfillWBOrders(ctx context.Context, shopID int64, report func(string)) error {
	return s.SyncWBOrders(ctx, shopID, s.now().UTC().AddDate(0, 0, -wbOrdersBackfillDays))
}

// BackfillWBFunnel pulls a year of sales-funnel history in weekly
// windows via the report download pipeline: request a CSV archive,
// poll until prepared, download and parse.
func (s *Service) BackfillWBFunnel(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	to := s.now().UTC()
	weeks := windows(to.AddDate(0, 0, -wbFunnelBackfillDays), to, wbFunnelWindow)
	for i, week := range weeks {
		report(fmt.Sprintf("Week %d of %d", i+1, len(weeks)))
		rows, err := s.wbFunnelReport(ctx, shopID, creds, week)
		if err != nil {
			return fmt.Errorf("funnel week %s: %w", week.From.Format(dateLayout), err)
		}
		if err := s.olap.WriteFunnel(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) wbFunnelReport(ctx context.Context, shopID int64, creds *domain.Credentials, w dateWindow) ([]loader.FunnelRow, error) {
	reportID := uuid.NewString()
	_, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBAnalytics,
		Method:   http.MethodPost,
		Path:     "/api/v2/nm-report/downloads",
		Body: map[string]any{
			"id":         reportID,
			"reportType": "DETAIL_HISTORY_REPORT",
			"params": map[string]any{
				"startDate":   w.From.Format(dateLayout),
				"endDate":     w.To.Format(dateLayout),
				"aggregation": "day",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("request report: %w", err)
	}

	// Bounded polling: a report that is not ready after the budget is
	// treated as transient and fails the step.
	var raw []byte
	for attempt := 1; ; attempt++ {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.WBAnalytics,
			Method:   http.MethodGet,
			Path:     "/api/v2/nm-report/downloads/file/" + reportID,
			Binary:   true,
		})
		if err == nil {
			raw = resp.Raw
			break
		}
		if attempt >= wbReportPollAttempts {
			return nil, fmt.Errorf("report not ready after %d polls: %w", attempt, err)
		}
		s.logger.Debug("report not ready, waiting",
			zap.Int64("shop_id", shopID), zap.String("report_id", reportID), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wbReportPollSpacing):
		}
	}
	return loader.ParseFunnelArchive(shopID, raw)
}

// BackfillWBFinance pulls realization reports week by week. The API
// pages inside a period via the last row id.
func (s *Service) BackfillWBFinance(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	to := s.now().UTC()
	weeks := windows(to.AddDate(0, 0, -wbFunnelBackfillDays), to, wbFunnelWindow)
	for i, week := range weeks {
		report(fmt.Sprintf("Week %d of %d", i+1, len(weeks)))
		if err := s.wbFinanceWindow(ctx, shopID, creds, week); err != nil {
			return fmt.Errorf("finance week %s: %w", week.From.Format(dateLayout), err)
		}
	}
	return nil
}

type wbFinanceRow struct {
	RRDID         int64   `json:"rrd_id"`
	RealizationID int64   `json:"realizationreport_id"`
	RRDate        string  `json:"rr_dt"`
	NmID          int64   `json:"nm_id"`
	SupplierOper  string  `json:"supplier_oper_name"`
	ForPay        float64 `json:"ppvz_for_pay"`
	Commission    float64 `json:"ppvz_sales_commission"`
	Delivery      float64 `json:"delivery_rub"`
	Penalty       float64 `json:"penalty"`
}

func (s *Service) wbFinanceWindow(ctx context.Context, shopID int64, creds *domain.Credentials, w dateWindow) error {
	var lastRRD int64
	for {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.WBStatistics,
			Method:   http.MethodGet,
			Path:     "/api/v5/supplier/reportDetailByPeriod",
			Query: url.Values{
				"dateFrom": {w.From.Format(dateLayout)},
				"dateTo":   {w.To.Format(dateLayout)},
				"rrdid":    {strconv.FormatInt(lastRRD, 10)},
				"limit":    {strconv.Itoa(wbFinancePageSize)},
			},
		})
		if err != nil {
			return err
		}
		var lines []wbFinanceRow
		if err := resp.JSON(&lines); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.WBStatistics, Detail: "finance decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(lines) == 0 {
			return nil
		}

		rows := make([]loader.FinanceRow, 0, len(lines))
		for _, line := range lines {
			opDate, err := parseWBTime(line.RRDate)
			if err != nil {
				opDate = w.From
			}
			rows = append(rows, loader.FinanceRow{
				ShopID:        shopID,
				RRDID:         line.RRDID,
				ReportID:      line.RealizationID,
				OperationDate: opDate,
				NmID:          line.NmID,
				SupplierOper:  line.SupplierOper,
				Amount:        line.ForPay,
				Commission:    line.Commission,
				Logistics:     line.Delivery,
				Penalty:       line.Penalty,
			})
			lastRRD = line.RRDID
		}
		if err := s.olap.WriteFinance(ctx, rows); err != nil {
			return err
		}
	}
}

// BackfillWBAds pulls campaign statistics in 30-day windows, newest
// first, stopping after two consecutive empty windows. Errors count
// toward the streak; data resets it.
func (s *Service) BackfillWBAds(ctx context.Context, shopID int64, report func(string)) error {
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

	to := s.now().UTC()
	chunks := reverse(windows(to.AddDate(0, 0, -wbAdsBackfillDays), to, wbAdsWindow))

	emptyStreak := 0
	for i, chunk := range chunks {
		report(fmt.Sprintf("Window %d of %d", i+1, len(chunks)))
		rows, err := s.wbAdsWindow(ctx, shopID, creds, ids, chunk)
		if err != nil {
			emptyStreak++
			s.logger.Warn("ads window failed",
				zap.Int64("shop_id", shopID), zap.String("from", chunk.From.Format(dateLayout)), zap.Error(err))
		} else if len(rows) == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
			if err := s.olap.WriteAdStats(ctx, rows); err != nil {
				return err
			}
		}
		if emptyStreak >= wbAdsEmptyStreak {
			s.logger.Info("ads history exhausted, stopping early",
				zap.Int64("shop_id", shopID), zap.Int("windows_scanned", i+1))
			return nil
		}
	}
	return nil
}

func (s *Service) wbCampaignIDs(ctx context.Context, shopID int64, creds *domain.Credentials) ([]int64, error) {
	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBAdvert,
		Method:   http.MethodGet,
		Path:     "/adv/v1/promotion/count",
	})
	if err != nil {
		return nil, fmt.Errorf("wb ads: campaign list: %w", err)
	}
	var count wbPromotionCount
	if err := resp.JSON(&count); err != nil {
		return nil, &marketplace.DataFormatError{Endpoint: marketplace.WBAdvert, Detail: "promotion count decode: " + err.Error(), Payload: resp.Raw}
	}
	var ids []int64
	for _, group := range count.Adverts {
		for _, a := range group.AdvertList {
			ids = append(ids, a.AdvertID)
		}
	}
	return ids, nil
}

type wbFullStats struct {
	AdvertID int64 `json:"advertId"`
	Days     []struct {
		Date     string  `json:"date"`
		Views    int64   `json:"views"`
		Clicks   int64   `json:"clicks"`
		Sum      float64 `json:"sum"`
		Orders   int64   `json:"orders"`
		SumPrice float64 `json:"sum_price"`
	} `json:"days"`
}

func (s *Service) wbAdsWindow(ctx context.Context, shopID int64, creds *domain.Credentials, ids []int64, w dateWindow) ([]loader.AdStatRow, error) {
	body := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		body = append(body, map[string]any{
			"id": id,
			"interval": map[string]string{
				"begin": w.From.Format(dateLayout),
				"end":   w.To.Format(dateLayout),
			},
		})
	}
	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBAdvert,
		Method:   http.MethodPost,
		Path:     "/adv/v2/fullstats",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	var stats []wbFullStats
	if err := resp.JSON(&stats); err != nil {
		return nil, &marketplace.DataFormatError{Endpoint: marketplace.WBAdvert, Detail: "fullstats decode: " + err.Error(), Payload: resp.Raw}
	}

	var rows []loader.AdStatRow
	for _, campaign := range stats {
		for _, day := range campaign.Days {
			date, err := parseWBTime(day.Date)
			if err != nil {
				continue
			}
			rows = append(rows, loader.AdStatRow{
				ShopID:     shopID,
				CampaignID: campaign.AdvertID,
				Date:       date,
				Views:      day.Views,
				Clicks:     day.Clicks,
				Spend:      day.Sum,
				Orders:     day.Orders,
				OrdersSum:  day.SumPrice,
			})
		}
	}
	return rows, nil
}

// BackfillWBCommercial refreshes prices and stocks as one step.
func (s *Service) BackfillWBCommercial(ctx context.Context, shopID int64, report func(string)) error {
	report("prices")
	if err := s.SyncWBPrices(ctx, shopID); err != nil {
		return err
	}
	report("stocks")
	return s.SyncWBStocks(ctx, shopID)
}
