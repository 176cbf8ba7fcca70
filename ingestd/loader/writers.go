package loader

import (
	"context"
	"time"
)

// nowVersion stamps the batch. One version per flush keeps replacement
// deterministic inside a batch.
func nowVersion() time.Time { return time.Now().UTC() }

// WriteOrders appends order rows with a fresh version.
func (c *Conn) WriteOrders(ctx context.Context, rows []OrderRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.SRID, r.OrderDate, r.NmID, r.Article, r.Quantity,
			r.TotalPrice, r.Discount, r.WarehouseID, r.Region,
			r.IsCancel, r.IsRealized, version,
		})
	}
	return c.appendRows(ctx, "orders", []string{
		"shop_id", "srid", "order_date", "nm_id", "article", "quantity",
		"total_price", "discount", "warehouse_id", "region",
		"is_cancel", "is_realized", "version",
	}, out)
}

// WriteFunnel appends sales-funnel rows.
func (c *Conn) WriteFunnel(ctx context.Context, rows []FunnelRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.NmID, r.Date, r.OpenCard, r.AddToCart,
			r.Orders, r.OrdersSum, r.Buyouts, r.BuyoutsSum,
			r.Cancels, r.CancelsSum, version,
		})
	}
	return c.appendRows(ctx, "sales_funnel", []string{
		"shop_id", "nm_id", "date", "open_card", "add_to_cart",
		"orders", "orders_sum", "buyouts", "buyouts_sum",
		"cancels", "cancels_sum", "version",
	}, out)
}

// WriteFinance appends realization-report rows.
func (c *Conn) WriteFinance(ctx context.Context, rows []FinanceRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.RRDID, r.ReportID, r.OperationDate, r.NmID,
			r.SupplierOper, r.Amount, r.Commission, r.Logistics, r.Penalty, version,
		})
	}
	return c.appendRows(ctx, "finance", []string{
		"shop_id", "rrd_id", "report_id", "operation_date", "nm_id",
		"supplier_oper", "amount", "commission", "logistics", "penalty", "version",
	}, out)
}

// WriteStocks appends warehouse stock rows.
func (c *Conn) WriteStocks(ctx context.Context, rows []StockRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.NmID, r.WarehouseID, r.Quantity,
			r.InWayToRecipient, r.InWayFromRecipient, version,
		})
	}
	return c.appendRows(ctx, "stocks", []string{
		"shop_id", "nm_id", "warehouse_id", "quantity",
		"in_way_to_recipient", "in_way_from_recipient", "version",
	}, out)
}

// WritePrices appends price rows.
func (c *Conn) WritePrices(ctx context.Context, rows []PriceRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{r.ShopID, r.NmID, r.Price, r.Discount, version})
	}
	return c.appendRows(ctx, "prices", []string{
		"shop_id", "nm_id", "price", "discount", "version",
	}, out)
}

// WriteCampaigns appends campaign snapshot rows.
func (c *Conn) WriteCampaigns(ctx context.Context, rows []CampaignRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.CampaignID, r.Kind, r.Status, r.Name,
			r.Bid, r.Budget, r.DailyLimit, version,
		})
	}
	return c.appendRows(ctx, "campaign_snapshots", []string{
		"shop_id", "campaign_id", "kind", "status", "name",
		"bid", "budget", "daily_limit", "version",
	}, out)
}

// WriteAdStats appends campaign statistics rows. Pure history: no
// version column, every observation is kept.
func (c *Conn) WriteAdStats(ctx context.Context, rows []AdStatRow) error {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.CampaignID, r.Date, r.Views, r.Clicks,
			r.Spend, r.Orders, r.OrdersSum,
		})
	}
	return c.appendRows(ctx, "ad_stats", []string{
		"shop_id", "campaign_id", "date", "views", "clicks",
		"spend", "orders", "orders_sum",
	}, out)
}

// WriteBids appends observed bid values. Pure history.
func (c *Conn) WriteBids(ctx context.Context, rows []BidRow) error {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{r.ShopID, r.CampaignID, r.NmID, r.Bid, r.ObservedAt})
	}
	return c.appendRows(ctx, "bid_history", []string{
		"shop_id", "campaign_id", "nm_id", "bid", "observed_at",
	}, out)
}

// WriteReturns appends return/claim rows.
func (c *Conn) WriteReturns(ctx context.Context, rows []ReturnRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.ShopID, r.ClaimID, r.NmID, r.Date, r.Status, r.Amount, r.Reason, version,
		})
	}
	return c.appendRows(ctx, "returns", []string{
		"shop_id", "claim_id", "nm_id", "date", "status", "amount", "reason", "version",
	}, out)
}

// WriteRatings appends product rating rows.
func (c *Conn) WriteRatings(ctx context.Context, rows []RatingRow) error {
	version := nowVersion()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{r.ShopID, r.NmID, r.Rating, r.Reviews, version})
	}
	return c.appendRows(ctx, "ratings", []string{
		"shop_id", "nm_id", "rating", "reviews", "version",
	}, out)
}
