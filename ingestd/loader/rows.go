package loader

import "time"

// OrderRow is one order line. Replacing key: (shop_id, srid).
type OrderRow struct {
	ShopID      int64
	SRID        string
	OrderDate   time.Time
	NmID        int64
	Article     string
	Quantity    int32
	TotalPrice  float64
	Discount    float64
	WarehouseID int64
	Region      string
	IsCancel    bool
	IsRealized  bool
}

// FunnelRow is one sales-funnel day per product.
// Replacing key: (shop_id, nm_id, date).
type FunnelRow struct {
	ShopID     int64
	NmID       int64
	Date       time.Time
	OpenCard   int64
	AddToCart  int64
	Orders     int64
	OrdersSum  float64
	Buyouts    int64
	BuyoutsSum float64
	Cancels    int64
	CancelsSum float64
}

// FinanceRow is one realization-report line. Replacing key:
// (shop_id, rrd_id).
type FinanceRow struct {
	ShopID        int64
	RRDID         int64
	ReportID      int64
	OperationDate time.Time
	NmID          int64
	SupplierOper  string
	Amount        float64
	Commission    float64
	Logistics     float64
	Penalty       float64
}

// StockRow is one warehouse stock level. Replacing key:
// (shop_id, nm_id, warehouse_id).
type StockRow struct {
	ShopID             int64
	NmID               int64
	WarehouseID        int64
	Quantity           int64
	InWayToRecipient   int64
	InWayFromRecipient int64
}

// PriceRow is one price point. Replacing key: (shop_id, nm_id).
type PriceRow struct {
	ShopID   int64
	NmID     int64
	Price    float64
	Discount float64
}

// CampaignRow is one advertising campaign snapshot. Replacing key:
// (shop_id, campaign_id).
type CampaignRow struct {
	ShopID     int64
	CampaignID int64
	Kind       string
	Status     string
	Name       string
	Bid        int64
	Budget     float64
	DailyLimit float64
}

// AdStatRow is one campaign statistics day. Append-only history.
type AdStatRow struct {
	ShopID     int64
	CampaignID int64
	Date       time.Time
	Views      int64
	Clicks     int64
	Spend      float64
	Orders     int64
	OrdersSum  float64
}

// BidRow is one observed bid value. Append-only history.
type BidRow struct {
	ShopID     int64
	CampaignID int64
	NmID       int64
	Bid        int64
	ObservedAt time.Time
}

// ReturnRow is one return/claim record. Replacing key:
// (shop_id, claim_id).
type ReturnRow struct {
	ShopID  int64
	ClaimID string
	NmID    int64
	Date    time.Time
	Status  string
	Amount  float64
	Reason  string
}

// RatingRow is one product rating snapshot. Replacing key:
// (shop_id, nm_id).
type RatingRow struct {
	ShopID  int64
	NmID    int64
	Rating  float64
	Reviews int64
}
