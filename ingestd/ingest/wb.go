package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
	"github.com/sellerpulse/sellerpulse/ingestd/store"
)

const (
	wbCampaignDetailChunk = 50
	wbContentPageSize     = 100
	wbPricePageSize       = 1000
)

// --- campaigns ---

type wbPromotionCount struct {
	Adverts []struct {
		Type       int `json:"type"`
		Status     int `json:"status"`
		AdvertList []struct {
			AdvertID int64 `json:"advertId"`
		} `json:"advert_list"`
	} `json:"adverts"`
}

type wbAdvertDetail struct {
	AdvertID int64  `json:"advertId"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Status   int    `json:"status"`
	Params   []struct {
		Price int64 `json:"price"`
		Nms   []struct {
			Nm int64 `json:"nm"`
		} `json:"nms"`
	} `json:"params"`
	AutoParams struct {
		CPM  int64   `json:"cpm"`
		Nms  []int64 `json:"nms"`
		Subj struct {
			ID int64 `json:"id"`
		} `json:"subject"`
	} `json:"autoParams"`
	UnitedParams []struct {
		CPM int64   `json:"searchCPM"`
		Nms []int64 `json:"nms"`
	} `json:"unitedParams"`
}

var wbCampaignStatuses = map[int]string{
	4:  "ready",
	7:  "done",
	8:  "declined",
	9:  "active",
	11: "paused",
}

var wbCampaignKinds = map[int]string{
	4: "catalog", 5: "card", 6: "search", 7: "recommend", 8: "auto", 9: "auction",
}

// SyncWBCampaigns pulls the advert campaign list, diffs every campaign
// against stored state and writes fresh snapshots downstream.
func (s *Service) SyncWBCampaigns(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBAdvert,
		Method:   http.MethodGet,
		Path:     "/adv/v1/promotion/count",
	})
	if err != nil {
		return fmt.Errorf("wb campaigns: list: %w", err)
	}
	var count wbPromotionCount
	if err := resp.JSON(&count); err != nil {
		return &marketplace.DataFormatError{Endpoint: marketplace.WBAdvert, Detail: "promotion count decode: " + err.Error(), Payload: resp.Raw}
	}

	var ids []int64
	for _, group := range count.Adverts {
		for _, a := range group.AdvertList {
			ids = append(ids, a.AdvertID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var campaignRows []loader.CampaignRow
	var bidRows []loader.BidRow
	observedAt := s.now().UTC()

	for start := 0; start < len(ids); start += wbCampaignDetailChunk {
		chunk := ids[start:min(start+wbCampaignDetailChunk, len(ids))]
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.WBAdvert,
			Method:   http.MethodPost,
			Path:     "/adv/v1/promotion/adverts",
			Body:     chunk,
		})
		if err != nil {
			return fmt.Errorf("wb campaigns: details: %w", err)
		}
		var details []wbAdvertDetail
		if err := resp.JSON(&details); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.WBAdvert, Detail: "advert details decode: " + err.Error(), Payload: resp.Raw}
		}

		for _, detail := range details {
			snap := wbCampaignSnapshot(detail)
			snap.Budget, err = s.wbCampaignBudget(ctx, shopID, creds, detail.AdvertID)
			if err != nil {
				s.logger.Warn("wb campaign budget fetch failed",
					zap.Int64("shop_id", shopID), zap.Int64("campaign_id", detail.AdvertID), zap.Error(err))
			}

			detected, err := s.detector.DetectCampaign(ctx, shopID, domain.MarketplaceWildberries, snap)
			if err != nil {
				return fmt.Errorf("wb campaigns: detect %d: %w", detail.AdvertID, err)
			}
			s.recorder.Publish(detected)

			campaignRows = append(campaignRows, loader.CampaignRow{
				ShopID:     shopID,
				CampaignID: detail.AdvertID,
				Kind:       snap.Kind,
				Status:     snap.Status,
				Name:       detail.Name,
				Bid:        snap.Bid,
				Budget:     snap.Budget,
			})
			for nm, bid := range snap.ItemBids {
				bidRows = append(bidRows, loader.BidRow{
					ShopID: shopID, CampaignID: detail.AdvertID, NmID: nm, Bid: bid, ObservedAt: observedAt,
				})
			}
			if snap.Bid > 0 {
				bidRows = append(bidRows, loader.BidRow{
					ShopID: shopID, CampaignID: detail.AdvertID, Bid: snap.Bid, ObservedAt: observedAt,
				})
			}
		}
	}

	if err := s.olap.WriteCampaigns(ctx, campaignRows); err != nil {
		return fmt.Errorf("wb campaigns: write snapshots: %w", err)
	}
	if err := s.olap.WriteBids(ctx, bidRows); err != nil {
		return fmt.Errorf("wb campaigns: write bids: %w", err)
	}
	return nil
}

// wbCampaignSnapshot normalizes the three advert parameter shapes
// (manual, auto, unified) into one snapshot.
func wbCampaignSnapshot(d wbAdvertDetail) events.CampaignSnapshot {
	snap := events.CampaignSnapshot{
		CampaignID: d.AdvertID,
		Kind:       wbCampaignKinds[d.Type],
		Status:     wbCampaignStatuses[d.Status],
		ItemBids:   map[int64]int64{},
	}
	if snap.Kind == "" {
		snap.Kind = "type_" + strconv.Itoa(d.Type)
	}
	if snap.Status == "" {
		snap.Status = "status_" + strconv.Itoa(d.Status)
	}
	for _, p := range d.Params {
		if p.Price > snap.Bid {
			snap.Bid = p.Price
		}
		for _, nm := range p.Nms {
			snap.Items = append(snap.Items, nm.Nm)
			snap.ItemBids[nm.Nm] = p.Price
		}
	}
	if d.AutoParams.CPM > 0 {
		snap.Bid = d.AutoParams.CPM
		snap.Items = append(snap.Items, d.AutoParams.Nms...)
	}
	for _, p := range d.UnitedParams {
		if p.CPM > snap.Bid {
			snap.Bid = p.CPM
		}
		snap.Items = append(snap.Items, p.Nms...)
	}
	return snap
}

func (s *Service) wbCampaignBudget(ctx context.Context, shopID int64, creds *domain.Credentials, campaignID int64) (float64, error) {
	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBAdvert,
		Method:   http.MethodGet,
		Path:     "/adv/v1/budget",
		Query:    url.Values{"id": {strconv.FormatInt(campaignID, 10)}},
	})
	if err != nil {
		return 0, err
	}
	var budget struct {
		Total float64 `json:"total"`
	}
	if err := resp.JSON(&budget); err != nil {
		return 0, err
	}
	return budget.Total, nil
}

// --- prices ---

type wbGoodsList struct {
	Data struct {
		ListGoods []struct {
			NmID     int64 `json:"nmID"`
			Discount int64 `json:"discount"`
			Sizes    []struct {
				Price           int64   `json:"price"`
				DiscountedPrice float64 `json:"discountedPrice"`
			} `json:"sizes"`
		} `json:"listGoods"`
	} `json:"data"`
}

// SyncWBPrices walks the goods price listing and diffs each product's
// discounted price.
func (s *Service) SyncWBPrices(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	var priceRows []loader.PriceRow
	for offset := 0; ; offset += wbPricePageSize {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.WBPrices,
			Method:   http.MethodGet,
			Path:     "/api/v2/list/goods/filter",
			Query: url.Values{
				"limit":  {strconv.Itoa(wbPricePageSize)},
				"offset": {strconv.Itoa(offset)},
			},
		})
		if err != nil {
			return fmt.Errorf("wb prices: list goods: %w", err)
		}
		var page wbGoodsList
		if err := resp.JSON(&page); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.WBPrices, Detail: "goods list decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(page.Data.ListGoods) == 0 {
			break
		}

		for _, g := range page.Data.ListGoods {
			if len(g.Sizes) == 0 {
				continue
			}
			price := int64(g.Sizes[0].DiscountedPrice)
			detected, err := s.detector.DetectPrice(ctx, shopID, g.NmID, price)
			if err != nil {
				return fmt.Errorf("wb prices: detect %d: %w", g.NmID, err)
			}
			s.recorder.Publish(detected)
			priceRows = append(priceRows, loader.PriceRow{
				ShopID:   shopID,
				NmID:     g.NmID,
				Price:    float64(price),
				Discount: float64(g.Discount),
			})
		}
		if len(page.Data.ListGoods) < wbPricePageSize {
			break
		}
	}
	return s.olap.WritePrices(ctx, priceRows)
}

// --- stocks & warehouses ---

type wbStockRow struct {
	NmID            int64  `json:"nmId"`
	WarehouseName   string `json:"warehouseName"`
	Quantity        int64  `json:"quantity"`
	InWayToClient   int64  `json:"inWayToClient"`
	InWayFromClient int64  `json:"inWayFromClient"`
}

// SyncWBWarehouses refreshes the seller warehouse dimension.
func (s *Service) SyncWBWarehouses(ctx context.Context, shopID int64) (map[string]int64, error) {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBMarketplace,
		Method:   http.MethodGet,
		Path:     "/api/v3/warehouses",
	})
	if err != nil {
		return nil, fmt.Errorf("wb warehouses: %w", err)
	}
	var list []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := resp.JSON(&list); err != nil {
		return nil, &marketplace.DataFormatError{Endpoint: marketplace.WBMarketplace, Detail: "warehouse list decode: " + err.Error(), Payload: resp.Raw}
	}

	byName := make(map[string]int64, len(list))
	rows := make([]store.WarehouseRow, 0, len(list))
	for _, w := range list {
		byName[w.Name] = w.ID
		rows = append(rows, store.WarehouseRow{ShopID: shopID, WarehouseID: w.ID, Name: w.Name, Kind: "seller"})
	}
	if err := s.oltp.UpsertWarehouses(ctx, rows); err != nil {
		return nil, err
	}
	return byName, nil
}

// SyncWBStocks pulls per-warehouse stock levels and diffs them.
// Marketplace-operated warehouses are reported by name only; unknown
// names map to warehouse id 0.
func (s *Service) SyncWBStocks(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	warehouses, err := s.SyncWBWarehouses(ctx, shopID)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBStatistics,
		Method:   http.MethodGet,
		Path:     "/api/v1/supplier/stocks",
		Query:    url.Values{"dateFrom": {s.now().UTC().AddDate(0, 0, -1).Format(dateLayout)}},
	})
	if err != nil {
		return fmt.Errorf("wb stocks: %w", err)
	}
	var stocks []wbStockRow
	if err := resp.JSON(&stocks); err != nil {
		return &marketplace.DataFormatError{Endpoint: marketplace.WBStatistics, Detail: "stocks decode: " + err.Error(), Payload: resp.Raw}
	}

	rows := make([]loader.StockRow, 0, len(stocks))
	for _, st := range stocks {
		warehouseID := warehouses[st.WarehouseName]
		detected, err := s.detector.DetectStock(ctx, shopID, st.NmID, warehouseID, st.Quantity)
		if err != nil {
			return fmt.Errorf("wb stocks: detect %d: %w", st.NmID, err)
		}
		s.recorder.Publish(detected)
		rows = append(rows, loader.StockRow{
			ShopID:             shopID,
			NmID:               st.NmID,
			WarehouseID:        warehouseID,
			Quantity:           st.Quantity,
			InWayToRecipient:   st.InWayToClient,
			InWayFromRecipient: st.InWayFromClient,
		})
	}
	return s.olap.WriteStocks(ctx, rows)
}

// --- orders ---

type wbOrderRow struct {
	SRID            string  `json:"srid"`
	Date            string  `json:"date"`
	NmID            int64   `json:"nmId"`
	SupplierArticle string  `json:"supplierArticle"`
	TotalPrice      float64 `json:"totalPrice"`
	DiscountPercent float64 `json:"discountPercent"`
	WarehouseName   string  `json:"warehouseName"`
	RegionName      string  `json:"regionName"`
	IsCancel        bool    `json:"isCancel"`
}

// SyncWBOrders pulls orders since the given horizon. The statistics
// feed returns everything changed after dateFrom in one shot.
func (s *Service) SyncWBOrders(ctx context.Context, shopID int64, since time.Time) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
		Endpoint: marketplace.WBStatistics,
		Method:   http.MethodGet,
		Path:     "/api/v1/supplier/orders",
		Query:    url.Values{"dateFrom": {since.UTC().Format(dateLayout)}},
	})
	if err != nil {
		return fmt.Errorf("wb orders: %w", err)
	}
	var orders []wbOrderRow
	if err := resp.JSON(&orders); err != nil {
		return &marketplace.DataFormatError{Endpoint: marketplace.WBStatistics, Detail: "orders decode: " + err.Error(), Payload: resp.Raw}
	}

	rows := make([]loader.OrderRow, 0, len(orders))
	for _, o := range orders {
		orderDate, err := parseWBTime(o.Date)
		if err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.WBStatistics, Detail: fmt.Sprintf("order %s: bad date %q", o.SRID, o.Date)}
		}
		rows = append(rows, loader.OrderRow{
			ShopID:     shopID,
			SRID:       o.SRID,
			OrderDate:  orderDate,
			NmID:       o.NmID,
			Article:    o.SupplierArticle,
			Quantity:   1,
			TotalPrice: o.TotalPrice,
			Discount:   o.DiscountPercent,
			Region:     o.RegionName,
			IsCancel:   o.IsCancel,
		})
	}
	return s.olap.WriteOrders(ctx, rows)
}

// parseWBTime accepts the two timestamp shapes the statistics API ships.
func parseWBTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339, dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// --- content ---

type wbCardList struct {
	Cards []struct {
		NmID        int64  `json:"nmID"`
		VendorCode  string `json:"vendorCode"`
		Brand       string `json:"brand"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Photos      []struct {
			Big string `json:"big"`
		} `json:"photos"`
	} `json:"cards"`
	Cursor struct {
		UpdatedAt string `json:"updatedAt"`
		NmID      int64  `json:"nmID"`
		Total     int    `json:"total"`
	} `json:"cursor"`
}

// SyncWBContent walks the product card listing with cursor paging,
// refreshes the product dimension and diffs content fingerprints.
func (s *Service) SyncWBContent(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	cursor := map[string]any{"limit": wbContentPageSize}
	updatedAt := s.now().UTC()

	for {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.WBContent,
			Method:   http.MethodPost,
			Path:     "/content/v2/get/cards/list",
			Body: map[string]any{
				"settings": map[string]any{
					"cursor": cursor,
					"filter": map[string]any{"withPhoto": -1},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("wb content: cards list: %w", err)
		}
		var page wbCardList
		if err := resp.JSON(&page); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.WBContent, Detail: "cards decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(page.Cards) == 0 {
			return nil
		}

		products := make([]store.ProductRow, 0, len(page.Cards))
		hashes := make([]store.ContentHashRow, 0, len(page.Cards))
		for _, card := range page.Cards {
			photos := make([]string, 0, len(card.Photos))
			for _, p := range card.Photos {
				photos = append(photos, p.Big)
			}
			snap := events.ContentSnapshot{
				NmID:        card.NmID,
				Title:       card.Title,
				Description: card.Description,
				Photos:      photos,
			}
			detected, err := s.detector.DetectContent(ctx, shopID, snap)
			if err != nil {
				return fmt.Errorf("wb content: detect %d: %w", card.NmID, err)
			}
			s.recorder.Publish(detected)

			products = append(products, store.ProductRow{
				ShopID:    shopID,
				NmID:      card.NmID,
				Article:   card.VendorCode,
				Title:     card.Title,
				Brand:     card.Brand,
				UpdatedAt: updatedAt,
			})
			hashes = append(hashes, store.ContentHashRow{
				ShopID:      shopID,
				NmID:        card.NmID,
				Fingerprint: snap.Fingerprint(),
				UpdatedAt:   updatedAt,
			})
		}
		if err := s.oltp.UpsertProducts(ctx, products); err != nil {
			return fmt.Errorf("wb content: upsert products: %w", err)
		}
		if err := s.oltp.UpsertContentHashes(ctx, hashes); err != nil {
			return fmt.Errorf("wb content: upsert hashes: %w", err)
		}

		if len(page.Cards) < wbContentPageSize {
			return nil
		}
		cursor = map[string]any{
			"limit":     wbContentPageSize,
			"updatedAt": page.Cursor.UpdatedAt,
			"nmID":      page.Cursor.NmID,
		}
	}
}
