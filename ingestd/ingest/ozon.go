package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
	"github.com/sellerpulse/sellerpulse/ingestd/store"
)

const (
	ozonPageSize        = 1000
	ozonProductChunk    = 100
	ozonOrdersDays      = 365
	ozonFinanceMonths   = 12
	ozonFunnelDays      = 365
	ozonFunnelChunkDays = 90
	ozonReturnsDays     = 180
)

// ozonTimeLayout is the timestamp shape the seller API accepts.
const ozonTimeLayout = "2006-01-02T15:04:05Z"

// --- products ---

type ozonProductList struct {
	Result struct {
		Items []struct {
			ProductID int64  `json:"product_id"`
			OfferID   string `json:"offer_id"`
		} `json:"items"`
		LastID string `json:"last_id"`
		Total  int    `json:"total"`
	} `json:"result"`
}

// OzonProductIDs walks the product listing and returns all product ids
// with their offer codes.
func (s *Service) OzonProductIDs(ctx context.Context, shopID int64, creds *domain.Credentials) (map[int64]string, error) {
	out := map[int64]string{}
	lastID := ""
	for {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v3/product/list",
			Body: map[string]any{
				"filter":  map[string]any{"visibility": "ALL"},
				"last_id": lastID,
				"limit":   ozonPageSize,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("ozon products: list: %w", err)
		}
		var page ozonProductList
		if err := resp.JSON(&page); err != nil {
			return nil, &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "product list decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(page.Result.Items) == 0 {
			return out, nil
		}
		for _, item := range page.Result.Items {
			out[item.ProductID] = item.OfferID
		}
		if page.Result.LastID == "" || len(page.Result.Items) < ozonPageSize {
			return out, nil
		}
		lastID = page.Result.LastID
	}
}

type ozonProductInfo struct {
	Items []ozonProductItem `json:"items"`
}

type ozonProductItem struct {
	ID           int64    `json:"id"`
	OfferID      string   `json:"offer_id"`
	Name         string   `json:"name"`
	Barcodes     []string `json:"barcodes"`
	Images       []string `json:"images"`
	PrimaryImage []string `json:"primary_image"`
	Description  string   `json:"description"`
}

// forEachOzonProduct fetches product info in chunks and hands each page
// to fn.
func (s *Service) forEachOzonProduct(ctx context.Context, shopID int64, creds *domain.Credentials, fn func(items []ozonProductItem) error) error {
	ids, err := s.OzonProductIDs(ctx, shopID, creds)
	if err != nil {
		return err
	}
	idList := make([]int64, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}

	for start := 0; start < len(idList); start += ozonProductChunk {
		chunk := idList[start:min(start+ozonProductChunk, len(idList))]
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v3/product/info/list",
			Body:     map[string]any{"product_id": chunk},
		})
		if err != nil {
			return fmt.Errorf("ozon products: info: %w", err)
		}
		var info ozonProductInfo
		if err := resp.JSON(&info); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "product info decode: " + err.Error(), Payload: resp.Raw}
		}
		if err := fn(info.Items); err != nil {
			return err
		}
	}
	return nil
}

// SyncOzonProducts refreshes the product dimension from the product
// info endpoint.
func (s *Service) SyncOzonProducts(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	updatedAt := s.now().UTC()

	return s.forEachOzonProduct(ctx, shopID, creds, func(items []ozonProductItem) error {
		products := make([]store.ProductRow, 0, len(items))
		for _, item := range items {
			barcode := ""
			if len(item.Barcodes) > 0 {
				barcode = item.Barcodes[0]
			}
			products = append(products, store.ProductRow{
				ShopID:    shopID,
				NmID:      item.ID,
				Article:   item.OfferID,
				Title:     item.Name,
				Barcode:   barcode,
				UpdatedAt: updatedAt,
			})
		}
		if err := s.oltp.UpsertProducts(ctx, products); err != nil {
			return fmt.Errorf("ozon products: upsert: %w", err)
		}
		return nil
	})
}

// SyncOzonContentHashes diffs product content fingerprints and
// refreshes the content hash dimension.
func (s *Service) SyncOzonContentHashes(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	updatedAt := s.now().UTC()

	return s.forEachOzonProduct(ctx, shopID, creds, func(items []ozonProductItem) error {
		hashes := make([]store.ContentHashRow, 0, len(items))
		for _, item := range items {
			photos := item.Images
			if len(item.PrimaryImage) > 0 {
				photos = append(append([]string(nil), item.PrimaryImage...), item.Images...)
			}
			snap := events.ContentSnapshot{
				NmID:        item.ID,
				Title:       item.Name,
				Description: item.Description,
				Photos:      photos,
			}
			detected, err := s.detector.DetectContent(ctx, shopID, snap)
			if err != nil {
				return fmt.Errorf("ozon content: detect %d: %w", item.ID, err)
			}
			s.recorder.Publish(detected)
			hashes = append(hashes, store.ContentHashRow{
				ShopID:      shopID,
				NmID:        item.ID,
				Fingerprint: snap.Fingerprint(),
				UpdatedAt:   updatedAt,
			})
		}
		if err := s.oltp.UpsertContentHashes(ctx, hashes); err != nil {
			return fmt.Errorf("ozon content: upsert hashes: %w", err)
		}
		return nil
	})
}

// BackfillOzonProductList seeds the product dimension with ids and
// offer codes before the heavier snapshot step runs.
func (s *Service) BackfillOzonProductList(ctx context.Context, shopID int64, report func(string)) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}
	ids, err := s.OzonProductIDs(ctx, shopID, creds)
	if err != nil {
		return err
	}
	report(fmt.Sprintf("%d products", len(ids)))

	updatedAt := s.now().UTC()
	rows := make([]store.ProductRow, 0, len(ids))
	for id, offer := range ids {
		rows = append(rows, store.ProductRow{ShopID: shopID, NmID: id, Article: offer, UpdatedAt: updatedAt})
	}
	return s.oltp.UpsertProducts(ctx, rows)
}

// --- orders ---

type ozonPostingList struct {
	Result []struct {
		PostingNumber string `json:"posting_number"`
		Status        string `json:"status"`
		CreatedAt     string `json:"created_at"`
		AnalyticsData struct {
			Region      string `json:"region"`
			WarehouseID int64  `json:"warehouse_id"`
		} `json:"analytics_data"`
		Products []struct {
			SKU      int64  `json:"sku"`
			OfferID  string `json:"offer_id"`
			Quantity int32  `json:"quantity"`
			Price    string `json:"price"`
		} `json:"products"`
	} `json:"result"`
}

// SyncOzonOrders pulls FBO postings inside [since, now].
func (s *Service) SyncOzonOrders(ctx context.Context, shopID int64, since time.Time) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	for offset := 0; ; offset += ozonPageSize {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v2/posting/fbo/list",
			Body: map[string]any{
				"filter": map[string]any{
					"since": since.UTC().Format(ozonTimeLayout),
					"to":    s.now().UTC().Format(ozonTimeLayout),
				},
				"limit":  ozonPageSize,
				"offset": offset,
				"with":   map[string]any{"analytics_data": true},
			},
		})
		if err != nil {
			return fmt.Errorf("ozon orders: %w", err)
		}
		var page ozonPostingList
		if err := resp.JSON(&page); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "postings decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(page.Result) == 0 {
			return nil
		}

		var rows []loader.OrderRow
		for _, posting := range page.Result {
			created, err := time.Parse(time.RFC3339, posting.CreatedAt)
			if err != nil {
				created = s.now().UTC()
			}
			for _, product := range posting.Products {
				rows = append(rows, loader.OrderRow{
					ShopID:      shopID,
					SRID:        fmt.Sprintf("%s/%d", posting.PostingNumber, product.SKU),
					OrderDate:   created,
					NmID:        product.SKU,
					Article:     product.OfferID,
					Quantity:    product.Quantity,
					TotalPrice:  parseSumString(product.Price) * float64(product.Quantity),
					WarehouseID: posting.AnalyticsData.WarehouseID,
					Region:      posting.AnalyticsData.Region,
					IsCancel:    posting.Status == "cancelled",
				})
			}
		}
		if err := s.olap.WriteOrders(ctx, rows); err != nil {
			return err
		}
		if len(page.Result) < ozonPageSize {
			return nil
		}
	}
}

// --- stocks ---

type ozonStockReport struct {
	Result struct {
		Rows []struct {
			SKU           int64  `json:"sku"`
			WarehouseName string `json:"warehouse_name"`
			FreeToSell    int64  `json:"free_to_sell_amount"`
			Promised      int64  `json:"promised_amount"`
			Reserved      int64  `json:"reserved_amount"`
		} `json:"rows"`
	} `json:"result"`
}

// SyncOzonStocks pulls warehouse stock levels and diffs them. Ozon
// reports marketplace warehouses by name; the dimension row carries a
// synthetic id derived at the loader boundary (0 for unknown).
func (s *Service) SyncOzonStocks(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	warehouseIDs := map[string]int64{}
	var warehouseRows []store.WarehouseRow
	var stockRows []loader.StockRow

	for offset := 0; ; offset += ozonPageSize {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v2/analytics/stock_on_warehouses",
			Body:     map[string]any{"limit": ozonPageSize, "offset": offset, "warehouse_type": "ALL"},
		})
		if err != nil {
			return fmt.Errorf("ozon stocks: %w", err)
		}
		var page ozonStockReport
		if err := resp.JSON(&page); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "stocks decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(page.Result.Rows) == 0 {
			break
		}

		for _, row := range page.Result.Rows {
			warehouseID, ok := warehouseIDs[row.WarehouseName]
			if !ok {
				warehouseID = int64(len(warehouseIDs) + 1)
				warehouseIDs[row.WarehouseName] = warehouseID
				warehouseRows = append(warehouseRows, store.WarehouseRow{
					ShopID: shopID, WarehouseID: warehouseID, Name: row.WarehouseName, Kind: "marketplace",
				})
			}
			detected, err := s.detector.DetectStock(ctx, shopID, row.SKU, warehouseID, row.FreeToSell)
			if err != nil {
				return fmt.Errorf("ozon stocks: detect %d: %w", row.SKU, err)
			}
			s.recorder.Publish(detected)
			stockRows = append(stockRows, loader.StockRow{
				ShopID:           shopID,
				NmID:             row.SKU,
				WarehouseID:      warehouseID,
				Quantity:         row.FreeToSell,
				InWayToRecipient: row.Promised,
			})
		}
		if len(page.Result.Rows) < ozonPageSize {
			break
		}
	}

	if err := s.oltp.UpsertWarehouses(ctx, warehouseRows); err != nil {
		return err
	}
	return s.olap.WriteStocks(ctx, stockRows)
}

// --- prices ---

type ozonPriceList struct {
	Items []struct {
		ProductID int64 `json:"product_id"`
		Price     struct {
			Price    string `json:"price"`
			OldPrice string `json:"old_price"`
		} `json:"price"`
	} `json:"items"`
	Cursor string `json:"cursor"`
}

// SyncOzonPrices walks the price listing and diffs each product.
func (s *Service) SyncOzonPrices(ctx context.Context, shopID int64) error {
	creds, err := s.creds.Get(ctx, shopID)
	if err != nil {
		return err
	}

	var priceRows []loader.PriceRow
	cursor := ""
	for {
		resp, err := s.client.Do(ctx, shopID, creds, marketplace.Request{
			Endpoint: marketplace.OzonSeller,
			Method:   http.MethodPost,
			Path:     "/v5/product/info/prices",
			Body: map[string]any{
				"filter": map[string]any{"visibility": "ALL"},
				"cursor": cursor,
				"limit":  ozonPageSize,
			},
		})
		if err != nil {
			return fmt.Errorf("ozon prices: %w", err)
		}
		var page ozonPriceList
		if err := resp.JSON(&page); err != nil {
			return &marketplace.DataFormatError{Endpoint: marketplace.OzonSeller, Detail: "prices decode: " + err.Error(), Payload: resp.Raw}
		}
		if len(page.Items) == 0 {
			break
		}

		for _, item := range page.Items {
			price := parseSumString(item.Price.Price)
			oldPrice := parseSumString(item.Price.OldPrice)
			detected, err := s.detector.DetectPrice(ctx, shopID, item.ProductID, int64(price))
			if err != nil {
				return fmt.Errorf("ozon prices: detect %d: %w", item.ProductID, err)
			}
			s.recorder.Publish(detected)

			discount := 0.0
			if oldPrice > price && oldPrice > 0 {
				discount = (oldPrice - price) / oldPrice * 100
			}
			priceRows = append(priceRows, loader.PriceRow{
				ShopID: shopID, NmID: item.ProductID, Price: price, Discount: discount,
			})
		}
		if page.Cursor == "" || len(page.Items) < ozonPageSize {
			break
		}
		cursor = page.Cursor
	}
	return s.olap.WritePrices(ctx, priceRows)
}
