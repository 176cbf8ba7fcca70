package marketplace

import (
	"net/http"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/ratelimit"
)

// Endpoint is the closed set of marketplace API surfaces. Each carries
// its own base URL, auth shape and limiter scope.
type Endpoint string

const (
	WBContent       Endpoint = "wb-content"
	WBStatistics    Endpoint = "wb-statistics"
	WBMarketplace   Endpoint = "wb-marketplace"
	WBAdvert        Endpoint = "wb-advert"
	WBPrices        Endpoint = "wb-prices"
	WBAnalytics     Endpoint = "wb-analytics"
	WBCommon        Endpoint = "wb-common"
	OzonSeller      Endpoint = "ozon-seller"
	OzonPerformance Endpoint = "ozon-performance"
)

var baseURLs = map[Endpoint]string{
	WBContent:       "https://content-api.wildberries.ru",
	WBStatistics:    "https://statistics-api.wildberries.ru",
	WBMarketplace:   "https://marketplace-api.wildberries.ru",
	WBAdvert:        "https://advert-api.wildberries.ru",
	WBPrices:        "https://discounts-prices-api.wildberries.ru",
	WBAnalytics:     "https://seller-analytics-api.wildberries.ru",
	WBCommon:        "https://common-api.wildberries.ru",
	OzonSeller:      "https://api-seller.ozon.ru",
	OzonPerformance: "https://api-performance.ozon.ru",
}

var scopes = map[Endpoint]ratelimit.Scope{
	WBContent:       ratelimit.ScopeWBContent,
	WBStatistics:    ratelimit.ScopeWBStatistics,
	WBMarketplace:   ratelimit.ScopeWBMarketplace,
	WBAdvert:        ratelimit.ScopeWBAdvert,
	WBPrices:        ratelimit.ScopeWBPrices,
	WBAnalytics:     ratelimit.ScopeWBAnalytics,
	WBCommon:        ratelimit.ScopeWBCommon,
	OzonSeller:      ratelimit.ScopeOzonSeller,
	OzonPerformance: ratelimit.ScopeOzonPerformance,
}

// BaseURL returns the endpoint's base URL.
func (e Endpoint) BaseURL() string {
	return baseURLs[e]
}

// Scope returns the limiter scope for the endpoint.
func (e Endpoint) Scope() ratelimit.Scope {
	return scopes[e]
}

// Marketplace returns the marketplace kind the endpoint belongs to.
func (e Endpoint) Marketplace() domain.Marketplace {
	switch e {
	case OzonSeller, OzonPerformance:
		return domain.MarketplaceOzon
	default:
		return domain.MarketplaceWildberries
	}
}

// Valid reports whether e is a known endpoint kind.
func (e Endpoint) Valid() bool {
	_, ok := baseURLs[e]
	return ok
}

// applyAuth sets the endpoint's auth headers from the shop credentials.
// Headers already present (per-call overrides, e.g. the Ozon
// Performance bearer) are left untouched.
func (e Endpoint) applyAuth(h http.Header, creds *domain.Credentials) {
	switch e {
	case OzonSeller:
		if h.Get("Api-Key") == "" {
			h.Set("Api-Key", creds.Token)
			h.Set("Client-Id", creds.OzonClientID)
		}
	case OzonPerformance:
		// Bearer token is supplied by the caller via the headers
		// override; nothing to add here.
	default:
		if h.Get("Authorization") == "" {
			h.Set("Authorization", creds.Token)
		}
	}
}
