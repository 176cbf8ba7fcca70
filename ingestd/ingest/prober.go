package ingest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
)

// probeShopID attributes probe traffic in call logs and limiter
// windows. Probes run with candidate credentials, before any shop row
// is guaranteed to exist.
const probeShopID = 0

// wbProbes are the cheap no-op endpoints per WB sub-API. The first is
// authoritative: if it rejects the token, the credentials are bad.
var wbProbes = []struct {
	Name     string
	Endpoint marketplace.Endpoint
	Path     string
}{
	{"common", marketplace.WBCommon, "/api/v1/seller-info"},
	{"content", marketplace.WBContent, "/ping"},
	{"statistics", marketplace.WBStatistics, "/ping"},
	{"advert", marketplace.WBAdvert, "/ping"},
	{"prices", marketplace.WBPrices, "/ping"},
	{"analytics", marketplace.WBAnalytics, "/ping"},
}

// Probe validates candidate credentials against the marketplace's
// no-op endpoints. The primary sub-API failing is an error; secondary
// sub-APIs failing only produce warnings (sellers often scope tokens
// to a subset of APIs).
func (s *Service) Probe(ctx context.Context, mp domain.Marketplace, creds *domain.Credentials) ([]string, error) {
	switch mp {
	case domain.MarketplaceWildberries:
		return s.probeWB(ctx, creds)
	case domain.MarketplaceOzon:
		return s.probeOzon(ctx, creds)
	default:
		return nil, fmt.Errorf("ingest: unknown marketplace %q", mp)
	}
}

func (s *Service) probeWB(ctx context.Context, creds *domain.Credentials) ([]string, error) {
	var warnings []string
	for i, probe := range wbProbes {
		_, err := s.client.Do(ctx, probeShopID, creds, marketplace.Request{
			Endpoint: probe.Endpoint,
			Method:   http.MethodGet,
			Path:     probe.Path,
			NoProxy:  true,
		})
		if err == nil {
			continue
		}
		if i == 0 {
			return warnings, fmt.Errorf("token rejected by %s API: %w", probe.Name, err)
		}
		warnings = append(warnings, fmt.Sprintf("%s API unreachable with this token: %v", probe.Name, err))
	}
	return warnings, nil
}

func (s *Service) probeOzon(ctx context.Context, creds *domain.Credentials) ([]string, error) {
	var warnings []string

	_, err := s.client.Do(ctx, probeShopID, creds, marketplace.Request{
		Endpoint: marketplace.OzonSeller,
		Method:   http.MethodPost,
		Path:     "/v3/product/list",
		Body:     map[string]any{"filter": map[string]any{"visibility": "ALL"}, "limit": 1},
		NoProxy:  true,
	})
	if err != nil {
		return warnings, fmt.Errorf("seller API rejected the key: %w", err)
	}

	if creds.PerfClientID != "" && creds.PerfClientSecret != "" {
		if _, err := s.tokens.BearerHeader(ctx, probeShopID, creds); err != nil {
			warnings = append(warnings, fmt.Sprintf("performance API credentials rejected: %v", err))
		}
	} else {
		warnings = append(warnings, "no performance API credentials, advertising data disabled")
	}
	return warnings, nil
}
