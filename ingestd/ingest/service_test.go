package ingest

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
	"github.com/sellerpulse/sellerpulse/ingestd/store"
)

// fakeCaller serves canned JSON bodies keyed by endpoint+path. Each key
// holds a queue; the last body is sticky so repeated calls (budget
// lookups, re-runs) keep working. Unscripted calls fail the sync.
type fakeCaller struct {
	bodies   map[string][]string
	errs     map[string]error
	requests []marketplace.Request
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{bodies: map[string][]string{}, errs: map[string]error{}}
}

func callKey(endpoint marketplace.Endpoint, path string) string {
	return string(endpoint) + " " + path
}

func (c *fakeCaller) on(endpoint marketplace.Endpoint, path string, bodies ...string) {
	key := callKey(endpoint, path)
	c.bodies[key] = append(c.bodies[key], bodies...)
}

func (c *fakeCaller) fail(endpoint marketplace.Endpoint, path string, err error) {
	c.errs[callKey(endpoint, path)] = err
}

func (c *fakeCaller) Do(_ context.Context, _ int64, _ *domain.Credentials, req marketplace.Request) (*marketplace.Response, error) {
	c.requests = append(c.requests, req)
	key := callKey(req.Endpoint, req.Path)
	if err := c.errs[key]; err != nil {
		return nil, err
	}
	queue := c.bodies[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unscripted call to %s", key)
	}
	body := queue[0]
	if len(queue) > 1 {
		c.bodies[key] = queue[1:]
	}
	return &marketplace.Response{StatusCode: http.StatusOK, Header: http.Header{}, Raw: []byte(body)}, nil
}

type fakeCredSource struct{}

func (fakeCredSource) Get(context.Context, int64) (*domain.Credentials, error) {
	return &domain.Credentials{Token: "tok", OzonClientID: "555"}, nil
}

type fakeBearers struct{ err error }

func (f *fakeBearers) BearerHeader(context.Context, int64, *domain.Credentials) (http.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer perf-token")
	return h, nil
}

type fakeOLTP struct {
	products   []store.ProductRow
	warehouses []store.WarehouseRow
	hashes     []store.ContentHashRow
}

func (f *fakeOLTP) UpsertProducts(_ context.Context, rows []store.ProductRow) error {
	f.products = append(f.products, rows...)
	return nil
}

func (f *fakeOLTP) UpsertWarehouses(_ context.Context, rows []store.WarehouseRow) error {
	f.warehouses = append(f.warehouses, rows...)
	return nil
}

func (f *fakeOLTP) UpsertContentHashes(_ context.Context, rows []store.ContentHashRow) error {
	f.hashes = append(f.hashes, rows...)
	return nil
}

type fakeOLAP struct {
	orders    []loader.OrderRow
	funnel    []loader.FunnelRow
	finance   []loader.FinanceRow
	stocks    []loader.StockRow
	prices    []loader.PriceRow
	campaigns []loader.CampaignRow
	adStats   []loader.AdStatRow
	bids      []loader.BidRow
	returns   []loader.ReturnRow
	ratings   []loader.RatingRow
}

func (f *fakeOLAP) WriteOrders(_ context.Context, rows []loader.OrderRow) error {
	f.orders = append(f.orders, rows...)
	return nil
}

func (f *fakeOLAP) WriteFunnel(_ context.Context, rows []loader.FunnelRow) error {
	f.funnel = append(f.funnel, rows...)
	return nil
}

func (f *fakeOLAP) WriteFinance(_ context.Context, rows []loader.FinanceRow) error {
	f.finance = append(f.finance, rows...)
	return nil
}

func (f *fakeOLAP) WriteStocks(_ context.Context, rows []loader.StockRow) error {
	f.stocks = append(f.stocks, rows...)
	return nil
}

func (f *fakeOLAP) WritePrices(_ context.Context, rows []loader.PriceRow) error {
	f.prices = append(f.prices, rows...)
	return nil
}

func (f *fakeOLAP) WriteCampaigns(_ context.Context, rows []loader.CampaignRow) error {
	f.campaigns = append(f.campaigns, rows...)
	return nil
}

func (f *fakeOLAP) WriteAdStats(_ context.Context, rows []loader.AdStatRow) error {
	f.adStats = append(f.adStats, rows...)
	return nil
}

func (f *fakeOLAP) WriteBids(_ context.Context, rows []loader.BidRow) error {
	f.bids = append(f.bids, rows...)
	return nil
}

func (f *fakeOLAP) WriteReturns(_ context.Context, rows []loader.ReturnRow) error {
	f.returns = append(f.returns, rows...)
	return nil
}

func (f *fakeOLAP) WriteRatings(_ context.Context, rows []loader.RatingRow) error {
	f.ratings = append(f.ratings, rows...)
	return nil
}

type fakePublisher struct{ published []events.Event }

func (f *fakePublisher) Publish(evs []events.Event) {
	f.published = append(f.published, evs...)
}

func (f *fakePublisher) typesSeen() []events.Type {
	out := make([]events.Type, len(f.published))
	for i, ev := range f.published {
		out[i] = ev.Type
	}
	return out
}

type serviceFixture struct {
	svc    *Service
	caller *fakeCaller
	tokens *fakeBearers
	oltp   *fakeOLTP
	olap   *fakeOLAP
	pub    *fakePublisher
}

func testService(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	f := &serviceFixture{
		caller: newFakeCaller(),
		tokens: &fakeBearers{},
		oltp:   &fakeOLTP{},
		olap:   &fakeOLAP{},
		pub:    &fakePublisher{},
	}
	f.svc = New(f.caller, fakeCredSource{}, f.tokens, f.oltp, f.olap,
		events.NewDetector(st), f.pub, log.New(zapcore.ErrorLevel))
	f.svc.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}
	return f
}

func TestWindows(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	ws := windows(from, to, 3*24*time.Hour)
	require.Len(t, ws, 3)
	require.Equal(t, from, ws[0].From)
	require.Equal(t, to, ws[2].To)
	for i := 1; i < len(ws); i++ {
		require.Equal(t, ws[i-1].To, ws[i].From)
	}
	// The tail window is the remainder, not a full span.
	require.Equal(t, 24*time.Hour, ws[2].To.Sub(ws[2].From))

	// Degenerate range: nothing to pull.
	require.Empty(t, windows(from, from, 24*time.Hour))
}

func TestReverse(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ws := reverse(windows(from, from.AddDate(0, 0, 6), 2*24*time.Hour))
	require.Len(t, ws, 3)
	require.True(t, ws[0].From.After(ws[2].From))
	require.Equal(t, from, ws[2].From)
}

func TestParseSumString(t *testing.T) {
	require.Equal(t, 1234.56, parseSumString("1234.56"))
	require.Equal(t, 1234.56, parseSumString("1234,56"))
	require.Zero(t, parseSumString(""))
	require.Zero(t, parseSumString("free"))
}

func TestParseCountString(t *testing.T) {
	require.Equal(t, int64(42), parseCountString("42"))
	require.Zero(t, parseCountString(""))
	require.Zero(t, parseCountString("42.5"))
}
