package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
)

func testHubServer(t *testing.T) (*EventsHub, *httptest.Server) {
	t.Helper()
	a := &API{
		hub:    NewEventsHub(log.New(zapcore.ErrorLevel)),
		logger: log.New(zapcore.ErrorLevel),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(http.HandlerFunc(a.handleWS))
	t.Cleanup(srv.Close)
	return a.hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *EventsHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWSDeliversEvents(t *testing.T) {
	hub, srv := testHubServer(t)
	conn := dialWS(t, srv, "")
	waitForClients(t, hub, 1)

	hub.BroadcastEvents([]events.Event{{
		ShopID:   1,
		Type:     events.PriceChange,
		OldValue: "4990",
		NewValue: "4490",
	}})

	ev := readEvent(t, conn)
	require.Equal(t, events.PriceChange, ev.Type)
	require.Equal(t, int64(1), ev.ShopID)
	require.Equal(t, "4490", ev.NewValue)
}

func TestWSShopFilter(t *testing.T) {
	hub, srv := testHubServer(t)
	filtered := dialWS(t, srv, "?shop_id=2")
	all := dialWS(t, srv, "")
	waitForClients(t, hub, 2)

	hub.BroadcastEvents([]events.Event{{ShopID: 1, Type: events.StockOut}})
	hub.BroadcastEvents([]events.Event{{ShopID: 2, Type: events.BidChange}})

	// The unfiltered subscriber sees both, in order.
	require.Equal(t, events.StockOut, readEvent(t, all).Type)
	require.Equal(t, events.BidChange, readEvent(t, all).Type)

	// The filtered subscriber only ever sees its shop.
	ev := readEvent(t, filtered)
	require.Equal(t, events.BidChange, ev.Type)
	require.Equal(t, int64(2), ev.ShopID)
}

func TestWSInvalidShopID(t *testing.T) {
	_, srv := testHubServer(t)

	resp, err := http.Get(srv.URL + "?shop_id=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSDisconnectUnregisters(t *testing.T) {
	hub, srv := testHubServer(t)
	conn := dialWS(t, srv, "")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
