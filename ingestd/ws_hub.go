package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
)

const (
	maxWSConnections = 200
	wsWriteDeadline  = 5 * time.Second
)

// EventsHub fans detected events out to websocket subscribers. A
// subscription carries a shop filter (0 subscribes to every shop).
// One broadcaster goroutine owns all writes.
type EventsHub struct {
	clients    map[*websocket.Conn]int64
	register   chan wsRegistration
	unregister chan *websocket.Conn
	incoming   chan []events.Event
	mu         sync.RWMutex
	logger     *log.Logger
}

type wsRegistration struct {
	conn   *websocket.Conn
	shopID int64
}

// NewEventsHub creates the hub.
func NewEventsHub(logger *log.Logger) *EventsHub {
	return &EventsHub{
		clients:    make(map[*websocket.Conn]int64),
		register:   make(chan wsRegistration),
		unregister: make(chan *websocket.Conn),
		incoming:   make(chan []events.Event, 64),
		logger:     logger.Named("ws_hub"),
	}
}

// BroadcastEvents queues a batch for delivery. Implements the event
// recorder's broadcaster; never blocks detection.
func (h *EventsHub) BroadcastEvents(batch []events.Event) {
	select {
	case h.incoming <- batch:
	default:
		h.logger.Warn("ws broadcast queue full, dropping batch", zap.Int("count", len(batch)))
	}
}

// Run starts the hub loop.
func (h *EventsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.logger.Warn("ws connection rejected, at capacity", zap.Int("max", maxWSConnections))
				continue
			}
			h.clients[reg.conn] = reg.shopID
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client registered", zap.Int64("shop_id", reg.shopID), zap.Int("total", total))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case batch := <-h.incoming:
			h.deliver(batch)
		}
	}
}

// deliver writes each event to subscribers whose filter matches.
func (h *EventsHub) deliver(batch []events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, filter := range h.clients {
		for _, ev := range batch {
			if filter != 0 && filter != ev.ShopID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("ws write failed, dropping client", zap.Error(err))
				go h.Unregister(conn)
				break
			}
		}
	}
}

func (h *EventsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]int64)
}

// Register adds a subscriber.
func (h *EventsHub) Register(conn *websocket.Conn, shopID int64) {
	h.register <- wsRegistration{conn: conn, shopID: shopID}
}

// Unregister drops a subscriber.
func (h *EventsHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected subscribers.
func (h *EventsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
