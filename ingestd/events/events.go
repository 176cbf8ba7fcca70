// Package events detects semantic change events by diffing successive
// marketplace snapshots against Redis state.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
)

// Type is the closed set of event kinds.
type Type string

const (
	BidChange                Type = "BID_CHANGE"
	StatusChange             Type = "STATUS_CHANGE"
	BudgetChange             Type = "BUDGET_CHANGE"
	ItemAdd                  Type = "ITEM_ADD"
	ItemRemove               Type = "ITEM_REMOVE"
	ItemInactive             Type = "ITEM_INACTIVE"
	PriceChange              Type = "PRICE_CHANGE"
	StockOut                 Type = "STOCK_OUT"
	StockReplenish           Type = "STOCK_REPLENISH"
	ContentTitleChanged      Type = "CONTENT_TITLE_CHANGED"
	ContentDescChanged       Type = "CONTENT_DESC_CHANGED"
	ContentMainPhotoChanged  Type = "CONTENT_MAIN_PHOTO_CHANGED"
	ContentPhotoOrderChanged Type = "CONTENT_PHOTO_ORDER_CHANGED"
)

// Event is one immutable audit-log record. Events are appended and
// never updated or deleted.
type Event struct {
	CreatedAt  time.Time         `json:"created_at"`
	ShopID     int64             `json:"shop_id"`
	CampaignID *int64            `json:"campaign_id,omitempty"`
	ProductID  *int64            `json:"product_id,omitempty"`
	Type       Type              `json:"event_type"`
	OldValue   string            `json:"old_value"`
	NewValue   string            `json:"new_value"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Writer appends event records to the OLTP audit log.
type Writer interface {
	AppendEvents(ctx context.Context, events []Event) error
}

// Broadcaster pushes events to live observers (the websocket hub).
type Broadcaster interface {
	BroadcastEvents(events []Event)
}

// Recorder consumes detected events from a channel and persists them.
// Detection must not block on persistence, so the channel is buffered
// and overflow is dropped with a warning rather than stalling a sync.
type Recorder struct {
	ch     chan []Event
	writer Writer
	hub    Broadcaster
	logger *log.Logger
}

// NewRecorder builds a recorder; hub may be nil.
func NewRecorder(writer Writer, hub Broadcaster, logger *log.Logger) *Recorder {
	return &Recorder{
		ch:     make(chan []Event, 256),
		writer: writer,
		hub:    hub,
		logger: logger.Named("events"),
	}
}

// Publish enqueues events for persistence.
func (r *Recorder) Publish(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		observability.EventsDetected.WithLabelValues(string(ev.Type)).Inc()
	}
	select {
	case r.ch <- events:
	default:
		r.logger.Warn("event channel full, dropping batch", zap.Int("count", len(events)))
	}
}

// Run drains the channel until ctx ends.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-r.ch:
			if err := r.writer.AppendEvents(ctx, batch); err != nil {
				r.logger.Error("failed to append events", zap.Int("count", len(batch)), zap.Error(err))
			}
			if r.hub != nil {
				r.hub.BroadcastEvents(batch)
			}
		}
	}
}
