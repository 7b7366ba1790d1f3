// Package events carries domain events from the reservation and matching
// services to downstream broadcasters. Emitters never wait for delivery.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/xtrntr/custody/internal/models"
)

// Kind names an event shape
type Kind string

const (
	OrderOpened    Kind = "order.opened"
	OrderCancelled Kind = "order.cancelled"
	TradeExecuted  Kind = "trade.executed"
)

// Event is a snapshot of the entity a committed operation produced
type Event struct {
	Kind       Kind          `json:"kind"`
	Order      *models.Order `json:"order,omitempty"`
	Trade      *models.Trade `json:"trade,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func NewOrderOpened(o models.Order) Event {
	return Event{Kind: OrderOpened, Order: &o, OccurredAt: time.Now().UTC()}
}

func NewOrderCancelled(o models.Order) Event {
	return Event{Kind: OrderCancelled, Order: &o, OccurredAt: time.Now().UTC()}
}

func NewTradeExecuted(t models.Trade) Event {
	return Event{Kind: TradeExecuted, Trade: &t, OccurredAt: time.Now().UTC()}
}

// Symbol is the market the event belongs to
func (e Event) Symbol() models.Symbol {
	if e.Trade != nil {
		return e.Trade.Symbol
	}
	if e.Order != nil {
		return e.Order.Symbol
	}
	return ""
}

// Channels lists the broadcast channels interested in e: the public
// order book of its symbol and the private channel of every party.
func (e Event) Channels() []string {
	channels := []string{BookChannel(e.Symbol())}
	switch {
	case e.Trade != nil:
		channels = append(channels, UserChannel(e.Trade.BuyerID), UserChannel(e.Trade.SellerID))
	case e.Order != nil:
		channels = append(channels, UserChannel(e.Order.UserID))
	}
	return channels
}

func BookChannel(symbol models.Symbol) string { return "orderbook." + string(symbol) }
func UserChannel(userID int) string          { return fmt.Sprintf("user.%d", userID) }

// Notifier receives events after the producing transaction has committed.
// Implementations must not block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Publisher delivers an event to one downstream transport
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
