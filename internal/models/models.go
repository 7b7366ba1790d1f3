package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Symbol identifies a tradable crypto asset
type Symbol string

const (
	BTC Symbol = "BTC"
	ETH Symbol = "ETH"
)

// Symbols is the closed set of tradable assets
var Symbols = []Symbol{BTC, ETH}

// Valid reports whether s is one of Symbols
func (s Symbol) Valid() bool {
	for _, sym := range Symbols {
		if s == sym {
			return true
		}
	}
	return false
}

// User represents a registered user and their USD balance
type User struct {
	ID           int             `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a user's holding of one symbol
type Asset struct {
	UserID       int             `json:"user_id"`
	Symbol       Symbol          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`        // total held
	LockedAmount decimal.Decimal `json:"locked_amount"` // reserved for open sell orders
}

// Available is the part of the holding not reserved by open sell orders
func (a Asset) Available() decimal.Decimal {
	return a.Amount.Sub(a.LockedAmount)
}

// Order represents a buy or sell limit order
type Order struct {
	ID        int             `json:"id"`
	UserID    int             `json:"user_id"`
	Symbol    Symbol          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`  // USD per unit
	Amount    decimal.Decimal `json:"amount"` // units of Symbol
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
}

func (o Order) IsOpen() bool { return o.Status == StatusOpen }
func (o Order) IsBuy() bool  { return o.Side == SideBuy }

// Trade represents an executed trade
type Trade struct {
	ID          int             `json:"id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	BuyerID     int             `json:"buyer_id"`
	SellerID    int             `json:"seller_id"`
	Symbol      Symbol          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Volume      decimal.Decimal `json:"volume"`
	MakerFee    decimal.Decimal `json:"maker_fee"`
	TakerFee    decimal.Decimal `json:"taker_fee"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
