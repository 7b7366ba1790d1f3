// Package ledger defines the storage port used by the reservation and
// matching services.
//
// All mutations happen inside Store.InTx. Reads made through Tx lock the
// returned rows for the rest of the transaction and always reflect the
// latest committed state, so callers must not reuse copies loaded
// before the lock was taken. Locks on several rows of the same kind are
// acquired in ascending user id order.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/custody/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken
	ErrConflict = errors.New("already exists")
	// ErrContended is returned by FindMaker when a crossing counter-order
	// exists but another transaction holds its lock
	ErrContended = errors.New("counter order locked by another transaction")
)

// Tx is one atomic unit of work. Any error returned from the InTx callback
// rolls back every mutation made through the Tx.
type Tx interface {
	// LockUsers locks the given users in ascending id order.
	// Missing users yield ErrNotFound.
	LockUsers(ctx context.Context, ids ...int) (map[int]*models.User, error)
	SetBalance(ctx context.Context, userID int, balance decimal.Decimal) error

	// LockAsset locks one holding; ErrNotFound if the user has never held symbol.
	LockAsset(ctx context.Context, userID int, symbol models.Symbol) (*models.Asset, error)
	// EnsureAsset creates an empty holding if none exists.
	EnsureAsset(ctx context.Context, userID int, symbol models.Symbol) error
	// LockAssets locks the holdings of symbol for the given users in ascending id order.
	LockAssets(ctx context.Context, symbol models.Symbol, userIDs ...int) (map[int]*models.Asset, error)
	UpdateAsset(ctx context.Context, asset *models.Asset) error

	LockOrder(ctx context.Context, id int) (*models.Order, error)
	// FindMaker locks and returns the best resting counter-order for taker,
	// or nil when there is none. Stores that skip locked rows return
	// ErrContended when the only crossing orders are held elsewhere.
	FindMaker(ctx context.Context, taker *models.Order) (*models.Order, error)
	InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id int, status models.OrderStatus) error

	InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// Store is the transactional side of the ledger
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, id int) (*models.Order, error)
	// OpenOrders returns every open order, oldest first.
	OpenOrders(ctx context.Context) ([]models.Order, error)
}

// Accounts covers user-facing reads and funding
type Accounts interface {
	CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int) (*models.User, error)
	GetUserAssets(ctx context.Context, userID int) ([]models.Asset, error)
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
	// GetOrderBook returns open orders for symbol: buys best (highest) price
	// first, sells best (lowest) price first, each FIFO within a price.
	GetOrderBook(ctx context.Context, symbol models.Symbol) (buys, sells []models.Order, err error)
	Deposit(ctx context.Context, userID int, amount decimal.Decimal) error
	CreditAsset(ctx context.Context, userID int, symbol models.Symbol, amount decimal.Decimal) error
}

// Ledger is a complete storage backend
type Ledger interface {
	Store
	Accounts
}

// Better reports whether resting order a has priority over b as a maker:
// buys by price descending, sells by price ascending, then oldest first.
func Better(a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		if a.Side == models.SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Crosses reports whether maker can fill taker: same symbol and amount,
// opposite side, different owner, and a price no worse than taker's limit.
func Crosses(taker, maker *models.Order) bool {
	if maker.Symbol != taker.Symbol || maker.Side != taker.Side.Opposite() {
		return false
	}
	if maker.UserID == taker.UserID || !maker.Amount.Equal(taker.Amount) {
		return false
	}
	if taker.IsBuy() {
		return maker.Price.LessThanOrEqual(taker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}
