package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/custody/internal/models"
)

type assetKey struct {
	userID int
	symbol models.Symbol
}

type memState struct {
	users  map[int]models.User
	assets map[assetKey]models.Asset
	orders map[int]models.Order
	trades []models.Trade

	nextUser, nextOrder, nextTrade int
}

func (st *memState) clone() *memState {
	c := &memState{
		users:     make(map[int]models.User, len(st.users)),
		assets:    make(map[assetKey]models.Asset, len(st.assets)),
		orders:    make(map[int]models.Order, len(st.orders)),
		trades:    append([]models.Trade(nil), st.trades...),
		nextUser:  st.nextUser,
		nextOrder: st.nextOrder,
		nextTrade: st.nextTrade,
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.assets {
		c.assets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	return c
}

// MemoryStore is an in-process Ledger. Transactions are fully serialized:
// InTx holds the store lock for the whole callback and works on a private
// copy that replaces the committed state only when the callback succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

var _ Ledger = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:  map[int]models.User{},
			assets: map[assetKey]models.Asset{},
			orders: map[int]models.Order{},
		},
		now: time.Now,
	}
}

// InTx runs fn atomically
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work, now: s.now}); err != nil {
		return err
	}
	// a cancelled caller must not observe a commit it gave up on
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) read(fn func(st *memState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// GetOrder retrieves an order by id
func (s *MemoryStore) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	var (
		order models.Order
		ok    bool
	)
	s.read(func(st *memState) { order, ok = st.orders[id] })
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &order, nil
}

// OpenOrders retrieves all open orders, oldest first
func (s *MemoryStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	s.read(func(st *memState) {
		for _, o := range st.orders {
			if o.IsOpen() {
				orders = append(orders, o)
			}
		}
	})
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders, nil
}

// CreateUser inserts a new user
func (s *MemoryStore) CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	var user models.User
	err := s.InTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).st
		for _, u := range st.users {
			if u.Username == username {
				return fmt.Errorf("user %q: %w", username, ErrConflict)
			}
		}
		st.nextUser++
		user = models.User{
			ID:           st.nextUser,
			Username:     username,
			PasswordHash: passwordHash,
			Balance:      balance,
			CreatedAt:    s.now(),
		}
		st.users[user.ID] = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by username
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var found *models.User
	s.read(func(st *memState) {
		for _, u := range st.users {
			if u.Username == username {
				u := u
				found = &u
				return
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return found, nil
}

// GetUser retrieves a user by id
func (s *MemoryStore) GetUser(ctx context.Context, id int) (*models.User, error) {
	var (
		user models.User
		ok   bool
	)
	s.read(func(st *memState) { user, ok = st.users[id] })
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return &user, nil
}

// GetUserAssets retrieves a user's holdings ordered by symbol
func (s *MemoryStore) GetUserAssets(ctx context.Context, userID int) ([]models.Asset, error) {
	var assets []models.Asset
	s.read(func(st *memState) {
		for k, a := range st.assets {
			if k.userID == userID {
				assets = append(assets, a)
			}
		}
	})
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

// GetUserOrders retrieves a user's orders, newest first
func (s *MemoryStore) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	var orders []models.Order
	s.read(func(st *memState) {
		for _, o := range st.orders {
			if o.UserID == userID {
				orders = append(orders, o)
			}
		}
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// GetUserTrades retrieves every trade the user took part in
func (s *MemoryStore) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	var trades []models.Trade
	s.read(func(st *memState) {
		for _, t := range st.trades {
			if t.BuyerID == userID || t.SellerID == userID {
				trades = append(trades, t)
			}
		}
	})
	return trades, nil
}

// GetOrderBook retrieves the open orders for symbol in priority order
func (s *MemoryStore) GetOrderBook(ctx context.Context, symbol models.Symbol) ([]models.Order, []models.Order, error) {
	var buys, sells []models.Order
	s.read(func(st *memState) {
		for _, o := range st.orders {
			if !o.IsOpen() || o.Symbol != symbol {
				continue
			}
			if o.IsBuy() {
				buys = append(buys, o)
			} else {
				sells = append(sells, o)
			}
		}
	})
	sort.Slice(buys, func(i, j int) bool { return Better(&buys[i], &buys[j]) })
	sort.Slice(sells, func(i, j int) bool { return Better(&sells[i], &sells[j]) })
	return buys, sells, nil
}

// Deposit credits USD to a user's balance
func (s *MemoryStore) Deposit(ctx context.Context, userID int, amount decimal.Decimal) error {
	return s.InTx(ctx, func(tx Tx) error {
		users, err := tx.LockUsers(ctx, userID)
		if err != nil {
			return err
		}
		return tx.SetBalance(ctx, userID, users[userID].Balance.Add(amount))
	})
}

// CreditAsset adds amount to a user's holding of symbol
func (s *MemoryStore) CreditAsset(ctx context.Context, userID int, symbol models.Symbol, amount decimal.Decimal) error {
	return s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockUsers(ctx, userID); err != nil {
			return err
		}
		if err := tx.EnsureAsset(ctx, userID, symbol); err != nil {
			return err
		}
		asset, err := tx.LockAsset(ctx, userID, symbol)
		if err != nil {
			return err
		}
		asset.Amount = asset.Amount.Add(amount)
		return tx.UpdateAsset(ctx, asset)
	})
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (tx *memTx) LockUsers(ctx context.Context, ids ...int) (map[int]*models.User, error) {
	users := make(map[int]*models.User, len(ids))
	for _, id := range ids {
		u, ok := tx.st.users[id]
		if !ok {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		users[id] = &u
	}
	return users, nil
}

func (tx *memTx) SetBalance(ctx context.Context, userID int, balance decimal.Decimal) error {
	u, ok := tx.st.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.Balance = balance
	tx.st.users[userID] = u
	return nil
}

func (tx *memTx) LockAsset(ctx context.Context, userID int, symbol models.Symbol) (*models.Asset, error) {
	a, ok := tx.st.assets[assetKey{userID, symbol}]
	if !ok {
		return nil, fmt.Errorf("asset %s of user %d: %w", symbol, userID, ErrNotFound)
	}
	return &a, nil
}

func (tx *memTx) EnsureAsset(ctx context.Context, userID int, symbol models.Symbol) error {
	key := assetKey{userID, symbol}
	if _, ok := tx.st.assets[key]; !ok {
		tx.st.assets[key] = models.Asset{
			UserID:       userID,
			Symbol:       symbol,
			Amount:       decimal.Zero,
			LockedAmount: decimal.Zero,
		}
	}
	return nil
}

func (tx *memTx) LockAssets(ctx context.Context, symbol models.Symbol, userIDs ...int) (map[int]*models.Asset, error) {
	assets := make(map[int]*models.Asset, len(userIDs))
	for _, id := range userIDs {
		a, err := tx.LockAsset(ctx, id, symbol)
		if err != nil {
			return nil, err
		}
		assets[id] = a
	}
	return assets, nil
}

func (tx *memTx) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	key := assetKey{asset.UserID, asset.Symbol}
	if _, ok := tx.st.assets[key]; !ok {
		return fmt.Errorf("asset %s of user %d: %w", asset.Symbol, asset.UserID, ErrNotFound)
	}
	tx.st.assets[key] = *asset
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id int) (*models.Order, error) {
	o, ok := tx.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (tx *memTx) FindMaker(ctx context.Context, taker *models.Order) (*models.Order, error) {
	var best *models.Order
	for _, o := range tx.st.orders {
		o := o
		if !o.IsOpen() || o.ID == taker.ID || !Crosses(taker, &o) {
			continue
		}
		if best == nil || Better(&o, best) {
			best = &o
		}
	}
	return best, nil
}

func (tx *memTx) InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if _, ok := tx.st.users[order.UserID]; !ok {
		return nil, fmt.Errorf("user %d: %w", order.UserID, ErrNotFound)
	}
	tx.st.nextOrder++
	o := *order
	o.ID = tx.st.nextOrder
	o.CreatedAt = tx.now()
	tx.st.orders[o.ID] = o
	return &o, nil
}

func (tx *memTx) SetOrderStatus(ctx context.Context, id int, status models.OrderStatus) error {
	o, ok := tx.st.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	o.Status = status
	tx.st.orders[id] = o
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	tx.st.nextTrade++
	t := *trade
	t.ID = tx.st.nextTrade
	t.ExecutedAt = tx.now()
	tx.st.trades = append(tx.st.trades, t)
	return &t, nil
}
