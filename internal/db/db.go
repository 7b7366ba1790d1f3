package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/001_init.sql
var initSchema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ ledger.Ledger = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Rows are read with
// FOR UPDATE, which always returns the latest committed version, so the
// lock-then-check pattern in the services never sees stale data.
func (db *DB) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NUMERIC columns are selected as text and scanned straight into
// decimal.Decimal, which implements sql.Scanner.
const (
	userColumns  = "id, username, password_hash, balance::text, created_at"
	assetColumns = "user_id, symbol, amount::text, locked_amount::text"
	orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, created_at"
	tradeColumns = "id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price::text, amount::text, volume::text, maker_fee::text, taker_fee::text, executed_at"
)

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Balance, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var (
		asset  models.Asset
		symbol string
	)
	if err := row.Scan(&asset.UserID, &symbol, &asset.Amount, &asset.LockedAmount); err != nil {
		return nil, err
	}
	asset.Symbol = models.Symbol(symbol)
	return &asset, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order                models.Order
		symbol, side, status string
	)
	err := row.Scan(&order.ID, &order.UserID, &symbol, &side, &order.Price, &order.Amount, &status, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	order.Symbol = models.Symbol(symbol)
	order.Side = models.Side(side)
	order.Status = models.OrderStatus(status)
	return &order, nil
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var (
		trade  models.Trade
		symbol string
	)
	err := row.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.BuyerID, &trade.SellerID, &symbol,
		&trade.Price, &trade.Amount, &trade.Volume, &trade.MakerFee, &trade.TakerFee, &trade.ExecutedAt)
	if err != nil {
		return nil, err
	}
	trade.Symbol = models.Symbol(symbol)
	return &trade, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, balance) VALUES ($1, $2, $3::numeric) RETURNING "+userColumns,
		username, passwordHash, balance.String()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("user %q: %w", username, ledger.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return user, nil
}

// GetUserAssets retrieves a user's holdings
func (db *DB) GetUserAssets(ctx context.Context, userID int) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "order")
	}
	return order, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collectOrders(rows)
}

// OpenOrders retrieves all open orders, oldest first
func (db *DB) OpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'open'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return collectOrders(rows)
}

// GetOrderBook retrieves the open orders for a symbol in matching priority
func (db *DB) GetOrderBook(ctx context.Context, symbol models.Symbol) ([]models.Order, []models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'open' AND symbol = $1 AND side = 'buy'
		ORDER BY price DESC, created_at ASC, id ASC
	`, string(symbol))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get buy orders: %w", err)
	}
	buys, err := collectOrders(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = db.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'open' AND symbol = $1 AND side = 'sell'
		ORDER BY price ASC, created_at ASC, id ASC
	`, string(symbol))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sell orders: %w", err)
	}
	sells, err := collectOrders(rows)
	if err != nil {
		return nil, nil, err
	}
	return buys, sells, nil
}

// GetUserTrades retrieves all trades for a user
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY executed_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// Deposit credits USD to a user's balance
func (db *DB) Deposit(ctx context.Context, userID int, amount decimal.Decimal) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance + $2::numeric WHERE id = $1", userID, amount.String())
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ledger.ErrNotFound)
	}
	return nil
}

// CreditAsset adds amount to a user's holding, creating it if needed
func (db *DB) CreditAsset(ctx context.Context, userID int, symbol models.Symbol, amount decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO assets (user_id, symbol, amount, locked_amount) VALUES ($1, $2, $3::numeric, 0)
		ON CONFLICT (user_id, symbol) DO UPDATE SET amount = assets.amount + EXCLUDED.amount
	`, userID, string(symbol), amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit asset: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUsers(ctx context.Context, ids ...int) (map[int]*models.User, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock users: %w", err)
	}
	defer rows.Close()

	users := make(map[int]*models.User, len(ids))
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return nil, fmt.Errorf("user %d: %w", id, ledger.ErrNotFound)
		}
	}
	return users, nil
}

func (t *pgTx) SetBalance(ctx context.Context, userID int, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, "UPDATE users SET balance = $2::numeric WHERE id = $1", userID, balance.String())
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ledger.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockAsset(ctx context.Context, userID int, symbol models.Symbol) (*models.Asset, error) {
	asset, err := scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, string(symbol)))
	if err != nil {
		return nil, notFound(err, "asset")
	}
	return asset, nil
}

func (t *pgTx) EnsureAsset(ctx context.Context, userID int, symbol models.Symbol) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO assets (user_id, symbol, amount, locked_amount) VALUES ($1, $2, 0, 0) ON CONFLICT (user_id, symbol) DO NOTHING",
		userID, string(symbol))
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (t *pgTx) LockAssets(ctx context.Context, symbol models.Symbol, userIDs ...int) (map[int]*models.Asset, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE symbol = $1 AND user_id = ANY($2) ORDER BY user_id FOR UPDATE",
		string(symbol), userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock assets: %w", err)
	}
	defer rows.Close()

	assets := make(map[int]*models.Asset, len(userIDs))
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets[asset.UserID] = asset
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range userIDs {
		if _, ok := assets[id]; !ok {
			return nil, fmt.Errorf("asset %s of user %d: %w", symbol, id, ledger.ErrNotFound)
		}
	}
	return assets, nil
}

func (t *pgTx) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE assets SET amount = $3::numeric, locked_amount = $4::numeric WHERE user_id = $1 AND symbol = $2",
		asset.UserID, string(asset.Symbol), asset.Amount.String(), asset.LockedAmount.String())
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s of user %d: %w", asset.Symbol, asset.UserID, ledger.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int) (*models.Order, error) {
	// Lock the row for update to prevent concurrent modifications
	order, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "order")
	}
	return order, nil
}

// FindMaker skips rows another transaction already holds: such an order is
// being matched or cancelled right now, and waiting on it while holding
// the taker lock could deadlock against the opposite pairing. When every
// crossing row is held elsewhere the caller gets ledger.ErrContended so it
// can retry once the other transaction has finished.
func (t *pgTx) FindMaker(ctx context.Context, taker *models.Order) (*models.Order, error) {
	where := `status = 'open' AND symbol = $1 AND side = $2 AND amount = $3::numeric
		  AND user_id <> $4 AND price <= $5::numeric`
	orderBy := "price ASC, created_at ASC, id ASC"
	if !taker.IsBuy() {
		where = `status = 'open' AND symbol = $1 AND side = $2 AND amount = $3::numeric
		  AND user_id <> $4 AND price >= $5::numeric`
		orderBy = "price DESC, created_at ASC, id ASC"
	}
	args := []any{string(taker.Symbol), string(taker.Side.Opposite()), taker.Amount.String(), taker.UserID, taker.Price.String()}

	order, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE "+where+" ORDER BY "+orderBy+" LIMIT 1 FOR UPDATE SKIP LOCKED",
		args...))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to find maker: %w", err)
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE "+where+")", args...).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check locked makers: %w", err)
	}
	if exists {
		return nil, ledger.ErrContended
	}
	return nil, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	newOrder, err := scanOrder(t.tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol, side, price, amount, status) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6) RETURNING "+orderColumns,
		order.UserID, string(order.Symbol), string(order.Side), order.Price.String(), order.Amount.String(), string(order.Status)))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int, status models.OrderStatus) error {
	tag, err := t.tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	newTrade, err := scanTrade(t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, volume, maker_fee, taker_fee, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11)
		RETURNING `+tradeColumns,
		trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, string(trade.Symbol),
		trade.Price.String(), trade.Amount.String(), trade.Volume.String(),
		trade.MakerFee.String(), trade.TakerFee.String(), time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return newTrade, nil
}
