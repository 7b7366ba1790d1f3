package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/custody/internal/events"
	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/models"
	"github.com/xtrntr/custody/internal/orders"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type captureNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *captureNotifier) Notify(ctx context.Context, ev events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) trades() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if ev.Kind == events.TradeExecuted {
			count++
		}
	}
	return count
}

type fixture struct {
	t        *testing.T
	store    *ledger.MemoryStore
	orders   *orders.Service
	ex       *Exchange
	notifier *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	notifier := &captureNotifier{}
	return &fixture{
		t:        t,
		store:    store,
		orders:   orders.NewService(store, notifier, nil),
		ex:       NewExchange(store, notifier, nil),
		notifier: notifier,
	}
}

func (f *fixture) user(name, balance string, holdings map[models.Symbol]string) int {
	f.t.Helper()
	ctx := context.Background()
	user, err := f.store.CreateUser(ctx, name, "hash", dec(balance))
	require.NoError(f.t, err)
	for sym, amount := range holdings {
		require.NoError(f.t, f.store.CreditAsset(ctx, user.ID, sym, dec(amount)))
	}
	return user.ID
}

func (f *fixture) buy(userID int, price, amount string) *models.Order {
	f.t.Helper()
	o, err := f.orders.OpenBuyOrder(context.Background(), userID, models.BTC, dec(price), dec(amount))
	require.NoError(f.t, err)
	return o
}

func (f *fixture) sell(userID int, price, amount string) *models.Order {
	f.t.Helper()
	o, err := f.orders.OpenSellOrder(context.Background(), userID, models.BTC, dec(price), dec(amount))
	require.NoError(f.t, err)
	return o
}

func (f *fixture) balance(userID int) decimal.Decimal {
	f.t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	require.NoError(f.t, err)
	return u.Balance
}

func (f *fixture) asset(userID int) models.Asset {
	f.t.Helper()
	assets, err := f.store.GetUserAssets(context.Background(), userID)
	require.NoError(f.t, err)
	for _, a := range assets {
		if a.Symbol == models.BTC {
			return a
		}
	}
	return models.Asset{UserID: userID, Symbol: models.BTC}
}

func (f *fixture) status(orderID int) models.OrderStatus {
	f.t.Helper()
	o, err := f.store.GetOrder(context.Background(), orderID)
	require.NoError(f.t, err)
	return o.Status
}

func assertDec(t *testing.T, expect string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, got.Equal(dec(expect)), append([]interface{}{"want %s, got %s", expect, got.String()}, msgAndArgs...)...)
}

func TestExchange_MatchOrder_ExactMatch(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1.0"})
	buyer := f.user("buyer", "100000", nil)

	sell := f.sell(seller, "50000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")
	assertDec(t, "94950", f.balance(buyer))

	trade, err := f.ex.MatchOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	assertDec(t, "50000", trade.Price)
	assertDec(t, "0.1", trade.Amount)
	assertDec(t, "5000", trade.Volume)
	assertDec(t, "25", trade.MakerFee)
	assertDec(t, "50", trade.TakerFee)
	assert.Equal(t, buy.ID, trade.BuyOrderID)
	assert.Equal(t, sell.ID, trade.SellOrderID)
	assert.Equal(t, buyer, trade.BuyerID)
	assert.Equal(t, seller, trade.SellerID)

	assertDec(t, "4975", f.balance(seller))
	assertDec(t, "94950", f.balance(buyer))
	assertDec(t, "0.1", f.asset(buyer).Amount)
	assertDec(t, "0", f.asset(buyer).LockedAmount)
	assertDec(t, "0.9", f.asset(seller).Amount)
	assertDec(t, "0", f.asset(seller).LockedAmount)

	assert.Equal(t, models.StatusFilled, f.status(buy.ID))
	assert.Equal(t, models.StatusFilled, f.status(sell.ID))
	assert.Equal(t, 1, f.notifier.trades())
}

func TestExchange_MatchOrder_PriceImprovement(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1.0"})
	buyer := f.user("buyer", "100000", nil)

	f.sell(seller, "48000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	trade, err := f.ex.MatchOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	assertDec(t, "48000", trade.Price)
	assertDec(t, "4800", trade.Volume)
	assertDec(t, "95152", f.balance(buyer))
	assertDec(t, "4776", f.balance(seller))
}

func TestExchange_MatchOrder_SellTakerGetsMakerPrice(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1.0"})
	buyer := f.user("buyer", "100000", nil)

	f.buy(buyer, "50000", "0.1")
	sell := f.sell(seller, "49000", "0.1")

	trade, err := f.ex.MatchOrder(context.Background(), sell.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	// buyer rested, so the buyer pays the maker fee and the seller the taker fee
	assertDec(t, "50000", trade.Price)
	assertDec(t, "94975", f.balance(buyer))
	assertDec(t, "4950", f.balance(seller))
}

func TestExchange_MatchOrder_NoTrade(t *testing.T) {
	tests := []struct {
		name      string
		sellPrice string
		sellAmt   string
		buyPrice  string
		buyAmt    string
		sameUser  bool
	}{
		{name: "NoCross", sellPrice: "60000", sellAmt: "0.1", buyPrice: "50000", buyAmt: "0.1"},
		{name: "AmountMismatch", sellPrice: "50000", sellAmt: "0.2", buyPrice: "50000", buyAmt: "0.1"},
		{name: "AmountMismatchCrossing", sellPrice: "40000", sellAmt: "0.2", buyPrice: "50000", buyAmt: "0.1"},
		{name: "SelfTrade", sellPrice: "50000", sellAmt: "0.1", buyPrice: "50000", buyAmt: "0.1", sameUser: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seller := f.user("seller", "100000", map[models.Symbol]string{models.BTC: "1.0"})
			buyer := seller
			if !tt.sameUser {
				buyer = f.user("buyer", "100000", nil)
			}

			sell := f.sell(seller, tt.sellPrice, tt.sellAmt)
			buy := f.buy(buyer, tt.buyPrice, tt.buyAmt)
			sellerBefore, buyerBefore := f.balance(seller), f.balance(buyer)

			for _, id := range []int{buy.ID, sell.ID} {
				trade, err := f.ex.MatchOrder(context.Background(), id)
				require.NoError(t, err)
				assert.Nil(t, trade)
			}

			assert.Equal(t, models.StatusOpen, f.status(buy.ID))
			assert.Equal(t, models.StatusOpen, f.status(sell.ID))
			assert.True(t, f.balance(seller).Equal(sellerBefore))
			assert.True(t, f.balance(buyer).Equal(buyerBefore))
			assert.Equal(t, 0, f.notifier.trades())
		})
	}
}

func TestExchange_MatchOrder_PricePriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	s1 := f.user("s1", "0", map[models.Symbol]string{models.BTC: "1"})
	s2 := f.user("s2", "0", map[models.Symbol]string{models.BTC: "1"})
	s3 := f.user("s3", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)

	f.sell(s1, "49000", "0.1")
	oldest := f.sell(s2, "48000", "0.1")
	f.sell(s3, "48000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	trade, err := f.ex.MatchOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, oldest.ID, trade.SellOrderID)
	assertDec(t, "48000", trade.Price)

	// a resting buy is matched highest first
	f2 := newFixture(t)
	b1 := f2.user("b1", "100000", nil)
	b2 := f2.user("b2", "100000", nil)
	seller := f2.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	f2.buy(b1, "50000", "0.1")
	best := f2.buy(b2, "51000", "0.1")
	sell := f2.sell(seller, "49000", "0.1")

	trade, err = f2.ex.MatchOrder(context.Background(), sell.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, best.ID, trade.BuyOrderID)
	assertDec(t, "51000", trade.Price)
}

func TestExchange_MatchOrder_TerminalOrdersNeverTrade(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)

	sell := f.sell(seller, "50000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	trade, err := f.ex.MatchOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	for _, id := range []int{buy.ID, sell.ID, 999} {
		again, err := f.ex.MatchOrder(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, again)
	}
	assertDec(t, "94950", f.balance(buyer))
	assertDec(t, "4975", f.balance(seller))
	assert.Equal(t, 1, f.notifier.trades())
}

func TestExchange_CancelThenMatch(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)

	sell := f.sell(seller, "50000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	_, err := f.orders.CancelOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assertDec(t, "100000", f.balance(buyer))

	trade, err := f.ex.MatchOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Nil(t, trade)

	// the cancelled buy is not a maker either
	trade, err = f.ex.MatchOrder(context.Background(), sell.ID)
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Equal(t, models.StatusOpen, f.status(sell.ID))
	assertDec(t, "0.1", f.asset(seller).LockedAmount)
}

type failingTx struct {
	ledger.Tx
}

func (failingTx) InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	return nil, errors.New("disk full")
}

type failingStore struct {
	*ledger.MemoryStore
}

func (s failingStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx ledger.Tx) error {
		return fn(failingTx{tx})
	})
}

func TestExchange_MatchOrder_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)
	sell := f.sell(seller, "48000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	ex := NewExchange(failingStore{f.store}, f.notifier, nil)
	trade, err := ex.MatchOrder(context.Background(), buy.ID)
	assert.Error(t, err)
	assert.Nil(t, trade)

	assert.Equal(t, models.StatusOpen, f.status(buy.ID))
	assert.Equal(t, models.StatusOpen, f.status(sell.ID))
	assertDec(t, "94950", f.balance(buyer))
	assertDec(t, "0", f.balance(seller))
	assertDec(t, "1", f.asset(seller).Amount)
	assertDec(t, "0.1", f.asset(seller).LockedAmount)
	assertDec(t, "0", f.asset(buyer).Amount)
	assert.Equal(t, 0, f.notifier.trades())
}

func TestExchange_MatchOrder_Concurrent(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)
	sell := f.sell(seller, "50000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	takerID := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		id := buy.ID
		if i%2 == 1 {
			id = sell.ID
		}
		go func() {
			defer wg.Done()
			trade, err := f.ex.MatchOrder(context.Background(), id)
			if err == nil && trade != nil {
				mu.Lock()
				successCount++
				takerID = id
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successCount)
	assertDec(t, "0.1", f.asset(buyer).Amount)
	if takerID == buy.ID {
		// seller rested as maker: 5000 - 0.5%
		assertDec(t, "4975", f.balance(seller))
		assertDec(t, "94950", f.balance(buyer))
	} else {
		// seller took: 5000 - 1%, buyer refunded the unused buffer
		assertDec(t, "4950", f.balance(seller))
		assertDec(t, "94975", f.balance(buyer))
	}
}

type contendedTx struct {
	ledger.Tx
	remaining *atomic.Int32
}

func (tx contendedTx) FindMaker(ctx context.Context, taker *models.Order) (*models.Order, error) {
	if tx.remaining.Add(-1) >= 0 {
		return nil, ledger.ErrContended
	}
	return tx.Tx.FindMaker(ctx, taker)
}

// contendedStore reports the maker as locked for the first n searches
type contendedStore struct {
	*ledger.MemoryStore
	remaining *atomic.Int32
}

func newContendedStore(store *ledger.MemoryStore, n int32) contendedStore {
	remaining := &atomic.Int32{}
	remaining.Store(n)
	return contendedStore{MemoryStore: store, remaining: remaining}
}

func (s contendedStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx ledger.Tx) error {
		return fn(contendedTx{Tx: tx, remaining: s.remaining})
	})
}

func TestExchange_MatchWithRetry(t *testing.T) {
	tests := []struct {
		name       string
		contended  int32
		expectErr  error
		expectFill bool
	}{
		{name: "Uncontended", contended: 0, expectFill: true},
		{name: "ContendedThenFree", contended: 3, expectFill: true},
		{name: "StillContended", contended: 100, expectErr: ledger.ErrContended},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
			buyer := f.user("buyer", "100000", nil)
			sell := f.sell(seller, "50000", "0.1")
			buy := f.buy(buyer, "50000", "0.1")

			ex := NewExchange(newContendedStore(f.store, tt.contended), f.notifier, nil)
			ex.retryInterval = time.Millisecond
			trade, err := ex.MatchWithRetry(context.Background(), buy.ID)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				assert.Nil(t, trade)
				assert.Equal(t, models.StatusOpen, f.status(buy.ID))
				assert.Equal(t, models.StatusOpen, f.status(sell.ID))
				assertDec(t, "0.1", f.asset(seller).LockedAmount)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, trade)
			assert.Equal(t, sell.ID, trade.SellOrderID)
			assert.Equal(t, models.StatusFilled, f.status(buy.ID))
		})
	}
}

func TestExchange_SweepSkipsContendedOrders(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)
	f.sell(seller, "50000", "0.1")
	f.buy(buyer, "50000", "0.1")

	ex := NewExchange(newContendedStore(f.store, 2), f.notifier, nil)
	result, err := ex.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matches)

	again, err := ex.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Matches)
}

func TestExchange_CancelRacesMatch(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
		buyer := f.user("buyer", "100000", nil)
		f.sell(seller, "50000", "0.1")
		buy := f.buy(buyer, "50000", "0.1")

		var (
			wg        sync.WaitGroup
			trade     *models.Trade
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			trade, _ = f.ex.MatchOrder(context.Background(), buy.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.orders.CancelOrder(context.Background(), buy.ID)
		}()
		wg.Wait()

		if trade != nil {
			assert.ErrorIs(t, cancelErr, orders.ErrOrderNotCancellable)
			assert.Equal(t, models.StatusFilled, f.status(buy.ID))
			assertDec(t, "94950", f.balance(buyer))
		} else {
			assert.NoError(t, cancelErr)
			assert.Equal(t, models.StatusCancelled, f.status(buy.ID))
			assertDec(t, "100000", f.balance(buyer))
		}
	}
}

func TestExchange_Sweep(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "100000", map[models.Symbol]string{models.BTC: "1"})
	bob := f.user("bob", "100000", map[models.Symbol]string{models.BTC: "1"})
	carol := f.user("carol", "100000", nil)

	s1 := f.sell(alice, "50000", "0.1")
	b1 := f.buy(bob, "51000", "0.1")
	f.sell(bob, "60000", "0.2")  // nothing crosses
	f.buy(carol, "50000", "0.3") // nothing of that size
	s2 := f.sell(alice, "47000", "0.5")
	b2 := f.buy(carol, "47000", "0.5")

	result, err := f.ex.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Matches)
	require.Len(t, result.Trades, 2)

	// s1 is the oldest open order, so it takes b1 as its maker
	assert.Equal(t, s1.ID, result.Trades[0].SellOrderID)
	assert.Equal(t, b1.ID, result.Trades[0].BuyOrderID)
	assertDec(t, "51000", result.Trades[0].Price)
	assert.Equal(t, s2.ID, result.Trades[1].SellOrderID)
	assert.Equal(t, b2.ID, result.Trades[1].BuyOrderID)

	open, err := f.store.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 2)

	again, err := f.ex.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Matches)
	assert.Empty(t, again.Trades)
}

func TestWorker_ProcessesQueuedOrders(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)
	f.sell(seller, "50000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	w := NewWorker(f.ex, 2, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	assert.True(t, w.Enqueue(buy.ID))

	assert.Eventually(t, func() bool { return f.notifier.trades() == 1 }, timeout, tick)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, models.StatusFilled, f.status(buy.ID))
}

func TestWorker_RetriesContendedOrders(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)
	f.sell(seller, "50000", "0.1")
	buy := f.buy(buyer, "50000", "0.1")

	ex := NewExchange(newContendedStore(f.store, 2), f.notifier, nil)
	ex.retryInterval = time.Millisecond
	w := NewWorker(ex, 1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	assert.True(t, w.Enqueue(buy.ID))

	assert.Eventually(t, func() bool { return f.notifier.trades() == 1 }, timeout, tick)
	cancel()
	assert.NoError(t, <-done)
}

func TestWorker_EnqueueFull(t *testing.T) {
	w := NewWorker(newFixture(t).ex, 1, 1, nil)
	assert.True(t, w.Enqueue(1))
	assert.False(t, w.Enqueue(2))
}

func TestExchange_RunSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	seller := f.user("seller", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.user("buyer", "100000", nil)
	f.sell(seller, "50000", "0.1")
	f.buy(buyer, "50000", "0.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ex.RunSweeper(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool { return f.notifier.trades() == 1 }, timeout, tick)
	cancel()
	assert.NoError(t, <-done)
}
