// Package exchange matches open orders of identical amount and settles the
// resulting trades.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xtrntr/custody/internal/events"
	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/models"
	"go.uber.org/zap"
)

// Exchange is the matching engine
type Exchange struct {
	store    ledger.Store
	notifier events.Notifier
	log      *zap.Logger

	retries       uint64
	retryInterval time.Duration
}

// NewExchange creates a matching engine. notifier and log may be nil.
func NewExchange(store ledger.Store, notifier events.Notifier, log *zap.Logger) *Exchange {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		store:         store,
		notifier:      notifier,
		log:           log,
		retries:       8,
		retryInterval: 10 * time.Millisecond,
	}
}

// MatchOrder tries to fill the order as a taker against the best resting
// counter-order. It returns nil without error when the order is no longer
// open or nothing crosses it.
func (e *Exchange) MatchOrder(ctx context.Context, orderID int) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		taker, err := tx.LockOrder(ctx, orderID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !taker.IsOpen() {
			return nil
		}

		maker, err := tx.FindMaker(ctx, taker)
		if err != nil {
			return fmt.Errorf("failed to find counter order: %w", err)
		}
		if maker == nil {
			return nil
		}

		trade, err = executeTrade(ctx, tx, maker, taker)
		return err
	})
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, nil
	}

	e.log.Info("trade executed",
		zap.Int("trade_id", trade.ID),
		zap.String("symbol", string(trade.Symbol)),
		zap.Int("buy_order_id", trade.BuyOrderID),
		zap.Int("sell_order_id", trade.SellOrderID),
		zap.Stringer("price", trade.Price),
		zap.Stringer("amount", trade.Amount),
	)
	e.notifier.Notify(ctx, events.NewTradeExecuted(*trade))
	return trade, nil
}

// MatchWithRetry runs MatchOrder, repeating it with jittered exponential
// backoff while the counter-order is locked by a concurrent match. Once the
// retries are spent it returns ledger.ErrContended and the order is left
// for the next sweep.
func (e *Exchange) MatchWithRetry(ctx context.Context, orderID int) (*models.Trade, error) {
	var trade *models.Trade
	op := func() error {
		t, err := e.MatchOrder(ctx, orderID)
		if errors.Is(err, ledger.ErrContended) {
			e.log.Debug("counter order contended, retrying", zap.Int("order_id", orderID))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		trade = t
		return nil
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return trade, nil
}

func (e *Exchange) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxInterval = 20 * e.retryInterval
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx)
}

// executeTrade settles maker against taker inside tx
func executeTrade(ctx context.Context, tx ledger.Tx, maker, taker *models.Order) (*models.Trade, error) {
	s, err := Settle(maker, taker)
	if err != nil {
		return nil, err
	}
	buyerID, sellerID := s.BuyOrder.UserID, s.SellOrder.UserID
	symbol := maker.Symbol

	users, err := tx.LockUsers(ctx, buyerID, sellerID)
	if err != nil {
		return nil, err
	}
	if err := tx.SetBalance(ctx, buyerID, users[buyerID].Balance.Add(s.BuyerRefund)); err != nil {
		return nil, err
	}
	if err := tx.SetBalance(ctx, sellerID, users[sellerID].Balance.Add(s.SellerProceeds)); err != nil {
		return nil, err
	}

	if err := tx.EnsureAsset(ctx, buyerID, symbol); err != nil {
		return nil, err
	}
	assets, err := tx.LockAssets(ctx, symbol, buyerID, sellerID)
	if err != nil {
		return nil, err
	}
	sellerAsset, buyerAsset := assets[sellerID], assets[buyerID]

	sellerAsset.LockedAmount = sellerAsset.LockedAmount.Sub(s.Amount)
	sellerAsset.Amount = sellerAsset.Amount.Sub(s.Amount)
	if sellerAsset.LockedAmount.IsNegative() || sellerAsset.Amount.LessThan(sellerAsset.LockedAmount) {
		return nil, fmt.Errorf("seller %d %s holding does not cover order %d", sellerID, symbol, s.SellOrder.ID)
	}
	buyerAsset.Amount = buyerAsset.Amount.Add(s.Amount)

	if err := tx.UpdateAsset(ctx, sellerAsset); err != nil {
		return nil, err
	}
	if err := tx.UpdateAsset(ctx, buyerAsset); err != nil {
		return nil, err
	}

	if err := tx.SetOrderStatus(ctx, maker.ID, models.StatusFilled); err != nil {
		return nil, err
	}
	if err := tx.SetOrderStatus(ctx, taker.ID, models.StatusFilled); err != nil {
		return nil, err
	}

	return tx.InsertTrade(ctx, &models.Trade{
		BuyOrderID:  s.BuyOrder.ID,
		SellOrderID: s.SellOrder.ID,
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Symbol:      symbol,
		Price:       s.Price,
		Amount:      s.Amount,
		Volume:      s.Volume,
		MakerFee:    s.MakerFee,
		TakerFee:    s.TakerFee,
	})
}

// SweepResult summarises one sweep
type SweepResult struct {
	Matches int            `json:"matches"`
	Trades  []models.Trade `json:"trades"`
}

// Sweep walks every open order oldest first and tries to match it. Orders
// consumed earlier in the same sweep are skipped. A failed attempt is
// logged and the sweep moves on; the failures are returned joined together
// with whatever was matched.
func (e *Exchange) Sweep(ctx context.Context) (*SweepResult, error) {
	open, err := e.store.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	result := &SweepResult{Trades: []models.Trade{}}
	processed := make(map[int]bool)
	var errs []error

	for _, order := range open {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if processed[order.ID] {
			continue
		}

		trade, err := e.MatchOrder(ctx, order.ID)
		if errors.Is(err, ledger.ErrContended) {
			// the lock holder is matching this pair right now
			continue
		}
		if err != nil {
			e.log.Error("match attempt failed", zap.Int("order_id", order.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("order %d: %w", order.ID, err))
			continue
		}
		if trade == nil {
			continue
		}
		result.Matches++
		result.Trades = append(result.Trades, *trade)
		processed[trade.BuyOrderID] = true
		processed[trade.SellOrderID] = true
	}

	e.log.Info("sweep finished",
		zap.Int("open_orders", len(open)),
		zap.Int("matches", result.Matches),
		zap.Int("failures", len(errs)),
	)
	return result, errors.Join(errs...)
}
