// Package orders opens and cancels limit orders, reserving or releasing
// the funds and holdings that back them.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/custody/internal/events"
	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/models"
	"github.com/xtrntr/custody/internal/money"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientAsset   = errors.New("insufficient asset")
	ErrOrderNotCancellable = errors.New("only open orders can be cancelled")
)

// Service is the reservation manager
type Service struct {
	store    ledger.Store
	notifier events.Notifier
	log      *zap.Logger
}

// NewService creates an order service. notifier and log may be nil.
func NewService(store ledger.Store, notifier events.Notifier, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, log: log}
}

// OpenBuyOrder reserves price×amount×FeeBuffer of the user's balance and
// records an open buy order.
func (s *Service) OpenBuyOrder(ctx context.Context, userID int, symbol models.Symbol, price, amount decimal.Decimal) (*models.Order, error) {
	cost := money.BuyReservation(price, amount)

	var order *models.Order
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		users, err := tx.LockUsers(ctx, userID)
		if err != nil {
			return err
		}
		user := users[userID]

		if user.Balance.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, money.String(cost), money.String(user.Balance))
		}
		if err := tx.SetBalance(ctx, userID, user.Balance.Sub(cost)); err != nil {
			return err
		}

		order, err = tx.InsertOrder(ctx, &models.Order{
			UserID: userID,
			Symbol: symbol,
			Side:   models.SideBuy,
			Price:  price,
			Amount: amount,
			Status: models.StatusOpen,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("buy order opened",
		zap.Int("order_id", order.ID),
		zap.Int("user_id", userID),
		zap.String("symbol", string(symbol)),
		zap.Stringer("price", price),
		zap.Stringer("amount", amount),
		zap.Stringer("reserved", cost),
	)
	s.notifier.Notify(ctx, events.NewOrderOpened(*order))
	return order, nil
}

// OpenSellOrder locks amount of the user's holding and records an open
// sell order.
func (s *Service) OpenSellOrder(ctx context.Context, userID int, symbol models.Symbol, price, amount decimal.Decimal) (*models.Order, error) {
	var order *models.Order
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		asset, err := tx.LockAsset(ctx, userID, symbol)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: no %s held", ErrInsufficientAsset, symbol)
		}
		if err != nil {
			return err
		}

		if asset.Available().LessThan(amount) {
			return fmt.Errorf("%w: need %s %s, have %s available",
				ErrInsufficientAsset, money.String(amount), symbol, money.String(asset.Available()))
		}
		asset.LockedAmount = asset.LockedAmount.Add(amount)
		if err := tx.UpdateAsset(ctx, asset); err != nil {
			return err
		}

		order, err = tx.InsertOrder(ctx, &models.Order{
			UserID: userID,
			Symbol: symbol,
			Side:   models.SideSell,
			Price:  price,
			Amount: amount,
			Status: models.StatusOpen,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("sell order opened",
		zap.Int("order_id", order.ID),
		zap.Int("user_id", userID),
		zap.String("symbol", string(symbol)),
		zap.Stringer("price", price),
		zap.Stringer("amount", amount),
	)
	s.notifier.Notify(ctx, events.NewOrderOpened(*order))
	return order, nil
}

// OpenOrder dispatches to OpenBuyOrder or OpenSellOrder by side
func (s *Service) OpenOrder(ctx context.Context, userID int, symbol models.Symbol, side models.Side, price, amount decimal.Decimal) (*models.Order, error) {
	if side == models.SideBuy {
		return s.OpenBuyOrder(ctx, userID, symbol, price, amount)
	}
	return s.OpenSellOrder(ctx, userID, symbol, price, amount)
}

// CancelOrder releases an open order's reservation and marks it cancelled.
// The status is checked under the order lock, so a cancel racing a match
// either wins outright or fails with ErrOrderNotCancellable.
func (s *Service) CancelOrder(ctx context.Context, orderID int) (*models.Order, error) {
	var order *models.Order
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order %d is %s", ErrOrderNotCancellable, order.ID, order.Status)
		}

		if order.IsBuy() {
			users, err := tx.LockUsers(ctx, order.UserID)
			if err != nil {
				return err
			}
			refund := money.BuyReservation(order.Price, order.Amount)
			if err := tx.SetBalance(ctx, order.UserID, users[order.UserID].Balance.Add(refund)); err != nil {
				return err
			}
		} else {
			asset, err := tx.LockAsset(ctx, order.UserID, order.Symbol)
			if err != nil {
				return fmt.Errorf("failed to release sell reservation: %w", err)
			}
			asset.LockedAmount = asset.LockedAmount.Sub(order.Amount)
			if asset.LockedAmount.IsNegative() {
				return fmt.Errorf("locked %s of user %d would go negative", order.Symbol, order.UserID)
			}
			if err := tx.UpdateAsset(ctx, asset); err != nil {
				return err
			}
		}

		if err := tx.SetOrderStatus(ctx, order.ID, models.StatusCancelled); err != nil {
			return err
		}
		order.Status = models.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order cancelled",
		zap.Int("order_id", order.ID),
		zap.Int("user_id", order.UserID),
		zap.String("side", string(order.Side)),
	)
	s.notifier.Notify(ctx, events.NewOrderCancelled(*order))
	return order, nil
}
