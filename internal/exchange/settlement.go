package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/custody/internal/models"
	"github.com/xtrntr/custody/internal/money"
)

// Settlement is the money and asset movement implied by matching a taker
// against a resting maker
type Settlement struct {
	BuyOrder  *models.Order
	SellOrder *models.Order

	Price  decimal.Decimal // always the maker's price
	Amount decimal.Decimal
	Volume decimal.Decimal

	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
	BuyerFee  decimal.Decimal
	SellerFee decimal.Decimal

	// BuyerRefund is what remains of the buy reservation after paying
	// Volume+BuyerFee.
	BuyerRefund decimal.Decimal
	// SellerProceeds is credited to the seller's balance.
	SellerProceeds decimal.Decimal
}

// Settle computes the settlement of maker against taker
func Settle(maker, taker *models.Order) (Settlement, error) {
	if maker.Side == taker.Side {
		return Settlement{}, fmt.Errorf("orders %d and %d are both %s", maker.ID, taker.ID, maker.Side)
	}

	s := Settlement{
		BuyOrder:  maker,
		SellOrder: taker,
		Price:     maker.Price,
		Amount:    maker.Amount,
	}
	if taker.IsBuy() {
		s.BuyOrder, s.SellOrder = taker, maker
	}

	s.Volume = money.Volume(s.Price, s.Amount)
	s.MakerFee, s.TakerFee = money.Fees(s.Volume)

	s.BuyerFee, s.SellerFee = s.MakerFee, s.TakerFee
	if taker.IsBuy() {
		s.BuyerFee, s.SellerFee = s.TakerFee, s.MakerFee
	}

	reserved := money.BuyReservation(s.BuyOrder.Price, s.BuyOrder.Amount)
	s.BuyerRefund = reserved.Sub(s.Volume.Add(s.BuyerFee))
	if s.BuyerRefund.IsNegative() {
		return Settlement{}, fmt.Errorf("buy order %d reserved %s but owes %s",
			s.BuyOrder.ID, money.String(reserved), money.String(s.Volume.Add(s.BuyerFee)))
	}
	s.SellerProceeds = s.Volume.Sub(s.SellerFee)
	return s, nil
}
