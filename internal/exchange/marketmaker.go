package exchange

import (
	"time"

	"github.com/ccqtrade/engine/internal/dateutil"
	"github.com/ccqtrade/engine/internal/models"
)

// counterPriceStep is the rounding step for market-maker ask prices.
const counterPriceStep = 50

// CounterOrder synthesizes the market maker's answer to an investor order
// with an unmatched remainder:
//
//   - investor sells: the market maker buys at the investor's own ask, paying
//     what was asked;
//   - investor buys: the market maker sells at the opening average price
//     marked up by the capital cost, rounded to the price step.
//
// Returns nil when there is nothing left to absorb. The counter order is an
// ordinary pending order; submit it through the same Submit path.
func CounterOrder(o *models.Order, quote models.FundQuote, mmOwner int64, now time.Time) *models.Order {
	if o == nil || o.Remaining() <= 0 || o.Status != models.OrderStatusPending {
		return nil
	}

	counter := &models.Order{
		FundID:    o.FundID,
		OwnerID:   mmOwner,
		Quantity:  o.Remaining(),
		Source:    models.SourceMarketMaker,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
	}
	if o.Side == models.SideSell {
		counter.Side = models.SideBuy
		counter.Price = o.Price
	} else {
		counter.Side = models.SideSell
		counter.Price = dateutil.MRound(
			quote.OpeningAveragePrice*(1+quote.CapitalCostPercent/100),
			counterPriceStep,
		)
	}
	if counter.Price <= 0 {
		return nil
	}
	return counter
}
