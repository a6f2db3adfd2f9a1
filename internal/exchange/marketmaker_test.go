package exchange

import (
	"testing"
	"time"

	"github.com/ccqtrade/engine/internal/models"
)

func TestCounterOrder_AbsorbsUnmatchedSell(t *testing.T) {
	e := newTestEngine()

	sell := order(1, "FUND1", 200, models.SideSell, 9850, 100)
	e.Submit(sell)

	quote := models.FundQuote{FundID: "FUND1", OpeningAveragePrice: 10000, CapitalCostPercent: 2}
	counter := CounterOrder(sell, quote, 1, testTime)
	if counter == nil {
		t.Fatal("expected a counter order")
	}
	if counter.Side != models.SideBuy {
		t.Errorf("expected buy counter order, got %s", counter.Side)
	}
	// The market maker pays the investor's own ask.
	if counter.Price != 9850 {
		t.Errorf("expected price 9850, got %f", counter.Price)
	}
	if counter.Quantity != 100 {
		t.Errorf("expected quantity 100, got %f", counter.Quantity)
	}
	if counter.Source != models.SourceMarketMaker {
		t.Errorf("expected market_maker source, got %s", counter.Source)
	}

	counter.ID = 2
	res := e.Submit(counter)
	if len(res.Pairs) != 1 {
		t.Fatalf("expected the remainder absorbed, got %d pairs", len(res.Pairs))
	}
	pair := res.Pairs[0]
	if pair.Quantity != 100 || pair.Price != 9850 {
		t.Errorf("unexpected pair: %+v", pair)
	}
	if pair.BuyParty != models.SourceMarketMaker || pair.SellParty != models.SourceInvestor {
		t.Errorf("unexpected counterparty classification: %+v", pair)
	}
	if sell.Status != models.OrderStatusCompleted {
		t.Errorf("expected investor sell completed, got %s", sell.Status)
	}
}

func TestCounterOrder_AbsorbsUnmatchedBuy(t *testing.T) {
	e := newTestEngine()

	buy := order(1, "FUND1", 100, models.SideBuy, 10250, 80)
	e.Submit(buy)

	// 10000 * 1.02 = 10200, already a multiple of 50.
	quote := models.FundQuote{FundID: "FUND1", OpeningAveragePrice: 10000, CapitalCostPercent: 2}
	counter := CounterOrder(buy, quote, 1, testTime)
	if counter == nil {
		t.Fatal("expected a counter order")
	}
	if counter.Side != models.SideSell {
		t.Errorf("expected sell counter order, got %s", counter.Side)
	}
	if counter.Price != 10200 {
		t.Errorf("expected price 10200, got %f", counter.Price)
	}

	counter.ID = 2
	res := e.Submit(counter)
	if len(res.Pairs) != 1 {
		t.Fatalf("expected the remainder absorbed, got %d pairs", len(res.Pairs))
	}
	if res.Pairs[0].Price != 10200 || res.Pairs[0].Quantity != 80 {
		t.Errorf("unexpected pair: %+v", res.Pairs[0])
	}
}

func TestCounterOrder_AskPriceRounding(t *testing.T) {
	// 10000 * (1 + 2.13/100) = 10213 -> 10200.
	quote := models.FundQuote{OpeningAveragePrice: 10000, CapitalCostPercent: 2.13}
	buy := order(1, "FUND1", 100, models.SideBuy, 10300, 10)
	counter := CounterOrder(buy, quote, 1, testTime)
	if counter == nil {
		t.Fatal("expected a counter order")
	}
	if counter.Price != 10200 {
		t.Errorf("expected rounded price 10200, got %f", counter.Price)
	}
}

func TestCounterOrder_NothingToAbsorb(t *testing.T) {
	filled := order(1, "FUND1", 100, models.SideBuy, 10000, 50)
	filled.FilledQuantity = 50
	if CounterOrder(filled, models.FundQuote{OpeningAveragePrice: 10000}, 1, testTime) != nil {
		t.Error("expected nil counter order for a filled order")
	}

	// A buy remainder with no usable quote yields no counter order.
	buy := order(2, "FUND1", 100, models.SideBuy, 10000, 50)
	if CounterOrder(buy, models.FundQuote{}, 1, testTime) != nil {
		t.Error("expected nil counter order without a reference price")
	}

	if CounterOrder(nil, models.FundQuote{}, 1, time.Time{}) != nil {
		t.Error("expected nil counter order for nil input")
	}
}

func TestCounterOrder_PartialRemainder(t *testing.T) {
	e := newTestEngine()

	buy := order(1, "FUND1", 100, models.SideBuy, 10200, 100)
	e.Submit(buy)
	e.Submit(order(2, "FUND1", 200, models.SideSell, 10100, 60))

	if buy.Remaining() != 40 {
		t.Fatalf("expected remaining 40 before absorption, got %f", buy.Remaining())
	}

	quote := models.FundQuote{FundID: "FUND1", OpeningAveragePrice: 10000, CapitalCostPercent: 2}
	counter := CounterOrder(buy, quote, 1, testTime)
	if counter == nil || counter.Quantity != 40 {
		t.Fatalf("expected counter order for the 40-unit remainder, got %+v", counter)
	}

	counter.ID = 3
	res := e.Submit(counter)
	if len(res.Pairs) != 1 || res.Pairs[0].Quantity != 40 {
		t.Fatalf("expected the 40-unit remainder absorbed, got %+v", res.Pairs)
	}
	if buy.Status != models.OrderStatusCompleted {
		t.Errorf("expected buy completed after absorption, got %s", buy.Status)
	}
}
