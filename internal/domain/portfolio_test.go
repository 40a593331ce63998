package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPortfolio_TotalValue(t *testing.T) {
	p := NewPortfolio("u1", d("1000"), 0)
	p.Holdings["AAPL"] = &Holding{Symbol: "AAPL", Shares: 10, AverageCost: d("100"), CurrentPrice: d("110")}
	p.Holdings["MSFT"] = &Holding{Symbol: "MSFT", Shares: 2, AverageCost: d("50"), CurrentPrice: d("40")}

	// 1000 + 10*110 + 2*40 = 2180
	if got := p.TotalValue(); !got.Equal(d("2180")) {
		t.Errorf("TotalValue = %s, want 2180", got)
	}
}

func TestHolding_PnL(t *testing.T) {
	h := &Holding{Symbol: "NOK", Shares: 6, AverageCost: d("3.92"), CurrentPrice: d("4.10")}

	if got := h.CostBasis(); !got.Equal(d("23.52")) {
		t.Errorf("CostBasis = %s, want 23.52", got)
	}
	if got := h.MarketValue(); !got.Equal(d("24.60")) {
		t.Errorf("MarketValue = %s, want 24.60", got)
	}
	if got := h.UnrealizedPnL(); !got.Equal(d("1.08")) {
		t.Errorf("UnrealizedPnL = %s, want 1.08", got)
	}
}

func TestPortfolio_VerifyInvariant_NegativeCash(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Expected panic on negative cash")
		}
	}()

	p := NewPortfolio("u1", d("-1"), 0)
	p.VerifyInvariant()
}

func TestPortfolio_VerifyInvariant_EmptyHolding(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Expected panic on zero-share holding")
		}
	}()

	p := NewPortfolio("u1", d("100"), 0)
	p.Holdings["AAPL"] = &Holding{Symbol: "AAPL", Shares: 0, AverageCost: d("10")}
	p.VerifyInvariant()
}

func TestPortfolio_Clone_IsDeep(t *testing.T) {
	p := NewPortfolio("u1", d("100"), 0)
	p.Holdings["AAPL"] = &Holding{Symbol: "AAPL", Shares: 5, AverageCost: d("10")}

	cp := p.Clone()
	cp.Holdings["AAPL"].Shares = 99
	cp.CashBalance = d("0")

	if p.Holdings["AAPL"].Shares != 5 {
		t.Errorf("Clone aliased holdings: original shares = %d", p.Holdings["AAPL"].Shares)
	}
	if !p.CashBalance.Equal(d("100")) {
		t.Errorf("Clone aliased cash: original = %s", p.CashBalance)
	}
}

func TestSide_Valid(t *testing.T) {
	if !SideBuy.Valid() || !SideSell.Valid() {
		t.Error("buy/sell should be valid sides")
	}
	if Side("hold").Valid() {
		t.Error("unknown side should be invalid")
	}
}
