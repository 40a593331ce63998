package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Holding is a single open position inside a portfolio.
// Shares is strictly positive: a holding that reaches zero shares is
// removed from the portfolio, never kept around with Shares == 0.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Shares       int64           `json:"shares"`
	AverageCost  decimal.Decimal `json:"average_cost"`  // Weighted average cost basis per share.
	CurrentPrice decimal.Decimal `json:"current_price"` // Last mark-to-market price (display only).
}

// MarketValue returns Shares x CurrentPrice.
func (h *Holding) MarketValue() decimal.Decimal {
	return h.CurrentPrice.Mul(decimal.NewFromInt(h.Shares))
}

// CostBasis returns Shares x AverageCost.
func (h *Holding) CostBasis() decimal.Decimal {
	return h.AverageCost.Mul(decimal.NewFromInt(h.Shares))
}

// UnrealizedPnL returns MarketValue - CostBasis.
func (h *Holding) UnrealizedPnL() decimal.Decimal {
	return h.MarketValue().Sub(h.CostBasis())
}

// Portfolio is the paper-trading account of a single user.
// It is mutated only through the ledger; every mutation runs inside one
// storage transaction together with its Transaction row.
type Portfolio struct {
	UserID         string              `json:"user_id"`
	CashBalance    decimal.Decimal     `json:"cash_balance"`
	Holdings       map[string]*Holding `json:"holdings"`
	CreatedAtUnixM int64               `json:"created_at_unix"` // Unix Micro
	UpdatedAtUnixM int64               `json:"updated_at_unix"`
}

// NewPortfolio creates an empty portfolio with the initial cash endowment.
func NewPortfolio(userID string, initialCash decimal.Decimal, nowUnixM int64) *Portfolio {
	return &Portfolio{
		UserID:         userID,
		CashBalance:    initialCash,
		Holdings:       make(map[string]*Holding),
		CreatedAtUnixM: nowUnixM,
		UpdatedAtUnixM: nowUnixM,
	}
}

// TotalValue returns CashBalance + sum(Shares x CurrentPrice).
// It is always recomputed from current state, never stored.
func (p *Portfolio) TotalValue() decimal.Decimal {
	total := p.CashBalance
	for _, h := range p.Holdings {
		total = total.Add(h.MarketValue())
	}
	return total
}

// VerifyInvariant panics if the portfolio violates its core invariants:
// CashBalance >= 0 and every holding has Shares > 0.
func (p *Portfolio) VerifyInvariant() {
	if p.CashBalance.IsNegative() {
		panic(fmt.Sprintf("PORTFOLIO_NEGATIVE_CASH: user=%s cash=%s", p.UserID, p.CashBalance))
	}
	for sym, h := range p.Holdings {
		if h.Shares <= 0 {
			panic(fmt.Sprintf("PORTFOLIO_EMPTY_HOLDING: user=%s symbol=%s shares=%d", p.UserID, sym, h.Shares))
		}
		if h.AverageCost.IsNegative() {
			panic(fmt.Sprintf("PORTFOLIO_NEGATIVE_COST: user=%s symbol=%s cost=%s", p.UserID, sym, h.AverageCost))
		}
	}
}

// Clone returns a deep copy. Used when handing state across goroutine
// boundaries (external reads must never alias ledger-owned maps).
func (p *Portfolio) Clone() *Portfolio {
	cp := *p
	cp.Holdings = make(map[string]*Holding, len(p.Holdings))
	for sym, h := range p.Holdings {
		hc := *h
		cp.Holdings[sym] = &hc
	}
	return &cp
}
