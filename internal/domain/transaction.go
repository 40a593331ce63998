package domain

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is a known trade direction.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Transaction is one immutable row of the append-only trade history.
// Rows are never updated or deleted, except by a full portfolio reset.
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Shares          int64           `json:"shares"`
	Price           decimal.Decimal `json:"price"`
	TotalAmount     decimal.Decimal `json:"total_amount"` // Shares x Price
	ExecutedAtUnixM int64           `json:"executed_at_unix"`
}

// Trade is the result of a successful ledger execution. It carries the
// recorded transaction plus derived values the caller usually wants
// immediately (post-trade cash and, for sells, the realized P&L).
type Trade struct {
	Transaction
	CashBalance decimal.Decimal `json:"cash_balance"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // Zero for buys.
}
