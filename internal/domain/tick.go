package domain

import (
	"github.com/shopspring/decimal"
)

// TickSource tells subscribers where a tick came from.
type TickSource string

const (
	TickSourceFeed       TickSource = "feed"
	TickSourceSimulation TickSource = "simulation"
)

// PriceTick is a single market data point for one symbol. Ticks live
// only in the engine cache; each newer tick overwrites the previous one
// for the same symbol.
type PriceTick struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	TsUnixM       int64           `json:"ts_unix"` // Unix Micro
	Source        TickSource      `json:"source"`
}

// MarketStatus is the two-state trading calendar result.
type MarketStatus struct {
	Open       bool  `json:"open"`
	AsOfUnixM  int64 `json:"as_of_unix"`
	NextUpdate int64 `json:"next_update_unix,omitempty"`
}

// ConnectionState is the market data engine's connection lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateSimulation // Permanent fallback once reconnect attempts are exhausted.
)

// MarshalJSON encodes the state as its lowercase name so wire payloads
// stay readable.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateSimulation:
		return "simulation"
	default:
		return "unknown"
	}
}
