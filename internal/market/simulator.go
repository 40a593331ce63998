package market

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
)

// SimConfig tunes the synthetic tick generator.
type SimConfig struct {
	MinInterval     time.Duration // Lower bound between tick rounds
	MaxInterval     time.Duration // Upper bound between tick rounds
	MaxChangePct    float64       // Max absolute per-tick move, in percent
	ClosedVolFactor float64       // Volatility multiplier while the market is closed
}

// simulator produces synthetic ticks for every watched symbol while the
// engine is in simulation state. Prices random-walk from the last cached
// tick (or a per-symbol seeded base) with a bounded percentage move and
// are clamped strictly positive.
type simulator struct {
	engine *Engine
	cfg    SimConfig
	rng    *rand.Rand
}

func newSimulator(engine *Engine, cfg SimConfig) *simulator {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.MaxChangePct <= 0 {
		cfg.MaxChangePct = 2.0
	}
	if cfg.ClosedVolFactor <= 0 || cfg.ClosedVolFactor > 1 {
		cfg.ClosedVolFactor = 0.3
	}
	return &simulator{
		engine: engine,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *simulator) run(ctx context.Context) {
	defer s.engine.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.nextInterval()):
		}

		if s.engine.ConnectionState() != domain.StateSimulation {
			continue
		}

		open := s.engine.MarketStatus().Open
		for _, sym := range s.engine.WatchedSymbols() {
			s.engine.Ingest(s.nextTick(sym, open))
		}
	}
}

// nextInterval picks a randomized delay in [MinInterval, MaxInterval].
func (s *simulator) nextInterval() time.Duration {
	span := s.cfg.MaxInterval - s.cfg.MinInterval
	if span <= 0 {
		return s.cfg.MinInterval
	}
	return s.cfg.MinInterval + time.Duration(s.rng.Int63n(int64(span)))
}

// nextTick derives a tick from the last cached price for symbol, or from
// the seeded base price when the cache is empty.
func (s *simulator) nextTick(symbol string, open bool) domain.PriceTick {
	last, ok := s.engine.CurrentPrice(symbol)
	prev := last.Price
	if !ok || !prev.IsPositive() {
		prev = basePrice(symbol)
	}

	vol := s.cfg.MaxChangePct
	if !open {
		vol *= s.cfg.ClosedVolFactor
	}
	pct := (s.rng.Float64()*2 - 1) * vol

	change := prev.Mul(decimal.NewFromFloat(pct / 100)).Round(4)
	price := prev.Add(change)

	// Strictly positive clamp.
	floor := decimal.New(1, -2) // 0.01
	if price.LessThan(floor) {
		price = floor
		change = price.Sub(prev)
	}

	changePct := decimal.Zero
	if prev.IsPositive() {
		changePct = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
	}

	return domain.PriceTick{
		Symbol:        symbol,
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        s.rng.Int63n(1_000_000),
		TsUnixM:       time.Now().UnixMicro(),
		Source:        domain.TickSourceSimulation,
	}
}

// basePrice derives a deterministic starting price from the symbol so a
// cold simulation is stable across restarts: between 5.00 and 505.00.
func basePrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	cents := int64(h.Sum32()%50000) + 500
	return decimal.New(cents, -2)
}
