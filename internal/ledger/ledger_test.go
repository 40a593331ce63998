package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
	"github.com/m-ligtenberg/stocks-sub000/internal/storage"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeQuoter serves canned ticks from a map.
type fakeQuoter struct {
	ticks map[string]domain.PriceTick
}

func (q *fakeQuoter) CurrentPrice(symbol string) (domain.PriceTick, bool) {
	tick, ok := q.ticks[symbol]
	return tick, ok
}

func newTestService(t *testing.T, quotes Quoter) *Service {
	t.Helper()
	store, err := storage.NewPortfolioStore(filepath.Join(t.TempDir(), "test_ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store, quotes, Config{
		InitialCash:    d("10000"),
		MaxOrderShares: 1000,
	})
}

func TestLedger_BuySellScenario(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.CreateAccount(ctx, "u1"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	// Buy 10 NOK @ 3.92 -> cash 10000 - 39.20 = 9960.80
	trade, err := svc.ExecuteTrade(ctx, "u1", "NOK", domain.SideBuy, 10, d("3.92"))
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if !trade.CashBalance.Equal(d("9960.80")) {
		t.Errorf("Cash after buy = %s, want 9960.80", trade.CashBalance)
	}
	if !trade.TotalAmount.Equal(d("39.20")) {
		t.Errorf("TotalAmount = %s, want 39.20", trade.TotalAmount)
	}

	p, err := svc.GetPortfolio(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	h := p.Holdings["NOK"]
	if h == nil || h.Shares != 10 || !h.AverageCost.Equal(d("3.92")) {
		t.Fatalf("Holding = %+v, want 10 shares @ 3.92", h)
	}

	// Sell 4 @ 4.10 -> cash 9960.80 + 16.40 = 9977.20, realized (4.10-3.92)*4 = 0.72
	trade, err = svc.ExecuteTrade(ctx, "u1", "NOK", domain.SideSell, 4, d("4.10"))
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if !trade.CashBalance.Equal(d("9977.20")) {
		t.Errorf("Cash after sell = %s, want 9977.20", trade.CashBalance)
	}
	if !trade.RealizedPnL.Equal(d("0.72")) {
		t.Errorf("RealizedPnL = %s, want 0.72", trade.RealizedPnL)
	}

	p, _ = svc.GetPortfolio(ctx, "u1")
	h = p.Holdings["NOK"]
	if h == nil || h.Shares != 6 {
		t.Fatalf("Holding after sell = %+v, want 6 shares", h)
	}
	// Selling never moves the cost basis.
	if !h.AverageCost.Equal(d("3.92")) {
		t.Errorf("AverageCost after sell = %s, want 3.92", h.AverageCost)
	}

	txns, err := svc.GetTransactions(ctx, "u1")
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("Expected 2 transactions, got %d", len(txns))
	}
}

func TestLedger_WeightedAverageCost(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	// 10 @ 10 then 10 @ 20 -> 20 shares @ 15
	if _, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 10, d("10")); err != nil {
		t.Fatalf("First buy failed: %v", err)
	}
	if _, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 10, d("20")); err != nil {
		t.Fatalf("Second buy failed: %v", err)
	}

	p, _ := svc.GetPortfolio(ctx, "u1")
	h := p.Holdings["AAPL"]
	if h.Shares != 20 {
		t.Errorf("Shares = %d, want 20", h.Shares)
	}
	if !h.AverageCost.Equal(d("15")) {
		t.Errorf("AverageCost = %s, want 15", h.AverageCost)
	}
}

func TestLedger_SellToZeroRemovesHolding(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 5, d("10"))
	if _, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideSell, 5, d("12")); err != nil {
		t.Fatalf("Sell failed: %v", err)
	}

	p, _ := svc.GetPortfolio(ctx, "u1")
	if _, ok := p.Holdings["AAPL"]; ok {
		t.Error("Zero-share holding should be removed")
	}
}

func TestLedger_InsufficientFundsLeavesStateUntouched(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	_, err := svc.ExecuteTrade(ctx, "u1", "BRK", domain.SideBuy, 100, d("500"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("Got %v, want ErrInsufficientFunds", err)
	}

	p, _ := svc.GetPortfolio(ctx, "u1")
	if !p.CashBalance.Equal(d("10000")) {
		t.Errorf("Cash = %s, want untouched 10000", p.CashBalance)
	}
	if len(p.Holdings) != 0 {
		t.Errorf("Holdings = %d, want 0", len(p.Holdings))
	}
	txns, _ := svc.GetTransactions(ctx, "u1")
	if len(txns) != 0 {
		t.Errorf("Failed trade must not append history, got %d rows", len(txns))
	}
}

func TestLedger_InsufficientShares(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")
	svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 3, d("10"))

	_, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideSell, 5, d("10"))
	if !errors.Is(err, domain.ErrInsufficientShares) {
		t.Errorf("Got %v, want ErrInsufficientShares", err)
	}

	// Selling a symbol never held at all.
	_, err = svc.ExecuteTrade(ctx, "u1", "MSFT", domain.SideSell, 1, d("10"))
	if !errors.Is(err, domain.ErrInsufficientShares) {
		t.Errorf("Got %v, want ErrInsufficientShares", err)
	}
}

func TestLedger_InputValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	tests := []struct {
		name   string
		user   string
		symbol string
		side   domain.Side
		shares int64
		price  decimal.Decimal
	}{
		{"empty user", "", "AAPL", domain.SideBuy, 1, d("10")},
		{"empty symbol", "u1", "  ", domain.SideBuy, 1, d("10")},
		{"bad side", "u1", "AAPL", domain.Side("hold"), 1, d("10")},
		{"zero shares", "u1", "AAPL", domain.SideBuy, 0, d("10")},
		{"negative shares", "u1", "AAPL", domain.SideBuy, -5, d("10")},
		{"over max shares", "u1", "AAPL", domain.SideBuy, 1001, d("10")},
		{"negative price", "u1", "AAPL", domain.SideBuy, 1, d("-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ExecuteTrade(ctx, tt.user, tt.symbol, tt.side, tt.shares, tt.price)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("Got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestLedger_UnknownUser(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.ExecuteTrade(ctx, "ghost", "AAPL", domain.SideBuy, 1, d("10")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Trade: got %v, want ErrNotFound", err)
	}
	if _, err := svc.GetPortfolio(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetPortfolio: got %v, want ErrNotFound", err)
	}
	if _, err := svc.GetTransactions(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTransactions: got %v, want ErrNotFound", err)
	}
	if err := svc.ResetPortfolio(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Reset: got %v, want ErrNotFound", err)
	}
}

func TestLedger_CachePricedTrade(t *testing.T) {
	quotes := &fakeQuoter{ticks: map[string]domain.PriceTick{
		"AAPL": {Symbol: "AAPL", Price: d("150.25"), TsUnixM: time.Now().UnixMicro()},
	}}
	svc := newTestService(t, quotes)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	// Zero price means "use the cached tick".
	trade, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 2, decimal.Zero)
	if err != nil {
		t.Fatalf("Cache-priced buy failed: %v", err)
	}
	if !trade.Price.Equal(d("150.25")) {
		t.Errorf("Price = %s, want cached 150.25", trade.Price)
	}

	// No cached tick for the symbol.
	_, err = svc.ExecuteTrade(ctx, "u1", "MSFT", domain.SideBuy, 1, decimal.Zero)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Got %v, want ErrInvalidInput for uncached symbol", err)
	}
}

func TestLedger_CachePricedTrade_NoQuoter(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	_, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 1, decimal.Zero)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Got %v, want ErrInvalidInput without a quote source", err)
	}
}

func TestLedger_StaleCachedPriceRejected(t *testing.T) {
	quotes := &fakeQuoter{ticks: map[string]domain.PriceTick{
		"AAPL": {Symbol: "AAPL", Price: d("150"), TsUnixM: time.Now().Add(-time.Hour).UnixMicro()},
	}}

	store, err := storage.NewPortfolioStore(filepath.Join(t.TempDir(), "test_stale.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	svc := New(store, quotes, Config{
		InitialCash:    d("10000"),
		MaxOrderShares: 1000,
		MaxTickAge:     time.Minute,
	})
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	_, err = svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 1, decimal.Zero)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Got %v, want ErrInvalidInput for stale tick", err)
	}

	// An explicit price bypasses the cache entirely.
	if _, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 1, d("150")); err != nil {
		t.Errorf("Explicit-price trade failed: %v", err)
	}
}

func TestLedger_ResetIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")
	svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 10, d("50"))

	for i := 0; i < 2; i++ {
		if err := svc.ResetPortfolio(ctx, "u1"); err != nil {
			t.Fatalf("Reset %d failed: %v", i+1, err)
		}
	}

	p, _ := svc.GetPortfolio(ctx, "u1")
	if !p.CashBalance.Equal(d("10000")) {
		t.Errorf("Cash = %s, want 10000", p.CashBalance)
	}
	if len(p.Holdings) != 0 {
		t.Errorf("Holdings = %d, want 0", len(p.Holdings))
	}
	txns, _ := svc.GetTransactions(ctx, "u1")
	if len(txns) != 0 {
		t.Errorf("History = %d rows, want 0", len(txns))
	}
}

func TestLedger_ConcurrentSellsNeverOversell(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")
	svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideBuy, 6, d("10"))

	// 5 goroutines each try to sell 2 of the 6 shares: exactly 3 can win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ExecuteTrade(ctx, "u1", "AAPL", domain.SideSell, 2, d("10")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientShares) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("Successful sells = %d, want exactly 3", succeeded)
	}
	p, _ := svc.GetPortfolio(ctx, "u1")
	if _, ok := p.Holdings["AAPL"]; ok {
		t.Errorf("Position should be fully closed, got %+v", p.Holdings["AAPL"])
	}
}

func TestLedger_SymbolNormalized(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.CreateAccount(ctx, "u1")

	if _, err := svc.ExecuteTrade(ctx, "u1", " aapl ", domain.SideBuy, 1, d("10")); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	p, _ := svc.GetPortfolio(ctx, "u1")
	if _, ok := p.Holdings["AAPL"]; !ok {
		t.Errorf("Symbol not normalized to upper case: %+v", p.Holdings)
	}
}
