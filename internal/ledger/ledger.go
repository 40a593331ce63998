package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
)

// Store is the durable transactional store the ledger runs on. The
// implementation must make UpdatePortfolio an all-or-nothing unit
// spanning cash, holdings and the appended transaction row.
type Store interface {
	CreatePortfolio(ctx context.Context, userID string, initialCash decimal.Decimal) error
	GetPortfolio(ctx context.Context, userID string) (*domain.Portfolio, error)
	UpdatePortfolio(ctx context.Context, userID string, apply func(*domain.Portfolio) (*domain.Transaction, error)) error
	ResetPortfolio(ctx context.Context, userID string, initialCash decimal.Decimal) error
	GetTransactions(ctx context.Context, userID string) ([]domain.Transaction, error)
}

// Quoter supplies the latest cached tick for mark-to-market and for
// pricing trades submitted without an explicit price. The ledger never
// blocks on it.
type Quoter interface {
	CurrentPrice(symbol string) (domain.PriceTick, bool)
}

// Config holds ledger policy knobs.
type Config struct {
	InitialCash    decimal.Decimal
	MaxOrderShares int64
	MaxTickAge     time.Duration // 0 disables the staleness bound on cache-priced trades
}

// Service is the paper-trading ledger. Trades for the same user are
// serialized through a per-user lock; distinct users never block each
// other here.
type Service struct {
	store  Store
	quotes Quoter // may be nil
	cfg    Config

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// New creates a ledger service. quotes may be nil, in which case every
// trade must carry an explicit price.
func New(store Store, quotes Quoter, cfg Config) *Service {
	if cfg.MaxOrderShares <= 0 {
		cfg.MaxOrderShares = 100000
	}
	return &Service{
		store:  store,
		quotes: quotes,
		cfg:    cfg,
		users:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing writes for one user.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.users[userID] = mu
	}
	return mu
}

// CreateAccount creates a portfolio with the initial cash endowment.
func (s *Service) CreateAccount(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}
	return s.store.CreatePortfolio(ctx, userID, s.cfg.InitialCash)
}

// ExecuteTrade applies a buy or sell to the user's portfolio. price may
// be zero, in which case the latest cached tick prices the order
// (paper-trading semantics: the cache is read, never force-refreshed).
// The cash mutation, holding mutation and transaction append commit
// atomically; on any error no state changes.
func (s *Service) ExecuteTrade(ctx context.Context, userID, symbol string, side domain.Side, shares int64, price decimal.Decimal) (*domain.Trade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", domain.ErrInvalidInput)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: unknown trade side %q", domain.ErrInvalidInput, side)
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: shares must be positive, got %d", domain.ErrInvalidInput, shares)
	}
	if shares > s.cfg.MaxOrderShares {
		return nil, fmt.Errorf("%w: shares %d exceeds maximum %d", domain.ErrInvalidInput, shares, s.cfg.MaxOrderShares)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: price must be positive, got %s", domain.ErrInvalidInput, price)
	}

	if price.IsZero() {
		var err error
		price, err = s.cachedPrice(symbol)
		if err != nil {
			return nil, err
		}
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var trade *domain.Trade
	err := s.store.UpdatePortfolio(ctx, userID, func(p *domain.Portfolio) (*domain.Transaction, error) {
		var realized decimal.Decimal

		total := price.Mul(decimal.NewFromInt(shares))

		switch side {
		case domain.SideBuy:
			if p.CashBalance.LessThan(total) {
				return nil, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, total, p.CashBalance)
			}
			p.CashBalance = p.CashBalance.Sub(total)
			if h, ok := p.Holdings[symbol]; ok {
				oldShares := decimal.NewFromInt(h.Shares)
				newShares := decimal.NewFromInt(h.Shares + shares)
				h.AverageCost = h.AverageCost.Mul(oldShares).Add(total).Div(newShares)
				h.Shares += shares
			} else {
				p.Holdings[symbol] = &domain.Holding{
					Symbol:      symbol,
					Shares:      shares,
					AverageCost: price,
				}
			}

		case domain.SideSell:
			h, ok := p.Holdings[symbol]
			if !ok || h.Shares < shares {
				have := int64(0)
				if ok {
					have = h.Shares
				}
				return nil, fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientShares, shares, have)
			}
			p.CashBalance = p.CashBalance.Add(total)
			realized = price.Sub(h.AverageCost).Mul(decimal.NewFromInt(shares))
			h.Shares -= shares
			// A position that hits zero is removed, not kept.
			if h.Shares == 0 {
				delete(p.Holdings, symbol)
			}
		}

		p.VerifyInvariant()

		txn := &domain.Transaction{
			ID:              uuid.NewString(),
			UserID:          userID,
			Symbol:          symbol,
			Side:            side,
			Shares:          shares,
			Price:           price,
			TotalAmount:     total,
			ExecutedAtUnixM: time.Now().UnixMicro(),
		}
		trade = &domain.Trade{
			Transaction: *txn,
			CashBalance: p.CashBalance,
			RealizedPnL: realized,
		}
		return txn, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Trade executed",
		slog.String("user", userID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Int64("shares", shares),
		slog.String("price", price.String()))

	return trade, nil
}

// cachedPrice resolves the order price from the engine cache, enforcing
// the optional staleness bound.
func (s *Service) cachedPrice(symbol string) (decimal.Decimal, error) {
	if s.quotes == nil {
		return decimal.Zero, fmt.Errorf("%w: no price given and no quote source configured", domain.ErrInvalidInput)
	}
	tick, ok := s.quotes.CurrentPrice(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no cached price for %s", domain.ErrInvalidInput, symbol)
	}
	if s.cfg.MaxTickAge > 0 {
		age := time.Since(time.UnixMicro(tick.TsUnixM))
		if age > s.cfg.MaxTickAge {
			return decimal.Zero, fmt.Errorf("%w: cached price for %s is stale (%s old)", domain.ErrInvalidInput, symbol, age.Round(time.Second))
		}
	}
	if !tick.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: cached price for %s is not positive", domain.ErrInvalidInput, symbol)
	}
	return tick.Price, nil
}

// ResetPortfolio restores the initial endowment and wipes holdings and
// history in one atomic unit. Calling it twice yields the same state as
// calling it once.
func (s *Service) ResetPortfolio(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.ResetPortfolio(ctx, userID, s.cfg.InitialCash); err != nil {
		return err
	}

	slog.Info("Portfolio reset", slog.String("user", userID))
	return nil
}

// GetPortfolio returns the portfolio marked to market with the latest
// cached ticks. Symbols without a cached tick keep a zero CurrentPrice.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*domain.Portfolio, error) {
	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.quotes != nil {
		for sym, h := range p.Holdings {
			if tick, ok := s.quotes.CurrentPrice(sym); ok {
				h.CurrentPrice = tick.Price
			}
		}
	}
	return p, nil
}

// GetTransactions returns the user's append-only trade history.
func (s *Service) GetTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	// An unknown user should read as NotFound, not an empty history.
	if _, err := s.store.GetPortfolio(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.GetTransactions(ctx, userID)
}
