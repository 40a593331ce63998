package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/glebarez/go-sqlite"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
)

// PortfolioStore persists portfolios, holdings and the transaction log in
// SQLite. All ledger mutations run inside a single database transaction,
// so cash, holdings and the appended transaction row commit together or
// not at all.
type PortfolioStore struct {
	db *sql.DB
}

// NewPortfolioStore opens (or creates) the SQLite database at dbPath with
// WAL mode enabled and bootstraps the schema.
func NewPortfolioStore(dbPath string) (*PortfolioStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// Money columns are TEXT: decimal strings survive the round trip
	// without binary floating point drift.
	schema := []string{
		`CREATE TABLE IF NOT EXISTS portfolios (
			user_id TEXT PRIMARY KEY,
			cash_balance TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS holdings (
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			shares INTEGER NOT NULL,
			avg_cost TEXT NOT NULL,
			PRIMARY KEY (user_id, symbol),
			FOREIGN KEY (user_id) REFERENCES portfolios(user_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			shares INTEGER NOT NULL,
			price TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			FOREIGN KEY (user_id) REFERENCES portfolios(user_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, executed_at);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &PortfolioStore{db: db}, nil
}

// CreatePortfolio inserts a new empty portfolio with the initial cash
// endowment. Creating an existing user is an invalid input, not a
// storage failure.
func (s *PortfolioStore) CreatePortfolio(ctx context.Context, userID string, initialCash decimal.Decimal) error {
	now := time.Now().UnixMicro()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO portfolios (user_id, cash_balance, created_at, updated_at) VALUES (?, ?, ?, ?)",
		userID, initialCash.String(), now, now,
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: portfolio already exists for user %s", domain.ErrInvalidInput, userID)
		}
		return fmt.Errorf("%w: insert portfolio: %v", domain.ErrStorageFailure, err)
	}
	return nil
}

// GetPortfolio loads a portfolio with all its holdings.
func (s *PortfolioStore) GetPortfolio(ctx context.Context, userID string) (*domain.Portfolio, error) {
	return s.getPortfolio(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PortfolioStore) getPortfolio(ctx context.Context, q querier, userID string) (*domain.Portfolio, error) {
	var cash string
	p := &domain.Portfolio{UserID: userID, Holdings: make(map[string]*domain.Holding)}

	err := q.QueryRowContext(ctx,
		"SELECT cash_balance, created_at, updated_at FROM portfolios WHERE user_id = ?", userID,
	).Scan(&cash, &p.CreatedAtUnixM, &p.UpdatedAtUnixM)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select portfolio: %v", domain.ErrStorageFailure, err)
	}

	p.CashBalance, err = decimal.NewFromString(cash)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt cash balance %q: %v", domain.ErrStorageFailure, cash, err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT symbol, shares, avg_cost FROM holdings WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("%w: select holdings: %v", domain.ErrStorageFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		var h domain.Holding
		var avgCost string
		if err := rows.Scan(&h.Symbol, &h.Shares, &avgCost); err != nil {
			return nil, fmt.Errorf("%w: scan holding: %v", domain.ErrStorageFailure, err)
		}
		h.AverageCost, err = decimal.NewFromString(avgCost)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt avg cost %q: %v", domain.ErrStorageFailure, avgCost, err)
		}
		p.Holdings[h.Symbol] = &h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows iteration: %v", domain.ErrStorageFailure, err)
	}

	return p, nil
}

// UpdatePortfolio runs apply against the stored portfolio inside one
// transaction. apply mutates the portfolio in place and returns the
// transaction row to append; if apply returns an error the whole unit is
// rolled back and nothing is written. This is the ledger's atomic
// read-modify-write primitive.
func (s *PortfolioStore) UpdatePortfolio(ctx context.Context, userID string, apply func(*domain.Portfolio) (*domain.Transaction, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	p, err := s.getPortfolio(ctx, tx, userID)
	if err != nil {
		return err
	}

	txn, err := apply(p)
	if err != nil {
		return err
	}

	p.UpdatedAtUnixM = time.Now().UnixMicro()

	if _, err := tx.ExecContext(ctx,
		"UPDATE portfolios SET cash_balance = ?, updated_at = ? WHERE user_id = ?",
		p.CashBalance.String(), p.UpdatedAtUnixM, userID,
	); err != nil {
		return fmt.Errorf("%w: update portfolio: %v", domain.ErrStorageFailure, err)
	}

	// Holdings are few per user; rewriting the set keeps deletes and
	// weighted-average updates on one code path.
	if _, err := tx.ExecContext(ctx, "DELETE FROM holdings WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%w: clear holdings: %v", domain.ErrStorageFailure, err)
	}
	for _, h := range p.Holdings {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO holdings (user_id, symbol, shares, avg_cost) VALUES (?, ?, ?, ?)",
			userID, h.Symbol, h.Shares, h.AverageCost.String(),
		); err != nil {
			return fmt.Errorf("%w: insert holding %s: %v", domain.ErrStorageFailure, h.Symbol, err)
		}
	}

	if txn != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO transactions (id, user_id, symbol, side, shares, price, total_amount, executed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			txn.ID, txn.UserID, txn.Symbol, string(txn.Side), txn.Shares,
			txn.Price.String(), txn.TotalAmount.String(), txn.ExecutedAtUnixM,
		); err != nil {
			return fmt.Errorf("%w: insert transaction: %v", domain.ErrStorageFailure, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrStorageFailure, err)
	}
	return nil
}

// ResetPortfolio atomically restores the initial endowment and deletes
// all holdings and transactions for the user.
func (s *PortfolioStore) ResetPortfolio(ctx context.Context, userID string, initialCash decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE portfolios SET cash_balance = ?, updated_at = ? WHERE user_id = ?",
		initialCash.String(), time.Now().UnixMicro(), userID,
	)
	if err != nil {
		return fmt.Errorf("%w: reset portfolio: %v", domain.ErrStorageFailure, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", domain.ErrStorageFailure, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM holdings WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%w: delete holdings: %v", domain.ErrStorageFailure, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transactions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%w: delete transactions: %v", domain.ErrStorageFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrStorageFailure, err)
	}
	return nil
}

// GetTransactions returns the user's transaction history, oldest first.
func (s *PortfolioStore) GetTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, symbol, side, shares, price, total_amount, executed_at FROM transactions WHERE user_id = ? ORDER BY executed_at ASC, id ASC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: select transactions: %v", domain.ErrStorageFailure, err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var side, price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side, &t.Shares, &price, &total, &t.ExecutedAtUnixM); err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", domain.ErrStorageFailure, err)
		}
		t.Side = domain.Side(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("%w: corrupt price %q: %v", domain.ErrStorageFailure, price, err)
		}
		if t.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("%w: corrupt total %q: %v", domain.ErrStorageFailure, total, err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows iteration: %v", domain.ErrStorageFailure, err)
	}

	return txns, nil
}

// Close closes the database connection.
func (s *PortfolioStore) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	// glebarez/go-sqlite surfaces constraint violations in the error
	// text; there is no exported sentinel to match against.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
