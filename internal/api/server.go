package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
	"github.com/m-ligtenberg/stocks-sub000/internal/ledger"
	"github.com/m-ligtenberg/stocks-sub000/internal/market"
)

// Server is the thin HTTP surface over the ledger and the market data
// engine. Rendering, notifications and other UI concerns live elsewhere.
type Server struct {
	ledger   *ledger.Service
	engine   *market.Engine
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer wires the routes.
func NewServer(l *ledger.Service, e *market.Engine) *Server {
	s := &Server{
		ledger: l,
		engine: e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{id}", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/api/users/{id}/portfolio", s.handleGetPortfolio).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{id}/trades", s.handleExecuteTrade).Methods(http.MethodPost)
	r.HandleFunc("/api/users/{id}/transactions", s.handleGetTransactions).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{id}/reset", s.handleResetPortfolio).Methods(http.MethodPost)
	r.HandleFunc("/api/quotes/{symbol}", s.handleGetQuote).Methods(http.MethodGet)
	r.HandleFunc("/api/market/status", s.handleMarketStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleStream).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if err := s.ledger.CreateAccount(r.Context(), userID); err != nil {
		writeLedgerError(w, err)
		return
	}
	p, err := s.ledger.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, portfolioView(p))
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.GetPortfolio(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolioView(p))
}

type tradeRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Shares int64  `json:"shares"`
	Price  string `json:"price,omitempty"` // Optional: empty means "price from cache"
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid trade payload"})
		return
	}

	price := decimal.Zero
	if strings.TrimSpace(req.Price) != "" {
		var err error
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid price"})
			return
		}
	}

	trade, err := s.ledger.ExecuteTrade(r.Context(), mux.Vars(r)["id"], req.Symbol, domain.Side(strings.ToLower(req.Side)), req.Shares, price)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.ledger.GetTransactions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleResetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if err := s.ledger.ResetPortfolio(r.Context(), userID); err != nil {
		writeLedgerError(w, err)
		return
	}
	p, err := s.ledger.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolioView(p))
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	tick, ok := s.engine.CurrentPrice(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cached price for " + symbol})
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           s.engine.MarketStatus(),
		"connection_state": s.engine.ConnectionState(),
	})
}

// portfolioView augments the stored portfolio with its derived total.
func portfolioView(p *domain.Portfolio) map[string]any {
	return map[string]any{
		"portfolio":   p,
		"total_value": p.TotalValue(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientShares):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrStorageFailure):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
