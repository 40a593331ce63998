package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
	"github.com/m-ligtenberg/stocks-sub000/internal/infra"
)

// QuoteSource is the external quote provider collaborator: given a
// symbol it returns one fresh tick or fails. The engine treats any error
// as "no fresh tick" and degrades to cache or simulation.
type QuoteSource interface {
	FetchQuote(ctx context.Context, symbol string) (domain.PriceTick, error)
}

// quoteResponse is the provider's wire format. Numbers arrive as
// json.Number so prices never pass through float64.
type quoteResponse struct {
	Symbol        string      `json:"symbol"`
	Price         json.Number `json:"price"`
	Change        json.Number `json:"change"`
	ChangePercent json.Number `json:"change_percent"`
	Volume        int64       `json:"volume"`
	Timestamp     int64       `json:"timestamp"` // Unix millis
}

// QuoteClient fetches quotes over HTTP, rate limited and guarded by a
// circuit breaker so a failing provider stops producing outbound calls.
type QuoteClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *infra.RateLimiter
	breaker    *infra.CircuitBreaker
}

// QuoteClientConfig configures the HTTP quote client.
type QuoteClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// NewQuoteClient creates a quote client for the given endpoint.
func NewQuoteClient(cfg QuoteClientConfig) *QuoteClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &QuoteClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    infra.NewRateLimiter(cfg.Burst, cfg.RequestsPerSec),
		breaker:    infra.NewCircuitBreaker("quotes", 5, 2, 30*time.Second),
	}
}

// FetchQuote fetches one quote. Failures count against the breaker.
func (c *QuoteClient) FetchQuote(ctx context.Context, symbol string) (domain.PriceTick, error) {
	if !c.breaker.Allow() {
		return domain.PriceTick{}, fmt.Errorf("quote source circuit open for %s", symbol)
	}
	if !c.limiter.TryAcquire() {
		return domain.PriceTick{}, fmt.Errorf("quote source rate limited for %s", symbol)
	}

	tick, err := c.doFetch(ctx, symbol)
	if err != nil {
		c.breaker.RecordFailure()
		return domain.PriceTick{}, err
	}
	c.breaker.RecordSuccess()
	return tick, nil
}

func (c *QuoteClient) doFetch(ctx context.Context, symbol string) (domain.PriceTick, error) {
	u := fmt.Sprintf("%s?symbol=%s", c.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.PriceTick{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PriceTick{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PriceTick{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceTick{}, err
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return domain.PriceTick{}, err
	}

	price, err := decimal.NewFromString(qr.Price.String())
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("bad price %q: %w", qr.Price, err)
	}
	if !price.IsPositive() {
		return domain.PriceTick{}, fmt.Errorf("non-positive price %s for %s", price, symbol)
	}
	change, _ := decimal.NewFromString(qr.Change.String())
	changePct, _ := decimal.NewFromString(qr.ChangePercent.String())

	ts := qr.Timestamp * 1000 // millis -> micros
	if qr.Timestamp == 0 {
		ts = time.Now().UnixMicro()
	}

	return domain.PriceTick{
		Symbol:        symbol,
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        qr.Volume,
		TsUnixM:       ts,
		Source:        domain.TickSourceFeed,
	}, nil
}
