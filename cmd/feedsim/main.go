// Command feedsim runs a local websocket feed for development: point
// PAPERTRADE_FEED_URL at it and the app consumes randomized ticks over
// the same wire protocol a production feed would speak.
//
// Inbound frames: {"action":"subscribe","symbols":["AAPL",...]}
// Outbound frames: {"type":"tick","symbol":...,"price":...,"timestamp":ms}
package main

import (
	"encoding/json"
	"flag"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

var (
	addr       = flag.String("addr", ":8090", "listen address")
	minDelayMS = flag.Int("min-delay-ms", 300, "minimum delay between tick rounds")
	maxDelayMS = flag.Int("max-delay-ms", 1500, "maximum delay between tick rounds")
	maxPct     = flag.Float64("max-change-pct", 2.0, "maximum per-tick move in percent")
)

type subscribeFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Numeric fields go out as json.Number so they serialize as bare number
// tokens, the way a real provider would send them.
type tickFrame struct {
	Type          string      `json:"type"`
	Symbol        string      `json:"symbol"`
	Price         json.Number `json:"price"`
	Change        json.Number `json:"change"`
	ChangePercent json.Number `json:"change_percent"`
	Volume        int64       `json:"volume"`
	Timestamp     int64       `json:"timestamp"` // Unix millis
}

// session is one connected consumer with its own watch set and walk.
type session struct {
	conn *websocket.Conn

	mu      sync.Mutex
	symbols []string
	prices  map[string]decimal.Decimal

	rng *rand.Rand
}

func main() {
	flag.Parse()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("Upgrade failed", slog.Any("error", err))
			return
		}
		s := &session{
			conn:   conn,
			prices: make(map[string]decimal.Decimal),
			rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		}
		slog.Info("Consumer connected", slog.String("remote", r.RemoteAddr))
		s.serve()
		slog.Info("Consumer disconnected", slog.String("remote", r.RemoteAddr))
	})

	slog.Info("Feed simulator listening", slog.String("addr", *addr))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		slog.Error("Server failed", slog.Any("error", err))
	}
}

func (s *session) serve() {
	defer s.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := s.conn.ReadMessage()
			if err != nil {
				return
			}
			var frame subscribeFrame
			if err := json.Unmarshal(msg, &frame); err != nil || frame.Action != "subscribe" {
				continue
			}
			s.mu.Lock()
			s.symbols = frame.Symbols
			s.mu.Unlock()
			slog.Info("Watch set updated", slog.Int("symbols", len(frame.Symbols)))
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-time.After(s.nextDelay()):
		}

		s.mu.Lock()
		symbols := append([]string(nil), s.symbols...)
		s.mu.Unlock()

		for _, sym := range symbols {
			if err := s.conn.WriteJSON(s.nextTick(sym)); err != nil {
				return
			}
		}
	}
}

func (s *session) nextDelay() time.Duration {
	span := *maxDelayMS - *minDelayMS
	if span <= 0 {
		return time.Duration(*minDelayMS) * time.Millisecond
	}
	return time.Duration(*minDelayMS+s.rng.Intn(span)) * time.Millisecond
}

func (s *session) nextTick(symbol string) tickFrame {
	s.mu.Lock()
	prev, ok := s.prices[symbol]
	s.mu.Unlock()
	if !ok || !prev.IsPositive() {
		prev = basePrice(symbol)
	}

	pct := (s.rng.Float64()*2 - 1) * *maxPct
	change := prev.Mul(decimal.NewFromFloat(pct / 100)).Round(4)
	price := prev.Add(change)

	floor := decimal.New(1, -2)
	if price.LessThan(floor) {
		price = floor
		change = price.Sub(prev)
	}

	changePct := decimal.Zero
	if prev.IsPositive() {
		changePct = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
	}

	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()

	return tickFrame{
		Type:          "tick",
		Symbol:        symbol,
		Price:         json.Number(price.String()),
		Change:        json.Number(change.String()),
		ChangePercent: json.Number(changePct.String()),
		Volume:        s.rng.Int63n(1_000_000),
		Timestamp:     time.Now().UnixMilli(),
	}
}

// basePrice seeds a deterministic starting price per symbol, 5.00-505.00.
func basePrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	cents := int64(h.Sum32()%50000) + 500
	return decimal.New(cents, -2)
}
