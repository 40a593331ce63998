// Package feed implements the live market data connection: a websocket
// client that subscribes to watched symbols, keeps the link alive with
// heartbeat pings, and surfaces every unclean condition as a read error
// so the engine's reconnect logic can take over.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
	"github.com/m-ligtenberg/stocks-sub000/internal/market"
)

// Config holds feed connection settings.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
}

// Dialer establishes live feed connections. It implements
// market.FeedDialer; reconnect policy lives in the engine, not here.
type Dialer struct {
	cfg Config
}

// NewDialer creates a feed dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Dialer{cfg: cfg}
}

// Dial connects and subscribes to the given symbols.
func (d *Dialer) Dial(ctx context.Context, symbols []string) (market.FeedConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	header := make(http.Header)

	ws, _, err := dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:        ws,
		heartbeat: d.cfg.HeartbeatInterval,
		done:      make(chan struct{}),
		lastAck:   time.Now(),
	}

	ws.SetPongHandler(func(string) error {
		c.ackMu.Lock()
		c.lastAck = time.Now()
		c.ackMu.Unlock()
		return nil
	})

	if len(symbols) > 0 {
		if err := c.Watch(symbols); err != nil {
			ws.Close()
			return nil, fmt.Errorf("initial subscribe failed: %w", err)
		}
	}

	go c.pingLoop()

	return c, nil
}

// subscribeFrame replaces the upstream watch set.
type subscribeFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// tickFrame is one inbound feed message. Prices arrive as json.Number so
// they never pass through float64.
type tickFrame struct {
	Type          string      `json:"type"` // "tick"
	Symbol        string      `json:"symbol"`
	Price         json.Number `json:"price"`
	Change        json.Number `json:"change"`
	ChangePercent json.Number `json:"change_percent"`
	Volume        int64       `json:"volume"`
	Timestamp     int64       `json:"timestamp"` // Unix millis
}

// Conn is one live feed connection.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	heartbeat time.Duration

	ackMu   sync.Mutex
	lastAck time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// ReadTick blocks until the next price tick. Non-tick frames are
// skipped. A read failure or a missed heartbeat ack returns an error,
// which the engine treats as an unclean disconnect.
func (c *Conn) ReadTick(ctx context.Context) (domain.PriceTick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.PriceTick{}, err
		}

		c.ws.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return domain.PriceTick{}, err
		}

		var frame tickFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != "tick" {
			continue
		}

		price, err := decimal.NewFromString(frame.Price.String())
		if err != nil || !price.IsPositive() {
			continue
		}
		change, _ := decimal.NewFromString(frame.Change.String())
		changePct, _ := decimal.NewFromString(frame.ChangePercent.String())

		ts := frame.Timestamp * 1000 // millis -> micros
		if frame.Timestamp == 0 {
			ts = time.Now().UnixMicro()
		}

		return domain.PriceTick{
			Symbol:        frame.Symbol,
			Price:         price,
			Change:        change,
			ChangePercent: changePct,
			Volume:        frame.Volume,
			TsUnixM:       ts,
			Source:        domain.TickSourceFeed,
		}, nil
	}
}

// Watch replaces the upstream subscription with the given symbol set.
func (c *Conn) Watch(symbols []string) error {
	frame := subscribeFrame{Action: "subscribe", Symbols: symbols}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close terminates the connection and its heartbeat loop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

// pingLoop sends a liveness ping every heartbeat interval. A write
// failure or an ack older than two intervals closes the socket, turning
// the silence into a read error upstream.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.ackMu.Lock()
			stale := time.Since(c.lastAck) > 2*c.heartbeat
			c.ackMu.Unlock()
			if stale {
				c.ws.Close()
				return
			}

			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.ws.Close()
				return
			}
		}
	}
}
