package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
	"github.com/m-ligtenberg/stocks-sub000/internal/infra"
)

// EventType identifies what a subscriber event carries.
type EventType string

const (
	EventPriceUpdate     EventType = "priceUpdate"     // Delivered only to subscribers watching the tick's symbol
	EventMarketStatus    EventType = "marketStatus"    // Delivered to all subscribers
	EventConnectionState EventType = "connectionState" // Delivered to all subscribers
)

// Event is one message pushed to a subscriber channel.
type Event struct {
	Type   EventType              `json:"type"`
	Tick   *domain.PriceTick      `json:"tick,omitempty"`
	Status *domain.MarketStatus   `json:"status,omitempty"`
	State  domain.ConnectionState `json:"state,omitempty"`
}

// Subscription is one registered subscriber. Events arrive on C; the
// channel is closed on unsubscribe or engine shutdown. Delivery is
// fire-and-forget: a full channel drops the event rather than blocking
// the ingestion path.
type Subscription struct {
	ID string
	C  chan Event

	symbols map[string]struct{}
	engine  *Engine
	once    sync.Once
}

// Unsubscribe removes the subscription and releases its watch
// refcounts. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.engine.removeSubscription(s.ID)
	})
}

// FeedConn is one live upstream connection. ReadTick blocks until a tick
// arrives and returns an error on any unclean condition (read failure,
// missed heartbeat ack), which the engine treats as a disconnect.
type FeedConn interface {
	ReadTick(ctx context.Context) (domain.PriceTick, error)
	Watch(symbols []string) error
	Close() error
}

// FeedDialer establishes live feed connections already subscribed to the
// given symbols.
type FeedDialer interface {
	Dial(ctx context.Context, symbols []string) (FeedConn, error)
}

// Config holds engine policy knobs.
type Config struct {
	ReconnectBase        time.Duration // Backoff base delay
	ReconnectMaxAttempts int           // Reconnects before permanent simulation fallback
	SubscriberBuffer     int           // Per-subscription channel depth
	StatusInterval       time.Duration // Market status recompute cadence
	Sim                  SimConfig
}

// Engine is the real-time market data engine: it owns the refcounted
// watch set, the per-symbol tick cache, the subscriber registry and the
// connection state machine. All shared state sits behind one mutex;
// ingestion runs on a single goroutine consuming the inbox so live and
// simulated ticks share a code path.
type Engine struct {
	cfg      Config
	calendar *Calendar
	quotes   QuoteSource // may be nil
	dialer   FeedDialer  // nil means simulation only

	mu     sync.RWMutex
	cache  map[string]domain.PriceTick
	watch  map[string]int
	subs   map[string]*Subscription
	state  domain.ConnectionState
	status domain.MarketStatus
	conn   FeedConn // live connection, nil unless connected

	inbox  chan domain.PriceTick
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. quotes and dialer may each be nil.
func New(cfg Config, calendar *Calendar, quotes QuoteSource, dialer FeedDialer) *Engine {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Minute
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	return &Engine{
		cfg:      cfg,
		calendar: calendar,
		quotes:   quotes,
		dialer:   dialer,
		cache:    make(map[string]domain.PriceTick),
		watch:    make(map[string]int),
		subs:     make(map[string]*Subscription),
		state:    domain.StateDisconnected,
		inbox:    make(chan domain.PriceTick, 256),
	}
}

// Start launches the background loops: tick ingestion, market status
// timer, the simulator, and (when a dialer is configured) the feed
// connection loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.mu.Lock()
	e.status = e.calendar.Status(time.Now())
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runIngest(ctx)

	e.wg.Add(1)
	go e.runStatus(ctx)

	sim := newSimulator(e, e.cfg.Sim)
	e.wg.Add(1)
	go sim.run(ctx)

	if e.dialer != nil {
		e.wg.Add(1)
		go e.runFeed(ctx)
	} else {
		e.setState(domain.StateSimulation)
	}
}

// Stop cancels all background work and closes every subscriber channel.
// It returns once all engine goroutines have exited.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		close(sub.C)
		delete(e.subs, id)
	}
	e.watch = make(map[string]int)
}

// runIngest is the single consumer of the tick inbox.
func (e *Engine) runIngest(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.inbox:
			e.applyTick(tick)
		}
	}
}

// Ingest queues a tick for the ingestion loop. Live feed and simulator
// both enter here so cache and fan-out behave identically.
func (e *Engine) Ingest(tick domain.PriceTick) {
	select {
	case e.inbox <- tick:
	default:
		slog.Warn("Tick inbox full, dropping", slog.String("symbol", tick.Symbol))
	}
}

// applyTick overwrites the cache entry for the symbol and broadcasts.
func (e *Engine) applyTick(tick domain.PriceTick) {
	e.mu.Lock()
	e.cache[tick.Symbol] = tick
	e.mu.Unlock()

	t := tick
	e.broadcast(Event{Type: EventPriceUpdate, Tick: &t})
}

// broadcast fans an event out to live subscriptions. priceUpdate events
// go only to subscriptions watching the symbol; everything else goes to
// all. A full subscriber channel drops the event; delivery order across
// subscribers is unspecified.
func (e *Engine) broadcast(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subs {
		if ev.Type == EventPriceUpdate {
			if _, ok := sub.symbols[ev.Tick.Symbol]; !ok {
				continue
			}
		}
		select {
		case sub.C <- ev:
		default:
			slog.Warn("Subscriber queue full, dropping event",
				slog.String("subscriber", sub.ID),
				slog.String("event", string(ev.Type)))
		}
	}
}

// Subscribe registers a subscriber for the given symbols, bumps their
// watch refcounts, and delivers an initial tick per symbol (cached if
// available, otherwise fetched from the quote source) before returning.
func (e *Engine) Subscribe(ctx context.Context, id string, symbols []string) (*Subscription, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("subscribe %s: no symbols given", id)
	}

	sub := &Subscription{
		ID:      id,
		C:       make(chan Event, e.cfg.SubscriberBuffer),
		symbols: make(map[string]struct{}, len(symbols)),
		engine:  e,
	}

	e.mu.Lock()
	if _, exists := e.subs[id]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("subscriber %s already registered", id)
	}
	for _, sym := range symbols {
		sub.symbols[sym] = struct{}{}
		e.watch[sym]++
	}
	e.subs[id] = sub
	e.mu.Unlock()

	e.syncFeedWatch()

	// Initial snapshot: latest cached tick, or one fetch from the quote
	// source. A fetch failure is not fatal, the subscriber just waits
	// for the next broadcast.
	for sym := range sub.symbols {
		tick, ok := e.CurrentPrice(sym)
		if !ok && e.quotes != nil {
			fetched, err := e.quotes.FetchQuote(ctx, sym)
			if err != nil {
				slog.Warn("Initial quote fetch failed",
					slog.String("symbol", sym), slog.Any("error", err))
				continue
			}
			e.mu.Lock()
			e.cache[sym] = fetched
			e.mu.Unlock()
			tick, ok = fetched, true
		}
		if ok {
			t := tick
			select {
			case sub.C <- Event{Type: EventPriceUpdate, Tick: &t}:
			default:
			}
		}
	}

	return sub, nil
}

// Unsubscribe removes a subscriber by id.
func (e *Engine) Unsubscribe(id string) {
	e.removeSubscription(id)
}

func (e *Engine) removeSubscription(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.subs, id)
	for sym := range sub.symbols {
		e.decWatch(sym)
	}
	close(sub.C)
	e.mu.Unlock()

	e.syncFeedWatch()
}

// WatchSymbols bumps refcounts for symbols tracked outside a
// subscription (e.g. ledger mark-to-market interest).
func (e *Engine) WatchSymbols(symbols []string) {
	e.mu.Lock()
	for _, sym := range symbols {
		e.watch[sym]++
	}
	e.mu.Unlock()

	e.syncFeedWatch()
}

// UnwatchSymbols decrements refcounts, dropping entries that reach zero.
func (e *Engine) UnwatchSymbols(symbols []string) {
	e.mu.Lock()
	for _, sym := range symbols {
		e.decWatch(sym)
	}
	e.mu.Unlock()

	e.syncFeedWatch()
}

// decWatch must be called with e.mu held.
func (e *Engine) decWatch(symbol string) {
	e.watch[symbol]--
	if e.watch[symbol] <= 0 {
		delete(e.watch, symbol)
	}
}

// WatchedSymbols returns the symbols with refcount > 0.
func (e *Engine) WatchedSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.watch))
	for sym := range e.watch {
		out = append(out, sym)
	}
	return out
}

// WatchCount returns the refcount for one symbol.
func (e *Engine) WatchCount(symbol string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watch[symbol]
}

// CurrentPrice returns the latest cached tick for a symbol. The read is
// atomic with respect to ingestion: a tick is never observed partially
// written.
func (e *Engine) CurrentPrice(symbol string) (domain.PriceTick, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tick, ok := e.cache[symbol]
	return tick, ok
}

// MarketStatus returns the last computed trading calendar status.
func (e *Engine) MarketStatus() domain.MarketStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// ConnectionState returns the current connection lifecycle state.
func (e *Engine) ConnectionState() domain.ConnectionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// setState transitions the state machine and broadcasts the change.
func (e *Engine) setState(next domain.ConnectionState) {
	e.mu.Lock()
	if e.state == next {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = next
	e.mu.Unlock()

	slog.Info("Connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	e.broadcast(Event{Type: EventConnectionState, State: next})
}

// runStatus recomputes the market status on a timer and broadcasts on
// open/closed transitions even when no tick arrived.
func (e *Engine) runStatus(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			next := e.calendar.Status(now)

			e.mu.Lock()
			changed := e.status.Open != next.Open
			e.status = next
			e.mu.Unlock()

			if changed {
				s := next
				slog.Info("Market status changed", slog.Bool("open", next.Open))
				e.broadcast(Event{Type: EventMarketStatus, Status: &s})
			}
		}
	}
}

// runFeed drives the connection state machine: dial, read until unclean
// close, reconnect with exponential backoff, and fall back permanently
// to simulation once the attempt budget is spent.
func (e *Engine) runFeed(ctx context.Context) {
	defer e.wg.Done()

	attempt := 0
	e.setState(domain.StateConnecting)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := e.dialer.Dial(ctx, e.WatchedSymbols())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if attempt >= e.cfg.ReconnectMaxAttempts {
				slog.Warn("Reconnect attempts exhausted, falling back to simulation",
					slog.Int("attempts", attempt))
				e.setState(domain.StateSimulation)
				return
			}
			delay := infra.CalculateBackoff(attempt, e.cfg.ReconnectBase, infra.DefaultBackoffMax)
			attempt++
			e.setState(domain.StateReconnecting)
			slog.Warn("Feed connect failed",
				slog.Any("error", err),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		e.setState(domain.StateConnected)

		// Unblock a pending read when shutdown is requested.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-readDone:
			}
		}()

		e.readLoop(ctx, conn)
		close(readDone)

		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			e.setState(domain.StateDisconnected)
			return
		}
		// Unclean close: re-enter the dial loop.
		e.setState(domain.StateReconnecting)
	}
}

func (e *Engine) readLoop(ctx context.Context, conn FeedConn) {
	for {
		tick, err := conn.ReadTick(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Feed read error", slog.Any("error", err))
			}
			return
		}
		tick.Source = domain.TickSourceFeed
		e.Ingest(tick)
	}
}

// syncFeedWatch pushes the current watch set to the live connection, if
// any. Best effort: a failure surfaces on the next read.
func (e *Engine) syncFeedWatch() {
	e.mu.RLock()
	conn := e.conn
	symbols := make([]string, 0, len(e.watch))
	for sym := range e.watch {
		symbols = append(symbols, sym)
	}
	e.mu.RUnlock()

	if conn == nil {
		return
	}
	if err := conn.Watch(symbols); err != nil {
		slog.Warn("Failed to update feed watch set", slog.Any("error", err))
	}
}
