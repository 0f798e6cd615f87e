// Package discovery tracks the subscribable market universe from the
// lifecycle channel and keeps the orderbook subscription set within the
// configured cap.
package discovery

import (
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"github.com/kalshibook/collector/internal/metrics"
	"github.com/kalshibook/collector/internal/model"
	"github.com/kalshibook/collector/internal/stream"
)

// Lifecycle event types that make a market subscribable.
var activeEventTypes = map[string]bool{
	"created":            true,
	"activated":          true,
	"close_date_updated": true,
}

// Lifecycle event types that end a market's life.
var terminalEventTypes = map[string]bool{
	"determined":  true,
	"settled":     true,
	"deactivated": true,
	"closed":      true,
}

// Callbacks are discovery's forward edges, injected at construction.
type Callbacks struct {
	// Subscribe requests an orderbook subscription for the tickers.
	Subscribe func(tickers []string) error
	// Unsubscribe requests removal of an orderbook subscription.
	Unsubscribe func(tickers []string) error

	OnMarketUpdate func(model.MarketUpdate)
	OnOverflow     func(model.OverflowRecord)

	// OnTerminal fires for every terminal event so metadata enrichment
	// runs whether or not the market settled. Implementations must not
	// block the dispatcher.
	OnTerminal func(ticker, eventTicker, eventType string)
}

// overflowEntry keeps the event ticker with a deferred market so a
// later overflow record is complete.
type overflowEntry struct {
	ticker      string
	eventTicker string
}

// Discovery owns the active/pending/overflow subscription bookkeeping.
type Discovery struct {
	max     int
	cb      Callbacks
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	active   map[string]struct{}
	pending  map[string]struct{}
	overflow []overflowEntry // FIFO, oldest first
}

type lifecycleMsg struct {
	MarketTicker string `json:"market_ticker"`
	EventTicker  string `json:"event_ticker"`
	SeriesTicker string `json:"series_ticker"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
}

// New creates a Discovery with the given subscription cap.
func New(maxSubscriptions int, cb Callbacks, m *metrics.Collector, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		max:     maxSubscriptions,
		cb:      cb,
		logger:  logger,
		metrics: m,
		active:  make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// HandleLifecycle processes one market_lifecycle_v2 frame. The market row
// is always upserted; subscription state changes only for recognized
// event types.
func (d *Discovery) HandleLifecycle(f stream.Frame) {
	var msg lifecycleMsg
	if err := json.Unmarshal(f.Msg, &msg); err != nil {
		d.logger.Warn("unparseable lifecycle payload", "error", err)
		return
	}
	if msg.MarketTicker == "" {
		d.logger.Warn("lifecycle missing ticker")
		return
	}

	d.logger.Info("lifecycle event",
		"ticker", msg.MarketTicker,
		"event_type", msg.EventType,
	)

	if d.cb.OnMarketUpdate != nil {
		var meta map[string]any
		if err := json.Unmarshal(f.Msg, &meta); err == nil {
			delete(meta, "market_ticker")
			delete(meta, "event_type")
		}
		d.cb.OnMarketUpdate(model.MarketUpdate{
			Ticker:       msg.MarketTicker,
			Status:       statusFor(msg),
			EventTicker:  msg.EventTicker,
			SeriesTicker: msg.SeriesTicker,
			Metadata:     meta,
		})
	}

	switch {
	case activeEventTypes[msg.EventType]:
		d.trySubscribe(msg.MarketTicker, msg.EventTicker)
	case terminalEventTypes[msg.EventType]:
		d.handleTerminal(msg.MarketTicker)
		if d.cb.OnTerminal != nil {
			d.cb.OnTerminal(msg.MarketTicker, msg.EventTicker, msg.EventType)
		}
	default:
		d.logger.Debug("unhandled lifecycle event type", "event_type", msg.EventType)
	}
}

// statusFor maps the lifecycle event onto a market status, preferring the
// explicit status field when the exchange sends one.
func statusFor(msg lifecycleMsg) string {
	if msg.Status != "" {
		return msg.Status
	}
	switch {
	case activeEventTypes[msg.EventType]:
		return "active"
	case msg.EventType == "determined":
		return "determined"
	case msg.EventType == "settled":
		return "settled"
	case terminalEventTypes[msg.EventType]:
		return "closed"
	}
	return ""
}

func (d *Discovery) trySubscribe(ticker, eventTicker string) {
	d.mu.Lock()
	if _, ok := d.active[ticker]; ok {
		d.mu.Unlock()
		return
	}
	if _, ok := d.pending[ticker]; ok {
		d.mu.Unlock()
		return
	}

	if len(d.active)+len(d.pending) >= d.max {
		d.overflow = append(d.overflow, overflowEntry{ticker: ticker, eventTicker: eventTicker})
		d.metrics.OverflowMarkets.Store(int64(len(d.overflow)))
		d.mu.Unlock()

		d.logger.Warn("subscription cap reached, deferring market",
			"ticker", ticker,
			"cap", d.max,
		)
		if d.cb.OnOverflow != nil {
			d.cb.OnOverflow(model.OverflowRecord{
				Ticker:      ticker,
				EventTicker: eventTicker,
				Reason:      model.DefaultOverflowReason,
			})
		}
		return
	}

	d.pending[ticker] = struct{}{}
	d.metrics.PendingSubscriptions.Store(int64(len(d.pending)))
	d.mu.Unlock()

	if d.cb.Subscribe != nil {
		if err := d.cb.Subscribe([]string{ticker}); err != nil {
			d.logger.Warn("subscribe request failed", "ticker", ticker, "error", err)
		}
	}
	d.logger.Info("subscription requested", "ticker", ticker)
}

func (d *Discovery) handleTerminal(ticker string) {
	d.mu.Lock()
	_, wasActive := d.active[ticker]
	delete(d.active, ticker)
	delete(d.pending, ticker)
	d.metrics.ActiveSubscriptions.Store(int64(len(d.active)))
	d.metrics.PendingSubscriptions.Store(int64(len(d.pending)))
	d.mu.Unlock()

	if wasActive {
		if d.cb.Unsubscribe != nil {
			if err := d.cb.Unsubscribe([]string{ticker}); err != nil {
				d.logger.Warn("unsubscribe request failed", "ticker", ticker, "error", err)
			}
		}
		d.logger.Info("market unsubscribed", "ticker", ticker, "reason", "terminal_state")
	}
	// A pending-only removal frees a cap slot too.
	d.backfill()
}

// backfill promotes overflow markets while capacity remains.
func (d *Discovery) backfill() {
	for {
		d.mu.Lock()
		if len(d.overflow) == 0 || len(d.active)+len(d.pending) >= d.max {
			d.mu.Unlock()
			return
		}
		entry := d.overflow[0]
		d.overflow = d.overflow[1:]
		d.metrics.OverflowMarkets.Store(int64(len(d.overflow)))
		d.mu.Unlock()

		d.logger.Info("backfilling from overflow", "ticker", entry.ticker)
		d.trySubscribe(entry.ticker, entry.eventTicker)
	}
}

// ConfirmSubscription moves a ticker from pending to active on a
// subscribed acknowledgement.
func (d *Discovery) ConfirmSubscription(ticker string) {
	d.mu.Lock()
	delete(d.pending, ticker)
	d.active[ticker] = struct{}{}
	active := len(d.active)
	d.metrics.ActiveSubscriptions.Store(int64(active))
	d.metrics.PendingSubscriptions.Store(int64(len(d.pending)))
	d.mu.Unlock()
	d.logger.Info("subscription confirmed", "ticker", ticker, "active", active)
}

// ConfirmUnsubscription drops a ticker from both sets, then backfills any
// freed capacity from overflow.
func (d *Discovery) ConfirmUnsubscription(ticker string) {
	d.mu.Lock()
	delete(d.active, ticker)
	delete(d.pending, ticker)
	d.metrics.ActiveSubscriptions.Store(int64(len(d.active)))
	d.metrics.PendingSubscriptions.Store(int64(len(d.pending)))
	d.mu.Unlock()
	d.backfill()
}

// ResubscribeList returns every ticker needing resubscription after a
// reconnect: active and pending alike.
func (d *Discovery) ResubscribeList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.active)+len(d.pending))
	for t := range d.active {
		out = append(out, t)
	}
	for t := range d.pending {
		if _, ok := d.active[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// Seed loads known-active tickers from the database at startup.
func (d *Discovery) Seed(tickers []string) {
	d.mu.Lock()
	d.active = make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		d.active[t] = struct{}{}
	}
	d.metrics.ActiveSubscriptions.Store(int64(len(d.active)))
	d.mu.Unlock()
	d.logger.Info("seeded subscriptions", "count", len(tickers))
}

// ActiveCount returns the number of confirmed subscriptions.
func (d *Discovery) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// OverflowCount returns the number of deferred markets.
func (d *Discovery) OverflowCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.overflow)
}
