// Package processor validates per-market sequence ordering on orderbook
// frames and turns them into persistable records.
package processor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalshibook/collector/internal/metrics"
	"github.com/kalshibook/collector/internal/model"
	"github.com/kalshibook/collector/internal/stream"
)

// Callbacks are the processor's forward edges, injected at construction.
type Callbacks struct {
	OnSnapshot func(model.OrderbookSnapshot)
	OnDelta    func(model.OrderbookDelta)
	OnGap      func(model.GapRecord)

	// Resubscribe requests gap recovery for a ticker. Must not block.
	Resubscribe func(ticker string)
}

// Processor owns the in-memory subscription state. Frame handlers run to
// completion on the dispatcher goroutine; the mutex exists for readers on
// other goroutines (poller, metrics).
type Processor struct {
	cb      Callbacks
	logger  *slog.Logger
	metrics *metrics.Collector

	mu   sync.Mutex
	subs map[string]*model.Subscription
}

type snapshotMsg struct {
	MarketTicker string             `json:"market_ticker"`
	Yes          []model.PriceLevel `json:"yes"`
	No           []model.PriceLevel `json:"no"`
	TS           model.WireTime     `json:"ts"`
}

type deltaMsg struct {
	MarketTicker string         `json:"market_ticker"`
	Price        int            `json:"price"`
	Delta        int            `json:"delta"`
	Side         string         `json:"side"`
	TS           model.WireTime `json:"ts"`
}

// New creates a processor.
func New(cb Callbacks, m *metrics.Collector, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cb:      cb,
		logger:  logger,
		metrics: m,
		subs:    make(map[string]*model.Subscription),
	}
}

// Track starts tracking a market, keyed by the subscribe acknowledgement.
// If a snapshot already created state (acks can trail snapshots), only the
// sid is filled in.
func (p *Processor) Track(ticker string, sid int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, ok := p.subs[ticker]; ok {
		if sub.SID == 0 {
			sub.SID = sid
		}
		return
	}
	p.subs[ticker] = &model.Subscription{
		Ticker:       ticker,
		SID:          sid,
		LastSeq:      -1,
		SubscribedAt: time.Now().UTC(),
	}
	p.logger.Info("market tracked", "ticker", ticker, "sid", sid)
}

// Untrack stops tracking a market.
func (p *Processor) Untrack(ticker string) {
	p.mu.Lock()
	delete(p.subs, ticker)
	p.mu.Unlock()
	p.logger.Info("market untracked", "ticker", ticker)
}

// TrackedTickers returns all currently tracked tickers.
func (p *Processor) TrackedTickers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subs))
	for t := range p.subs {
		out = append(out, t)
	}
	return out
}

// Subscription returns a copy of the tracking state for a ticker.
func (p *Processor) Subscription(ticker string) (model.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[ticker]
	if !ok {
		return model.Subscription{}, false
	}
	return *sub, true
}

// Clear drops all tracking state.
func (p *Processor) Clear() {
	p.mu.Lock()
	p.subs = make(map[string]*model.Subscription)
	p.mu.Unlock()
	p.metrics.StaleMarkets.Store(0)
}

// HandleSnapshot processes an orderbook_snapshot frame. A snapshot resets
// sequence tracking for its (ticker, sid).
func (p *Processor) HandleSnapshot(f stream.Frame) {
	var msg snapshotMsg
	if err := json.Unmarshal(f.Msg, &msg); err != nil {
		p.logger.Warn("unparseable snapshot payload", "error", err)
		return
	}
	if msg.MarketTicker == "" {
		p.logger.Warn("snapshot missing ticker", "sid", f.SID, "seq", f.Seq)
		return
	}

	now := time.Now().UTC()

	p.mu.Lock()
	sub, ok := p.subs[msg.MarketTicker]
	if !ok {
		sub = &model.Subscription{Ticker: msg.MarketTicker}
		p.subs[msg.MarketTicker] = sub
	}
	sub.SID = f.SID
	sub.LastSeq = f.Seq
	sub.Stale = false
	sub.SubscribedAt = now
	p.mu.Unlock()

	p.logger.Debug("snapshot received",
		"ticker", msg.MarketTicker,
		"seq", f.Seq,
		"sid", f.SID,
		"yes_levels", len(msg.Yes),
		"no_levels", len(msg.No),
	)

	if p.cb.OnSnapshot != nil {
		p.cb.OnSnapshot(model.OrderbookSnapshot{
			Ticker:     msg.MarketTicker,
			CapturedAt: msg.TS.OrElse(now),
			Seq:        f.Seq,
			SID:        f.SID,
			Yes:        msg.Yes,
			No:         msg.No,
			Source:     model.SourceWS,
		})
	}
}

// HandleDelta processes an orderbook_delta frame, enforcing the sequence
// policy: seq < expected is a silently dropped duplicate, seq == expected
// advances, seq > expected is a gap that marks the market stale and
// triggers resubscription. The gapped delta itself is discarded.
func (p *Processor) HandleDelta(f stream.Frame) {
	var msg deltaMsg
	if err := json.Unmarshal(f.Msg, &msg); err != nil {
		p.logger.Warn("unparseable delta payload", "error", err)
		return
	}
	if msg.MarketTicker == "" {
		p.logger.Warn("delta missing ticker", "sid", f.SID, "seq", f.Seq)
		return
	}

	p.mu.Lock()
	sub, tracked := p.subs[msg.MarketTicker]
	if !tracked {
		// Delta before any snapshot: track opportunistically, no
		// retroactive validation possible.
		p.logger.Warn("delta for untracked market", "ticker", msg.MarketTicker, "seq", f.Seq)
		sub = &model.Subscription{
			Ticker:       msg.MarketTicker,
			SID:          f.SID,
			LastSeq:      f.Seq,
			SubscribedAt: time.Now().UTC(),
		}
		p.subs[msg.MarketTicker] = sub
	} else {
		expected := sub.LastSeq + 1
		switch {
		case f.Seq < expected:
			p.mu.Unlock()
			p.logger.Debug("duplicate delta discarded",
				"ticker", msg.MarketTicker, "seq", f.Seq, "expected", expected)
			return
		case f.Seq > expected:
			sub.Stale = true
			p.mu.Unlock()
			p.handleGap(msg.MarketTicker, expected, f.Seq, f.SID)
			return
		default:
			sub.LastSeq = f.Seq
			sub.SID = f.SID
		}
	}
	p.mu.Unlock()

	if p.cb.OnDelta != nil {
		p.cb.OnDelta(model.OrderbookDelta{
			Ticker:     msg.MarketTicker,
			TS:         msg.TS.OrElse(time.Now().UTC()),
			Seq:        f.Seq,
			SID:        f.SID,
			PriceCents: msg.Price,
			Delta:      msg.Delta,
			Side:       msg.Side,
		})
	}
}

func (p *Processor) handleGap(ticker string, expected, received, sid int64) {
	p.metrics.GapsDetected.Add(1)
	p.updateStaleGauge()

	p.logger.Warn("sequence gap detected",
		"ticker", ticker,
		"expected_seq", expected,
		"received_seq", received,
		"sid", sid,
		"gap_size", received-expected,
	)

	if p.cb.OnGap != nil {
		p.cb.OnGap(model.GapRecord{
			Ticker:      ticker,
			DetectedAt:  time.Now().UTC(),
			ExpectedSeq: expected,
			ReceivedSeq: received,
			SID:         sid,
		})
	}
	if p.cb.Resubscribe != nil {
		p.cb.Resubscribe(ticker)
	}
}

func (p *Processor) updateStaleGauge() {
	p.mu.Lock()
	var stale int64
	for _, s := range p.subs {
		if s.Stale {
			stale++
		}
	}
	p.mu.Unlock()
	p.metrics.StaleMarkets.Store(stale)
}
