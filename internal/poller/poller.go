// Package poller periodically captures REST orderbook snapshots for all
// tracked markets, an independent baseline alongside the stream feed.
// Poller rows carry source="rest_poll".
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalshibook/collector/internal/enrich"
	"github.com/kalshibook/collector/internal/model"
)

// TickerSource provides the markets to poll.
type TickerSource interface {
	TrackedTickers() []string
}

// BookFetcher fetches one market's current book. *enrich.Client
// satisfies it.
type BookFetcher interface {
	GetOrderbook(ctx context.Context, ticker string) (*enrich.BookLevels, error)
}

// Config holds poller settings.
type Config struct {
	Interval    time.Duration // Poll cadence
	Concurrency int           // Max in-flight requests
	Timeout     time.Duration // Per-request timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 20,
		Timeout:     10 * time.Second,
	}
}

// Poller drives the poll cycles.
type Poller struct {
	cfg     Config
	fetcher BookFetcher
	source  TickerSource
	sink    func(model.OrderbookSnapshot)
	logger  *slog.Logger
}

// New creates a poller. sink receives each captured snapshot.
func New(cfg Config, fetcher BookFetcher, source TickerSource, sink func(model.OrderbookSnapshot), logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		source:  source,
		sink:    sink,
		logger:  logger,
	}
}

// Run polls on the configured cadence until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll fetches the book of every tracked market with bounded
// concurrency.
func (p *Poller) PollAll(ctx context.Context) {
	tickers := p.source.TrackedTickers()
	if len(tickers) == 0 {
		p.logger.Debug("no markets to poll")
		return
	}

	start := time.Now()
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, failed atomic.Int64

	for _, ticker := range tickers {
		wg.Add(1)
		go func(ticker string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := p.pollMarket(ctx, ticker); err != nil {
				p.logger.Warn("poll failed", "ticker", ticker, "error", err)
				failed.Add(1)
				return
			}
			fetched.Add(1)
		}(ticker)
	}
	wg.Wait()

	p.logger.Info("poll cycle complete",
		"markets", len(tickers),
		"fetched", fetched.Load(),
		"failed", failed.Load(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func (p *Poller) pollMarket(ctx context.Context, ticker string) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	book, err := p.fetcher.GetOrderbook(reqCtx, ticker)
	if err != nil {
		return err
	}

	p.sink(model.OrderbookSnapshot{
		Ticker:     ticker,
		CapturedAt: time.Now().UTC(),
		Yes:        book.Yes,
		No:         book.No,
		Source:     model.SourceRest,
	})
	return nil
}
