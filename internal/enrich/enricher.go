package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalshibook/collector/internal/metrics"
	"github.com/kalshibook/collector/internal/model"
)

// How long to wait before retrying a market fetch whose result has not
// propagated yet.
const defaultResultRetryWait = 2 * time.Second

// Terminal event types that carry a settlement outcome. Other terminal
// types (closed, deactivated) still get event/series metadata.
var settlementEventTypes = map[string]bool{
	"determined": true,
	"settled":    true,
}

// Sinks receive the records enrichment produces.
type Sinks struct {
	OnSettlement func(model.Settlement)
	OnEvent      func(model.Event)
	OnSeries     func(model.Series)
}

// Enricher resolves settlement outcomes and event/series metadata for
// markets that reached a terminal state.
type Enricher struct {
	client    *Client
	sinks     Sinks
	metrics   *metrics.Collector
	logger    *slog.Logger
	retryWait time.Duration
}

// New creates an Enricher.
func New(client *Client, sinks Sinks, m *metrics.Collector, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		client:    client,
		sinks:     sinks,
		metrics:   m,
		logger:    logger,
		retryWait: defaultResultRetryWait,
	}
}

// Enrich runs the metadata stages for a market that reached a terminal
// state: settlement outcome for determined/settled events, then the
// event and series for every terminal type. Errors are absorbed: a
// failed stage is logged and counted and later stages still run with
// whatever identifiers are known.
func (e *Enricher) Enrich(ctx context.Context, ticker, eventTicker, eventType string) {
	if settlementEventTypes[eventType] {
		market := e.fetchSettledMarket(ctx, ticker)
		if market != nil {
			if market.EventTicker != "" {
				eventTicker = market.EventTicker
			}
			e.emitSettlement(market, eventType)
		}
	}

	if eventTicker == "" {
		e.logger.Warn("enrichment missing event ticker", "ticker", ticker)
		return
	}

	event := e.fetchEvent(ctx, eventTicker)
	if event != nil && event.SeriesTicker != "" {
		e.fetchSeries(ctx, event.SeriesTicker)
	}
}

// fetchSettledMarket gets the market, retrying once when the result has
// not propagated to the REST API yet.
func (e *Enricher) fetchSettledMarket(ctx context.Context, ticker string) *MarketDetail {
	market, err := e.client.GetMarket(ctx, ticker)
	if err != nil {
		e.metrics.EnrichmentFailures.Add(1)
		e.logger.Warn("market enrichment failed", "ticker", ticker, "error", err)
		return nil
	}

	if market.Result == "" {
		e.logger.Info("settlement result not yet available, retrying",
			"ticker", ticker, "wait", e.retryWait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.retryWait):
		}
		market, err = e.client.GetMarket(ctx, ticker)
		if err != nil {
			e.metrics.EnrichmentFailures.Add(1)
			e.logger.Warn("market enrichment retry failed", "ticker", ticker, "error", err)
			return nil
		}
	}
	return market
}

// emitSettlement upserts the settlement row. A market whose result is
// still unknown after the retry is skipped entirely so a null result
// never lands in the table.
func (e *Enricher) emitSettlement(market *MarketDetail, eventType string) {
	if market.Result == "" {
		e.metrics.EnrichmentFailures.Add(1)
		e.logger.Warn("settlement result still unavailable, skipping upsert",
			"ticker", market.Ticker)
		return
	}
	if e.sinks.OnSettlement == nil {
		return
	}

	now := time.Now().UTC()
	s := model.Settlement{
		Ticker:          market.Ticker,
		EventTicker:     market.EventTicker,
		Result:          market.Result,
		SettlementValue: market.SettlementValue,
		Source:          "lifecycle_" + eventType,
		Metadata:        market.Raw,
	}
	switch eventType {
	case "settled":
		s.SettledAt = &now
	default:
		s.DeterminedAt = &now
	}
	e.sinks.OnSettlement(s)
	e.logger.Info("settlement recorded",
		"ticker", market.Ticker,
		"result", market.Result,
	)
}

func (e *Enricher) fetchEvent(ctx context.Context, eventTicker string) *EventDetail {
	event, err := e.client.GetEvent(ctx, eventTicker)
	if err != nil {
		e.metrics.EnrichmentFailures.Add(1)
		e.logger.Warn("event enrichment failed", "event_ticker", eventTicker, "error", err)
		return nil
	}
	if e.sinks.OnEvent != nil {
		var strike *time.Time
		if !event.StrikeDate.IsZero() {
			t := event.StrikeDate.Time
			strike = &t
		}
		e.sinks.OnEvent(model.Event{
			EventTicker:       event.EventTicker,
			SeriesTicker:      event.SeriesTicker,
			Title:             event.Title,
			SubTitle:          event.SubTitle,
			Category:          event.Category,
			Status:            event.Status,
			MutuallyExclusive: event.MutuallyExclusive,
			StrikeDate:        strike,
			StrikePeriod:      event.StrikePeriod,
			Metadata:          event.Raw,
		})
	}
	return event
}

func (e *Enricher) fetchSeries(ctx context.Context, seriesTicker string) {
	series, err := e.client.GetSeries(ctx, seriesTicker)
	if err != nil {
		e.metrics.EnrichmentFailures.Add(1)
		e.logger.Warn("series enrichment failed", "series_ticker", seriesTicker, "error", err)
		return
	}
	if e.sinks.OnSeries != nil {
		e.sinks.OnSeries(model.Series{
			Ticker:            series.Ticker,
			Title:             series.Title,
			Frequency:         series.Frequency,
			Category:          series.Category,
			Tags:              series.Tags,
			SettlementSources: series.SettlementSources,
			Metadata:          series.Raw,
		})
	}
}
