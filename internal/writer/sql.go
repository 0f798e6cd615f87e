package writer

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/kalshibook/collector/internal/model"
)

const insertSnapshotSQL = `
	INSERT INTO snapshots
		(market_ticker, captured_at, seq, sid, yes_levels, no_levels, source)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT DO NOTHING`

const insertDeltaSQL = `
	INSERT INTO deltas
		(market_ticker, ts, seq, sid, price_cents, delta_amount, side)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT DO NOTHING`

const insertTradeSQL = `
	INSERT INTO trades
		(trade_id, market_ticker, yes_price, no_price, count, taker_side, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT DO NOTHING`

const upsertSettlementSQL = `
	INSERT INTO settlements
		(market_ticker, event_ticker, result, settlement_value,
		 determined_at, settled_at, source, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (market_ticker) DO UPDATE SET
		event_ticker = COALESCE(EXCLUDED.event_ticker, settlements.event_ticker),
		result = COALESCE(EXCLUDED.result, settlements.result),
		settlement_value = COALESCE(EXCLUDED.settlement_value, settlements.settlement_value),
		determined_at = COALESCE(EXCLUDED.determined_at, settlements.determined_at),
		settled_at = COALESCE(EXCLUDED.settled_at, settlements.settled_at),
		source = EXCLUDED.source,
		metadata = COALESCE(EXCLUDED.metadata, settlements.metadata),
		updated_at = now()`

const upsertEventSQL = `
	INSERT INTO events
		(event_ticker, series_ticker, title, sub_title, category,
		 mutually_exclusive, status, strike_date, strike_period, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (event_ticker) DO UPDATE SET
		series_ticker = COALESCE(EXCLUDED.series_ticker, events.series_ticker),
		title = COALESCE(EXCLUDED.title, events.title),
		sub_title = COALESCE(EXCLUDED.sub_title, events.sub_title),
		category = COALESCE(EXCLUDED.category, events.category),
		mutually_exclusive = COALESCE(EXCLUDED.mutually_exclusive, events.mutually_exclusive),
		status = COALESCE(EXCLUDED.status, events.status),
		strike_date = COALESCE(EXCLUDED.strike_date, events.strike_date),
		strike_period = COALESCE(EXCLUDED.strike_period, events.strike_period),
		metadata = COALESCE(EXCLUDED.metadata, events.metadata),
		last_updated = now()`

const upsertSeriesSQL = `
	INSERT INTO series
		(ticker, title, frequency, category, tags, settlement_sources, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (ticker) DO UPDATE SET
		title = COALESCE(EXCLUDED.title, series.title),
		frequency = COALESCE(EXCLUDED.frequency, series.frequency),
		category = COALESCE(EXCLUDED.category, series.category),
		tags = COALESCE(EXCLUDED.tags, series.tags),
		settlement_sources = COALESCE(EXCLUDED.settlement_sources, series.settlement_sources),
		metadata = COALESCE(EXCLUDED.metadata, series.metadata),
		last_updated = now()`

const insertGapSQL = `
	INSERT INTO sequence_gaps
		(market_ticker, detected_at, expected_seq, received_seq, sid)
	VALUES ($1, $2, $3, $4, $5)`

const insertOverflowSQL = `
	INSERT INTO subscription_overflow (market_ticker, event_ticker, reason)
	VALUES ($1, $2, $3)`

const upsertMarketSQL = `
	INSERT INTO markets (ticker, status, event_ticker, series_ticker, metadata)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (ticker) DO UPDATE SET
		status = COALESCE(EXCLUDED.status, markets.status),
		event_ticker = COALESCE(EXCLUDED.event_ticker, markets.event_ticker),
		series_ticker = COALESCE(EXCLUDED.series_ticker, markets.series_ticker),
		metadata = COALESCE(EXCLUDED.metadata, markets.metadata),
		last_updated = now()`

func (w *Writer) insertSnapshots(ctx context.Context, rows []model.OrderbookSnapshot) error {
	batch := &pgx.Batch{}
	for _, s := range rows {
		yes, err := json.Marshal(s.Yes)
		if err != nil {
			return err
		}
		no, err := json.Marshal(s.No)
		if err != nil {
			return err
		}
		batch.Queue(insertSnapshotSQL, s.Ticker, s.CapturedAt, s.Seq, s.SID, yes, no, s.Source)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertDeltas(ctx context.Context, rows []model.OrderbookDelta) error {
	if err := w.ensurePartitions(ctx, "deltas", deltaDays(rows)); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, d := range rows {
		batch.Queue(insertDeltaSQL, d.Ticker, d.TS, d.Seq, d.SID, d.PriceCents, d.Delta, d.Side)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertTrades(ctx context.Context, rows []model.Trade) error {
	days := make(map[time.Time]struct{}, 1)
	for _, t := range rows {
		days[t.TS.UTC().Truncate(24*time.Hour)] = struct{}{}
	}
	if err := w.ensurePartitions(ctx, "trades", days); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, t := range rows {
		batch.Queue(insertTradeSQL, t.TradeID, t.Ticker, t.YesPriceCents, t.NoPriceCents, t.Count, t.TakerSide, t.TS)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertSettlements(ctx context.Context, rows []model.Settlement) error {
	batch := &pgx.Batch{}
	for _, s := range rows {
		batch.Queue(upsertSettlementSQL,
			s.Ticker,
			nullStr(s.EventTicker),
			nullStr(s.Result),
			s.SettlementValue,
			s.DeterminedAt,
			s.SettledAt,
			s.Source,
			jsonOrNil(s.Metadata),
		)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertEvents(ctx context.Context, rows []model.Event) error {
	batch := &pgx.Batch{}
	for _, e := range rows {
		batch.Queue(upsertEventSQL,
			e.EventTicker,
			nullStr(e.SeriesTicker),
			nullStr(e.Title),
			nullStr(e.SubTitle),
			nullStr(e.Category),
			e.MutuallyExclusive,
			nullStr(e.Status),
			e.StrikeDate,
			nullStr(e.StrikePeriod),
			jsonOrNil(e.Metadata),
		)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertSeries(ctx context.Context, rows []model.Series) error {
	batch := &pgx.Batch{}
	for _, s := range rows {
		batch.Queue(upsertSeriesSQL,
			s.Ticker,
			nullStr(s.Title),
			nullStr(s.Frequency),
			nullStr(s.Category),
			s.Tags,
			s.SettlementSources,
			jsonOrNil(s.Metadata),
		)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertGaps(ctx context.Context, rows []model.GapRecord) error {
	batch := &pgx.Batch{}
	for _, g := range rows {
		batch.Queue(insertGapSQL, g.Ticker, g.DetectedAt, g.ExpectedSeq, g.ReceivedSeq, g.SID)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertOverflows(ctx context.Context, rows []model.OverflowRecord) error {
	batch := &pgx.Batch{}
	for _, o := range rows {
		batch.Queue(insertOverflowSQL, o.Ticker, nullStr(o.EventTicker), o.Reason)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) insertMarkets(ctx context.Context, rows []model.MarketUpdate) error {
	batch := &pgx.Batch{}
	for _, m := range rows {
		batch.Queue(upsertMarketSQL,
			m.Ticker,
			nullStr(m.Status),
			nullStr(m.EventTicker),
			nullStr(m.SeriesTicker),
			jsonOrNil(m.Metadata),
		)
	}
	return w.sendBatch(ctx, batch)
}

func (w *Writer) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ensurePartitions creates the daily partitions a batch needs before its
// rows are inserted.
func (w *Writer) ensurePartitions(ctx context.Context, table string, days map[time.Time]struct{}) error {
	if w.ensurePartition == nil {
		return nil
	}
	for day := range days {
		if err := w.ensurePartition(ctx, table, day); err != nil {
			return err
		}
	}
	return nil
}

func deltaDays(rows []model.OrderbookDelta) map[time.Time]struct{} {
	days := make(map[time.Time]struct{}, 1)
	for _, d := range rows {
		days[d.TS.UTC().Truncate(24*time.Hour)] = struct{}{}
	}
	return days
}

// nullStr maps the empty string to SQL NULL so COALESCE merges skip it.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonOrNil marshals v for a jsonb column, or NULL when empty.
func jsonOrNil(v map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
