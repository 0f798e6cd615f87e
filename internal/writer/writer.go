// Package writer buffers captured records per destination table and batch
// writes them to PostgreSQL. A failed flush re-prepends its batch so order
// is preserved and the rows retry on the next tick.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kalshibook/collector/internal/metrics"
	"github.com/kalshibook/collector/internal/model"
)

// DB is the database surface the writer needs. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config controls batching.
type Config struct {
	BatchSize     int           // Per-buffer flush threshold
	FlushInterval time.Duration // Periodic flush cadence
}

// PartitionFunc creates the daily partition for table covering day.
type PartitionFunc func(ctx context.Context, table string, day time.Time) error

// Writer owns one buffer per destination table.
type Writer struct {
	db              DB
	cfg             Config
	ensurePartition PartitionFunc
	metrics         *metrics.Collector
	logger          *slog.Logger

	mu          sync.Mutex
	snapshots   []model.OrderbookSnapshot
	deltas      []model.OrderbookDelta
	trades      []model.Trade
	settlements []model.Settlement
	events      []model.Event
	series      []model.Series
	gaps        []model.GapRecord
	overflows   []model.OverflowRecord
	markets     []model.MarketUpdate
}

// New creates a writer. ensurePartition may be nil when the partitioned
// tables are managed externally.
func New(db DB, cfg Config, ensurePartition PartitionFunc, m *metrics.Collector, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		db:              db,
		cfg:             cfg,
		ensurePartition: ensurePartition,
		metrics:         m,
		logger:          logger,
	}
}

// Run flushes on a fixed cadence until ctx ends, then performs a final
// drain so buffers reach zero before shutdown completes.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.FlushAll(drainCtx)
			cancel()
			return nil
		case <-ticker.C:
			w.FlushAll(ctx)
		}
	}
}

// AddSnapshot buffers a snapshot row.
func (w *Writer) AddSnapshot(s model.OrderbookSnapshot) {
	w.mu.Lock()
	w.snapshots = append(w.snapshots, s)
	full := len(w.snapshots) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushSnapshots(context.Background())
	}
}

// AddDelta buffers a delta row.
func (w *Writer) AddDelta(d model.OrderbookDelta) {
	w.mu.Lock()
	w.deltas = append(w.deltas, d)
	full := len(w.deltas) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushDeltas(context.Background())
	}
}

// AddTrade buffers a trade row.
func (w *Writer) AddTrade(t model.Trade) {
	w.mu.Lock()
	w.trades = append(w.trades, t)
	full := len(w.trades) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushTrades(context.Background())
	}
}

// AddSettlement buffers a settlement upsert.
func (w *Writer) AddSettlement(s model.Settlement) {
	w.mu.Lock()
	w.settlements = append(w.settlements, s)
	full := len(w.settlements) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushSettlements(context.Background())
	}
}

// AddEvent buffers an event upsert.
func (w *Writer) AddEvent(e model.Event) {
	w.mu.Lock()
	w.events = append(w.events, e)
	full := len(w.events) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushEvents(context.Background())
	}
}

// AddSeries buffers a series upsert.
func (w *Writer) AddSeries(s model.Series) {
	w.mu.Lock()
	w.series = append(w.series, s)
	full := len(w.series) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushSeries(context.Background())
	}
}

// AddGap buffers a sequence gap audit row.
func (w *Writer) AddGap(g model.GapRecord) {
	w.mu.Lock()
	w.gaps = append(w.gaps, g)
	full := len(w.gaps) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushGaps(context.Background())
	}
}

// AddOverflow buffers an overflow audit row.
func (w *Writer) AddOverflow(o model.OverflowRecord) {
	w.mu.Lock()
	w.overflows = append(w.overflows, o)
	full := len(w.overflows) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushOverflows(context.Background())
	}
}

// AddMarketUpdate buffers a markets upsert.
func (w *Writer) AddMarketUpdate(u model.MarketUpdate) {
	w.mu.Lock()
	w.markets = append(w.markets, u)
	full := len(w.markets) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushMarkets(context.Background())
	}
}

// FlushAll drains every non-empty buffer.
func (w *Writer) FlushAll(ctx context.Context) {
	w.flushSnapshots(ctx)
	w.flushDeltas(ctx)
	w.flushTrades(ctx)
	w.flushSettlements(ctx)
	w.flushEvents(ctx)
	w.flushSeries(ctx)
	w.flushGaps(ctx)
	w.flushOverflows(ctx)
	w.flushMarkets(ctx)
}

// BufferSizes reports current buffer depths for monitoring.
func (w *Writer) BufferSizes() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]int{
		"snapshots":   len(w.snapshots),
		"deltas":      len(w.deltas),
		"trades":      len(w.trades),
		"settlements": len(w.settlements),
		"events":      len(w.events),
		"series":      len(w.series),
		"gaps":        len(w.gaps),
		"overflow":    len(w.overflows),
		"markets":     len(w.markets),
	}
}

// flushBuffer swaps buf out under the writer lock, runs insert outside
// it, and re-prepends the batch ahead of newer rows when the insert
// fails.
func flushBuffer[T any](ctx context.Context, w *Writer, buf *[]T, label string, insert func(context.Context, []T) error) int {
	w.mu.Lock()
	if len(*buf) == 0 {
		w.mu.Unlock()
		return 0
	}
	batch := *buf
	*buf = nil
	w.mu.Unlock()

	if err := insert(ctx, batch); err != nil {
		w.mu.Lock()
		*buf = append(batch, *buf...)
		w.mu.Unlock()
		w.metrics.FlushFailures.Add(1)
		w.logger.Error("flush failed", "table", label, "count", len(batch), "error", err)
		return 0
	}

	w.metrics.Flushes.Add(1)
	w.logger.Debug("flushed", "table", label, "count", len(batch))
	return len(batch)
}

func (w *Writer) flushSnapshots(ctx context.Context) {
	n := flushBuffer(ctx, w, &w.snapshots, "snapshots", w.insertSnapshots)
	w.metrics.SnapshotsStored.Add(int64(n))
}

func (w *Writer) flushDeltas(ctx context.Context) {
	n := flushBuffer(ctx, w, &w.deltas, "deltas", w.insertDeltas)
	w.metrics.DeltasStored.Add(int64(n))
}

func (w *Writer) flushTrades(ctx context.Context) {
	n := flushBuffer(ctx, w, &w.trades, "trades", w.insertTrades)
	w.metrics.TradesStored.Add(int64(n))
}

func (w *Writer) flushSettlements(ctx context.Context) {
	flushBuffer(ctx, w, &w.settlements, "settlements", w.insertSettlements)
}

func (w *Writer) flushEvents(ctx context.Context) {
	flushBuffer(ctx, w, &w.events, "events", w.insertEvents)
}

func (w *Writer) flushSeries(ctx context.Context) {
	flushBuffer(ctx, w, &w.series, "series", w.insertSeries)
}

func (w *Writer) flushGaps(ctx context.Context) {
	flushBuffer(ctx, w, &w.gaps, "sequence_gaps", w.insertGaps)
}

func (w *Writer) flushOverflows(ctx context.Context) {
	flushBuffer(ctx, w, &w.overflows, "subscription_overflow", w.insertOverflows)
}

func (w *Writer) flushMarkets(ctx context.Context) {
	flushBuffer(ctx, w, &w.markets, "markets", w.insertMarkets)
}
