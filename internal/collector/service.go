// Package collector wires the stream client, processor, discovery,
// enricher, writer, and poller into the running ingestion service.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kalshibook/collector/internal/auth"
	"github.com/kalshibook/collector/internal/config"
	"github.com/kalshibook/collector/internal/database"
	"github.com/kalshibook/collector/internal/discovery"
	"github.com/kalshibook/collector/internal/enrich"
	"github.com/kalshibook/collector/internal/metrics"
	"github.com/kalshibook/collector/internal/model"
	"github.com/kalshibook/collector/internal/poller"
	"github.com/kalshibook/collector/internal/processor"
	"github.com/kalshibook/collector/internal/stream"
	"github.com/kalshibook/collector/internal/writer"
)

const (
	resubscribeBatchSize  = 100
	resubscribeBatchPause = 100 * time.Millisecond
	gapRecoveryPause      = 100 * time.Millisecond

	metricsInterval    = time.Minute
	partitionInterval  = time.Hour
	partitionDaysAhead = 7
)

// DB is the database surface the service needs beyond the writer's.
// *pgxpool.Pool satisfies it.
type DB interface {
	writer.DB
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// commander is the stream command surface, separated for tests.
type commander interface {
	Subscribe(channels, tickers []string) (int64, error)
	Unsubscribe(channels, tickers []string) (int64, error)
	Connected() bool
}

// Service owns the component graph and its lifecycle.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	db        DB
	writer    *writer.Writer
	processor *processor.Processor
	discovery *discovery.Discovery
	enricher  *enrich.Enricher
	poller    *poller.Poller

	stream    *stream.Client
	commander commander

	mu  sync.Mutex
	ctx context.Context // set by Run; background tasks derive from it

	tasks sync.WaitGroup
}

type tradeMsg struct {
	MarketTicker string         `json:"market_ticker"`
	TradeID      string         `json:"trade_id"`
	YesPrice     int            `json:"yes_price"`
	NoPrice      int            `json:"no_price"`
	Count        int            `json:"count"`
	TakerSide    string         `json:"taker_side"`
	TS           model.WireTime `json:"ts"`
}

// New builds the service graph.
func New(cfg *config.Config, creds *auth.Credentials, db DB, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		db:      db,
	}

	s.writer = writer.New(db,
		writer.Config{BatchSize: cfg.BatchSize, FlushInterval: cfg.FlushInterval()},
		func(ctx context.Context, table string, day time.Time) error {
			return database.EnsureDailyPartition(ctx, db, table, day)
		},
		s.metrics, logger.With("component", "writer"))

	s.processor = processor.New(processor.Callbacks{
		OnSnapshot:  s.writer.AddSnapshot,
		OnDelta:     s.writer.AddDelta,
		OnGap:       s.writer.AddGap,
		Resubscribe: s.recoverFromGap,
	}, s.metrics, logger.With("component", "processor"))

	s.discovery = discovery.New(cfg.MaxSubscriptions, discovery.Callbacks{
		Subscribe:      s.subscribeOrderbook,
		Unsubscribe:    s.unsubscribeOrderbook,
		OnMarketUpdate: s.writer.AddMarketUpdate,
		OnOverflow:     s.writer.AddOverflow,
		OnTerminal:     s.scheduleEnrichment,
	}, s.metrics, logger.With("component", "discovery"))

	restClient, err := enrich.NewClient(cfg.SideChannelBaseURL, creds, logger.With("component", "enrich"))
	if err != nil {
		return nil, err
	}
	s.enricher = enrich.New(restClient, enrich.Sinks{
		OnSettlement: s.writer.AddSettlement,
		OnEvent:      s.writer.AddEvent,
		OnSeries:     s.writer.AddSeries,
	}, s.metrics, logger.With("component", "enrich"))

	if cfg.SnapshotPollInterval() > 0 {
		s.poller = poller.New(poller.Config{
			Interval:    cfg.SnapshotPollInterval(),
			Concurrency: 20,
			Timeout:     10 * time.Second,
		}, restClient, s.processor, s.writer.AddSnapshot, logger.With("component", "poller"))
	}

	streamCfg := stream.DefaultConfig()
	streamCfg.URL = cfg.StreamURL
	streamCfg.Path = cfg.StreamPath
	streamCfg.WatchdogTimeout = cfg.WatchdogTimeout()
	s.stream = stream.New(streamCfg, creds, s.metrics, s.handleFrame, s.handleReconnect,
		logger.With("component", "stream"))
	s.commander = s.stream

	return s, nil
}

// Run starts every background loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.seedFromDatabase(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.stream.Run(gctx) })
	g.Go(func() error { return s.writer.Run(gctx) })
	g.Go(func() error { return s.metricsLoop(gctx) })
	g.Go(func() error { return s.partitionLoop(gctx) })
	if s.poller != nil {
		g.Go(func() error { return s.poller.Run(gctx) })
	}

	s.logger.Info("collector running")
	err := g.Wait()

	s.stream.Stop()
	s.tasks.Wait()
	s.logger.Info("collector stopped")
	return err
}

// handleFrame routes one inbound frame. Runs on the stream's receive
// goroutine; no error escapes.
func (s *Service) handleFrame(f stream.Frame) {
	switch f.Type {
	case stream.TypeOrderbookSnapshot:
		s.processor.HandleSnapshot(f)

	case stream.TypeOrderbookDelta:
		s.processor.HandleDelta(f)

	case stream.TypeTrade:
		s.handleTrade(f)

	case stream.TypeLifecycleV2, stream.TypeLifecycle:
		s.discovery.HandleLifecycle(f)

	case stream.TypeSubscribed:
		var msg stream.SubscribedMsg
		if err := json.Unmarshal(f.Msg, &msg); err != nil {
			s.logger.Warn("unparseable subscribed ack", "error", err)
			return
		}
		sid := msg.SID
		if sid == 0 {
			sid = f.SID
		}
		for _, ticker := range msg.Tickers() {
			s.discovery.ConfirmSubscription(ticker)
			s.processor.Track(ticker, sid)
		}

	case stream.TypeUnsubscribed:
		var msg stream.UnsubscribedMsg
		if err := json.Unmarshal(f.Msg, &msg); err != nil {
			s.logger.Warn("unparseable unsubscribed ack", "error", err)
			return
		}
		for _, ticker := range msg.Tickers() {
			s.discovery.ConfirmUnsubscription(ticker)
			s.processor.Untrack(ticker)
		}

	case stream.TypeError:
		var msg stream.ErrorMsg
		if err := json.Unmarshal(f.Msg, &msg); err != nil {
			s.logger.Error("unparseable error frame", "raw", string(f.Msg))
			return
		}
		s.logger.Error("stream error frame", "code", msg.Code, "message", msg.Message)

	default:
		s.logger.Debug("unknown frame type", "type", f.Type)
	}
}

func (s *Service) handleTrade(f stream.Frame) {
	var msg tradeMsg
	if err := json.Unmarshal(f.Msg, &msg); err != nil {
		s.logger.Warn("unparseable trade payload", "error", err)
		return
	}
	if msg.TradeID == "" || msg.MarketTicker == "" {
		s.logger.Warn("trade missing identifiers", "sid", f.SID)
		return
	}
	s.writer.AddTrade(model.Trade{
		TradeID:       msg.TradeID,
		Ticker:        msg.MarketTicker,
		YesPriceCents: msg.YesPrice,
		NoPriceCents:  msg.NoPrice,
		Count:         msg.Count,
		TakerSide:     msg.TakerSide,
		TS:            msg.TS.OrElse(time.Now().UTC()),
	})
}

// handleReconnect resubscribes every channel after a fresh handshake:
// the unfiltered lifecycle and trade channels first, then the orderbook
// tickers in batches, paced so the server is not flooded.
func (s *Service) handleReconnect() {
	s.logger.Info("resubscribing after reconnect")

	if _, err := s.commander.Subscribe([]string{stream.ChannelLifecycle}, nil); err != nil {
		s.logger.Warn("lifecycle subscribe failed", "error", err)
	}
	if _, err := s.commander.Subscribe([]string{stream.ChannelTrade}, nil); err != nil {
		s.logger.Warn("trade subscribe failed", "error", err)
	}

	tickers := s.discovery.ResubscribeList()
	for i := 0; i < len(tickers); i += resubscribeBatchSize {
		end := i + resubscribeBatchSize
		if end > len(tickers) {
			end = len(tickers)
		}
		if _, err := s.commander.Subscribe([]string{stream.ChannelOrderbook}, tickers[i:end]); err != nil {
			s.logger.Warn("orderbook resubscribe failed", "batch_start", i, "error", err)
		}
		if end < len(tickers) {
			time.Sleep(resubscribeBatchPause)
		}
	}
	if len(tickers) > 0 {
		s.logger.Info("resubscription complete", "tickers", len(tickers))
	}
}

// recoverFromGap forces a fresh snapshot by cycling the subscription.
// Runs off the dispatcher goroutine so the pacing sleep cannot stall
// frame handling.
func (s *Service) recoverFromGap(ticker string) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.logger.Info("gap recovery resubscribe", "ticker", ticker)
		if _, err := s.commander.Unsubscribe([]string{stream.ChannelOrderbook}, []string{ticker}); err != nil {
			s.logger.Warn("gap recovery unsubscribe failed", "ticker", ticker, "error", err)
			return
		}
		time.Sleep(gapRecoveryPause)
		if _, err := s.commander.Subscribe([]string{stream.ChannelOrderbook}, []string{ticker}); err != nil {
			s.logger.Warn("gap recovery subscribe failed", "ticker", ticker, "error", err)
		}
	}()
}

// scheduleEnrichment runs the side-channel lookups off the dispatcher.
func (s *Service) scheduleEnrichment(ticker, eventTicker, eventType string) {
	ctx := s.runCtx()
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.enricher.Enrich(ctx, ticker, eventTicker, eventType)
	}()
}

func (s *Service) subscribeOrderbook(tickers []string) error {
	if !s.commander.Connected() {
		// The reconnect handler will pick these up from discovery.
		return nil
	}
	_, err := s.commander.Subscribe([]string{stream.ChannelOrderbook}, tickers)
	return err
}

func (s *Service) unsubscribeOrderbook(tickers []string) error {
	if !s.commander.Connected() {
		return nil
	}
	_, err := s.commander.Unsubscribe([]string{stream.ChannelOrderbook}, tickers)
	return err
}

// seedFromDatabase loads markets already known active so their
// subscriptions resume across restarts.
func (s *Service) seedFromDatabase(ctx context.Context) {
	rows, err := s.db.Query(ctx, `SELECT ticker FROM markets WHERE status = 'active'`)
	if err != nil {
		s.logger.Warn("loading active markets failed", "error", err)
		return
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			s.logger.Warn("scanning active market failed", "error", err)
			return
		}
		tickers = append(tickers, ticker)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("loading active markets failed", "error", err)
		return
	}
	if len(tickers) > 0 {
		s.discovery.Seed(tickers)
	}
}

func (s *Service) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.metrics.LogSummary(s.logger)
		}
	}
}

func (s *Service) partitionLoop(ctx context.Context) error {
	ticker := time.NewTicker(partitionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := database.EnsureFuturePartitions(ctx, s.db, partitionDaysAhead); err != nil {
				s.logger.Warn("partition check failed", "error", err)
			}
		}
	}
}

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
