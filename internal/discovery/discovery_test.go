package discovery

import (
	"log/slog"
	"testing"

	"github.com/goccy/go-json"

	"github.com/kalshibook/collector/internal/metrics"
	"github.com/kalshibook/collector/internal/model"
	"github.com/kalshibook/collector/internal/stream"
)

type capture struct {
	subscribes    [][]string
	unsubscribes  [][]string
	marketUpdates []model.MarketUpdate
	overflows     []model.OverflowRecord
	terminals     []string
}

func newTestDiscovery(t *testing.T, max int) (*Discovery, *capture, *metrics.Collector) {
	t.Helper()
	cap := &capture{}
	m := metrics.New()
	d := New(max, Callbacks{
		Subscribe: func(tickers []string) error {
			cap.subscribes = append(cap.subscribes, tickers)
			return nil
		},
		Unsubscribe: func(tickers []string) error {
			cap.unsubscribes = append(cap.unsubscribes, tickers)
			return nil
		},
		OnMarketUpdate: func(u model.MarketUpdate) { cap.marketUpdates = append(cap.marketUpdates, u) },
		OnOverflow:     func(o model.OverflowRecord) { cap.overflows = append(cap.overflows, o) },
		OnTerminal: func(ticker, eventTicker, eventType string) {
			cap.terminals = append(cap.terminals, ticker+"/"+eventType)
		},
	}, m, slog.Default())
	return d, cap, m
}

func lifecycleFrame(ticker, eventType string) stream.Frame {
	return lifecycleFrameEvent(ticker, "EVT", eventType)
}

func lifecycleFrameEvent(ticker, eventTicker, eventType string) stream.Frame {
	msg := `{"market_ticker":"` + ticker + `","event_ticker":"` + eventTicker + `","event_type":"` + eventType + `"}`
	return stream.Frame{Type: stream.TypeLifecycleV2, Msg: json.RawMessage(msg)}
}

func TestActivationSubscribesAndUpserts(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 10)

	d.HandleLifecycle(lifecycleFrame("M1", "created"))

	if len(cap.subscribes) != 1 || cap.subscribes[0][0] != "M1" {
		t.Fatalf("subscribes = %v, want [[M1]]", cap.subscribes)
	}
	if len(cap.marketUpdates) != 1 {
		t.Fatalf("market updates = %d, want 1", len(cap.marketUpdates))
	}
	u := cap.marketUpdates[0]
	if u.Ticker != "M1" || u.EventTicker != "EVT" || u.Status != "active" {
		t.Errorf("update = %+v", u)
	}
	if _, ok := u.Metadata["market_ticker"]; ok {
		t.Error("metadata should not repeat the ticker")
	}

	// Duplicate activation while pending is a no-op.
	d.HandleLifecycle(lifecycleFrame("M1", "activated"))
	if len(cap.subscribes) != 1 {
		t.Errorf("duplicate activation resubscribed: %v", cap.subscribes)
	}
}

func TestOverflowAndBackfill(t *testing.T) {
	d, cap, m := newTestDiscovery(t, 3)

	for _, ticker := range []string{"M1", "M2", "M3"} {
		d.HandleLifecycle(lifecycleFrame(ticker, "created"))
		d.ConfirmSubscription(ticker)
	}
	if got := d.ActiveCount(); got != 3 {
		t.Fatalf("active = %d, want 3", got)
	}

	// Fourth market is deferred, not subscribed.
	d.HandleLifecycle(lifecycleFrame("M4", "created"))
	if len(cap.subscribes) != 3 {
		t.Errorf("subscribes = %v, want only M1..M3", cap.subscribes)
	}
	if len(cap.overflows) != 1 || cap.overflows[0].Ticker != "M4" {
		t.Fatalf("overflows = %+v, want M4", cap.overflows)
	}
	if cap.overflows[0].Reason != model.DefaultOverflowReason {
		t.Errorf("overflow reason = %q", cap.overflows[0].Reason)
	}
	if m.OverflowMarkets.Load() != 1 {
		t.Errorf("overflow gauge = %d, want 1", m.OverflowMarkets.Load())
	}

	// M1 settles: unsubscribed, M4 backfilled from overflow.
	d.HandleLifecycle(lifecycleFrame("M1", "settled"))
	if len(cap.unsubscribes) != 1 || cap.unsubscribes[0][0] != "M1" {
		t.Errorf("unsubscribes = %v, want [[M1]]", cap.unsubscribes)
	}
	last := cap.subscribes[len(cap.subscribes)-1]
	if len(cap.subscribes) != 4 || last[0] != "M4" {
		t.Errorf("subscribes = %v, want M4 backfilled", cap.subscribes)
	}
	if d.OverflowCount() != 0 {
		t.Errorf("overflow count = %d, want 0", d.OverflowCount())
	}
	if len(cap.terminals) != 1 || cap.terminals[0] != "M1/settled" {
		t.Errorf("terminals = %v", cap.terminals)
	}
}

func TestOverflowFIFOOrder(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 1)

	d.HandleLifecycle(lifecycleFrame("M1", "created"))
	d.ConfirmSubscription("M1")
	d.HandleLifecycle(lifecycleFrame("M2", "created"))
	d.HandleLifecycle(lifecycleFrame("M3", "created"))

	if d.OverflowCount() != 2 {
		t.Fatalf("overflow = %d, want 2", d.OverflowCount())
	}

	d.HandleLifecycle(lifecycleFrame("M1", "closed"))
	last := cap.subscribes[len(cap.subscribes)-1]
	if last[0] != "M2" {
		t.Errorf("backfilled %v, want M2 first (FIFO)", last)
	}
	if d.OverflowCount() != 1 {
		t.Errorf("overflow = %d, want 1", d.OverflowCount())
	}
}

func TestPendingCountsTowardCap(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 2)

	d.HandleLifecycle(lifecycleFrame("M1", "created"))
	d.HandleLifecycle(lifecycleFrame("M2", "created"))
	// Neither confirmed yet; pending still fills the cap.
	d.HandleLifecycle(lifecycleFrame("M3", "created"))

	if len(cap.subscribes) != 2 {
		t.Errorf("subscribes = %v, want M1 and M2 only", cap.subscribes)
	}
	if len(cap.overflows) != 1 || cap.overflows[0].Ticker != "M3" {
		t.Errorf("overflows = %+v, want M3", cap.overflows)
	}
}

func TestTerminalWithoutActiveSubscription(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 5)

	d.HandleLifecycle(lifecycleFrame("M9", "determined"))
	if len(cap.unsubscribes) != 0 {
		t.Errorf("unsubscribes = %v, want none", cap.unsubscribes)
	}
	// Enrichment still fires.
	if len(cap.terminals) != 1 || cap.terminals[0] != "M9/determined" {
		t.Errorf("terminals = %v", cap.terminals)
	}
	// Market row still upserted.
	if len(cap.marketUpdates) != 1 || cap.marketUpdates[0].Status != "determined" {
		t.Errorf("updates = %+v", cap.marketUpdates)
	}
}

func TestResubscribeListCombinesActiveAndPending(t *testing.T) {
	d, _, _ := newTestDiscovery(t, 10)

	d.Seed([]string{"A", "B"})
	d.HandleLifecycle(lifecycleFrame("C", "created")) // pending

	list := d.ResubscribeList()
	if len(list) != 3 {
		t.Fatalf("resubscribe list = %v, want 3 tickers", list)
	}
	seen := map[string]bool{}
	for _, ticker := range list {
		seen[ticker] = true
	}
	for _, want := range []string{"A", "B", "C"} {
		if !seen[want] {
			t.Errorf("resubscribe list missing %s: %v", want, list)
		}
	}
}

func TestConfirmUnsubscriptionBackfills(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 1)

	d.Seed([]string{"A"})
	d.HandleLifecycle(lifecycleFrame("B", "created")) // overflow

	if d.OverflowCount() != 1 {
		t.Fatalf("overflow = %d, want 1", d.OverflowCount())
	}

	// Server-initiated removal of A frees capacity for B.
	d.ConfirmUnsubscription("A")
	if len(cap.subscribes) != 1 || cap.subscribes[0][0] != "B" {
		t.Errorf("subscribes = %v, want [[B]]", cap.subscribes)
	}
}

func TestClosedEventTriggersEnrichment(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 5)

	d.HandleLifecycle(lifecycleFrame("M1", "created"))
	d.ConfirmSubscription("M1")
	d.HandleLifecycle(lifecycleFrame("M1", "closed"))

	if len(cap.terminals) != 1 || cap.terminals[0] != "M1/closed" {
		t.Errorf("terminals = %v, want [M1/closed]", cap.terminals)
	}

	d.HandleLifecycle(lifecycleFrame("M2", "deactivated"))
	if len(cap.terminals) != 2 || cap.terminals[1] != "M2/deactivated" {
		t.Errorf("terminals = %v, want M2/deactivated appended", cap.terminals)
	}
}

func TestTerminalPendingMarketFreesCapSlot(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 1)

	d.HandleLifecycle(lifecycleFrame("A", "created")) // pending, never acked
	d.HandleLifecycle(lifecycleFrame("B", "created")) // deferred

	d.HandleLifecycle(lifecycleFrame("A", "closed"))
	if len(cap.unsubscribes) != 0 {
		t.Errorf("unsubscribes = %v, want none for a pending market", cap.unsubscribes)
	}
	last := cap.subscribes[len(cap.subscribes)-1]
	if last[0] != "B" {
		t.Errorf("subscribes = %v, want B backfilled", cap.subscribes)
	}
	if d.OverflowCount() != 0 {
		t.Errorf("overflow = %d, want 0", d.OverflowCount())
	}
}

func TestOverflowKeepsEventTicker(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 1)

	d.Seed([]string{"A"})
	d.HandleLifecycle(lifecycleFrameEvent("B", "EVT-B", "created"))

	if len(cap.overflows) != 1 || cap.overflows[0].EventTicker != "EVT-B" {
		t.Fatalf("overflows = %+v, want EVT-B recorded", cap.overflows)
	}

	// Re-deferral during backfill records the same event ticker.
	d.mu.Lock()
	entry := d.overflow[0]
	d.overflow = nil
	d.mu.Unlock()
	if entry.eventTicker != "EVT-B" {
		t.Fatalf("queued event ticker = %q, want EVT-B", entry.eventTicker)
	}
	d.trySubscribe(entry.ticker, entry.eventTicker) // cap still full
	if len(cap.overflows) != 2 || cap.overflows[1].EventTicker != "EVT-B" {
		t.Errorf("overflows = %+v, want EVT-B on re-deferral", cap.overflows)
	}
}

func TestUnknownEventTypeOnlyUpserts(t *testing.T) {
	d, cap, _ := newTestDiscovery(t, 5)

	d.HandleLifecycle(lifecycleFrame("M1", "paused"))
	if len(cap.subscribes) != 0 || len(cap.unsubscribes) != 0 {
		t.Errorf("unknown event changed subscriptions: %v %v", cap.subscribes, cap.unsubscribes)
	}
	if len(cap.marketUpdates) != 1 {
		t.Errorf("updates = %d, want 1", len(cap.marketUpdates))
	}
}
