// Package model defines the records the collector captures and persists.
package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Side names used on the wire and in the deltas table.
const (
	SideYes = "yes"
	SideNo  = "no"
)

// Snapshot sources.
const (
	SourceWS   = "ws_subscribe"
	SourceRest = "rest_poll"
)

// PriceLevel is one aggregated level of an L2 orderbook side.
// It marshals to/from the wire shape [price_cents, quantity].
type PriceLevel struct {
	PriceCents int
	Quantity   int
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{l.PriceCents, l.Quantity})
}

func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) < 2 {
		return fmt.Errorf("price level needs [price, quantity], got %d elements", len(pair))
	}
	l.PriceCents = pair[0]
	l.Quantity = pair[1]
	return nil
}

// OrderbookSnapshot is a full level set for one market at a point in time.
type OrderbookSnapshot struct {
	Ticker     string
	CapturedAt time.Time
	Seq        int64
	SID        int64
	Yes        []PriceLevel
	No         []PriceLevel
	Source     string
}

// OrderbookDelta is a signed change to a single price level.
type OrderbookDelta struct {
	Ticker     string
	TS         time.Time
	Seq        int64
	SID        int64
	PriceCents int
	Delta      int
	Side       string
}

// Trade is an executed trade reported by the exchange.
type Trade struct {
	TradeID       string
	Ticker        string
	YesPriceCents int
	NoPriceCents  int
	Count         int
	TakerSide     string
	TS            time.Time
}

// Settlement holds terminal outcome data for a market. Upserted as
// enrichment fills fields in; absent fields stay nil so COALESCE merges
// never regress known values.
type Settlement struct {
	Ticker          string
	EventTicker     string
	Result          string
	SettlementValue *int64
	DeterminedAt    *time.Time
	SettledAt       *time.Time
	Source          string
	Metadata        map[string]any
}

// Event is metadata for an event grouping related markets.
type Event struct {
	EventTicker       string
	SeriesTicker      string
	Title             string
	SubTitle          string
	Category          string
	Status            string
	MutuallyExclusive *bool
	StrikeDate        *time.Time
	StrikePeriod      string
	Metadata          map[string]any
}

// Series is metadata for a series of events.
type Series struct {
	Ticker            string
	Title             string
	Frequency         string
	Category          string
	Tags              []string
	SettlementSources []string
	Metadata          map[string]any
}

// MarketUpdate is an upsert into the markets table driven by a lifecycle
// event.
type MarketUpdate struct {
	Ticker       string
	Status       string
	EventTicker  string
	SeriesTicker string
	Metadata     map[string]any
}

// GapRecord is an audit row for a detected sequence gap.
type GapRecord struct {
	Ticker      string
	DetectedAt  time.Time
	ExpectedSeq int64
	ReceivedSeq int64
	SID         int64
}

// OverflowRecord is an audit row for a market deferred past the
// subscription cap.
type OverflowRecord struct {
	Ticker      string
	EventTicker string
	Reason      string
}

// DefaultOverflowReason labels overflow rows produced by the cap check.
const DefaultOverflowReason = "cap_reached"

// Subscription tracks per-market stream sequence state.
type Subscription struct {
	Ticker       string
	SID          int64
	LastSeq      int64
	SubscribedAt time.Time
	Stale        bool
}

// WireTime decodes the exchange's loosely specified "ts" field. Numbers
// are epoch seconds or milliseconds, distinguished by magnitude; strings
// are tried as RFC 3339. The zero value means the field was absent or
// unparseable, and callers substitute their own receive time.
type WireTime struct {
	time.Time
}

// Epoch values above this are taken as milliseconds.
const millisThreshold = 1e12

func (t *WireTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > millisThreshold {
			t.Time = time.UnixMilli(int64(n)).UTC()
		} else {
			sec := int64(n)
			nsec := int64((n - float64(sec)) * float64(time.Second))
			t.Time = time.Unix(sec, nsec).UTC()
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if parsed, err := time.Parse(time.RFC3339, str); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}

	t.Time = time.Time{}
	return nil
}

// OrElse returns the parsed time, or fallback when the wire value was
// absent.
func (t WireTime) OrElse(fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.Time
}
