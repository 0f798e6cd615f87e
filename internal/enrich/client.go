// Package enrich fetches market, event, and series metadata over the
// exchange REST API after terminal lifecycle events. Enrichment is a side
// channel: failures are logged and counted, never propagated.
package enrich

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalshibook/collector/internal/auth"
	"github.com/kalshibook/collector/internal/model"
)

const requestTimeout = 10 * time.Second

// Client is an authenticated REST client. The signed path includes the
// API prefix taken from the base URL, matching the WS handshake scheme.
type Client struct {
	base       string
	signPrefix string
	creds      *auth.Credentials
	http       *http.Client
	logger     *slog.Logger
}

// MarketDetail is the subset of the market object the enricher consumes.
// Raw holds the full payload for metadata storage.
type MarketDetail struct {
	Ticker          string         `json:"ticker"`
	EventTicker     string         `json:"event_ticker"`
	Status          string         `json:"status"`
	Result          string         `json:"result"`
	SettlementValue *int64         `json:"settlement_value"`
	CloseTime       model.WireTime `json:"close_time"`
	ExpirationTime  model.WireTime `json:"expiration_time"`

	Raw map[string]any `json:"-"`
}

// EventDetail is the subset of the event object the enricher consumes.
type EventDetail struct {
	EventTicker       string         `json:"event_ticker"`
	SeriesTicker      string         `json:"series_ticker"`
	Title             string         `json:"title"`
	SubTitle          string         `json:"sub_title"`
	Category          string         `json:"category"`
	Status            string         `json:"status"`
	MutuallyExclusive *bool          `json:"mutually_exclusive"`
	StrikeDate        model.WireTime `json:"strike_date"`
	StrikePeriod      string         `json:"strike_period"`

	Raw map[string]any `json:"-"`
}

// SeriesDetail is the subset of the series object the enricher consumes.
type SeriesDetail struct {
	Ticker            string   `json:"ticker"`
	Title             string   `json:"title"`
	Frequency         string   `json:"frequency"`
	Category          string   `json:"category"`
	Tags              []string `json:"tags"`
	SettlementSources []string `json:"settlement_sources"`

	Raw map[string]any `json:"-"`
}

// BookLevels is the level set returned by the orderbook endpoint.
type BookLevels struct {
	Yes []model.PriceLevel `json:"yes"`
	No  []model.PriceLevel `json:"no"`
}

// NewClient creates a REST client for the given base URL, e.g.
// https://api.elections.kalshi.com/trade-api/v2.
func NewClient(baseURL string, creds *auth.Credentials, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{
		base:       baseURL,
		signPrefix: u.Path,
		creds:      creds,
		http:       &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}, nil
}

// GetMarket fetches one market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*MarketDetail, error) {
	raw, err := c.getJSON(ctx, "/markets/"+url.PathEscape(ticker), "market")
	if err != nil {
		return nil, err
	}
	var m MarketDetail
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	json.Unmarshal(raw, &m.Raw)
	return &m, nil
}

// GetEvent fetches one event by event ticker.
func (c *Client) GetEvent(ctx context.Context, eventTicker string) (*EventDetail, error) {
	raw, err := c.getJSON(ctx, "/events/"+url.PathEscape(eventTicker), "event")
	if err != nil {
		return nil, err
	}
	var e EventDetail
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	json.Unmarshal(raw, &e.Raw)
	return &e, nil
}

// GetSeries fetches one series by series ticker.
func (c *Client) GetSeries(ctx context.Context, seriesTicker string) (*SeriesDetail, error) {
	raw, err := c.getJSON(ctx, "/series/"+url.PathEscape(seriesTicker), "series")
	if err != nil {
		return nil, err
	}
	var s SeriesDetail
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	json.Unmarshal(raw, &s.Raw)
	return &s, nil
}

// GetOrderbook fetches the current L2 book for a market.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*BookLevels, error) {
	raw, err := c.getJSON(ctx, "/markets/"+url.PathEscape(ticker)+"/orderbook", "orderbook")
	if err != nil {
		return nil, err
	}
	var b BookLevels
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode orderbook: %w", err)
	}
	return &b, nil
}

// getJSON performs a signed GET and returns the named top-level field of
// the response body.
func (c *Client) getJSON(ctx context.Context, path, field string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}

	headers, err := c.creds.SignRequest(http.MethodGet, c.signPrefix+path)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := envelope[field]
	if !ok {
		return nil, fmt.Errorf("GET %s: response missing %q", path, field)
	}
	return raw, nil
}
