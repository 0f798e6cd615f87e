package stream

import (
	"errors"

	"github.com/goccy/go-json"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
)

// Channel names the collector subscribes to.
const (
	ChannelLifecycle = "market_lifecycle_v2"
	ChannelTrade     = "trade"
	ChannelOrderbook = "orderbook_delta"
)

// Inbound frame types.
const (
	TypeOrderbookSnapshot = "orderbook_snapshot"
	TypeOrderbookDelta    = "orderbook_delta"
	TypeTrade             = "trade"
	TypeLifecycleV2       = "market_lifecycle_v2"
	TypeLifecycle         = "market_lifecycle"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypeError             = "error"
)

// Frame is the envelope of every inbound message.
type Frame struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	SID  int64           `json:"sid,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Command is an outbound subscribe/unsubscribe frame.
type Command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params CommandParams `json:"params"`
}

// CommandParams carries the channels and optional ticker filter of a
// command.
type CommandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// SubscribedMsg is the payload of a "subscribed" acknowledgement.
type SubscribedMsg struct {
	Channel       string   `json:"channel"`
	SID           int64    `json:"sid"`
	MarketTicker  string   `json:"market_ticker,omitempty"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// UnsubscribedMsg is the payload of an "unsubscribed" acknowledgement.
type UnsubscribedMsg struct {
	Channel       string   `json:"channel,omitempty"`
	SIDs          []int64  `json:"sids,omitempty"`
	MarketTicker  string   `json:"market_ticker,omitempty"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// ErrorMsg is the payload of an "error" frame.
type ErrorMsg struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// Tickers returns the tickers named by a subscribed ack, folding the
// single-ticker field into the list form.
func (m SubscribedMsg) Tickers() []string {
	if len(m.MarketTickers) > 0 {
		return m.MarketTickers
	}
	if m.MarketTicker != "" {
		return []string{m.MarketTicker}
	}
	return nil
}

// Tickers returns the tickers named by an unsubscribed ack.
func (m UnsubscribedMsg) Tickers() []string {
	if len(m.MarketTickers) > 0 {
		return m.MarketTickers
	}
	if m.MarketTicker != "" {
		return []string{m.MarketTicker}
	}
	return nil
}
