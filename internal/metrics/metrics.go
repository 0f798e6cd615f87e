// Package metrics tracks collector health counters for the periodic
// summary log. Counters are atomic; gauges are set by their owning
// component.
package metrics

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Connection states reported in the summary.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

// Collector aggregates counters across components.
type Collector struct {
	connState   atomic.Value // string
	connectedAt atomic.Int64 // unix nanos, 0 when not connected

	Reconnects       atomic.Int64
	MessagesReceived atomic.Int64

	SnapshotsStored atomic.Int64
	DeltasStored    atomic.Int64
	TradesStored    atomic.Int64

	GapsDetected    atomic.Int64
	OverflowMarkets atomic.Int64
	StaleMarkets    atomic.Int64

	Flushes       atomic.Int64
	FlushFailures atomic.Int64

	EnrichmentFailures atomic.Int64

	ActiveSubscriptions  atomic.Int64
	PendingSubscriptions atomic.Int64
}

// New returns a Collector in the disconnected state.
func New() *Collector {
	c := &Collector{}
	c.connState.Store(StateDisconnected)
	return c
}

// SetConnState records a connection state transition.
func (c *Collector) SetConnState(state string) {
	c.connState.Store(state)
	switch state {
	case StateConnected:
		c.connectedAt.Store(time.Now().UnixNano())
	case StateReconnecting:
		c.Reconnects.Add(1)
		c.connectedAt.Store(0)
	default:
		c.connectedAt.Store(0)
	}
}

// ConnState returns the current connection state label.
func (c *Collector) ConnState() string {
	return c.connState.Load().(string)
}

// Uptime returns time since the last successful connect, or zero.
func (c *Collector) Uptime() time.Duration {
	at := c.connectedAt.Load()
	if at == 0 {
		return 0
	}
	return time.Since(time.Unix(0, at))
}

// LogSummary writes a one-line health summary.
func (c *Collector) LogSummary(logger *slog.Logger) {
	logger.Info("collector metrics",
		"conn_state", c.ConnState(),
		"uptime", c.Uptime().Round(time.Second),
		"reconnects", c.Reconnects.Load(),
		"messages", c.MessagesReceived.Load(),
		"snapshots_stored", c.SnapshotsStored.Load(),
		"deltas_stored", c.DeltasStored.Load(),
		"trades_stored", c.TradesStored.Load(),
		"gaps", c.GapsDetected.Load(),
		"overflow", c.OverflowMarkets.Load(),
		"stale", c.StaleMarkets.Load(),
		"flushes", c.Flushes.Load(),
		"flush_failures", c.FlushFailures.Load(),
		"enrichment_failures", c.EnrichmentFailures.Load(),
		"active_subs", c.ActiveSubscriptions.Load(),
		"pending_subs", c.PendingSubscriptions.Load(),
	)
}
