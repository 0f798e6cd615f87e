package config

// Default values for optional configuration fields.
const (
	DefaultStreamURL            = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	DefaultStreamPath           = "/trade-api/ws/v2"
	DefaultSideChannelBaseURL   = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultBatchSize            = 500
	DefaultFlushIntervalSeconds = 2.0
	DefaultMaxSubscriptions     = 1000
	DefaultWatchdogSeconds      = 30.0
	DefaultSnapshotPollSeconds  = 300
	DefaultDBPoolMin            = 5
	DefaultDBPoolMax            = 20
)

func (c *Config) applyDefaults() {
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	}
	if c.StreamPath == "" {
		c.StreamPath = DefaultStreamPath
	}
	if c.SideChannelBaseURL == "" {
		c.SideChannelBaseURL = DefaultSideChannelBaseURL
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushIntervalSeconds == 0 {
		c.FlushIntervalSeconds = DefaultFlushIntervalSeconds
	}
	if c.MaxSubscriptions == 0 {
		c.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.WatchdogTimeoutSeconds == 0 {
		c.WatchdogTimeoutSeconds = DefaultWatchdogSeconds
	}
	if c.SnapshotPollIntervalSeconds == 0 {
		c.SnapshotPollIntervalSeconds = DefaultSnapshotPollSeconds
	}
	if c.DBPoolMin == 0 {
		c.DBPoolMin = DefaultDBPoolMin
	}
	if c.DBPoolMax == 0 {
		c.DBPoolMax = DefaultDBPoolMax
	}
}
