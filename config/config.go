package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	// DebugMode forces debug logging and logs every routed message kind.
	DebugMode bool `toml:"debug_mode"`

	Log      LogConfig      `toml:"log"`
	Book     BookConfig     `toml:"book"`
	Queue    QueueConfig    `toml:"queue"`
	Hub      HubConfig      `toml:"hub"`
	Pool     PoolConfig     `toml:"pool"`
	Provider ProviderConfig `toml:"provider"`
	Kucoin   KucoinConfig   `toml:"kucoin"`
	Binance  BinanceConfig  `toml:"binance"`
	WsFeed   WsFeedConfig   `toml:"wsfeed"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Redis    RedisConfig    `toml:"redis"`
	RPC      RPCConfig      `toml:"rpc"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// File enables the rotating json log, empty keeps console output only.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type BookConfig struct {
	MaxDepth               int      `toml:"max_depth"`
	FilterBidAskByMaxDepth bool     `toml:"filter_bid_ask_by_max_depth"`
	PriceDecimalPlaces     int32    `toml:"price_decimal_places"`
	SizeDecimalPlaces      int32    `toml:"size_decimal_places"`
	SnapshotDepth          int      `toml:"snapshot_depth"`
	MaxResyncAttempts      int      `toml:"max_resync_attempts"`
	ResyncBackoff          duration `toml:"resync_backoff"`
}

// QueueConfig bounds the per book delta queues.
type QueueConfig struct {
	Capacity      int `toml:"capacity"`
	WarnThreshold int `toml:"warn_threshold"`
}

type HubConfig struct {
	InboundCapacity    int      `toml:"inbound_capacity"`
	SubscriberCapacity int      `toml:"subscriber_capacity"`
	MonitorInterval    duration `toml:"monitor_interval"`
	WarnThreshold      int      `toml:"warn_threshold"`
	JoinTimeout        duration `toml:"join_timeout"`
}

type PoolConfig struct {
	MaxDeltas int `toml:"max_deltas"`
	MaxTrades int `toml:"max_trades"`
}

type ProviderConfig struct {
	HeartbeatTimeout duration `toml:"heartbeat_timeout"`
	CheckInterval    duration `toml:"check_interval"`
	// FeedBuffer is the capacity of the channel all connectors write into.
	FeedBuffer int `toml:"feed_buffer"`
}

type KucoinConfig struct {
	Enabled    bool     `toml:"enabled"`
	ProviderID int      `toml:"provider_id"`
	BaseURL    string   `toml:"base_url"`
	ApiKey     string   `toml:"api_key"`
	ApiSecret  string   `toml:"api_secret"`
	PassPhrase string   `toml:"pass_phrase"`
	Symbols    []string `toml:"symbols"`
	Trades     bool     `toml:"trades"`
}

type BinanceConfig struct {
	Enabled        bool     `toml:"enabled"`
	ProviderID     int      `toml:"provider_id"`
	StreamEndpoint string   `toml:"stream_endpoint"`
	WsAPIEndpoint  string   `toml:"ws_api_endpoint"`
	Symbols        []string `toml:"symbols"`
	Trades         bool     `toml:"trades"`
}

// WsFeedConfig describes a websocket endpoint that already speaks the normalized
// envelope format. Books of its symbols are loaded from snapshot messages.
type WsFeedConfig struct {
	Enabled      bool     `toml:"enabled"`
	ProviderID   int      `toml:"provider_id"`
	Provider     string   `toml:"provider"`
	URL          string   `toml:"url"`
	Subscribe    []string `toml:"subscribe"`
	Symbols      []string `toml:"symbols"`
	ReconnectMin duration `toml:"reconnect_min"`
	ReconnectMax duration `toml:"reconnect_max"`
}

type KafkaConfig struct {
	Enabled    bool     `toml:"enabled"`
	ProviderID int      `toml:"provider_id"`
	Provider   string   `toml:"provider"`
	Brokers    []string `toml:"brokers"`
	Topic      string   `toml:"topic"`
	GroupID    string   `toml:"group_id"`
	Symbols    []string `toml:"symbols"`
	MaxWait    duration `toml:"max_wait"`
}

type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
	Channel   string `toml:"channel"`
	// Levels is the depth written next to the top of book, 0 writes the top only.
	Levels int `toml:"levels"`
}

type RPCConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	// AvailableProviders limits which providers clients may query, empty allows all
	// enabled connectors.
	AvailableProviders []string `toml:"available_providers"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// duration decodes toml strings like "5s" or "1m30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 10,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Book: BookConfig{
			MaxDepth:           100,
			PriceDecimalPlaces: 8,
			SizeDecimalPlaces:  8,
			SnapshotDepth:      100,
			MaxResyncAttempts:  3,
			ResyncBackoff:      duration{time.Second},
		},
		Queue: QueueConfig{
			Capacity:      10000,
			WarnThreshold: 500,
		},
		Hub: HubConfig{
			InboundCapacity: 10000,
			MonitorInterval: duration{5 * time.Second},
			WarnThreshold:   500,
			JoinTimeout:     duration{3 * time.Second},
		},
		Pool: PoolConfig{
			MaxDeltas: 4096,
			MaxTrades: 1024,
		},
		Provider: ProviderConfig{
			HeartbeatTimeout: duration{30 * time.Second},
			CheckInterval:    duration{5 * time.Second},
			FeedBuffer:       1024,
		},
		Kucoin: KucoinConfig{
			ProviderID: 1,
			BaseURL:    "https://api.kucoin.com",
		},
		Binance: BinanceConfig{
			ProviderID:     2,
			StreamEndpoint: "wss://stream.binance.com:9443/stream",
			WsAPIEndpoint:  "wss://ws-api.binance.com:443/ws-api/v3",
		},
		WsFeed: WsFeedConfig{
			ProviderID:   3,
			Provider:     "wsfeed",
			ReconnectMin: duration{time.Second},
			ReconnectMax: duration{30 * time.Second},
		},
		Kafka: KafkaConfig{
			ProviderID: 4,
			Provider:   "kafka",
			GroupID:    "marketbook",
			MaxWait:    duration{500 * time.Millisecond},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "marketbook",
			Channel:   "marketbook:tob",
		},
		RPC: RPCConfig{
			Enabled: true,
			Addr:    ":50051",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// ProviderNames lists the enabled connectors.
func (c *Config) ProviderNames() []string {
	var out []string
	if c.Kucoin.Enabled {
		out = append(out, "kucoin")
	}
	if c.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.WsFeed.Enabled {
		out = append(out, c.WsFeed.Provider)
	}
	if c.Kafka.Enabled {
		out = append(out, c.Kafka.Provider)
	}
	return out
}

func (c *Config) Validate() error {
	var errs []string

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if c.Book.MaxDepth < 0 {
		errs = append(errs, "book: max_depth must not be negative")
	}
	if c.Book.FilterBidAskByMaxDepth && c.Book.MaxDepth == 0 {
		errs = append(errs, "book: filter_bid_ask_by_max_depth needs a positive max_depth")
	}
	if c.Queue.Capacity < 0 || c.Hub.InboundCapacity < 0 || c.Hub.SubscriberCapacity < 0 {
		errs = append(errs, "queue and hub capacities must not be negative")
	}
	if c.Provider.HeartbeatTimeout.Duration <= 0 || c.Provider.CheckInterval.Duration <= 0 {
		errs = append(errs, "provider: heartbeat_timeout and check_interval must be positive")
	}

	ids := make(map[int]string)
	checkProvider := func(name string, enabled bool, id int, symbols []string) {
		if !enabled {
			return
		}
		if id <= 0 {
			errs = append(errs, fmt.Sprintf("%s: provider_id must be positive", name))
		}
		if other, ok := ids[id]; ok {
			errs = append(errs, fmt.Sprintf("%s: provider_id %d already used by %s", name, id, other))
		}
		ids[id] = name
		if len(symbols) == 0 {
			errs = append(errs, fmt.Sprintf("%s: at least one symbol is required", name))
		}
	}
	checkProvider("kucoin", c.Kucoin.Enabled, c.Kucoin.ProviderID, c.Kucoin.Symbols)
	checkProvider("binance", c.Binance.Enabled, c.Binance.ProviderID, c.Binance.Symbols)
	checkProvider("wsfeed", c.WsFeed.Enabled, c.WsFeed.ProviderID, c.WsFeed.Symbols)
	checkProvider("kafka", c.Kafka.Enabled, c.Kafka.ProviderID, c.Kafka.Symbols)

	if c.WsFeed.Enabled && c.WsFeed.URL == "" {
		errs = append(errs, "wsfeed: url is required")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, "kafka: brokers and topic are required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}
	if c.RPC.Enabled && c.RPC.Addr == "" {
		errs = append(errs, "rpc: addr is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr is required")
	}

	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}
