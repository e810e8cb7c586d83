package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "MARKETBOOK_"

// Load decodes the toml file at path over Defaults and applies MARKETBOOK_* environment
// overrides. A missing file leaves the defaults in place. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	if cfg.DebugMode {
		cfg.Log.Level = "debug"
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setBool(&cfg.DebugMode, "DEBUG_MODE")

	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.File, "LOG_FILE")

	setInt(&cfg.Book.MaxDepth, "BOOK_MAX_DEPTH")
	setBool(&cfg.Book.FilterBidAskByMaxDepth, "BOOK_FILTER_BID_ASK_BY_MAX_DEPTH")
	setInt(&cfg.Book.SnapshotDepth, "BOOK_SNAPSHOT_DEPTH")
	setDuration(&cfg.Book.ResyncBackoff, "BOOK_RESYNC_BACKOFF")

	setInt(&cfg.Queue.Capacity, "QUEUE_CAPACITY")
	setInt(&cfg.Hub.InboundCapacity, "HUB_INBOUND_CAPACITY")
	setDuration(&cfg.Provider.HeartbeatTimeout, "PROVIDER_HEARTBEAT_TIMEOUT")

	setBool(&cfg.Kucoin.Enabled, "KUCOIN_ENABLED")
	setStr(&cfg.Kucoin.BaseURL, "KUCOIN_BASE_URL")
	setStr(&cfg.Kucoin.ApiKey, "KUCOIN_API_KEY")
	setStr(&cfg.Kucoin.ApiSecret, "KUCOIN_API_SECRET")
	setStr(&cfg.Kucoin.PassPhrase, "KUCOIN_PASS_PHRASE")
	setStringSlice(&cfg.Kucoin.Symbols, "KUCOIN_SYMBOLS")

	setBool(&cfg.Binance.Enabled, "BINANCE_ENABLED")
	setStr(&cfg.Binance.StreamEndpoint, "BINANCE_STREAM_ENDPOINT")
	setStr(&cfg.Binance.WsAPIEndpoint, "BINANCE_WS_API_ENDPOINT")
	setStringSlice(&cfg.Binance.Symbols, "BINANCE_SYMBOLS")

	setBool(&cfg.WsFeed.Enabled, "WSFEED_ENABLED")
	setStr(&cfg.WsFeed.URL, "WSFEED_URL")

	setBool(&cfg.Kafka.Enabled, "KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	setStr(&cfg.Kafka.GroupID, "KAFKA_GROUP_ID")

	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setBool(&cfg.RPC.Enabled, "RPC_ENABLED")
	setStr(&cfg.RPC.Addr, "RPC_ADDR")

	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "METRICS_ADDR")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
