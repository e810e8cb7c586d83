package app

import (
	"fmt"

	"github.com/spooky-finn/go-marketbook/config"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/pool"
	"github.com/spooky-finn/go-marketbook/provider"
	"github.com/spooky-finn/go-marketbook/provider/binance"
	"github.com/spooky-finn/go-marketbook/provider/kafkafeed"
	"github.com/spooky-finn/go-marketbook/provider/kucoin"
	"github.com/spooky-finn/go-marketbook/provider/wsfeed"
	"github.com/spooky-finn/go-marketbook/rpc"
	redissink "github.com/spooky-finn/go-marketbook/sink/redis"
	"github.com/spooky-finn/go-marketbook/usecase"
	"go.uber.org/zap"
)

// feed is a running connector together with the provider it reports as.
type feed struct {
	providerID int
	provider   string
	api        domain.ProviderStreamAPI
}

// Deps holds every component of a running market book.
type Deps struct {
	Books     *hub.Hub[*domain.OrderBook]
	Trades    *hub.Hub[domain.Trade]
	Providers *hub.Hub[domain.Provider]

	DeltaPool *pool.ObjectPool[domain.DeltaBookItem]
	TradePool *pool.ObjectPool[domain.Trade]

	Storage     *domain.OrderBookStorage
	Monitor     *provider.ProviderMonitor
	Router      *provider.Router
	ConnManager *provider.ConnectionManager
	Maintainers []*provider.OrderbookMaintainer

	GRPCServer    *rpc.Server
	MetricsServer *promclient.Server
	TOBSink       *redissink.TOBSink

	feeds []feed
}

// Wire builds all components from cfg. The returned cleanup releases what Wire opened
// and is safe to call once the components stopped running.
func Wire(cfg *config.Config, logger *zap.Logger) (*Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	d := &Deps{
		Books:     hub.New[*domain.OrderBook](hubConfig(cfg, "orderbooks", logger), logger),
		Trades:    hub.New[domain.Trade](hubConfig(cfg, "trades", logger), logger),
		Providers: hub.New[domain.Provider](hubConfig(cfg, "providers", logger), logger),
		DeltaPool: pool.New[domain.DeltaBookItem](nil, (*domain.DeltaBookItem).Reset, cfg.Pool.MaxDeltas),
		TradePool: pool.New[domain.Trade](nil, (*domain.Trade).Reset, cfg.Pool.MaxTrades),
		Storage:   domain.NewOrderBookStorage(),
	}
	closers = append(closers, func() {
		d.Books.Close()
		d.Trades.Close()
		d.Providers.Close()
	})

	d.Monitor = provider.NewProviderMonitor(d.Providers, cfg.Provider.HeartbeatTimeout.Duration, cfg.Provider.CheckInterval.Duration, logger)
	d.Router = provider.NewRouter(provider.RouterDeps{
		Trades:    d.Trades,
		TradePool: d.TradePool,
		DeltaPool: d.DeltaPool,
		Monitor:   d.Monitor,
		Storage:   d.Storage,
	}, logger)
	d.ConnManager = provider.NewConnectionManager(logger)
	closers = append(closers, d.ConnManager.Close)

	if cfg.Kucoin.Enabled {
		symbols, err := displaySymbols(cfg.Kucoin.Symbols)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("kucoin: %w", err)
		}
		syncAPI := kucoin.NewKucoinSyncAPI(cfg.Kucoin.ProviderID, kucoin.Credentials{
			BaseURL:    cfg.Kucoin.BaseURL,
			ApiKey:     cfg.Kucoin.ApiKey,
			ApiSecret:  cfg.Kucoin.ApiSecret,
			PassPhrase: cfg.Kucoin.PassPhrase,
		}, logger)
		d.ConnManager.Register("kucoin", syncAPI)

		stream := kucoin.NewKucoinStreamAPI(kucoin.StreamConfig{
			ProviderID: cfg.Kucoin.ProviderID,
			Provider:   "kucoin",
			Symbols:    symbols,
			Trades:     cfg.Kucoin.Trades,
		}, kucoin.NewKucoinStreamClient(syncAPI, logger), d.DeltaPool, d.TradePool, logger)
		d.feeds = append(d.feeds, feed{providerID: cfg.Kucoin.ProviderID, provider: "kucoin", api: stream})
		d.addMaintainers(cfg, cfg.Kucoin.ProviderID, "kucoin", symbols, syncAPI, nil, logger)
	}

	if cfg.Binance.Enabled {
		symbols, err := displaySymbols(cfg.Binance.Symbols)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("binance: %w", err)
		}
		syncAPI := binance.NewBinanceSyncAPI(cfg.Binance.ProviderID, cfg.Binance.WsAPIEndpoint, logger)
		d.ConnManager.Register("binance", syncAPI)

		stream, err := binance.NewBinanceStreamAPI(binance.StreamConfig{
			ProviderID: cfg.Binance.ProviderID,
			Provider:   "binance",
			Symbols:    symbols,
			Trades:     cfg.Binance.Trades,
		}, binance.NewBinanceStreamClient(cfg.Binance.StreamEndpoint, logger), d.DeltaPool, d.TradePool, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("binance: %w", err)
		}
		d.feeds = append(d.feeds, feed{providerID: cfg.Binance.ProviderID, provider: "binance", api: stream})
		d.addMaintainers(cfg, cfg.Binance.ProviderID, "binance", symbols, syncAPI, binance.BinanceDepthUpdateValidator{}, logger)
	}

	if cfg.WsFeed.Enabled {
		symbols, err := displaySymbols(cfg.WsFeed.Symbols)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wsfeed: %w", err)
		}
		codec := d.codec(cfg.WsFeed.ProviderID, cfg.WsFeed.Provider)
		stream := wsfeed.NewWebSocketFeed(wsfeed.Config{
			URL:          cfg.WsFeed.URL,
			Subscribe:    cfg.WsFeed.Subscribe,
			ReconnectMin: cfg.WsFeed.ReconnectMin.Duration,
			ReconnectMax: cfg.WsFeed.ReconnectMax.Duration,
		}, codec, logger)
		d.feeds = append(d.feeds, feed{providerID: cfg.WsFeed.ProviderID, provider: cfg.WsFeed.Provider, api: stream})
		d.addMaintainers(cfg, cfg.WsFeed.ProviderID, cfg.WsFeed.Provider, symbols, nil, nil, logger)
	}

	if cfg.Kafka.Enabled {
		symbols, err := displaySymbols(cfg.Kafka.Symbols)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		reader := kafkafeed.NewReader(kafkafeed.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
			MaxWait: cfg.Kafka.MaxWait.Duration,
		})
		stream := kafkafeed.NewKafkaFeed(reader, d.codec(cfg.Kafka.ProviderID, cfg.Kafka.Provider), logger)
		d.feeds = append(d.feeds, feed{providerID: cfg.Kafka.ProviderID, provider: cfg.Kafka.Provider, api: stream})
		d.addMaintainers(cfg, cfg.Kafka.ProviderID, cfg.Kafka.Provider, symbols, nil, nil, logger)
	}

	// maintainers drain their queues before the hubs close
	closers = append(closers, func() {
		for _, m := range d.Maintainers {
			m.Stop()
		}
	})

	if cfg.Redis.Enabled {
		sinkCfg := redissink.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			Levels:    cfg.Redis.Levels,
		}
		rdb := redissink.NewClient(sinkCfg)
		closers = append(closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("failed to close redis client", zap.Error(err))
			}
		})
		d.TOBSink = redissink.NewTOBSink(rdb, sinkCfg, logger)
	}

	if cfg.RPC.Enabled {
		available := cfg.RPC.AvailableProviders
		if len(available) == 0 {
			available = cfg.ProviderNames()
		}
		impl := rpc.NewServer(
			usecase.NewOrderBookSnapshotUseCase(d.Storage, d.ConnManager, logger),
			&rpc.ValidationServiceConfig{AvailableProviders: available},
			d.Books,
			logger,
		)
		d.GRPCServer = rpc.NewGRPCServer(cfg.RPC.Addr, impl, logger)
	}

	if cfg.Metrics.Enabled {
		d.MetricsServer = promclient.NewServer(cfg.Metrics.Addr, promclient.NewRegistry(), logger)
	}

	return d, cleanup, nil
}

func (d *Deps) codec(providerID int, name string) *provider.FeedCodec {
	return &provider.FeedCodec{
		ProviderID: providerID,
		Provider:   name,
		Deltas:     d.DeltaPool,
		Trades:     d.TradePool,
	}
}

// addMaintainers creates one maintainer per symbol. syncAPI is nil for connectors that
// deliver their snapshots in band.
func (d *Deps) addMaintainers(
	cfg *config.Config,
	providerID int,
	name string,
	symbols []string,
	syncAPI domain.ProviderSyncAPI,
	validator domain.IDepthUpdateValidator,
	logger *zap.Logger,
) {
	for _, symbol := range symbols {
		m := provider.NewOrderBookMaintainer(provider.MaintainerConfig{
			ProviderID:             providerID,
			ProviderName:           name,
			Symbol:                 symbol,
			MaxDepth:               cfg.Book.MaxDepth,
			FilterBidAskByMaxDepth: cfg.Book.FilterBidAskByMaxDepth,
			PriceDecimalPlaces:     cfg.Book.PriceDecimalPlaces,
			SizeDecimalPlaces:      cfg.Book.SizeDecimalPlaces,
			SnapshotDepth:          cfg.Book.SnapshotDepth,
			MaxResyncAttempts:      cfg.Book.MaxResyncAttempts,
			ResyncBackoff:          cfg.Book.ResyncBackoff.Duration,
			QueueCapacity:          cfg.Queue.Capacity,
			QueueWarnThreshold:     cfg.Queue.WarnThreshold,
			Validator:              validator,
		}, provider.MaintainerDeps{
			SyncAPI: syncAPI,
			Books:   d.Books,
			Deltas:  d.DeltaPool,
			Status:  d.Monitor,
		}, logger)
		d.Router.Register(m)
		d.Maintainers = append(d.Maintainers, m)
	}
}

func hubConfig(cfg *config.Config, name string, logger *zap.Logger) hub.Config {
	return hub.Config{
		Name:               name,
		InboundCapacity:    cfg.Hub.InboundCapacity,
		SubscriberCapacity: cfg.Hub.SubscriberCapacity,
		MonitorInterval:    cfg.Hub.MonitorInterval.Duration,
		WarnThreshold:      cfg.Hub.WarnThreshold,
		JoinTimeout:        cfg.Hub.JoinTimeout.Duration,
		OnError: func(err error) {
			logger.Error("subscriber failed", zap.Error(err))
		},
	}
}

// displaySymbols normalizes configured symbols to the BASE/QUOTE form books are keyed by.
func displaySymbols(symbols []string) ([]string, error) {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		ms, err := domain.NewMarketSymbolFromString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ms.Display())
	}
	return out, nil
}
