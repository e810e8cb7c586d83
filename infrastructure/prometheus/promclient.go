package promclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var OpenOrderBookGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketbook_open_order_books",
		Help: "order books maintained per provider",
	},
	[]string{"provider"},
)

var SequenceGapCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketbook_sequence_gaps_total",
		Help: "deltas rejected because they skipped a sequence number",
	},
	[]string{"provider", "symbol"},
)

var ResyncCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketbook_resyncs_total",
		Help: "snapshot resynchronisations by outcome",
	},
	[]string{"provider", "symbol", "result"},
)

var SubscriberBufferGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketbook_subscriber_buffer_depth",
		Help: "items waiting in a hub subscriber buffer",
	},
	[]string{"hub", "subscriber"},
)

var SubscriberFailureCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketbook_subscriber_failures_total",
		Help: "subscriber callbacks that panicked",
	},
	[]string{"hub"},
)

var QueueOverUtilizationCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketbook_queue_over_utilization_total",
		Help: "rate limited over utilization warnings per queue",
	},
	[]string{"queue"},
)

var DroppedMessageCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketbook_dropped_messages_total",
		Help: "feed messages that could not be decoded or routed",
	},
	[]string{"provider", "reason"},
)

// NewRegistry registers every marketbook collector plus the Go runtime collector.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		OpenOrderBookGauge,
		SequenceGapCounter,
		ResyncCounter,
		SubscriberBufferGauge,
		SubscriberFailureCounter,
		QueueOverUtilizationCounter,
		DroppedMessageCounter,
		collectors.NewGoCollector(),
	)
	return reg
}

type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("promclient"),
	}
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves /metrics until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("prometheus server listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
