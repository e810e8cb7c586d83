package kafkafeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spooky-finn/go-marketbook/domain"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/provider"
	"go.uber.org/zap"
)

type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// MessageReader is the part of *kafka.Reader the feed needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaFeed consumes normalized feed envelopes from a topic.
type KafkaFeed struct {
	reader MessageReader
	codec  *provider.FeedCodec
	logger *zap.Logger
}

func NewReader(cfg Config) *kafka.Reader {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
}

func NewKafkaFeed(reader MessageReader, codec *provider.FeedCodec, logger *zap.Logger) *KafkaFeed {
	return &KafkaFeed{
		reader: reader,
		codec:  codec,
		logger: logger.Named("kafkafeed").With(zap.String("provider", codec.Provider)),
	}
}

func (f *KafkaFeed) Run(ctx context.Context, out chan<- domain.MarketMessage) error {
	defer func() {
		if err := f.reader.Close(); err != nil {
			f.logger.Debug("reader close failed", zap.Error(err))
		}
	}()

	for {
		m, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}

		received := m.Time
		if received.IsZero() {
			received = time.Now()
		}
		msg, err := f.codec.Decode(m.Value, received)
		if err != nil {
			promclient.DroppedMessageCounter.WithLabelValues(f.codec.Provider, "decode").Inc()
			f.logger.Warn("failed to decode message",
				zap.Error(err), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			f.codec.Release(msg)
			return nil
		}
	}
}

var _ domain.ProviderStreamAPI = (*KafkaFeed)(nil)
var _ MessageReader = (*kafka.Reader)(nil)
