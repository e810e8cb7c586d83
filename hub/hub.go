package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/queue"
	"go.uber.org/zap"
)

const (
	DefaultMonitorInterval = 5 * time.Second
	DefaultWarnThreshold   = 500
)

type Config struct {
	Name string
	// InboundCapacity bounds the producer side, 0 means unbounded.
	InboundCapacity int
	// SubscriberCapacity bounds each subscriber buffer. A bounded buffer makes a slow
	// subscriber hold back the whole hub, so it defaults to unbounded.
	SubscriberCapacity int
	MonitorInterval    time.Duration
	// WarnThreshold is the subscriber buffer depth that triggers a warning.
	WarnThreshold int
	JoinTimeout   time.Duration
	// OnError receives a *SubscriberError for every recovered subscriber panic.
	OnError func(error)
}

// SubscriberError reports a subscriber callback that panicked.
type SubscriberError struct {
	Hub            string
	SubscriptionID uuid.UUID
	Recovered      any
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("hub %s: subscriber %s failed: %v", e.Hub, e.SubscriptionID, e.Recovered)
}

type Subscription struct {
	ID  uuid.UUID
	Hub string
}

type subscriber[T any] struct {
	id    uuid.UUID
	queue *queue.CustomQueue[T]
}

// Hub fans every published item out to all subscribers. Each subscriber has its own
// buffer and goroutine, so callbacks never run on the producer goroutine and one slow
// subscriber does not delay the others. Per subscriber delivery order equals publish order.
type Hub[T any] struct {
	cfg    Config
	logger *zap.Logger

	inbound *queue.CustomQueue[T]

	mu          sync.RWMutex
	subscribers []*subscriber[T]
	closed      bool
	closeOnce   sync.Once
}

func New[T any](cfg Config, logger *zap.Logger) *Hub[T] {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub[T]{
		cfg:    cfg,
		logger: logger.Named("hub").With(zap.String("hub", cfg.Name)),
	}
	h.inbound = queue.New(queue.Config[T]{
		Name:          cfg.Name + ".inbound",
		Capacity:      cfg.InboundCapacity,
		WarnThreshold: cfg.WarnThreshold,
		JoinTimeout:   cfg.JoinTimeout,
		Logger:        logger,
	}, h.fanOut)
	return h
}

func (h *Hub[T]) Name() string {
	return h.cfg.Name
}

// Publish hands item to the hub. It blocks only when InboundCapacity is set and full.
func (h *Hub[T]) Publish(item T) error {
	return h.inbound.Add(item)
}

func (h *Hub[T]) PublishContext(ctx context.Context, item T) error {
	return h.inbound.AddContext(ctx, item)
}

func (h *Hub[T]) Subscribe(callback func(T)) (Subscription, error) {
	id := uuid.New()
	sub := &subscriber[T]{id: id}
	sub.queue = queue.New(queue.Config[T]{
		Name:        h.cfg.Name + "." + id.String(),
		Capacity:    h.cfg.SubscriberCapacity,
		JoinTimeout: h.cfg.JoinTimeout,
		Logger:      h.logger,
		OnPanic: func(_ T, recovered any) {
			h.reportError(&SubscriberError{Hub: h.cfg.Name, SubscriptionID: id, Recovered: recovered})
		},
	}, callback)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.queue.Close()
		return Subscription{}, queue.ErrQueueClosed
	}
	h.subscribers = append(slices.Clip(h.subscribers), sub)
	h.mu.Unlock()

	h.logger.Debug("subscribed", zap.Stringer("subscription", id))
	return Subscription{ID: id, Hub: h.cfg.Name}, nil
}

// Unsubscribe drops pending items of the subscriber and waits for its running callback.
// It must not be called from that subscriber's own callback.
func (h *Hub[T]) Unsubscribe(id uuid.UUID) bool {
	h.mu.Lock()
	i := slices.IndexFunc(h.subscribers, func(s *subscriber[T]) bool { return s.id == id })
	if i < 0 {
		h.mu.Unlock()
		return false
	}
	sub := h.subscribers[i]
	h.subscribers = slices.Delete(slices.Clone(h.subscribers), i, i+1)
	h.mu.Unlock()

	sub.queue.Clear()
	sub.queue.Close()
	promclient.SubscriberBufferGauge.DeleteLabelValues(h.cfg.Name, id.String())
	h.logger.Debug("unsubscribed", zap.Stringer("subscription", id))
	return true
}

func (h *Hub[T]) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// BufferDepths returns the pending item count of every subscriber.
func (h *Hub[T]) BufferDepths() map[uuid.UUID]int {
	h.mu.RLock()
	subs := h.subscribers
	h.mu.RUnlock()

	out := make(map[uuid.UUID]int, len(subs))
	for _, s := range subs {
		out[s.id] = s.queue.Len()
	}
	return out
}

func (h *Hub[T]) fanOut(item T) {
	h.mu.RLock()
	subs := h.subscribers
	h.mu.RUnlock()

	for _, s := range subs {
		// ErrQueueClosed only means the subscriber left meanwhile
		_ = s.queue.Add(item)
	}
}

func (h *Hub[T]) reportError(err error) {
	promclient.SubscriberFailureCounter.WithLabelValues(h.cfg.Name).Inc()
	h.logger.Error("subscriber failed", zap.Error(err))
	if h.cfg.OnError != nil {
		h.cfg.OnError(err)
	}
}

// Run samples subscriber buffers every MonitorInterval until ctx is cancelled, then
// closes the hub.
func (h *Hub[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return h.Close()
		case <-ticker.C:
			h.checkBuffers()
		}
	}
}

func (h *Hub[T]) checkBuffers() {
	for id, n := range h.BufferDepths() {
		promclient.SubscriberBufferGauge.WithLabelValues(h.cfg.Name, id.String()).Set(float64(n))
		if n > h.cfg.WarnThreshold {
			h.logger.Warn("subscriber is falling behind",
				zap.Stringer("subscription", id),
				zap.Int("buffered", n),
				zap.Int("threshold", h.cfg.WarnThreshold),
			)
		}
	}
}

// Close delivers what was already published, then stops every subscriber.
func (h *Hub[T]) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.inbound.Close()

		h.mu.Lock()
		h.closed = true
		subs := h.subscribers
		h.subscribers = nil
		h.mu.Unlock()

		for _, s := range subs {
			if cerr := s.queue.Close(); cerr != nil && err == nil {
				err = cerr
			}
			promclient.SubscriberBufferGauge.DeleteLabelValues(h.cfg.Name, s.id.String())
		}
		h.logger.Info("hub closed")
	})
	return err
}
