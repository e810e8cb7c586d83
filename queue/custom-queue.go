package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gammazero/deque"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("queue is closed")

const (
	DefaultWarnCooldown = 5 * time.Second
	DefaultJoinTimeout  = 3 * time.Second
)

type Config[T any] struct {
	// Name labels logs and metrics.
	Name string
	// Capacity 0 means unbounded. A full bounded queue blocks Add.
	Capacity int
	// WarnThreshold 0 disables over utilization warnings.
	WarnThreshold int
	WarnCooldown  time.Duration
	// JoinTimeout bounds how long Close waits for the consumer to drain.
	JoinTimeout time.Duration
	// OnDiscard disposes items dropped by Clear or left over after Close.
	// When nil, items implementing io.Closer are closed.
	OnDiscard func(T)
	// OnPanic is called after a consumer panic was recovered.
	OnPanic func(item T, recovered any)
	Logger  *zap.Logger
}

// CustomQueue is a FIFO queue drained by a single consumer goroutine. Consumption
// can be paused while producers keep adding; resuming never reorders items.
type CustomQueue[T any] struct {
	cfg     Config[T]
	logger  *zap.Logger
	consume func(T)
	now     func() time.Time

	mu       sync.Mutex
	items    deque.Deque[T]
	paused   bool
	closed   bool
	lastWarn time.Time

	wake      chan struct{}
	space     chan struct{}
	stop      chan struct{}
	abort     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the consumer goroutine right away.
func New[T any](cfg Config[T], consume func(T)) *CustomQueue[T] {
	if cfg.WarnCooldown <= 0 {
		cfg.WarnCooldown = DefaultWarnCooldown
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &CustomQueue[T]{
		cfg:     cfg,
		logger:  logger.Named("queue").With(zap.String("queue", cfg.Name)),
		consume: consume,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *CustomQueue[T]) Name() string {
	return q.cfg.Name
}

func (q *CustomQueue[T]) Add(item T) error {
	return q.AddContext(context.Background(), item)
}

// AddContext enqueues item, blocking while a bounded queue is full. It never drops:
// it either enqueues or returns ErrQueueClosed or the context error.
func (q *CustomQueue[T]) AddContext(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.cfg.Capacity <= 0 || q.items.Len() < q.cfg.Capacity {
			q.items.PushBack(item)
			n := q.items.Len()
			warn := q.shouldWarn(n)
			q.mu.Unlock()

			signal(q.wake)
			if q.cfg.Capacity > 0 && n < q.cfg.Capacity {
				// pass the free slot on to the next blocked producer
				signal(q.space)
			}
			if warn {
				q.warnOverUtilization(n)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-q.stop:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *CustomQueue[T]) shouldWarn(n int) bool {
	if q.cfg.WarnThreshold <= 0 || n < q.cfg.WarnThreshold {
		return false
	}
	now := q.now()
	if !q.lastWarn.IsZero() && now.Sub(q.lastWarn) < q.cfg.WarnCooldown {
		return false
	}
	q.lastWarn = now
	return true
}

func (q *CustomQueue[T]) warnOverUtilization(n int) {
	promclient.QueueOverUtilizationCounter.WithLabelValues(q.cfg.Name).Inc()
	q.logger.Warn("queue over utilization",
		zap.Int("len", n),
		zap.Int("threshold", q.cfg.WarnThreshold),
		zap.Int("capacity", q.cfg.Capacity),
	)
}

func (q *CustomQueue[T]) PauseConsumer() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *CustomQueue[T]) ResumeConsumer() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	signal(q.wake)
}

func (q *CustomQueue[T]) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *CustomQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Clear disposes every buffered item. The queue stays usable.
func (q *CustomQueue[T]) Clear() int {
	q.mu.Lock()
	dropped := make([]T, 0, q.items.Len())
	for q.items.Len() > 0 {
		dropped = append(dropped, q.items.PopFront())
	}
	q.mu.Unlock()

	for _, item := range dropped {
		q.dispose(item)
	}
	signal(q.space)
	return len(dropped)
}

// Close stops accepting items, lets the consumer drain what is buffered (even when
// paused) within JoinTimeout and disposes whatever is left. Safe to call twice.
func (q *CustomQueue[T]) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.paused = false
		q.mu.Unlock()
		close(q.stop)
		signal(q.wake)

		select {
		case <-q.done:
		case <-time.After(q.cfg.JoinTimeout):
			close(q.abort)
			err = fmt.Errorf("queue %s: consumer did not drain within %s", q.cfg.Name, q.cfg.JoinTimeout)
			q.logger.Warn("consumer join timeout", zap.Duration("timeout", q.cfg.JoinTimeout))
		}

		if n := q.Clear(); n > 0 {
			q.logger.Debug("disposed leftover items", zap.Int("count", n))
		}
	})
	return err
}

// Done is closed once the consumer goroutine has exited.
func (q *CustomQueue[T]) Done() <-chan struct{} {
	return q.done
}

func (q *CustomQueue[T]) run() {
	defer close(q.done)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		q.deliver(item)
	}
}

func (q *CustomQueue[T]) next() (T, bool) {
	for {
		q.mu.Lock()
		if !q.paused && q.items.Len() > 0 {
			item := q.items.PopFront()
			q.mu.Unlock()
			signal(q.space)
			return item, true
		}
		if q.closed && q.items.Len() == 0 {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.abort:
			var zero T
			return zero, false
		}
	}
}

func (q *CustomQueue[T]) deliver(item T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("consumer panic recovered", zap.Any("panic", r))
			if q.cfg.OnPanic != nil {
				q.cfg.OnPanic(item, r)
			}
		}
	}()
	q.consume(item)
}

func (q *CustomQueue[T]) dispose(item T) {
	if q.cfg.OnDiscard != nil {
		q.cfg.OnDiscard(item)
		return
	}
	if c, ok := any(item).(io.Closer); ok {
		if err := c.Close(); err != nil {
			q.logger.Debug("dispose failed", zap.Error(err))
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
