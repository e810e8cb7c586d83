package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spooky-finn/go-marketbook/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu    sync.Mutex
	items []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.items...)
}

func publishRange(t *testing.T, h *Hub[int], n int) []int {
	t.Helper()
	want := make([]int, n)
	for i := 0; i < n; i++ {
		want[i] = i
		require.NoError(t, h.Publish(i))
	}
	return want
}

func TestHub_FanOutPreservesOrder(t *testing.T) {
	h := New[int](Config{Name: "orderbooks"}, zaptest.NewLogger(t))
	defer h.Close()

	a, b := &recorder{}, &recorder{}
	_, err := h.Subscribe(a.add)
	require.NoError(t, err)
	_, err = h.Subscribe(b.add)
	require.NoError(t, err)
	assert.Equal(t, 2, h.SubscriberCount())

	want := publishRange(t, h, 200)

	assert.Eventually(t, func() bool { return len(a.get()) == 200 && len(b.get()) == 200 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.get())
	assert.Equal(t, want, b.get())
}

func TestHub_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	h := New[int](Config{Name: "trades"}, zaptest.NewLogger(t))
	release := make(chan struct{})
	defer func() {
		close(release)
		h.Close()
	}()

	_, err := h.Subscribe(func(int) { <-release })
	require.NoError(t, err)
	fast := &recorder{}
	_, err = h.Subscribe(fast.add)
	require.NoError(t, err)

	publishRange(t, h, 50)

	assert.Eventually(t, func() bool { return len(fast.get()) == 50 }, time.Second, 5*time.Millisecond)
}

func TestHub_SubscriberPanicIsIsolated(t *testing.T) {
	var mu sync.Mutex
	var reported []error

	h := New[int](Config{
		Name: "providers",
		OnError: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	}, zaptest.NewLogger(t))
	defer h.Close()

	bad, err := h.Subscribe(func(v int) {
		if v%2 == 0 {
			panic("even")
		}
	})
	require.NoError(t, err)
	good := &recorder{}
	_, err = h.Subscribe(good.add)
	require.NoError(t, err)

	publishRange(t, h, 4)

	assert.Eventually(t, func() bool { return len(good.get()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	var subErr *SubscriberError
	require.True(t, errors.As(reported[0], &subErr))
	mu.Unlock()
	assert.Equal(t, bad.ID, subErr.SubscriptionID)
	assert.Equal(t, "providers", subErr.Hub)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := New[int](Config{Name: "unsub"}, zaptest.NewLogger(t))
	defer h.Close()

	r := &recorder{}
	sub, err := h.Subscribe(r.add)
	require.NoError(t, err)

	require.NoError(t, h.Publish(1))
	assert.Eventually(t, func() bool { return len(r.get()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, h.Unsubscribe(sub.ID))
	assert.False(t, h.Unsubscribe(sub.ID))
	assert.Equal(t, 0, h.SubscriberCount())

	require.NoError(t, h.Publish(2))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{1}, r.get())
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	h := New[int](Config{Name: "lifecycle", MonitorInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	r := &recorder{}
	_, err := h.Subscribe(r.add)
	require.NoError(t, err)
	publishRange(t, h, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	assert.Len(t, r.get(), 10, "published items are delivered before shutdown")
	assert.ErrorIs(t, h.Publish(11), queue.ErrQueueClosed)
	_, err = h.Subscribe(r.add)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	assert.NoError(t, h.Close())
}

func TestHub_MonitorWarnsAboveThreshold(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := New[int](Config{Name: "monitor", WarnThreshold: 3}, zap.New(core))

	release := make(chan struct{})
	var started atomic.Bool
	_, err := h.Subscribe(func(int) {
		started.Store(true)
		<-release
	})
	require.NoError(t, err)

	publishRange(t, h, 10)
	assert.Eventually(t, func() bool {
		for _, n := range h.BufferDepths() {
			return started.Load() && n == 9
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.checkBuffers()
	assert.Equal(t, 1, logs.FilterMessage("subscriber is falling behind").Len())

	close(release)
	h.Close()
}
