package provider

import (
	"sync"
	"testing"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type providerFeed struct {
	mu    sync.Mutex
	items []domain.Provider
}

func (f *providerFeed) add(p domain.Provider) {
	f.mu.Lock()
	f.items = append(f.items, p)
	f.mu.Unlock()
}

func (f *providerFeed) statuses() []domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionStatus, len(f.items))
	for i, p := range f.items {
		out[i] = p.Status
	}
	return out
}

func TestProviderMonitor_Lifecycle(t *testing.T) {
	providers := hub.New[domain.Provider](hub.Config{Name: "providers"}, zaptest.NewLogger(t))
	defer providers.Close()
	feed := &providerFeed{}
	_, err := providers.Subscribe(feed.add)
	require.NoError(t, err)

	m := NewProviderMonitor(providers, 10*time.Second, time.Second, zaptest.NewLogger(t))
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	m.Heartbeat(1, "kucoin", t0)
	p, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusConnected, p.Status)
	assert.Equal(t, "kucoin", p.Code)

	m.Heartbeat(1, "kucoin", t0.Add(5*time.Second))
	m.Check(t0.Add(12 * time.Second))
	p, _ = m.Get(1)
	assert.Equal(t, domain.SessionStatusConnected, p.Status, "last heartbeat is recent enough")

	m.Check(t0.Add(16 * time.Second))
	p, _ = m.Get(1)
	assert.Equal(t, domain.SessionStatusDisconnected, p.Status)
	assert.Equal(t, "heartbeat timeout", p.LastMessage)

	m.Heartbeat(1, "kucoin", t0.Add(20*time.Second))
	p, _ = m.Get(1)
	assert.Equal(t, domain.SessionStatusConnected, p.Status)

	assert.Eventually(t, func() bool { return len(feed.statuses()) == 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []domain.SessionStatus{
		domain.SessionStatusConnected,
		domain.SessionStatusDisconnected,
		domain.SessionStatusConnected,
	}, feed.statuses())
}

func TestProviderMonitor_FailedStaysFailed(t *testing.T) {
	m := NewProviderMonitor(nil, time.Second, time.Second, zaptest.NewLogger(t))
	t0 := time.Now()

	m.Heartbeat(2, "kafka", t0)
	m.SetStatus(2, "kafka", domain.SessionStatusDisconnectedFailed, "resync failed")

	m.Heartbeat(2, "kafka", t0.Add(time.Millisecond))
	p, ok := m.Get(2)
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusDisconnectedFailed, p.Status)
	assert.Equal(t, "resync failed", p.LastMessage)

	m.Check(t0.Add(time.Hour))
	p, _ = m.Get(2)
	assert.Equal(t, domain.SessionStatusDisconnectedFailed, p.Status, "watchdog leaves failed providers alone")

	m.SetStatus(2, "kafka", domain.SessionStatusConnected, "snapshot loaded")
	p, _ = m.Get(2)
	assert.Equal(t, domain.SessionStatusConnected, p.Status)
}

func TestProviderMonitor_SetStatusCreatesProvider(t *testing.T) {
	m := NewProviderMonitor(nil, 0, time.Second, zaptest.NewLogger(t))

	m.SetStatus(9, "ws", domain.SessionStatusConnectedWithWarnings, "gap")
	m.Heartbeat(4, "kucoin", time.Time{})

	list := m.Providers()
	require.Len(t, list, 2)
	assert.Equal(t, 4, list[0].ProviderID)
	assert.Equal(t, 9, list[1].ProviderID)
	assert.Equal(t, domain.SessionStatusConnectedWithWarnings, list[1].Status)
	assert.False(t, list[0].LastUpdated.IsZero())
}
