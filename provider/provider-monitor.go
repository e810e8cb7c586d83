package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	"go.uber.org/zap"
)

// ProviderMonitor tracks provider liveness. Any data or heartbeat keeps a provider
// connected; a watchdog marks providers that went silent for longer than the timeout
// as Disconnected. Every status change is published to the provider hub.
type ProviderMonitor struct {
	logger   *zap.Logger
	hub      *hub.Hub[domain.Provider]
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	providers map[int]*domain.Provider
}

func NewProviderMonitor(h *hub.Hub[domain.Provider], timeout, interval time.Duration, logger *zap.Logger) *ProviderMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProviderMonitor{
		logger:    logger.Named("provider-monitor"),
		hub:       h,
		timeout:   timeout,
		interval:  interval,
		now:       time.Now,
		providers: make(map[int]*domain.Provider),
	}
}

func (m *ProviderMonitor) lookup(id int, code string) (*domain.Provider, bool) {
	p, ok := m.providers[id]
	if !ok {
		np := domain.NewProvider(id, code, code)
		p = &np
		m.providers[id] = p
	}
	return p, !ok
}

// Heartbeat records liveness. A provider whose book failed to resync stays failed.
func (m *ProviderMonitor) Heartbeat(id int, code string, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	p, created := m.lookup(id, code)
	if p.Status == domain.SessionStatusDisconnectedFailed {
		p.LastUpdated = at
		m.mu.Unlock()
		return
	}
	next := p.Status
	if next == domain.SessionStatusConnecting || next == domain.SessionStatusDisconnected {
		next = domain.SessionStatusConnected
	}
	changed, _ := p.SetStatus(next, at)
	snapshot := *p
	m.mu.Unlock()

	if created || changed {
		m.publish(snapshot)
	}
}

// SetStatus implements StatusSink.
func (m *ProviderMonitor) SetStatus(id int, code string, status domain.SessionStatus, reason string) {
	m.mu.Lock()
	p, created := m.lookup(id, code)
	changed, err := p.SetStatus(status, m.now())
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("status change ignored", zap.Error(err))
		return
	}
	if changed {
		p.LastMessage = reason
	}
	snapshot := *p
	m.mu.Unlock()

	if created || changed {
		m.logger.Info("provider status changed",
			zap.String("provider", snapshot.Code),
			zap.Stringer("status", snapshot.Status),
			zap.String("reason", reason),
		)
		m.publish(snapshot)
	}
}

func (m *ProviderMonitor) Get(id int) (domain.Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return domain.Provider{}, false
	}
	return *p, true
}

func (m *ProviderMonitor) Providers() []domain.Provider {
	m.mu.Lock()
	out := make([]domain.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, *p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Check marks connected providers silent since before now-timeout as Disconnected.
func (m *ProviderMonitor) Check(now time.Time) {
	if m.timeout <= 0 {
		return
	}

	var changed []domain.Provider
	m.mu.Lock()
	for _, p := range m.providers {
		if !p.Status.IsConnected() || now.Sub(p.LastUpdated) <= m.timeout {
			continue
		}
		last := p.LastUpdated
		if ok, _ := p.SetStatus(domain.SessionStatusDisconnected, now); ok {
			p.LastMessage = "heartbeat timeout"
			p.LastUpdated = last
			changed = append(changed, *p)
		}
	}
	m.mu.Unlock()

	for _, p := range changed {
		m.logger.Warn("provider went silent", zap.String("provider", p.Code), zap.Time("last_seen", p.LastUpdated))
		m.publish(p)
	}
}

func (m *ProviderMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(m.now())
		}
	}
}

func (m *ProviderMonitor) publish(p domain.Provider) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Publish(p); err != nil {
		m.logger.Debug("provider not published", zap.Error(err))
	}
}
