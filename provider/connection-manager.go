package provider

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/spooky-finn/go-marketbook/domain"
	"go.uber.org/zap"
)

// ConnectionManager resolves the request/response api of a provider by name.
type ConnectionManager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	syncAPIs map[string]domain.ProviderSyncAPI
}

func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		logger:   logger.Named("connection-manager"),
		syncAPIs: make(map[string]domain.ProviderSyncAPI),
	}
}

// Register replaces any api previously registered under provider.
func (cm *ConnectionManager) Register(provider string, api domain.ProviderSyncAPI) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.syncAPIs[provider] = api
	cm.logger.Debug("sync api registered", zap.String("provider", provider))
}

func (cm *ConnectionManager) SyncAPI(provider string) (domain.ProviderSyncAPI, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	api, ok := cm.syncAPIs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, provider)
	}
	return api, nil
}

func (cm *ConnectionManager) Providers() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.syncAPIs))
	for p := range cm.syncAPIs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close closes every registered api holding a connection.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for provider, api := range cm.syncAPIs {
		closer, ok := api.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			cm.logger.Warn("failed to close sync api", zap.String("provider", provider), zap.Error(err))
		}
	}
}

var _ domain.ConnManager = (*ConnectionManager)(nil)
