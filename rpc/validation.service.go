package rpc

import (
	"fmt"

	"github.com/spooky-finn/go-marketbook/domain"
)

type ValidationServiceConfig struct {
	AvailableProviders []string
}

type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	return &ValidationService{
		config: config,
	}
}

func (s *ValidationService) IsSupportedProvider(provider string) bool {
	for _, p := range s.config.AvailableProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// MarketSymbol parses a client supplied market into the display form books are keyed by.
func (s *ValidationService) MarketSymbol(market string) (string, error) {
	marketSymbol, err := domain.NewMarketSymbolFromString(market)
	if err != nil {
		return "", fmt.Errorf("invalid market symbol %s. Correct market symbol should use / as a separator", market)
	}
	return marketSymbol.Display(), nil
}
