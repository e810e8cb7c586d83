package domain

import (
	"fmt"
	"strings"
)

var symbolSeparators = []string{"/", "_", "-"}

type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

func NewMarketSymbol(base string, quote string) (*MarketSymbol, error) {
	base = strings.ToLower(strings.TrimSpace(base))
	quote = strings.ToLower(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return nil, fmt.Errorf("base and quote must not be empty")
	}
	if base == quote {
		return nil, fmt.Errorf("base and quote must be different")
	}
	return &MarketSymbol{
		BaseAsset:  base,
		QuoteAsset: quote,
	}, nil
}

// NewMarketSymbolFromString parses BASE/QUOTE, BASE_QUOTE or BASE-QUOTE.
func NewMarketSymbolFromString(s string) (*MarketSymbol, error) {
	for _, sep := range symbolSeparators {
		split := strings.Split(s, sep)
		if len(split) == 1 {
			continue
		}
		if len(split) != 2 {
			return nil, fmt.Errorf("invalid symbol string %q", s)
		}
		return NewMarketSymbol(split[0], split[1])
	}
	return nil, fmt.Errorf("invalid symbol string %q", s)
}

func (ms *MarketSymbol) Join(separator string) string {
	return fmt.Sprintf("%s%s%s", ms.BaseAsset, separator, ms.QuoteAsset)
}

func (ms *MarketSymbol) String() string {
	return fmt.Sprintf("%s_%s", ms.BaseAsset, ms.QuoteAsset)
}

// Display is the upper case BASE/QUOTE form books are keyed by.
func (ms *MarketSymbol) Display() string {
	return strings.ToUpper(ms.Join("/"))
}

func (ms *MarketSymbol) Equal(other *MarketSymbol) bool {
	return ms.BaseAsset == other.BaseAsset && ms.QuoteAsset == other.QuoteAsset
}
