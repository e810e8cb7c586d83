package domain

import (
	"errors"
	"sort"
	"sync"
)

var ErrOrderBookNotFound = errors.New("order book not found")
var ErrProviderNotFound = errors.New("provider not found")

// OrderBookStorage indexes live books by provider and symbol.
type OrderBookStorage struct {
	storage map[string]map[string]*OrderBook
	mu      sync.RWMutex
}

func NewOrderBookStorage() *OrderBookStorage {
	return &OrderBookStorage{
		storage: make(map[string]map[string]*OrderBook),
	}
}

func (o *OrderBookStorage) Add(provider string, orderBook *OrderBook) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.storage[provider]; !ok {
		o.storage[provider] = make(map[string]*OrderBook)
	}
	o.storage[provider][orderBook.Symbol] = orderBook
}

func (o *OrderBookStorage) Remove(provider string, symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	books, ok := o.storage[provider]
	if !ok {
		return false
	}
	if _, ok := books[symbol]; !ok {
		return false
	}
	delete(books, symbol)
	if len(books) == 0 {
		delete(o.storage, provider)
	}
	return true
}

func (o *OrderBookStorage) Get(provider string, symbol string) (*OrderBook, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	books, ok := o.storage[provider]
	if !ok {
		return nil, ErrProviderNotFound
	}
	ob, ok := books[symbol]
	if !ok {
		return nil, ErrOrderBookNotFound
	}
	return ob, nil
}

// OrderBookCount returns -1 for an unknown provider.
func (o *OrderBookStorage) OrderBookCount(provider string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	books, ok := o.storage[provider]
	if !ok {
		return -1
	}
	return len(books)
}

func (o *OrderBookStorage) Providers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, 0, len(o.storage))
	for p := range o.storage {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
