package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrTickerResolution is returned when a ticker cannot be mapped to a store id
var ErrTickerResolution = errors.New("ticker resolution failed")

// TickerStore creates or looks up durable ticker ids
type TickerStore interface {
	GetOrCreateTickerID(ctx context.Context, symbol string) (int64, error)
}

// TickerIDCache is an optional shared cache of ticker ids
type TickerIDCache interface {
	GetTickerID(ctx context.Context, symbol string) (int64, error)
	SetTickerID(ctx context.Context, symbol string, id int64) error
}

// TickerResolver maps symbols to ids through an in-process map, an optional
// shared cache and finally the store. Concurrent resolution of the same
// symbol is harmless because the store operation is idempotent.
type TickerResolver struct {
	store  TickerStore
	cache  TickerIDCache
	mu     sync.RWMutex
	ids    map[string]int64
	logger *logrus.Entry
}

func NewTickerResolver(store TickerStore, logger logrus.FieldLogger) *TickerResolver {
	return &TickerResolver{
		store:  store,
		ids:    make(map[string]int64),
		logger: logger.WithField("component", "ticker_resolver"),
	}
}

// WithCache layers a shared cache between the in-process map and the store
func (r *TickerResolver) WithCache(cache TickerIDCache) *TickerResolver {
	r.cache = cache
	return r
}

// Resolve returns the id for symbol, creating the ticker if needed
func (r *TickerResolver) Resolve(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("%w: empty symbol", ErrTickerResolution)
	}

	r.mu.RLock()
	id, ok := r.ids[symbol]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	if r.cache != nil {
		if id, err := r.cache.GetTickerID(ctx, symbol); err == nil && id > 0 {
			r.remember(symbol, id)
			return id, nil
		}
	}

	id, err := r.store.GetOrCreateTickerID(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrTickerResolution, symbol, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %s: store returned id %d", ErrTickerResolution, symbol, id)
	}

	r.remember(symbol, id)
	if r.cache != nil {
		if err := r.cache.SetTickerID(ctx, symbol, id); err != nil {
			r.logger.WithError(err).WithField("ticker", symbol).Debug("Failed to cache ticker id")
		}
	}
	return id, nil
}

func (r *TickerResolver) remember(symbol string, id int64) {
	r.mu.Lock()
	r.ids[symbol] = id
	r.mu.Unlock()
}
