// Package instruments caches per-symbol quantization rules (tick size,
// quantity step, minimum quantity) so the engine does not round-trip to
// the exchange's instruments-info endpoint on every admission.
package instruments

import (
	"sync"
	"time"

	"tradeengine/internal/tradestate"
	"tradeengine/internal/xchg"
)

const defaultTTL = 15 * time.Minute

// Fetcher is the exchange-facing dependency the cache refreshes from.
// Satisfied by *xchg.Client; kept as a narrow interface so the cache can
// be tested without a real client.
type Fetcher interface {
	InstrumentsInfo(category, symbol string) (xchg.InstrumentInfo, error)
}

type entry struct {
	rules     tradestate.InstrumentRules
	fetchedAt time.Time
}

// Cache serves InstrumentRules for (category, symbol) pairs, refreshing
// from Fetcher at most once per TTL.
type Cache struct {
	mu      sync.Mutex
	fetcher Fetcher
	ttl     time.Duration
	entries map[string]entry
}

// New returns a Cache with the default refresh interval.
func New(fetcher Fetcher) *Cache {
	return &Cache{fetcher: fetcher, ttl: defaultTTL, entries: make(map[string]entry)}
}

// NewWithTTL returns a Cache with a caller-specified refresh interval,
// for tests that need to force a refresh deterministically.
func NewWithTTL(fetcher Fetcher, ttl time.Duration) *Cache {
	return &Cache{fetcher: fetcher, ttl: ttl, entries: make(map[string]entry)}
}

// Get returns the InstrumentRules for category/symbol, fetching and
// caching them if absent or stale.
func (c *Cache) Get(category, symbol string) (tradestate.InstrumentRules, error) {
	key := category + ":" + symbol

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		return e.rules, nil
	}

	info, err := c.fetcher.InstrumentsInfo(category, symbol)
	if err != nil {
		if ok {
			// Serve the stale entry rather than block admission on a
			// transient instruments-info failure; the exchange client
			// already retried transient errors before surfacing this.
			return e.rules, nil
		}
		return tradestate.InstrumentRules{}, err
	}

	rules := tradestate.InstrumentRules{TickSize: info.TickSize, QtyStep: info.QtyStep, MinQty: info.MinQty}
	c.mu.Lock()
	c.entries[key] = entry{rules: rules, fetchedAt: time.Now()}
	c.mu.Unlock()
	return rules, nil
}
