// Package marketdata caches the latest quote per symbol. The broker stream
// feeds it; the safety gate reads it for fat-finger and liquidity checks.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execgw/internal/safety"
)

type Cache struct {
	mu     sync.Mutex
	quotes map[string]safety.Quote
}

func NewCache() *Cache {
	return &Cache{quotes: make(map[string]safety.Quote)}
}

func (c *Cache) Update(symbol string, price float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quotes[symbol]
	q.Price = price
	q.At = at
	c.quotes[symbol] = q
}

// SetADV records the average daily volume for a symbol. ADV changes slowly;
// it is refreshed from broker account data, not from the tick stream.
func (c *Cache) SetADV(symbol string, adv float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quotes[symbol]
	q.AvgDailyVolume = adv
	c.quotes[symbol] = q
}

func (c *Cache) Quote(_ context.Context, symbol string) (safety.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[symbol]
	if !ok || q.At.IsZero() {
		return safety.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

var _ safety.QuoteSource = (*Cache)(nil)
