// Package quote keeps the latest observed trade prices in memory.
package quote

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the last traded price for a market pair.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// Cache stores the latest quote per market symbol. Safe for concurrent
// use.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewCache() *Cache {
	return &Cache{quotes: make(map[string]Quote)}
}

func (c *Cache) Set(market string, price decimal.Decimal, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[market] = Quote{Price: price, At: at}
}

func (c *Cache) Get(market string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[market]
	return q, ok
}
