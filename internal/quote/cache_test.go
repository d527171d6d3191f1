package quote

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache()

	if _, ok := c.Get("MEME/XRD"); ok {
		t.Fatalf("empty cache should have no quote")
	}

	at := time.Now().UTC()
	c.Set("MEME/XRD", decimal.NewFromInt(100), at)
	c.Set("MEME/XRD", decimal.NewFromInt(110), at.Add(time.Second))

	q, ok := c.Get("MEME/XRD")
	if !ok {
		t.Fatalf("quote missing")
	}
	if !q.Price.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("latest quote should win, got %s", q.Price)
	}
	if _, ok := c.Get("OTHER/XRD"); ok {
		t.Fatalf("unknown market should have no quote")
	}
}
