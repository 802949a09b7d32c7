package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// stateCache holds the last-known escrow record per (network, escrowID,
// tradeID). It is advisory: it feeds displays and scheduling heuristics,
// never authorization — every legality decision re-reads from chain.
type stateCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	escrow     *escrow.Escrow
	observedAt time.Time
}

func newStateCache() *stateCache {
	return &stateCache{entries: make(map[string]cacheEntry)}
}

func cacheKey(network string, escrowID, tradeID uint64) string {
	return fmt.Sprintf("%s/%d/%d", network, escrowID, tradeID)
}

func (c *stateCache) put(network string, e *escrow.Escrow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(network, e.EscrowID, e.TradeID)] = cacheEntry{
		escrow:     e,
		observedAt: time.Now().UTC(),
	}
}

func (c *stateCache) get(network string, escrowID, tradeID uint64) (*escrow.Escrow, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(network, escrowID, tradeID)]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.escrow, e.observedAt, true
}

func (c *stateCache) drop(network string, escrowID, tradeID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(network, escrowID, tradeID))
}
