// Package positions maintains the derived, read-mostly view of account
// positions and financial metrics, rebuilt from terminal snapshots and
// patched by incremental deltas.
package positions

import (
	"sort"
	"sync"

	"ibgate/logger"
	"ibgate/models"
)

// Cache holds positions keyed by (account, contract). Snapshots replace the
// whole map atomically: readers see either the old or the new complete set,
// never a mix.
type Cache struct {
	log *logger.Log

	mu      sync.RWMutex
	byKey   map[string]models.Position
	account *models.AccountSummary
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		log:   logger.GetLogger(),
		byKey: make(map[string]models.Position),
	}
}

// Snapshot returns all cached positions ordered by symbol.
func (c *Cache) Snapshot() []models.Position {
	c.mu.RLock()
	out := make([]models.Position, 0, len(c.byKey))
	for _, p := range c.byKey {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Contract.Symbol < out[j].Contract.Symbol
	})
	return out
}

// Account returns the latest account summary, if one has arrived.
func (c *Cache) Account() (models.AccountSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return models.AccountSummary{}, false
	}
	return *c.account, true
}

// ApplySnapshot replaces the entire cache with the event's position set. The
// new map is built before the swap so readers never observe a partial
// update.
func (c *Cache) ApplySnapshot(ev models.PositionSnapshotEvent) {
	next := make(map[string]models.Position, len(ev.Positions))
	for _, p := range ev.Positions {
		if p.NetQuantity == 0 {
			continue
		}
		next[p.Key()] = p
	}

	c.mu.Lock()
	c.byKey = next
	c.mu.Unlock()

	c.log.WithComponent("positions").WithFields(logger.Fields{"positions": len(next)}).Debug("position snapshot applied")
}

// ApplyDelta patches a single (account, contract) entry, creating it when
// absent and removing it when the resulting net quantity is zero.
func (c *Cache) ApplyDelta(ev models.PositionDeltaEvent) {
	key := ev.Position.Key()

	c.mu.Lock()
	if ev.Position.NetQuantity == 0 {
		delete(c.byKey, key)
	} else {
		c.byKey[key] = ev.Position
	}
	c.mu.Unlock()

	c.log.WithComponent("positions").WithFields(logger.Fields{
		"account":  ev.Position.Account,
		"symbol":   ev.Position.Contract.Symbol,
		"quantity": ev.Position.NetQuantity,
	}).Debug("position delta applied")
}

// ApplyAccount refreshes the cached account summary.
func (c *Cache) ApplyAccount(ev models.AccountSummaryEvent) {
	account := ev.Account

	c.mu.Lock()
	c.account = &account
	c.mu.Unlock()
}
