// Package subscription implements the subscription cache (C7): a
// concurrent address -> {tier, expiry} map with an optional JSON disk
// snapshot, gating admission when payments are enabled.
package subscription

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Info is a user's subscription state.
type Info struct {
	TierID uint8 `json:"tier_id"`
	Expiry int64 `json:"expiry"` // unix seconds
}

// IsActive reports whether the subscription has not yet expired.
func (i Info) IsActive(now time.Time) bool {
	return i.Expiry > now.Unix()
}

// IsActiveWithGrace reports whether the subscription is active, or expired
// less than graceSecs ago.
func (i Info) IsActiveWithGrace(now time.Time, graceSecs int64) bool {
	return i.Expiry+graceSecs > now.Unix()
}

// Cache is a concurrent address -> Info map, safe for lock-free reads and
// short-critical-section writes via sync.Map.
type Cache struct {
	m              sync.Map // string -> Info
	size           int64    // atomic approximate count
	persistencePath string
}

// New creates an empty Cache, optionally persisted to persistencePath
// ("" disables persistence).
func New(persistencePath string) *Cache {
	return &Cache{persistencePath: persistencePath}
}

// LoadFromFile creates a Cache and populates it from a JSON snapshot file,
// if present. Absence of the file is not an error — a fresh cache starts
// empty.
func LoadFromFile(path string) (*Cache, error) {
	c := New(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading subscription snapshot %q: %w", path, err)
	}

	var raw map[string]Info
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing subscription snapshot %q: %w", path, err)
	}
	for addr, info := range raw {
		c.Update(addr, info.TierID, info.Expiry)
	}
	return c, nil
}

// SaveToFile writes the current cache contents to persistencePath as JSON.
// A no-op if persistence was not configured.
func (c *Cache) SaveToFile() error {
	if c.persistencePath == "" {
		return nil
	}
	snapshot := make(map[string]Info)
	c.m.Range(func(k, v any) bool {
		snapshot[k.(string)] = v.(Info)
		return true
	})
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling subscription snapshot: %w", err)
	}
	if err := os.WriteFile(c.persistencePath, data, 0o644); err != nil {
		return fmt.Errorf("writing subscription snapshot %q: %w", c.persistencePath, err)
	}
	return nil
}

// Update sets (or replaces) the subscription info for a user address.
func (c *Cache) Update(address string, tierID uint8, expiry int64) {
	_, loaded := c.m.Swap(address, Info{TierID: tierID, Expiry: expiry})
	if !loaded {
		atomic.AddInt64(&c.size, 1)
	}
}

// Get returns the subscription info for address, if present.
func (c *Cache) Get(address string) (Info, bool) {
	v, ok := c.m.Load(address)
	if !ok {
		return Info{}, false
	}
	return v.(Info), true
}

// Count returns the approximate number of entries in the cache.
func (c *Cache) Count() int {
	return int(atomic.LoadInt64(&c.size))
}

// Summary returns the active and expired entry counts as of now.
func (c *Cache) Summary(now time.Time) (active, expired int) {
	c.m.Range(func(_, v any) bool {
		if v.(Info).IsActive(now) {
			active++
		} else {
			expired++
		}
		return true
	})
	return active, expired
}
