package conncache

import (
	"sync"
)

// Cache is the process-wide map from normalized hostname to Record. Writes
// are last-write-wins and advisory: losing an update costs at worst one
// repeated slow failure. There is no TTL; entries live until Clear or
// process exit.
type Cache struct {
	mu       sync.RWMutex
	records  map[string]*Record
	disabled bool
}

// NewCache creates an empty, enabled connection cache.
func NewCache() *Cache {
	return &Cache{records: make(map[string]*Record)}
}

// Get returns a copy of the record for host, if one exists. Callers mutate
// the copy and write it back with Put.
func (c *Cache) Get(host string) (*Record, bool) {
	key := NormalizeHostname(host)
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// FetchOrNew returns a copy of the cached record for host, or a fresh record
// with the given protocols enabled when the host has not been seen before.
// The fresh record is not stored until Put.
func (c *Cache) FetchOrNew(host string, enabled []Protocol) *Record {
	if rec, ok := c.Get(host); ok {
		return rec
	}
	return NewRecord(host, enabled)
}

// Put stores a copy of the record under its normalized computer name. A
// disabled cache drops the write, which limits the record's knowledge to
// the call that built it.
func (c *Cache) Put(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return
	}
	c.records[rec.ComputerName] = rec.Clone()
}

// Clear evicts every record.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]*Record)
}

// Disable stops future writes. Reads keep working so operator tooling can
// still inspect what was learned before the switch.
func (c *Cache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
}

// Enable resumes writes.
func (c *Cache) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = false
}

// IsEnabled reports whether writes are currently persisted.
func (c *Cache) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
