package main

import "sync"

// catalog holds the served profiles and can be swapped on reload.
type catalog struct {
	mu      sync.RWMutex
	entries []profileEntry
	byID    map[string]int
}

func newCatalog(entries []profileEntry) *catalog {
	c := &catalog{}
	c.replace(entries)
	return c
}

func (c *catalog) replace(entries []profileEntry) {
	byID := make(map[string]int, len(entries))
	for i, e := range entries {
		byID[e.ID] = i
	}
	c.mu.Lock()
	c.entries = entries
	c.byID = byID
	c.mu.Unlock()
}

func (c *catalog) summaries() []ProfileSummaryDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProfileSummaryDTO, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, ProfileSummaryDTO{ID: e.ID, Name: e.Name})
	}
	return out
}

func (c *catalog) find(id string) (profileEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return profileEntry{}, false
	}
	return c.entries[i], true
}
