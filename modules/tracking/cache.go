package tracking

import (
	"sync"

	"github.com/Deepreo/jobtrack/core"
)

// RegistryCache maps job names to registry entries. It is filled on the first
// successful ensure and only emptied by Clear; nothing expires on a timer.
type RegistryCache struct {
	entries sync.Map
}

func NewRegistryCache() *RegistryCache {
	return &RegistryCache{}
}

func (c *RegistryCache) Get(name string) (*core.RegistryEntry, bool) {
	v, ok := c.entries.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*core.RegistryEntry), true
}

// Put stores entry unless another goroutine stored one first, and returns the cached value.
func (c *RegistryCache) Put(entry *core.RegistryEntry) *core.RegistryEntry {
	v, _ := c.entries.LoadOrStore(entry.Name, entry)
	return v.(*core.RegistryEntry)
}

func (c *RegistryCache) Clear() {
	c.entries.Clear()
}

func (c *RegistryCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
