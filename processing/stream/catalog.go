package stream

import (
	"sync"

	"wildcam/internal/config"
	"wildcam/internal/models"
)

// Catalog is the ordered set of named network sources the user can pick
// from. It is replaced wholesale when the configuration is reloaded.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]models.SourceDescriptor
}

func NewCatalog(streams []config.StreamConfig) *Catalog {
	c := &Catalog{}
	c.Update(streams)
	return c
}

// Update replaces the catalog contents. Entries without a name or URL are
// skipped; a repeated name keeps its first position and the last URL.
func (c *Catalog) Update(streams []config.StreamConfig) {
	order := make([]string, 0, len(streams))
	sources := make(map[string]models.SourceDescriptor, len(streams))

	for _, s := range streams {
		if s.Name == "" || s.URL == "" {
			continue
		}
		if _, ok := sources[s.Name]; !ok {
			order = append(order, s.Name)
		}
		sources[s.Name] = models.NetworkSource(s.Name, s.URL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = order
	c.sources = sources
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func (c *Catalog) Lookup(name string) (models.SourceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.sources[name]
	return desc, ok
}
