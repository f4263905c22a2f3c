package pattern

import "sync"

// Cache memoizes compiled templates. It is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]*Pattern
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{compiled: make(map[string]*Pattern)}
}

// Get returns the compiled template, compiling it on first use. Compile
// errors are not cached.
func (c *Cache) Get(template string) (*Pattern, error) {
	c.mu.RLock()
	p, ok := c.compiled[template]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := Compile(template)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[template] = p
	c.mu.Unlock()
	return p, nil
}
