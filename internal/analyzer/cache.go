package analyzer

import "sync"

// fifoCache is a fixed-capacity cache that evicts the oldest inserted key
// once full, mirroring the original tokenizer's _analysis_cache behavior
// (dict insertion order, pop the first key on overflow).
type fifoCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string]*AnalysisResult
}

func newFIFOCache(capacity int) *fifoCache {
	return &fifoCache{
		capacity: capacity,
		entries:  make(map[string]*AnalysisResult),
	}
}

func (c *fifoCache) get(key string) (*AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *fifoCache) put(key string, value *AnalysisResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = value
}

func (c *fifoCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.entries = make(map[string]*AnalysisResult)
}
