package knowledge

import "sync/atomic"

// dictSnapshot is the immutable payload swapped wholesale on every reload,
// so readers never observe a partially-updated dictionary set.
type dictSnapshot struct {
	timeRules     []TimeRule
	businessTerms []BusinessTerm
	fieldMappings []FieldMapping
}

// DictCache holds the read-mostly dictionaries consumed by the analyzer's
// tokenizer on every request. It is populated at startup via Store.LoadDicts
// and hot-reloaded on any CRUD mutation to time rules, business terms, or
// field mappings, with no reader-visible downtime.
type DictCache struct {
	ptr atomic.Pointer[dictSnapshot]
}

func NewDictCache() *DictCache {
	c := &DictCache{}
	c.ptr.Store(&dictSnapshot{})
	return c
}

func (c *DictCache) Swap(rules []TimeRule, terms []BusinessTerm, mappings []FieldMapping) {
	c.ptr.Store(&dictSnapshot{timeRules: rules, businessTerms: terms, fieldMappings: mappings})
}

func (c *DictCache) TimeRules() []TimeRule { return c.ptr.Load().timeRules }

func (c *DictCache) BusinessTerms() []BusinessTerm { return c.ptr.Load().businessTerms }

func (c *DictCache) FieldMappings() []FieldMapping { return c.ptr.Load().fieldMappings }
