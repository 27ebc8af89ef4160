package zorel

import (
	"sync"
)

// templateCache memoizes base queries of one relation instance. Entries are
// never invalidated: only queries built without call constraints are cached,
// and queries are immutable, so a cached base is safe to extend per call.
type templateCache struct {
	entries sync.Map // name -> Query
}

// load returns the cached query for name, building it on first use.
func (c *templateCache) load(name string, build func() (Query, error)) (Query, error) {
	if cached, ok := c.entries.Load(name); ok {
		return cached.(Query), nil
	}
	q, err := build()
	if err != nil {
		return nil, err
	}
	actual, _ := c.entries.LoadOrStore(name, q)
	return actual.(Query), nil
}
