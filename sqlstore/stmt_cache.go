package sqlstore

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
)

// stmtKey identifies a statement prepared on one pool.
type stmtKey struct {
	db    *sql.DB
	query string
}

// StmtCache is an LRU of prepared statements shared by every repository of a
// Store. Evicted statements are closed once their last user releases them.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[stmtKey]*stmtEntry
	lru      *list.List
}

type stmtEntry struct {
	key     stmtKey
	stmt    *sql.Stmt
	element *list.Element
	refs    int
	evicted bool
}

// NewStmtCache creates a cache holding up to capacity statements. A capacity of
// 0 or less defaults to 100.
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[stmtKey]*stmtEntry),
		lru:      list.New(),
	}
}

// Prepare returns the cached statement for query on db, preparing it on a miss.
// The caller must call release when done with the statement.
func (c *StmtCache) Prepare(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, func(), error) {
	key := stmtKey{db: db, query: query}

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.lru.MoveToFront(e.element)
		e.refs++
		c.mu.Unlock()
		return e.stmt, func() { c.release(e) }, nil
	}
	c.mu.Unlock()

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another caller may have prepared the same query meanwhile
	if e, ok := c.items[key]; ok {
		_ = stmt.Close()
		c.lru.MoveToFront(e.element)
		e.refs++
		return e.stmt, func() { c.release(e) }, nil
	}
	if len(c.items) >= c.capacity {
		if back := c.lru.Back(); back != nil {
			c.evict(back.Value.(*stmtEntry))
		}
	}
	e := &stmtEntry{key: key, stmt: stmt, refs: 1}
	e.element = c.lru.PushFront(e)
	c.items[key] = e
	return stmt, func() { c.release(e) }, nil
}

// evict drops e from the cache. Must be called with mu held.
func (c *StmtCache) evict(e *stmtEntry) {
	c.lru.Remove(e.element)
	delete(c.items, e.key)
	e.evicted = true
	if e.refs == 0 {
		_ = e.stmt.Close()
	}
}

func (c *StmtCache) release(e *stmtEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.evicted && e.refs == 0 {
		_ = e.stmt.Close()
	}
}

// Clear evicts every statement.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		e.evicted = true
		if e.refs == 0 {
			_ = e.stmt.Close()
		}
	}
	c.items = make(map[stmtKey]*stmtEntry)
	c.lru.Init()
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
