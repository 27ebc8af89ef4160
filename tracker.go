package zorel

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"unsafe"
	"weak"
)

// TrackingMode selects how relation load state is recorded.
type TrackingMode int

const (
	// TrackingEnabled records load state per entity in a side table.
	TrackingEnabled TrackingMode = iota
	// TrackingDisabled never records anything; every relation reports unloaded.
	TrackingDisabled
)

func (m TrackingMode) String() string {
	if m == TrackingDisabled {
		return "disabled"
	}
	return "enabled"
}

// ParseTrackingMode converts a config value ("enabled", "disabled", "on", "off") into a mode.
func ParseTrackingMode(s string) (TrackingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enabled", "on", "true":
		return TrackingEnabled, nil
	case "disabled", "off", "false":
		return TrackingDisabled, nil
	}
	return TrackingEnabled, fmt.Errorf("%w: unknown tracking mode %q", ErrConfiguration, s)
}

// LoadTracker records whether a named relation is populated on an entity.
type LoadTracker interface {
	IsLoaded(entity any, relation string) bool
	SetLoaded(entity any, relation string, loaded bool)
	// Forget drops every marker held for entity.
	Forget(entity any)
	Clear()
}

// NewTracker returns the tracker for mode.
func NewTracker(mode TrackingMode) LoadTracker {
	if mode == TrackingDisabled {
		return noopTracker{}
	}
	return newTableTracker()
}

// entityKey identifies an entity by address and dynamic type.
type entityKey struct {
	addr uintptr
	typ  reflect.Type
}

// identity returns the key and address of an entity. Entities are pointers or
// maps; anything else has no stable identity and is not tracked.
func identity(entity any) (entityKey, unsafe.Pointer, bool) {
	if entity == nil {
		return entityKey{}, nil, false
	}
	rv := reflect.ValueOf(entity)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map:
		if rv.IsNil() {
			return entityKey{}, nil, false
		}
		p := rv.UnsafePointer()
		return entityKey{addr: uintptr(p), typ: rv.Type()}, p, true
	}
	return entityKey{}, nil, false
}

// identityTable holds per-relation values for entities without keeping the
// entities reachable. An entry is evicted by a runtime cleanup once its entity
// is collected. Values that point back at their own entity keep it alive until
// forget.
type identityTable[V any] struct {
	mu      sync.Mutex
	gen     uint64
	entries map[entityKey]*identityEntry[V]
}

type identityEntry[V any] struct {
	gen     uint64
	ref     weak.Pointer[byte]
	cleanup runtime.Cleanup
	values  map[string]V
}

type eviction struct {
	key entityKey
	gen uint64
}

func newIdentityTable[V any]() *identityTable[V] {
	return &identityTable[V]{entries: make(map[entityKey]*identityEntry[V])}
}

// live returns the entry for key unless it belongs to a collected entity whose
// address has been reused. The caller holds mu.
func (t *identityTable[V]) live(key entityKey) *identityEntry[V] {
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	if e.ref != (weak.Pointer[byte]{}) && e.ref.Value() == nil {
		delete(t.entries, key)
		return nil
	}
	return e
}

func (t *identityTable[V]) load(entity any, relation string) (V, bool) {
	var zero V
	key, _, ok := identity(entity)
	if !ok {
		return zero, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.live(key)
	if e == nil {
		return zero, false
	}
	v, ok := e.values[relation]
	return v, ok
}

func (t *identityTable[V]) store(entity any, relation string, value V) bool {
	key, ptr, ok := identity(entity)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.live(key)
	if e == nil {
		t.gen++
		e = &identityEntry[V]{gen: t.gen, values: make(map[string]V)}
		e.cleanup = runtime.AddCleanup((*byte)(ptr), t.evict, eviction{key: key, gen: t.gen})
		// linker-allocated and zero-size entities get no cleanup and no weak handle
		if e.cleanup != (runtime.Cleanup{}) {
			e.ref = weak.Make((*byte)(ptr))
		}
		t.entries[key] = e
	}
	e.values[relation] = value
	runtime.KeepAlive(entity)
	return true
}

func (t *identityTable[V]) forget(entity any) {
	key, _, ok := identity(entity)
	if !ok {
		return
	}
	t.mu.Lock()
	if e, ok := t.entries[key]; ok {
		e.cleanup.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()
	runtime.KeepAlive(entity)
}

func (t *identityTable[V]) clear() {
	t.mu.Lock()
	t.entries = make(map[entityKey]*identityEntry[V])
	t.mu.Unlock()
}

func (t *identityTable[V]) evict(ev eviction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ev.key]; ok && e.gen == ev.gen {
		delete(t.entries, ev.key)
	}
}

func (t *identityTable[V]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// tableTracker keeps load markers per entity.
type tableTracker struct {
	table *identityTable[bool]
}

func newTableTracker() *tableTracker {
	return &tableTracker{table: newIdentityTable[bool]()}
}

func (t *tableTracker) IsLoaded(entity any, relation string) bool {
	loaded, _ := t.table.load(entity, relation)
	return loaded
}

func (t *tableTracker) SetLoaded(entity any, relation string, loaded bool) {
	t.table.store(entity, relation, loaded)
}

func (t *tableTracker) Forget(entity any) { t.table.forget(entity) }
func (t *tableTracker) Clear()           { t.table.clear() }

type noopTracker struct{}

func (noopTracker) IsLoaded(any, string) bool   { return false }
func (noopTracker) SetLoaded(any, string, bool) {}
func (noopTracker) Forget(any)                  {}
func (noopTracker) Clear()                      {}

// SideTable holds relation values that are not stored on the entity itself
// (detached relations such as self-referencing back links).
type SideTable struct {
	table *identityTable[any]
}

// NewSideTable returns an empty side table.
func NewSideTable() *SideTable {
	return &SideTable{table: newIdentityTable[any]()}
}

// Get returns the value stored for (entity, relation).
func (s *SideTable) Get(entity any, relation string) (any, bool) {
	return s.table.load(entity, relation)
}

// Set stores value for (entity, relation).
func (s *SideTable) Set(entity any, relation string, value any) error {
	if !s.table.store(entity, relation, value) {
		return fmt.Errorf("%w: %T has no identity", ErrNilEntity, entity)
	}
	return nil
}

// Forget drops every value held for entity.
func (s *SideTable) Forget(entity any) {
	s.table.forget(entity)
}
