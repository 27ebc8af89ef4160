package zorel

import (
	"database/sql/driver"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// KeyOf normalizes a key value into a comparable string so that keys coming from
// different Go types (int64 from the driver, int on the struct, *int for nullable
// columns) land in the same bucket. It reports false for nil and nil pointers.
func KeyOf(v any) (string, bool) {
	v = indirect(v)
	if v == nil {
		return "", false
	}

	switch k := v.(type) {
	case string:
		return k, true
	case []byte:
		return string(k), true
	case uuid.UUID:
		return k.String(), true
	case fmt.Stringer:
		if _, isValuer := v.(driver.Valuer); !isValuer {
			return k.String(), true
		}
	}

	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil || dv == nil {
			return "", false
		}
		return KeyOf(dv)
	}

	if s, err := cast.ToStringE(v); err == nil {
		return s, true
	}
	return fmt.Sprint(v), true
}

// indirect dereferences pointers until a non-pointer value or nil is reached.
func indirect(v any) any {
	for v != nil {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer {
			return v
		}
		if rv.IsNil() {
			return nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			// pointers to structs are entities or Valuers, never plain keys
			return v
		}
		v = rv.Elem().Interface()
	}
	return nil
}

// KeyIndex maps normalized key values to the ordered entities sharing them.
// Keys keep first-seen order so generated IN lists are deterministic.
type KeyIndex struct {
	order   []string
	values  map[string]any
	groups  map[string][]any
	unkeyed []any
}

// NewKeyIndex returns an empty index.
func NewKeyIndex() *KeyIndex {
	return &KeyIndex{
		values: make(map[string]any),
		groups: make(map[string][]any),
	}
}

// IndexBy reads field from every entity and groups the entities by its value.
// Entities whose field is nil are kept aside as unkeyed.
func IndexBy(acc FieldAccessor, entities []any, field string) (*KeyIndex, error) {
	idx := NewKeyIndex()
	for _, e := range entities {
		v, err := acc.GetField(e, field)
		if err != nil {
			return nil, err
		}
		idx.Add(v, e)
	}
	return idx, nil
}

// Add files entity under key value v.
func (idx *KeyIndex) Add(v any, entity any) {
	key, ok := KeyOf(v)
	if !ok {
		idx.unkeyed = append(idx.unkeyed, entity)
		return
	}
	if _, seen := idx.groups[key]; !seen {
		idx.order = append(idx.order, key)
		idx.values[key] = indirect(v)
	}
	idx.groups[key] = append(idx.groups[key], entity)
}

// Keys returns the distinct normalized keys in first-seen order.
func (idx *KeyIndex) Keys() []string {
	out := make([]string, len(idx.order))
	copy(out, idx.order)
	return out
}

// Values returns the distinct original key values in first-seen order, ready for an IN list.
func (idx *KeyIndex) Values() []any {
	out := make([]any, len(idx.order))
	for i, k := range idx.order {
		out[i] = idx.values[k]
	}
	return out
}

// Get returns every entity filed under key.
func (idx *KeyIndex) Get(key string) []any {
	return idx.groups[key]
}

// First returns the first entity filed under key, or nil.
func (idx *KeyIndex) First(key string) any {
	if g := idx.groups[key]; len(g) > 0 {
		return g[0]
	}
	return nil
}

// Lookup normalizes v and returns the matching group.
func (idx *KeyIndex) Lookup(v any) []any {
	key, ok := KeyOf(v)
	if !ok {
		return nil
	}
	return idx.groups[key]
}

// Len returns the number of distinct keys.
func (idx *KeyIndex) Len() int {
	return len(idx.order)
}

// Unkeyed returns the entities that had no key value.
func (idx *KeyIndex) Unkeyed() []any {
	return idx.unkeyed
}

// GroupByDiscriminator is IndexBy over a discriminator field. The normalized
// discriminator value is the group key.
func GroupByDiscriminator(acc FieldAccessor, entities []any, field string) (*KeyIndex, error) {
	return IndexBy(acc, entities, field)
}
