package zorel

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// Comparison operators understood by Filter conditions.
const (
	OpEq      = "="
	OpNotEq   = "!="
	OpGt      = ">"
	OpGte     = ">="
	OpLt      = "<"
	OpLte     = "<="
	OpLike    = "LIKE"
	OpIn      = "IN"
	OpNotIn   = "NOT IN"
	OpNull    = "IS NULL"
	OpNotNull = "IS NOT NULL"
)

var validOps = map[string]bool{
	OpEq: true, OpNotEq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpLike: true, OpIn: true, OpNotIn: true, OpNull: true, OpNotNull: true,
}

// ValidOp reports whether op is one of the supported comparison operators.
func ValidOp(op string) bool {
	return validOps[op]
}

// Cond is a single attribute condition. Field is an attribute path, optionally
// prefixed by a join alias ("posts.title").
type Cond struct {
	Field string
	Op    string
	Value any
}

// RawPredicate is a verbatim predicate passed to the store untouched.
type RawPredicate struct {
	SQL  string
	Args []any
}

// Filter is an immutable conjunction of conditions and raw predicates.
// Every builder method returns a new Filter; the receiver is never modified.
type Filter struct {
	conds []Cond
	raw   []RawPredicate
}

// Where builds a Filter from an attribute map. Slice values become IN conditions,
// nil becomes IS NULL, everything else an equality. Keys are applied in sorted order.
func Where(attrs map[string]any) Filter {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var f Filter
	for _, k := range keys {
		v := attrs[k]
		if list, ok := asValueList(v); ok {
			f = f.In(k, list)
			continue
		}
		f = f.Eq(k, v)
	}
	return f
}

// Eq returns a Filter holding a single equality condition.
func Eq(field string, value any) Filter {
	return Filter{}.Eq(field, value)
}

// In returns a Filter holding a single IN condition.
func In(field string, values []any) Filter {
	return Filter{}.In(field, values)
}

// Raw returns a Filter holding a single raw predicate.
func Raw(sql string, args ...any) Filter {
	return Filter{}.Raw(sql, args...)
}

// Eq adds field = value. A nil value is turned into IS NULL.
func (f Filter) Eq(field string, value any) Filter {
	if isNil(value) {
		return f.with(Cond{Field: field, Op: OpNull})
	}
	return f.with(Cond{Field: field, Op: OpEq, Value: value})
}

// In adds field IN (values). An empty list matches nothing.
func (f Filter) In(field string, values []any) Filter {
	return f.with(Cond{Field: field, Op: OpIn, Value: slices.Clone(values)})
}

// Op adds an arbitrary comparison.
func (f Filter) Op(field, op string, value any) Filter {
	return f.with(Cond{Field: field, Op: strings.ToUpper(strings.TrimSpace(op)), Value: value})
}

// Raw adds a verbatim predicate.
func (f Filter) Raw(sql string, args ...any) Filter {
	out := f.clone()
	out.raw = append(out.raw, RawPredicate{SQL: sql, Args: args})
	return out
}

// And returns the conjunction of f and other.
func (f Filter) And(other Filter) Filter {
	if other.IsEmpty() {
		return f
	}
	if f.IsEmpty() {
		return other
	}
	out := f.clone()
	out.conds = append(out.conds, other.conds...)
	out.raw = append(out.raw, other.raw...)
	return out
}

// IsEmpty reports whether the filter carries no condition at all.
func (f Filter) IsEmpty() bool {
	return len(f.conds) == 0 && len(f.raw) == 0
}

// Conds returns a copy of the attribute conditions.
func (f Filter) Conds() []Cond {
	return slices.Clone(f.conds)
}

// RawPredicates returns a copy of the raw predicates.
func (f Filter) RawPredicates() []RawPredicate {
	return slices.Clone(f.raw)
}

// Prefixed rewrites every condition field as prefix+field. Raw predicates are kept as is.
func (f Filter) Prefixed(prefix string) Filter {
	if prefix == "" || len(f.conds) == 0 {
		return f
	}
	out := Filter{conds: make([]Cond, len(f.conds)), raw: slices.Clone(f.raw)}
	for i, c := range f.conds {
		c.Field = prefix + c.Field
		out.conds[i] = c
	}
	return out
}

// Split partitions the conditions on prefix: conditions whose field starts with prefix
// go to matched with the prefix stripped, everything else (raw predicates included) to rest.
func (f Filter) Split(prefix string) (matched, rest Filter) {
	rest.raw = slices.Clone(f.raw)
	for _, c := range f.conds {
		if after, ok := strings.CutPrefix(c.Field, prefix); ok {
			c.Field = after
			matched.conds = append(matched.conds, c)
			continue
		}
		rest.conds = append(rest.conds, c)
	}
	return matched, rest
}

func (f Filter) String() string {
	if f.IsEmpty() {
		return "{}"
	}
	parts := make([]string, 0, len(f.conds)+len(f.raw))
	for _, c := range f.conds {
		switch c.Op {
		case OpNull, OpNotNull:
			parts = append(parts, c.Field+" "+c.Op)
		default:
			parts = append(parts, fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value))
		}
	}
	for _, r := range f.raw {
		parts = append(parts, r.SQL)
	}
	return "{" + strings.Join(parts, " AND ") + "}"
}

func (f Filter) with(c Cond) Filter {
	out := f.clone()
	out.conds = append(out.conds, c)
	return out
}

func (f Filter) clone() Filter {
	return Filter{conds: slices.Clip(f.conds), raw: slices.Clip(f.raw)}
}

// asValueList turns any slice or array except []byte into []any.
func asValueList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
