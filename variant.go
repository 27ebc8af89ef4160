package zorel

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// LoadOptions carries one relation's share of an eager request.
type LoadOptions struct {
	With        []Path            // sub-relations loaded on every related entity
	Typed       map[string][]Path // sub-relations loaded only for one discriminator value
	Constraints Filter            // call constraints, composed with the relation defaults
	Without     []string          // default eager relations pruned on the related side
}

// forType folds the sub-paths of discriminator value t into the untyped list.
func (o LoadOptions) forType(t string) LoadOptions {
	out := LoadOptions{Constraints: o.Constraints, Without: o.Without}
	out.With = append(append([]Path(nil), o.With...), o.Typed[t]...)
	return out
}

func (o LoadOptions) hasSubPaths() bool {
	if len(o.With) > 0 {
		return true
	}
	for _, p := range o.Typed {
		if len(p) > 0 {
			return true
		}
	}
	return false
}

// Variant is the behavior shared by every relation kind.
type Variant interface {
	Definition() *Definition
	// Load populates the relation on every owner with a bounded number of queries.
	Load(ctx context.Context, owners []any, opts LoadOptions) error
	// LoadIfNotLoaded reloads only when constraints are given or an owner is
	// unloaded; otherwise it only walks opts sub-paths on the loaded values.
	LoadIfNotLoaded(ctx context.Context, owners []any, opts LoadOptions) error
	IsLoaded(owner any) bool
	// Link returns a query for exactly this owner's related rows.
	Link(owner any) (Query, error)
	Associate(owner, related any) error
	Dissociate(owner any) error
	Create(owner any, data map[string]any) (any, error)
	Add(ctx context.Context, owner, related any) (int64, error)
	SaveAll(ctx context.Context, owner any, paths []string) (int64, error)
	DeleteAll(ctx context.Context, owner any, paths []string) (int64, error)
	Join(q Query, alias string) (Query, error)
	JoinClauses(parentAlias, alias string) ([]Join, error)
	JoinRepositories(alias string) (map[string]Repository, error)
}

// ThroughVariant is implemented by relations stored in a join table.
type ThroughVariant interface {
	Variant
	Attach(ctx context.Context, owner, related any) (int64, error)
	AttachWith(ctx context.Context, owner, related any, extra map[string]any) (int64, error)
	Detach(ctx context.Context, owner, related any) (int64, error)
	Has(ctx context.Context, owner, related any) (bool, error)
	Sync(ctx context.Context, owner any, related ...any) (int64, error)
}

// NewVariant builds the variant for def declared by owner.
func NewVariant(e *Engine, owner Repository, def *Definition) (Variant, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	b := base{engine: e, owner: owner, def: def}
	switch def.Kind {
	case HasOne, HasMany, BelongsTo, MorphOne, MorphMany:
		return &oneToMany{base: b}, nil
	case BelongsToMany:
		return &manyToMany{base: b}, nil
	case MorphTo:
		return newMorphTo(b), nil
	case ByInheritance:
		v, err := newInheritance(b)
		if err != nil {
			return nil, err
		}
		return v, nil
	case Custom:
		return &customRelation{base: b}, nil
	case Null:
		return &nullRelation{base: b}, nil
	}
	return nil, fmt.Errorf("%w: unknown relation kind %q", ErrConfiguration, def.Kind)
}

// base holds what every variant needs: the engine, the declaring repository
// and the definition.
type base struct {
	engine *Engine
	owner  Repository
	def    *Definition
}

func (b *base) Definition() *Definition {
	return b.def
}

func (b *base) IsLoaded(owner any) bool {
	return b.engine.tracker.IsLoaded(owner, b.def.Attribute)
}

func (b *base) markLoaded(owner any, loaded bool) {
	b.engine.tracker.SetLoaded(owner, b.def.Attribute, loaded)
}

func (b *base) field(entity any, name string) (any, error) {
	return b.owner.Mapper().GetField(entity, name)
}

// assign writes the relation value onto owner, or into the side table for
// detached relations.
func (b *base) assign(owner any, value any) error {
	if b.def.Detached {
		return b.engine.side.Set(owner, b.def.Attribute, value)
	}
	return b.owner.Mapper().SetField(owner, b.def.Attribute, value)
}

// current reads the relation value held by owner.
func (b *base) current(owner any) (any, error) {
	if b.def.Detached {
		v, _ := b.engine.side.Get(owner, b.def.Attribute)
		return v, nil
	}
	return b.owner.Mapper().GetField(owner, b.def.Attribute)
}

// value builds what gets assigned for a group of matches.
func (b *base) value(matches []any) any {
	if !b.def.ToMany() {
		if len(matches) == 0 {
			return nil
		}
		return matches[0]
	}
	list := make([]any, len(matches))
	copy(list, matches)
	if b.def.Wrap != nil {
		return b.def.Wrap(list)
	}
	return list
}

func (b *base) related() (Repository, error) {
	return b.engine.Repository(b.def.Related)
}

func (b *base) wrap(err error) error {
	return WrapRelationError(b.def.Attribute, b.def.Owner, err)
}

// ownerKey returns the owner's local key value or ErrMissingKey.
func (b *base) ownerKey(owner any) (any, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	v, err := b.field(owner, b.def.LocalKey)
	if err != nil {
		return nil, err
	}
	if _, ok := KeyOf(v); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, b.def.Owner, b.def.LocalKey)
	}
	return v, nil
}

// items returns the entities currently held by the relation on owner.
func (b *base) items(owner any) ([]any, error) {
	v, err := b.current(owner)
	if err != nil {
		return nil, err
	}
	return flatten(v), nil
}

// observe reports one relation load to the logger and metrics.
func (b *base) observe(start time.Time, owners, rows, queries int, err error) {
	b.engine.observe(b.def, start, owners, rows, queries, err)
}

// flatten turns a relation value (entity, list, collection) into entities.
func flatten(v any) []any {
	if isNil(v) {
		return nil
	}
	if c, ok := v.(Collection); ok {
		return c.Entities()
	}
	if list, ok := v.([]any); ok {
		out := make([]any, 0, len(list))
		for _, e := range list {
			if !isNil(e) {
				out = append(out, e)
			}
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		ev := rv.Index(i)
		switch ev.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Interface:
			if ev.IsNil() {
				continue
			}
			out = append(out, ev.Interface())
		case reflect.Struct:
			if ev.CanAddr() {
				out = append(out, ev.Addr().Interface())
			}
		}
	}
	return out
}

// loadIfNotLoaded is the shared LoadIfNotLoaded rule.
func loadIfNotLoaded(ctx context.Context, v Variant, owners []any, opts LoadOptions, nested func([]any) error) error {
	if len(owners) == 0 {
		return nil
	}
	if !opts.Constraints.IsEmpty() {
		return v.Load(ctx, owners, opts)
	}
	for _, o := range owners {
		if !v.IsLoaded(o) {
			return v.Load(ctx, owners, opts)
		}
	}
	if !opts.hasSubPaths() {
		return nil
	}
	return nested(owners)
}

// loadedRelated collects the distinct entities held by the relation on owners.
func (b *base) loadedRelated(owners []any) ([]any, error) {
	seen := make(map[any]bool)
	var out []any
	for _, o := range owners {
		items, err := b.items(o)
		if err != nil {
			return nil, err
		}
		for _, e := range items {
			id, _, ok := identity(e)
			if ok {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// loadNested walks opts sub-paths on the entities already held by the relation,
// which all come from repo.
func (b *base) loadNested(ctx context.Context, repo Repository, owners []any, opts LoadOptions) error {
	entities, err := b.loadedRelated(owners)
	if err != nil {
		return b.wrap(err)
	}
	if len(entities) == 0 {
		return nil
	}
	if len(opts.With) > 0 {
		if err := b.engine.loadPaths(ctx, repo, entities, opts.With, opts.Without, true); err != nil {
			return err
		}
	}
	return b.loadTyped(ctx, repo, entities, opts, true)
}

// loadTyped applies "#Type" sub-paths to entities of repo, grouped by repo's
// inheritance discriminator.
func (b *base) loadTyped(ctx context.Context, repo Repository, entities []any, opts LoadOptions, ifNotLoaded bool) error {
	if len(opts.Typed) == 0 || len(entities) == 0 {
		return nil
	}
	inh, ok := repo.(Inheritance)
	if !ok || inh.DiscriminatorField() == "" {
		return nil
	}
	groups, err := GroupByDiscriminator(repo.Mapper(), entities, inh.DiscriminatorField())
	if err != nil {
		return b.wrap(err)
	}
	subtypes := inh.Subtypes()
	for _, value := range groups.Keys() {
		paths := opts.Typed[value]
		if len(paths) == 0 {
			continue
		}
		sub, ok := subtypes[value]
		if !ok {
			return b.wrap(fmt.Errorf("%w: %q on %s", ErrUnknownDiscriminator, value, repo.Name()))
		}
		subRepo, err := b.engine.Repository(sub)
		if err != nil {
			return b.wrap(err)
		}
		if err := b.engine.loadPaths(ctx, subRepo, groups.Get(value), paths, opts.Without, ifNotLoaded); err != nil {
			return err
		}
	}
	return nil
}

// primaryKeys returns the primary keys already assigned to entities.
func primaryKeys(repo Repository, entities []any) []any {
	pk := repo.PrimaryKey()
	if pk == "" {
		return nil
	}
	var out []any
	for _, e := range entities {
		v, err := repo.Mapper().GetField(e, pk)
		if err == nil && present(v) {
			out = append(out, v)
		}
	}
	return out
}

// present reports whether v is a usable key: non-nil and not the zero value.
func present(v any) bool {
	if _, ok := KeyOf(v); !ok {
		return false
	}
	return !reflect.ValueOf(v).IsZero()
}
