package zorel

import (
	"context"
	"fmt"
)

// inheritanceRelation forwards to the relation declared by the subtype
// repository matching each owner's discriminator value.
type inheritanceRelation struct {
	base
	support Inheritance
}

func newInheritance(b base) (*inheritanceRelation, error) {
	inh, ok := b.owner.(Inheritance)
	if !ok || inh.DiscriminatorField() == "" {
		return nil, fmt.Errorf("%w: %s relation %q requires %s to use single table inheritance",
			ErrConfiguration, b.def.Kind, b.def.Attribute, b.owner.Name())
	}
	return &inheritanceRelation{base: b, support: inh}, nil
}

// SubRelation returns the relation declared by the subtype stored under value.
func (r *inheritanceRelation) SubRelation(value string) (Variant, error) {
	name, ok := r.support.Subtypes()[value]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a subtype of %s", ErrUnknownDiscriminator, value, r.owner.Name())
	}
	repo, err := r.engine.Repository(name)
	if err != nil {
		return nil, err
	}
	return repo.Relation(r.def.Attribute)
}

func (r *inheritanceRelation) discriminator(owner any) (string, error) {
	v, err := r.field(owner, r.support.DiscriminatorField())
	if err != nil {
		return "", err
	}
	value, ok := KeyOf(v)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s.%s", ErrMissingDiscriminator, r.owner.Name(), r.support.DiscriminatorField())
	}
	return value, nil
}

func (r *inheritanceRelation) delegate(owner any) (Variant, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	value, err := r.discriminator(owner)
	if err != nil {
		return nil, r.wrap(err)
	}
	v, err := r.SubRelation(value)
	if err != nil {
		return nil, r.wrap(err)
	}
	return v, nil
}

type inheritanceChunk struct {
	value    string
	delegate Variant
	owners   []any
}

// chunks splits owners by subtype and resolves every delegate before anything runs.
func (r *inheritanceRelation) chunks(owners []any) ([]inheritanceChunk, error) {
	groups := NewKeyIndex()
	for _, o := range owners {
		value, err := r.discriminator(o)
		if err != nil {
			return nil, r.wrap(err)
		}
		groups.Add(value, o)
	}
	out := make([]inheritanceChunk, 0, groups.Len())
	for _, value := range groups.Keys() {
		v, err := r.SubRelation(value)
		if err != nil {
			return nil, r.wrap(err)
		}
		out = append(out, inheritanceChunk{value: value, delegate: v, owners: groups.Get(value)})
	}
	return out, nil
}

// snapshot is the relation value and load state of one owner before a load.
type snapshot struct {
	owner  any
	base   *base
	value  any
	loaded bool
}

func (r *inheritanceRelation) snapshots(chunks []inheritanceChunk) []snapshot {
	var out []snapshot
	for _, c := range chunks {
		def := c.delegate.Definition()
		b := &base{engine: r.engine, owner: r.owner, def: def}
		for _, o := range c.owners {
			v, _ := b.current(o)
			out = append(out, snapshot{owner: o, base: b, value: v, loaded: c.delegate.IsLoaded(o)})
		}
	}
	return out
}

func restore(snaps []snapshot) {
	for _, s := range snaps {
		if s.base.def.Kind == Null {
			continue
		}
		_ = s.base.assign(s.owner, s.value)
		s.base.markLoaded(s.owner, s.loaded)
	}
}

// run applies fn chunk by chunk. When a chunk fails, owners of the chunks
// already processed get their previous value and load state back.
func (r *inheritanceRelation) run(owners []any, fn func(c inheritanceChunk) error) error {
	if len(owners) == 0 {
		return nil
	}
	chunks, err := r.chunks(owners)
	if err != nil {
		return err
	}
	snaps := r.snapshots(chunks)
	for _, c := range chunks {
		if err := fn(c); err != nil {
			restore(snaps)
			return err
		}
	}
	return nil
}

func (r *inheritanceRelation) Load(ctx context.Context, owners []any, opts LoadOptions) error {
	return r.run(owners, func(c inheritanceChunk) error {
		return c.delegate.Load(ctx, c.owners, opts.forType(c.value))
	})
}

func (r *inheritanceRelation) LoadIfNotLoaded(ctx context.Context, owners []any, opts LoadOptions) error {
	return r.run(owners, func(c inheritanceChunk) error {
		return c.delegate.LoadIfNotLoaded(ctx, c.owners, opts.forType(c.value))
	})
}

func (r *inheritanceRelation) IsLoaded(owner any) bool {
	v, err := r.delegate(owner)
	if err != nil {
		return false
	}
	return v.IsLoaded(owner)
}

func (r *inheritanceRelation) Link(owner any) (Query, error) {
	v, err := r.delegate(owner)
	if err != nil {
		return nil, err
	}
	return v.Link(owner)
}

func (r *inheritanceRelation) Associate(owner, related any) error {
	v, err := r.delegate(owner)
	if err != nil {
		return err
	}
	return v.Associate(owner, related)
}

func (r *inheritanceRelation) Dissociate(owner any) error {
	v, err := r.delegate(owner)
	if err != nil {
		return err
	}
	return v.Dissociate(owner)
}

func (r *inheritanceRelation) Create(owner any, data map[string]any) (any, error) {
	v, err := r.delegate(owner)
	if err != nil {
		return nil, err
	}
	return v.Create(owner, data)
}

func (r *inheritanceRelation) Add(ctx context.Context, owner, related any) (int64, error) {
	v, err := r.delegate(owner)
	if err != nil {
		return 0, err
	}
	return v.Add(ctx, owner, related)
}

func (r *inheritanceRelation) SaveAll(ctx context.Context, owner any, paths []string) (int64, error) {
	v, err := r.delegate(owner)
	if err != nil {
		return 0, err
	}
	return v.SaveAll(ctx, owner, paths)
}

func (r *inheritanceRelation) DeleteAll(ctx context.Context, owner any, paths []string) (int64, error) {
	v, err := r.delegate(owner)
	if err != nil {
		return 0, err
	}
	return v.DeleteAll(ctx, owner, paths)
}

func (r *inheritanceRelation) through(owner any) (ThroughVariant, error) {
	v, err := r.delegate(owner)
	if err != nil {
		return nil, err
	}
	tv, ok := v.(ThroughVariant)
	if !ok {
		return nil, unsupported(v.Definition().Kind, "join table operations")
	}
	return tv, nil
}

func (r *inheritanceRelation) Attach(ctx context.Context, owner, related any) (int64, error) {
	tv, err := r.through(owner)
	if err != nil {
		return 0, err
	}
	return tv.Attach(ctx, owner, related)
}

func (r *inheritanceRelation) AttachWith(ctx context.Context, owner, related any, extra map[string]any) (int64, error) {
	tv, err := r.through(owner)
	if err != nil {
		return 0, err
	}
	return tv.AttachWith(ctx, owner, related, extra)
}

func (r *inheritanceRelation) Detach(ctx context.Context, owner, related any) (int64, error) {
	tv, err := r.through(owner)
	if err != nil {
		return 0, err
	}
	return tv.Detach(ctx, owner, related)
}

func (r *inheritanceRelation) Has(ctx context.Context, owner, related any) (bool, error) {
	tv, err := r.through(owner)
	if err != nil {
		return false, err
	}
	return tv.Has(ctx, owner, related)
}

func (r *inheritanceRelation) Sync(ctx context.Context, owner any, related ...any) (int64, error) {
	tv, err := r.through(owner)
	if err != nil {
		return 0, err
	}
	return tv.Sync(ctx, owner, related...)
}

// Join is unsupported: every subtype may join a different table.
func (r *inheritanceRelation) Join(Query, string) (Query, error) {
	return nil, unsupported(r.def.Kind, "join")
}

func (r *inheritanceRelation) JoinClauses(string, string) ([]Join, error) {
	return nil, unsupported(r.def.Kind, "join")
}

func (r *inheritanceRelation) JoinRepositories(string) (map[string]Repository, error) {
	return nil, unsupported(r.def.Kind, "join")
}
