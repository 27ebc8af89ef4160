package zorel

import (
	"context"
	"fmt"
	"time"
)

// manyToMany serves BelongsToMany through a join table repository.
type manyToMany struct {
	base
}

func (r *manyToMany) repositories() (through, related Repository, err error) {
	through, err = r.engine.Repository(r.def.Through)
	if err != nil {
		return nil, nil, r.wrap(err)
	}
	related, err = r.related()
	if err != nil {
		return nil, nil, r.wrap(err)
	}
	return through, related, nil
}

// Load reads the join rows of every owner key, then the related rows of every
// distinct distant key. A related entity referenced by several owners is
// assigned to all of them as the same instance.
func (r *manyToMany) Load(ctx context.Context, owners []any, opts LoadOptions) error {
	if len(owners) == 0 {
		return nil
	}
	start := time.Now()

	through, related, err := r.repositories()
	if err != nil {
		return err
	}
	keys, err := IndexBy(r.owner.Mapper(), owners, r.def.LocalKey)
	if err != nil {
		return r.wrap(err)
	}

	throughFilter, relatedFilter := SplitThrough(r.def.Attribute, composeConstraints(r.def, opts.Constraints))

	pairs := make(map[string][]string)
	distant := NewKeyIndex()
	var rows []any
	queries := 0

	if keys.Len() > 0 {
		queries++
		links, err := through.Builder().
			Where(throughFilter.In(r.def.ThroughLocalKey, keys.Values())).
			Execute(ctx, r.def.ThroughLocalKey, r.def.ThroughDistantKey)
		if err != nil {
			r.observe(start, len(owners), 0, queries, err)
			return r.wrap(err)
		}
		for _, link := range links {
			lk, ok := KeyOf(link[r.def.ThroughLocalKey])
			if !ok {
				continue
			}
			dv := link[r.def.ThroughDistantKey]
			dk, ok := KeyOf(dv)
			if !ok {
				continue
			}
			pairs[lk] = append(pairs[lk], dk)
			distant.Add(dv, link)
		}
	}

	if distant.Len() > 0 {
		queries++
		rows, err = related.Builder().
			Where(relatedFilter.In(r.def.DistantKey, distant.Values())).
			With(opts.With...).
			Without(opts.Without...).
			All(ctx)
		if err != nil {
			r.observe(start, len(owners), 0, queries, err)
			return r.wrap(err)
		}
		if err := r.loadTyped(ctx, related, rows, opts, false); err != nil {
			return err
		}
	}

	byKey, err := IndexBy(related.Mapper(), rows, r.def.DistantKey)
	if err != nil {
		return r.wrap(err)
	}
	for _, o := range owners {
		v, err := r.field(o, r.def.LocalKey)
		if err != nil {
			return r.wrap(err)
		}
		var matches []any
		if lk, ok := KeyOf(v); ok {
			seen := make(map[string]bool)
			for _, dk := range pairs[lk] {
				if seen[dk] {
					continue
				}
				seen[dk] = true
				if e := byKey.First(dk); e != nil {
					matches = append(matches, e)
				}
			}
		}
		if err := r.assign(o, r.value(matches)); err != nil {
			return r.wrap(err)
		}
	}
	for _, o := range owners {
		r.markLoaded(o, true)
	}

	r.observe(start, len(owners), len(rows), queries, nil)
	return nil
}

func (r *manyToMany) LoadIfNotLoaded(ctx context.Context, owners []any, opts LoadOptions) error {
	return loadIfNotLoaded(ctx, r, owners, opts, func(owners []any) error {
		related, err := r.related()
		if err != nil {
			return r.wrap(err)
		}
		return r.loadNested(ctx, related, owners, opts)
	})
}

func (r *manyToMany) Link(owner any) (Query, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	through, related, err := r.repositories()
	if err != nil {
		return nil, err
	}
	key, err := r.field(owner, r.def.LocalKey)
	if err != nil {
		return nil, r.wrap(err)
	}

	q := related.Builder()
	alias := throughAlias(r.def.Attribute)
	throughFilter, relatedFilter := SplitThrough(r.def.Attribute, composeConstraints(r.def, Filter{}))
	q = q.Join(Join{
		Repository: through,
		Alias:      alias,
		On:         []On{{Left: qualify(alias, r.def.ThroughDistantKey), Right: qualify(q.Alias(), r.def.DistantKey)}},
		Where:      joinFilter(throughFilter, alias),
	}).Where(relatedFilter)

	if _, ok := KeyOf(key); !ok {
		return q.Where(In(qualify(alias, r.def.ThroughLocalKey), nil)), nil
	}
	return q.Where(Eq(qualify(alias, r.def.ThroughLocalKey), key)), nil
}

func (r *manyToMany) Associate(any, any) error {
	return invalidAssociation(r.def, "associate")
}

func (r *manyToMany) Dissociate(any) error {
	return invalidAssociation(r.def, "dissociate")
}

// Create builds an unsaved related entity. It is attached when saved through
// SaveAll or Add.
func (r *manyToMany) Create(owner any, data map[string]any) (any, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	related, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	e, err := related.Entity(data)
	if err != nil {
		return nil, r.wrap(err)
	}
	return e, nil
}

// Add saves related and attaches it to owner.
func (r *manyToMany) Add(ctx context.Context, owner, related any) (int64, error) {
	if isNil(related) {
		return 0, ErrNilEntity
	}
	if _, err := r.ownerKey(owner); err != nil {
		return 0, r.wrap(err)
	}
	repo, err := r.related()
	if err != nil {
		return 0, r.wrap(err)
	}
	n, err := r.engine.save(ctx, repo, related, nil)
	if err != nil {
		return n, err
	}
	m, err := r.Attach(ctx, owner, related)
	return n + m, err
}

func (r *manyToMany) keys(owner, related any) (local, distant any, err error) {
	if isNil(related) {
		return nil, nil, ErrNilEntity
	}
	local, err = r.ownerKey(owner)
	if err != nil {
		return nil, nil, r.wrap(err)
	}
	repo, err := r.related()
	if err != nil {
		return nil, nil, r.wrap(err)
	}
	distant, err = repo.Mapper().GetField(related, r.def.DistantKey)
	if err != nil {
		return nil, nil, r.wrap(err)
	}
	if _, ok := KeyOf(distant); !ok {
		return nil, nil, r.wrap(fmt.Errorf("%w: %s.%s", ErrMissingKey, r.def.Related, r.def.DistantKey))
	}
	return local, distant, nil
}

// Attach inserts one join row between owner and related.
func (r *manyToMany) Attach(ctx context.Context, owner, related any) (int64, error) {
	return r.AttachWith(ctx, owner, related, nil)
}

// AttachWith inserts one join row carrying extra columns.
func (r *manyToMany) AttachWith(ctx context.Context, owner, related any, extra map[string]any) (int64, error) {
	local, distant, err := r.keys(owner, related)
	if err != nil {
		return 0, err
	}
	through, err := r.engine.Repository(r.def.Through)
	if err != nil {
		return 0, r.wrap(err)
	}

	data := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		data[k] = v
	}
	data[r.def.ThroughLocalKey] = local
	data[r.def.ThroughDistantKey] = distant

	row, err := through.Entity(data)
	if err != nil {
		return 0, r.wrap(err)
	}
	n, err := through.Save(ctx, row)
	if err != nil {
		return n, r.wrap(err)
	}
	return n, nil
}

// Detach deletes the join row between owner and related.
func (r *manyToMany) Detach(ctx context.Context, owner, related any) (int64, error) {
	local, distant, err := r.keys(owner, related)
	if err != nil {
		return 0, err
	}
	through, err := r.engine.Repository(r.def.Through)
	if err != nil {
		return 0, r.wrap(err)
	}
	n, err := through.Builder().Where(r.pairFilter(local, distant)).Delete(ctx)
	if err != nil {
		return n, r.wrap(err)
	}
	return n, nil
}

// Has reports whether a join row links owner and related.
func (r *manyToMany) Has(ctx context.Context, owner, related any) (bool, error) {
	local, distant, err := r.keys(owner, related)
	if err != nil {
		return false, err
	}
	through, err := r.engine.Repository(r.def.Through)
	if err != nil {
		return false, r.wrap(err)
	}
	ok, err := through.Builder().Where(r.pairFilter(local, distant)).Exists(ctx)
	if err != nil {
		return false, r.wrap(err)
	}
	return ok, nil
}

func (r *manyToMany) pairFilter(local, distant any) Filter {
	return Eq(r.def.ThroughLocalKey, local).Eq(r.def.ThroughDistantKey, distant)
}

// Sync makes the join rows of owner match related exactly: missing rows are
// attached, rows pointing elsewhere are detached. It returns the rows written.
func (r *manyToMany) Sync(ctx context.Context, owner any, related ...any) (int64, error) {
	local, err := r.ownerKey(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	through, err := r.engine.Repository(r.def.Through)
	if err != nil {
		return 0, r.wrap(err)
	}

	existing, err := through.Builder().
		Where(Eq(r.def.ThroughLocalKey, local)).
		Execute(ctx, r.def.ThroughDistantKey)
	if err != nil {
		return 0, r.wrap(err)
	}
	stored := make(map[string]any, len(existing))
	for _, row := range existing {
		if k, ok := KeyOf(row[r.def.ThroughDistantKey]); ok {
			stored[k] = row[r.def.ThroughDistantKey]
		}
	}

	var total int64
	wanted := make(map[string]bool, len(related))
	for _, e := range related {
		_, distant, err := r.keys(owner, e)
		if err != nil {
			return total, err
		}
		k, _ := KeyOf(distant)
		if wanted[k] {
			continue
		}
		wanted[k] = true
		if _, ok := stored[k]; ok {
			continue
		}
		n, err := r.Attach(ctx, owner, e)
		total += n
		if err != nil {
			return total, err
		}
	}

	var stale []any
	for k, v := range stored {
		if !wanted[k] {
			stale = append(stale, v)
		}
	}
	if len(stale) > 0 {
		n, err := through.Builder().
			Where(Eq(r.def.ThroughLocalKey, local).In(r.def.ThroughDistantKey, stale)).
			Delete(ctx)
		total += n
		if err != nil {
			return total, r.wrap(err)
		}
	}
	return total, nil
}

// SaveAll saves every in-memory related entity and attaches it. Under Replace
// the owner's join rows are deleted first with a single statement.
func (r *manyToMany) SaveAll(ctx context.Context, owner any, paths []string) (int64, error) {
	through, related, err := r.repositories()
	if err != nil {
		return 0, err
	}
	cur, err := r.current(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	if isNil(cur) {
		return 0, nil
	}
	local, err := r.ownerKey(owner)
	if err != nil {
		return 0, r.wrap(err)
	}

	var total int64
	if r.def.Strategy == Replace {
		n, err := through.Builder().Where(Eq(r.def.ThroughLocalKey, local)).Delete(ctx)
		if err != nil {
			return 0, r.wrap(err)
		}
		total += n
	}

	for _, item := range flatten(cur) {
		n, err := r.engine.save(ctx, related, item, paths)
		total += n
		if err != nil {
			return total, err
		}
		if r.def.Strategy == Add {
			linked, err := r.Has(ctx, owner, item)
			if err != nil {
				return total, err
			}
			if linked {
				continue
			}
		}
		n, err = r.Attach(ctx, owner, item)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeleteAll removes the owner's join rows. Related entities are shared with
// other owners and are left in place.
func (r *manyToMany) DeleteAll(ctx context.Context, owner any, _ []string) (int64, error) {
	through, err := r.engine.Repository(r.def.Through)
	if err != nil {
		return 0, r.wrap(err)
	}
	local, err := r.field(owner, r.def.LocalKey)
	if err != nil {
		return 0, r.wrap(err)
	}
	if _, ok := KeyOf(local); !ok {
		return 0, nil
	}
	n, err := through.Builder().Where(Eq(r.def.ThroughLocalKey, local)).Delete(ctx)
	if err != nil {
		return n, r.wrap(err)
	}
	return n, nil
}

func (r *manyToMany) Join(q Query, alias string) (Query, error) {
	joins, err := r.JoinClauses(q.Alias(), alias)
	if err != nil {
		return nil, err
	}
	return q.Join(joins...), nil
}

// JoinClauses joins the join table under "<alias>Through" and the related
// table under alias.
func (r *manyToMany) JoinClauses(parentAlias, alias string) ([]Join, error) {
	through, related, err := r.repositories()
	if err != nil {
		return nil, err
	}
	ta := throughAlias(alias)
	throughFilter, relatedFilter := SplitThrough(r.def.Attribute, composeConstraints(r.def, Filter{}))
	return []Join{
		{
			Repository: through,
			Alias:      ta,
			On:         []On{{Left: qualify(ta, r.def.ThroughLocalKey), Right: qualify(parentAlias, r.def.LocalKey)}},
			Where:      joinFilter(throughFilter, ta),
		},
		{
			Repository: related,
			Alias:      alias,
			On:         []On{{Left: qualify(alias, r.def.DistantKey), Right: qualify(ta, r.def.ThroughDistantKey)}},
			Where:      joinFilter(relatedFilter, alias),
		},
	}, nil
}

func (r *manyToMany) JoinRepositories(alias string) (map[string]Repository, error) {
	through, related, err := r.repositories()
	if err != nil {
		return nil, err
	}
	return map[string]Repository{
		alias:               related,
		throughAlias(alias): through,
	}, nil
}
