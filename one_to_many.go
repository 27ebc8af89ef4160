package zorel

import (
	"context"
	"time"
)

// oneToMany serves HasOne, HasMany, BelongsTo, MorphOne and MorphMany. The
// owner's LocalKey always matches the related DistantKey; only BelongsTo keeps
// the foreign key on the owner.
type oneToMany struct {
	base
	templates templateCache
}

func (r *oneToMany) ownsForeignKey() bool {
	return r.def.Kind == BelongsTo
}

func (r *oneToMany) Load(ctx context.Context, owners []any, opts LoadOptions) error {
	if len(owners) == 0 {
		return nil
	}
	start := time.Now()

	related, err := r.related()
	if err != nil {
		return r.wrap(err)
	}
	keys, err := IndexBy(r.owner.Mapper(), owners, r.def.LocalKey)
	if err != nil {
		return r.wrap(err)
	}

	var rows []any
	queries := 0
	if keys.Len() > 0 {
		q, err := r.batchQuery(related, keys.Values(), opts.Constraints)
		if err != nil {
			return r.wrap(err)
		}
		queries++
		rows, err = q.With(opts.With...).Without(opts.Without...).All(ctx)
		if err != nil {
			r.observe(start, len(owners), 0, queries, err)
			return r.wrap(err)
		}
		if err := r.loadTyped(ctx, related, rows, opts, false); err != nil {
			return err
		}
	}

	matches, err := IndexBy(related.Mapper(), rows, r.def.DistantKey)
	if err != nil {
		return r.wrap(err)
	}
	for _, o := range owners {
		key, err := r.field(o, r.def.LocalKey)
		if err != nil {
			return r.wrap(err)
		}
		if err := r.assign(o, r.value(matches.Lookup(key))); err != nil {
			return r.wrap(err)
		}
	}
	for _, o := range owners {
		r.markLoaded(o, true)
	}

	r.observe(start, len(owners), len(rows), queries, nil)
	return nil
}

// batchQuery selects the related rows of every key. A single key without call
// constraints extends the cached base query instead of rebuilding it.
func (r *oneToMany) batchQuery(related Repository, keys []any, call Filter) (Query, error) {
	if len(keys) == 1 && call.IsEmpty() {
		base, err := r.templates.load("load", func() (Query, error) {
			return related.Builder().Where(composeConstraints(r.def, Filter{})), nil
		})
		if err != nil {
			return nil, err
		}
		return base.Where(Eq(r.def.DistantKey, keys[0])), nil
	}
	return related.Builder().Where(composeConstraints(r.def, call).In(r.def.DistantKey, keys)), nil
}

func (r *oneToMany) LoadIfNotLoaded(ctx context.Context, owners []any, opts LoadOptions) error {
	return loadIfNotLoaded(ctx, r, owners, opts, func(owners []any) error {
		related, err := r.related()
		if err != nil {
			return r.wrap(err)
		}
		return r.loadNested(ctx, related, owners, opts)
	})
}

func (r *oneToMany) Link(owner any) (Query, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	related, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	key, err := r.field(owner, r.def.LocalKey)
	if err != nil {
		return nil, r.wrap(err)
	}
	f := composeConstraints(r.def, Filter{})
	if _, ok := KeyOf(key); !ok {
		return related.Builder().Where(f.In(r.def.DistantKey, nil)), nil
	}
	return related.Builder().Where(f.Eq(r.def.DistantKey, key)), nil
}

func (r *oneToMany) Associate(owner, related any) error {
	if !r.ownsForeignKey() {
		return invalidAssociation(r.def, "associate")
	}
	if owner == nil {
		return ErrNilEntity
	}
	if isNil(related) {
		return r.Dissociate(owner)
	}
	repo, err := r.related()
	if err != nil {
		return r.wrap(err)
	}
	key, err := repo.Mapper().GetField(related, r.def.DistantKey)
	if err != nil {
		return r.wrap(err)
	}
	if err := r.owner.Mapper().SetField(owner, r.def.LocalKey, key); err != nil {
		return r.wrap(err)
	}
	if err := r.assign(owner, related); err != nil {
		return r.wrap(err)
	}
	r.markLoaded(owner, true)
	return nil
}

func (r *oneToMany) Dissociate(owner any) error {
	if !r.ownsForeignKey() {
		return invalidAssociation(r.def, "dissociate")
	}
	if owner == nil {
		return ErrNilEntity
	}
	if err := r.owner.Mapper().SetField(owner, r.def.LocalKey, nil); err != nil {
		return r.wrap(err)
	}
	if err := r.assign(owner, nil); err != nil {
		return r.wrap(err)
	}
	r.markLoaded(owner, false)
	return nil
}

func (r *oneToMany) Create(owner any, data map[string]any) (any, error) {
	if r.ownsForeignKey() {
		return nil, invalidCreate(r.def, "create")
	}
	key, err := r.ownerKey(owner)
	if err != nil {
		return nil, r.wrap(err)
	}
	repo, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	e, err := repo.Entity(data)
	if err != nil {
		return nil, r.wrap(err)
	}
	if err := r.wire(repo, e, key); err != nil {
		return nil, r.wrap(err)
	}
	return e, nil
}

func (r *oneToMany) Add(ctx context.Context, owner, related any) (int64, error) {
	if r.ownsForeignKey() {
		return 0, invalidCreate(r.def, "add")
	}
	if isNil(related) {
		return 0, ErrNilEntity
	}
	key, err := r.ownerKey(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	repo, err := r.related()
	if err != nil {
		return 0, r.wrap(err)
	}
	if err := r.wire(repo, related, key); err != nil {
		return 0, r.wrap(err)
	}
	return r.engine.save(ctx, repo, related, nil)
}

// wire points a related entity at the owner key.
func (r *oneToMany) wire(repo Repository, related, key any) error {
	m := repo.Mapper()
	if err := m.SetField(related, r.def.DistantKey, key); err != nil {
		return err
	}
	switch r.def.Kind {
	case MorphOne, MorphMany:
		return m.SetField(related, r.def.Discriminator, r.def.MorphValue)
	}
	return nil
}

func (r *oneToMany) SaveAll(ctx context.Context, owner any, paths []string) (int64, error) {
	repo, err := r.related()
	if err != nil {
		return 0, r.wrap(err)
	}
	cur, err := r.current(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	// nothing in memory means nothing is known about the related rows
	if isNil(cur) {
		return 0, nil
	}

	if r.ownsForeignKey() {
		n, err := r.engine.save(ctx, repo, cur, paths)
		if err != nil {
			return n, err
		}
		key, err := repo.Mapper().GetField(cur, r.def.DistantKey)
		if err != nil {
			return n, r.wrap(err)
		}
		if err := r.owner.Mapper().SetField(owner, r.def.LocalKey, key); err != nil {
			return n, r.wrap(err)
		}
		return n, nil
	}

	key, err := r.ownerKey(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	items := flatten(cur)

	var total int64
	if r.def.Strategy == Replace {
		f := composeConstraints(r.def, Filter{}).Eq(r.def.DistantKey, key)
		if keep := primaryKeys(repo, items); len(keep) > 0 {
			f = f.Op(repo.PrimaryKey(), OpNotIn, keep)
		}
		n, err := repo.Builder().Where(f).Delete(ctx)
		if err != nil {
			return 0, r.wrap(err)
		}
		total += n
	}

	for _, item := range items {
		if err := r.wire(repo, item, key); err != nil {
			return total, r.wrap(err)
		}
		n, err := r.engine.save(ctx, repo, item, paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *oneToMany) DeleteAll(ctx context.Context, owner any, paths []string) (int64, error) {
	repo, err := r.related()
	if err != nil {
		return 0, r.wrap(err)
	}

	if r.ownsForeignKey() {
		cur, err := r.current(owner)
		if err != nil {
			return 0, r.wrap(err)
		}
		if isNil(cur) {
			return 0, nil
		}
		return r.engine.delete(ctx, repo, cur, paths)
	}

	key, err := r.field(owner, r.def.LocalKey)
	if err != nil {
		return 0, r.wrap(err)
	}
	if _, ok := KeyOf(key); !ok {
		return 0, nil
	}

	items, err := r.stored(ctx, owner, r.def.Strategy == Add || len(paths) > 0)
	if err != nil {
		return 0, err
	}

	if r.def.Strategy == Add {
		var total int64
		for _, item := range items {
			n, err := r.engine.delete(ctx, repo, item, paths)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}

	// items are only walked when nested relations need deleting; the bulk
	// delete below removes whatever is left
	var total int64
	if len(paths) > 0 {
		for _, item := range items {
			n, err := r.engine.delete(ctx, repo, item, paths)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	f := composeConstraints(r.def, Filter{}).Eq(r.def.DistantKey, key)
	n, err := repo.Builder().Where(f).Delete(ctx)
	if err != nil {
		return total, r.wrap(err)
	}
	return total + n, nil
}

// stored returns the related entities of owner: the loaded ones, or when the
// relation is not loaded and fetch is set, the rows read through Link.
func (r *oneToMany) stored(ctx context.Context, owner any, fetch bool) ([]any, error) {
	items, err := r.items(owner)
	if err != nil {
		return nil, r.wrap(err)
	}
	if len(items) > 0 || r.IsLoaded(owner) || !fetch {
		return items, nil
	}
	q, err := r.Link(owner)
	if err != nil {
		return nil, err
	}
	rows, err := q.All(ctx)
	if err != nil {
		return nil, r.wrap(err)
	}
	return rows, nil
}

func (r *oneToMany) Join(q Query, alias string) (Query, error) {
	joins, err := r.JoinClauses(q.Alias(), alias)
	if err != nil {
		return nil, err
	}
	return q.Join(joins...), nil
}

func (r *oneToMany) JoinClauses(parentAlias, alias string) ([]Join, error) {
	repo, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	return []Join{{
		Repository: repo,
		Alias:      alias,
		On:         []On{{Left: qualify(alias, r.def.DistantKey), Right: qualify(parentAlias, r.def.LocalKey)}},
		Where:      joinFilter(composeConstraints(r.def, Filter{}), alias),
	}}, nil
}

func (r *oneToMany) JoinRepositories(alias string) (map[string]Repository, error) {
	repo, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	return map[string]Repository{alias: repo}, nil
}
