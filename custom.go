package zorel

import (
	"context"
	"time"
)

// customRelation loads related rows with a user supplied predicate and pairs
// them with owners through Match. It owns no foreign key.
type customRelation struct {
	base
}

func (r *customRelation) Load(ctx context.Context, owners []any, opts LoadOptions) error {
	if len(owners) == 0 {
		return nil
	}
	start := time.Now()

	related, err := r.related()
	if err != nil {
		return r.wrap(err)
	}
	f, err := r.def.Custom.Filter(r.owner.Mapper(), owners)
	if err != nil {
		return r.wrap(err)
	}
	rows, err := related.Builder().
		Where(composeConstraints(r.def, opts.Constraints).And(f)).
		With(opts.With...).
		Without(opts.Without...).
		All(ctx)
	if err != nil {
		r.observe(start, len(owners), 0, 1, err)
		return r.wrap(err)
	}
	if err := r.loadTyped(ctx, related, rows, opts, false); err != nil {
		return err
	}

	for _, o := range owners {
		var matches []any
		for _, row := range rows {
			if r.def.Custom.Match(r.owner.Mapper(), o, row) {
				matches = append(matches, row)
			}
		}
		if err := r.assign(o, r.value(matches)); err != nil {
			return r.wrap(err)
		}
	}
	for _, o := range owners {
		r.markLoaded(o, true)
	}

	r.observe(start, len(owners), len(rows), 1, nil)
	return nil
}

func (r *customRelation) LoadIfNotLoaded(ctx context.Context, owners []any, opts LoadOptions) error {
	return loadIfNotLoaded(ctx, r, owners, opts, func(owners []any) error {
		related, err := r.related()
		if err != nil {
			return r.wrap(err)
		}
		return r.loadNested(ctx, related, owners, opts)
	})
}

func (r *customRelation) Link(owner any) (Query, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	related, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	f, err := r.def.Custom.Filter(r.owner.Mapper(), []any{owner})
	if err != nil {
		return nil, r.wrap(err)
	}
	return related.Builder().Where(composeConstraints(r.def, Filter{}).And(f)), nil
}

func (r *customRelation) Associate(any, any) error {
	return unsupported(r.def.Kind, "associate")
}

func (r *customRelation) Dissociate(any) error {
	return unsupported(r.def.Kind, "dissociate")
}

func (r *customRelation) Create(any, map[string]any) (any, error) {
	return nil, unsupported(r.def.Kind, "create")
}

func (r *customRelation) Add(context.Context, any, any) (int64, error) {
	return 0, unsupported(r.def.Kind, "add")
}

// SaveAll saves the in-memory related entities as they are.
func (r *customRelation) SaveAll(ctx context.Context, owner any, paths []string) (int64, error) {
	related, err := r.related()
	if err != nil {
		return 0, r.wrap(err)
	}
	items, err := r.items(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	var total int64
	for _, item := range items {
		n, err := r.engine.save(ctx, related, item, paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeleteAll deletes the in-memory related entities.
func (r *customRelation) DeleteAll(ctx context.Context, owner any, paths []string) (int64, error) {
	related, err := r.related()
	if err != nil {
		return 0, r.wrap(err)
	}
	items, err := r.items(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	var total int64
	for _, item := range items {
		n, err := r.engine.delete(ctx, related, item, paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *customRelation) Join(q Query, alias string) (Query, error) {
	joins, err := r.JoinClauses(q.Alias(), alias)
	if err != nil {
		return nil, err
	}
	return q.Join(joins...), nil
}

func (r *customRelation) JoinClauses(parentAlias, alias string) ([]Join, error) {
	if r.def.Custom.JoinOn == nil {
		return nil, unsupported(r.def.Kind, "join")
	}
	related, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	return []Join{{
		Repository: related,
		Alias:      alias,
		On:         r.def.Custom.JoinOn(parentAlias, alias),
		Where:      joinFilter(composeConstraints(r.def, Filter{}), alias),
	}}, nil
}

func (r *customRelation) JoinRepositories(alias string) (map[string]Repository, error) {
	if r.def.Custom.JoinOn == nil {
		return nil, unsupported(r.def.Kind, "join")
	}
	related, err := r.related()
	if err != nil {
		return nil, r.wrap(err)
	}
	return map[string]Repository{alias: related}, nil
}
