package zorel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// PolymorphicSupport resolves discriminator values to repositories and back.
type PolymorphicSupport struct {
	column  string
	targets map[string]MorphTarget
	values  map[string]string // repository -> discriminator value
}

// NewPolymorphicSupport builds the lookup tables of a discriminator column.
func NewPolymorphicSupport(column string, targets map[string]MorphTarget) PolymorphicSupport {
	ps := PolymorphicSupport{
		column:  column,
		targets: targets,
		values:  make(map[string]string, len(targets)),
	}
	// several values may share a repository; the smallest wins so the reverse
	// lookup is stable
	keys := make([]string, 0, len(targets))
	for v := range targets {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	for _, v := range keys {
		repo := targets[v].Repository
		if _, ok := ps.values[repo]; !ok {
			ps.values[repo] = v
		}
	}
	return ps
}

// Column returns the discriminator column.
func (ps PolymorphicSupport) Column() string {
	return ps.column
}

// Map returns the target of discriminator value.
func (ps PolymorphicSupport) Map(value string) (MorphTarget, bool) {
	t, ok := ps.targets[value]
	return t, ok
}

// DiscriminatorFor returns the discriminator value stored for repository.
func (ps PolymorphicSupport) DiscriminatorFor(repository string) (string, bool) {
	v, ok := ps.values[repository]
	return v, ok
}

// morphTo is a BelongsTo whose related repository is chosen per owner by the
// discriminator column.
type morphTo struct {
	base
	PolymorphicSupport
}

func newMorphTo(b base) *morphTo {
	return &morphTo{base: b, PolymorphicSupport: NewPolymorphicSupport(b.def.Discriminator, b.def.Morph)}
}

type morphGroup struct {
	value  string
	target MorphTarget
	repo   Repository
	owners []any
	rows   *KeyIndex
	count  int
}

// Load runs one query per known discriminator value. Owners whose discriminator
// is empty or unmapped are marked loaded and left untouched. Nothing is assigned
// until every query succeeded.
func (r *morphTo) Load(ctx context.Context, owners []any, opts LoadOptions) error {
	if len(owners) == 0 {
		return nil
	}
	start := time.Now()

	byType, err := GroupByDiscriminator(r.owner.Mapper(), owners, r.column)
	if err != nil {
		return r.wrap(err)
	}

	var groups []*morphGroup
	queries, total := 0, 0
	for _, value := range byType.Keys() {
		target, ok := r.Map(value)
		if !ok {
			r.engine.logger.Debug("unmapped discriminator",
				zap.String("relation", r.def.String()),
				zap.String("value", value),
				zap.Int("owners", len(byType.Get(value))))
			continue
		}
		repo, err := r.engine.Repository(target.Repository)
		if err != nil {
			return r.wrap(err)
		}
		g := &morphGroup{value: value, target: target, repo: repo, owners: byType.Get(value)}

		keys, err := IndexBy(r.owner.Mapper(), g.owners, r.def.LocalKey)
		if err != nil {
			return r.wrap(err)
		}
		var rows []any
		if keys.Len() > 0 {
			typed := opts.forType(value)
			queries++
			rows, err = repo.Builder().
				Where(composeConstraints(r.def, opts.Constraints).In(target.DistantKey, keys.Values())).
				With(typed.With...).
				Without(opts.Without...).
				All(ctx)
			if err != nil {
				r.observe(start, len(owners), total, queries, err)
				return r.wrap(err)
			}
		}
		g.rows, err = IndexBy(repo.Mapper(), rows, target.DistantKey)
		if err != nil {
			return r.wrap(err)
		}
		g.count = len(rows)
		total += len(rows)
		groups = append(groups, g)
	}

	for _, g := range groups {
		for _, o := range g.owners {
			key, err := r.field(o, r.def.LocalKey)
			if err != nil {
				return r.wrap(err)
			}
			if err := r.assign(o, r.value(g.rows.Lookup(key))); err != nil {
				return r.wrap(err)
			}
		}
	}
	for _, o := range owners {
		r.markLoaded(o, true)
	}

	r.observe(start, len(owners), total, queries, nil)
	return nil
}

func (r *morphTo) LoadIfNotLoaded(ctx context.Context, owners []any, opts LoadOptions) error {
	return loadIfNotLoaded(ctx, r, owners, opts, func(owners []any) error {
		return r.loadNested(ctx, owners, opts)
	})
}

// loadNested groups the loaded parents by their repository and applies the
// untyped sub-paths plus the ones of the matching discriminator value.
func (r *morphTo) loadNested(ctx context.Context, owners []any, opts LoadOptions) error {
	entities, err := r.loadedRelated(owners)
	if err != nil {
		return r.wrap(err)
	}

	var order []string
	groups := make(map[string][]any)
	repos := make(map[string]Repository)
	for _, e := range entities {
		repo, err := r.engine.RepositoryOf(e)
		if err != nil {
			return r.wrap(err)
		}
		name := repo.Name()
		if _, ok := groups[name]; !ok {
			order = append(order, name)
			repos[name] = repo
		}
		groups[name] = append(groups[name], e)
	}

	for _, name := range order {
		value, _ := r.DiscriminatorFor(name)
		paths := opts.forType(value).With
		if len(paths) == 0 {
			continue
		}
		if err := r.engine.loadPaths(ctx, repos[name], groups[name], paths, opts.Without, true); err != nil {
			return err
		}
	}
	return nil
}

// Link requires a discriminator: the caller asked for a concrete query.
func (r *morphTo) Link(owner any) (Query, error) {
	if owner == nil {
		return nil, ErrNilEntity
	}
	target, repo, err := r.targetOf(owner)
	if err != nil {
		return nil, r.wrap(err)
	}
	key, err := r.field(owner, r.def.LocalKey)
	if err != nil {
		return nil, r.wrap(err)
	}
	f := composeConstraints(r.def, Filter{})
	if _, ok := KeyOf(key); !ok {
		return repo.Builder().Where(f.In(target.DistantKey, nil)), nil
	}
	return repo.Builder().Where(f.Eq(target.DistantKey, key)), nil
}

func (r *morphTo) targetOf(owner any) (MorphTarget, Repository, error) {
	v, err := r.field(owner, r.column)
	if err != nil {
		return MorphTarget{}, nil, err
	}
	value, ok := KeyOf(v)
	if !ok || value == "" {
		return MorphTarget{}, nil, fmt.Errorf("%w: %s.%s", ErrMissingDiscriminator, r.def.Owner, r.column)
	}
	target, ok := r.Map(value)
	if !ok {
		return MorphTarget{}, nil, fmt.Errorf("%w: %q for %s", ErrUnknownDiscriminator, value, r.def.Attribute)
	}
	repo, err := r.engine.Repository(target.Repository)
	if err != nil {
		return MorphTarget{}, nil, err
	}
	return target, repo, nil
}

// Associate writes the foreign key and the discriminator together; if the
// second write fails the first is rolled back.
func (r *morphTo) Associate(owner, related any) error {
	if owner == nil {
		return ErrNilEntity
	}
	if isNil(related) {
		return r.Dissociate(owner)
	}

	repo, err := r.engine.RepositoryOf(related)
	if err != nil {
		return r.wrap(err)
	}
	value, ok := r.DiscriminatorFor(repo.Name())
	if !ok {
		return r.wrap(fmt.Errorf("%w: no value maps to %s", ErrUnknownDiscriminator, repo.Name()))
	}
	target, _ := r.Map(value)
	key, err := repo.Mapper().GetField(related, target.DistantKey)
	if err != nil {
		return r.wrap(err)
	}

	if err := r.writePair(owner, key, value); err != nil {
		return r.wrap(err)
	}
	if err := r.assign(owner, related); err != nil {
		return r.wrap(err)
	}
	r.markLoaded(owner, true)
	return nil
}

func (r *morphTo) Dissociate(owner any) error {
	if owner == nil {
		return ErrNilEntity
	}
	if err := r.writePair(owner, nil, nil); err != nil {
		return r.wrap(err)
	}
	if err := r.assign(owner, nil); err != nil {
		return r.wrap(err)
	}
	r.markLoaded(owner, false)
	return nil
}

func (r *morphTo) writePair(owner, key, value any) error {
	m := r.owner.Mapper()
	prevKey, err := m.GetField(owner, r.def.LocalKey)
	if err != nil {
		return err
	}
	if err := m.SetField(owner, r.def.LocalKey, key); err != nil {
		return err
	}
	if err := m.SetField(owner, r.column, value); err != nil {
		_ = m.SetField(owner, r.def.LocalKey, prevKey)
		return err
	}
	return nil
}

func (r *morphTo) Create(any, map[string]any) (any, error) {
	return nil, invalidCreate(r.def, "create")
}

func (r *morphTo) Add(context.Context, any, any) (int64, error) {
	return 0, invalidCreate(r.def, "add")
}

// SaveAll saves the in-memory parent and copies its key and type onto the owner.
func (r *morphTo) SaveAll(ctx context.Context, owner any, paths []string) (int64, error) {
	cur, err := r.current(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	if isNil(cur) {
		return 0, nil
	}
	repo, err := r.engine.RepositoryOf(cur)
	if err != nil {
		return 0, r.wrap(err)
	}
	value, ok := r.DiscriminatorFor(repo.Name())
	if !ok {
		return 0, r.wrap(fmt.Errorf("%w: no value maps to %s", ErrUnknownDiscriminator, repo.Name()))
	}
	n, err := r.engine.save(ctx, repo, cur, paths)
	if err != nil {
		return n, err
	}
	target, _ := r.Map(value)
	key, err := repo.Mapper().GetField(cur, target.DistantKey)
	if err != nil {
		return n, r.wrap(err)
	}
	if err := r.writePair(owner, key, value); err != nil {
		return n, r.wrap(err)
	}
	return n, nil
}

// DeleteAll deletes the parent. When it is not in memory it is read through
// Link, which requires the discriminator.
func (r *morphTo) DeleteAll(ctx context.Context, owner any, paths []string) (int64, error) {
	cur, err := r.current(owner)
	if err != nil {
		return 0, r.wrap(err)
	}
	parents := flatten(cur)
	if len(parents) == 0 {
		q, err := r.Link(owner)
		if err != nil {
			return 0, err
		}
		parents, err = q.All(ctx)
		if err != nil {
			return 0, r.wrap(err)
		}
	}

	var total int64
	for _, p := range parents {
		repo, err := r.engine.RepositoryOf(p)
		if err != nil {
			return total, r.wrap(err)
		}
		n, err := r.engine.delete(ctx, repo, p, paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *morphTo) Join(Query, string) (Query, error) {
	return nil, unsupported(r.def.Kind, "join")
}

func (r *morphTo) JoinClauses(string, string) ([]Join, error) {
	return nil, unsupported(r.def.Kind, "join")
}

func (r *morphTo) JoinRepositories(string) (map[string]Repository, error) {
	return nil, unsupported(r.def.Kind, "join")
}
