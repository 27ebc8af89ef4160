package zorel

import (
	"context"
)

// Handle binds one owner to one of its relations.
type Handle struct {
	engine  *Engine
	owner   any
	variant Variant
}

// Relation returns the handle of relation name on owner.
func (e *Engine) Relation(owner any, name string) (*Handle, error) {
	if isNil(owner) {
		return nil, ErrNilEntity
	}
	repo, err := e.RepositoryOf(owner)
	if err != nil {
		return nil, err
	}
	v, err := repo.Relation(name)
	if err != nil {
		return nil, err
	}
	return &Handle{engine: e, owner: owner, variant: v}, nil
}

// Variant returns the relation behind the handle.
func (h *Handle) Variant() Variant {
	return h.variant
}

func (h *Handle) Associate(related any) error {
	return h.variant.Associate(h.owner, related)
}

func (h *Handle) Dissociate() error {
	return h.variant.Dissociate(h.owner)
}

func (h *Handle) Create(data map[string]any) (any, error) {
	return h.variant.Create(h.owner, data)
}

func (h *Handle) Add(ctx context.Context, related any) (int64, error) {
	return h.variant.Add(ctx, h.owner, related)
}

func (h *Handle) through() (ThroughVariant, error) {
	tv, ok := h.variant.(ThroughVariant)
	if !ok {
		return nil, unsupported(h.variant.Definition().Kind, "join table operations")
	}
	return tv, nil
}

func (h *Handle) Has(ctx context.Context, related any) (bool, error) {
	tv, err := h.through()
	if err != nil {
		return false, err
	}
	return tv.Has(ctx, h.owner, related)
}

func (h *Handle) Attach(ctx context.Context, related any) (int64, error) {
	tv, err := h.through()
	if err != nil {
		return 0, err
	}
	return tv.Attach(ctx, h.owner, related)
}

func (h *Handle) AttachWith(ctx context.Context, related any, extra map[string]any) (int64, error) {
	tv, err := h.through()
	if err != nil {
		return 0, err
	}
	return tv.AttachWith(ctx, h.owner, related, extra)
}

func (h *Handle) Detach(ctx context.Context, related any) (int64, error) {
	tv, err := h.through()
	if err != nil {
		return 0, err
	}
	return tv.Detach(ctx, h.owner, related)
}

func (h *Handle) Sync(ctx context.Context, related ...any) (int64, error) {
	tv, err := h.through()
	if err != nil {
		return 0, err
	}
	return tv.Sync(ctx, h.owner, related...)
}

// Query returns the query of the owner's related rows.
func (h *Handle) Query() (Query, error) {
	return h.variant.Link(h.owner)
}

// Where narrows Query with f.
func (h *Handle) Where(f Filter) (Query, error) {
	q, err := h.Query()
	if err != nil {
		return nil, err
	}
	return q.Where(f), nil
}

// All runs Query.
func (h *Handle) All(ctx context.Context) ([]any, error) {
	q, err := h.Query()
	if err != nil {
		return nil, err
	}
	return q.All(ctx)
}

// Exists runs Query as an existence check.
func (h *Handle) Exists(ctx context.Context) (bool, error) {
	q, err := h.Query()
	if err != nil {
		return false, err
	}
	return q.Exists(ctx)
}

func (h *Handle) SaveAll(ctx context.Context, paths ...string) (int64, error) {
	return h.variant.SaveAll(ctx, h.owner, paths)
}

func (h *Handle) DeleteAll(ctx context.Context, paths ...string) (int64, error) {
	return h.variant.DeleteAll(ctx, h.owner, paths)
}

func (h *Handle) IsLoaded() bool {
	return h.variant.IsLoaded(h.owner)
}

// Load loads the relation on the owner unless it is already loaded, then
// walks the given sub-paths.
func (h *Handle) Load(ctx context.Context, with ...string) error {
	return h.variant.LoadIfNotLoaded(ctx, []any{h.owner}, LoadOptions{With: Paths(with...)})
}

// Reload loads the relation on the owner even if it is already loaded.
func (h *Handle) Reload(ctx context.Context, with ...string) error {
	return h.variant.Load(ctx, []any{h.owner}, LoadOptions{With: Paths(with...)})
}

// Value returns what the relation currently holds on the owner.
func (h *Handle) Value() (any, error) {
	def := h.variant.Definition()
	if def.Detached {
		v, _ := h.engine.side.Get(h.owner, def.Attribute)
		return v, nil
	}
	if def.Kind == Null {
		return nil, nil
	}
	repo, err := h.engine.RepositoryOf(h.owner)
	if err != nil {
		return nil, err
	}
	return repo.Mapper().GetField(h.owner, def.Attribute)
}
