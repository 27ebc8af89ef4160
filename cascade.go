package zorel

import (
	"context"
)

type cascadeStep struct {
	variant Variant
	paths   []string
	// parent relations keep the foreign key on the entity: the parent is saved
	// before the entity and deleted after it
	parent bool
}

func (e *Engine) cascadePlan(repo Repository, entity any, paths []string) ([]cascadeStep, error) {
	plan := PlanWith(Paths(paths...))
	steps := make([]cascadeStep, 0, len(plan))
	for _, node := range plan {
		v, err := repo.Relation(node.Name)
		if err != nil {
			return nil, WrapRelationError(node.Name, repo.Name(), err)
		}
		steps = append(steps, cascadeStep{
			variant: v,
			paths:   pathNames(node.With),
			parent:  ownerSide(v, entity),
		})
	}
	return steps, nil
}

// ownerSide reports whether the relation stores its foreign key on entity.
func ownerSide(v Variant, entity any) bool {
	switch v.Definition().Kind {
	case BelongsTo, MorphTo:
		return true
	case ByInheritance:
		if ir, ok := v.(*inheritanceRelation); ok {
			if d, err := ir.delegate(entity); err == nil {
				return ownerSide(d, entity)
			}
		}
	}
	return false
}

// Save persists entity and cascades into the relations named by paths
// ("author", "comments.votes"). Parents are saved first so their keys can be
// copied onto entity; children are saved after it.
func (e *Engine) Save(ctx context.Context, entity any, paths ...string) (int64, error) {
	if isNil(entity) {
		return 0, ErrNilEntity
	}
	repo, err := e.RepositoryOf(entity)
	if err != nil {
		return 0, err
	}
	return e.save(ctx, repo, entity, paths)
}

func (e *Engine) save(ctx context.Context, repo Repository, entity any, paths []string) (int64, error) {
	if isNil(entity) {
		return 0, ErrNilEntity
	}
	steps, err := e.cascadePlan(repo, entity, paths)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, s := range steps {
		if !s.parent {
			continue
		}
		n, err := s.variant.SaveAll(ctx, entity, s.paths)
		total += n
		if err != nil {
			return total, err
		}
	}

	n, err := repo.Save(ctx, entity)
	total += n
	if err != nil {
		return total, err
	}

	for _, s := range steps {
		if s.parent {
			continue
		}
		n, err := s.variant.SaveAll(ctx, entity, s.paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SaveRelations cascades into the relations named by paths without saving entity.
func (e *Engine) SaveRelations(ctx context.Context, entity any, paths ...string) (int64, error) {
	repo, err := e.RepositoryOf(entity)
	if err != nil {
		return 0, err
	}
	steps, err := e.cascadePlan(repo, entity, paths)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range steps {
		n, err := s.variant.SaveAll(ctx, entity, s.paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Delete removes entity and cascades into the relations named by paths.
// Children go first, then entity, then parents.
func (e *Engine) Delete(ctx context.Context, entity any, paths ...string) (int64, error) {
	if isNil(entity) {
		return 0, ErrNilEntity
	}
	repo, err := e.RepositoryOf(entity)
	if err != nil {
		return 0, err
	}
	return e.delete(ctx, repo, entity, paths)
}

func (e *Engine) delete(ctx context.Context, repo Repository, entity any, paths []string) (int64, error) {
	if isNil(entity) {
		return 0, ErrNilEntity
	}
	steps, err := e.cascadePlan(repo, entity, paths)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, s := range steps {
		if s.parent {
			continue
		}
		n, err := s.variant.DeleteAll(ctx, entity, s.paths)
		total += n
		if err != nil {
			return total, err
		}
	}

	n, err := repo.Delete(ctx, entity)
	total += n
	if err != nil {
		return total, err
	}
	// detached parents are read from the side table below
	defer e.Forget(entity)

	for _, s := range steps {
		if !s.parent {
			continue
		}
		n, err := s.variant.DeleteAll(ctx, entity, s.paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeleteRelations deletes what the relations named by paths hold for entity,
// leaving entity itself in place.
func (e *Engine) DeleteRelations(ctx context.Context, entity any, paths ...string) (int64, error) {
	repo, err := e.RepositoryOf(entity)
	if err != nil {
		return 0, err
	}
	steps, err := e.cascadePlan(repo, entity, paths)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range steps {
		n, err := s.variant.DeleteAll(ctx, entity, s.paths)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
