package zorel

import (
	"context"
)

// nullRelation stands for an attribute that does not apply to a repository,
// typically a subtype that lacks a relation its siblings declare.
type nullRelation struct {
	base
}

func (r *nullRelation) Load(context.Context, []any, LoadOptions) error { return nil }

func (r *nullRelation) LoadIfNotLoaded(context.Context, []any, LoadOptions) error { return nil }

// IsLoaded is always true: there is nothing to load.
func (r *nullRelation) IsLoaded(any) bool { return true }

func (r *nullRelation) Link(any) (Query, error) {
	return nil, unsupported(r.def.Kind, "link")
}

func (r *nullRelation) Associate(any, any) error { return nil }

func (r *nullRelation) Dissociate(any) error { return nil }

func (r *nullRelation) Create(any, map[string]any) (any, error) { return nil, nil }

func (r *nullRelation) Add(context.Context, any, any) (int64, error) { return 0, nil }

func (r *nullRelation) SaveAll(context.Context, any, []string) (int64, error) { return 0, nil }

func (r *nullRelation) DeleteAll(context.Context, any, []string) (int64, error) { return 0, nil }

func (r *nullRelation) Join(q Query, _ string) (Query, error) { return q, nil }

func (r *nullRelation) JoinClauses(string, string) ([]Join, error) { return nil, nil }

func (r *nullRelation) JoinRepositories(string) (map[string]Repository, error) {
	return map[string]Repository{}, nil
}
