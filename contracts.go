package zorel

import (
	"context"
)

// Record is a schemaless entity, used for join tables and ad-hoc rows.
type Record map[string]any

// FieldAccessor reads and writes named fields on entities.
type FieldAccessor interface {
	GetField(entity any, name string) (any, error)
	SetField(entity any, name string, value any) error
}

// Repository is the storage side of one entity type.
type Repository interface {
	Name() string
	Table() string
	PrimaryKey() string
	Builder() Query
	// Entity builds an unsaved entity from attribute data.
	Entity(data map[string]any) (any, error)
	Save(ctx context.Context, entity any) (int64, error)
	Delete(ctx context.Context, entity any) (int64, error)
	Exists(ctx context.Context, entity any) (bool, error)
	Relation(name string) (Variant, error)
	Mapper() FieldAccessor
	// DefaultWith lists relations every query of the repository eager loads.
	DefaultWith() []Path
}

// Inheritance is implemented by repositories whose table is shared by several
// subtypes told apart by a discriminator column.
type Inheritance interface {
	DiscriminatorField() string
	// Subtypes maps discriminator values to subtype repository names.
	Subtypes() map[string]string
}

// Query is an immutable query over one repository. Every builder method
// returns a new Query.
type Query interface {
	Repository() Repository
	Alias() string
	Where(f Filter) Query
	Join(joins ...Join) Query
	With(paths ...Path) Query
	Without(names ...string) Query
	All(ctx context.Context) ([]any, error)
	// Execute returns raw rows holding only the requested fields.
	Execute(ctx context.Context, fields ...string) ([]map[string]any, error)
	Exists(ctx context.Context) (bool, error)
	Delete(ctx context.Context) (int64, error)
	Clone() Query
}

// Locator resolves repositories by name or by entity.
type Locator interface {
	Repository(name string) (Repository, error)
	RepositoryOf(entity any) (Repository, error)
}

// On is one equality of a join condition. Both sides are "alias.field".
type On struct {
	Left  string
	Right string
}

// Join describes a LEFT JOIN contributed by a relation.
type Join struct {
	Repository Repository
	Alias      string
	On         []On
	// Where holds extra ON conditions, already prefixed with Alias.
	Where Filter
}

// Collection is implemented by wrapped relation values so the engine can walk them.
type Collection interface {
	Entities() []any
}

// Named is implemented by entities that know their repository, such as records.
type Named interface {
	RepositoryName() string
}
