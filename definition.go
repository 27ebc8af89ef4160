package zorel

import (
	"fmt"
)

// Kind identifies the shape of a relation.
type Kind string

const (
	HasOne        Kind = "has_one"
	HasMany       Kind = "has_many"
	BelongsTo     Kind = "belongs_to"
	BelongsToMany Kind = "belongs_to_many"
	MorphTo       Kind = "morph_to"
	MorphOne      Kind = "morph_one"
	MorphMany     Kind = "morph_many"
	ByInheritance Kind = "by_inheritance"
	Custom        Kind = "custom"
	Null          Kind = "null"
)

// ToMany reports whether the kind materializes a list of related entities.
func (k Kind) ToMany() bool {
	switch k {
	case HasMany, BelongsToMany, MorphMany:
		return true
	}
	return false
}

// SaveStrategy decides how a cascade save treats rows already stored for the owner.
type SaveStrategy int

const (
	// Add writes the in-memory related entities and leaves every other row alone.
	Add SaveStrategy = iota
	// Replace deletes the stored related rows for the owner key before writing the in-memory set.
	Replace
)

func (s SaveStrategy) String() string {
	if s == Replace {
		return "replace"
	}
	return "add"
}

// MorphTarget is the concrete side of one polymorphic discriminator value.
type MorphTarget struct {
	Repository string
	DistantKey string
}

// CustomRelation supplies the join predicate of a Custom relation.
type CustomRelation struct {
	// Filter returns the predicate selecting the related rows of the whole owner batch.
	Filter func(acc FieldAccessor, owners []any) (Filter, error)
	// Match reports whether a fetched related entity belongs to owner.
	Match func(acc FieldAccessor, owner, related any) bool
	// JoinOn builds the ON pairs used when the relation is joined. Optional.
	JoinOn func(parentAlias, alias string) []On
	// Many materializes a list instead of a single entity.
	Many bool
}

// Definition is the static description of one relation. It is built by a
// Declarer and never modified afterwards.
type Definition struct {
	Kind      Kind
	Owner     string // repository declaring the relation
	Attribute string // owner field receiving the related value

	LocalKey   string
	DistantKey string
	Related    string // related repository, empty for MorphTo

	// BelongsToMany join table
	Through           string
	ThroughLocalKey   string
	ThroughDistantKey string

	// Discriminator is the type column: on the owner for MorphTo, on the related
	// side for MorphOne and MorphMany.
	Discriminator string
	Morph         map[string]MorphTarget
	MorphValue    string

	Constraints Filter
	Strategy    SaveStrategy

	// Detached relations keep their value in the engine side table instead of an owner field.
	Detached bool
	// Wrap turns a loaded list into a typed collection before it is assigned.
	Wrap func([]any) any

	Custom *CustomRelation
}

// ToMany reports whether the relation holds a list.
func (d *Definition) ToMany() bool {
	if d.Kind == Custom && d.Custom != nil {
		return d.Custom.Many
	}
	return d.Kind.ToMany()
}

// Validate checks that every key the kind needs is present.
func (d *Definition) Validate() error {
	if d.Attribute == "" {
		return fmt.Errorf("%w: relation on %s has no attribute name", ErrConfiguration, d.Owner)
	}

	missing := func(what string) error {
		return fmt.Errorf("%w: %s relation %q on %s has no %s", ErrConfiguration, d.Kind, d.Attribute, d.Owner, what)
	}

	switch d.Kind {
	case HasOne, HasMany, BelongsTo:
		if d.Related == "" {
			return missing("related repository")
		}
		if d.LocalKey == "" || d.DistantKey == "" {
			return missing("keys")
		}
	case MorphOne, MorphMany:
		if d.Related == "" {
			return missing("related repository")
		}
		if d.LocalKey == "" || d.DistantKey == "" {
			return missing("keys")
		}
		if d.Discriminator == "" || d.MorphValue == "" {
			return missing("discriminator")
		}
	case BelongsToMany:
		if d.Related == "" || d.Through == "" {
			return missing("related or through repository")
		}
		if d.LocalKey == "" || d.DistantKey == "" || d.ThroughLocalKey == "" || d.ThroughDistantKey == "" {
			return missing("keys")
		}
	case MorphTo:
		if d.Discriminator == "" || d.LocalKey == "" {
			return missing("discriminator or foreign key")
		}
		if len(d.Morph) == 0 {
			return missing("morph targets")
		}
		for value, target := range d.Morph {
			if target.Repository == "" || target.DistantKey == "" {
				return fmt.Errorf("%w: morph target %q of %q is incomplete", ErrConfiguration, value, d.Attribute)
			}
		}
	case Custom:
		if d.Related == "" {
			return missing("related repository")
		}
		if d.Custom == nil || d.Custom.Filter == nil || d.Custom.Match == nil {
			return missing("custom predicate")
		}
	case ByInheritance, Null:
	default:
		return fmt.Errorf("%w: unknown relation kind %q", ErrConfiguration, d.Kind)
	}
	return nil
}

func (d *Definition) String() string {
	return fmt.Sprintf("%s.%s(%s)", d.Owner, d.Attribute, d.Kind)
}
