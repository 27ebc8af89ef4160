package zorel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

var plural = pluralize.NewClient()

// Declarer collects the relations of one repository.
type Declarer struct {
	owner     string
	relations []*RelationBuilder
	eager     []Path
}

// NewDeclarer starts the relation declarations of repository owner.
func NewDeclarer(owner string) *Declarer {
	return &Declarer{owner: owner}
}

// RelationBuilder configures one declared relation. Keys left empty get
// conventional names when the declarer is built.
type RelationBuilder struct {
	def         *Definition
	strategySet bool
	morphMany   bool
}

func (d *Declarer) add(kind Kind, attr, related string) *RelationBuilder {
	rb := &RelationBuilder{def: &Definition{
		Kind:      kind,
		Owner:     d.owner,
		Attribute: attr,
		Related:   related,
	}}
	d.relations = append(d.relations, rb)
	return rb
}

func (d *Declarer) HasOne(attr, related string) *RelationBuilder {
	return d.add(HasOne, attr, related)
}

func (d *Declarer) HasMany(attr, related string) *RelationBuilder {
	return d.add(HasMany, attr, related)
}

func (d *Declarer) BelongsTo(attr, related string) *RelationBuilder {
	return d.add(BelongsTo, attr, related)
}

func (d *Declarer) BelongsToMany(attr, related string) *RelationBuilder {
	return d.add(BelongsToMany, attr, related)
}

// MorphTo declares a polymorphic parent. targets maps discriminator values to
// repository names; use Target to give a non-default distant key.
func (d *Declarer) MorphTo(attr string, targets map[string]string) *RelationBuilder {
	rb := d.add(MorphTo, attr, "")
	rb.def.Morph = make(map[string]MorphTarget, len(targets))
	for value, repo := range targets {
		rb.def.Morph[value] = MorphTarget{Repository: repo}
	}
	return rb
}

// MorphOne declares the single child of a polymorphic parent. morphName is the
// prefix of the child's "<name>_id" and "<name>_type" columns.
func (d *Declarer) MorphOne(attr, related, morphName string) *RelationBuilder {
	rb := d.add(MorphOne, attr, related)
	rb.morph(morphName)
	return rb
}

func (d *Declarer) MorphMany(attr, related, morphName string) *RelationBuilder {
	rb := d.add(MorphMany, attr, related)
	rb.morph(morphName)
	return rb
}

// ByInheritance declares a relation resolved by each subtype repository of the owner.
func (d *Declarer) ByInheritance(attr string) *RelationBuilder {
	return d.add(ByInheritance, attr, "")
}

func (d *Declarer) Custom(attr, related string, rel CustomRelation) *RelationBuilder {
	rb := d.add(Custom, attr, related)
	rb.def.Custom = &rel
	return rb
}

// Null declares that attr does not apply to this repository.
func (d *Declarer) Null(attr string) *RelationBuilder {
	return d.add(Null, attr, "")
}

// Eager registers relations every query of the repository loads by default.
func (d *Declarer) Eager(paths ...string) *Declarer {
	d.eager = append(d.eager, Paths(paths...)...)
	return d
}

// EagerWhere registers a constrained default eager relation.
func (d *Declarer) EagerWhere(path string, f Filter) *Declarer {
	d.eager = append(d.eager, PathWhere(path, f))
	return d
}

// DefaultWith returns the default eager relations.
func (d *Declarer) DefaultWith() []Path {
	out := make([]Path, len(d.eager))
	copy(out, d.eager)
	return out
}

// Definitions applies naming defaults and validates every declared relation.
func (d *Declarer) Definitions() ([]*Definition, error) {
	seen := make(map[string]bool, len(d.relations))
	defs := make([]*Definition, 0, len(d.relations))
	for _, rb := range d.relations {
		def := rb.build()
		if seen[def.Attribute] {
			return nil, fmt.Errorf("%w: relation %q declared twice on %s", ErrConfiguration, def.Attribute, d.owner)
		}
		seen[def.Attribute] = true
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Keys overrides the local and distant key names.
func (rb *RelationBuilder) Keys(local, distant string) *RelationBuilder {
	rb.def.LocalKey = local
	rb.def.DistantKey = distant
	return rb
}

// Through sets the join table repository and its key columns.
func (rb *RelationBuilder) Through(repo, throughLocal, throughDistant string) *RelationBuilder {
	rb.def.Through = repo
	rb.def.ThroughLocalKey = throughLocal
	rb.def.ThroughDistantKey = throughDistant
	return rb
}

// Where sets the default constraints. For BelongsToMany, fields prefixed with
// "<attr>Through." filter the join table.
func (rb *RelationBuilder) Where(f Filter) *RelationBuilder {
	rb.def.Constraints = rb.def.Constraints.And(f)
	return rb
}

func (rb *RelationBuilder) Strategy(s SaveStrategy) *RelationBuilder {
	rb.def.Strategy = s
	rb.strategySet = true
	return rb
}

func (rb *RelationBuilder) Detached() *RelationBuilder {
	rb.def.Detached = true
	return rb
}

func (rb *RelationBuilder) Wrap(fn func([]any) any) *RelationBuilder {
	rb.def.Wrap = fn
	return rb
}

// Discriminator overrides the type column name.
func (rb *RelationBuilder) Discriminator(column string) *RelationBuilder {
	rb.def.Discriminator = column
	return rb
}

// MorphValue overrides the value identifying the owner type in MorphOne/MorphMany rows.
func (rb *RelationBuilder) MorphValue(value string) *RelationBuilder {
	rb.def.MorphValue = value
	return rb
}

// Target adds or overrides a MorphTo target.
func (rb *RelationBuilder) Target(value, repo, distantKey string) *RelationBuilder {
	if rb.def.Morph == nil {
		rb.def.Morph = make(map[string]MorphTarget)
	}
	rb.def.Morph[value] = MorphTarget{Repository: repo, DistantKey: distantKey}
	return rb
}

func (rb *RelationBuilder) morph(name string) {
	rb.def.Discriminator = name + "_type"
	rb.def.DistantKey = name + "_id"
}

func (rb *RelationBuilder) build() *Definition {
	def := *rb.def
	if rb.def.Morph != nil {
		def.Morph = make(map[string]MorphTarget, len(rb.def.Morph))
		for k, v := range rb.def.Morph {
			def.Morph[k] = v
		}
	}
	owner := singular(def.Owner)

	switch def.Kind {
	case HasOne, HasMany:
		def.LocalKey = orDefault(def.LocalKey, "id")
		def.DistantKey = orDefault(def.DistantKey, owner+"_id")
	case MorphOne, MorphMany:
		def.LocalKey = orDefault(def.LocalKey, "id")
		def.MorphValue = orDefault(def.MorphValue, owner)
	case BelongsTo:
		def.LocalKey = orDefault(def.LocalKey, strcase.ToSnake(def.Attribute)+"_id")
		def.DistantKey = orDefault(def.DistantKey, "id")
	case BelongsToMany:
		related := singular(def.Related)
		def.LocalKey = orDefault(def.LocalKey, "id")
		def.DistantKey = orDefault(def.DistantKey, "id")
		if def.Through == "" {
			names := []string{owner, related}
			sort.Strings(names)
			def.Through = strings.Join(names, "_")
		}
		def.ThroughLocalKey = orDefault(def.ThroughLocalKey, owner+"_id")
		def.ThroughDistantKey = orDefault(def.ThroughDistantKey, related+"_id")
	case MorphTo:
		attr := strcase.ToSnake(def.Attribute)
		def.LocalKey = orDefault(def.LocalKey, attr+"_id")
		def.Discriminator = orDefault(def.Discriminator, attr+"_type")
		for value, target := range def.Morph {
			target.DistantKey = orDefault(target.DistantKey, "id")
			def.Morph[value] = target
		}
	}

	if !rb.strategySet {
		switch def.Kind {
		case HasMany, MorphMany, BelongsToMany:
			def.Strategy = Replace
		default:
			def.Strategy = Add
		}
	}
	return &def
}

func singular(name string) string {
	return strcase.ToSnake(plural.Singular(name))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
