package zorel

// throughSuffix names the join table alias of a BelongsToMany relation and the
// prefix of its join table constraints.
const throughSuffix = "Through"

// composeConstraints merges the relation's default constraints with the
// constraints of one call. Call constraints never replace defaults.
func composeConstraints(def *Definition, call Filter) Filter {
	base := def.Constraints
	if def.Discriminator != "" && def.MorphValue != "" {
		switch def.Kind {
		case MorphOne, MorphMany:
			base = base.Eq(def.Discriminator, def.MorphValue)
		}
	}
	return base.And(call)
}

// SplitThrough partitions a BelongsToMany filter into the join table filter
// ("<attr>Through."-prefixed fields, prefix stripped) and the related filter.
// Every condition lands in exactly one side.
func SplitThrough(attr string, f Filter) (through, related Filter) {
	return f.Split(throughAlias(attr) + ".")
}

func throughAlias(alias string) string {
	return alias + throughSuffix
}

// joinFilter qualifies filter fields with a join alias so they resolve against
// the joined table.
func joinFilter(f Filter, alias string) Filter {
	return f.Prefixed(alias + ".")
}

// qualify joins an alias and a field.
func qualify(alias, field string) string {
	if alias == "" {
		return field
	}
	return alias + "." + field
}
