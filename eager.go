package zorel

import (
	"strings"
)

// Path is one eager relation request: a dotted relation path ("posts.comments",
// "target#Post.comments") and the constraints applying to its last segment.
type Path struct {
	Name        string
	Constraints Filter
}

// Paths converts plain path strings.
func Paths(names ...string) []Path {
	out := make([]Path, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, Path{Name: n})
		}
	}
	return out
}

// PathWhere returns a path constrained by f.
func PathWhere(name string, f Filter) Path {
	return Path{Name: name, Constraints: f}
}

// EagerNode is the plan for one top-level relation.
type EagerNode struct {
	Name        string
	Constraints Filter
	With        []Path            // sub-paths for every related entity
	Typed       map[string][]Path // sub-paths restricted to one discriminator value
}

// EagerPlan lists top-level relations in the order they were first requested.
type EagerPlan []*EagerNode

// Node returns the plan entry for name.
func (p EagerPlan) Node(name string) (*EagerNode, bool) {
	for _, n := range p {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// PlanWith splits every path at its first dot. When a name is requested more
// than once, the latest non-empty constraints win and sub-paths accumulate.
func PlanWith(paths []Path) EagerPlan {
	var plan EagerPlan
	index := make(map[string]*EagerNode)

	for _, p := range paths {
		head, rest, nested := strings.Cut(p.Name, ".")
		name, typ, _ := strings.Cut(head, "#")
		if name == "" {
			continue
		}

		node, ok := index[name]
		if !ok {
			node = &EagerNode{Name: name}
			index[name] = node
			plan = append(plan, node)
		}

		if !nested {
			if !p.Constraints.IsEmpty() {
				node.Constraints = p.Constraints
			}
			continue
		}

		sub := Path{Name: rest, Constraints: p.Constraints}
		if typ != "" {
			if node.Typed == nil {
				node.Typed = make(map[string][]Path)
			}
			node.Typed[typ] = append(node.Typed[typ], sub)
			continue
		}
		node.With = append(node.With, sub)
	}
	return plan
}

// WithoutPlan maps relation names to nested exclusions. A nil entry prunes the
// relation entirely.
type WithoutPlan map[string][]string

// PlanWithout builds the exclusion plan. A bare name always wins over nested
// exclusions of the same relation.
func PlanWithout(names []string) WithoutPlan {
	plan := make(WithoutPlan)
	for _, n := range names {
		head, rest, nested := strings.Cut(strings.TrimSpace(n), ".")
		head, _, _ = strings.Cut(head, "#")
		if head == "" {
			continue
		}
		if !nested {
			plan[head] = nil
			continue
		}
		if sub, ok := plan[head]; ok && sub == nil {
			continue
		}
		plan[head] = append(plan[head], rest)
	}
	return plan
}

// Prunes reports whether name is excluded entirely.
func (w WithoutPlan) Prunes(name string) bool {
	sub, ok := w[name]
	return ok && sub == nil
}

// Sub returns the exclusions passed down to the relation's own eager loads.
func (w WithoutPlan) Sub(name string) []string {
	return w[name]
}

// pathNames flattens paths back to strings, for cascades which ignore constraints.
func pathNames(paths []Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Name
	}
	return out
}
