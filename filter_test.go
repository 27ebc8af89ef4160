package zorel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhere_FromAttributeMap(t *testing.T) {
	f := Where(map[string]any{
		"status": "active",
		"id":     []int{1, 2},
		"parent": nil,
		"hash":   []byte("abc"),
	})

	conds := f.Conds()
	require.Len(t, conds, 4)
	assert.Equal(t, Cond{Field: "hash", Op: OpEq, Value: []byte("abc")}, conds[0], "byte slices stay scalar")
	assert.Equal(t, Cond{Field: "id", Op: OpIn, Value: []any{1, 2}}, conds[1])
	assert.Equal(t, Cond{Field: "parent", Op: OpNull}, conds[2])
	assert.Equal(t, Cond{Field: "status", Op: OpEq, Value: "active"}, conds[3])
}

func TestFilter_Immutable(t *testing.T) {
	base := Eq("a", 1)
	left := base.Eq("b", 2)
	right := base.Eq("c", 3)

	assert.Len(t, base.Conds(), 1)
	assert.Equal(t, "b", left.Conds()[1].Field)
	assert.Equal(t, "c", right.Conds()[1].Field)

	values := []any{1, 2}
	in := In("id", values)
	values[0] = 99
	assert.Equal(t, []any{1, 2}, in.Conds()[0].Value)
}

func TestFilter_Op(t *testing.T) {
	f := Filter{}.Op("age", " gte ", 18).Op("name", "like", "a%")
	conds := f.Conds()
	assert.Equal(t, "GTE", conds[0].Op)
	assert.False(t, ValidOp(conds[0].Op))
	assert.Equal(t, OpLike, conds[1].Op)
	assert.True(t, ValidOp(conds[1].Op))
}

func TestFilter_And(t *testing.T) {
	a := Eq("a", 1)
	assert.Equal(t, a, a.And(Filter{}))
	assert.Equal(t, a, Filter{}.And(a))

	both := a.And(Raw("b > ?", 2))
	assert.Len(t, both.Conds(), 1)
	require.Len(t, both.RawPredicates(), 1)
	assert.Equal(t, []any{2}, both.RawPredicates()[0].Args)
	assert.Len(t, a.RawPredicates(), 0)
}

func TestFilter_PrefixedAndSplit(t *testing.T) {
	f := Eq("name", "go").Eq("post_tagThrough.position", 1).Raw("1 = 1")

	prefixed := f.Prefixed("tags.")
	assert.Equal(t, "tags.name", prefixed.Conds()[0].Field)
	assert.Len(t, prefixed.RawPredicates(), 1)

	through, rest := f.Split("post_tagThrough.")
	require.Len(t, through.Conds(), 1)
	assert.Equal(t, "position", through.Conds()[0].Field)
	assert.Len(t, through.RawPredicates(), 0)
	require.Len(t, rest.Conds(), 1)
	assert.Equal(t, "name", rest.Conds()[0].Field)
	assert.Len(t, rest.RawPredicates(), 1)
}

func TestFilter_String(t *testing.T) {
	assert.Equal(t, "{}", Filter{}.String())
	assert.Equal(t, "{a = 1 AND b IS NULL AND c > 0}", Eq("a", 1).Eq("b", nil).Raw("c > 0").String())
}

func TestSplitThrough(t *testing.T) {
	f := Eq("tagsThrough.position", 1).Eq("name", "go")
	through, related := SplitThrough("tags", f)
	assert.Equal(t, "position", through.Conds()[0].Field)
	assert.Equal(t, "name", related.Conds()[0].Field)
}
