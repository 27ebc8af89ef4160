package zorel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezakhademix/zorel"
)

func count(t *testing.T, f *fixture, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestCascade_SaveNestedGraph(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	u := &User{
		Name: "Dave",
		Posts: []*Post{
			{Title: "tagged", Tags: []*Tag{{Name: "C"}}},
			{Title: "plain"},
		},
	}
	_, err := f.engine.Save(ctx, u, "posts.tags")
	require.NoError(t, err)
	require.NotZero(t, u.ID)

	found, err := f.users.Find(ctx, u.ID, "posts.tags")
	require.NoError(t, err)
	stored := found.(*User)
	require.Len(t, stored.Posts, 2)
	assert.Equal(t, "tagged", stored.Posts[0].Title)
	require.Len(t, stored.Posts[0].Tags, 1)
	assert.Equal(t, "C", stored.Posts[0].Tags[0].Name)
	assert.Empty(t, stored.Posts[1].Tags)
}

func TestCascade_SaveParentFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := &Post{Title: "by a newcomer", Author: &User{Name: "Eve"}}
	_, err := f.engine.Save(ctx, p, "author")
	require.NoError(t, err)

	queries := f.rec.all()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], `INSERT INTO "users"`)
	assert.Contains(t, queries[1], `INSERT INTO "posts"`)
	assert.NotZero(t, p.Author.ID)
	assert.Equal(t, p.Author.ID, p.UserID)
}

func TestCascade_ReplaceKeepsSavedItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	u := &User{ID: 1}
	require.NoError(t, f.engine.Load(ctx, f.users, entities(u), zorel.Paths("posts")))
	u.Posts = u.Posts[:1]
	u.Posts[0].Title = "Hello again"

	_, err := f.engine.SaveRelations(ctx, u, "posts")
	require.NoError(t, err)

	rows, err := f.posts.Query().Where(zorel.Eq("user_id", 1)).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the dropped post is deleted")
	assert.Equal(t, "Hello again", rows[0].(*Post).Title)
}

func TestCascade_AddStrategyKeepsRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	u := &User{ID: 1, Profile: &Profile{Bio: "second"}}
	_, err := f.engine.SaveRelations(ctx, u, "profile")
	require.NoError(t, err)

	assert.Equal(t, 2, count(t, f, "profiles"))
	assert.EqualValues(t, 1, u.Profile.UserID)
	for _, q := range f.rec.all() {
		assert.NotContains(t, q, "DELETE")
	}
}

func TestCascade_DeleteChildrenFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	u := &User{ID: 1}
	n, err := f.engine.Delete(ctx, u, "posts.comments")
	require.NoError(t, err)

	// two comments, two posts and the user
	assert.EqualValues(t, 5, n)
	assert.Equal(t, 2, count(t, f, "users"))
	assert.Equal(t, 1, count(t, f, "posts"))
	assert.Equal(t, 2, count(t, f, "comments"), "comments of other owners stay")

	queries := f.rec.all()
	last := queries[len(queries)-1]
	assert.Contains(t, last, `DELETE FROM "users"`)
}

func TestCascade_DeleteRelationsLeavesSharedRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := &Post{ID: 1}
	n, err := f.engine.DeleteRelations(ctx, p, "tags")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.Equal(t, 1, count(t, f, "post_tag"))
	assert.Equal(t, 2, count(t, f, "tags"))
	assert.Equal(t, 3, count(t, f, "posts"))
}

func TestCascade_MorphToSavesParent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := &Comment{Body: "first!", Commentable: &Video{Title: "New clip"}}
	_, err := f.engine.Save(ctx, c, "commentable")
	require.NoError(t, err)

	assert.Equal(t, "video", c.CommentableType)
	assert.NotZero(t, c.CommentableID)
	assert.Equal(t, c.Commentable.(*Video).ID, c.CommentableID)
}

func TestCascade_UnknownPath(t *testing.T) {
	f := setup(t)

	_, err := f.engine.Save(context.Background(), &User{Name: "x"}, "missing")
	assert.ErrorIs(t, err, zorel.ErrRelationNotFound)
	assert.Zero(t, f.rec.count())

	_, err = f.engine.Save(context.Background(), nil)
	assert.ErrorIs(t, err, zorel.ErrNilEntity)
}

type Badge struct {
	ID     int64
	UserID int64
	Label  string
}

func TestCascade_DeleteDetachedParent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.DB().Exec(`CREATE TABLE badges (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, label TEXT);
		INSERT INTO badges (id, user_id, label) VALUES (1, 3, 'gold');`)
	require.NoError(t, err)
	badges, err := f.store.Register("badges", Badge{}, func(d *zorel.Declarer) {
		d.BelongsTo("holder", "users").Keys("user_id", "id").Detached()
	})
	require.NoError(t, err)

	b := &Badge{ID: 1, UserID: 3}
	require.NoError(t, f.engine.Load(ctx, badges, entities(b), zorel.Paths("holder")))
	h, err := f.engine.Relation(b, "holder")
	require.NoError(t, err)
	holder, err := h.Value()
	require.NoError(t, err)
	require.NotNil(t, holder)
	f.rec.reset()

	n, err := f.engine.Delete(ctx, b, "holder")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Len(t, f.rec.touching("users"), 1, "the detached parent is deleted after the badge")
	assert.Equal(t, 2, count(t, f, "users"))
	assert.Equal(t, 0, count(t, f, "badges"))

	v, err := h.Value()
	require.NoError(t, err)
	assert.Nil(t, v, "the deleted badge is forgotten")
}
