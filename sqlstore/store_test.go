package sqlstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezakhademix/zorel"
)

type user struct {
	ID    int64
	Name  string
	Posts []*post
}

type post struct {
	ID     int64
	UserID int64
	Title  string
	Author *user
	Tags   []*tag
}

type tag struct {
	ID   int64
	Name string
}

type vehicle struct {
	ID   int64
	Kind string
	Name string
}

type car struct {
	ID    int64
	Kind  string
	Name  string
	Doors int
}

// recorder collects the statements a store sends.
type recorder struct {
	mu      sync.Mutex
	queries []string
}

func (r *recorder) hook(query string, _ []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

type fixture struct {
	store *Store
	rec   *recorder
	users *Repository
	posts *Repository
	tags  *Repository
	cars  *Repository
	veh   *Repository
}

func setupStore(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := openMemory(t)

	_, err := db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT);
		CREATE TABLE posts (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, title TEXT);
		CREATE TABLE tags (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT);
		CREATE TABLE post_tag (post_id INTEGER, tag_id INTEGER);
		CREATE TABLE vehicles (id INTEGER PRIMARY KEY AUTOINCREMENT, kind TEXT, name TEXT, doors INTEGER);

		INSERT INTO users (id, name) VALUES (1, 'Alice'), (2, 'Bob');
		INSERT INTO posts (id, user_id, title) VALUES (1, 1, 'Hello'), (2, 1, 'World'), (3, 2, 'Other');
		INSERT INTO tags (id, name) VALUES (1, 'go'), (2, 'sql');
		INSERT INTO post_tag (post_id, tag_id) VALUES (1, 1), (1, 2), (3, 2);
		INSERT INTO vehicles (id, kind, name, doors) VALUES (1, 'car', 'Beetle', 2), (2, 'bike', 'Fixie', NULL);
	`)
	require.NoError(t, err)

	store, err := New(db, zorel.New(), opts...)
	require.NoError(t, err)

	f := &fixture{store: store, rec: &recorder{}}
	store.OnQuery(f.rec.hook)

	f.users, err = store.Register("users", user{}, func(d *zorel.Declarer) {
		d.HasMany("posts", "posts")
	})
	require.NoError(t, err)
	f.posts, err = store.Register("posts", &post{}, func(d *zorel.Declarer) {
		d.BelongsTo("author", "users").Keys("user_id", "id")
		d.BelongsToMany("tags", "tags")
	})
	require.NoError(t, err)
	f.tags, err = store.Register("tags", tag{}, nil)
	require.NoError(t, err)
	_, err = store.Register("post_tag", zorel.Record{}, nil, PrimaryKey(""))
	require.NoError(t, err)

	subtypes := map[string]string{"car": "cars"}
	f.veh, err = store.Register("vehicles", vehicle{}, nil, Inheritance("kind", subtypes))
	require.NoError(t, err)
	f.cars, err = store.Register("cars", car{}, nil, Table("vehicles"), Inheritance("kind", subtypes))
	require.NoError(t, err)
	return f
}

func TestRepository_SaveInsertsThenUpdates(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	u := &user{Name: "Carol"}
	n, err := f.users.Save(ctx, u)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 3, u.ID, "generated key is read back")

	u.Name = "Caroline"
	_, err = f.users.Save(ctx, u)
	require.NoError(t, err)

	found, err := f.users.Find(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Caroline", found.(*user).Name)

	exists, err := f.users.Exists(ctx, u)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepository_SaveWithUnknownKeyInserts(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	u := &user{ID: 42, Name: "Dave"}
	_, err := f.users.Save(ctx, u)
	require.NoError(t, err)

	found, err := f.users.Find(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Dave", found.(*user).Name)
}

func TestRepository_Delete(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	found, err := f.users.Find(ctx, 2)
	require.NoError(t, err)
	n, err := f.users.Delete(ctx, found)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.users.Find(ctx, 2)
	assert.True(t, zorel.IsNotFound(err))
}

func TestRepository_KeylessRecords(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	repo, err := f.store.Engine().Repository("post_tag")
	require.NoError(t, err)

	row, err := repo.Entity(map[string]any{"post_id": 2, "tag_id": 1})
	require.NoError(t, err)
	_, err = repo.Save(ctx, row)
	require.NoError(t, err)

	exists, err := repo.Exists(ctx, row)
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := repo.Delete(ctx, row)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQuery_WhereAndOrder(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.posts.Query().OrderBy("title DESC").Where(zorel.Eq("user_id", 1)).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "World", rows[0].(*post).Title)
	assert.Equal(t, "Hello", rows[1].(*post).Title)
}

func TestQuery_EmptyInMatchesNothing(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.posts.Builder().Where(zorel.In("id", nil)).All(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Contains(t, f.rec.all()[0], "1 = 0")
}

func TestQuery_NilEqualityIsNull(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	_, err := f.store.DB().Exec(`INSERT INTO users (id) VALUES (3)`)
	require.NoError(t, err)

	rows, err := f.users.Builder().Where(zorel.Eq("name", nil)).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0].(*user).ID)
	assert.Contains(t, f.rec.all()[0], `"users"."name" IS NULL`)
}

func TestQuery_RawPredicate(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.posts.Builder().Where(zorel.Raw("length(title) > ?", 5)).All(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 0)

	rows, err = f.posts.Builder().Where(zorel.Raw("length(title) = ?", 5)).All(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestQuery_InvalidOperator(t *testing.T) {
	f := setupStore(t)
	_, err := f.posts.Builder().Where(zorel.Filter{}.Op("title", "; DROP", 1)).All(context.Background())
	require.Error(t, err)
}

func TestQuery_AutoJoinHasMany(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.users.Builder().Where(zorel.Eq("posts.title", "Other")).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bob", rows[0].(*user).Name)

	q := f.rec.all()[0]
	assert.Contains(t, q, `LEFT JOIN "posts" AS "posts" ON "posts"."user_id" = "users"."id"`)
	assert.True(t, strings.HasPrefix(q, "SELECT DISTINCT"))
}

func TestQuery_AutoJoinBelongsToMany(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.posts.Builder().Where(zorel.Eq("tags.name", "sql")).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Hello", rows[0].(*post).Title)
	assert.Equal(t, "Other", rows[1].(*post).Title)

	rows, err = f.posts.Builder().Where(zorel.Eq("tagsThrough.tag_id", 1)).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].(*post).ID)
}

func TestQuery_AutoJoinNestedPath(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.users.Builder().Where(zorel.Eq("posts.tags.name", "go")).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].(*user).Name)
	assert.Contains(t, f.rec.all()[0], `AS "posts__tags"`)
}

func TestQuery_UnknownField(t *testing.T) {
	f := setupStore(t)
	_, err := f.users.Builder().Where(zorel.Eq("nope", 1)).All(context.Background())
	assert.ErrorIs(t, err, zorel.ErrUnknownField)
}

func TestQuery_ExecuteKeysByRequestedNames(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	repo, err := f.store.Engine().Repository("post_tag")
	require.NoError(t, err)
	rows, err := repo.Builder().Where(zorel.Eq("post_id", 1)).Execute(ctx, "post_id", "tag_id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Len(t, r, 2)
		assert.EqualValues(t, 1, r["post_id"])
	}
}

func TestQuery_Exists(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	ok, err := f.posts.Builder().Where(zorel.Eq("title", "Hello")).Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.posts.Builder().Where(zorel.Eq("title", "missing")).Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuery_DeleteSingleTable(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	n, err := f.posts.Builder().Where(zorel.Eq("user_id", 1)).Delete(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, `DELETE FROM "posts" WHERE "user_id" = ?`, f.rec.all()[0])
}

func TestQuery_DeleteWithJoin(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	n, err := f.posts.Builder().Where(zorel.Eq("tags.name", "go")).Delete(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Contains(t, f.rec.all()[0], `WHERE "id" IN (SELECT "id" FROM (SELECT "posts"."id" AS "id" FROM "posts" AS "posts"`)

	rows, err := f.posts.Builder().All(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestQuery_Immutable(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	base := f.posts.Builder().Where(zorel.Eq("user_id", 1))
	narrowed := base.Where(zorel.Eq("title", "Hello"))

	all, err := base.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	one, err := narrowed.All(ctx)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestQuery_WithEagerLoads(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.users.Builder().With(zorel.Paths("posts.tags")...).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Len(t, f.rec.all(), 4, "users, posts, join rows, tags")

	alice := rows[0].(*user)
	require.Len(t, alice.Posts, 2)
	assert.Len(t, alice.Posts[0].Tags, 2)
	assert.Empty(t, alice.Posts[1].Tags)
}

func TestInheritance_HydratesSubtypes(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	rows, err := f.veh.Builder().All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	c, ok := rows[0].(*car)
	require.True(t, ok, "car rows hydrate as cars, got %T", rows[0])
	assert.Equal(t, 2, c.Doors)
	_, ok = rows[1].(*vehicle)
	assert.True(t, ok)

	cars, err := f.cars.Builder().All(ctx)
	require.NoError(t, err)
	assert.Len(t, cars, 1, "subtype queries only see their own rows")

	e, err := f.cars.Entity(map[string]any{"name": "Mini"})
	require.NoError(t, err)
	assert.Equal(t, "car", e.(*car).Kind)
}

func TestStore_TransactionRollsBack(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.store.Transaction(ctx, func(ctx context.Context) error {
		if _, err := f.users.Save(ctx, &user{Name: "Temp"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := f.users.Builder().All(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStore_TransactionCommits(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	err := f.store.Transaction(ctx, func(ctx context.Context) error {
		_, err := f.users.Save(ctx, &user{Name: "Kept"})
		return err
	})
	require.NoError(t, err)

	rows, err := f.users.Builder().All(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestStore_StatementCache(t *testing.T) {
	f := setupStore(t, WithStmtCache(8))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.users.Find(ctx, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.store.CachedStatements())
	require.NoError(t, f.store.Close())
	assert.Equal(t, 0, f.store.CachedStatements())
}
