package zorel_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezakhademix/zorel"
	"github.com/rezakhademix/zorel/sqlstore"
)

// Models for testing relations

type User struct {
	ID      int64
	Name    string
	Profile *Profile
	Posts   []*Post
	Avatar  *Image
}

type Profile struct {
	ID     int64
	UserID int64
	Bio    string
	User   *User
}

type Post struct {
	ID       int64
	UserID   int64
	Title    string
	Author   *User
	Tags     []*Tag
	Comments []*Comment
	Siblings []*Post
}

type Tag struct {
	ID    int64
	Name  string
	Posts []*Post
}

type Video struct {
	ID       int64
	Title    string
	Comments []*Comment
}

type Comment struct {
	ID              int64
	Body            string
	CommentableID   int64
	CommentableType string
	Commentable     any
}

type Image struct {
	ID            int64
	ImageableID   int64
	ImageableType string
	URL           string
}

type Vehicle struct {
	ID   int64
	Kind string
	Name string
}

type Car struct {
	ID    int64
	Kind  string
	Name  string
	Parts []*Part
}

type Bike struct {
	ID   int64
	Kind string
	Name string
}

type Truck struct {
	ID    int64
	Kind  string
	Name  string
	Parts []*Part
}

type Part struct {
	ID        int64
	VehicleID int64
	Name      string
}

type Owner struct {
	ID    int64
	FK    int64
	Thing *Thing
}

type Thing struct {
	ID    int64
	Label string
}

// recorder collects the statements sent to the database.
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

func (r *recorder) count() int {
	return len(r.all())
}

// touching returns the recorded statements reading from or writing to table.
func (r *recorder) touching(table string) []string {
	var out []string
	for _, q := range r.all() {
		if strings.Contains(q, `FROM "`+table+`"`) || strings.Contains(q, `INTO "`+table+`"`) {
			out = append(out, q)
		}
	}
	return out
}

type fixture struct {
	engine *zorel.Engine
	store  *sqlstore.Store
	rec    *recorder

	users    *sqlstore.Repository
	profiles *sqlstore.Repository
	posts    *sqlstore.Repository
	tags     *sqlstore.Repository
	videos   *sqlstore.Repository
	comments *sqlstore.Repository
	vehicles *sqlstore.Repository
	cars     *sqlstore.Repository
	bikes    *sqlstore.Repository
	trucks   *sqlstore.Repository
	owners   *sqlstore.Repository
}

const schema = `
	CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT);
	CREATE TABLE profiles (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, bio TEXT);
	CREATE TABLE posts (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, title TEXT);
	CREATE TABLE tags (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT);
	CREATE TABLE post_tag (post_id INTEGER, tag_id INTEGER, position INTEGER);
	CREATE TABLE videos (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT);
	CREATE TABLE comments (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT, commentable_id INTEGER, commentable_type TEXT);
	CREATE TABLE images (id INTEGER PRIMARY KEY AUTOINCREMENT, imageable_id INTEGER, imageable_type TEXT, url TEXT);
	CREATE TABLE vehicles (id INTEGER PRIMARY KEY AUTOINCREMENT, kind TEXT, name TEXT);
	CREATE TABLE parts (id INTEGER PRIMARY KEY AUTOINCREMENT, vehicle_id INTEGER, name TEXT);
	CREATE TABLE owners (id INTEGER PRIMARY KEY AUTOINCREMENT, fk INTEGER);
	CREATE TABLE things (id INTEGER PRIMARY KEY AUTOINCREMENT, label TEXT);

	INSERT INTO users (id, name) VALUES (1, 'Alice'), (2, 'Bob'), (3, 'Carol');
	INSERT INTO profiles (id, user_id, bio) VALUES (1, 1, 'hi');
	INSERT INTO posts (id, user_id, title) VALUES (1, 1, 'Hello'), (2, 1, 'World'), (3, 2, 'Other');
	INSERT INTO tags (id, name) VALUES (100, 'A'), (200, 'B');
	INSERT INTO post_tag (post_id, tag_id, position) VALUES (1, 100, 1), (1, 200, 2), (2, 100, 1);
	INSERT INTO videos (id, title) VALUES (1, 'Clip');
	INSERT INTO comments (id, body, commentable_id, commentable_type) VALUES
		(1, 'on post 1', 1, 'post'),
		(2, 'on video 1', 1, 'video'),
		(3, 'on post 2', 2, 'post'),
		(4, 'on podcast 9', 9, 'podcast');
	INSERT INTO images (id, imageable_id, imageable_type, url) VALUES (1, 1, 'user', 'u.png'), (2, 1, 'post', 'p.png');
	INSERT INTO vehicles (id, kind, name) VALUES (1, 'car', 'Beetle'), (2, 'bike', 'Fixie'), (3, 'car', 'Mini');
	INSERT INTO parts (id, vehicle_id, name) VALUES (1, 1, 'wheel'), (2, 1, 'door'), (3, 2, 'chain');
	INSERT INTO owners (id, fk) VALUES (1, 10), (2, 10), (3, 20);
	INSERT INTO things (id, label) VALUES (10, 'X'), (20, 'Y');
`

// setup builds an in-memory database holding every relation kind and registers
// its repositories with a new engine.
func setup(t *testing.T, opts ...zorel.Option) *fixture {
	t.Helper()

	db, err := sqlstore.ConnectSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(schema)
	require.NoError(t, err)

	engine := zorel.New(opts...)
	store, err := sqlstore.New(db, engine)
	require.NoError(t, err)

	f := &fixture{engine: engine, store: store, rec: &recorder{}}
	store.OnQuery(f.rec.hook)

	register := func(name string, prototype any, declare func(*zorel.Declarer), opts ...sqlstore.RepoOption) *sqlstore.Repository {
		t.Helper()
		repo, err := store.Register(name, prototype, declare, opts...)
		require.NoError(t, err, name)
		return repo
	}

	f.users = register("users", User{}, func(d *zorel.Declarer) {
		d.HasOne("profile", "profiles")
		d.HasMany("posts", "posts")
		d.MorphOne("avatar", "images", "imageable")
		d.HasMany("recent", "posts").Detached()
	})
	f.profiles = register("profiles", Profile{}, func(d *zorel.Declarer) {
		d.BelongsTo("user", "users")
	})
	f.posts = register("posts", Post{}, func(d *zorel.Declarer) {
		d.BelongsTo("author", "users").Keys("user_id", "id")
		d.BelongsToMany("tags", "tags")
		d.MorphMany("comments", "comments", "commentable")
		d.Custom("siblings", "posts", zorel.CustomRelation{
			Many: true,
			Filter: func(acc zorel.FieldAccessor, owners []any) (zorel.Filter, error) {
				idx, err := zorel.IndexBy(acc, owners, "user_id")
				if err != nil {
					return zorel.Filter{}, err
				}
				return zorel.In("user_id", idx.Values()), nil
			},
			Match: func(acc zorel.FieldAccessor, owner, related any) bool {
				o, r := owner.(*Post), related.(*Post)
				return o.UserID == r.UserID && o.ID != r.ID
			},
		})
	})
	f.tags = register("tags", Tag{}, func(d *zorel.Declarer) {
		d.BelongsToMany("posts", "posts")
	})
	register("post_tag", zorel.Record{}, nil, sqlstore.PrimaryKey(""))
	register("images", Image{}, nil)
	f.videos = register("videos", Video{}, func(d *zorel.Declarer) {
		d.MorphMany("comments", "comments", "commentable")
		d.Eager("comments")
	})
	f.comments = register("comments", Comment{}, func(d *zorel.Declarer) {
		d.MorphTo("commentable", map[string]string{"post": "posts", "video": "videos"})
	})

	subtypes := map[string]string{"car": "cars", "bike": "bikes", "truck": "trucks"}
	inherit := sqlstore.Inheritance("kind", subtypes)
	f.vehicles = register("vehicles", Vehicle{}, func(d *zorel.Declarer) {
		d.ByInheritance("parts")
	}, inherit)
	f.cars = register("cars", Car{}, func(d *zorel.Declarer) {
		d.HasMany("parts", "parts").Keys("id", "vehicle_id")
	}, sqlstore.Table("vehicles"), inherit)
	f.bikes = register("bikes", Bike{}, func(d *zorel.Declarer) {
		d.Null("parts")
	}, sqlstore.Table("vehicles"), inherit)
	// truck parts live in a table that does not exist, so loading them fails
	f.trucks = register("trucks", Truck{}, func(d *zorel.Declarer) {
		d.HasMany("parts", "truck_parts").Keys("id", "vehicle_id")
	}, sqlstore.Table("vehicles"), inherit)
	register("parts", Part{}, nil)
	register("truck_parts", Part{}, nil)

	f.owners = register("owners", Owner{}, func(d *zorel.Declarer) {
		d.HasOne("thing", "things").Keys("fk", "id")
	})
	register("things", Thing{}, nil)

	return f
}

func entities[T any](items ...*T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
