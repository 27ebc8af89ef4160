package zorel_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rezakhademix/zorel"
	"github.com/rezakhademix/zorel/sqlstore"
)

func Example() {
	db, err := sqlstore.ConnectSQLite(":memory:", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
		CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT);
		INSERT INTO users VALUES (1, 'Alice'), (2, 'Bob');
		INSERT INTO posts VALUES (1, 1, 'Hello'), (2, 1, 'World'), (3, 2, 'Other');
	`); err != nil {
		log.Fatal(err)
	}

	engine := zorel.New()
	store, err := sqlstore.New(db, engine)
	if err != nil {
		log.Fatal(err)
	}

	queries := 0
	store.OnQuery(func(string, []any) { queries++ })

	users, err := store.Register("users", User{}, func(d *zorel.Declarer) {
		d.HasMany("posts", "posts")
	})
	if err != nil {
		log.Fatal(err)
	}
	if _, err := store.Register("posts", Post{}, func(d *zorel.Declarer) {
		d.BelongsTo("author", "users").Keys("user_id", "id")
	}); err != nil {
		log.Fatal(err)
	}

	rows, err := users.Query().With(zorel.Paths("posts")...).All(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	for _, row := range rows {
		u := row.(*User)
		fmt.Printf("%s: %d posts\n", u.Name, len(u.Posts))
	}
	fmt.Println("queries:", queries)

	// Output:
	// Alice: 2 posts
	// Bob: 1 posts
	// queries: 2
}

func ExampleHandle_Sync() {
	db, err := sqlstore.ConnectSQLite(":memory:", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT);
		CREATE TABLE tags (id INTEGER PRIMARY KEY, name TEXT);
		CREATE TABLE post_tag (post_id INTEGER, tag_id INTEGER);
		INSERT INTO posts VALUES (1, 1, 'Hello');
		INSERT INTO tags VALUES (1, 'go'), (2, 'sql'), (3, 'orm');
		INSERT INTO post_tag VALUES (1, 1), (1, 2);
	`); err != nil {
		log.Fatal(err)
	}

	engine := zorel.New()
	store, err := sqlstore.New(db, engine)
	if err != nil {
		log.Fatal(err)
	}
	posts, err := store.Register("posts", Post{}, func(d *zorel.Declarer) {
		d.BelongsToMany("tags", "tags")
	})
	if err != nil {
		log.Fatal(err)
	}
	if _, err := store.Register("tags", Tag{}, nil); err != nil {
		log.Fatal(err)
	}
	if _, err := store.Register("post_tag", zorel.Record{}, nil, sqlstore.PrimaryKey("")); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	post, err := posts.Find(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	h, err := engine.Relation(post, "tags")
	if err != nil {
		log.Fatal(err)
	}

	// keep "sql", drop "go", add "orm"
	n, err := h.Sync(ctx, &Tag{ID: 2}, &Tag{ID: 3})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("rows written:", n)

	if err := h.Reload(ctx); err != nil {
		log.Fatal(err)
	}
	for _, tag := range post.(*Post).Tags {
		fmt.Println(tag.Name)
	}

	// Output:
	// rows written: 2
	// sql
	// orm
}
