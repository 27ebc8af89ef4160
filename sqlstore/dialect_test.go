package sqlstore

import (
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Simple",
			input:    "SELECT * FROM users WHERE id = ?",
			expected: "SELECT * FROM users WHERE id = $1",
		},
		{
			name:     "Multiple",
			input:    "SELECT * FROM users WHERE name = ? AND age > ?",
			expected: "SELECT * FROM users WHERE name = $1 AND age > $2",
		},
		{
			name:     "Inside Quotes",
			input:    "SELECT * FROM users WHERE name = 'Question?' AND age = ?",
			expected: "SELECT * FROM users WHERE name = 'Question?' AND age = $1",
		},
		{
			name:     "Multiple Quotes",
			input:    "INSERT INTO table VALUES (?, 'Value?', ?, 'Another?')",
			expected: "INSERT INTO table VALUES ($1, 'Value?', $2, 'Another?')",
		},
		{
			name:     "Empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PostgreSQL.Rebind(tt.input))
		})
	}
}

func TestRebind_QuestionMarkDialects(t *testing.T) {
	q := "SELECT * FROM users WHERE id = ? AND name = ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
}

func TestQuote(t *testing.T) {
	tests := []struct {
		dialect  *Dialect
		ident    string
		expected string
	}{
		{SQLite, "users", `"users"`},
		{SQLite, "posts.user_id", `"posts"."user_id"`},
		{PostgreSQL, `we"ird`, `"we""ird"`},
		{MySQL, "order", "`order`"},
		{MySQL, "posts.id", "`posts`.`id`"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect.Name+"/"+tt.ident, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.dialect.Quote(tt.ident))
		})
	}
}

func TestDialectOf_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	d, err := DialectOf(db)
	require.NoError(t, err)
	assert.Same(t, SQLite, d)
}

func TestDialect_InList(t *testing.T) {
	list := []any{int64(1), int64(2), int64(3)}

	t.Run("Inline", func(t *testing.T) {
		expr, args, err := SQLite.inList(`"id"`, false, list)
		require.NoError(t, err)
		assert.Equal(t, `"id" IN (?, ?, ?)`, expr)
		assert.Equal(t, list, args)
	})

	tests := []struct {
		dialect Dialect
		not     bool
		expr    string
		args    []any
	}{
		{*SQLite, false, `"id" IN (SELECT value FROM json_each(?))`, []any{"[1,2,3]"}},
		{*SQLite, true, `"id" NOT IN (SELECT value FROM json_each(?))`, []any{"[1,2,3]"}},
		{*PostgreSQL, false, `"id" = ANY(?)`, []any{[]int64{1, 2, 3}}},
		{*PostgreSQL, true, `"id" <> ALL(?)`, []any{[]int64{1, 2, 3}}},
		{*MySQL, false, `"id" IN (SELECT v FROM JSON_TABLE(?, '$[*]' COLUMNS (v VARCHAR(255) PATH '$')) AS list)`, []any{"[1,2,3]"}},
	}
	for _, tt := range tests {
		t.Run(tt.dialect.Name, func(t *testing.T) {
			d := tt.dialect
			d.MaxInlineList = 2
			expr, args, err := d.inList(`"id"`, tt.not, list)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, expr)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestDialect_ArrayParameters(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	doc, err := jsonList([]any{id, []byte("raw"), "x", 7})
	require.NoError(t, err)
	assert.Equal(t, `["6ba7b810-9dad-11d1-80b4-00c04fd430c8","raw","x",7]`, doc)

	mixed := []any{1, "2"}
	assert.Equal(t, mixed, typedArray(mixed))
	assert.Equal(t, []string{"a", "b"}, typedArray([]any{"a", "b"}))
}
