package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// defaultMaxInlineList bounds the IN lists bound with one placeholder per value.
const defaultMaxInlineList = 500

// Dialect holds the SQL differences between the supported databases.
type Dialect struct {
	Name string

	// IndexedPlaceholders rewrites "?" into "$1", "$2"... when set.
	IndexedPlaceholders bool

	// Returning reads generated keys with INSERT ... RETURNING instead of LastInsertId.
	Returning bool

	// MaxInlineList is the longest IN list written as "(?, ?, ...)". Longer
	// lists are bound as one array parameter, so a batch stays a single
	// statement whatever the driver's bind variable limit. 0 means 500.
	MaxInlineList int

	quote byte
}

var (
	SQLite = &Dialect{
		Name:  "sqlite3",
		quote: '"',
	}

	PostgreSQL = &Dialect{
		Name:                "postgres",
		IndexedPlaceholders: true,
		Returning:           true,
		quote:               '"',
	}

	MySQL = &Dialect{
		Name:  "mysql",
		quote: '`',
	}
)

// DialectOf picks the dialect from the driver behind db.
func DialectOf(db *sql.DB) (*Dialect, error) {
	driver := fmt.Sprintf("%T", db.Driver())
	switch {
	case strings.Contains(driver, "sqlite"):
		return SQLite, nil
	case strings.Contains(driver, "stdlib"), strings.Contains(driver, "pq."), strings.Contains(driver, "pgx"):
		return PostgreSQL, nil
	case strings.Contains(driver, "mysql"):
		return MySQL, nil
	}
	return nil, fmt.Errorf("sqlstore: no dialect for driver %s, use WithDialect", driver)
}

// Quote quotes an identifier. Dotted identifiers are quoted part by part.
func (d *Dialect) Quote(ident string) string {
	q := string(d.quote)
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// Rebind rewrites "?" placeholders for the dialect. Question marks inside
// single quoted literals are left alone.
func (d *Dialect) Rebind(query string) string {
	if !d.IndexedPlaceholders || !strings.Contains(query, "?") {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// inList renders "ref IN (...)" or "ref NOT IN (...)" for list.
func (d *Dialect) inList(ref string, not bool, list []any) (string, []any, error) {
	limit := d.MaxInlineList
	if limit <= 0 {
		limit = defaultMaxInlineList
	}
	op := " IN "
	if not {
		op = " NOT IN "
	}
	if len(list) <= limit {
		return ref + op + "(" + placeholders(len(list)) + ")", list, nil
	}

	if d.Name == PostgreSQL.Name {
		if not {
			return ref + " <> ALL(?)", []any{typedArray(list)}, nil
		}
		return ref + " = ANY(?)", []any{typedArray(list)}, nil
	}

	doc, err := jsonList(list)
	if err != nil {
		return "", nil, err
	}
	if d.Name == MySQL.Name {
		return ref + op + "(SELECT v FROM JSON_TABLE(?, '$[*]' COLUMNS (v VARCHAR(255) PATH '$')) AS list)", []any{doc}, nil
	}
	return ref + op + "(SELECT value FROM json_each(?))", []any{doc}, nil
}

// typedArray converts a list of one element type into a slice of that type,
// which pgx binds as a Postgres array. Mixed lists are returned unchanged.
func typedArray(list []any) any {
	t := reflect.TypeOf(list[0])
	if t == nil {
		return list
	}
	for _, v := range list[1:] {
		if reflect.TypeOf(v) != t {
			return list
		}
	}
	out := reflect.MakeSlice(reflect.SliceOf(t), len(list), len(list))
	for i, v := range list {
		out.Index(i).Set(reflect.ValueOf(v))
	}
	return out.Interface()
}

// jsonList encodes list as a JSON array of driver values.
func jsonList(list []any) (string, error) {
	vals := make([]any, len(list))
	for i, v := range list {
		if valuer, ok := v.(driver.Valuer); ok {
			dv, err := valuer.Value()
			if err != nil {
				return "", err
			}
			v = dv
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		vals[i] = v
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("sqlstore: encode IN list: %w", err)
	}
	return string(b), nil
}
