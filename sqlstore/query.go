package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/rezakhademix/zorel"
)

// Query is an immutable SELECT/DELETE over one repository. It implements
// zorel.Query; every builder method returns a new Query.
type Query struct {
	repo    *Repository
	alias   string
	where   zorel.Filter
	joins   []zorel.Join
	with    []zorel.Path
	without []string
	order   []string
	limit   int
}

func (q *Query) clone() *Query {
	c := *q
	c.joins = slices.Clip(q.joins)
	c.with = slices.Clip(q.with)
	c.without = slices.Clip(q.without)
	c.order = slices.Clip(q.order)
	return &c
}

func (q *Query) Repository() zorel.Repository { return q.repo }
func (q *Query) Alias() string                { return q.alias }
func (q *Query) Clone() zorel.Query           { return q.clone() }

// Where adds conditions. Dotted fields name a join alias or a relation path
// ("posts.title", "posts.comments.body"); relations are joined on demand.
func (q *Query) Where(f zorel.Filter) zorel.Query {
	c := q.clone()
	c.where = c.where.And(f)
	return c
}

func (q *Query) Join(joins ...zorel.Join) zorel.Query {
	c := q.clone()
	c.joins = append(c.joins, joins...)
	return c
}

// With eager loads paths on the entities returned by All.
func (q *Query) With(paths ...zorel.Path) zorel.Query {
	c := q.clone()
	c.with = append(c.with, paths...)
	return c
}

// Without prunes default eager relations.
func (q *Query) Without(names ...string) zorel.Query {
	c := q.clone()
	c.without = append(c.without, names...)
	return c
}

// OrderBy sorts by fields. A field may end with " DESC". Without ordering,
// rows come back by primary key.
func (q *Query) OrderBy(fields ...string) *Query {
	c := q.clone()
	c.order = append(c.order, fields...)
	return c
}

func (q *Query) Limit(n int) *Query {
	c := q.clone()
	c.limit = n
	return c
}

// All hydrates the matching rows and eager loads the requested and default relations.
func (q *Query) All(ctx context.Context) ([]any, error) {
	st, err := q.compile(nil, false, true)
	if err != nil {
		return nil, err
	}
	d := q.repo.store.dialect

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if st.joined {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(d.Quote(q.alias) + ".*")
	st.writeTail(&sb, q)

	rows, err := q.fetch(ctx, sb.String(), st.args)
	if err != nil {
		return nil, err
	}

	entities := make([]any, 0, len(rows))
	for _, row := range rows {
		e, err := q.repo.hydrate(row)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	with := append(q.repo.DefaultWith(), q.with...)
	if err := q.repo.store.engine.Load(ctx, q.repo, entities, with, q.without...); err != nil {
		return nil, err
	}
	return entities, nil
}

// Execute returns the requested fields of the matching rows, keyed by the
// names given. No fields returns every column of the table.
func (q *Query) Execute(ctx context.Context, fields ...string) ([]map[string]any, error) {
	st, err := q.compile(fields, false, false)
	if err != nil {
		return nil, err
	}
	d := q.repo.store.dialect

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if st.joined {
		sb.WriteString("DISTINCT ")
	}
	if len(fields) == 0 {
		sb.WriteString(d.Quote(q.alias) + ".*")
	}
	for i, ref := range st.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(ref + " AS " + d.Quote("c"+strconv.Itoa(i)))
	}
	st.writeTail(&sb, q)

	rows, err := q.fetch(ctx, sb.String(), st.args)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		for _, row := range rows {
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
		}
		return rows, nil
	}

	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(fields))
		for j, f := range fields {
			v := row["c"+strconv.Itoa(j)]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[f] = v
		}
		out[i] = m
	}
	return out, nil
}

// Exists reports whether any row matches.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	st, err := q.compile(nil, false, false)
	if err != nil {
		return false, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT 1 FROM ")
	sb.WriteString(st.from)
	if st.where != "" {
		sb.WriteString(" WHERE " + st.where)
	}
	sb.WriteString(" LIMIT 1")

	rows, err := q.fetch(ctx, sb.String(), st.args)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Delete removes the matching rows. Queries with joins delete by primary key
// through a subquery.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	st, err := q.compile(nil, false, false)
	if err != nil {
		return 0, err
	}
	d := q.repo.store.dialect
	table := d.Quote(q.repo.table)

	var query string
	if !st.joined {
		if st, err = q.compile(nil, true, false); err != nil {
			return 0, err
		}
		query = "DELETE FROM " + table
		if st.where != "" {
			query += " WHERE " + st.where
		}
	} else {
		if q.repo.pk == "" {
			return 0, fmt.Errorf("%w: joined delete on keyless %s", zorel.ErrUnsupportedOperation, q.repo.name)
		}
		pk := d.Quote(q.repo.pk)
		inner := "SELECT " + d.Quote(q.alias) + "." + pk + " AS " + pk + " FROM " + st.from
		if st.where != "" {
			inner += " WHERE " + st.where
		}
		query = "DELETE FROM " + table + " WHERE " + pk + " IN (SELECT " + pk + " FROM (" + inner + ") AS " + d.Quote("matched") + ")"
	}

	res, err := q.repo.store.execContext(ctx, query, st.args)
	if err != nil {
		return 0, zorel.WrapQueryError("DELETE", query, st.args, err)
	}
	return res.RowsAffected()
}

func (q *Query) fetch(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	rows, done, err := q.repo.store.queryContext(ctx, query, args)
	if err != nil {
		return nil, zorel.WrapQueryError("SELECT", query, args, err)
	}
	defer done()
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, zorel.WrapQueryError("SELECT", query, args, err)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// statement is a compiled query body.
type statement struct {
	columns []string // resolved references of the requested fields
	from    string   // table, alias and joins
	where   string
	order   string
	args    []any // join arguments, then where arguments
	joined  bool
}

func (st *statement) writeTail(sb *strings.Builder, q *Query) {
	sb.WriteString(" FROM ")
	sb.WriteString(st.from)
	if st.where != "" {
		sb.WriteString(" WHERE " + st.where)
	}
	if st.order != "" {
		sb.WriteString(" ORDER BY " + st.order)
	}
	if q.limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(q.limit))
	}
}

// compile resolves fields, conditions, ordering and joins. bare renders the
// query's own columns unqualified, for single table statements. ordered
// falls back to primary key order when no ordering was requested.
func (q *Query) compile(fields []string, bare, ordered bool) (*statement, error) {
	c := &compiler{
		q:       q,
		d:       q.repo.store.dialect,
		bare:    bare,
		aliases: map[string]zorel.Repository{q.alias: q.repo},
	}
	for _, j := range q.joins {
		c.add(j)
	}

	st := &statement{}
	for _, f := range fields {
		ref, err := c.field(f)
		if err != nil {
			return nil, err
		}
		st.columns = append(st.columns, ref)
	}

	where, whereArgs, err := c.filter(q.where)
	if err != nil {
		return nil, err
	}
	st.where = where

	order := q.order
	if len(order) == 0 && ordered && q.repo.pk != "" {
		order = []string{q.repo.pk}
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		field, dir, _ := strings.Cut(strings.TrimSpace(o), " ")
		ref, err := c.field(field)
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(strings.TrimSpace(dir)) {
		case "":
		case "ASC", "DESC":
			ref += " " + strings.ToUpper(strings.TrimSpace(dir))
		default:
			return nil, fmt.Errorf("sqlstore: invalid order direction %q", dir)
		}
		parts = append(parts, ref)
	}
	st.order = strings.Join(parts, ", ")

	from, joinArgs, err := c.from()
	if err != nil {
		return nil, err
	}
	st.from = from
	st.args = append(joinArgs, whereArgs...)
	st.joined = len(c.joins) > 0
	return st, nil
}

// compiler resolves field paths against the query's aliases, joining
// relations as paths reach them.
type compiler struct {
	q       *Query
	d       *Dialect
	bare    bool
	aliases map[string]zorel.Repository
	joins   []zorel.Join
}

func (c *compiler) add(j zorel.Join) {
	c.joins = append(c.joins, j)
	c.aliases[j.Alias] = j.Repository
}

func (c *compiler) ref(alias, column string) string {
	if c.bare && alias == c.q.alias {
		return c.d.Quote(column)
	}
	return c.d.Quote(alias) + "." + c.d.Quote(column)
}

func (c *compiler) field(name string) (string, error) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		col, err := c.q.repo.column(name)
		if err != nil {
			return "", err
		}
		return c.ref(c.q.alias, col), nil
	}

	head, attr := name[:i], name[i+1:]
	alias := head
	repo, ok := c.aliases[head]
	if !ok {
		var err error
		if alias, err = c.join(head); err != nil {
			return "", err
		}
		repo = c.aliases[alias]
	}
	col, err := columnOf(repo, attr)
	if err != nil {
		return "", err
	}
	return c.ref(alias, col), nil
}

// join joins the relation path ("posts", "posts.comments", "tagsThrough") and
// returns the alias its fields resolve against. Nested aliases are joined
// with "__".
func (c *compiler) join(path string) (string, error) {
	parentAlias := c.q.alias
	var parent zorel.Repository = c.q.repo
	prefix := ""

	for _, seg := range strings.Split(path, ".") {
		name, through := seg, false
		if base, ok := strings.CutSuffix(seg, "Through"); ok && base != "" {
			if _, err := parent.Relation(base); err == nil {
				name, through = base, true
			}
		}

		alias := prefix + name
		if _, ok := c.aliases[alias]; !ok {
			v, err := parent.Relation(name)
			if err != nil {
				return "", fmt.Errorf("sqlstore: cannot resolve %q on %s: %w", path, parent.Name(), err)
			}
			joins, err := v.JoinClauses(parentAlias, alias)
			if err != nil {
				return "", err
			}
			repos, err := v.JoinRepositories(alias)
			if err != nil {
				return "", err
			}
			for _, j := range joins {
				c.add(j)
			}
			for a, r := range repos {
				c.aliases[a] = r
			}
		}

		if through {
			alias += "Through"
		}
		repo, ok := c.aliases[alias]
		if !ok {
			return "", fmt.Errorf("sqlstore: relation path %q has no alias %q", path, alias)
		}
		parentAlias, parent, prefix = alias, repo, alias+"__"
	}
	return parentAlias, nil
}

func (c *compiler) from() (string, []any, error) {
	table := c.d.Quote(c.q.repo.table)
	if c.bare {
		return table, nil, nil
	}

	var sb strings.Builder
	sb.WriteString(table + " AS " + c.d.Quote(c.q.alias))
	var args []any
	// joins may grow while their conditions resolve
	for i := 0; i < len(c.joins); i++ {
		j := c.joins[i]
		var conds []string
		for _, on := range j.On {
			left, err := c.field(on.Left)
			if err != nil {
				return "", nil, err
			}
			right, err := c.field(on.Right)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, left+" = "+right)
		}
		where, whereArgs, err := c.filter(j.Where)
		if err != nil {
			return "", nil, err
		}
		if where != "" {
			conds = append(conds, where)
			args = append(args, whereArgs...)
		}
		if len(conds) == 0 {
			conds = []string{"1 = 1"}
		}
		sb.WriteString(" LEFT JOIN " + c.d.Quote(j.Repository.Table()) + " AS " + c.d.Quote(j.Alias) +
			" ON " + strings.Join(conds, " AND "))
	}
	return sb.String(), args, nil
}

func (c *compiler) filter(f zorel.Filter) (string, []any, error) {
	var parts []string
	var args []any
	for _, cond := range f.Conds() {
		expr, condArgs, err := c.cond(cond)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, expr)
		args = append(args, condArgs...)
	}
	for _, raw := range f.RawPredicates() {
		parts = append(parts, "("+raw.SQL+")")
		args = append(args, raw.Args...)
	}
	return strings.Join(parts, " AND "), args, nil
}

func (c *compiler) cond(cond zorel.Cond) (string, []any, error) {
	if !zorel.ValidOp(cond.Op) {
		return "", nil, fmt.Errorf("sqlstore: invalid operator %q on %s", cond.Op, cond.Field)
	}
	ref, err := c.field(cond.Field)
	if err != nil {
		return "", nil, err
	}

	switch cond.Op {
	case zorel.OpNull, zorel.OpNotNull:
		return ref + " " + cond.Op, nil, nil
	case zorel.OpEq:
		if nilValue(cond.Value) {
			return ref + " IS NULL", nil, nil
		}
	case zorel.OpNotEq:
		if nilValue(cond.Value) {
			return ref + " IS NOT NULL", nil, nil
		}
		return ref + " <> ?", []any{cond.Value}, nil
	case zorel.OpIn, zorel.OpNotIn:
		list := valueList(cond.Value)
		if len(list) == 0 {
			if cond.Op == zorel.OpIn {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		return c.d.inList(ref, cond.Op == zorel.OpNotIn, list)
	}
	return ref + " " + cond.Op + " ?", []any{cond.Value}, nil
}

func columnOf(repo zorel.Repository, field string) (string, error) {
	if r, ok := repo.(*Repository); ok {
		return r.column(field)
	}
	return field, nil
}

func nilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// valueList expands IN operands; a scalar is a single value list.
func valueList(v any) []any {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
