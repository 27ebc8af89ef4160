package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/rezakhademix/zorel"
)

// Repository stores one entity type, or zorel.Record rows, in one table.
type Repository struct {
	store *Store
	name  string
	table string

	pk    string
	pkSet bool

	typ     reflect.Type // nil for record repositories
	info    *zorel.ModelInfo
	columns []string // known columns of record repositories

	mapper      zorel.FieldAccessor
	defaultWith []zorel.Path

	discriminator string
	subtypes      map[string]string
}

// RepoOption configures a repository at registration.
type RepoOption func(*Repository)

// Table sets the table name. The default is the repository name.
func Table(name string) RepoOption {
	return func(r *Repository) {
		r.table = name
	}
}

// PrimaryKey sets the primary key column. An empty name declares a keyless
// table whose rows are matched on every column.
func PrimaryKey(column string) RepoOption {
	return func(r *Repository) {
		r.pk = column
		r.pkSet = true
	}
}

// Columns lists the columns of a record repository. Records only write these
// columns when set.
func Columns(columns ...string) RepoOption {
	return func(r *Repository) {
		r.columns = columns
	}
}

// Inheritance declares single table inheritance: field holds the discriminator
// and subtypes maps its values to the repositories of each subtype.
func Inheritance(field string, subtypes map[string]string) RepoOption {
	return func(r *Repository) {
		r.discriminator = field
		r.subtypes = subtypes
	}
}

// Accessor replaces the reflection field accessor.
func Accessor(fa zorel.FieldAccessor) RepoOption {
	return func(r *Repository) {
		if fa != nil {
			r.mapper = fa
		}
	}
}

// Register declares the repository name for prototype, a struct (or pointer to
// one) or nil/zorel.Record for a schemaless table, and registers it with the
// store's engine. declare may be nil for repositories without relations.
func (s *Store) Register(name string, prototype any, declare func(*zorel.Declarer), opts ...RepoOption) (*Repository, error) {
	r := &Repository{
		store:  s,
		name:   name,
		table:  name,
		mapper: zorel.DefaultAccessor,
	}

	var prototypes []any
	if _, isRecord := prototype.(zorel.Record); !isRecord && prototype != nil {
		typ := reflect.TypeOf(prototype)
		if t, ok := prototype.(reflect.Type); ok {
			typ = t
		}
		info, err := zorel.ParseModelType(typ)
		if err != nil {
			return nil, err
		}
		r.typ = info.Type
		r.info = info
		prototypes = append(prototypes, info.Type)
	}

	for _, opt := range opts {
		opt(r)
	}
	if !r.pkSet {
		r.pk = "id"
		if r.info != nil && r.info.PrimaryKey != "" {
			r.pk = r.info.PrimaryKey
		}
	}

	d := zorel.NewDeclarer(name)
	if declare != nil {
		declare(d)
	}
	defs, err := d.Definitions()
	if err != nil {
		return nil, err
	}
	r.defaultWith = d.DefaultWith()

	if err := s.engine.Register(r, defs, prototypes...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) Name() string       { return r.name }
func (r *Repository) Table() string      { return r.table }
func (r *Repository) PrimaryKey() string { return r.pk }

func (r *Repository) Mapper() zorel.FieldAccessor { return r.mapper }

func (r *Repository) DefaultWith() []zorel.Path {
	return append([]zorel.Path(nil), r.defaultWith...)
}

// DiscriminatorField returns the discriminator column, or "" when the table
// holds a single type.
func (r *Repository) DiscriminatorField() string { return r.discriminator }

func (r *Repository) Subtypes() map[string]string { return r.subtypes }

// Store returns the store the repository runs on.
func (r *Repository) Store() *Store { return r.store }

func (r *Repository) Relation(name string) (zorel.Variant, error) {
	return r.store.engine.Variant(r.name, name)
}

// Builder returns a query over every row of the table.
func (r *Repository) Builder() zorel.Query {
	return r.Query()
}

// Query is Builder with the concrete query type. A subtype repository only
// sees the rows of its own discriminator value.
func (r *Repository) Query() *Query {
	q := &Query{repo: r, alias: r.name}
	if value := r.ownDiscriminator(); value != "" {
		q.where = zorel.Eq(r.discriminator, value)
	}
	return q
}

// Find returns the entity with primary key id.
func (r *Repository) Find(ctx context.Context, id any, with ...string) (any, error) {
	rows, err := r.Query().Where(zorel.Eq(r.pk, id)).With(zorel.Paths(with...)...).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, zorel.ErrRecordNotFound
	}
	return rows[0], nil
}

// Entity builds an unsaved entity from data. With inheritance, the
// discriminator in data selects the subtype.
func (r *Repository) Entity(data map[string]any) (any, error) {
	if sub, ok, err := r.subtype(data); err != nil || ok {
		if err != nil {
			return nil, err
		}
		return sub.Entity(data)
	}
	if r.typ == nil {
		rec := make(zorel.Record, len(data))
		for k, v := range data {
			rec[k] = v
		}
		return rec, nil
	}

	e := reflect.New(r.typ).Interface()
	for _, k := range sortedKeys(data) {
		if err := r.mapper.SetField(e, k, data[k]); err != nil {
			return nil, err
		}
	}
	if r.discriminator != "" {
		if _, given := data[r.discriminator]; !given {
			if value := r.ownDiscriminator(); value != "" {
				if err := r.mapper.SetField(e, r.discriminator, value); err != nil {
					return nil, err
				}
			}
		}
	}
	return e, nil
}

// hydrate builds an entity from a row. Columns the entity does not map are skipped.
func (r *Repository) hydrate(row map[string]any) (any, error) {
	if sub, ok, err := r.subtype(row); err != nil || ok {
		if err != nil {
			return nil, err
		}
		return sub.hydrate(row)
	}
	if r.typ == nil {
		rec := make(zorel.Record, len(row))
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec[k] = v
		}
		return rec, nil
	}

	e := reflect.New(r.typ).Interface()
	for col, v := range row {
		fi, ok := r.info.Columns[col]
		if !ok {
			continue
		}
		if b, isBytes := v.([]byte); isBytes && !isByteSlice(fi.FieldType) {
			v = string(b)
		}
		if err := r.mapper.SetField(e, fi.Name, v); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// subtype returns the repository of the subtype named by data's discriminator,
// when it is a different repository than r.
func (r *Repository) subtype(data map[string]any) (*Repository, bool, error) {
	if r.discriminator == "" {
		return nil, false, nil
	}
	raw, ok := data[r.discriminator]
	if !ok {
		return nil, false, nil
	}
	if b, isBytes := raw.([]byte); isBytes {
		raw = string(b)
	}
	value, ok := zorel.KeyOf(raw)
	if !ok {
		return nil, false, nil
	}
	name, ok := r.subtypes[value]
	if !ok || name == r.name {
		return nil, false, nil
	}
	repo, err := r.store.engine.Repository(name)
	if err != nil {
		return nil, false, err
	}
	sub, ok := repo.(*Repository)
	if !ok {
		return nil, false, fmt.Errorf("%w: subtype %q of %s is not a sql repository", zorel.ErrConfiguration, name, r.name)
	}
	return sub, true, nil
}

// ownDiscriminator returns the discriminator value mapped to r itself.
func (r *Repository) ownDiscriminator() string {
	for value, name := range r.subtypes {
		if name == r.name {
			return value
		}
	}
	return ""
}

// column maps an attribute to its column.
func (r *Repository) column(field string) (string, error) {
	if r.info == nil {
		return field, nil
	}
	fi, ok := r.info.Lookup(field)
	if !ok || fi.IsRelation {
		return "", fmt.Errorf("%w: %s has no column %q", zorel.ErrUnknownField, r.name, field)
	}
	return fi.Column, nil
}

// values returns the column values of entity in a stable order.
func (r *Repository) values(entity any) ([]string, []any, error) {
	if r.info == nil {
		rec, ok := entity.(zorel.Record)
		if !ok {
			m, isMap := entity.(map[string]any)
			if !isMap {
				return nil, nil, fmt.Errorf("sqlstore: %s stores records, got %T", r.name, entity)
			}
			rec = m
		}
		cols := r.columns
		if len(cols) == 0 {
			cols = sortedKeys(rec)
		}
		var names []string
		var vals []any
		for _, c := range cols {
			v, ok := rec[c]
			if !ok {
				continue
			}
			names = append(names, c)
			vals = append(vals, v)
		}
		return names, vals, nil
	}

	names := make([]string, 0, len(r.info.Ordered))
	vals := make([]any, 0, len(r.info.Ordered))
	for _, fi := range r.info.Ordered {
		v, err := r.mapper.GetField(entity, fi.Name)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, fi.Column)
		vals = append(vals, v)
	}
	return names, vals, nil
}

func (r *Repository) check(entity any) error {
	if entity == nil {
		return zorel.ErrNilEntity
	}
	if r.typ == nil {
		return nil
	}
	t := reflect.TypeOf(entity)
	if t.Kind() != reflect.Pointer || t.Elem() != r.typ {
		return fmt.Errorf("sqlstore: %s stores *%s, got %T", r.name, r.typ.Name(), entity)
	}
	if reflect.ValueOf(entity).IsNil() {
		return zorel.ErrNilEntity
	}
	return nil
}

// Save inserts entity when its primary key is empty and updates it otherwise.
// An update that matches no row inserts the entity with its key.
func (r *Repository) Save(ctx context.Context, entity any) (int64, error) {
	if err := r.check(entity); err != nil {
		return 0, err
	}
	names, vals, err := r.values(entity)
	if err != nil {
		return 0, err
	}

	if r.pk == "" {
		return r.insert(ctx, entity, names, vals, false)
	}
	id, err := r.mapper.GetField(entity, r.pk)
	if err != nil {
		return 0, err
	}
	if isZero(id) {
		return r.insert(ctx, entity, names, vals, true)
	}

	d := r.store.dialect
	var sets []string
	var args []any
	for i, n := range names {
		if n == r.pk {
			continue
		}
		sets = append(sets, d.Quote(n)+" = ?")
		args = append(args, vals[i])
	}
	if len(sets) == 0 {
		exists, err := r.Exists(ctx, entity)
		if err != nil || exists {
			return 0, err
		}
		return r.insert(ctx, entity, names, vals, false)
	}

	query := "UPDATE " + d.Quote(r.table) + " SET " + strings.Join(sets, ", ") + " WHERE " + d.Quote(r.pk) + " = ?"
	args = append(args, id)
	res, err := r.store.execContext(ctx, query, args)
	if err != nil {
		return 0, zorel.WrapQueryError("UPDATE", query, args, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return n, nil
	}
	return r.insert(ctx, entity, names, vals, false)
}

// insert writes a row. With generated set, the primary key column is left to
// the database and read back into entity.
func (r *Repository) insert(ctx context.Context, entity any, names []string, vals []any, generated bool) (int64, error) {
	d := r.store.dialect
	cols := make([]string, 0, len(names))
	args := make([]any, 0, len(vals))
	for i, n := range names {
		if generated && n == r.pk {
			continue
		}
		cols = append(cols, d.Quote(n))
		args = append(args, vals[i])
	}

	var query string
	if len(cols) == 0 {
		query = "INSERT INTO " + d.Quote(r.table) + " DEFAULT VALUES"
		if d == MySQL {
			query = "INSERT INTO " + d.Quote(r.table) + " () VALUES ()"
		}
	} else {
		query = "INSERT INTO " + d.Quote(r.table) + " (" + strings.Join(cols, ", ") +
			") VALUES (" + placeholders(len(cols)) + ")"
	}

	if generated && d.Returning {
		query += " RETURNING " + d.Quote(r.pk)
		id, err := r.store.insertReturning(ctx, query, args)
		if err != nil {
			return 0, zorel.WrapQueryError("INSERT", query, args, err)
		}
		if err := r.mapper.SetField(entity, r.pk, id); err != nil {
			return 0, err
		}
		return 1, nil
	}

	res, err := r.store.execContext(ctx, query, args)
	if err != nil {
		return 0, zorel.WrapQueryError("INSERT", query, args, err)
	}
	if generated {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if err := r.mapper.SetField(entity, r.pk, id); err != nil {
			return 0, err
		}
	}
	return res.RowsAffected()
}

// match returns the filter selecting entity's row: its primary key, or every
// column for keyless tables.
func (r *Repository) match(entity any) (zorel.Filter, error) {
	if r.pk != "" {
		id, err := r.mapper.GetField(entity, r.pk)
		if err != nil {
			return zorel.Filter{}, err
		}
		if isZero(id) {
			return zorel.Filter{}, fmt.Errorf("%w: %s.%s", zorel.ErrMissingKey, r.name, r.pk)
		}
		return zorel.Eq(r.pk, id), nil
	}
	names, vals, err := r.values(entity)
	if err != nil {
		return zorel.Filter{}, err
	}
	attrs := make(map[string]any, len(names))
	for i, n := range names {
		attrs[n] = vals[i]
	}
	return zorel.Where(attrs), nil
}

// Delete removes entity's row and drops its load state.
func (r *Repository) Delete(ctx context.Context, entity any) (int64, error) {
	if err := r.check(entity); err != nil {
		return 0, err
	}
	f, err := r.match(entity)
	if err != nil {
		return 0, err
	}
	n, err := r.Query().Where(f).Delete(ctx)
	if err != nil {
		return n, err
	}
	r.store.engine.Forget(entity)
	return n, nil
}

// Exists reports whether entity's row is stored.
func (r *Repository) Exists(ctx context.Context, entity any) (bool, error) {
	if err := r.check(entity); err != nil {
		return false, err
	}
	f, err := r.match(entity)
	if err != nil {
		if errors.Is(err, zorel.ErrMissingKey) {
			return false, nil
		}
		return false, err
	}
	return r.Query().Where(f).Exists(ctx)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return reflect.ValueOf(v).IsZero()
}

func isByteSlice(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}
