package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rezakhademix/zorel"
)

// QueryHook observes every statement a Store sends, after rebinding.
type QueryHook func(query string, args []any)

// Store runs the repositories of one database.
type Store struct {
	resolver resolver
	dialect  *Dialect
	engine   *zorel.Engine
	stmts    *StmtCache
	logger   *zap.Logger

	mu    sync.RWMutex
	hooks []QueryHook
}

// Option configures a Store.
type Option func(*Store)

// WithReplicas routes reads outside transactions to dbs.
func WithReplicas(dbs ...*sql.DB) Option {
	return func(s *Store) {
		s.resolver.replicas = dbs
	}
}

// WithLoadBalancer sets the replica selection strategy. Default is round-robin.
func WithLoadBalancer(lb LoadBalancer) Option {
	return func(s *Store) {
		if lb != nil {
			s.resolver.lb = lb
		}
	}
}

// WithDialect overrides the dialect detected from the driver.
func WithDialect(d *Dialect) Option {
	return func(s *Store) {
		s.dialect = d
	}
}

// WithStmtCache prepares statements once and keeps up to capacity of them.
func WithStmtCache(capacity int) Option {
	return func(s *Store) {
		s.stmts = NewStmtCache(capacity)
	}
}

// WithLogger sets the logger. Statements are logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store on db whose repositories register with engine.
func New(db *sql.DB, engine *zorel.Engine, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: nil database")
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", zorel.ErrConfiguration)
	}
	s := &Store{
		resolver: resolver{primary: db, lb: &RoundRobinLoadBalancer{}},
		engine:   engine,
		logger:   engine.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialect == nil {
		d, err := DialectOf(db)
		if err != nil {
			return nil, err
		}
		s.dialect = d
	}
	return s, nil
}

// Engine returns the engine the repositories are registered with.
func (s *Store) Engine() *zorel.Engine {
	return s.engine
}

// DB returns the primary database.
func (s *Store) DB() *sql.DB {
	return s.resolver.primary
}

// Dialect returns the dialect in use.
func (s *Store) Dialect() *Dialect {
	return s.dialect
}

// OnQuery adds a hook called with every statement.
func (s *Store) OnQuery(hook QueryHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// CachedStatements returns the number of prepared statements kept, 0 without
// a statement cache.
func (s *Store) CachedStatements() int {
	if s.stmts == nil {
		return 0
	}
	return s.stmts.Len()
}

// Close releases the cached statements. The databases stay open.
func (s *Store) Close() error {
	if s.stmts != nil {
		s.stmts.Clear()
	}
	return nil
}

// Transaction runs fn in a transaction carried by the context passed to fn.
// The transaction is rolled back when fn returns an error or panics.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.resolver.primary.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) observe(query string, args []any) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(query, args)
	}
	if ce := s.logger.Check(zap.DebugLevel, "sql"); ce != nil {
		ce.Write(zap.String("query", query), zap.Int("args", len(args)))
	}
}

// queryContext runs a reading statement. The rows must be closed by the caller;
// done releases the prepared statement and must be called after that.
func (s *Store) queryContext(ctx context.Context, query string, args []any) (*sql.Rows, func(), error) {
	query = s.dialect.Rebind(query)
	s.observe(query, args)

	tx, db := s.resolver.route(ctx, false)
	if tx != nil {
		rows, err := tx.QueryContext(ctx, query, args...)
		return rows, func() {}, err
	}
	if s.stmts == nil {
		rows, err := db.QueryContext(ctx, query, args...)
		return rows, func() {}, err
	}
	stmt, release, err := s.stmts.Prepare(ctx, db, query)
	if err != nil {
		return nil, nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return rows, release, nil
}

func (s *Store) execContext(ctx context.Context, query string, args []any) (sql.Result, error) {
	query = s.dialect.Rebind(query)
	s.observe(query, args)

	tx, db := s.resolver.route(ctx, true)
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	if s.stmts == nil {
		return db.ExecContext(ctx, query, args...)
	}
	stmt, release, err := s.stmts.Prepare(ctx, db, query)
	if err != nil {
		return nil, err
	}
	defer release()
	return stmt.ExecContext(ctx, args...)
}

// insertReturning runs an INSERT ... RETURNING on the primary.
func (s *Store) insertReturning(ctx context.Context, query string, args []any) (any, error) {
	query = s.dialect.Rebind(query)
	s.observe(query, args)

	var id any
	tx, db := s.resolver.route(ctx, true)
	if tx != nil {
		err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
		return id, err
	}
	err := db.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}
