package zorel

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the registry of repositories and their relations, and the entry
// point of eager loading and cascades. It implements Locator.
type Engine struct {
	mu       sync.RWMutex
	repos    map[string]Repository
	order    []string
	types    map[reflect.Type]Repository
	variants map[string][]Variant

	tracker LoadTracker
	side    *SideTable
	logger  *zap.Logger
	metrics *Metrics

	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracking selects the load state tracking mode.
func WithTracking(mode TrackingMode) Option {
	return func(e *Engine) {
		e.tracker = NewTracker(mode)
	}
}

// WithTracker installs a custom tracker.
func WithTracker(t LoadTracker) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracker = t
		}
	}
}

// WithEagerConcurrency lets up to n sibling relations of one eager level load
// in parallel. 1 (the default) loads them one after another.
func WithEagerConcurrency(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.concurrency = n
	}
}

// WithMetrics records relation loads on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an engine with tracking enabled and sequential eager loading.
func New(opts ...Option) *Engine {
	e := &Engine{
		repos:       make(map[string]Repository),
		types:       make(map[reflect.Type]Repository),
		variants:    make(map[string][]Variant),
		tracker:     NewTracker(TrackingEnabled),
		side:        NewSideTable(),
		logger:      zap.NewNop(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromConfig creates an engine from cfg. When reg is not nil the relation
// metrics are registered on it under cfg.MetricsNamespace. Explicit options
// are applied last.
func NewFromConfig(cfg *Config, reg prometheus.Registerer, opts ...Option) (*Engine, error) {
	mode, err := ParseTrackingMode(cfg.Tracking)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithTracking(mode),
		WithEagerConcurrency(cfg.EagerConcurrency),
		WithLogger(logger),
	}
	if reg != nil {
		base = append(base, WithMetrics(NewMetrics(cfg.MetricsNamespace, reg)))
	}
	return New(append(base, opts...)...), nil
}

// Register adds repo with its relation definitions. Prototypes are sample
// entities (or types) whose Go type maps back to repo in RepositoryOf.
// Relations are built here so configuration errors surface at registration.
func (e *Engine) Register(repo Repository, defs []*Definition, prototypes ...any) error {
	if repo == nil {
		return fmt.Errorf("%w: nil repository", ErrConfiguration)
	}
	name := repo.Name()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.repos[name]; ok {
		return fmt.Errorf("%w: repository %q registered twice", ErrConfiguration, name)
	}

	variants := make([]Variant, 0, len(defs))
	for _, def := range defs {
		v, err := NewVariant(e, repo, def)
		if err != nil {
			return err
		}
		variants = append(variants, v)
	}

	e.repos[name] = repo
	e.order = append(e.order, name)
	e.variants[name] = variants
	for _, p := range prototypes {
		if t := entityType(p); t != nil {
			if _, taken := e.types[t]; !taken {
				e.types[t] = repo
			}
		}
	}

	e.logger.Debug("repository registered",
		zap.String("repository", name),
		zap.Int("relations", len(variants)))
	return nil
}

func entityType(p any) reflect.Type {
	if p == nil {
		return nil
	}
	t, ok := p.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(p)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// Repository returns the repository registered under name.
func (e *Engine) Repository(name string) (Repository, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	repo, ok := e.repos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRepositoryNotFound, name)
	}
	return repo, nil
}

// RepositoryOf returns the repository an entity belongs to.
func (e *Engine) RepositoryOf(entity any) (Repository, error) {
	if isNil(entity) {
		return nil, ErrNilEntity
	}
	if n, ok := entity.(Named); ok {
		return e.Repository(n.RepositoryName())
	}
	t := entityType(entity)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t != nil {
		if repo, ok := e.types[t]; ok {
			return repo, nil
		}
	}
	return nil, fmt.Errorf("%w: no repository for %T", ErrRepositoryNotFound, entity)
}

// Variant returns the relation attr declared by repository repo.
func (e *Engine) Variant(repo, attr string) (Variant, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.repos[repo]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrRepositoryNotFound, repo)
	}
	for _, v := range e.variants[repo] {
		if v.Definition().Attribute == attr {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrRelationNotFound, repo, attr)
}

// Definitions returns the relation definitions of repo in declaration order.
func (e *Engine) Definitions(repo string) []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Definition, 0, len(e.variants[repo]))
	for _, v := range e.variants[repo] {
		out = append(out, v.Definition())
	}
	return out
}

// Tracker returns the load state tracker.
func (e *Engine) Tracker() LoadTracker {
	return e.tracker
}

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger {
	return e.logger
}

// Forget drops the load state and detached values held for entity.
func (e *Engine) Forget(entity any) {
	e.tracker.Forget(entity)
	e.side.Forget(entity)
}

// Load eager loads the relation paths on entities of repo, reloading every
// requested relation.
func (e *Engine) Load(ctx context.Context, repo Repository, entities []any, with []Path, without ...string) error {
	return e.loadPaths(ctx, repo, entities, with, without, false)
}

// LoadIfNotLoaded eager loads only the relations that are not loaded yet, and
// walks into loaded ones for their sub-paths.
func (e *Engine) LoadIfNotLoaded(ctx context.Context, repo Repository, entities []any, with []Path, without ...string) error {
	return e.loadPaths(ctx, repo, entities, with, without, true)
}

func (e *Engine) loadPaths(ctx context.Context, repo Repository, entities []any, with []Path, without []string, ifNotLoaded bool) error {
	if len(entities) == 0 || len(with) == 0 {
		return nil
	}
	skip := PlanWithout(without)

	var tasks []func(context.Context) error
	for _, node := range PlanWith(with) {
		if skip.Prunes(node.Name) {
			continue
		}
		v, err := repo.Relation(node.Name)
		if err != nil {
			return WrapRelationError(node.Name, repo.Name(), err)
		}
		opts := LoadOptions{
			With:        node.With,
			Typed:       node.Typed,
			Constraints: node.Constraints,
			Without:     skip.Sub(node.Name),
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if ifNotLoaded {
				return v.LoadIfNotLoaded(ctx, entities, opts)
			}
			return v.Load(ctx, entities, opts)
		})
	}

	if e.concurrency <= 1 || len(tasks) < 2 || hasRecords(entities) {
		for _, task := range tasks {
			if err := task(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			return task(gctx)
		})
	}
	return g.Wait()
}

// hasRecords reports whether any entity is a map. Sibling relations of map
// entities write into the same map and cannot load in parallel.
func hasRecords(entities []any) bool {
	for _, en := range entities {
		if reflect.ValueOf(en).Kind() == reflect.Map {
			return true
		}
	}
	return false
}

func (e *Engine) observe(def *Definition, start time.Time, owners, rows, queries int, err error) {
	elapsed := time.Since(start)
	e.metrics.observeLoad(def, queries, elapsed, err)
	if err != nil {
		e.logger.Warn("relation load failed",
			zap.String("relation", def.String()),
			zap.Int("owners", owners),
			zap.Error(err))
		return
	}
	if ce := e.logger.Check(zap.DebugLevel, "relation loaded"); ce != nil {
		ce.Write(
			zap.String("relation", def.String()),
			zap.Int("owners", owners),
			zap.Int("rows", rows),
			zap.Int("queries", queries),
			zap.Duration("duration", elapsed),
		)
	}
}
