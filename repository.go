package upa

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of repository spans.
const TracerName = "github.com/lemmego/upa"

// =====================================
// Repository
// =====================================

// Repository gives typed access to the entities of type T stored in one backend.
// It is safe for concurrent use; every call borrows its own session.
type Repository[T any] struct {
	backend    Backend
	info       BackendInfo
	translator Translator
	sessions   *SessionManager
	schema     *SchemaDescriptor

	log       *logrus.Entry
	metrics   *Metrics
	tracer    trace.Tracer
	listeners []Listener
	onError   ErrorHandler
	cache     EntityCache[T]
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	logger    *logrus.Entry
	metrics   *Metrics
	tracer    trace.TracerProvider
	listeners []Listener
	onError   ErrorHandler
	schemas   *SchemaRegistry
}

// WithLogger sets the repository logger.
func WithLogger(logger *logrus.Entry) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = logger }
}

// WithMetrics records operations on m and exports the backend's pool stats.
func WithMetrics(m *Metrics) RepositoryOption {
	return func(o *repositoryOptions) { o.metrics = m }
}

// WithTracerProvider sets the provider repository spans come from.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) RepositoryOption {
	return func(o *repositoryOptions) { o.tracer = tp }
}

// WithListener adds a lifecycle listener.
func WithListener(l Listener) RepositoryOption {
	return func(o *repositoryOptions) { o.listeners = append(o.listeners, l) }
}

// WithErrorHandler installs h. A non-nil return from h replaces the error.
func WithErrorHandler(h ErrorHandler) RepositoryOption {
	return func(o *repositoryOptions) { o.onError = h }
}

// WithSchemaRegistry describes entities with reg instead of the process-wide registry.
func WithSchemaRegistry(reg *SchemaRegistry) RepositoryOption {
	return func(o *repositoryOptions) { o.schemas = reg }
}

// NewRepository creates a repository of T on backend. T is described
// immediately, so a malformed declaration fails here.
func NewRepository[T any](backend Backend, opts ...RepositoryOption) (*Repository[T], error) {
	if backend == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "backend is nil")
	}
	o := repositoryOptions{schemas: Schemas()}
	for _, opt := range opts {
		opt(&o)
	}

	schema, err := o.schemas.Describe(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}

	info := backend.Info()
	r := &Repository[T]{
		backend:    backend,
		info:       info,
		translator: backend.Translator(),
		sessions:   backend.Sessions(),
		schema:     schema,
		log: o.logger.WithFields(logrus.Fields{
			"entity":  schema.Entity,
			"backend": info.Name,
		}),
		metrics:   o.metrics,
		tracer:    o.tracer.Tracer(TracerName),
		listeners: o.listeners,
		onError:   o.onError,
	}
	o.metrics.WatchPool(r.sessions)
	return r, nil
}

// WithCache enables read-through caching of FindByID. Call it before the
// repository is shared.
func (r *Repository[T]) WithCache(cache EntityCache[T]) *Repository[T] {
	r.cache = cache
	return r
}

// Schema returns the descriptor of T.
func (r *Repository[T]) Schema() *SchemaDescriptor { return r.schema }

// Backend returns the backend the repository runs on.
func (r *Repository[T]) Backend() Backend { return r.backend }

// executor runs fn on a session: a pooled one, or the one of a unit of work.
// afterCommit runs fn once the writes made so far are visible to other
// sessions: at once for a pooled session, after Commit for a unit of work.
type executor interface {
	exec(ctx context.Context, fn func(Conn) error) error
	inTx() bool
	afterCommit(ctx context.Context, fn func(ctx context.Context))
}

type pooled struct{ sessions *SessionManager }

func (p pooled) exec(ctx context.Context, fn func(Conn) error) error {
	return p.sessions.WithSession(ctx, fn)
}

func (p pooled) inTx() bool { return false }

func (p pooled) afterCommit(ctx context.Context, fn func(ctx context.Context)) { fn(ctx) }

func (r *Repository[T]) pool() executor { return pooled{sessions: r.sessions} }

// run wraps one operation with tracing, metrics, logging and error annotation.
func (r *Repository[T]) run(ctx context.Context, op string, fn func(ctx context.Context, ev *Event) error) error {
	ctx, span := r.tracer.Start(ctx, r.schema.Entity+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", r.info.Driver),
			attribute.String("upa.backend", r.info.Name),
			attribute.String("upa.entity", r.schema.Entity),
			attribute.String("upa.operation", op),
		))
	defer span.End()

	started := time.Now()
	ev := Event{Entity: r.schema.Entity, Operation: op, Backend: r.info.Name}
	err := fn(ctx, &ev)
	if ce, ok := err.(callerError); ok {
		err = ce.err
	} else if err != nil {
		e := annotate(ctx, err, r.schema.Entity, op, r.info.Name)
		err = e
		if r.onError != nil {
			if replaced := r.onError(ctx, e); replaced != nil {
				err = annotate(ctx, replaced, r.schema.Entity, op, r.info.Name)
			}
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry := r.log.WithField("operation", op).WithError(err)
		if IsNotFound(err) {
			entry.Debug("operation found nothing")
		} else {
			entry.Warn("operation failed")
		}
		ev.Type = EventFailed
		ev.Err = err
	} else {
		r.log.WithFields(logrus.Fields{
			"operation": op,
			"duration":  time.Since(started),
		}).Debug("operation completed")
	}
	r.metrics.observe(r.info.Name, r.schema.Entity, op, started, err)

	if ev.Type != "" {
		ev.Duration = time.Since(started)
		for _, l := range r.listeners {
			l.OnEvent(ctx, ev)
		}
	}
	return err
}

// Create inserts entity. A backend-generated identifier is written back into
// it; a zero UUID identifier is generated before the insert.
func (r *Repository[T]) Create(ctx context.Context, entity *T) error {
	return r.run(ctx, "Create", func(ctx context.Context, ev *Event) error {
		return r.create(ctx, r.pool(), ev, entity)
	})
}

// Update replaces the stored entity with the same identifier.
func (r *Repository[T]) Update(ctx context.Context, entity *T) error {
	return r.run(ctx, "Update", func(ctx context.Context, ev *Event) error {
		return r.update(ctx, r.pool(), ev, entity)
	})
}

// Delete removes the entity with identifier id.
func (r *Repository[T]) Delete(ctx context.Context, id interface{}) error {
	return r.run(ctx, "Delete", func(ctx context.Context, ev *Event) error {
		return r.delete(ctx, r.pool(), ev, id)
	})
}

// FindByID loads the entity with identifier id.
func (r *Repository[T]) FindByID(ctx context.Context, id interface{}) (*T, error) {
	var out *T
	err := r.run(ctx, "FindByID", func(ctx context.Context, ev *Event) (err error) {
		out, err = r.findByID(ctx, r.pool(), ev, id)
		return err
	})
	return out, err
}

// FindMany returns the entities matching opts.
func (r *Repository[T]) FindMany(ctx context.Context, opts ...QueryOption) ([]*T, error) {
	var out []*T
	err := r.run(ctx, "FindMany", func(ctx context.Context, ev *Event) (err error) {
		out, err = r.findMany(ctx, r.pool(), ev, NewQuery(opts...))
		return err
	})
	return out, err
}

// FindOne returns the first entity matching opts.
func (r *Repository[T]) FindOne(ctx context.Context, opts ...QueryOption) (*T, error) {
	var out *T
	err := r.run(ctx, "FindOne", func(ctx context.Context, ev *Event) (err error) {
		out, err = r.findOne(ctx, r.pool(), ev, NewQuery(opts...))
		return err
	})
	return out, err
}

// Count returns the number of entities matching opts.
func (r *Repository[T]) Count(ctx context.Context, opts ...QueryOption) (int64, error) {
	var n int64
	err := r.run(ctx, "Count", func(ctx context.Context, ev *Event) (err error) {
		n, err = r.count(ctx, r.pool(), NewQuery(opts...))
		return err
	})
	return n, err
}

// Exists reports whether any entity matches opts.
func (r *Repository[T]) Exists(ctx context.Context, opts ...QueryOption) (bool, error) {
	var n int64
	err := r.run(ctx, "Exists", func(ctx context.Context, ev *Event) (err error) {
		n, err = r.count(ctx, r.pool(), NewQuery(opts...))
		return err
	})
	return n > 0, err
}

// CreateAll inserts entities in one unit of work when the backend supports
// transactions, one by one otherwise.
func (r *Repository[T]) CreateAll(ctx context.Context, entities []*T) error {
	return r.run(ctx, "CreateAll", func(ctx context.Context, ev *Event) error {
		if len(entities) == 0 {
			return nil
		}
		if !r.info.HasFeature(FeatureTransactions) {
			return r.createEach(ctx, r.pool(), entities)
		}
		return r.withUnit(ctx, func(u *unitOfWork) error {
			return r.createEach(ctx, u, entities)
		})
	})
}

func (r *Repository[T]) createEach(ctx context.Context, ex executor, entities []*T) error {
	for i, entity := range entities {
		ev := Event{Entity: r.schema.Entity, Operation: "CreateAll", Backend: r.info.Name}
		if err := r.create(ctx, ex, &ev, entity); err != nil {
			if e, ok := AsError(err); ok {
				e.Message = fmt.Sprintf("entity %d: %s", i, e.Message)
				return e
			}
			return err
		}
		for _, l := range r.listeners {
			l.OnEvent(ctx, ev)
		}
	}
	return nil
}

// DeleteWhere removes the entities matching opts and returns how many were removed.
func (r *Repository[T]) DeleteWhere(ctx context.Context, opts ...QueryOption) (int64, error) {
	var n int64
	err := r.run(ctx, "DeleteWhere", func(ctx context.Context, ev *Event) (err error) {
		n, err = r.deleteWhere(ctx, r.pool(), ev, NewQuery(opts...))
		return err
	})
	return n, err
}

// Page is one page of a cursor iteration.
type Page[T any] struct {
	Items []*T
	// Next resumes the iteration; nil on the last page.
	Next []byte
}

// FindPage returns up to pageSize entities matching opts, starting at
// cursor. Pass a nil cursor for the first page.
func (r *Repository[T]) FindPage(ctx context.Context, pageSize int, cursor []byte, opts ...QueryOption) (Page[T], error) {
	var page Page[T]
	err := r.run(ctx, "FindPage", func(ctx context.Context, ev *Event) (err error) {
		page, err = r.findPage(ctx, r.pool(), ev, pageSize, cursor, NewQuery(opts...))
		return err
	})
	return page, err
}

// EnsureSchema creates the table or collection of T and its indexes when absent.
func (r *Repository[T]) EnsureSchema(ctx context.Context) error {
	return r.run(ctx, "EnsureSchema", func(ctx context.Context, ev *Event) error {
		if err := r.checkIndexes(); err != nil {
			return err
		}
		stmts, err := r.translator.CompileSchema(r.schema)
		if err != nil {
			return err
		}
		return r.pool().exec(ctx, func(c Conn) error {
			for _, st := range stmts {
				if _, err := c.Exec(ctx, st); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// =====================================
// Operation Bodies
// =====================================

func (r *Repository[T]) create(ctx context.Context, ex executor, ev *Event, entity *T) error {
	if entity == nil {
		return NewError(ErrorTypeInvalidArgument, "entity is nil")
	}
	if r.schema.PrimaryKey.AutoIncrement && !r.info.HasFeature(FeatureAutoIncrement) {
		return Unsupported(r.info.Name, "autoincrement identifiers")
	}
	if err := runHook(ctx, entity, beforeCreate); err != nil {
		return err
	}

	pk := r.schema.PrimaryKey
	id, err := r.schema.IdentifierValue(entity)
	if err != nil {
		return err
	}
	if pk.Type == TypeUUID && IsZeroIdentifier(id) {
		id = uuid.New()
		if err := r.schema.SetIdentifier(entity, id); err != nil {
			return err
		}
	}

	rec, err := Encode(entity, r.schema)
	if err != nil {
		return err
	}
	st, err := r.translator.CompileInsert(rec, r.schema)
	if err != nil {
		return err
	}

	var res Result
	err = ex.exec(ctx, func(c Conn) (err error) {
		res, err = c.Exec(ctx, st)
		return err
	})
	if err != nil {
		return err
	}
	if res.InsertedID != nil && IsZeroIdentifier(id) {
		if err := r.schema.SetIdentifier(entity, res.InsertedID); err != nil {
			return err
		}
		id, _ = r.schema.CoerceIdentifier(res.InsertedID)
	}

	if err := runHook(ctx, entity, afterCreate); err != nil {
		return err
	}
	ev.Type, ev.ID, ev.Count = EventCreated, id, 1
	return nil
}

func (r *Repository[T]) update(ctx context.Context, ex executor, ev *Event, entity *T) error {
	if entity == nil {
		return NewError(ErrorTypeInvalidArgument, "entity is nil")
	}
	if err := runHook(ctx, entity, beforeUpdate); err != nil {
		return err
	}
	id, err := r.schema.IdentifierValue(entity)
	if err != nil {
		return err
	}
	rec, err := Encode(entity, r.schema)
	if err != nil {
		return err
	}
	st, err := r.translator.CompileUpdate(rec, r.schema)
	if err != nil {
		return err
	}

	var res Result
	err = ex.exec(ctx, func(c Conn) (err error) {
		res, err = c.Exec(ctx, st)
		return err
	})
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return r.notFound(id)
	}
	ex.afterCommit(ctx, func(ctx context.Context) { r.evict(ctx, id) })

	if err := runHook(ctx, entity, afterUpdate); err != nil {
		return err
	}
	ev.Type, ev.ID, ev.Count = EventUpdated, id, res.RowsAffected
	return nil
}

func (r *Repository[T]) delete(ctx context.Context, ex executor, ev *Event, id interface{}) error {
	key, err := r.schema.CoerceIdentifier(id)
	if err != nil {
		return err
	}

	var entity *T
	var zero T
	_, hasBefore := interface{}(&zero).(BeforeDeleteHook)
	_, hasAfter := interface{}(&zero).(AfterDeleteHook)
	if hasBefore || hasAfter {
		if entity, err = r.load(ctx, ex, key); err != nil {
			return err
		}
		if err := runHook(ctx, entity, beforeDelete); err != nil {
			return err
		}
	}

	st, err := r.translator.CompileDelete(key, r.schema)
	if err != nil {
		return err
	}
	var res Result
	err = ex.exec(ctx, func(c Conn) (err error) {
		res, err = c.Exec(ctx, st)
		return err
	})
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return r.notFound(key)
	}
	ex.afterCommit(ctx, func(ctx context.Context) { r.evict(ctx, key) })

	if entity != nil {
		if err := runHook(ctx, entity, afterDelete); err != nil {
			return err
		}
	}
	ev.Type, ev.ID, ev.Count = EventDeleted, key, res.RowsAffected
	return nil
}

func (r *Repository[T]) findByID(ctx context.Context, ex executor, ev *Event, id interface{}) (*T, error) {
	key, err := r.schema.CoerceIdentifier(id)
	if err != nil {
		return nil, err
	}

	useCache := r.cache != nil && !ex.inTx()
	if useCache {
		cached, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.log.WithError(err).Warn("entity cache read failed")
		} else if ok {
			ev.Type, ev.ID, ev.Count = EventLoaded, key, 1
			return cached, nil
		}
	}

	entity, err := r.load(ctx, ex, key)
	if err != nil {
		return nil, err
	}
	if err := runHook(ctx, entity, afterFind); err != nil {
		return nil, err
	}
	if useCache {
		if err := r.cache.Set(ctx, key, entity); err != nil {
			r.log.WithError(err).Warn("entity cache write failed")
		}
	}
	ev.Type, ev.ID, ev.Count = EventLoaded, key, 1
	return entity, nil
}

func (r *Repository[T]) load(ctx context.Context, ex executor, key interface{}) (*T, error) {
	st, err := r.translator.CompileFindByID(key, r.schema)
	if err != nil {
		return nil, err
	}
	var rows []*Record
	err = ex.exec(ctx, func(c Conn) (err error) {
		rows, err = c.Query(ctx, st)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, r.notFound(key)
	}
	return Decode[T](rows[0], r.schema)
}

func (r *Repository[T]) findMany(ctx context.Context, ex executor, ev *Event, q *Query) ([]*T, error) {
	if err := r.check(q); err != nil {
		return nil, err
	}
	st, err := r.translator.CompileFind(q, r.schema)
	if err != nil {
		return nil, err
	}
	if q.Limit != nil && *q.Limit == 0 {
		ev.Type = EventLoaded
		return []*T{}, nil
	}

	var rows []*Record
	err = ex.exec(ctx, func(c Conn) (err error) {
		rows, err = c.Query(ctx, st)
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err := r.decodeAll(ctx, rows, q)
	if err != nil {
		return nil, err
	}
	ev.Type, ev.Count = EventLoaded, int64(len(out))
	return out, nil
}

func (r *Repository[T]) findOne(ctx context.Context, ex executor, ev *Event, q *Query) (*T, error) {
	if q.Limit == nil || *q.Limit > 1 {
		one := 1
		q.Limit = &one
	}
	items, err := r.findMany(ctx, ex, ev, q)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, Errorf(ErrorTypeNotFound, "no %s matches %s", r.schema.Entity, q)
	}
	return items[0], nil
}

func (r *Repository[T]) decodeAll(ctx context.Context, rows []*Record, q *Query) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		var (
			entity *T
			err    error
		)
		if len(q.Fields) > 0 {
			entity, err = DecodePartial[T](row, r.schema, q.Fields)
		} else {
			entity, err = Decode[T](row, r.schema)
		}
		if err != nil {
			return nil, err
		}
		if err := runHook(ctx, entity, afterFind); err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

func (r *Repository[T]) count(ctx context.Context, ex executor, q *Query) (int64, error) {
	if err := r.check(q); err != nil {
		return 0, err
	}
	st, err := r.translator.CompileCount(q, r.schema)
	if err != nil {
		return 0, err
	}
	if q.Limit != nil && *q.Limit == 0 {
		return 0, nil
	}
	var n int64
	err = ex.exec(ctx, func(c Conn) (err error) {
		n, err = c.Count(ctx, st)
		return err
	})
	return n, err
}

func (r *Repository[T]) deleteWhere(ctx context.Context, ex executor, ev *Event, q *Query) (int64, error) {
	if err := r.check(q); err != nil {
		return 0, err
	}
	st, err := r.translator.CompileDeleteWhere(q, r.schema)
	if err != nil {
		return 0, err
	}
	var res Result
	err = ex.exec(ctx, func(c Conn) (err error) {
		res, err = c.Exec(ctx, st)
		return err
	})
	if err != nil {
		return 0, err
	}
	if r.cache != nil && res.RowsAffected > 0 {
		ex.afterCommit(ctx, r.clearCache)
	}
	ev.Type, ev.Count = EventDeleted, res.RowsAffected
	return res.RowsAffected, nil
}

func (r *Repository[T]) findPage(ctx context.Context, ex executor, ev *Event, pageSize int, cursor []byte, q *Query) (Page[T], error) {
	if pageSize <= 0 {
		return Page[T]{}, Errorf(ErrorTypeInvalidArgument, "page size must be positive, got %d", pageSize)
	}
	if q.Limit != nil || q.Offset != nil {
		return Page[T]{}, NewError(ErrorTypeInvalidArgument, "FindPage takes no limit or offset")
	}
	if err := r.check(q); err != nil {
		return Page[T]{}, err
	}

	var (
		rows []*Record
		next []byte
	)
	switch {
	case r.info.HasFeature(FeatureCursorPaging):
		st, err := r.translator.CompileFind(q, r.schema)
		if err != nil {
			return Page[T]{}, err
		}
		err = ex.exec(ctx, func(c Conn) (err error) {
			pc, ok := c.(PagingConn)
			if !ok {
				return Unsupported(r.info.Name, "cursor paging")
			}
			rows, next, err = pc.QueryPage(ctx, st, pageSize, cursor)
			return err
		})
		if err != nil {
			return Page[T]{}, err
		}
	case r.info.HasFeature(FeatureOffsetPaging):
		offset, err := decodeOffsetCursor(cursor)
		if err != nil {
			return Page[T]{}, err
		}
		limit, skip := pageSize, int(offset)
		q.Limit, q.Offset = &limit, &skip
		st, err := r.translator.CompileFind(q, r.schema)
		if err != nil {
			return Page[T]{}, err
		}
		err = ex.exec(ctx, func(c Conn) (err error) {
			rows, err = c.Query(ctx, st)
			return err
		})
		if err != nil {
			return Page[T]{}, err
		}
		if len(rows) == pageSize {
			next = encodeOffsetCursor(offset + uint64(pageSize))
		}
	default:
		return Page[T]{}, Unsupported(r.info.Name, "paging")
	}

	items, err := r.decodeAll(ctx, rows, q)
	if err != nil {
		return Page[T]{}, err
	}
	ev.Type, ev.Count = EventLoaded, int64(len(items))
	return Page[T]{Items: items, Next: next}, nil
}

func encodeOffsetCursor(offset uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, offset)
}

func decodeOffsetCursor(cursor []byte) (uint64, error) {
	if len(cursor) == 0 {
		return 0, nil
	}
	if len(cursor) != 8 {
		return 0, NewError(ErrorTypeInvalidArgument, "malformed page cursor")
	}
	return binary.BigEndian.Uint64(cursor), nil
}

func (r *Repository[T]) evict(ctx context.Context, id interface{}) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, id); err != nil {
		r.log.WithError(err).WithField("id", id).Warn("entity cache eviction failed")
	}
}

func (r *Repository[T]) clearCache(ctx context.Context) {
	if err := r.cache.Clear(ctx); err != nil {
		r.log.WithError(err).Warn("entity cache clear failed")
	}
}

// check validates q and rejects operators the backend does not advertise,
// before anything is compiled.
func (r *Repository[T]) check(q *Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if r.info.HasFeature(FeatureSubstringSearch) {
		return nil
	}
	var walk func(c Condition) error
	walk = func(c Condition) error {
		if cc, ok := c.(CompositeCondition); ok {
			for _, child := range cc.Conditions {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		}
		if c.Operator() == OpLike {
			return Unsupported(r.info.Name, "LIKE on "+c.Field())
		}
		return nil
	}
	for _, c := range q.Conditions {
		if err := walk(c); err != nil {
			return err
		}
	}
	return nil
}

// checkIndexes fails when T declares indexes the backend cannot build. A
// unique index on a backend without unique indexes is still created, as a
// plain one.
func (r *Repository[T]) checkIndexes() error {
	for _, idx := range r.schema.Indexes {
		if !r.info.HasFeature(FeatureIndexes) {
			return Unsupported(r.info.Name, "index "+idx.Name)
		}
		if idx.IsUnique && !r.info.HasFeature(FeatureUniqueIndexes) {
			r.log.WithField("index", idx.Name).Warn("uniqueness is not enforced by this backend")
		}
	}
	return nil
}

func (r *Repository[T]) notFound(id interface{}) error {
	return Errorf(ErrorTypeNotFound, "%s with id %v not found", r.schema.Entity, id)
}
