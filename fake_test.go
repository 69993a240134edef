package upa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// An in-memory backend used by the repository and session tests.

type fakeStatement struct {
	op  string
	q   *Query
	rec *Record
	id  interface{}
}

func (s fakeStatement) String() string { return s.op }

type fakeTranslator struct {
	kind BackendKind
}

func (t fakeTranslator) Kind() BackendKind { return t.kind }
func (t fakeTranslator) Name() string      { return "fake" }

func (t fakeTranslator) check(q *Query, s *SchemaDescriptor) error {
	if err := q.Validate(); err != nil {
		return err
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
		_, err := s.Lookup(c.Field())
		return err
	}
	for _, c := range q.Conditions {
		if err := walk(c); err != nil {
			return err
		}
	}
	for _, o := range q.Orders {
		if _, err := s.Lookup(o.Field); err != nil {
			return err
		}
	}
	return nil
}

func (t fakeTranslator) CompileFind(q *Query, s *SchemaDescriptor) (Statement, error) {
	if err := t.check(q, s); err != nil {
		return nil, err
	}
	return fakeStatement{op: "find", q: q}, nil
}

func (t fakeTranslator) CompileCount(q *Query, s *SchemaDescriptor) (Statement, error) {
	if err := t.check(q, s); err != nil {
		return nil, err
	}
	if t.kind == KindWideColumn && q.OffsetValue() > 0 {
		return nil, Unsupported("fake", "offset")
	}
	return fakeStatement{op: "count", q: q}, nil
}

func (t fakeTranslator) CompileFindByID(id interface{}, s *SchemaDescriptor) (Statement, error) {
	return fakeStatement{op: "get", id: id}, nil
}

func (t fakeTranslator) CompileInsert(rec *Record, s *SchemaDescriptor) (Statement, error) {
	return fakeStatement{op: "insert", rec: rec}, nil
}

func (t fakeTranslator) CompileUpdate(rec *Record, s *SchemaDescriptor) (Statement, error) {
	return fakeStatement{op: "update", rec: rec}, nil
}

func (t fakeTranslator) CompileDelete(id interface{}, s *SchemaDescriptor) (Statement, error) {
	return fakeStatement{op: "delete", id: id}, nil
}

func (t fakeTranslator) CompileDeleteWhere(q *Query, s *SchemaDescriptor) (Statement, error) {
	if err := t.check(q, s); err != nil {
		return nil, err
	}
	return fakeStatement{op: "deleteWhere", q: q}, nil
}

func (t fakeTranslator) CompileSchema(s *SchemaDescriptor) ([]Statement, error) {
	return []Statement{fakeStatement{op: "schema"}}, nil
}

// fakeStore is shared by every conn of a backend.
type fakeStore struct {
	mu      sync.Mutex
	pk      string
	nextID  int64
	rows    map[string]*Record
	queries atomic.Int64
	failAll error
}

func newFakeStore(pk string) *fakeStore {
	return &fakeStore{pk: pk, rows: make(map[string]*Record)}
}

func (s *fakeStore) put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := rec.Get(s.pk)
	s.rows[fmt.Sprint(id)] = rec
}

type fakeConn struct {
	store  *fakeStore
	broken bool
	closed atomic.Bool

	// pending holds the writes of an open transaction.
	inTx    bool
	pending []func()
	log     []string
}

func (c *fakeConn) Exec(ctx context.Context, st Statement) (Result, error) {
	s := c.store
	s.queries.Add(1)
	if s.failAll != nil {
		return Result{}, s.failAll
	}
	fs := st.(fakeStatement)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch fs.op {
	case "schema":
		return Result{}, nil
	case "insert":
		id, _ := fs.rec.Get(s.pk)
		var inserted interface{}
		if IsZeroIdentifier(id) {
			s.nextID++
			id = s.nextID
			fs.rec.Set(s.pk, id)
			inserted = id
		}
		key := fmt.Sprint(id)
		if _, ok := s.rows[key]; ok {
			return Result{}, Errorf(ErrorTypeDuplicate, "duplicate key %s", key)
		}
		c.apply(func() { s.rows[key] = fs.rec })
		return Result{RowsAffected: 1, InsertedID: inserted}, nil
	case "update":
		id, _ := fs.rec.Get(s.pk)
		key := fmt.Sprint(id)
		if _, ok := s.rows[key]; !ok {
			return Result{}, nil
		}
		c.apply(func() { s.rows[key] = fs.rec })
		return Result{RowsAffected: 1}, nil
	case "delete":
		key := fmt.Sprint(fs.id)
		if _, ok := s.rows[key]; !ok {
			return Result{}, nil
		}
		c.apply(func() { delete(s.rows, key) })
		return Result{RowsAffected: 1}, nil
	case "deleteWhere":
		var n int64
		for key, rec := range s.rows {
			if matches(fs.q.Predicate(), rec) {
				key := key
				c.apply(func() { delete(s.rows, key) })
				n++
			}
		}
		return Result{RowsAffected: n}, nil
	}
	return Result{}, fmt.Errorf("unexpected statement %s", fs.op)
}

func (c *fakeConn) apply(fn func()) {
	if c.inTx {
		c.pending = append(c.pending, fn)
		return
	}
	fn()
}

func (c *fakeConn) Query(ctx context.Context, st Statement) ([]*Record, error) {
	s := c.store
	s.queries.Add(1)
	if s.failAll != nil {
		return nil, s.failAll
	}
	fs := st.(fakeStatement)
	s.mu.Lock()
	defer s.mu.Unlock()

	if fs.op == "get" {
		if rec, ok := s.rows[fmt.Sprint(fs.id)]; ok {
			return []*Record{rec}, nil
		}
		return nil, nil
	}
	return s.filter(fs.q), nil
}

func (s *fakeStore) filter(q *Query) []*Record {
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*Record
	for _, k := range keys {
		if matches(q.Predicate(), s.rows[k]) {
			out = append(out, s.rows[k])
		}
	}
	if off := q.OffsetValue(); off > 0 {
		if off >= len(out) {
			return nil
		}
		out = out[off:]
	}
	if lim := q.LimitValue(); lim >= 0 && lim < len(out) {
		out = out[:lim]
	}
	return out
}

func matches(c Condition, rec *Record) bool {
	if c == nil {
		return true
	}
	if cc, ok := c.(CompositeCondition); ok {
		switch cc.Logic {
		case LogicOr:
			for _, child := range cc.Conditions {
				if matches(child, rec) {
					return true
				}
			}
			return false
		case LogicNot:
			return !matches(CompositeCondition{Conditions: cc.Conditions, Logic: LogicAnd}, rec)
		}
		for _, child := range cc.Conditions {
			if !matches(child, rec) {
				return false
			}
		}
		return true
	}
	v, _ := rec.Get(c.Field())
	switch c.Operator() {
	case OpEqual:
		return fmt.Sprint(v) == fmt.Sprint(c.Value())
	case OpNotEqual:
		return fmt.Sprint(v) != fmt.Sprint(c.Value())
	case OpIn:
		vals, _ := InValues(c.Value())
		for _, val := range vals {
			if fmt.Sprint(v) == fmt.Sprint(val) {
				return true
			}
		}
	}
	return false
}

func (c *fakeConn) Count(ctx context.Context, st Statement) (int64, error) {
	c.store.queries.Add(1)
	if c.store.failAll != nil {
		return 0, c.store.failAll
	}
	fs := st.(fakeStatement)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return int64(len(c.store.filter(fs.q))), nil
}

func (c *fakeConn) Begin(ctx context.Context) error {
	c.inTx = true
	c.log = append(c.log, "begin")
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.store.mu.Lock()
	for _, fn := range c.pending {
		fn()
	}
	c.store.mu.Unlock()
	c.pending, c.inTx = nil, false
	c.log = append(c.log, "commit")
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	c.pending, c.inTx = nil, false
	c.log = append(c.log, "rollback")
	return nil
}

func (c *fakeConn) Broken() bool { return c.broken }

func (c *fakeConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return errors.New("closed twice")
	}
	return nil
}

type fakeBackend struct {
	info       BackendInfo
	translator Translator
	sessions   *SessionManager
	store      *fakeStore

	mu    sync.Mutex
	conns []*fakeConn
}

func newFakeBackend(name string, kind BackendKind, pool PoolConfig, features ...Feature) *fakeBackend {
	b := &fakeBackend{
		info:       BackendInfo{Name: name, Driver: "fake", Kind: kind, Features: features},
		translator: fakeTranslator{kind: kind},
		store:      newFakeStore("id"),
	}
	sessions, err := NewSessionManager(name, func(ctx context.Context) (Conn, error) {
		c := &fakeConn{store: b.store}
		b.mu.Lock()
		b.conns = append(b.conns, c)
		b.mu.Unlock()
		return c, nil
	}, pool, nil)
	if err != nil {
		panic(err)
	}
	b.sessions = sessions
	return b
}

func (b *fakeBackend) Info() BackendInfo                { return b.info }
func (b *fakeBackend) Translator() Translator           { return b.translator }
func (b *fakeBackend) Sessions() *SessionManager        { return b.sessions }
func (b *fakeBackend) Health(ctx context.Context) error { return nil }
func (b *fakeBackend) Close() error {
	b.sessions.Close()
	return nil
}

func (b *fakeBackend) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}
