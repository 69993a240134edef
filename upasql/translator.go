package upasql

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lemmego/upa"
)

type stmtKind int

const (
	kindQuery stmtKind = iota
	kindCount
	kindExec
	kindInsert
	kindDDL
)

// Statement is SQL text with its bound arguments. Literal values only ever
// appear in Args.
type Statement struct {
	Text string
	Args []interface{}

	kind    stmtKind
	columns []*upa.FieldDescriptor
	// autoID marks an insert whose identifier is generated by the database.
	autoID    bool
	returning bool
}

func (s *Statement) String() string { return s.Text }

// maxCachedShapes bounds the compiled statement cache.
const maxCachedShapes = 1024

type shapeKey struct {
	schema *upa.SchemaDescriptor
	op     string
	shape  string
}

type compiled struct {
	text    string
	columns []*upa.FieldDescriptor
}

// Translator compiles queries into SQL for one dialect. Statement text is
// memoised per entity and query shape; arguments are bound on every call.
type Translator struct {
	dialect *sqlDialect

	cache  sync.Map
	cached atomic.Int64
}

// NewTranslator returns the translator for driver.
func NewTranslator(driver string) (*Translator, error) {
	d, err := newDialect(driver)
	if err != nil {
		return nil, err
	}
	return &Translator{dialect: d}, nil
}

func (t *Translator) Kind() upa.BackendKind { return upa.KindSQL }
func (t *Translator) Name() string          { return t.dialect.name().String() }

// CachedShapes returns the number of memoised statement texts.
func (t *Translator) CachedShapes() int { return int(t.cached.Load()) }

func (t *Translator) CompileFind(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	return t.compile("find", kindQuery, q, s, func(b *builder) error {
		cols, err := b.selectList(q.Fields)
		if err != nil {
			return err
		}
		b.write("SELECT ", b.columnList(cols), " FROM ", b.d.quote(s.Table))
		if err := b.where(q); err != nil {
			return err
		}
		if err := b.orderBy(q); err != nil {
			return err
		}
		b.limitOffset(q)
		b.columns = cols
		return nil
	})
}

func (t *Translator) CompileCount(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	return t.compile("count", kindCount, q, s, func(b *builder) error {
		if q.Limit == nil && q.Offset == nil {
			b.write("SELECT COUNT(*) FROM ", b.d.quote(s.Table))
			return b.where(q)
		}
		b.write("SELECT COUNT(*) FROM (SELECT 1 FROM ", b.d.quote(s.Table))
		if err := b.where(q); err != nil {
			return err
		}
		if err := b.orderBy(q); err != nil {
			return err
		}
		b.limitOffset(q)
		b.write(") AS upa_count")
		return nil
	})
}

func (t *Translator) CompileFindByID(id interface{}, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(t.dialect, s)
	cols, err := b.selectList(nil)
	if err != nil {
		return nil, err
	}
	b.write("SELECT ", b.columnList(cols), " FROM ", b.d.quote(s.Table), " WHERE ", b.pkColumn(), " = ")
	if err := b.bindValue(s.PrimaryKey, id); err != nil {
		return nil, err
	}
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindQuery, columns: cols}, nil
}

func (t *Translator) CompileInsert(rec *upa.Record, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(t.dialect, s)
	pk := s.PrimaryKey
	id, _ := rec.Get(pk.Name)
	autoID := pk.AutoIncrement && upa.IsZeroIdentifier(id)

	var cols, marks []string
	for _, f := range s.Fields {
		if autoID && f == pk {
			continue
		}
		v, _ := rec.Get(f.Name)
		arg, err := driverValue(v)
		if err != nil {
			return nil, err
		}
		cols = append(cols, b.d.quote(f.Column(upa.KindSQL)))
		b.args = append(b.args, arg)
		marks = append(marks, b.d.placeholder(len(b.args)))
	}

	st := &Statement{kind: kindInsert, autoID: autoID}
	if len(cols) == 0 {
		b.write("INSERT INTO ", b.d.quote(s.Table), " DEFAULT VALUES")
	} else {
		b.write("INSERT INTO ", b.d.quote(s.Table), " (", strings.Join(cols, ", "), ") VALUES (", strings.Join(marks, ", "), ")")
	}
	if autoID && b.d.returning() {
		b.write(" RETURNING ", b.pkColumn())
		st.returning = true
	}
	st.Text, st.Args = b.text.String(), b.args
	return st, nil
}

func (t *Translator) CompileUpdate(rec *upa.Record, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(t.dialect, s)
	pk := s.PrimaryKey
	id, _ := rec.Get(pk.Name)

	b.write("UPDATE ", b.d.quote(s.Table), " SET ")
	n := 0
	for _, f := range s.Fields {
		if f == pk {
			continue
		}
		if n > 0 {
			b.write(", ")
		}
		v, _ := rec.Get(f.Name)
		arg, err := driverValue(v)
		if err != nil {
			return nil, err
		}
		b.write(b.d.quote(f.Column(upa.KindSQL)), " = ")
		b.bind(arg)
		n++
	}
	if n == 0 {
		b.write(b.pkColumn(), " = ")
		if err := b.bindValue(pk, id); err != nil {
			return nil, err
		}
	}
	b.write(" WHERE ", b.pkColumn(), " = ")
	if err := b.bindValue(pk, id); err != nil {
		return nil, err
	}
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindExec}, nil
}

func (t *Translator) CompileDelete(id interface{}, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(t.dialect, s)
	b.write("DELETE FROM ", b.d.quote(s.Table), " WHERE ", b.pkColumn(), " = ")
	if err := b.bindValue(s.PrimaryKey, id); err != nil {
		return nil, err
	}
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindExec}, nil
}

func (t *Translator) CompileDeleteWhere(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if q.Limit != nil || q.Offset != nil || len(q.Orders) > 0 {
		return nil, upa.Unsupported(t.Name(), "limit, offset or order on a delete")
	}
	return t.compile("delete", kindExec, q, s, func(b *builder) error {
		b.write("DELETE FROM ", b.d.quote(s.Table))
		return b.where(q)
	})
}

func (t *Translator) CompileSchema(s *upa.SchemaDescriptor) ([]upa.Statement, error) {
	d := t.dialect
	defs := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		col := d.quote(f.Column(upa.KindSQL))
		switch {
		case f.Identifier && f.AutoIncrement:
			defs = append(defs, d.identityColumn(col))
		case f.Identifier:
			defs = append(defs, col+" "+d.columnType(f)+" NOT NULL PRIMARY KEY")
		case f.Nullable:
			defs = append(defs, col+" "+d.columnType(f))
		default:
			defs = append(defs, col+" "+d.columnType(f)+" NOT NULL")
		}
	}

	stmts := []upa.Statement{&Statement{
		Text: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.quote(s.Table), strings.Join(defs, ", ")),
		kind: kindDDL,
	}}

	for _, idx := range s.Indexes {
		cols := make([]string, len(idx.Fields))
		for i, name := range idx.Fields {
			col, err := s.Column(name, upa.KindSQL)
			if err != nil {
				return nil, err
			}
			cols[i] = d.quote(col)
		}
		var sb strings.Builder
		sb.WriteString("CREATE ")
		if idx.IsUnique {
			sb.WriteString("UNIQUE ")
		}
		sb.WriteString("INDEX ")
		if d.indexIfNotExists() {
			sb.WriteString("IF NOT EXISTS ")
		}
		fmt.Fprintf(&sb, "%s ON %s (%s)", d.quote(idx.Name), d.quote(s.Table), strings.Join(cols, ", "))
		stmts = append(stmts, &Statement{Text: sb.String(), kind: kindDDL})
	}
	return stmts, nil
}

// compile renders q through build, reusing the memoised text of an earlier
// query with the same shape. build always runs so that values are validated
// and bound.
func (t *Translator) compile(op string, kind stmtKind, q *upa.Query, s *upa.SchemaDescriptor, build func(*builder) error) (upa.Statement, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	key := shapeKey{schema: s, op: op, shape: q.Shape()}

	b := newBuilder(t.dialect, s)
	if c, ok := t.cache.Load(key); ok {
		b.text = nil
		if err := build(b); err != nil {
			return nil, err
		}
		cc := c.(*compiled)
		return &Statement{Text: cc.text, Args: b.args, kind: kind, columns: cc.columns}, nil
	}

	if err := build(b); err != nil {
		return nil, err
	}
	text := b.text.String()
	if t.cached.Load() < maxCachedShapes {
		if _, loaded := t.cache.LoadOrStore(key, &compiled{text: text, columns: b.columns}); !loaded {
			t.cached.Add(1)
		}
	}
	return &Statement{Text: text, Args: b.args, kind: kind, columns: b.columns}, nil
}

// =====================================
// Statement Builder
// =====================================

type builder struct {
	d *sqlDialect
	s *upa.SchemaDescriptor
	// text is nil when only arguments are being bound.
	text    *strings.Builder
	args    []interface{}
	columns []*upa.FieldDescriptor
}

func newBuilder(d *sqlDialect, s *upa.SchemaDescriptor) *builder {
	return &builder{d: d, s: s, text: &strings.Builder{}}
}

func (b *builder) write(parts ...string) {
	if b.text == nil {
		return
	}
	for _, p := range parts {
		b.text.WriteString(p)
	}
}

func (b *builder) bind(v interface{}) {
	b.args = append(b.args, v)
	b.write(b.d.placeholder(len(b.args)))
}

func (b *builder) bindValue(f *upa.FieldDescriptor, v interface{}) error {
	arg, err := driverValue(v)
	if err != nil {
		return upa.NewErrorWithCause(upa.ErrorTypeInvalidArgument,
			fmt.Sprintf("invalid value for %s.%s", b.s.Entity, f.Name), err)
	}
	b.bind(arg)
	return nil
}

func (b *builder) pkColumn() string {
	return b.d.quote(b.s.PrimaryKey.Column(upa.KindSQL))
}

func (b *builder) column(field string) (*upa.FieldDescriptor, string, error) {
	f, err := b.s.Lookup(field)
	if err != nil {
		return nil, "", err
	}
	return f, b.d.quote(f.Column(upa.KindSQL)), nil
}

func (b *builder) selectList(fields []string) ([]*upa.FieldDescriptor, error) {
	if len(fields) == 0 {
		return b.s.Fields, nil
	}
	cols := make([]*upa.FieldDescriptor, len(fields))
	for i, name := range fields {
		f, err := b.s.Lookup(name)
		if err != nil {
			return nil, err
		}
		cols[i] = f
	}
	return cols, nil
}

func (b *builder) columnList(cols []*upa.FieldDescriptor) string {
	names := make([]string, len(cols))
	for i, f := range cols {
		names[i] = b.d.quote(f.Column(upa.KindSQL))
	}
	return strings.Join(names, ", ")
}

func (b *builder) where(q *upa.Query) error {
	pred := q.Predicate()
	if pred == nil {
		return nil
	}
	b.write(" WHERE ")
	return b.condition(pred)
}

func (b *builder) condition(c upa.Condition) error {
	switch c := c.(type) {
	case upa.BasicCondition:
		return b.basic(c)
	case *upa.BasicCondition:
		return b.basic(*c)
	case upa.CompositeCondition:
		return b.composite(c)
	case *upa.CompositeCondition:
		return b.composite(*c)
	}
	return upa.Errorf(upa.ErrorTypeInvalidArgument, "unknown condition type %T", c)
}

func (b *builder) basic(c upa.BasicCondition) error {
	f, col, err := b.column(c.Field())
	if err != nil {
		return err
	}
	op, v := c.Operator(), c.Value()
	if !op.Valid() {
		return upa.Unsupported(b.d.name().String(), fmt.Sprintf("operator %q", op))
	}
	if f.Composite() {
		return upa.Unsupported(b.d.name().String(), fmt.Sprintf("operator %s on %s field %s", op, f.Type, f.Name))
	}

	switch {
	case op == upa.OpIn:
		vals, err := upa.InValues(v)
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			b.write("1=0")
			return nil
		}
		b.write(col, " IN (")
		for i, x := range vals {
			if i > 0 {
				b.write(", ")
			}
			if err := b.bindValue(f, x); err != nil {
				return err
			}
		}
		b.write(")")
		return nil
	case v == nil && op == upa.OpEqual:
		b.write(col, " IS NULL")
		return nil
	case v == nil && op == upa.OpNotEqual:
		b.write(col, " IS NOT NULL")
		return nil
	case v == nil:
		return upa.Errorf(upa.ErrorTypeInvalidArgument, "operator %s on %s.%s needs a value", op, b.s.Entity, f.Name)
	case op == upa.OpLike:
		pattern, ok := v.(string)
		if !ok {
			return upa.Errorf(upa.ErrorTypeInvalidArgument, "LIKE pattern for %s.%s must be a string, got %T", b.s.Entity, f.Name, v)
		}
		b.write(col, " LIKE ")
		b.bind(pattern)
		return nil
	case op.IsRange() && !f.Sortable():
		return upa.Unsupported(b.d.name().String(), fmt.Sprintf("operator %s on %s field %s", op, f.Type, f.Name))
	}

	sqlOp := string(op)
	if op == upa.OpNotEqual {
		sqlOp = "<>"
	}
	b.write(col, " ", sqlOp, " ")
	return b.bindValue(f, v)
}

func (b *builder) composite(c upa.CompositeCondition) error {
	var sep string
	switch c.Logic {
	case upa.LogicAnd:
		if len(c.Conditions) == 0 {
			b.write("1=1")
			return nil
		}
		sep = " AND "
		b.write("(")
	case upa.LogicOr:
		if len(c.Conditions) == 0 {
			b.write("1=0")
			return nil
		}
		sep = " OR "
		b.write("(")
	case upa.LogicNot:
		if len(c.Conditions) == 0 {
			b.write("1=0")
			return nil
		}
		sep = " AND "
		b.write("NOT (")
	default:
		return upa.Unsupported(b.d.name().String(), fmt.Sprintf("combinator %q", c.Logic))
	}
	for i, child := range c.Conditions {
		if i > 0 {
			b.write(sep)
		}
		if err := b.condition(child); err != nil {
			return err
		}
	}
	b.write(")")
	return nil
}

func (b *builder) orderBy(q *upa.Query) error {
	for i, o := range q.Orders {
		f, col, err := b.column(o.Field)
		if err != nil {
			return err
		}
		if !f.Sortable() {
			return upa.Unsupported(b.d.name().String(), fmt.Sprintf("ordering by %s field %s", f.Type, f.Name))
		}
		if i == 0 {
			b.write(" ORDER BY ")
		} else {
			b.write(", ")
		}
		dir := upa.OrderAsc
		if o.Direction == upa.OrderDesc {
			dir = upa.OrderDesc
		}
		b.write(col, " ", string(dir))
	}
	return nil
}

func (b *builder) limitOffset(q *upa.Query) {
	if q.Limit != nil {
		b.write(" LIMIT ")
		b.bind(int64(*q.Limit))
	}
	if q.Offset != nil {
		if q.Limit == nil {
			if unbounded := b.d.unboundedLimit(); unbounded != "" {
				b.write(" LIMIT ", unbounded)
			}
		}
		b.write(" OFFSET ")
		b.bind(int64(*q.Offset))
	}
}

// driverValue converts a neutral record value into a database/sql argument.
// Nested records and lists become JSON text.
func driverValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case *upa.Record:
		if x == nil {
			return nil, nil
		}
		return upa.MarshalJSONValue(x)
	case []*upa.Record:
		if x == nil {
			return nil, nil
		}
		return upa.MarshalJSONValue(x)
	case []interface{}:
		if x == nil {
			return nil, nil
		}
		return upa.MarshalJSONValue(x)
	case uuid.UUID:
		return x.String(), nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	}
	return v, nil
}
