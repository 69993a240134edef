package upacassandra

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/lemmego/upa"
)

const backendName = "cassandra"

type stmtKind int

const (
	kindQuery stmtKind = iota
	kindCount
	kindWrite
	kindDeleteWhere
	kindDDL
)

// Statement is CQL text with its bound arguments.
type Statement struct {
	Text string
	Args []interface{}

	kind    stmtKind
	columns []*upa.FieldDescriptor
	// cas marks a lightweight transaction; its applied flag decides the result.
	cas bool
	// insert reports a CAS miss as a duplicate rather than zero rows.
	insert bool
	// empty is set when the predicate can never match, e.g. IN ().
	empty bool
	// countLimit caps a COUNT(*) result; -1 when unbounded.
	countLimit int64
	// precount counts the rows a DeleteWhere is about to remove.
	precount *Statement
}

func (s *Statement) String() string { return s.Text }

// Translator compiles queries into CQL. The partition key is the entity's
// identifier and clustering columns come from fields tagged clustering.
type Translator struct{}

// NewTranslator returns a CQL translator.
func NewTranslator() *Translator { return &Translator{} }

func (t *Translator) Kind() upa.BackendKind { return upa.KindWideColumn }
func (t *Translator) Name() string          { return backendName }

func (t *Translator) CompileFind(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.OffsetValue() > 0 {
		return nil, upa.Unsupported(backendName, "offset")
	}
	b := newBuilder(s)
	cols, err := b.selectList(q.Fields)
	if err != nil {
		return nil, err
	}
	b.write("SELECT ", columnList(cols), " FROM ", quote(s.Table))
	r, err := b.where(q)
	if err != nil {
		return nil, err
	}
	if err := b.orderBy(q, r); err != nil {
		return nil, err
	}
	if q.Limit != nil {
		b.write(" LIMIT ")
		b.bind(*q.Limit)
	}
	if r.needsFiltering() {
		b.write(" ALLOW FILTERING")
	}
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindQuery, columns: cols, empty: r.empty}, nil
}

func (t *Translator) CompileCount(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.OffsetValue() > 0 {
		return nil, upa.Unsupported(backendName, "offset")
	}
	b := newBuilder(s)
	b.write("SELECT COUNT(*) FROM ", quote(s.Table))
	r, err := b.where(q)
	if err != nil {
		return nil, err
	}
	if err := b.orderBy(q, r); err != nil {
		return nil, err
	}
	if r.needsFiltering() {
		b.write(" ALLOW FILTERING")
	}
	return &Statement{
		Text:       b.text.String(),
		Args:       b.args,
		kind:       kindCount,
		empty:      r.empty,
		countLimit: int64(q.LimitValue()),
	}, nil
}

func (t *Translator) CompileFindByID(id interface{}, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(s)
	b.write("SELECT ", columnList(s.Fields), " FROM ", quote(s.Table), " WHERE ", quote(pkColumn(s)), " = ")
	if err := b.bindValue(s.PrimaryKey, id); err != nil {
		return nil, err
	}
	b.write(" LIMIT 1")
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindQuery, columns: s.Fields}, nil
}

func (t *Translator) CompileInsert(rec *upa.Record, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if s.PrimaryKey.AutoIncrement {
		return nil, upa.Unsupported(backendName, "autoincrement identifiers")
	}
	b := newBuilder(s)
	cols := make([]string, 0, len(s.Fields))
	marks := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		v, _ := rec.Get(f.Name)
		if err := b.collect(f, v); err != nil {
			return nil, err
		}
		cols = append(cols, quote(f.Column(upa.KindWideColumn)))
		marks = append(marks, "?")
	}
	b.write("INSERT INTO ", quote(s.Table), " (", strings.Join(cols, ", "), ") VALUES (", strings.Join(marks, ", "), ") IF NOT EXISTS")
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindWrite, cas: true, insert: true}, nil
}

func (t *Translator) CompileUpdate(rec *upa.Record, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(s)
	b.write("UPDATE ", quote(s.Table), " SET ")
	n := 0
	for _, f := range s.Fields {
		if f.Identifier || f.Clustering {
			continue
		}
		if n > 0 {
			b.write(", ")
		}
		v, _ := rec.Get(f.Name)
		b.write(quote(f.Column(upa.KindWideColumn)), " = ")
		if err := b.bindValue(f, v); err != nil {
			return nil, err
		}
		n++
	}
	if n == 0 {
		return nil, upa.Unsupported(backendName, "updating an entity made only of key columns")
	}
	if err := b.keyRestriction(rec); err != nil {
		return nil, err
	}
	b.write(" IF EXISTS")
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindWrite, cas: true}, nil
}

// CompileDelete removes the row or partition with the given identifier.
// Conditional deletes need the full primary key, so entities with
// clustering columns are removed without IF EXISTS.
func (t *Translator) CompileDelete(id interface{}, s *upa.SchemaDescriptor) (upa.Statement, error) {
	b := newBuilder(s)
	b.write("DELETE FROM ", quote(s.Table), " WHERE ", quote(pkColumn(s)), " = ")
	if err := b.bindValue(s.PrimaryKey, id); err != nil {
		return nil, err
	}
	if len(s.ClusteringKeys()) > 0 {
		return &Statement{Text: b.text.String(), Args: b.args, kind: kindWrite}, nil
	}
	b.write(" IF EXISTS")
	return &Statement{Text: b.text.String(), Args: b.args, kind: kindWrite, cas: true}, nil
}

// CompileDeleteWhere compiles a range delete. Only key columns may be
// restricted. The statement carries a COUNT(*) statement over the same
// predicate, since CQL does not report how many rows a delete removed.
func (t *Translator) CompileDeleteWhere(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Limit != nil || q.Offset != nil || len(q.Orders) > 0 {
		return nil, upa.Unsupported(backendName, "limit, offset or order on a delete")
	}

	precount := newBuilder(s)
	precount.write("SELECT COUNT(*) FROM ", quote(s.Table))
	r, err := precount.where(q)
	if err != nil {
		return nil, err
	}
	if !r.pk {
		return nil, upa.Unsupported(backendName, "a delete that does not restrict the partition key")
	}
	if r.indexed > 0 {
		return nil, upa.Unsupported(backendName, "a delete restricted on a non-key column")
	}

	b := newBuilder(s)
	b.write("DELETE FROM ", quote(s.Table))
	if _, err := b.where(q); err != nil {
		return nil, err
	}
	return &Statement{
		Text:     b.text.String(),
		Args:     b.args,
		kind:     kindDeleteWhere,
		empty:    r.empty,
		precount: &Statement{Text: precount.text.String(), Args: precount.args, kind: kindCount, countLimit: -1},
	}, nil
}

func (t *Translator) CompileSchema(s *upa.SchemaDescriptor) ([]upa.Statement, error) {
	defs := make([]string, 0, len(s.Fields)+1)
	for _, f := range s.Fields {
		defs = append(defs, quote(f.Column(upa.KindWideColumn))+" "+columnType(f))
	}
	key := "(" + quote(pkColumn(s)) + ")"
	clustering := s.ClusteringKeys()
	for _, f := range clustering {
		key += ", " + quote(f.Column(upa.KindWideColumn))
	}
	defs = append(defs, "PRIMARY KEY ("+key+")")

	stmts := []upa.Statement{&Statement{
		Text: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(s.Table), strings.Join(defs, ", ")),
		kind: kindDDL,
	}}

	for _, idx := range s.Indexes {
		// Secondary indexes cover one column and cannot enforce uniqueness.
		if len(idx.Fields) != 1 {
			continue
		}
		f, err := s.Lookup(idx.Fields[0])
		if err != nil {
			return nil, err
		}
		if f.Identifier || f.Clustering {
			continue
		}
		stmts = append(stmts, &Statement{
			Text: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quote(idx.Name), quote(s.Table), quote(f.Column(upa.KindWideColumn))),
			kind: kindDDL,
		})
	}
	return stmts, nil
}

// =====================================
// Statement Builder
// =====================================

// restriction records which kinds of column a WHERE clause restricts.
type restriction struct {
	pk         bool
	clustering bool
	indexed    int
	empty      bool
}

// needsFiltering reports whether the cluster must scan beyond one partition
// or one secondary index lookup.
func (r restriction) needsFiltering() bool {
	switch {
	case r.indexed > 1:
		return true
	case r.indexed == 1:
		return r.pk || r.clustering
	default:
		return r.clustering && !r.pk
	}
}

type builder struct {
	s    *upa.SchemaDescriptor
	text *strings.Builder
	args []interface{}
}

func newBuilder(s *upa.SchemaDescriptor) *builder {
	return &builder{s: s, text: &strings.Builder{}}
}

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.text.WriteString(p)
	}
}

func (b *builder) bind(v interface{}) {
	b.args = append(b.args, v)
	b.write("?")
}

// collect binds v without writing a marker.
func (b *builder) collect(f *upa.FieldDescriptor, v interface{}) error {
	arg, err := cqlValue(f, v)
	if err != nil {
		return upa.NewErrorWithCause(upa.ErrorTypeInvalidArgument,
			fmt.Sprintf("invalid value for %s.%s", b.s.Entity, f.Name), err)
	}
	b.args = append(b.args, arg)
	return nil
}

func (b *builder) bindValue(f *upa.FieldDescriptor, v interface{}) error {
	if err := b.collect(f, v); err != nil {
		return err
	}
	b.write("?")
	return nil
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

// keyRestriction writes WHERE over the partition key and every clustering
// column, taking their values from rec.
func (b *builder) keyRestriction(rec *upa.Record) error {
	b.write(" WHERE ")
	keys := append([]*upa.FieldDescriptor{b.s.PrimaryKey}, b.s.ClusteringKeys()...)
	for i, f := range keys {
		if i > 0 {
			b.write(" AND ")
		}
		v, _ := rec.Get(f.Name)
		b.write(quote(f.Column(upa.KindWideColumn)), " = ")
		if err := b.bindValue(f, v); err != nil {
			return err
		}
	}
	return nil
}

// where writes the conjunction of q's conditions. CQL has no OR or NOT, and
// each condition must target a column the cluster can look up.
func (b *builder) where(q *upa.Query) (restriction, error) {
	var conds []upa.BasicCondition
	for _, c := range q.Conditions {
		if err := flatten(c, &conds); err != nil {
			return restriction{}, err
		}
	}
	var r restriction
	for i, c := range conds {
		if i == 0 {
			b.write(" WHERE ")
		} else {
			b.write(" AND ")
		}
		if err := b.basic(c, &r); err != nil {
			return restriction{}, err
		}
	}
	return r, nil
}

func flatten(c upa.Condition, out *[]upa.BasicCondition) error {
	switch c := c.(type) {
	case upa.BasicCondition:
		*out = append(*out, c)
		return nil
	case *upa.BasicCondition:
		*out = append(*out, *c)
		return nil
	case *upa.CompositeCondition:
		return flatten(*c, out)
	case upa.CompositeCondition:
		switch c.Logic {
		case upa.LogicAnd:
			for _, child := range c.Conditions {
				if err := flatten(child, out); err != nil {
					return err
				}
			}
			return nil
		case upa.LogicOr:
			return upa.Unsupported(backendName, "or")
		case upa.LogicNot:
			return upa.Unsupported(backendName, "not")
		}
		return upa.Unsupported(backendName, fmt.Sprintf("combinator %q", c.Logic))
	}
	return upa.Errorf(upa.ErrorTypeInvalidArgument, "unknown condition type %T", c)
}

func (b *builder) basic(c upa.BasicCondition, r *restriction) error {
	f, err := b.s.Lookup(c.Field())
	if err != nil {
		return err
	}
	op, v := c.Operator(), c.Value()
	switch {
	case !op.Valid():
		return upa.Unsupported(backendName, fmt.Sprintf("operator %q", op))
	case op == upa.OpNotEqual, op == upa.OpLike:
		return upa.Unsupported(backendName, fmt.Sprintf("operator %s", op))
	case v == nil && op != upa.OpIn:
		return upa.Errorf(upa.ErrorTypeInvalidArgument, "operator %s on %s.%s needs a value", op, b.s.Entity, f.Name)
	}

	switch {
	case f.Identifier:
		if op != upa.OpEqual && op != upa.OpIn {
			return upa.Unsupported(backendName, fmt.Sprintf("operator %s on partition key %s", op, f.Name))
		}
		r.pk = true
	case f.Clustering:
		if op == upa.OpIn {
			return upa.Unsupported(backendName, fmt.Sprintf("operator %s on clustering column %s", op, f.Name))
		}
		r.clustering = true
	case f.Indexed || f.Unique:
		if op != upa.OpEqual {
			return upa.Unsupported(backendName, fmt.Sprintf("operator %s on indexed column %s", op, f.Name))
		}
		r.indexed++
	default:
		return upa.Unsupported(backendName, fmt.Sprintf("filtering on non-key column %s", f.Name))
	}

	col := quote(f.Column(upa.KindWideColumn))
	if op == upa.OpIn {
		vals, err := upa.InValues(v)
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			r.empty = true
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
	}
	b.write(col, " ", string(op), " ")
	return b.bindValue(f, v)
}

// orderBy accepts clustering columns only, and only once the partition is
// pinned.
func (b *builder) orderBy(q *upa.Query, r restriction) error {
	for i, o := range q.Orders {
		f, err := b.s.Lookup(o.Field)
		if err != nil {
			return err
		}
		if !f.Clustering {
			return upa.Unsupported(backendName, fmt.Sprintf("ordering by non-clustering column %s", f.Name))
		}
		if !r.pk {
			return upa.Unsupported(backendName, "ordering without a partition key restriction")
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
		b.write(quote(f.Column(upa.KindWideColumn)), " ", string(dir))
	}
	return nil
}

// =====================================
// Values
// =====================================

func pkColumn(s *upa.SchemaDescriptor) string {
	return s.PrimaryKey.Column(upa.KindWideColumn)
}

// quote renders a case-sensitive CQL identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnList(cols []*upa.FieldDescriptor) string {
	names := make([]string, len(cols))
	for i, f := range cols {
		names[i] = quote(f.Column(upa.KindWideColumn))
	}
	return strings.Join(names, ", ")
}

func columnType(f *upa.FieldDescriptor) string {
	switch f.Type {
	case upa.TypeBool:
		return "boolean"
	case upa.TypeInt, upa.TypeUint:
		return "bigint"
	case upa.TypeFloat:
		return "double"
	case upa.TypeBytes:
		return "blob"
	case upa.TypeTime:
		return "timestamp"
	case upa.TypeUUID:
		return "uuid"
	}
	// Strings, nested entities and lists. Composites are JSON text.
	return "text"
}

// cqlValue converts a neutral record value into a gocql argument. Times are
// cut to the millisecond a CQL timestamp holds, so filters match what is
// stored; they are read back in UTC.
func cqlValue(f *upa.FieldDescriptor, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if f.Composite() {
		switch x := v.(type) {
		case string:
			return x, nil
		case *upa.Record:
			if x == nil {
				return nil, nil
			}
		case []*upa.Record:
			if x == nil {
				return nil, nil
			}
		case []interface{}:
			if x == nil {
				return nil, nil
			}
		}
		return upa.MarshalJSONValue(v)
	}
	switch x := v.(type) {
	case uuid.UUID:
		return gocql.UUID(x), nil
	case [16]byte:
		return gocql.UUID(x), nil
	case time.Time:
		return x.Truncate(time.Millisecond).UTC(), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows bigint", x)
		}
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows bigint", x)
		}
		return int64(x), nil
	case string:
		if f.Type == upa.TypeUUID {
			id, err := gocql.ParseUUID(x)
			if err != nil {
				return nil, err
			}
			return id, nil
		}
	}
	return v, nil
}
