package upamongo

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lemmego/upa"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const idField = "_id"

type opKind int

const (
	opFind opKind = iota
	opCount
	opInsert
	opReplace
	opDelete
	opDeleteMany
	opCreateCollection
	opCreateIndexes
)

var opNames = map[opKind]string{
	opFind:             "find",
	opCount:            "countDocuments",
	opInsert:           "insertOne",
	opReplace:          "replaceOne",
	opDelete:           "deleteOne",
	opDeleteMany:       "deleteMany",
	opCreateCollection: "createCollection",
	opCreateIndexes:    "createIndexes",
}

// Command is a compiled collection operation. Values only ever appear in
// BSON value positions of Filter and Document.
type Command struct {
	Collection string
	Filter     bson.D
	Document   bson.D
	Sort       bson.D
	Projection bson.D
	Limit      *int64
	Skip       *int64
	Indexes    []mongo.IndexModel

	op     opKind
	fields *fieldMap
}

// String renders the command with every value elided.
func (c *Command) String() string {
	var b strings.Builder
	b.WriteString(c.Collection)
	b.WriteByte('.')
	b.WriteString(opNames[c.op])
	if c.Filter != nil {
		b.WriteByte(' ')
		writeShape(&b, c.Filter)
	}
	if c.Document != nil {
		b.WriteString(" doc=")
		writeShape(&b, c.Document)
	}
	if c.Sort != nil {
		b.WriteString(" sort=")
		writeShape(&b, c.Sort)
	}
	if c.Limit != nil {
		b.WriteString(" limit=?")
	}
	if c.Skip != nil {
		b.WriteString(" skip=?")
	}
	for _, idx := range c.Indexes {
		b.WriteString(" index=")
		if keys, ok := idx.Keys.(bson.D); ok {
			writeShape(&b, keys)
		}
	}
	return b.String()
}

func writeShape(b *strings.Builder, d bson.D) {
	b.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Key)
		b.WriteString(": ")
		switch v := e.Value.(type) {
		case bson.D:
			writeShape(b, v)
		case bson.A:
			b.WriteByte('[')
			for j, x := range v {
				if j > 0 {
					b.WriteString(", ")
				}
				if sub, ok := x.(bson.D); ok {
					writeShape(b, sub)
				} else {
					b.WriteByte('?')
				}
			}
			b.WriteByte(']')
		default:
			b.WriteByte('?')
		}
	}
	b.WriteByte('}')
}

// fieldMap translates between logical field names and document keys.
// nested holds the maps of entity and entity_list fields.
type fieldMap struct {
	toKey   map[string]string
	toField map[string]string
	nested  map[string]*fieldMap
}

// =====================================
// Translator
// =====================================

// Translator compiles queries into collection commands.
type Translator struct {
	log    *logrus.Entry
	fields sync.Map // *upa.SchemaDescriptor -> *fieldMap
	warned sync.Map // entity.field -> struct{}
}

var _ upa.Translator = (*Translator)(nil)

// NewTranslator creates a translator that logs through log.
func NewTranslator(log *logrus.Entry) *Translator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Translator{log: log}
}

func (t *Translator) Kind() upa.BackendKind { return upa.KindDocument }
func (t *Translator) Name() string          { return "mongo" }

// keys validates and caches the document keys of s and of every entity
// type nested in it.
func (t *Translator) keys(s *upa.SchemaDescriptor) (*fieldMap, error) {
	if m, ok := t.fields.Load(s); ok {
		return m.(*fieldMap), nil
	}
	m, err := buildFieldMap(s, true, make(map[mapKey]*fieldMap))
	if err != nil {
		return nil, err
	}
	t.fields.Store(s, m)
	return m, nil
}

type mapKey struct {
	s   *upa.SchemaDescriptor
	top bool
}

// buildFieldMap maps the fields of s. Only the top level identifier is
// stored as _id. seen ends the walk on recursive entity types.
func buildFieldMap(s *upa.SchemaDescriptor, top bool, seen map[mapKey]*fieldMap) (*fieldMap, error) {
	if m, ok := seen[mapKey{s, top}]; ok {
		return m, nil
	}
	m := &fieldMap{
		toKey:   make(map[string]string, len(s.Fields)),
		toField: make(map[string]string, len(s.Fields)),
		nested:  make(map[string]*fieldMap),
	}
	seen[mapKey{s, top}] = m
	for _, f := range s.Fields {
		key := f.Column(upa.KindDocument)
		if top && f.Identifier {
			key = idField
		} else if err := validKey(s, key); err != nil {
			return nil, err
		}
		m.toKey[f.Name] = key
		m.toField[key] = f.Name
		if f.Nested != nil {
			nm, err := buildFieldMap(f.Nested, false, seen)
			if err != nil {
				return nil, err
			}
			m.nested[f.Name] = nm
		}
	}
	return m, nil
}

// validKey rejects names Mongo would read as a path or an operator.
func validKey(s *upa.SchemaDescriptor, key string) error {
	switch {
	case key == "":
		return upa.Errorf(upa.ErrorTypeInvalidArgument, "empty field name in %s", s.Entity)
	case strings.HasPrefix(key, "$"):
		return upa.Errorf(upa.ErrorTypeInvalidArgument, "field name %q of %s starts with $", key, s.Entity)
	case strings.Contains(key, "."):
		return upa.Errorf(upa.ErrorTypeInvalidArgument, "field name %q of %s contains a dot", key, s.Entity)
	case key == idField:
		return upa.Errorf(upa.ErrorTypeInvalidArgument, "field name _id of %s is reserved for the identifier", s.Entity)
	}
	return nil
}

func (t *Translator) CompileFind(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	c, err := t.query(opFind, q, s)
	if err != nil {
		return nil, err
	}
	if c.Sort, err = t.sort(q, s, c.fields); err != nil {
		return nil, err
	}
	if len(q.Fields) > 0 {
		c.Projection = bson.D{}
		for _, name := range q.Fields {
			f, err := s.Lookup(name)
			if err != nil {
				return nil, err
			}
			c.Projection = append(c.Projection, bson.E{Key: c.fields.toKey[f.Name], Value: 1})
		}
	}
	return c, nil
}

func (t *Translator) CompileCount(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	return t.query(opCount, q, s)
}

func (t *Translator) CompileFindByID(id interface{}, s *upa.SchemaDescriptor) (upa.Statement, error) {
	m, err := t.keys(s)
	if err != nil {
		return nil, err
	}
	key, err := identifier(id, s)
	if err != nil {
		return nil, err
	}
	one := int64(1)
	return &Command{
		op:         opFind,
		Collection: s.Table,
		Filter:     bson.D{{Key: idField, Value: bson.D{{Key: "$eq", Value: key}}}},
		Limit:      &one,
		fields:     m,
	}, nil
}

func (t *Translator) CompileInsert(rec *upa.Record, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if s.PrimaryKey.AutoIncrement {
		return nil, upa.Unsupported("mongo", "autoincrement identifier on "+s.Entity)
	}
	m, err := t.keys(s)
	if err != nil {
		return nil, err
	}
	doc, err := document(rec, s, m, true)
	if err != nil {
		return nil, err
	}
	return &Command{op: opInsert, Collection: s.Table, Document: doc, fields: m}, nil
}

func (t *Translator) CompileUpdate(rec *upa.Record, s *upa.SchemaDescriptor) (upa.Statement, error) {
	m, err := t.keys(s)
	if err != nil {
		return nil, err
	}
	raw, _ := rec.Get(s.PrimaryKey.Name)
	key, err := identifier(raw, s)
	if err != nil {
		return nil, err
	}
	doc, err := document(rec, s, m, false)
	if err != nil {
		return nil, err
	}
	return &Command{
		op:         opReplace,
		Collection: s.Table,
		Filter:     bson.D{{Key: idField, Value: bson.D{{Key: "$eq", Value: key}}}},
		Document:   doc,
		fields:     m,
	}, nil
}

func (t *Translator) CompileDelete(id interface{}, s *upa.SchemaDescriptor) (upa.Statement, error) {
	key, err := identifier(id, s)
	if err != nil {
		return nil, err
	}
	return &Command{
		op:         opDelete,
		Collection: s.Table,
		Filter:     bson.D{{Key: idField, Value: bson.D{{Key: "$eq", Value: key}}}},
	}, nil
}

func (t *Translator) CompileDeleteWhere(q *upa.Query, s *upa.SchemaDescriptor) (upa.Statement, error) {
	if q.Limit != nil || q.Offset != nil || len(q.Orders) > 0 {
		return nil, upa.Unsupported("mongo", "limit, offset or order on a delete")
	}
	c, err := t.query(opDeleteMany, q, s)
	if err != nil {
		return nil, err
	}
	c.Limit, c.Skip = nil, nil
	return c, nil
}

// CompileSchema creates the collection and one single-field index per
// indexed field.
func (t *Translator) CompileSchema(s *upa.SchemaDescriptor) ([]upa.Statement, error) {
	m, err := t.keys(s)
	if err != nil {
		return nil, err
	}
	stmts := []upa.Statement{&Command{op: opCreateCollection, Collection: s.Table}}
	if len(s.Indexes) == 0 {
		return stmts, nil
	}

	idx := &Command{op: opCreateIndexes, Collection: s.Table}
	for _, info := range s.Indexes {
		keys := bson.D{}
		for _, name := range info.Fields {
			f, err := s.Lookup(name)
			if err != nil {
				return nil, err
			}
			keys = append(keys, bson.E{Key: m.toKey[f.Name], Value: 1})
		}
		idx.Indexes = append(idx.Indexes, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetName(info.Name).SetUnique(info.IsUnique),
		})
	}
	return append(stmts, idx), nil
}

func (t *Translator) query(op opKind, q *upa.Query, s *upa.SchemaDescriptor) (*Command, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m, err := t.keys(s)
	if err != nil {
		return nil, err
	}
	c := &Command{op: op, Collection: s.Table, Filter: bson.D{}, fields: m}
	if pred := q.Predicate(); pred != nil {
		f := &filterBuilder{s: s, m: m}
		if c.Filter, err = f.condition(pred); err != nil {
			return nil, err
		}
	}
	if q.Limit != nil {
		n := int64(*q.Limit)
		c.Limit = &n
	}
	if q.Offset != nil {
		n := int64(*q.Offset)
		c.Skip = &n
	}
	return c, nil
}

func (t *Translator) sort(q *upa.Query, s *upa.SchemaDescriptor, m *fieldMap) (bson.D, error) {
	if len(q.Orders) == 0 {
		return nil, nil
	}
	out := bson.D{}
	for _, o := range q.Orders {
		f, err := s.Lookup(o.Field)
		if err != nil {
			return nil, err
		}
		if !f.Sortable() {
			return nil, upa.Unsupported("mongo", fmt.Sprintf("ordering by %s field %s", f.Type, f.Name))
		}
		if !f.Identifier && !f.Indexed && !f.Unique {
			t.warnUnindexedSort(s, f)
		}
		dir := 1
		if o.Direction == upa.OrderDesc {
			dir = -1
		}
		out = append(out, bson.E{Key: m.toKey[f.Name], Value: dir})
	}
	return out, nil
}

func (t *Translator) warnUnindexedSort(s *upa.SchemaDescriptor, f *upa.FieldDescriptor) {
	if _, seen := t.warned.LoadOrStore(s.Entity+"."+f.Name, struct{}{}); seen {
		return
	}
	t.log.WithFields(logrus.Fields{
		"entity": s.Entity,
		"field":  f.Name,
	}).Warn("sorting on a field without an index scans the collection")
}

// =====================================
// Filters
// =====================================

type filterBuilder struct {
	s *upa.SchemaDescriptor
	m *fieldMap
}

// matchNothing is a filter no document satisfies.
func matchNothing() bson.D {
	return bson.D{{Key: idField, Value: bson.D{{Key: "$in", Value: bson.A{}}}}}
}

func (b *filterBuilder) condition(c upa.Condition) (bson.D, error) {
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
	return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "unknown condition type %T", c)
}

var mongoOps = map[upa.Operator]string{
	upa.OpEqual:              "$eq",
	upa.OpNotEqual:           "$ne",
	upa.OpGreaterThan:        "$gt",
	upa.OpGreaterThanOrEqual: "$gte",
	upa.OpLessThan:           "$lt",
	upa.OpLessThanOrEqual:    "$lte",
}

func (b *filterBuilder) basic(c upa.BasicCondition) (bson.D, error) {
	f, err := b.s.Lookup(c.Field())
	if err != nil {
		return nil, err
	}
	key := b.m.toKey[f.Name]
	op, v := c.Operator(), c.Value()
	if !op.Valid() {
		return nil, upa.Unsupported("mongo", fmt.Sprintf("operator %q", op))
	}
	if f.Type == upa.TypeEntity || f.Type == upa.TypeEntityList {
		return nil, upa.Unsupported("mongo", fmt.Sprintf("operator %s on %s field %s", op, f.Type, f.Name))
	}
	if op.IsRange() && !f.Sortable() {
		return nil, upa.Unsupported("mongo", fmt.Sprintf("operator %s on %s field %s", op, f.Type, f.Name))
	}

	var expr bson.D
	switch op {
	case upa.OpIn:
		vals, err := upa.InValues(v)
		if err != nil {
			return nil, err
		}
		arr := make(bson.A, len(vals))
		for i, x := range vals {
			if arr[i], err = b.value(f, x); err != nil {
				return nil, err
			}
		}
		expr = bson.D{{Key: "$in", Value: arr}}
	case upa.OpLike:
		pattern, ok := v.(string)
		if !ok {
			return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "LIKE pattern for %s.%s must be a string, got %T", b.s.Entity, f.Name, v)
		}
		expr = bson.D{{Key: "$regex", Value: primitive.Regex{Pattern: likeToRegex(pattern)}}}
	default:
		if v == nil && op != upa.OpEqual && op != upa.OpNotEqual {
			return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "operator %s on %s.%s needs a value", op, b.s.Entity, f.Name)
		}
		val, err := b.value(f, v)
		if err != nil {
			return nil, err
		}
		expr = bson.D{{Key: mongoOps[op], Value: val}}
	}
	return bson.D{{Key: key, Value: expr}}, nil
}

func (b *filterBuilder) composite(c upa.CompositeCondition) (bson.D, error) {
	switch c.Logic {
	case upa.LogicAnd:
		if len(c.Conditions) == 0 {
			return bson.D{}, nil
		}
	case upa.LogicOr, upa.LogicNot:
		if len(c.Conditions) == 0 {
			return matchNothing(), nil
		}
	default:
		return nil, upa.Unsupported("mongo", fmt.Sprintf("combinator %q", c.Logic))
	}

	children := make(bson.A, len(c.Conditions))
	for i, child := range c.Conditions {
		d, err := b.condition(child)
		if err != nil {
			return nil, err
		}
		children[i] = d
	}
	switch c.Logic {
	case upa.LogicOr:
		return bson.D{{Key: "$or", Value: children}}, nil
	case upa.LogicNot:
		if len(children) == 1 {
			return bson.D{{Key: "$nor", Value: children}}, nil
		}
		return bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "$and", Value: children}}}}}, nil
	}
	return bson.D{{Key: "$and", Value: children}}, nil
}

func (b *filterBuilder) value(f *upa.FieldDescriptor, v interface{}) (interface{}, error) {
	if f.Identifier {
		return identifier(v, b.s)
	}
	if f.Type == upa.TypeUUID || f.ElemType == upa.TypeUUID {
		if s, ok := v.(string); ok {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, upa.NewErrorWithCause(upa.ErrorTypeInvalidArgument,
					fmt.Sprintf("invalid uuid for %s.%s", b.s.Entity, f.Name), err)
			}
			v = id
		}
	}
	return toBSON(v), nil
}

// likeToRegex anchors a LIKE pattern and escapes everything but its wildcards.
func likeToRegex(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}

func identifier(id interface{}, s *upa.SchemaDescriptor) (interface{}, error) {
	key, err := s.CoerceIdentifier(id)
	if err != nil {
		return nil, err
	}
	return toBSON(key), nil
}

// =====================================
// Value Conversion
// =====================================

// document builds the stored document of rec. The identifier becomes _id
// and leads the document when withID is set.
func document(rec *upa.Record, s *upa.SchemaDescriptor, m *fieldMap, withID bool) (bson.D, error) {
	doc := make(bson.D, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Identifier && !withID {
			continue
		}
		v, _ := rec.Get(f.Name)
		if f.Identifier {
			key, err := identifier(v, s)
			if err != nil {
				return nil, err
			}
			doc = append(bson.D{{Key: idField, Value: key}}, doc...)
			continue
		}
		doc = append(doc, bson.E{Key: m.toKey[f.Name], Value: encodeValue(v, m.nested[f.Name])})
	}
	return doc, nil
}

// toBSON converts a neutral scalar or list value into its BSON form.
func toBSON(v interface{}) interface{} { return encodeValue(v, nil) }

// encodeValue converts a neutral record value into its BSON form. Nested
// records are keyed through m when it is set. Times become BSON dates, which
// hold milliseconds; they decode in UTC.
func encodeValue(v interface{}, m *fieldMap) interface{} {
	switch x := v.(type) {
	case *upa.Record:
		if x == nil {
			return nil
		}
		d := make(bson.D, 0, x.Len())
		x.Range(func(name string, value interface{}) bool {
			key := name
			var inner *fieldMap
			if m != nil {
				if k, ok := m.toKey[name]; ok {
					key = k
				}
				inner = m.nested[name]
			}
			d = append(d, bson.E{Key: key, Value: encodeValue(value, inner)})
			return true
		})
		return d
	case []*upa.Record:
		if x == nil {
			return nil
		}
		a := make(bson.A, len(x))
		for i, r := range x {
			a[i] = encodeValue(r, m)
		}
		return a
	case []interface{}:
		if x == nil {
			return nil
		}
		a := make(bson.A, len(x))
		for i, e := range x {
			a[i] = encodeValue(e, m)
		}
		return a
	case uuid.UUID:
		return primitive.Binary{Subtype: bson.TypeBinaryUUID, Data: x[:]}
	case time.Time:
		return primitive.NewDateTimeFromTime(x)
	}
	return v
}

// decodeValue converts a decoded BSON value into a neutral record value.
// Keys of nested documents are mapped back through m when it is set.
func decodeValue(v interface{}, m *fieldMap) interface{} {
	switch x := v.(type) {
	case bson.D:
		r := upa.NewRecord(len(x))
		for _, e := range x {
			if name, inner, ok := m.field(e.Key); ok {
				r.Set(name, decodeValue(e.Value, inner))
			}
		}
		return r
	case bson.M:
		fields := make(map[string]interface{}, len(x))
		for k, e := range x {
			if name, inner, ok := m.field(k); ok {
				fields[name] = decodeValue(e, inner)
			}
		}
		return upa.RecordFromMap(fields)
	case bson.A:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = decodeValue(e, m)
		}
		return out
	case primitive.Binary:
		return x.Data
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.ObjectID:
		return x.Hex()
	case primitive.Decimal128:
		return x.String()
	case int32:
		return int64(x)
	}
	return v
}

// record maps a stored document back onto logical field names.
func record(doc bson.D, m *fieldMap) *upa.Record {
	return decodeValue(doc, m).(*upa.Record)
}

// field resolves a document key. Without a map every key is kept as is;
// with one, unknown keys are dropped.
func (m *fieldMap) field(key string) (string, *fieldMap, bool) {
	if m == nil {
		return key, nil, true
	}
	name, ok := m.toField[key]
	if !ok {
		return "", nil, false
	}
	return name, m.nested[name], true
}
