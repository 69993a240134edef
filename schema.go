package upa

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// =====================================
// Entity Metadata
// =====================================

// TagName is the struct tag read by the schema descriptor.
//
//	type User struct {
//		ID    int64  `upa:"id,pk,autoincrement"`
//		Name  string `upa:"name,index,mongo:full_name"`
//		Email string `upa:",unique"`
//	}
const TagName = "upa"

// SemanticType is the backend-neutral type of a field.
type SemanticType string

const (
	TypeBool       SemanticType = "bool"
	TypeInt        SemanticType = "int"
	TypeUint       SemanticType = "uint"
	TypeFloat      SemanticType = "float"
	TypeString     SemanticType = "string"
	TypeBytes      SemanticType = "bytes"
	TypeTime       SemanticType = "time"
	TypeUUID       SemanticType = "uuid"
	TypeEntity     SemanticType = "entity"
	TypeEntityList SemanticType = "entity_list"
	TypeList       SemanticType = "list"
)

// TableNamer lets an entity choose its table or collection name.
type TableNamer interface {
	TableName() string
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

// FieldDescriptor describes one mapped field of an entity.
type FieldDescriptor struct {
	// Name is the logical name used in queries and records.
	Name   string
	GoName string
	Type   SemanticType
	// ElemType is the element type of TypeList fields.
	ElemType SemanticType
	GoType   reflect.Type

	Nullable      bool
	NotNull       bool
	Identifier    bool
	AutoIncrement bool
	Indexed       bool
	Unique        bool
	Clustering    bool

	// Overrides holds backend specific column names.
	Overrides map[BackendKind]string
	// Nested describes entity and entity_list element types.
	Nested *SchemaDescriptor

	index       []int
	pointer     bool
	elemPointer bool
	dynamic     bool
}

// Column returns the field's name on a backend of the given kind.
func (f *FieldDescriptor) Column(kind BackendKind) string {
	if name, ok := f.Overrides[kind]; ok {
		return name
	}
	return f.Name
}

// Sortable reports whether the field holds a scalar a backend can order by.
func (f *FieldDescriptor) Sortable() bool {
	switch f.Type {
	case TypeEntity, TypeEntityList, TypeList, TypeBytes:
		return false
	}
	return true
}

// Composite reports whether the field holds nested entities or a list.
func (f *FieldDescriptor) Composite() bool {
	switch f.Type {
	case TypeEntity, TypeEntityList, TypeList:
		return true
	}
	return false
}

// IndexInfo contains metadata about an index
type IndexInfo struct {
	Name     string
	Fields   []string
	IsUnique bool
	Type     IndexType
}

// SchemaDescriptor is the derived storage shape of an entity type.
// It is immutable once built.
type SchemaDescriptor struct {
	Entity     string
	Table      string
	Fields     []*FieldDescriptor
	PrimaryKey *FieldDescriptor
	Indexes    []IndexInfo
	Type       reflect.Type

	byName   map[string]*FieldDescriptor
	byGoName map[string]*FieldDescriptor
}

// Field resolves a logical field name, falling back to the Go field name.
func (s *SchemaDescriptor) Field(name string) (*FieldDescriptor, bool) {
	if f, ok := s.byName[name]; ok {
		return f, true
	}
	f, ok := s.byGoName[name]
	return f, ok
}

// MustField is Field for names known to exist.
func (s *SchemaDescriptor) MustField(name string) *FieldDescriptor {
	f, ok := s.Field(name)
	if !ok {
		panic(fmt.Sprintf("upa: %s has no field %q", s.Entity, name))
	}
	return f
}

// Lookup resolves name or returns an invalid argument error naming the entity.
func (s *SchemaDescriptor) Lookup(name string) (*FieldDescriptor, error) {
	f, ok := s.Field(name)
	if !ok {
		return nil, Errorf(ErrorTypeInvalidArgument, "unknown field %q for entity %s", name, s.Entity)
	}
	return f, nil
}

// Column resolves a field name to its name on a backend of the given kind.
func (s *SchemaDescriptor) Column(name string, kind BackendKind) (string, error) {
	f, err := s.Lookup(name)
	if err != nil {
		return "", err
	}
	return f.Column(kind), nil
}

// ClusteringKeys returns the fields tagged as clustering columns in declaration order.
func (s *SchemaDescriptor) ClusteringKeys() []*FieldDescriptor {
	var keys []*FieldDescriptor
	for _, f := range s.Fields {
		if f.Clustering {
			keys = append(keys, f)
		}
	}
	return keys
}

// =====================================
// Schema Cache
// =====================================

// SchemaRegistry caches schema descriptors by entity type. Reads are
// concurrent; the first population of a key runs once.
type SchemaRegistry struct {
	mu             sync.RWMutex
	entries        map[reflect.Type]*SchemaDescriptor
	group          singleflight.Group
	introspections atomic.Int64
}

var (
	schemaOnce sync.Once
	schemas    *SchemaRegistry
)

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{entries: make(map[reflect.Type]*SchemaDescriptor)}
}

// Schemas returns the process-wide registry.
func Schemas() *SchemaRegistry {
	schemaOnce.Do(func() {
		schemas = NewSchemaRegistry()
	})
	return schemas
}

// Describe returns the schema descriptor of T from the process-wide registry.
func Describe[T any]() (*SchemaDescriptor, error) {
	return Schemas().Describe(reflect.TypeOf((*T)(nil)).Elem())
}

// DescribeType is Describe for a reflect.Type.
func DescribeType(t reflect.Type) (*SchemaDescriptor, error) {
	return Schemas().Describe(t)
}

// Invalidate drops the cached descriptor of T.
func Invalidate[T any]() {
	Schemas().Invalidate(reflect.TypeOf((*T)(nil)).Elem())
}

// Describe returns the cached descriptor for t, introspecting it on first use.
func (r *SchemaRegistry) Describe(t reflect.Type) (*SchemaDescriptor, error) {
	t, err := structType(t)
	if err != nil {
		return nil, err
	}
	if s, ok := r.lookup(t); ok {
		return rootDescriptor(s)
	}

	v, err, _ := r.group.Do(typeKey(t), func() (interface{}, error) {
		if s, ok := r.lookup(t); ok {
			return s, nil
		}
		r.introspections.Add(1)
		s, err := build(t, make(map[reflect.Type]bool))
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[t] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return rootDescriptor(v.(*SchemaDescriptor))
}

// Invalidate clears the entry for t. The next Describe introspects again.
func (r *SchemaRegistry) Invalidate(t reflect.Type) {
	t, err := structType(t)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, t)
	r.mu.Unlock()
}

// Introspections returns how many times an entity type has been introspected.
func (r *SchemaRegistry) Introspections() int64 {
	return r.introspections.Load()
}

// Len returns the number of cached descriptors.
func (r *SchemaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *SchemaRegistry) lookup(t reflect.Type) (*SchemaDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[t]
	return s, ok
}

func rootDescriptor(s *SchemaDescriptor) (*SchemaDescriptor, error) {
	if s.PrimaryKey == nil {
		return nil, Errorf(ErrorTypeSchema, "entity %s declares no identifier field", s.Entity)
	}
	if s.Table == "" {
		return nil, Errorf(ErrorTypeSchema, "entity %s has no table name", s.Type)
	}
	return s, nil
}

func structType(t reflect.Type) (reflect.Type, error) {
	if t == nil {
		return nil, NewError(ErrorTypeSchema, "nil entity type")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, Errorf(ErrorTypeSchema, "entity type %s is not a struct", t)
	}
	return t, nil
}

// typeKey is unique per type. Types declared in different functions may share
// a package path and name.
func typeKey(t reflect.Type) string {
	return fmt.Sprintf("%s@%p", t, t)
}

// =====================================
// Introspection
// =====================================

func build(t reflect.Type, visiting map[reflect.Type]bool) (*SchemaDescriptor, error) {
	if visiting[t] {
		return nil, Errorf(ErrorTypeSchema, "entity %s is recursive", t)
	}
	visiting[t] = true
	defer delete(visiting, t)

	s := &SchemaDescriptor{
		Entity:   t.Name(),
		Table:    tableName(t),
		Type:     t,
		byName:   make(map[string]*FieldDescriptor),
		byGoName: make(map[string]*FieldDescriptor),
	}
	if s.Entity == "" {
		s.Entity = t.String()
	}
	if err := collectFields(s, t, nil, visiting); err != nil {
		return nil, err
	}
	if len(s.Fields) == 0 {
		return nil, Errorf(ErrorTypeSchema, "entity %s has no mapped fields", s.Entity)
	}

	for _, f := range s.Fields {
		if !f.Identifier {
			continue
		}
		if s.PrimaryKey != nil {
			return nil, Errorf(ErrorTypeSchema, "entity %s marks both %s and %s as identifier",
				s.Entity, s.PrimaryKey.GoName, f.GoName)
		}
		s.PrimaryKey = f
	}

	for _, kind := range []BackendKind{KindSQL, KindDocument, KindWideColumn} {
		seen := make(map[string]string, len(s.Fields))
		for _, f := range s.Fields {
			col := f.Column(kind)
			if other, dup := seen[col]; dup {
				return nil, Errorf(ErrorTypeSchema, "entity %s maps %s and %s to the same %s column %q",
					s.Entity, other, f.GoName, kind, col)
			}
			seen[col] = f.GoName
		}
	}

	for _, f := range s.Fields {
		if f.Identifier || !(f.Indexed || f.Unique) {
			continue
		}
		idx := IndexInfo{Fields: []string{f.Name}, Type: IndexTypeStandard}
		if f.Unique {
			idx.IsUnique = true
			idx.Type = IndexTypeUnique
			idx.Name = fmt.Sprintf("uq_%s_%s", s.Table, f.Name)
		} else {
			idx.Name = fmt.Sprintf("idx_%s_%s", s.Table, f.Name)
		}
		s.Indexes = append(s.Indexes, idx)
	}
	return s, nil
}

func collectFields(s *SchemaDescriptor, t reflect.Type, parent []int, visiting map[reflect.Type]bool) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, hasTag := sf.Tag.Lookup(TagName)
		if tag == "-" {
			continue
		}
		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous && !hasTag {
			switch {
			case sf.Type.Kind() == reflect.Struct && sf.Type != timeType:
				if err := collectFields(s, sf.Type, index, visiting); err != nil {
					return err
				}
				continue
			case sf.Type.Kind() == reflect.Ptr && sf.Type.Elem().Kind() == reflect.Struct:
				return Errorf(ErrorTypeSchema, "entity %s embeds pointer %s, which is not supported", s.Entity, sf.Type)
			}
		}
		if !sf.IsExported() {
			continue
		}

		f, err := buildField(s, sf, tag, index, visiting)
		if err != nil {
			return err
		}
		if prev, dup := s.byName[f.Name]; dup {
			return Errorf(ErrorTypeSchema, "entity %s declares field name %q twice (%s, %s)",
				s.Entity, f.Name, prev.GoName, f.GoName)
		}
		s.Fields = append(s.Fields, f)
		s.byName[f.Name] = f
		if _, ok := s.byGoName[f.GoName]; !ok {
			s.byGoName[f.GoName] = f
		}
	}
	return nil
}

func buildField(s *SchemaDescriptor, sf reflect.StructField, tag string, index []int, visiting map[reflect.Type]bool) (*FieldDescriptor, error) {
	name, options := parseTag(tag)
	f := &FieldDescriptor{
		Name:   name,
		GoName: sf.Name,
		GoType: sf.Type,
		index:  index,
	}
	if f.Name == "" {
		f.Name = snakeCase(sf.Name)
	}
	fail := func(format string, args ...interface{}) error {
		return Errorf(ErrorTypeSchema, "entity %s field %s: %s", s.Entity, sf.Name, fmt.Sprintf(format, args...))
	}

	var declared SemanticType
	for _, opt := range options {
		switch opt {
		case "pk":
			f.Identifier = true
		case "autoincrement":
			f.AutoIncrement = true
		case "nullable":
			f.Nullable = true
		case "notnull":
			f.NotNull = true
		case "index":
			f.Indexed = true
		case "unique":
			f.Unique = true
		case "clustering":
			f.Clustering = true
		default:
			key, value, ok := strings.Cut(opt, ":")
			if !ok {
				return nil, fail("unknown tag option %q", opt)
			}
			if value == "" {
				return nil, fail("empty value for tag option %q", key)
			}
			switch key {
			case "sql":
				f.setOverride(KindSQL, value)
			case "mongo":
				f.setOverride(KindDocument, value)
			case "cassandra":
				f.setOverride(KindWideColumn, value)
			case "type":
				declared = SemanticType(value)
			default:
				return nil, fail("unknown tag option %q", key)
			}
		}
	}

	ft := sf.Type
	if ft.Kind() == reflect.Ptr {
		f.pointer = true
		f.Nullable = true
		ft = ft.Elem()
	}
	if declared != "" && ft.Kind() != reflect.Interface {
		return nil, fail("type option is only valid on interface fields")
	}

	switch {
	case ft == timeType:
		f.Type = TypeTime
	case ft == uuidType:
		f.Type = TypeUUID
	case ft.Kind() == reflect.Interface:
		if f.pointer {
			return nil, fail("pointer to interface is not supported")
		}
		if declared == "" {
			return nil, fail("interface fields need a type option")
		}
		if canonicalType(declared) == nil {
			return nil, fail("type %q is not a scalar type", declared)
		}
		f.Type = declared
		f.dynamic = true
		f.Nullable = true
	case ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Uint8:
		f.Type = TypeBytes
		f.Nullable = true
	case ft.Kind() == reflect.Slice:
		elem := ft.Elem()
		if elem.Kind() == reflect.Ptr {
			f.elemPointer = true
			elem = elem.Elem()
		}
		if elem.Kind() == reflect.Struct && elem != timeType {
			nested, err := build(elem, visiting)
			if err != nil {
				return nil, err
			}
			f.Type = TypeEntityList
			f.Nested = nested
		} else {
			sem := primitiveType(elem)
			switch elem {
			case timeType:
				sem = TypeTime
			case uuidType:
				sem = TypeUUID
			}
			if sem == "" || f.elemPointer {
				return nil, fail("unsupported list element type %s", ft.Elem())
			}
			f.Type = TypeList
			f.ElemType = sem
		}
		f.Nullable = true
	case ft.Kind() == reflect.Struct:
		nested, err := build(ft, visiting)
		if err != nil {
			return nil, err
		}
		f.Type = TypeEntity
		f.Nested = nested
	default:
		f.Type = primitiveType(ft)
		if f.Type == "" {
			return nil, fail("unsupported type %s", sf.Type)
		}
	}

	if f.NotNull {
		f.Nullable = false
	}
	if f.Identifier {
		switch f.Type {
		case TypeString, TypeInt, TypeUint, TypeUUID:
		default:
			return nil, fail("identifier must be a string, integer or UUID, not %s", f.Type)
		}
		if f.pointer || f.dynamic {
			return nil, fail("identifier must not be a pointer or interface")
		}
		f.Nullable = false
	}
	if f.AutoIncrement && !(f.Identifier && (f.Type == TypeInt || f.Type == TypeUint)) {
		return nil, fail("autoincrement requires an integer identifier")
	}
	if f.Clustering && (f.Identifier || !f.Sortable()) {
		return nil, fail("clustering columns must be scalar non-identifier fields")
	}
	return f, nil
}

func (f *FieldDescriptor) setOverride(kind BackendKind, name string) {
	if f.Overrides == nil {
		f.Overrides = make(map[BackendKind]string, 1)
	}
	f.Overrides[kind] = name
}

func parseTag(tag string) (string, []string) {
	if tag == "" {
		return "", nil
	}
	parts := strings.Split(tag, ",")
	options := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			options = append(options, p)
		}
	}
	return strings.TrimSpace(parts[0]), options
}

func primitiveType(t reflect.Type) SemanticType {
	switch t.Kind() {
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TypeInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeUint
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	case reflect.String:
		return TypeString
	}
	return ""
}

// canonicalType is the Go type values of an interface field must have.
func canonicalType(t SemanticType) reflect.Type {
	switch t {
	case TypeBool:
		return reflect.TypeOf(false)
	case TypeInt:
		return reflect.TypeOf(int64(0))
	case TypeUint:
		return reflect.TypeOf(uint64(0))
	case TypeFloat:
		return reflect.TypeOf(float64(0))
	case TypeString:
		return reflect.TypeOf("")
	case TypeBytes:
		return reflect.TypeOf([]byte(nil))
	case TypeTime:
		return timeType
	case TypeUUID:
		return uuidType
	}
	return nil
}

func tableName(t reflect.Type) string {
	if reflect.PointerTo(t).Implements(reflect.TypeOf((*TableNamer)(nil)).Elem()) {
		if n := reflect.New(t).Interface().(TableNamer).TableName(); n != "" {
			return n
		}
	}
	if t.Name() == "" {
		return ""
	}
	return pluralize(snakeCase(t.Name()))
}

// snakeCase converts CamelCase to snake_case, keeping acronyms together.
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func pluralize(s string) string {
	switch {
	case strings.HasSuffix(s, "s"), strings.HasSuffix(s, "x"), strings.HasSuffix(s, "z"),
		strings.HasSuffix(s, "ch"), strings.HasSuffix(s, "sh"):
		return s + "es"
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsRune("aeiou", rune(s[len(s)-2])):
		return s[:len(s)-1] + "ies"
	}
	return s + "s"
}
