package upa

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =====================================
// Entity Codec
// =====================================

// Encode converts entity, a struct or pointer to struct of s.Type, into a Record.
func Encode(entity interface{}, s *SchemaDescriptor) (*Record, error) {
	v, err := entityValue(entity, s)
	if err != nil {
		return nil, err
	}
	return encodeStruct(v, s)
}

func entityValue(entity interface{}, s *SchemaDescriptor) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, Errorf(ErrorTypeEncoding, "nil %s entity", s.Entity)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, Errorf(ErrorTypeEncoding, "entity must be a struct, got %T", entity)
	}
	if v.Type() != s.Type {
		return reflect.Value{}, Errorf(ErrorTypeEncoding, "entity of type %s does not match schema %s", v.Type(), s.Entity)
	}
	return v, nil
}

func encodeStruct(v reflect.Value, s *SchemaDescriptor) (*Record, error) {
	rec := NewRecord(len(s.Fields))
	for _, f := range s.Fields {
		val, err := encodeField(v.FieldByIndex(f.index), f, s)
		if err != nil {
			return nil, err
		}
		rec.Set(f.Name, val)
	}
	return rec, nil
}

func encodeField(fv reflect.Value, f *FieldDescriptor, s *SchemaDescriptor) (interface{}, error) {
	if f.dynamic {
		if fv.IsNil() {
			return nil, nil
		}
		val, ok := encodeDynamic(fv.Elem(), f.Type)
		if !ok {
			return nil, Errorf(ErrorTypeEncoding, "field %s.%s is declared %s but holds %s",
				s.Entity, f.GoName, f.Type, fv.Elem().Type())
		}
		return val, nil
	}

	if f.pointer {
		if fv.IsNil() {
			if f.NotNull {
				return nil, Errorf(ErrorTypeEncoding, "field %s.%s is notnull but nil", s.Entity, f.GoName)
			}
			return nil, nil
		}
		fv = fv.Elem()
	}

	switch f.Type {
	case TypeEntity:
		return encodeStruct(fv, f.Nested)
	case TypeEntityList:
		if fv.IsNil() {
			if f.NotNull {
				return nil, Errorf(ErrorTypeEncoding, "field %s.%s is notnull but nil", s.Entity, f.GoName)
			}
			return nil, nil
		}
		out := make([]*Record, fv.Len())
		for i := range out {
			elem := fv.Index(i)
			if f.elemPointer {
				if elem.IsNil() {
					return nil, Errorf(ErrorTypeEncoding, "field %s.%s has a nil element at %d", s.Entity, f.GoName, i)
				}
				elem = elem.Elem()
			}
			rec, err := encodeStruct(elem, f.Nested)
			if err != nil {
				return nil, err
			}
			out[i] = rec
		}
		return out, nil
	case TypeList:
		if fv.IsNil() {
			if f.NotNull {
				return nil, Errorf(ErrorTypeEncoding, "field %s.%s is notnull but nil", s.Entity, f.GoName)
			}
			return nil, nil
		}
		out := make([]interface{}, fv.Len())
		for i := range out {
			out[i] = encodeScalar(fv.Index(i), f.ElemType)
		}
		return out, nil
	case TypeBytes:
		if fv.IsNil() {
			if f.NotNull {
				return nil, Errorf(ErrorTypeEncoding, "field %s.%s is notnull but nil", s.Entity, f.GoName)
			}
			return nil, nil
		}
	}
	return encodeScalar(fv, f.Type), nil
}

func encodeScalar(v reflect.Value, t SemanticType) interface{} {
	switch t {
	case TypeBool:
		return v.Bool()
	case TypeInt:
		return v.Int()
	case TypeUint:
		return v.Uint()
	case TypeFloat:
		return v.Float()
	case TypeString:
		return v.String()
	case TypeBytes:
		return cloneBytes(v.Bytes())
	case TypeTime:
		return v.Interface().(time.Time)
	case TypeUUID:
		return v.Interface().(uuid.UUID)
	}
	return v.Interface()
}

// encodeDynamic normalizes the value held by an interface field declared t.
// Any Go numeric kind that fits t is accepted.
func encodeDynamic(v reflect.Value, t SemanticType) (interface{}, bool) {
	switch k := v.Kind(); t {
	case TypeBool:
		if k == reflect.Bool {
			return v.Bool(), true
		}
	case TypeInt:
		switch {
		case v.CanInt():
			return v.Int(), true
		case v.CanUint() && v.Uint() <= math.MaxInt64:
			return int64(v.Uint()), true
		}
	case TypeUint:
		switch {
		case v.CanUint():
			return v.Uint(), true
		case v.CanInt() && v.Int() >= 0:
			return uint64(v.Int()), true
		}
	case TypeFloat:
		switch {
		case v.CanFloat():
			return v.Float(), true
		case v.CanInt():
			return float64(v.Int()), true
		case v.CanUint():
			return float64(v.Uint()), true
		}
	case TypeString:
		if k == reflect.String {
			return v.String(), true
		}
	case TypeBytes:
		if k == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return cloneBytes(v.Bytes()), true
		}
	case TypeTime, TypeUUID:
		if want := canonicalType(t); v.Type().ConvertibleTo(want) && (k == reflect.Struct || k == reflect.Array) {
			return v.Convert(want).Interface(), true
		}
	}
	return nil, false
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Decode builds a T from rec. Every non-nullable field must be present.
func Decode[T any](rec *Record, s *SchemaDescriptor) (*T, error) {
	out := new(T)
	if err := DecodeInto(rec, s, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodePartial is Decode for projected records. Only the listed fields are
// required; the rest keep their zero value when absent.
func DecodePartial[T any](rec *Record, s *SchemaDescriptor, fields []string) (*T, error) {
	out := new(T)
	only := make(map[string]bool, len(fields))
	for _, name := range fields {
		f, err := s.Lookup(name)
		if err != nil {
			return nil, err
		}
		only[f.Name] = true
	}
	v, err := decodeTarget(out, s)
	if err != nil {
		return nil, err
	}
	if err := decodeStruct(rec, s, v, only); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeInto decodes rec into dst, a pointer to a struct of s.Type.
func DecodeInto(rec *Record, s *SchemaDescriptor, dst interface{}) error {
	v, err := decodeTarget(dst, s)
	if err != nil {
		return err
	}
	return decodeStruct(rec, s, v, nil)
}

func decodeTarget(dst interface{}, s *SchemaDescriptor) (reflect.Value, error) {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Type() != s.Type {
		return reflect.Value{}, Errorf(ErrorTypeDecoding, "decode target must be a non-nil *%s, got %T", s.Type, dst)
	}
	return v.Elem(), nil
}

func decodeStruct(rec *Record, s *SchemaDescriptor, v reflect.Value, only map[string]bool) error {
	if rec == nil {
		return Errorf(ErrorTypeDecoding, "nil record for %s", s.Entity)
	}
	for _, f := range s.Fields {
		raw, ok := rec.Get(f.Name)
		if only != nil && !only[f.Name] && !ok {
			continue
		}
		if !ok || raw == nil {
			if f.Nullable {
				continue
			}
			return Errorf(ErrorTypeDecoding, "required field %s.%s is missing", s.Entity, f.Name)
		}
		if err := decodeField(raw, f, v.FieldByIndex(f.index)); err != nil {
			return NewErrorWithCause(ErrorTypeDecoding,
				fmt.Sprintf("cannot decode field %s.%s", s.Entity, f.Name), err)
		}
	}
	return nil
}

func decodeField(raw interface{}, f *FieldDescriptor, dst reflect.Value) error {
	if f.dynamic {
		val, err := coerceScalar(raw, f.Type)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(val))
		return nil
	}
	if f.pointer {
		p := reflect.New(dst.Type().Elem())
		if err := decodeValue(raw, f, p.Elem()); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
	return decodeValue(raw, f, dst)
}

func decodeValue(raw interface{}, f *FieldDescriptor, dst reflect.Value) error {
	switch f.Type {
	case TypeEntity:
		rec, err := asRecord(raw)
		if err != nil {
			return err
		}
		return decodeStruct(rec, f.Nested, dst, nil)
	case TypeEntityList:
		items, err := asRecordList(raw)
		if err != nil {
			return err
		}
		slice := reflect.MakeSlice(dst.Type(), len(items), len(items))
		elemType := dst.Type().Elem()
		for i, item := range items {
			target := slice.Index(i)
			if f.elemPointer {
				p := reflect.New(elemType.Elem())
				target.Set(p)
				target = p.Elem()
			}
			if err := decodeStruct(item, f.Nested, target, nil); err != nil {
				return err
			}
		}
		dst.Set(slice)
		return nil
	case TypeList:
		items, err := asList(raw)
		if err != nil {
			return err
		}
		slice := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, item := range items {
			val, err := coerceScalar(item, f.ElemType)
			if err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			if err := assignScalar(slice.Index(i), val); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(slice)
		return nil
	}

	val, err := coerceScalar(raw, f.Type)
	if err != nil {
		return err
	}
	return assignScalar(dst, val)
}

func assignScalar(dst reflect.Value, val interface{}) error {
	switch dst.Kind() {
	case reflect.Bool:
		dst.SetBool(val.(bool))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := val.(int64)
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := val.(uint64)
		if dst.OverflowUint(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n := val.(float64)
		if dst.OverflowFloat(n) {
			return fmt.Errorf("value %g overflows %s", n, dst.Type())
		}
		dst.SetFloat(n)
	case reflect.String:
		dst.SetString(val.(string))
	case reflect.Slice:
		dst.SetBytes(val.([]byte))
	default:
		dst.Set(reflect.ValueOf(val))
	}
	return nil
}

// =====================================
// Coercion
// =====================================

// coerceScalar converts a driver value into the neutral Go type of t.
func coerceScalar(raw interface{}, t SemanticType) (interface{}, error) {
	switch t {
	case TypeBool:
		return toBool(raw)
	case TypeInt:
		return toInt64(raw)
	case TypeUint:
		return toUint64(raw)
	case TypeFloat:
		return toFloat64(raw)
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case TypeBytes:
		switch v := raw.(type) {
		case []byte:
			return cloneBytes(v), nil
		case string:
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("invalid base64 bytes: %w", err)
			}
			return b, nil
		}
	case TypeTime:
		return toTime(raw)
	case TypeUUID:
		return toUUID(raw)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", raw, t)
}

func toBool(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case []byte:
		return strconv.ParseBool(string(v))
	}
	n, err := toInt64(raw)
	if err != nil {
		return false, fmt.Errorf("cannot convert %T to bool", raw)
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("cannot convert %d to bool", n)
}

func toInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case json.Number:
		return strconv.ParseInt(v.String(), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case []byte:
		return strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int", raw)
}

func uintToInt(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func floatToInt(v float64) (int64, error) {
	if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, fmt.Errorf("value %g is not an integer", v)
	}
	return int64(v), nil
}

func toUint64(raw interface{}) (uint64, error) {
	switch v := raw.(type) {
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case json.Number:
		return strconv.ParseUint(v.String(), 10, 64)
	case string:
		return strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	case []byte:
		return strconv.ParseUint(string(bytes.TrimSpace(v)), 10, 64)
	case float32, float64:
		f := reflect.ValueOf(v).Float()
		if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
			return 0, fmt.Errorf("value %g is not an unsigned integer", f)
		}
		return uint64(f), nil
	}
	n, err := toInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %T to uint", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("value %d is negative", n)
	}
	return uint64(n), nil
}

func toFloat64(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case []byte:
		return strconv.ParseFloat(string(bytes.TrimSpace(v)), 64)
	case uint, uint8, uint16, uint32, uint64:
		return float64(reflect.ValueOf(v).Uint()), nil
	}
	n, err := toInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %T to float", raw)
	}
	return float64(n), nil
}

// timeLayouts are the text forms drivers return timestamps in.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func toTime(raw interface{}) (time.Time, error) {
	var s string
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", raw)
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), " +0000 UTC")
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func toUUID(raw interface{}) (uuid.UUID, error) {
	switch v := raw.(type) {
	case uuid.UUID:
		return v, nil
	case [16]byte:
		return uuid.UUID(v), nil
	case string:
		return uuid.Parse(v)
	case []byte:
		if len(v) == 16 {
			return uuid.FromBytes(v)
		}
		return uuid.ParseBytes(v)
	}
	return uuid.Nil, fmt.Errorf("cannot convert %T to uuid", raw)
}

func asRecord(raw interface{}) (*Record, error) {
	switch v := raw.(type) {
	case *Record:
		return v, nil
	case map[string]interface{}:
		return RecordFromMap(v), nil
	case string, []byte:
		var m map[string]interface{}
		if err := unmarshalJSON(v, &m); err != nil {
			return nil, err
		}
		return RecordFromMap(m), nil
	}
	return nil, fmt.Errorf("cannot convert %T to a nested entity", raw)
}

func asRecordList(raw interface{}) ([]*Record, error) {
	switch v := raw.(type) {
	case []*Record:
		return v, nil
	case []map[string]interface{}:
		out := make([]*Record, len(v))
		for i, m := range v {
			out[i] = RecordFromMap(m)
		}
		return out, nil
	case string, []byte:
		var items []interface{}
		if err := unmarshalJSON(v, &items); err != nil {
			return nil, err
		}
		raw = items
	}
	items, err := asList(raw)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, len(items))
	for i, item := range items {
		if out[i], err = asRecord(item); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

func asList(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case string, []byte:
		var items []interface{}
		if err := unmarshalJSON(v, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot convert %T to a list", raw)
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func unmarshalJSON(raw interface{}, dst interface{}) error {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON value: %w", err)
	}
	return nil
}

// MarshalJSONValue renders a nested record, record list or list as JSON text
// for backends that store composite fields as strings.
func MarshalJSONValue(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(toGeneric(v))
	if err != nil {
		return "", NewErrorWithCause(ErrorTypeEncoding, "cannot marshal nested value", err)
	}
	return string(b), nil
}

// =====================================
// Identifier Helpers
// =====================================

// IdentifierValue returns the neutral value of entity's identifier field.
func (s *SchemaDescriptor) IdentifierValue(entity interface{}) (interface{}, error) {
	v, err := entityValue(entity, s)
	if err != nil {
		return nil, err
	}
	return encodeScalar(v.FieldByIndex(s.PrimaryKey.index), s.PrimaryKey.Type), nil
}

// SetIdentifier writes id, coerced to the identifier type, into entity.
// entity must be a pointer.
func (s *SchemaDescriptor) SetIdentifier(entity interface{}, id interface{}) error {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return Errorf(ErrorTypeInvalidArgument, "SetIdentifier needs a non-nil pointer, got %T", entity)
	}
	sv, err := entityValue(entity, s)
	if err != nil {
		return err
	}
	val, err := s.CoerceIdentifier(id)
	if err != nil {
		return err
	}
	return assignScalar(sv.FieldByIndex(s.PrimaryKey.index), val)
}

// CoerceIdentifier converts id into the neutral type of the identifier field.
func (s *SchemaDescriptor) CoerceIdentifier(id interface{}) (interface{}, error) {
	if id == nil {
		return nil, Errorf(ErrorTypeInvalidArgument, "nil identifier for %s", s.Entity)
	}
	val, err := coerceScalar(id, s.PrimaryKey.Type)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeInvalidArgument,
			fmt.Sprintf("invalid identifier for %s", s.Entity), err)
	}
	return val, nil
}

// IsZeroIdentifier reports whether id is the zero value of its type.
func IsZeroIdentifier(id interface{}) bool {
	switch v := id.(type) {
	case nil:
		return true
	case int64:
		return v == 0
	case uint64:
		return v == 0
	case string:
		return v == ""
	case uuid.UUID:
		return v == uuid.Nil
	}
	return false
}
