package upa

import (
	"fmt"
	"sort"
	"strings"
)

// Record is a backend-neutral, ordered mapping from logical field name to
// value. It is what the codec produces and what translators consume.
//
// Values are one of: nil, bool, int64, uint64, float64, string, []byte,
// time.Time, uuid.UUID, *Record, []*Record or []interface{}.
type Record struct {
	keys   []string
	values map[string]interface{}
}

// NewRecord creates an empty record with room for n fields.
func NewRecord(n int) *Record {
	return &Record{
		keys:   make([]string, 0, n),
		values: make(map[string]interface{}, n),
	}
}

// RecordFromMap builds a record from m. Keys are sorted for a stable order
// and nested maps become nested records.
func RecordFromMap(m map[string]interface{}) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := NewRecord(len(keys))
	for _, k := range keys {
		r.Set(k, fromGeneric(m[k]))
	}
	return r
}

func fromGeneric(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return RecordFromMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = fromGeneric(e)
		}
		return out
	default:
		return v
	}
}

// Set stores value under name, keeping the original position when name
// is already present.
func (r *Record) Set(name string, value interface{}) {
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = value
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[name]
	return v, ok
}

// Has reports whether name is present, even with a nil value.
func (r *Record) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Delete removes name.
func (r *Record) Delete(name string) {
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Range calls fn for each field in order until fn returns false.
func (r *Record) Range(fn func(name string, value interface{}) bool) {
	if r == nil {
		return
	}
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// Map converts the record, and nested records, into plain maps.
func (r *Record) Map() map[string]interface{} {
	if r == nil {
		return nil
	}
	out := make(map[string]interface{}, len(r.keys))
	for _, k := range r.keys {
		out[k] = toGeneric(r.values[k])
	}
	return out
}

func toGeneric(v interface{}) interface{} {
	switch t := v.(type) {
	case *Record:
		return t.Map()
	case []*Record:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = e.Map()
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = toGeneric(e)
		}
		return out
	default:
		return v
	}
}

// String renders the record for logs.
func (r *Record) String() string {
	if r == nil {
		return "Record<nil>"
	}
	parts := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r.values[k]))
	}
	return "Record{" + strings.Join(parts, ", ") + "}"
}
