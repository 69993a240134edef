package upa

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// =====================================
// Query Building
// =====================================

// QueryOption interface for building database queries
type QueryOption interface {
	Apply(query *Query)
}

// Query is a backend-neutral query expression. Top-level conditions are
// AND-ed. Field names are validated only when a translator compiles it.
type Query struct {
	Conditions []Condition
	Orders     []Order
	Limit      *int
	Offset     *int
	Fields     []string
}

// Condition represents a query condition
type Condition interface {
	Field() string
	Operator() Operator
	Value() interface{}
	String() string
}

// BasicCondition compares one field against a value.
type BasicCondition struct {
	FieldName string
	Op        Operator
	Val       interface{}
}

func (c BasicCondition) Field() string      { return c.FieldName }
func (c BasicCondition) Operator() Operator { return c.Op }
func (c BasicCondition) Value() interface{} { return c.Val }
func (c BasicCondition) String() string {
	return c.FieldName + " " + string(c.Op) + " ?"
}

// CompositeCondition for AND/OR/NOT operations. NOT negates the
// conjunction of its children.
type CompositeCondition struct {
	Conditions []Condition
	Logic      LogicOperator
}

func (c CompositeCondition) Field() string      { return "" }
func (c CompositeCondition) Operator() Operator { return "" }
func (c CompositeCondition) Value() interface{} { return nil }
func (c CompositeCondition) String() string {
	if len(c.Conditions) == 0 {
		return ""
	}

	var parts []string
	for _, cond := range c.Conditions {
		parts = append(parts, cond.String())
	}

	if c.Logic == LogicNot {
		return "NOT (" + strings.Join(parts, " AND ") + ")"
	}
	return "(" + strings.Join(parts, " "+string(c.Logic)+" ") + ")"
}

// =====================================
// Query Option Implementations
// =====================================

// ConditionOption implements QueryOption for basic conditions
type ConditionOption struct {
	Condition Condition
}

func (o ConditionOption) Apply(query *Query) {
	query.Conditions = append(query.Conditions, o.Condition)
}

// CompositeConditionOption implements QueryOption for composite conditions
type CompositeConditionOption struct {
	Conditions []Condition
	Logic      LogicOperator
}

func (o CompositeConditionOption) Apply(query *Query) {
	query.Conditions = append(query.Conditions, CompositeCondition{
		Conditions: o.Conditions,
		Logic:      o.Logic,
	})
}

// OrderOption implements QueryOption for ordering
type OrderOption struct {
	Order Order
}

func (o OrderOption) Apply(query *Query) {
	query.Orders = append(query.Orders, o.Order)
}

// LimitOption implements QueryOption for limiting results
type LimitOption struct {
	Count int
}

func (o LimitOption) Apply(query *Query) {
	query.Limit = &o.Count
}

// OffsetOption implements QueryOption for result offset
type OffsetOption struct {
	Count int
}

func (o OffsetOption) Apply(query *Query) {
	query.Offset = &o.Count
}

// FieldsOption implements QueryOption for field selection
type FieldsOption struct {
	Fields []string
}

func (o FieldsOption) Apply(query *Query) {
	query.Fields = append(query.Fields, o.Fields...)
}

// =====================================
// Query Builder Functions
// =====================================

// Where creates a basic WHERE condition
func Where(field string, operator Operator, value interface{}) QueryOption {
	return ConditionOption{Condition: WhereCondition(field, operator, value)}
}

// And adds the conjunction of conditions.
func And(conditions ...Condition) QueryOption {
	return CompositeConditionOption{Conditions: conditions, Logic: LogicAnd}
}

// Or adds the disjunction of conditions.
func Or(conditions ...Condition) QueryOption {
	return CompositeConditionOption{Conditions: conditions, Logic: LogicOr}
}

// Not adds the negation of the conjunction of conditions.
func Not(conditions ...Condition) QueryOption {
	return CompositeConditionOption{Conditions: conditions, Logic: LogicNot}
}

// WhereCondition creates a condition for use inside And, Or and Not.
func WhereCondition(field string, operator Operator, value interface{}) Condition {
	return BasicCondition{
		FieldName: field,
		Op:        operator,
		Val:       value,
	}
}

// AndCondition nests a conjunction.
func AndCondition(conditions ...Condition) Condition {
	return CompositeCondition{Conditions: conditions, Logic: LogicAnd}
}

// OrCondition nests a disjunction.
func OrCondition(conditions ...Condition) Condition {
	return CompositeCondition{Conditions: conditions, Logic: LogicOr}
}

// NotCondition nests a negation.
func NotCondition(conditions ...Condition) Condition {
	return CompositeCondition{Conditions: conditions, Logic: LogicNot}
}

// WhereIn creates a WHERE IN condition. values is any slice or array.
func WhereIn(field string, values interface{}) QueryOption {
	return Where(field, OpIn, values)
}

// WhereLike creates a WHERE LIKE condition. % matches any run of
// characters and _ matches one.
func WhereLike(field string, pattern string) QueryOption {
	return Where(field, OpLike, pattern)
}

// OrderBy creates an ordering option
func OrderBy(field string, direction OrderDirection) QueryOption {
	return OrderOption{
		Order: Order{
			Field:     field,
			Direction: direction,
		},
	}
}

// Limit creates a limit option
func Limit(count int) QueryOption {
	return LimitOption{Count: count}
}

// Offset creates an offset option
func Offset(count int) QueryOption {
	return OffsetOption{Count: count}
}

// Fields creates a field selection option
func Fields(fields ...string) QueryOption {
	return FieldsOption{Fields: fields}
}

// Select creates a field selection option (alias for Fields)
func Select(fields ...string) QueryOption {
	return FieldsOption{Fields: fields}
}

// NewQuery builds a query from opts.
func NewQuery(opts ...QueryOption) *Query {
	q := &Query{}
	for _, opt := range opts {
		if opt != nil {
			opt.Apply(q)
		}
	}
	return q
}

// Predicate returns the combined filter, or nil when the query has none.
func (q *Query) Predicate() Condition {
	switch len(q.Conditions) {
	case 0:
		return nil
	case 1:
		return q.Conditions[0]
	}
	return CompositeCondition{Conditions: q.Conditions, Logic: LogicAnd}
}

// Validate checks the parts of a query that do not depend on the entity.
func (q *Query) Validate() error {
	if q.Limit != nil && *q.Limit < 0 {
		return Errorf(ErrorTypeInvalidArgument, "negative limit %d", *q.Limit)
	}
	if q.Offset != nil && *q.Offset < 0 {
		return Errorf(ErrorTypeInvalidArgument, "negative offset %d", *q.Offset)
	}
	for _, o := range q.Orders {
		if o.Direction != OrderAsc && o.Direction != OrderDesc {
			return Errorf(ErrorTypeInvalidArgument, "invalid order direction %q for %s", o.Direction, o.Field)
		}
	}
	return nil
}

// LimitValue returns the limit, or -1 when unbounded.
func (q *Query) LimitValue() int {
	if q.Limit == nil {
		return -1
	}
	return *q.Limit
}

// OffsetValue returns the offset, zero when unset.
func (q *Query) OffsetValue() int {
	if q.Offset == nil {
		return 0
	}
	return *q.Offset
}

// Shape returns a key that is equal for queries compiling to the same
// statement text. Values are left out; only their structure counts.
func (q *Query) Shape() string {
	var b strings.Builder
	for _, c := range q.Conditions {
		writeShape(&b, c)
		b.WriteByte(';')
	}
	b.WriteString("|o:")
	for _, o := range q.Orders {
		b.WriteString(o.Field)
		b.WriteByte(' ')
		b.WriteString(string(o.Direction))
		b.WriteByte(',')
	}
	b.WriteString("|l:")
	b.WriteString(strconv.FormatBool(q.Limit != nil))
	b.WriteString("|s:")
	b.WriteString(strconv.FormatBool(q.Offset != nil))
	b.WriteString("|f:")
	b.WriteString(strings.Join(q.Fields, ","))
	return b.String()
}

func writeShape(b *strings.Builder, c Condition) {
	switch cond := c.(type) {
	case CompositeCondition:
		b.WriteString(string(cond.Logic))
		b.WriteByte('(')
		for _, child := range cond.Conditions {
			writeShape(b, child)
			b.WriteByte(',')
		}
		b.WriteByte(')')
	default:
		b.WriteString(c.Field())
		b.WriteString(string(c.Operator()))
		switch {
		case c.Value() == nil:
			b.WriteString("nil")
		case c.Operator() == OpIn:
			n, _ := InValues(c.Value())
			b.WriteString("#" + strconv.Itoa(len(n)))
		}
	}
}

// InValues flattens the operand of an IN condition.
func InValues(v interface{}) ([]interface{}, error) {
	switch vals := v.(type) {
	case []interface{}:
		return vals, nil
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, Errorf(ErrorTypeInvalidArgument, "IN needs a list, got %T", v)
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// String renders the query for logs. Values are not included.
func (q *Query) String() string {
	if q == nil {
		return ""
	}
	var parts []string
	if p := q.Predicate(); p != nil {
		parts = append(parts, "WHERE "+p.String())
	}
	if len(q.Orders) > 0 {
		orders := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			orders[i] = o.Field + " " + string(o.Direction)
		}
		parts = append(parts, "ORDER BY "+strings.Join(orders, ", "))
	}
	if q.Limit != nil {
		parts = append(parts, fmt.Sprintf("LIMIT %d", *q.Limit))
	}
	if q.Offset != nil {
		parts = append(parts, fmt.Sprintf("OFFSET %d", *q.Offset))
	}
	if len(q.Fields) > 0 {
		parts = append(parts, "FIELDS "+strings.Join(q.Fields, ", "))
	}
	return "Query{" + strings.Join(parts, " ") + "}"
}
