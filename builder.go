package upa

import "context"

// =====================================
// Query Builder
// =====================================

// QueryBuilder is a fluent alternative to passing QueryOptions.
//
//	active, err := upa.NewQueryBuilder[User]().
//		Where("status", upa.OpEqual, "active").
//		OrderBy("name", upa.OrderAsc).
//		Limit(10).
//		Find(ctx, users)
type QueryBuilder[T any] struct {
	q Query
}

// NewQueryBuilder creates a query builder for entity type T.
func NewQueryBuilder[T any]() *QueryBuilder[T] {
	return &QueryBuilder[T]{}
}

// Where adds a condition. Conditions are AND-ed.
func (qb *QueryBuilder[T]) Where(field string, operator Operator, value interface{}) *QueryBuilder[T] {
	return qb.WhereCondition(WhereCondition(field, operator, value))
}

// WhereCondition adds a prebuilt condition, such as an OrCondition.
func (qb *QueryBuilder[T]) WhereCondition(condition Condition) *QueryBuilder[T] {
	qb.q.Conditions = append(qb.q.Conditions, condition)
	return qb
}

// WhereIn matches field against any element of the slice values.
func (qb *QueryBuilder[T]) WhereIn(field string, values interface{}) *QueryBuilder[T] {
	return qb.Where(field, OpIn, values)
}

// Or adds the disjunction of conditions.
func (qb *QueryBuilder[T]) Or(conditions ...Condition) *QueryBuilder[T] {
	return qb.WhereCondition(OrCondition(conditions...))
}

// Not adds the negation of the conjunction of conditions.
func (qb *QueryBuilder[T]) Not(conditions ...Condition) *QueryBuilder[T] {
	return qb.WhereCondition(NotCondition(conditions...))
}

// OrderBy appends a sort key.
func (qb *QueryBuilder[T]) OrderBy(field string, direction OrderDirection) *QueryBuilder[T] {
	qb.q.Orders = append(qb.q.Orders, Order{Field: field, Direction: direction})
	return qb
}

func (qb *QueryBuilder[T]) Limit(count int) *QueryBuilder[T] {
	qb.q.Limit = &count
	return qb
}

func (qb *QueryBuilder[T]) Offset(count int) *QueryBuilder[T] {
	qb.q.Offset = &count
	return qb
}

// Select restricts the fields loaded into results.
func (qb *QueryBuilder[T]) Select(fields ...string) *QueryBuilder[T] {
	qb.q.Fields = append(qb.q.Fields, fields...)
	return qb
}

// Build returns a copy of the query built so far.
func (qb *QueryBuilder[T]) Build() *Query {
	q := &Query{}
	qb.q.Apply(q)
	return q
}

// Find runs the query through repo.
func (qb *QueryBuilder[T]) Find(ctx context.Context, repo *Repository[T]) ([]*T, error) {
	return repo.FindMany(ctx, qb.Build())
}

// First returns the first match, or a not found error.
func (qb *QueryBuilder[T]) First(ctx context.Context, repo *Repository[T]) (*T, error) {
	return repo.FindOne(ctx, qb.Build())
}

// Count counts the matches, honouring limit and offset.
func (qb *QueryBuilder[T]) Count(ctx context.Context, repo *Repository[T]) (int64, error) {
	return repo.Count(ctx, qb.Build())
}

// Exists reports whether anything matches.
func (qb *QueryBuilder[T]) Exists(ctx context.Context, repo *Repository[T]) (bool, error) {
	return repo.Exists(ctx, qb.Build())
}

// Page reads one page of matches. The builder must not set a limit or offset.
func (qb *QueryBuilder[T]) Page(ctx context.Context, repo *Repository[T], pageSize int, cursor []byte) (Page[T], error) {
	return repo.FindPage(ctx, pageSize, cursor, qb.Build())
}

// Apply lets a built Query be passed wherever QueryOptions are accepted. Its
// conditions, orders and fields are appended to dst; limit and offset, when
// set, replace dst's.
func (q *Query) Apply(dst *Query) {
	dst.Conditions = append(dst.Conditions, q.Conditions...)
	dst.Orders = append(dst.Orders, q.Orders...)
	dst.Fields = append(dst.Fields, q.Fields...)
	if q.Limit != nil {
		n := *q.Limit
		dst.Limit = &n
	}
	if q.Offset != nil {
		n := *q.Offset
		dst.Offset = &n
	}
}
