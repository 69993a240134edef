package upa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryBuilder_Build(t *testing.T) {
	qb := NewQueryBuilder[Account]().
		Where("name", OpEqual, "Ann").
		Or(WhereCondition("balance", OpGreaterThan, 1), WhereCondition("balance", OpLessThan, 0)).
		OrderBy("name", OrderDesc).
		Limit(5).
		Offset(10).
		Select("id", "name")

	q := qb.Build()
	require.Len(t, q.Conditions, 2)
	assert.Equal(t, LogicOr, q.Conditions[1].(CompositeCondition).Logic)
	assert.Equal(t, []Order{{Field: "name", Direction: OrderDesc}}, q.Orders)
	assert.Equal(t, 5, *q.Limit)
	assert.Equal(t, 10, *q.Offset)
	assert.Equal(t, []string{"id", "name"}, q.Fields)

	// Build copies; later calls do not leak into earlier queries.
	qb.Limit(1).Where("email", OpEqual, nil)
	assert.Equal(t, 5, *q.Limit)
	assert.Len(t, q.Conditions, 2)

	// A built query composes with further options.
	merged := NewQuery(q, Limit(2))
	assert.Equal(t, 2, *merged.Limit)
	assert.Len(t, merged.Conditions, 2)
}

func TestQueryBuilder_RunsThroughRepository(t *testing.T) {
	ctx := context.Background()
	repo, _ := newAccounts(t)
	for _, name := range []string{"Ann", "Bob", "Cid"} {
		require.NoError(t, repo.Create(ctx, &Account{Name: name}))
	}

	found, err := NewQueryBuilder[Account]().
		WhereIn("name", []string{"Ann", "Cid"}).
		Find(ctx, repo)
	require.NoError(t, err)
	require.Len(t, found, 2)

	first, err := NewQueryBuilder[Account]().Not(WhereCondition("name", OpEqual, "Ann")).First(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "Bob", first.Name)

	n, err := NewQueryBuilder[Account]().Where("name", OpNotEqual, "Bob").Count(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := NewQueryBuilder[Account]().Where("name", OpEqual, "Dee").Exists(ctx, repo)
	require.NoError(t, err)
	assert.False(t, ok)

	page, err := NewQueryBuilder[Account]().Page(ctx, repo, 2, nil)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.NotNil(t, page.Next)

	_, err = NewQueryBuilder[Account]().Limit(3).Page(ctx, repo, 2, nil)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument), "got %v", err)
}
