package upasql

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lemmego/upa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Item struct {
	SKU      string `upa:"sku"`
	Quantity int    `upa:"quantity"`
}

type Order struct {
	ID       uuid.UUID `upa:"id,pk"`
	Customer string    `upa:"customer,index"`
	Items    []Item    `upa:"items"`
	Placed   time.Time `upa:"placed"`
	Note     *string   `upa:"note"`
}

func openSQLite(t *testing.T) upa.Backend {
	t.Helper()
	b, err := upa.Open(context.Background(), "sqlite3", upa.Config{
		Database: filepath.Join(t.TempDir(), "upa.db"),
		Pool:     upa.PoolConfig{MaxSize: 4},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLite_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := userRepo(t, openSQLite(t))
	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.EnsureSchema(ctx), "schema creation is idempotent")

	require.NoError(t, repo.Create(ctx, &User{ID: 1, Name: "Ann"}))

	got, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, &User{ID: 1, Name: "Ann"}, got)

	one, err := repo.FindOne(ctx, upa.Where("name", upa.OpEqual, "Ann"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), one.ID)

	err = repo.Create(ctx, &User{ID: 1, Name: "Ann again"})
	assert.True(t, upa.IsDuplicate(err), "got %v", err)

	generated := &User{Name: "Bob"}
	require.NoError(t, repo.Create(ctx, generated))
	assert.Equal(t, int64(2), generated.ID)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, repo.Update(ctx, &User{ID: 1, Name: "Anne"}))
	got, err = repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Anne", got.Name)

	require.NoError(t, repo.Delete(ctx, 1))
	_, err = repo.FindByID(ctx, 1)
	assert.True(t, upa.IsNotFound(err), "got %v", err)
	assert.True(t, upa.IsNotFound(repo.Delete(ctx, 1)))

	exists, err := repo.Exists(ctx, upa.WhereLike("name", "B%"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLite_QueriesAndPaging(t *testing.T) {
	ctx := context.Background()
	repo := userRepo(t, openSQLite(t))
	require.NoError(t, repo.EnsureSchema(ctx))

	names := []string{"Ann", "Bob", "Cid", "Dee", "Eve"}
	users := make([]*User, len(names))
	for i, name := range names {
		users[i] = &User{Name: name}
	}
	require.NoError(t, repo.CreateAll(ctx, users))

	many, err := repo.FindMany(ctx,
		upa.Or(upa.WhereCondition("name", upa.OpEqual, "Ann"), upa.WhereCondition("id", upa.OpGreaterThan, 3)),
		upa.OrderBy("id", upa.OrderDesc))
	require.NoError(t, err)
	require.Len(t, many, 3)
	assert.Equal(t, []string{"Eve", "Dee", "Ann"}, []string{many[0].Name, many[1].Name, many[2].Name})

	none, err := repo.FindMany(ctx, upa.WhereIn("name", nil))
	require.NoError(t, err)
	assert.Empty(t, none)

	var seen []string
	var cursor []byte
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := repo.FindPage(ctx, 2, cursor, upa.OrderBy("id", upa.OrderAsc))
		require.NoError(t, err)
		for _, u := range page.Items {
			seen = append(seen, u.Name)
		}
		if page.Next == nil {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, names, seen)

	n, err := repo.DeleteWhere(ctx, upa.Where("id", upa.OpGreaterThanOrEqual, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLite_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	b := openSQLite(t)
	repo := userRepo(t, b)
	require.NoError(t, repo.EnsureSchema(ctx))

	abort := errors.New("abort")
	err := repo.Transaction(ctx, func(tx *upa.Tx[User]) error {
		require.NoError(t, tx.Create(ctx, &User{ID: 10, Name: "Tx"}))
		inside, err := tx.FindByID(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, "Tx", inside.Name)
		return abort
	})
	assert.ErrorIs(t, err, abort)

	_, err = repo.FindByID(ctx, 10)
	assert.True(t, upa.IsNotFound(err), "rolled back insert is visible: %v", err)
	assert.Equal(t, int64(0), b.Sessions().Stats().Outstanding())
}

func TestSQLite_NestedValues(t *testing.T) {
	ctx := context.Background()
	repo, err := upa.NewRepository[Order](openSQLite(t))
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(ctx))

	placed := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	order := &Order{
		Customer: "Ann",
		Items:    []Item{{SKU: "A-1", Quantity: 2}, {SKU: "B-2", Quantity: 1}},
		Placed:   placed,
	}
	require.NoError(t, repo.Create(ctx, order))
	require.NotEqual(t, uuid.Nil, order.ID, "zero uuid identifiers are generated")

	got, err := repo.FindByID(ctx, order.ID.String())
	require.NoError(t, err)
	assert.Equal(t, order.Items, got.Items)
	assert.True(t, placed.Equal(got.Placed), "placed = %v", got.Placed)
	assert.Nil(t, got.Note)

	_, err = repo.FindMany(ctx, upa.Where("items", upa.OpEqual, "x"))
	assert.True(t, upa.IsUnsupported(err), "got %v", err)

	partial, err := repo.FindMany(ctx, upa.Select("id", "customer"))
	require.NoError(t, err)
	require.Len(t, partial, 1)
	assert.Equal(t, "Ann", partial[0].Customer)
	assert.Nil(t, partial[0].Items)
}
