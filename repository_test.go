package upa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type Account struct {
	ID      int64    `upa:"id,pk,autoincrement"`
	Name    string   `upa:"name,index"`
	Email   *string  `upa:"email"`
	Tags    []string `upa:"tags"`
	Balance float64  `upa:"balance"`
}

type hookedAccount struct {
	ID      int64  `upa:"id,pk"`
	Name    string `upa:"name"`
	calls   []string
	invalid bool
}

func (h *hookedAccount) TableName() string { return "hooked_accounts" }

func (h *hookedAccount) Validate(ctx context.Context) error {
	if h.invalid {
		return errors.New("name required")
	}
	return nil
}

func (h *hookedAccount) BeforeCreate(ctx context.Context) error {
	h.calls = append(h.calls, "before_create")
	return nil
}

func (h *hookedAccount) AfterCreate(ctx context.Context) error {
	h.calls = append(h.calls, "after_create")
	return nil
}

func (h *hookedAccount) AfterFind(ctx context.Context) error {
	h.calls = append(h.calls, "after_find")
	return nil
}

func newAccounts(t *testing.T, opts ...RepositoryOption) (*Repository[Account], *fakeBackend) {
	t.Helper()
	b := newFakeBackend("fake", KindSQL, PoolConfig{MaxSize: 4, BorrowTimeout: 100 * time.Millisecond},
		FeatureTransactions, FeatureOffsetPaging, FeatureIndexes, FeatureUniqueIndexes,
		FeatureSubstringSearch, FeatureAutoIncrement)
	t.Cleanup(func() { b.Close() })
	repo, err := NewRepository[Account](b, opts...)
	require.NoError(t, err)
	return repo, b
}

func TestRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)

	ann := &Account{Name: "Ann", Tags: []string{"a"}}
	require.NoError(t, repo.Create(ctx, ann))
	assert.Equal(t, int64(1), ann.ID, "generated id is written back")

	got, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ann, got)

	ann.Balance = 10
	require.NoError(t, repo.Update(ctx, ann))
	got, err = repo.FindByID(ctx, int64(1))
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Balance)

	n, err := repo.Count(ctx, Where("name", OpEqual, "Ann"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := repo.Exists(ctx, Where("name", OpEqual, "Bob"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Delete(ctx, 1))
	_, err = repo.FindByID(ctx, 1)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int64(0), b.sessions.Stats().Outstanding())
}

func TestRepository_NotFoundOnMissingRows(t *testing.T) {
	ctx := context.Background()
	repo, _ := newAccounts(t)

	err := repo.Update(ctx, &Account{ID: 42, Name: "ghost"})
	assert.True(t, IsNotFound(err))

	err = repo.Delete(ctx, 42)
	assert.True(t, IsNotFound(err))

	_, err = repo.FindOne(ctx, Where("name", OpEqual, "ghost"))
	assert.True(t, IsNotFound(err))
}

func TestRepository_ErrorsCarryEntityAndOperation(t *testing.T) {
	ctx := context.Background()
	repo, _ := newAccounts(t)

	_, err := repo.FindMany(ctx, Where("nickname", OpEqual, "x"))
	require.Error(t, err)

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeInvalidArgument, e.Type)
	assert.Equal(t, "Account", e.Entity)
	assert.Equal(t, "FindMany", e.Operation)
	assert.Equal(t, "fake", e.Backend)
	assert.Contains(t, e.Error(), "nickname")

	_, err = repo.FindMany(ctx, Limit(-1))
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
}

func TestRepository_FailingOperationsReleaseEveryHandle(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)
	b.store.failAll = errors.New("disk on fire")

	for i := 0; i < 100; i++ {
		var err error
		switch i % 4 {
		case 0:
			err = repo.Create(ctx, &Account{Name: fmt.Sprint(i)})
		case 1:
			_, err = repo.FindByID(ctx, i)
		case 2:
			_, err = repo.FindMany(ctx, Where("name", OpEqual, "x"))
		case 3:
			_, err = repo.Count(ctx)
		}
		require.Error(t, err)
		assert.True(t, IsBackend(err), "operation %d: %v", i, err)
	}

	stats := b.sessions.Stats()
	assert.Equal(t, int64(100), stats.Borrowed)
	assert.Equal(t, int64(100), stats.Released)
	assert.Equal(t, int32(0), stats.Acquired)
}

func TestRepository_DecodeFailureFailsWholeOperation(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)

	require.NoError(t, repo.Create(ctx, &Account{Name: "Ann"}))
	bad := NewRecord(2)
	bad.Set("id", int64(2))
	bad.Set("name", int64(7))
	b.store.put(bad)

	items, err := repo.FindMany(ctx)
	assert.Nil(t, items)
	assert.True(t, IsDecoding(err), "got %v", err)
}

func TestRepository_ProjectionDecodesPartially(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)

	partial := NewRecord(1)
	partial.Set("id", int64(9))
	partial.Set("name", "Zed")
	b.store.put(partial)

	items, err := repo.FindMany(ctx, Select("id", "name"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Zed", items[0].Name)

	_, err = repo.FindMany(ctx)
	assert.True(t, IsDecoding(err), "balance is required without a projection")
}

func TestRepository_LimitZeroSkipsBackend(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)

	before := b.store.queries.Load()
	items, err := repo.FindMany(ctx, Limit(0))
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, before, b.store.queries.Load())

	_, err = repo.FindMany(ctx, Limit(0), Where("missing", OpEqual, 1))
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument), "compile errors still surface")
}

func TestRepository_Hooks(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("fake", KindSQL, PoolConfig{MaxSize: 2}, FeatureTransactions)
	defer b.Close()
	repo, err := NewRepository[hookedAccount](b)
	require.NoError(t, err)
	assert.Equal(t, "hooked_accounts", repo.Schema().Table)

	h := &hookedAccount{ID: 1, Name: "Ann"}
	require.NoError(t, repo.Create(ctx, h))
	assert.Equal(t, []string{"before_create", "after_create"}, h.calls)

	found, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"after_find"}, found.calls)

	err = repo.Create(ctx, &hookedAccount{ID: 2, invalid: true})
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
}

func TestRepository_CreateAllAndDeleteWhere(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)

	batch := []*Account{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	require.NoError(t, repo.CreateAll(ctx, batch))
	assert.Equal(t, []string{"begin", "commit"}, b.lastConn().log)

	n, err := repo.DeleteWhere(ctx, WhereIn("name", []interface{}{"a", "c"}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := repo.FindMany(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].Name)
}

func TestRepository_Transaction(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)

	err := repo.Transaction(ctx, func(tx *Tx[Account]) error {
		return tx.Create(ctx, &Account{Name: "committed"})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.Transaction(ctx, func(tx *Tx[Account]) error {
		require.NoError(t, tx.Create(ctx, &Account{Name: "rolled back"}))
		return boom
	})
	assert.Equal(t, boom, err, "the callback's error comes back unchanged")
	assert.False(t, IsBackend(err))

	assert.Panics(t, func() {
		_ = repo.Transaction(ctx, func(tx *Tx[Account]) error {
			_ = tx.Create(ctx, &Account{Name: "panicked"})
			panic("bad")
		})
	})

	all, err := repo.FindMany(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "committed", all[0].Name)
	assert.Equal(t, int64(0), b.sessions.Stats().Outstanding())
}

func TestRepository_TransactionUnsupported(t *testing.T) {
	b := newFakeBackend("plain", KindDocument, PoolConfig{MaxSize: 1})
	defer b.Close()
	repo, err := NewRepository[Account](b)
	require.NoError(t, err)

	err = repo.Transaction(context.Background(), func(tx *Tx[Account]) error { return nil })
	assert.True(t, IsUnsupported(err))
}

func TestJoinTx(t *testing.T) {
	ctx := context.Background()
	accounts, b := newAccounts(t)
	hooked, err := NewRepository[hookedAccount](b)
	require.NoError(t, err)

	other := newFakeBackend("other", KindSQL, PoolConfig{MaxSize: 1}, FeatureTransactions)
	defer other.Close()
	foreign, err := NewRepository[hookedAccount](other)
	require.NoError(t, err)

	err = accounts.Transaction(ctx, func(tx *Tx[Account]) error {
		_, err := JoinTx(tx, foreign)
		assert.True(t, IsUnsupported(err))

		joined, err := JoinTx(tx, hooked)
		require.NoError(t, err)
		if err := tx.Create(ctx, &Account{Name: "Ann"}); err != nil {
			return err
		}
		return joined.Create(ctx, &hookedAccount{ID: 7, Name: "Ann"})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "commit"}, b.lastConn().log)
}

func TestRepository_FindPageByOffset(t *testing.T) {
	ctx := context.Background()
	repo, _ := newAccounts(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, &Account{Name: fmt.Sprint(i)}))
	}

	var names []string
	var cursor []byte
	pages := 0
	for {
		page, err := repo.FindPage(ctx, 2, cursor)
		require.NoError(t, err)
		pages++
		for _, a := range page.Items {
			names = append(names, a.Name)
		}
		if page.Next == nil {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, names, 5)

	_, err := repo.FindPage(ctx, 2, nil, Limit(3))
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
}

type uniqueTag struct {
	ID   string `upa:"id,pk"`
	Slug string `upa:"slug,unique"`
}

func TestRepository_RejectsUnadvertisedFeatures(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("bare", KindDocument, PoolConfig{MaxSize: 1})
	defer b.Close()
	repo, err := NewRepository[Account](b)
	require.NoError(t, err)

	err = repo.Create(ctx, &Account{Name: "Ann"})
	assert.True(t, IsUnsupported(err), "autoincrement: got %v", err)

	_, err = repo.FindMany(ctx, Or(WhereCondition("name", OpEqual, "Ann"), WhereCondition("name", OpLike, "A%")))
	assert.True(t, IsUnsupported(err), "nested LIKE: got %v", err)
	assert.Contains(t, err.Error(), "LIKE")

	_, err = repo.Count(ctx, WhereLike("name", "A%"))
	assert.True(t, IsUnsupported(err))
	_, err = repo.DeleteWhere(ctx, WhereLike("name", "A%"))
	assert.True(t, IsUnsupported(err))

	err = repo.EnsureSchema(ctx)
	assert.True(t, IsUnsupported(err), "indexes: got %v", err)

	assert.Equal(t, int64(0), b.store.queries.Load(), "nothing reaches the backend")
}

func TestRepository_EnsureSchemaWarnsOnUnenforcedUniqueness(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	b := newFakeBackend("wide", KindWideColumn, PoolConfig{MaxSize: 1}, FeatureIndexes)
	defer b.Close()
	repo, err := NewRepository[uniqueTag](b, WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.Equal(t, int64(1), b.store.queries.Load(), "the schema is still created")

	var warned []interface{}
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Data["index"])
		}
	}
	require.Len(t, repo.Schema().Indexes, 1)
	assert.Equal(t, []interface{}{repo.Schema().Indexes[0].Name}, warned)
}

func TestRepository_CountWithOffsetOnWideColumn(t *testing.T) {
	b := newFakeBackend("cassandra", KindWideColumn, PoolConfig{MaxSize: 1})
	defer b.Close()
	repo, err := NewRepository[Account](b)
	require.NoError(t, err)

	_, err = repo.Count(context.Background(), Offset(5))
	assert.True(t, IsUnsupported(err))
	assert.Equal(t, int64(0), b.store.queries.Load())
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*Account
	hits    int
}

func (c *mapCache) Get(ctx context.Context, id interface{}) (*Account, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.entries[fmt.Sprint(id)]
	if ok {
		c.hits++
	}
	return a, ok, nil
}

func (c *mapCache) Set(ctx context.Context, id interface{}, a *Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fmt.Sprint(id)] = a
	return nil
}

func (c *mapCache) Delete(ctx context.Context, id interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fmt.Sprint(id))
	return nil
}

func (c *mapCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Account)
	return nil
}

func TestRepository_ReadThroughCache(t *testing.T) {
	ctx := context.Background()
	repo, b := newAccounts(t)
	cache := &mapCache{entries: make(map[string]*Account)}
	repo.WithCache(cache)

	require.NoError(t, repo.Create(ctx, &Account{Name: "Ann"}))
	_, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	queries := b.store.queries.Load()

	_, err = repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, queries, b.store.queries.Load())

	require.NoError(t, repo.Update(ctx, &Account{ID: 1, Name: "Anne"}))
	got, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Anne", got.Name, "update evicts the cached entry")
}

func TestRepository_CacheEvictedAfterCommit(t *testing.T) {
	ctx := context.Background()
	repo, _ := newAccounts(t)
	cache := &mapCache{entries: make(map[string]*Account)}
	repo.WithCache(cache)

	require.NoError(t, repo.Create(ctx, &Account{Name: "Ann"}))
	require.NoError(t, repo.Create(ctx, &Account{Name: "Bob"}))

	err := repo.Transaction(ctx, func(tx *Tx[Account]) error {
		if err := tx.Update(ctx, &Account{ID: 1, Name: "Anne"}); err != nil {
			return err
		}
		// A reader outside the transaction still sees, and caches, the old row.
		seen, err := repo.FindByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Ann", seen.Name)
		return nil
	})
	require.NoError(t, err)

	got, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Anne", got.Name)

	_, err = repo.FindByID(ctx, 2)
	require.NoError(t, err)
	err = repo.Transaction(ctx, func(tx *Tx[Account]) error {
		if _, err := tx.DeleteWhere(ctx, Where("name", OpEqual, "Bob")); err != nil {
			return err
		}
		_, err := repo.FindByID(ctx, 2)
		return err
	})
	require.NoError(t, err)
	_, err = repo.FindByID(ctx, 2)
	assert.True(t, IsNotFound(err), "got %v", err)

	rolledBack := errors.New("undo")
	_, err = repo.FindByID(ctx, 1)
	require.NoError(t, err)
	err = repo.Transaction(ctx, func(tx *Tx[Account]) error {
		require.NoError(t, tx.Delete(ctx, 1))
		return rolledBack
	})
	require.ErrorIs(t, err, rolledBack)
	cache.mu.Lock()
	_, cached := cache.entries["1"]
	cache.mu.Unlock()
	assert.True(t, cached, "a rolled back delete leaves the cache alone")
}

func TestRepository_ListenersAndErrorHandler(t *testing.T) {
	ctx := context.Background()
	var events []Event
	listener := ListenerFunc(func(ctx context.Context, e Event) { events = append(events, e) })
	replaced := errors.New("replaced")

	repo, _ := newAccounts(t,
		WithListener(listener),
		WithErrorHandler(func(ctx context.Context, err Error) error {
			if err.Type == ErrorTypeNotFound {
				return NewErrorWithCause(ErrorTypeNotFound, "account missing", replaced)
			}
			return nil
		}))

	require.NoError(t, repo.Create(ctx, &Account{Name: "Ann"}))
	_, err := repo.FindByID(ctx, 99)
	assert.ErrorIs(t, err, replaced)
	assert.True(t, IsNotFound(err))

	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, EventFailed, events[1].Type)
	assert.Equal(t, "FindByID", events[1].Operation)
}

func TestRepository_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	repo, _ := newAccounts(t, WithTracerProvider(tp))

	_, err := repo.FindByID(context.Background(), 5)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Account.FindByID", spans[0].Name())
	assert.NotEmpty(t, spans[0].Events(), "the error is recorded on the span")
}

func TestRepository_CallerTimeout(t *testing.T) {
	b := newFakeBackend("fake", KindSQL, PoolConfig{MaxSize: 1, BorrowTimeout: time.Second})
	defer b.Close()
	repo, err := NewRepository[Account](b)
	require.NoError(t, err)

	held, err := b.sessions.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = repo.FindByID(ctx, 1)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestNewRepository_SchemaErrorAtConstruction(t *testing.T) {
	type noID struct {
		Name string `upa:"name"`
	}
	b := newFakeBackend("fake", KindSQL, PoolConfig{MaxSize: 1})
	defer b.Close()

	_, err := NewRepository[noID](b)
	assert.True(t, IsSchema(err))
}
