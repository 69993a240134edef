package uparedis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lemmego/upa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type Session struct {
	ID        uuid.UUID `upa:"id,pk"`
	UserID    int64     `upa:"user_id,index"`
	Token     string    `upa:"token"`
	ExpiresAt time.Time `upa:"expires_at"`
	Scopes    []string  `upa:"scopes"`
}

func TestClientOptions(t *testing.T) {
	opts, err := clientOptions(upa.Config{
		Host:         "cache.internal",
		Port:         6380,
		Password:     "pw",
		Database:     "15",
		MaxOpenConns: 20,
		Options: map[string]interface{}{
			"redis": map[string]interface{}{
				"dial_timeout": 5 * time.Second,
				"read_timeout": "3s",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 15, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	opts, err = clientOptions(upa.Config{})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)

	opts, err = clientOptions(upa.Config{ConnectionURL: "redis://:pw@10.1.1.1:6379/3"})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DB)

	_, err = clientOptions(upa.Config{Database: "sessions"})
	assert.True(t, upa.IsErrorType(err, upa.ErrorTypeInvalidArgument), "got %v", err)
}

func TestKeyPart(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", keyPart(id))
	assert.Equal(t, "42", keyPart(int64(42)))
	assert.Equal(t, "abc", keyPart("abc"))
}

func TestConvertRedisError(t *testing.T) {
	assert.NoError(t, convertRedisError(nil))
	assert.True(t, upa.IsConnection(convertRedisError(redis.ErrClosed)))
	assert.True(t, upa.IsRetryable(convertRedisError(context.DeadlineExceeded)))
	err := convertRedisError(errors.New("WRONGTYPE"))
	assert.True(t, upa.IsBackend(err))
	assert.False(t, upa.IsRetryable(err))
}

func TestNewCacheRejectsNilClient(t *testing.T) {
	_, err := NewCache[Session](nil)
	assert.True(t, upa.IsErrorType(err, upa.ErrorTypeInvalidArgument), "got %v", err)
}

// RedisCacheTestSuite runs against a local server, database 15.
type RedisCacheTestSuite struct {
	suite.Suite
	client *redis.Client
	cache  *Cache[Session]
	ctx    context.Context
}

func (s *RedisCacheTestSuite) SetupSuite() {
	s.ctx = context.Background()
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	client, err := NewClient(ctx, upa.Config{Host: "localhost", Port: 6379, Database: "15"})
	if err != nil {
		s.T().Skip("Redis not available for testing:", err)
		return
	}
	s.client = client
	s.cache, err = NewCache[Session](client, WithPrefix("upa_test:"), WithTTL(time.Minute))
	s.Require().NoError(err)
}

func (s *RedisCacheTestSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.cache.Clear(s.ctx)
		_ = s.client.Close()
	}
}

func (s *RedisCacheTestSuite) TestRoundTrip() {
	sess := &Session{
		ID:        uuid.New(),
		UserID:    7,
		Token:     "t0k",
		ExpiresAt: time.Now().UTC().Truncate(time.Millisecond),
		Scopes:    []string{"read"},
	}

	_, ok, err := s.cache.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.cache.Set(s.ctx, sess.ID, sess))
	got, ok, err := s.cache.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(sess.ID, got.ID)
	s.Equal(sess.Scopes, got.Scopes)
	s.True(sess.ExpiresAt.Equal(got.ExpiresAt))

	ttl, err := s.client.TTL(s.ctx, "upa_test:sessions:"+sess.ID.String()).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))

	s.Require().NoError(s.cache.Delete(s.ctx, sess.ID))
	_, ok, err = s.cache.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisCacheTestSuite) TestClear() {
	for i := 0; i < 3; i++ {
		id := uuid.New()
		s.Require().NoError(s.cache.Set(s.ctx, id, &Session{ID: id}))
	}
	s.Require().NoError(s.client.Set(s.ctx, "upa_test:other:1", "keep", time.Minute).Err())

	s.Require().NoError(s.cache.Clear(s.ctx))
	keys, err := s.client.Keys(s.ctx, "upa_test:sessions:*").Result()
	s.Require().NoError(err)
	s.Empty(keys)

	kept, err := s.client.Get(s.ctx, "upa_test:other:1").Result()
	s.Require().NoError(err)
	s.Equal("keep", kept)
	s.Require().NoError(s.client.Del(s.ctx, "upa_test:other:1").Err())
}

func TestRedisCacheTestSuite(t *testing.T) {
	suite.Run(t, new(RedisCacheTestSuite))
}
