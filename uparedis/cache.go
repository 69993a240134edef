// Package uparedis provides a Redis backed entity cache for upa
// repositories.
//
//	cache, err := uparedis.NewCache[User](client, uparedis.WithTTL(time.Minute))
//	users.WithCache(cache)
package uparedis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lemmego/upa"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTTL applies when no TTL option is given.
const DefaultTTL = 10 * time.Minute

// scanBatch is the COUNT hint for SCAN during Clear.
const scanBatch = 500

// Cache stores msgpack encoded entities under "<prefix><table>:<id>".
type Cache[T any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *logrus.Entry
}

var _ upa.EntityCache[struct{}] = (*Cache[struct{}])(nil)

// Option configures a Cache.
type Option func(*options)

type options struct {
	prefix string
	ttl    time.Duration
	log    *logrus.Entry
}

// WithTTL sets the expiry of cached entries. Zero keeps them until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithPrefix sets the namespace prepended to every key. The default is "upa:".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// NewCache returns a cache for entities of type T.
func NewCache[T any](client redis.UniversalClient, opts ...Option) (*Cache[T], error) {
	if client == nil {
		return nil, upa.NewError(upa.ErrorTypeInvalidArgument, "redis client is nil")
	}
	s, err := upa.Describe[T]()
	if err != nil {
		return nil, err
	}
	o := options{prefix: "upa:", ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache[T]{
		client: client,
		prefix: o.prefix + s.Table + ":",
		ttl:    o.ttl,
		log:    o.log.WithFields(logrus.Fields{"cache": "redis", "entity": s.Entity}),
	}, nil
}

// Get returns the cached entity, or false on a miss.
func (c *Cache[T]) Get(ctx context.Context, id interface{}) (*T, bool, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, convertRedisError(err)
	}
	var entity T
	if err := msgpack.Unmarshal(data, &entity); err != nil {
		// A stale encoding is a miss; drop it so the next load refreshes it.
		c.log.WithError(err).Debug("discarding undecodable cache entry")
		_ = c.client.Del(ctx, c.key(id)).Err()
		return nil, false, nil
	}
	return &entity, true, nil
}

// Set stores entity under id.
func (c *Cache[T]) Set(ctx context.Context, id interface{}, entity *T) error {
	if entity == nil {
		return upa.NewError(upa.ErrorTypeInvalidArgument, "entity is nil")
	}
	data, err := msgpack.Marshal(entity)
	if err != nil {
		return upa.NewErrorWithCause(upa.ErrorTypeEncoding, "cannot encode cache entry", err)
	}
	return convertRedisError(c.client.Set(ctx, c.key(id), data, c.ttl).Err())
}

// Delete evicts id.
func (c *Cache[T]) Delete(ctx context.Context, id interface{}) error {
	return convertRedisError(c.client.Del(ctx, c.key(id)).Err())
}

// Clear evicts every entry of this entity type.
func (c *Cache[T]) Clear(ctx context.Context) error {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanBatch).Result()
		if err != nil {
			return convertRedisError(err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return convertRedisError(err)
			}
			removed += n
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	c.log.WithField("removed", removed).Debug("cache cleared")
	return nil
}

func (c *Cache[T]) key(id interface{}) string {
	return c.prefix + keyPart(id)
}

func keyPart(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uuid.UUID:
		return v.String()
	case []byte:
		return fmt.Sprintf("%x", v)
	}
	return fmt.Sprint(id)
}
