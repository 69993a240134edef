package upa

import "context"

// EntityCache is a second-level cache consulted by Repository.FindByID.
// Keys are neutral identifier values. Entries are evicted on Update and
// Delete and cleared on DeleteWhere.
type EntityCache[T any] interface {
	Get(ctx context.Context, id interface{}) (*T, bool, error)
	Set(ctx context.Context, id interface{}, entity *T) error
	Delete(ctx context.Context, id interface{}) error
	Clear(ctx context.Context) error
}
