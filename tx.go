package upa

import (
	"context"
	"sync"
)

// =====================================
// Units of Work
// =====================================

// unitOfWork holds one session in a transaction. Operations on it are
// serialized.
type unitOfWork struct {
	backend Backend
	handle  *SessionHandle
	conn    TxConn

	mu        sync.Mutex
	done      bool
	committed []func(ctx context.Context)
}

func (u *unitOfWork) exec(ctx context.Context, fn func(Conn) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return NewError(ErrorTypeTransaction, "transaction already finished")
	}
	return fn(u.handle.Conn())
}

func (u *unitOfWork) inTx() bool { return true }

// afterCommit defers fn until the transaction commits. It is dropped on
// rollback.
func (u *unitOfWork) afterCommit(_ context.Context, fn func(ctx context.Context)) {
	u.mu.Lock()
	u.committed = append(u.committed, fn)
	u.mu.Unlock()
}

func (u *unitOfWork) finish() {
	u.mu.Lock()
	u.done = true
	u.mu.Unlock()
}

// withUnit runs fn in a transaction on one session: commit when fn returns
// nil, rollback when it fails or panics.
func (r *Repository[T]) withUnit(ctx context.Context, fn func(u *unitOfWork) error) (err error) {
	if !r.info.HasFeature(FeatureTransactions) {
		return Unsupported(r.info.Name, "transactions")
	}
	h, err := r.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	txc, ok := h.Conn().(TxConn)
	if !ok {
		return Unsupported(r.info.Name, "transactions")
	}
	if err := txc.Begin(ctx); err != nil {
		return txError("cannot begin transaction", err)
	}
	u := &unitOfWork{backend: r.backend, handle: h, conn: txc}

	rollback := func() {
		u.finish()
		if rbErr := txc.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.log.WithError(rbErr).Warn("rollback failed, discarding session")
			h.Discard()
		}
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err := fn(u); err != nil {
		rollback()
		return err
	}
	u.finish()
	if err := txc.Commit(ctx); err != nil {
		h.Discard()
		return txError("cannot commit transaction", err)
	}
	committedCtx := context.WithoutCancel(ctx)
	for _, after := range u.committed {
		after(committedCtx)
	}
	return nil
}

func txError(msg string, err error) error {
	if e, ok := AsError(err); ok && e.Type != ErrorTypeBackend {
		return e
	}
	return NewErrorWithCause(ErrorTypeTransaction, msg, err)
}

// Tx is a repository bound to one unit of work. Its operations run
// sequentially on the transaction's session.
type Tx[T any] struct {
	repo *Repository[T]
	unit *unitOfWork
}

// callerError carries the error a Transaction callback returned. run hands
// it back unchanged.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }
func (e callerError) Unwrap() error { return e.err }

// Transaction runs fn in one unit of work. The transaction commits when fn
// returns nil and rolls back when it returns an error or panics. An error
// returned by fn is returned as is.
func (r *Repository[T]) Transaction(ctx context.Context, fn func(tx *Tx[T]) error) error {
	return r.run(ctx, "Transaction", func(ctx context.Context, ev *Event) error {
		return r.withUnit(ctx, func(u *unitOfWork) error {
			if err := fn(&Tx[T]{repo: r, unit: u}); err != nil {
				return callerError{err: err}
			}
			return nil
		})
	})
}

// JoinTx binds repo to the unit of work of tx, so that entities of
// different types commit together. Both repositories must share a backend.
func JoinTx[U, T any](tx *Tx[T], repo *Repository[U]) (*Tx[U], error) {
	if repo.backend != tx.unit.backend {
		e := Unsupported(tx.repo.info.Name, "a transaction spanning backends "+repo.info.Name+" and "+tx.repo.info.Name)
		e.Entity, e.Operation = repo.schema.Entity, "JoinTx"
		return nil, e
	}
	return &Tx[U]{repo: repo, unit: tx.unit}, nil
}

// Create inserts entity within the transaction.
func (tx *Tx[T]) Create(ctx context.Context, entity *T) error {
	return tx.repo.run(ctx, "Create", func(ctx context.Context, ev *Event) error {
		return tx.repo.create(ctx, tx.unit, ev, entity)
	})
}

// Update replaces entity within the transaction.
func (tx *Tx[T]) Update(ctx context.Context, entity *T) error {
	return tx.repo.run(ctx, "Update", func(ctx context.Context, ev *Event) error {
		return tx.repo.update(ctx, tx.unit, ev, entity)
	})
}

// Delete removes the entity with identifier id within the transaction.
func (tx *Tx[T]) Delete(ctx context.Context, id interface{}) error {
	return tx.repo.run(ctx, "Delete", func(ctx context.Context, ev *Event) error {
		return tx.repo.delete(ctx, tx.unit, ev, id)
	})
}

// FindByID loads an entity within the transaction, bypassing the cache.
func (tx *Tx[T]) FindByID(ctx context.Context, id interface{}) (*T, error) {
	var out *T
	err := tx.repo.run(ctx, "FindByID", func(ctx context.Context, ev *Event) (err error) {
		out, err = tx.repo.findByID(ctx, tx.unit, ev, id)
		return err
	})
	return out, err
}

// FindMany returns the entities matching opts within the transaction.
func (tx *Tx[T]) FindMany(ctx context.Context, opts ...QueryOption) ([]*T, error) {
	var out []*T
	err := tx.repo.run(ctx, "FindMany", func(ctx context.Context, ev *Event) (err error) {
		out, err = tx.repo.findMany(ctx, tx.unit, ev, NewQuery(opts...))
		return err
	})
	return out, err
}

// Count counts within the transaction.
func (tx *Tx[T]) Count(ctx context.Context, opts ...QueryOption) (int64, error) {
	var n int64
	err := tx.repo.run(ctx, "Count", func(ctx context.Context, ev *Event) (err error) {
		n, err = tx.repo.count(ctx, tx.unit, NewQuery(opts...))
		return err
	})
	return n, err
}

// DeleteWhere removes matching entities within the transaction.
func (tx *Tx[T]) DeleteWhere(ctx context.Context, opts ...QueryOption) (int64, error) {
	var n int64
	err := tx.repo.run(ctx, "DeleteWhere", func(ctx context.Context, ev *Event) (err error) {
		n, err = tx.repo.deleteWhere(ctx, tx.unit, ev, NewQuery(opts...))
		return err
	})
	return n, err
}
