// Package upa maps typed Go entities onto relational, document and
// wide-column stores behind one Repository API.
//
// An entity is a struct with `upa` tags. Its storage shape is derived once
// and cached, queries are built from backend-neutral QueryOptions, and each
// backend adapter (upasql, upamongo, upacassandra) compiles them into native
// statements that run on a pooled session.
//
//	backend, err := upa.Open(ctx, "sqlite3", upa.Config{Database: "app.db"})
//	users, err := upa.NewRepository[User](backend)
//	err = users.Create(ctx, &User{ID: 1, Name: "Ann"})
//	ann, err := users.FindOne(ctx, upa.Where("name", upa.OpEqual, "Ann"))
package upa

import (
	"context"
)

// =====================================
// Backend Contracts
// =====================================

// Statement is a compiled, backend-native operation. Literal values are
// carried separately from the statement text.
type Statement interface {
	String() string
}

// Translator compiles queries and records for one backend family.
// Implementations are stateless apart from caches and safe for concurrent use.
type Translator interface {
	Kind() BackendKind
	Name() string
	CompileFind(q *Query, s *SchemaDescriptor) (Statement, error)
	CompileCount(q *Query, s *SchemaDescriptor) (Statement, error)
	CompileFindByID(id interface{}, s *SchemaDescriptor) (Statement, error)
	CompileInsert(rec *Record, s *SchemaDescriptor) (Statement, error)
	CompileUpdate(rec *Record, s *SchemaDescriptor) (Statement, error)
	CompileDelete(id interface{}, s *SchemaDescriptor) (Statement, error)
	CompileDeleteWhere(q *Query, s *SchemaDescriptor) (Statement, error)
	CompileSchema(s *SchemaDescriptor) ([]Statement, error)
}

// Result reports the outcome of a write.
type Result struct {
	RowsAffected int64
	// InsertedID is the backend-assigned identifier, if any.
	InsertedID interface{}
}

// Conn is one native session. A Conn is used by one goroutine at a time.
type Conn interface {
	Exec(ctx context.Context, st Statement) (Result, error)
	Query(ctx context.Context, st Statement) ([]*Record, error)
	Count(ctx context.Context, st Statement) (int64, error)
	Close() error
}

// Pinger is implemented by conns that can check their liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TxConn is implemented by conns that support a unit of work.
type TxConn interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PagingConn is implemented by conns that resume reads from a cursor.
// A nil next cursor means there are no more pages.
type PagingConn interface {
	QueryPage(ctx context.Context, st Statement, pageSize int, cursor []byte) ([]*Record, []byte, error)
}

// BrokenConn is implemented by conns that can tell they must not be reused.
type BrokenConn interface {
	Broken() bool
}

// Backend is an opened store: a translator bound to a session pool.
type Backend interface {
	Info() BackendInfo
	Translator() Translator
	Sessions() *SessionManager
	Health(ctx context.Context) error
	Close() error
}

// BackendFactory opens backends for a set of driver names.
type BackendFactory interface {
	Create(ctx context.Context, config Config) (Backend, error)
	SupportedDrivers() []string
}
