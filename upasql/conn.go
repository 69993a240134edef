package upasql

import (
	"context"
	"database/sql"

	"github.com/lemmego/upa"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// execer is the part of *sql.Conn and *sql.Tx statements run on.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// conn is one dedicated database connection borrowed from the bun.DB.
// Parameterised statements go straight to the driver so that values stay
// bound; DDL goes through bun so its query hooks see it.
type conn struct {
	c      bun.Conn
	tx     *sql.Tx
	log    *logrus.Entry
	broken bool
}

var (
	_ upa.Conn       = (*conn)(nil)
	_ upa.TxConn     = (*conn)(nil)
	_ upa.Pinger     = (*conn)(nil)
	_ upa.BrokenConn = (*conn)(nil)
)

func (c *conn) target() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.c.Conn
}

func (c *conn) Exec(ctx context.Context, st upa.Statement) (upa.Result, error) {
	s, err := statement(st)
	if err != nil {
		return upa.Result{}, err
	}
	c.trace(s)

	switch {
	case s.kind == kindDDL:
		if _, err := c.c.ExecContext(ctx, s.Text); err != nil && !ignorableDDLError(err) {
			return upa.Result{}, c.convert(err)
		}
		return upa.Result{}, nil
	case s.returning:
		var id interface{}
		if err := c.target().QueryRowContext(ctx, s.Text, s.Args...).Scan(&id); err != nil {
			return upa.Result{}, c.convert(err)
		}
		return upa.Result{RowsAffected: 1, InsertedID: id}, nil
	}

	res, err := c.target().ExecContext(ctx, s.Text, s.Args...)
	if err != nil {
		return upa.Result{}, c.convert(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return upa.Result{}, c.convert(err)
	}
	out := upa.Result{RowsAffected: n}
	if s.kind == kindInsert && s.autoID {
		id, err := res.LastInsertId()
		if err != nil {
			return upa.Result{}, c.convert(err)
		}
		out.InsertedID = id
	}
	return out, nil
}

func (c *conn) Query(ctx context.Context, st upa.Statement) ([]*upa.Record, error) {
	s, err := statement(st)
	if err != nil {
		return nil, err
	}
	c.trace(s)

	rows, err := c.target().QueryContext(ctx, s.Text, s.Args...)
	if err != nil {
		return nil, c.convert(err)
	}
	defer rows.Close()

	var out []*upa.Record
	for rows.Next() {
		vals := make([]interface{}, len(s.columns))
		ptrs := make([]interface{}, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, c.convert(err)
		}
		rec := upa.NewRecord(len(vals))
		for i, f := range s.columns {
			rec.Set(f.Name, vals[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, c.convert(err)
	}
	return out, nil
}

func (c *conn) Count(ctx context.Context, st upa.Statement) (int64, error) {
	s, err := statement(st)
	if err != nil {
		return 0, err
	}
	c.trace(s)

	var n int64
	if err := c.target().QueryRowContext(ctx, s.Text, s.Args...).Scan(&n); err != nil {
		return 0, c.convert(err)
	}
	return n, nil
}

func (c *conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return upa.NewError(upa.ErrorTypeTransaction, "transaction already open on this session")
	}
	tx, err := c.c.Conn.BeginTx(ctx, nil)
	if err != nil {
		return c.convert(err)
	}
	c.tx = tx
	return nil
}

func (c *conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return upa.NewError(upa.ErrorTypeTransaction, "no open transaction")
	}
	tx := c.tx
	c.tx = nil
	return c.convert(tx.Commit())
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return upa.NewError(upa.ErrorTypeTransaction, "no open transaction")
	}
	tx := c.tx
	c.tx = nil
	return c.convert(tx.Rollback())
}

func (c *conn) Ping(ctx context.Context) error {
	return c.convert(c.c.Conn.PingContext(ctx))
}

func (c *conn) Broken() bool { return c.broken }

func (c *conn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.c.Conn.Close()
}

func (c *conn) convert(err error) error {
	if err != nil && isBadConn(err) {
		c.broken = true
	}
	return convertSQLError(err)
}

func (c *conn) trace(s *Statement) {
	if c.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		c.log.WithFields(logrus.Fields{
			"sql":  s.Text,
			"args": len(s.Args),
		}).Debug("executing statement")
	}
}

func statement(st upa.Statement) (*Statement, error) {
	s, ok := st.(*Statement)
	if !ok {
		return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "statement %T was not compiled by upasql", st)
	}
	return s, nil
}
