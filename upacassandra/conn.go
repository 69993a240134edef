package upacassandra

import (
	"context"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/lemmego/upa"
	"github.com/sirupsen/logrus"
)

// conn borrows the backend's gocql session. The session multiplexes its own
// connections, so a conn is only a concurrency ticket and Close is a no-op.
type conn struct {
	session *gocql.Session
	log     *logrus.Entry
}

var (
	_ upa.Conn       = (*conn)(nil)
	_ upa.PagingConn = (*conn)(nil)
	_ upa.Pinger     = (*conn)(nil)
)

func (c *conn) query(ctx context.Context, st *Statement) *gocql.Query {
	if c.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		c.log.WithField("cql", st.Text).Debug("executing statement")
	}
	return c.session.Query(st.Text, st.Args...).WithContext(ctx)
}

func (c *conn) Exec(ctx context.Context, s upa.Statement) (upa.Result, error) {
	st, err := statement(s)
	if err != nil {
		return upa.Result{}, err
	}

	switch {
	case st.kind == kindDeleteWhere:
		return c.deleteWhere(ctx, st)
	case st.cas:
		return c.execCAS(ctx, st)
	}

	q := c.query(ctx, st)
	err = q.Exec()
	q.Release()
	if err != nil {
		return upa.Result{}, convertCassandraError(err)
	}
	if st.kind == kindDDL {
		return upa.Result{}, nil
	}
	return upa.Result{RowsAffected: 1}, nil
}

// execCAS runs a lightweight transaction. A create that finds the row
// already present is a duplicate; an update or delete that finds nothing
// affected zero rows.
func (c *conn) execCAS(ctx context.Context, st *Statement) (upa.Result, error) {
	q := c.query(ctx, st).SerialConsistency(gocql.LocalSerial)
	dest := make(map[string]interface{})
	applied, err := q.MapScanCAS(dest)
	q.Release()
	if err != nil {
		c.log.WithError(err).Debug("conditional write failed")
		return upa.Result{}, convertCassandraError(err)
	}
	switch {
	case applied:
		return upa.Result{RowsAffected: 1}, nil
	case st.insert:
		return upa.Result{}, upa.NewError(upa.ErrorTypeDuplicate, "row already exists")
	}
	return upa.Result{}, nil
}

func (c *conn) deleteWhere(ctx context.Context, st *Statement) (upa.Result, error) {
	if st.empty {
		return upa.Result{}, nil
	}
	n, err := c.Count(ctx, st.precount)
	if err != nil {
		return upa.Result{}, err
	}
	if n == 0 {
		return upa.Result{}, nil
	}
	q := c.query(ctx, st)
	err = q.Exec()
	q.Release()
	if err != nil {
		return upa.Result{}, convertCassandraError(err)
	}
	return upa.Result{RowsAffected: n}, nil
}

func (c *conn) Query(ctx context.Context, s upa.Statement) ([]*upa.Record, error) {
	st, err := statement(s)
	if err != nil {
		return nil, err
	}
	if st.empty {
		return nil, nil
	}
	q := c.query(ctx, st)
	defer q.Release()
	return scanAll(q.Iter(), st.columns)
}

// QueryPage reads one page. Setting the page state turns off gocql's
// automatic paging, so the iterator stops at the page boundary.
func (c *conn) QueryPage(ctx context.Context, s upa.Statement, pageSize int, cursor []byte) ([]*upa.Record, []byte, error) {
	st, err := statement(s)
	if err != nil {
		return nil, nil, err
	}
	if st.empty {
		return nil, nil, nil
	}
	q := c.query(ctx, st).PageSize(pageSize).PageState(cursor)
	defer q.Release()

	iter := q.Iter()
	var next []byte
	if state := iter.PageState(); len(state) > 0 {
		next = append([]byte(nil), state...)
	}
	rows, err := scanAll(iter, st.columns)
	if err != nil {
		return nil, nil, err
	}
	return rows, next, nil
}

func (c *conn) Count(ctx context.Context, s upa.Statement) (int64, error) {
	st, err := statement(s)
	if err != nil {
		return 0, err
	}
	if st.empty {
		return 0, nil
	}
	q := c.query(ctx, st)
	defer q.Release()
	var n int64
	if err := q.Scan(&n); err != nil {
		return 0, convertCassandraError(err)
	}
	if st.countLimit >= 0 && n > st.countLimit {
		n = st.countLimit
	}
	return n, nil
}

func (c *conn) Ping(ctx context.Context) error {
	var version string
	q := c.session.Query("SELECT release_version FROM system.local").WithContext(ctx)
	defer q.Release()
	return convertCassandraError(q.Scan(&version))
}

func (c *conn) Close() error { return nil }

func statement(st upa.Statement) (*Statement, error) {
	s, ok := st.(*Statement)
	if !ok || s == nil {
		return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "statement %T was not compiled by upacassandra", st)
	}
	return s, nil
}

// =====================================
// Row Scanning
// =====================================

func scanAll(iter *gocql.Iter, cols []*upa.FieldDescriptor) ([]*upa.Record, error) {
	var out []*upa.Record
	for {
		dest := scanDest(cols)
		if !iter.Scan(dest...) {
			break
		}
		out = append(out, rowRecord(cols, dest))
	}
	if err := iter.Close(); err != nil {
		return nil, convertCassandraError(err)
	}
	return out, nil
}

// scanDest allocates one pointer-to-pointer per column so that nulls scan
// as nil instead of a zero value.
func scanDest(cols []*upa.FieldDescriptor) []interface{} {
	dest := make([]interface{}, len(cols))
	for i, f := range cols {
		switch f.Type {
		case upa.TypeBool:
			var v *bool
			dest[i] = &v
		case upa.TypeInt, upa.TypeUint:
			var v *int64
			dest[i] = &v
		case upa.TypeFloat:
			var v *float64
			dest[i] = &v
		case upa.TypeBytes:
			var v *[]byte
			dest[i] = &v
		case upa.TypeTime:
			var v *time.Time
			dest[i] = &v
		case upa.TypeUUID:
			var v *gocql.UUID
			dest[i] = &v
		default:
			var v *string
			dest[i] = &v
		}
	}
	return dest
}

func rowRecord(cols []*upa.FieldDescriptor, dest []interface{}) *upa.Record {
	rec := upa.NewRecord(len(cols))
	for i, f := range cols {
		rec.Set(f.Name, scanned(dest[i]))
	}
	return rec
}

func scanned(d interface{}) interface{} {
	switch v := d.(type) {
	case **bool:
		if *v != nil {
			return **v
		}
	case **int64:
		if *v != nil {
			return **v
		}
	case **float64:
		if *v != nil {
			return **v
		}
	case **[]byte:
		if *v != nil {
			return **v
		}
	case **time.Time:
		if *v != nil {
			return (**v).UTC()
		}
	case **gocql.UUID:
		if *v != nil {
			return uuid.UUID(**v)
		}
	case **string:
		if *v != nil {
			return **v
		}
	}
	return nil
}
