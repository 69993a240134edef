package upasql

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lemmego/upa"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/driver/pgdriver"
)

const (
	pgUniqueViolation     = "23505"
	pgConnectionClass     = "08"
	mysqlDuplicateEntry   = 1062
	mysqlDuplicateKeyName = 1061
)

// convertSQLError maps driver errors onto the upa error taxonomy.
func convertSQLError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := upa.AsError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return upa.NewErrorWithCause(upa.ErrorTypeNotFound, "record not found", err)
	case isBadConn(err):
		return upa.Error{Type: upa.ErrorTypeConnection, Message: "connection lost", Cause: err, Transient: true}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fromSQLState(string(pqErr.Code), pqErr.Message, err)
	}
	var pgdErr pgdriver.Error
	if errors.As(err, &pgdErr) {
		return fromSQLState(pgdErr.Field('C'), pgdErr.Field('M'), err)
	}
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return fromSQLState(pgxErr.Code, pgxErr.Message, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == mysqlDuplicateEntry {
			return upa.Error{Type: upa.ErrorTypeDuplicate, Message: "duplicate key violation", Cause: err, Code: "1062"}
		}
		return upa.NewErrorWithCause(upa.ErrorTypeBackend, myErr.Message, err)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return upa.Error{Type: upa.ErrorTypeDuplicate, Message: "duplicate key violation", Cause: err, Code: liteErr.ExtendedCode.Error()}
		}
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return upa.Error{Type: upa.ErrorTypeBackend, Message: "database is locked", Cause: err, Transient: true}
		}
		return upa.NewErrorWithCause(upa.ErrorTypeBackend, liteErr.Error(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return upa.Error{Type: upa.ErrorTypeConnection, Message: "network error", Cause: err, Transient: true}
	}
	return upa.NewErrorWithCause(upa.ErrorTypeBackend, "database operation failed", err)
}

func fromSQLState(code, message string, err error) error {
	switch {
	case code == pgUniqueViolation:
		return upa.Error{Type: upa.ErrorTypeDuplicate, Message: "duplicate key violation", Cause: err, Code: code}
	case len(code) >= 2 && code[:2] == pgConnectionClass:
		return upa.Error{Type: upa.ErrorTypeConnection, Message: message, Cause: err, Code: code, Transient: true}
	}
	return upa.Error{Type: upa.ErrorTypeBackend, Message: message, Cause: err, Code: code}
}

// isBadConn reports whether err means the session can not be reused.
func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn)
}

// ignorableDDLError reports errors from idempotent schema statements that
// the dialect can not express with IF NOT EXISTS.
func ignorableDDLError(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateKeyName
}
