package upasql

import (
	"strconv"
	"strings"

	"github.com/lemmego/upa"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// sqlDialect adds statement rendering rules on top of a bun dialect.
type sqlDialect struct {
	bun schema.Dialect
}

func newDialect(driver string) (*sqlDialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg", "pgx":
		return &sqlDialect{bun: pgdialect.New()}, nil
	case "mysql":
		return &sqlDialect{bun: mysqldialect.New()}, nil
	case "sqlite", "sqlite3":
		return &sqlDialect{bun: sqlitedialect.New()}, nil
	}
	return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "unsupported SQL driver %q", driver)
}

func (d *sqlDialect) name() dialect.Name { return d.bun.Name() }

// quote renders ident as a quoted identifier, doubling embedded quotes.
func (d *sqlDialect) quote(ident string) string {
	q := string(d.bun.IdentQuote())
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

func (d *sqlDialect) placeholder(n int) string {
	if d.name() == dialect.PG {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d *sqlDialect) returning() bool {
	return d.bun.Features().Has(feature.InsertReturning)
}

// unboundedLimit is the LIMIT rendered before an OFFSET when the query has
// none. PostgreSQL accepts a bare OFFSET.
func (d *sqlDialect) unboundedLimit() string {
	switch d.name() {
	case dialect.MySQL:
		return "18446744073709551615"
	case dialect.SQLite:
		return "-1"
	}
	return ""
}

// indexIfNotExists reports whether CREATE INDEX accepts IF NOT EXISTS.
func (d *sqlDialect) indexIfNotExists() bool {
	return d.name() != dialect.MySQL
}

func (d *sqlDialect) columnType(f *upa.FieldDescriptor) string {
	name := d.name()
	switch f.Type {
	case upa.TypeBool:
		return "BOOLEAN"
	case upa.TypeInt:
		if name == dialect.SQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case upa.TypeUint:
		if name == dialect.MySQL {
			return "BIGINT UNSIGNED"
		}
		if name == dialect.SQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case upa.TypeFloat:
		switch name {
		case dialect.PG:
			return "DOUBLE PRECISION"
		case dialect.MySQL:
			return "DOUBLE"
		}
		return "REAL"
	case upa.TypeString:
		if name == dialect.MySQL && (f.Identifier || f.Indexed || f.Unique) {
			return "VARCHAR(255)"
		}
		return "TEXT"
	case upa.TypeBytes:
		switch name {
		case dialect.PG:
			return "BYTEA"
		case dialect.MySQL:
			return "LONGBLOB"
		}
		return "BLOB"
	case upa.TypeTime:
		switch name {
		case dialect.PG:
			return "TIMESTAMPTZ"
		case dialect.MySQL:
			return "DATETIME(6)"
		}
		return "TIMESTAMP"
	case upa.TypeUUID:
		switch name {
		case dialect.PG:
			return "UUID"
		case dialect.MySQL:
			return "CHAR(36)"
		}
		return "TEXT"
	}
	// nested entities and lists are stored as JSON text
	if name == dialect.MySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

// identityColumn renders the definition of an auto-increment primary key.
func (d *sqlDialect) identityColumn(column string) string {
	switch d.name() {
	case dialect.PG:
		return column + " BIGSERIAL PRIMARY KEY"
	case dialect.MySQL:
		return column + " BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	}
	return column + " INTEGER PRIMARY KEY AUTOINCREMENT"
}
