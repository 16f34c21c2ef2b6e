/*
Package sqlstore implements engine.Session on top of database/sql.

PURPOSE:
  SQLite and PostgreSQL share every query of the engine. The differences
  are small enough to live in a Dialect value:

    Placeholders:  "?"  vs  "$1, $2, ..."
    Locked reads:  (none, BEGIN IMMEDIATE)  vs  "FOR UPDATE"
    Unique errors: sqlite3.ErrConstraintUnique  vs  SQLSTATE 23505

  Queries are written once with "?" and rebound per dialect.

TRANSACTIONS:
  RunTx begins a transaction, hands a *Session bound to it to fn, and
  commits only when fn returns nil. Every read of the Session goes through
  the same *sql.Tx, so a transaction always sees its own writes.

SEE ALSO:
  - store/sqlite: SQLite store (schema, DSN, single connection)
  - store/postgres: PostgreSQL store (pgx, migrations)
*/
package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2, ...) instead of "?".
	NumberedPlaceholders bool

	// ForUpdate is appended to locking reads. Empty when the backend locks
	// at transaction start instead.
	ForUpdate string

	// IsUniqueViolation reports whether err is a unique/primary key violation.
	IsUniqueViolation func(err error) bool
}

// Rebind rewrites "?" placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) isUnique(err error) bool {
	return err != nil && d.IsUniqueViolation != nil && d.IsUniqueViolation(err)
}

// placeholders returns "?, ?, ?" with n marks.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
