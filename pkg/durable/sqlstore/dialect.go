package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// dialect captures the few places where the three backends disagree.
type dialect struct {
	name   string
	driver string

	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool

	floatType string
	textType  string

	// contains is a SQL boolean expression testing whether the lowercased
	// content column contains the single bound argument.
	contains string

	// upsertVector inserts or replaces a vector row; %s is the table name.
	upsertVector string
}

var dialects = map[string]*dialect{
	DialectSQLite: {
		name:         DialectSQLite,
		driver:       "sqlite3",
		floatType:    "REAL",
		textType:     "TEXT",
		contains:     "instr(lower(content), ?) > 0",
		upsertVector: "INSERT INTO %s (id, embedding) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding",
	},
	DialectPostgres: {
		name:         DialectPostgres,
		driver:       "postgres",
		numbered:     true,
		floatType:    "DOUBLE PRECISION",
		textType:     "TEXT",
		contains:     "strpos(lower(content), ?) > 0",
		upsertVector: "INSERT INTO %s (id, embedding) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding",
	},
	DialectMySQL: {
		name:         DialectMySQL,
		driver:       "mysql",
		floatType:    "DOUBLE",
		textType:     "LONGTEXT",
		contains:     "INSTR(LOWER(content), ?) > 0",
		upsertVector: "INSERT INTO %s (id, embedding) VALUES (?, ?) ON DUPLICATE KEY UPDATE embedding = VALUES(embedding)",
	},
}

func lookupDialect(name string) (*dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
	return d, nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isDuplicate reports whether err is a primary key or unique violation.
func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
