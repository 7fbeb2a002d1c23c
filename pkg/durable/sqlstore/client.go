// Package sqlstore implements the durable capabilities on a SQL database.
//
// One Client serves as durable.DocumentStore, durable.GraphStore and
// durable.VectorIndex; its StateLog and AuditLog views back the world state
// manager and the audit recorder. SQLite
// (mattn/go-sqlite3) is the default; PostgreSQL (lib/pq) and MySQL or
// OceanBase (go-sql-driver/mysql) are supported through small dialect
// differences. Embeddings are stored as JSON strings and similarity is
// computed in memory, so no vector extension is required.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-sql-driver/mysql"
)

var validPrefix = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client implements the durable stores on database/sql.
type Client struct {
	db      *sql.DB
	dialect *dialect

	documents string
	tags      string
	edges     string
	vectors   string
	states    string
	audit     string
}

// Config contains a generic connection configuration.
type Config struct {
	// Dialect is one of "sqlite", "postgres" or "mysql".
	Dialect string

	// DSN is the driver-specific data source name.
	DSN string

	// TablePrefix is prepended to every table name (default "memtier_").
	TablePrefix string
}

// SQLiteConfig contains configuration for a SQLite database file.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TablePrefix is prepended to every table name.
	TablePrefix string
}

// PostgresConfig contains PostgreSQL configuration.
type PostgresConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	TablePrefix string
}

// MySQLConfig contains MySQL or OceanBase configuration.
type MySQLConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	TablePrefix string
}

// NewSQLiteClient opens (and creates if needed) a SQLite database.
func NewSQLiteClient(ctx context.Context, cfg *SQLiteConfig) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}
	return Open(ctx, &Config{
		Dialect:     DialectSQLite,
		DSN:         cfg.DBPath + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000",
		TablePrefix: cfg.TablePrefix,
	})
}

// NewPostgresClient connects to PostgreSQL.
func NewPostgresClient(ctx context.Context, cfg *PostgresConfig) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
	return Open(ctx, &Config{Dialect: DialectPostgres, DSN: dsn, TablePrefix: cfg.TablePrefix})
}

// NewMySQLClient connects to MySQL or OceanBase (MySQL mode).
func NewMySQLClient(ctx context.Context, cfg *MySQLConfig) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
	return Open(ctx, &Config{Dialect: DialectMySQL, DSN: dsn, TablePrefix: cfg.TablePrefix})
}

// Open connects with a generic configuration and creates missing tables.
func Open(ctx context.Context, cfg *Config) (*Client, error) {
	d, err := lookupDialect(cfg.Dialect)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLStore: %w", err)
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "memtier_"
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("OpenSQLStore: invalid table prefix %q", prefix)
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLStore: %w", err)
	}
	if d.name == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenSQLStore: %w", err)
	}

	c := &Client{
		db:        db,
		dialect:   d,
		documents: prefix + "documents",
		tags:      prefix + "document_tags",
		edges:     prefix + "edges",
		vectors:   prefix + "vectors",
		states:    prefix + "world_state",
		audit:     prefix + "audit",
	}
	if err := c.initTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// initTables creates the schema if it does not exist.
func (c *Client) initTables(ctx context.Context) error {
	text := c.dialect.textType
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			content %s NOT NULL,
			category VARCHAR(255) NOT NULL DEFAULT '',
			confidence %s NOT NULL DEFAULT 0,
			tags %s,
			attributes %s,
			version BIGINT NOT NULL,
			provenance %s,
			embedding %s,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, c.documents, text, c.dialect.floatType, text, text, text, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			memory_id VARCHAR(64) NOT NULL,
			tag VARCHAR(255) NOT NULL,
			PRIMARY KEY (memory_id, tag)
		)`, c.tags),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source_id VARCHAR(64) NOT NULL,
			seq BIGINT NOT NULL,
			rel_type VARCHAR(128) NOT NULL,
			target_id VARCHAR(255) NOT NULL,
			properties %s,
			PRIMARY KEY (source_id, seq)
		)`, c.edges, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			embedding %s NOT NULL
		)`, c.vectors, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version BIGINT PRIMARY KEY,
			state %s NOT NULL,
			updated_at BIGINT NOT NULL,
			rolled_back_from BIGINT,
			rolled_back_to BIGINT
		)`, c.states, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(32) PRIMARY KEY,
			op VARCHAR(64) NOT NULL,
			subject_id VARCHAR(255) NOT NULL,
			outcome VARCHAR(16) NOT NULL,
			error_text %s,
			detail %s,
			occurred_at BIGINT NOT NULL
		)`, c.audit, text, text),
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	indexes := []struct{ table, column string }{
		{c.documents, "category"},
		{c.documents, "confidence"},
		{c.tags, "tag"},
		{c.edges, "target_id"},
		{c.audit, "subject_id"},
	}
	for _, idx := range indexes {
		if err := c.createIndex(ctx, idx.table, idx.column); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// createIndex creates a single-column index unless it already exists.
func (c *Client) createIndex(ctx context.Context, table, column string) error {
	name := fmt.Sprintf("idx_%s_%s", table, column)
	if c.dialect.name != DialectMySQL {
		_, err := c.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, column))
		return err
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS.
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, column))
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1061 {
		return nil
	}
	return err
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB {
	return c.db
}
