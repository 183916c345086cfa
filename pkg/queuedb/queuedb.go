// Package queuedb opens the queue's relational store, dispatching on the
// URL scheme to SQLite, PostgreSQL, or MySQL, and wraps the resulting
// *sql.DB in a bun.DB so that pkg/queue can operate on it dialect-agnostically.
package queuedb

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

const (
	netTypeUnix      = "unix"
	schemePostgres   = "postgres"
	schemePostgresql = "postgresql"
)

// Type identifies the database dialect of a queue store.
type Type uint8

// Recognised queue store dialects.
const (
	TypeUnknown Type = iota
	TypeMySQL
	TypePostgreSQL
	TypeSQLite
)

func (t Type) String() string {
	switch t {
	case TypeMySQL:
		return "MySQL"
	case TypePostgreSQL:
		return "PostgreSQL"
	case TypeSQLite:
		return "SQLite"
	case TypeUnknown:
		fallthrough
	default:
		return "unknown"
	}
}

var (
	// ErrUnsupportedDriver is returned when the store URL's scheme is not recognised.
	ErrUnsupportedDriver = errors.New("queuedb: unsupported database driver")

	// ErrInvalidPostgresUnixURL is returned for a malformed postgres+unix URL.
	ErrInvalidPostgresUnixURL = errors.New("queuedb: invalid postgres+unix URL")

	// ErrInvalidMySQLUnixURL is returned for a malformed mysql+unix URL.
	ErrInvalidMySQLUnixURL = errors.New("queuedb: invalid mysql+unix URL")
)

// PoolConfig holds connection pool tuning, applied on top of per-dialect
// defaults. Zero values mean "use the default".
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
}

// DetectFromURL returns the dialect implied by storeURL's scheme.
func DetectFromURL(storeURL string) (Type, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return TypeUnknown, fmt.Errorf("queuedb: error parsing store URL %q: %w", storeURL, err)
	}

	switch strings.TrimSuffix(strings.ToLower(u.Scheme), "+unix") {
	case "mysql":
		return TypeMySQL, nil
	case schemePostgres, schemePostgresql:
		return TypePostgreSQL, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	default:
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedDriver, u.Scheme)
	}
}

// Open opens the queue store at storeURL and returns a bun.DB bound to the
// appropriate dialect. poolCfg is optional; nil selects dialect defaults.
func Open(storeURL string, poolCfg *PoolConfig) (*bun.DB, error) {
	dbType, err := DetectFromURL(storeURL)
	if err != nil {
		return nil, err
	}

	var (
		sdb     *sql.DB
		dialect bun.Dialect
	)

	switch dbType {
	case TypeMySQL:
		sdb, err = openMySQL(storeURL, poolCfg)
		dialect = mysqldialect.New()
	case TypePostgreSQL:
		sdb, err = openPostgreSQL(storeURL, poolCfg)
		dialect = pgdialect.New()
	case TypeSQLite:
		sdb, err = openSQLite(storeURL, poolCfg)
		dialect = sqlitedialect.New()
	case TypeUnknown:
		fallthrough
	default:
		return nil, ErrUnsupportedDriver
	}

	if err != nil {
		return nil, fmt.Errorf("queuedb: error opening store at %q: %w", storeURL, err)
	}

	return bun.NewDB(sdb, dialect), nil
}

func applyPoolSettings(sdb *sql.DB, poolCfg *PoolConfig, defaultMaxOpen, defaultMaxIdle int) {
	maxOpen, maxIdle := defaultMaxOpen, defaultMaxIdle

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	if maxOpen > 0 {
		sdb.SetMaxOpenConns(maxOpen)
	}

	if maxIdle > 0 {
		sdb.SetMaxIdleConns(maxIdle)
	}
}

func openSQLite(storeURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("sqlite3", u.Path, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, err
	}

	if _, err := sdb.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("queuedb: error enabling foreign keys: %w", err)
	}

	// A single writer avoids "database is locked" under the queue's
	// deadlock-retry transaction loop; SQLite serialises writers anyway.
	sdb.SetMaxOpenConns(1)

	if poolCfg != nil && poolCfg.MaxIdleConns > 0 {
		sdb.SetMaxIdleConns(poolCfg.MaxIdleConns)
	}

	return sdb, nil
}

func openPostgreSQL(storeURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	processedURL, err := parsePostgreSQLURL(storeURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("pgx", processedURL, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func parsePostgreSQLURL(storeURL string) (string, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)
	if strings.Contains(scheme, "+unix") {
		socketDir, dbName := path.Split(u.Path)
		if dbName == "" {
			return "", fmt.Errorf("%w: missing database name in path: %s", ErrInvalidPostgresUnixURL, storeURL)
		}

		if socketDir == "" {
			return "", fmt.Errorf("%w: missing socket directory in path: %s", ErrInvalidPostgresUnixURL, storeURL)
		}

		socketDir = path.Clean(socketDir)
		u.Path = "/" + dbName
		q := u.Query()
		q.Set("host", socketDir)
		u.RawQuery = q.Encode()
	}

	if strings.Contains(scheme, "+") {
		switch {
		case strings.HasPrefix(scheme, schemePostgresql):
			u.Scheme = schemePostgresql
		case strings.HasPrefix(scheme, schemePostgres):
			u.Scheme = schemePostgres
		}
	}

	return u.String(), nil
}

func openMySQL(storeURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	cfg, err := parseMySQLConfig(storeURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("mysql", cfg.FormatDSN(), otelsql.WithAttributes(semconv.DBSystemMySQL))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func parseMySQLConfig(storeURL string) (*mysql.Config, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, err
	}

	cfg := mysql.NewConfig()

	if u.User != nil {
		cfg.User = u.User.Username()
		if password, ok := u.User.Password(); ok {
			cfg.Passwd = password
		}
	}

	query := u.Query()
	scheme := strings.ToLower(u.Scheme)

	switch {
	case strings.Contains(scheme, "+unix"):
		if err := parseMySQLUnixPath(cfg, u, storeURL); err != nil {
			return nil, err
		}
	case query.Get("socket") != "":
		cfg.Net = netTypeUnix
		cfg.Addr = query.Get("socket")
	case query.Get("unix_socket") != "":
		cfg.Net = netTypeUnix
		cfg.Addr = query.Get("unix_socket")
	case query.Get("host") != "" && strings.HasPrefix(query.Get("host"), "/"):
		cfg.Net = netTypeUnix
		cfg.Addr = query.Get("host")
	case u.Host != "":
		cfg.Net = "tcp"
		cfg.Addr = u.Host
	}

	if cfg.DBName == "" && u.Path != "" {
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
	}

	cfg.Params = map[string]string{
		"parseTime": "true",
		"loc":       "UTC",
		"time_zone": "'+00:00'",
	}

	for k, v := range query {
		if len(v) > 0 {
			cfg.Params[k] = v[0]
		}
	}

	return cfg, nil
}

func parseMySQLUnixPath(cfg *mysql.Config, u *url.URL, storeURL string) error {
	socketPath, dbName := path.Split(u.Path)
	if dbName == "" {
		return fmt.Errorf("%w: missing database name in path: %s", ErrInvalidMySQLUnixURL, storeURL)
	}

	if socketPath == "" {
		return fmt.Errorf("%w: missing socket path in path: %s", ErrInvalidMySQLUnixURL, storeURL)
	}

	cfg.Net = netTypeUnix
	cfg.Addr = path.Clean(socketPath)
	cfg.DBName = dbName

	return nil
}
