package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// SQLDialect 标识 SQL 后端类型。
type SQLDialect string

const (
	DialectSQLite   SQLDialect = "sqlite"
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
)

// sqlBackend 使用两张表保存 generation 与条目：
//
//	offcache_generations(namespace, generation, created_at)
//	offcache_entries(namespace, generation, entry_key, payload, stored_at)
//
// entry_key 为请求标识的 sha256，保证在 MySQL 中也能作为定长主键。
type sqlBackend struct {
	db      *sql.DB
	dialect SQLDialect
}

// NewSQLBackend 打开数据库连接、校验连通性并建表。
func NewSQLBackend(dialect SQLDialect, dsn string) (Backend, error) {
	var driverName string
	switch dialect {
	case DialectSQLite:
		driverName = "sqlite"
	case DialectPostgres:
		driverName = "pgx"
	case DialectMySQL:
		driverName = "mysql"
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s backend requires a DSN", dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// 单连接避免 "database is locked"
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}

	backend := &sqlBackend{db: db, dialect: dialect}
	for _, stmt := range backend.schema() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return backend, nil
}

func (s *sqlBackend) schema() []string {
	switch s.dialect {
	case DialectMySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS offcache_generations (
				namespace VARCHAR(191) NOT NULL,
				generation VARCHAR(191) NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (namespace, generation)
			)`,
			`CREATE TABLE IF NOT EXISTS offcache_entries (
				namespace VARCHAR(191) NOT NULL,
				generation VARCHAR(191) NOT NULL,
				entry_key CHAR(64) NOT NULL,
				payload LONGBLOB NOT NULL,
				stored_at BIGINT NOT NULL,
				PRIMARY KEY (namespace, generation, entry_key)
			)`,
		}
	case DialectPostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS offcache_generations (
				namespace TEXT NOT NULL,
				generation TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (namespace, generation)
			)`,
			`CREATE TABLE IF NOT EXISTS offcache_entries (
				namespace TEXT NOT NULL,
				generation TEXT NOT NULL,
				entry_key TEXT NOT NULL,
				payload BYTEA NOT NULL,
				stored_at BIGINT NOT NULL,
				PRIMARY KEY (namespace, generation, entry_key)
			)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS offcache_generations (
				namespace TEXT NOT NULL,
				generation TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (namespace, generation)
			)`,
			`CREATE TABLE IF NOT EXISTS offcache_entries (
				namespace TEXT NOT NULL,
				generation TEXT NOT NULL,
				entry_key TEXT NOT NULL,
				payload BLOB NOT NULL,
				stored_at INTEGER NOT NULL,
				PRIMARY KEY (namespace, generation, entry_key)
			)`,
		}
	}
}

func (s *sqlBackend) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := bucket.validate(); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT payload FROM offcache_entries WHERE namespace = ? AND generation = ? AND entry_key = ?"),
		bucket.Namespace, bucket.Generation, hashKey(key),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *sqlBackend) Put(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.insertGenerationQuery(), bucket.Namespace, bucket.Generation, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.upsertEntryQuery(), bucket.Namespace, bucket.Generation, hashKey(key), value, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlBackend) CreateBucket(ctx context.Context, bucket Bucket) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.insertGenerationQuery(), bucket.Namespace, bucket.Generation, time.Now().Unix())
	return err
}

func (s *sqlBackend) DeleteBucket(ctx context.Context, bucket Bucket) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.rebind("DELETE FROM offcache_entries WHERE namespace = ? AND generation = ?"),
		bucket.Namespace, bucket.Generation,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind("DELETE FROM offcache_generations WHERE namespace = ? AND generation = ?"),
		bucket.Namespace, bucket.Generation,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlBackend) ListBuckets(ctx context.Context, namespace string) ([]string, error) {
	if err := validateSegment("namespace", namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT generation FROM offcache_generations WHERE namespace = ? ORDER BY generation"),
		namespace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqlBackend) Close() error {
	return s.db.Close()
}

func (s *sqlBackend) insertGenerationQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return "INSERT IGNORE INTO offcache_generations (namespace, generation, created_at) VALUES (?, ?, ?)"
	default:
		return s.rebind("INSERT INTO offcache_generations (namespace, generation, created_at) VALUES (?, ?, ?) ON CONFLICT (namespace, generation) DO NOTHING")
	}
}

func (s *sqlBackend) upsertEntryQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return `INSERT INTO offcache_entries (namespace, generation, entry_key, payload, stored_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload), stored_at = VALUES(stored_at)`
	default:
		return s.rebind(`INSERT INTO offcache_entries (namespace, generation, entry_key, payload, stored_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (namespace, generation, entry_key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`)
	}
}

// rebind 将 ? 占位符转换为 PostgreSQL 的 $n 形式。
func (s *sqlBackend) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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
