package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "asset-hub.db"

// NewSQLiteStore 在 basePath 下打开（或创建）单文件数据库。basePath 为空时使用共享内存库。
func NewSQLiteStore(basePath string) (Storage, error) {
	dsn := "file::memory:?cache=shared"
	if basePath != "" {
		abs, err := filepath.Abs(basePath)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		dsn = filepath.Join(abs, SQLiteFileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			cache TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT NOT NULL,
			body BLOB,
			stored_at INTEGER NOT NULL,
			UNIQUE (cache, method, url)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_cache_idx ON entries (cache, seq)",
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	if basePath != "" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	return &sqliteStore{db: db, writeMutex: &sync.Mutex{}}, nil
}

// sqliteStore 所有写操作串行化，读操作直接走连接池。
type sqliteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteCache struct {
	store *sqliteStore
	name  string
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &sqliteCache{store: s, name: name}, nil
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY name")
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

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key RequestKey) (*Response, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := c.store.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM entries WHERE cache = ? AND method = ? AND url = ?",
		c.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	decoded := http.Header{}
	if err := json.Unmarshal([]byte(header), &decoded); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	return &Response{
		Status:   status,
		Header:   decoded,
		Body:     body,
		StoredAt: time.Unix(0, storedAt).UTC(),
	}, nil
}

func (c *sqliteCache) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	stored := stamp(resp)
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return err
	}
	body := stored.Body
	if body == nil {
		body = []byte{}
	}

	c.store.writeMutex.Lock()
	defer c.store.writeMutex.Unlock()

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name) VALUES (?)", c.name); err != nil {
		return err
	}
	// 先删后插，使覆盖写入的条目排到 Keys 末尾。
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE cache = ? AND method = ? AND url = ?",
		c.name, key.Method, key.URL,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (cache, method, url, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.name, key.Method, key.URL, stored.Status, string(header), body, stored.StoredAt.UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *sqliteCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	c.store.writeMutex.Lock()
	defer c.store.writeMutex.Unlock()
	result, err := c.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE cache = ? AND method = ? AND url = ?",
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := c.store.db.QueryContext(ctx,
		"SELECT method, url FROM entries WHERE cache = ? ORDER BY seq", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
