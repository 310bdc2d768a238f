package marketlink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the durable cache and sync queue.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    region      TEXT NOT NULL,
    request_key TEXT NOT NULL,
    status      INTEGER NOT NULL,
    header      TEXT,
    body        BLOB,
    stored_at   INTEGER NOT NULL,
    PRIMARY KEY (region, request_key)
);

CREATE INDEX IF NOT EXISTS idx_cache_region ON cache_entries(region);

CREATE TABLE IF NOT EXISTS sync_queue (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    method          TEXT NOT NULL,
    url             TEXT NOT NULL,
    body            BLOB,
    idempotency_key TEXT NOT NULL,
    enqueued_at     INTEGER NOT NULL,
    retries         INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT
);
`

// SQLiteStorage is a durable Storage backed by a SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens or creates the database at path and applies the
// schema.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ── Cache regions ────────────────────────────────────────────────────────

func (s *SQLiteStorage) CacheGet(region, key string) (*CachedResponse, bool, error) {
	row := s.db.QueryRow(`
		SELECT status, header, body, stored_at FROM cache_entries
		WHERE region = ? AND request_key = ?`, region, key)

	var (
		entry     CachedResponse
		headerRaw sql.NullString
		storedNs  int64
	)
	if err := row.Scan(&entry.Status, &headerRaw, &entry.Body, &storedNs); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if headerRaw.Valid && headerRaw.String != "" {
		if err := json.Unmarshal([]byte(headerRaw.String), &entry.Header); err != nil {
			return nil, false, fmt.Errorf("decode header: %w", err)
		}
	}
	entry.StoredAt = time.Unix(0, storedNs)
	return &entry, true, nil
}

func (s *SQLiteStorage) CachePut(region, key string, resp *CachedResponse) error {
	var headerRaw []byte
	if resp.Header != nil {
		b, err := json.Marshal(resp.Header)
		if err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
		headerRaw = b
	}
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (region, request_key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, request_key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		region, key, resp.Status, string(headerRaw), resp.Body, resp.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) CacheKeys(region string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT request_key FROM cache_entries WHERE region = ? ORDER BY request_key`, region)
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) DeleteRegion(region string) error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE region = ?`, region); err != nil {
		return fmt.Errorf("delete region: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Regions() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT region FROM cache_entries ORDER BY region`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// ── Sync queue ───────────────────────────────────────────────────────────

func (s *SQLiteStorage) QueueAppend(e *QueueEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_queue (id, method, url, body, idempotency_key, enqueued_at, retries, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Method, e.URL, e.Body, e.IdempotencyKey, e.EnqueuedAt.UnixNano(), e.Retries, e.LastError)
	if err != nil {
		return fmt.Errorf("queue append: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) QueueList() ([]*QueueEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, method, url, body, idempotency_key, enqueued_at, retries, last_error
		FROM sync_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("queue list: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var (
			e          QueueEntry
			enqueuedNs int64
			lastErr    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Method, &e.URL, &e.Body, &e.IdempotencyKey, &enqueuedNs, &e.Retries, &lastErr); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.EnqueuedAt = time.Unix(0, enqueuedNs)
		e.LastError = lastErr.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStorage) QueueUpdate(e *QueueEntry) error {
	_, err := s.db.Exec(`
		UPDATE sync_queue SET retries = ?, last_error = ? WHERE id = ?`,
		e.Retries, e.LastError, e.ID)
	if err != nil {
		return fmt.Errorf("queue update: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) QueueRemove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue remove: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) QueueLen() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}
