// Package store is the local SQLite database every device keeps.
//
// Each synchronized record is stored as its remote row (payload) together with
// the last row the server acknowledged (base_payload) and the record's sync
// metadata. The database runs in WAL mode so UI readers are never blocked by
// the sync engine, and every write goes through a single transaction.
//
// Writes that originate locally go through Save and SoftDelete and always
// leave the record pending. Writes that originate on the server go through
// ApplyRemote, ApplyRemoteBatch and DeleteRemote, which store records as
// synced and never touch a record with unacknowledged local changes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

var (
	// ErrNotFound is returned when a record does not exist locally.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownField is returned by Fetch for a column the table does not have.
	ErrUnknownField = errors.New("unknown field")
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const lockStripes = 64

// Store wraps the SQLite connection.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger

	// locks serializes writes to the same record across the upload-ack
	// and realtime-apply paths. Different records proceed concurrently.
	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// Open creates or opens the database at path and initializes the schema.
//
// The caller must call Close when done.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them. Immediate
	// transactions take the write lock up front, so a read-then-write
	// transaction never fails on a stale snapshot.
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger.Named("store"),
		now:    time.Now,
	}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		table_name   TEXT NOT NULL,
		id           TEXT NOT NULL,
		payload      TEXT NOT NULL,  -- JSON remote row
		base_payload TEXT,           -- JSON row last acknowledged by the server
		updated_at   TEXT NOT NULL,
		deleted_at   TEXT,
		sync_state   TEXT NOT NULL DEFAULT 'pending',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		rev          INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_name, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_state ON records(table_name, sync_state);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(table_name, updated_at);

	CREATE TABLE IF NOT EXISTS sync_watermarks (
		table_name TEXT PRIMARY KEY,
		watermark  TEXT NOT NULL
	);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func stripe(t schema.Table, id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

// lock acquires the stripes covering ids in ascending order and returns
// the matching unlock.
func (s *Store) lock(t schema.Table, ids ...string) func() {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[stripe(t, id)] = struct{}{}
	}
	order := make([]int, 0, len(set))
	for i := range set {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		s.locks[i].Lock()
	}
	return func() {
		for j := len(order) - 1; j >= 0; j-- {
			s.locks[order[j]].Unlock()
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// withTx runs fn in a transaction, committing if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
