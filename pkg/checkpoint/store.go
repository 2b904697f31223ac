// Package checkpoint implements the durable, thread-scoped checkpoint
// store: one row per workflow-node transition, a secondary per-thread
// status row used by recovery, and write-ahead-log-backed durability so
// a crash mid-write leaves the prior checkpoint intact.
//
// Grounded on the pack's database/sql-backed stores
// (haasonsaas-nexus/internal/sessions/cockroach.go for the
// prepared-statement/connection-pool shape,
// haasonsaas-nexus/internal/memory/backend/sqlitevec/backend.go for the
// sqlite schema-init-on-open pattern) generalized across the three
// drivers the spec names. The store treats the serialized state as an
// opaque BLOB; it never inspects payload fields (spec's ownership note
// in DATA MODEL).
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// latestCacheSize bounds the number of threads whose most recent
// checkpoint SQLStore keeps warm in memory. Latest is read on every
// Orchestrator.finish error path and every RecoveryManager scan
// candidate, both of which re-fetch the same handful of active threads
// far more often than threads turn over.
const latestCacheSize = 1024

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadActive     ThreadStatus = "active"
	ThreadComplete   ThreadStatus = "complete"
	ThreadIncomplete ThreadStatus = "incomplete"
)

// Record is one persisted checkpoint row.
type Record struct {
	ThreadID     string
	CheckpointID int64
	ParentID     *int64
	Timestamp    time.Time
	State        []byte
}

// ThreadSummary is a lightweight listing entry.
type ThreadSummary struct {
	ID          string
	LastUpdated time.Time
}

// Store is the durable checkpoint persistence contract (spec §4.3).
type Store interface {
	Put(ctx context.Context, threadID string, state []byte, parentID *int64) (int64, error)
	Latest(ctx context.Context, threadID string) (*Record, error)
	History(ctx context.Context, threadID string, limit int) ([]Record, error)
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, limit int) ([]ThreadSummary, error)
	MarkThread(ctx context.Context, threadID string, status ThreadStatus) error
	IncompleteThreads(ctx context.Context, olderThan time.Time) ([]string, error)
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLStore is a Store backed by database/sql, usable with the sqlite3,
// mysql, or postgres drivers.
type SQLStore struct {
	db     *sql.DB
	driver string

	writeMu   sync.Mutex
	threadMus map[string]*sync.Mutex

	latestCache *lru.Cache[string, *Record]
}

// Open creates or attaches to a checkpoint database. driver must be one
// of "sqlite3", "mysql", "postgres".
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("checkpoint: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s database: %w", driver, err)
	}

	cache, err := lru.New[string, *Record](latestCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: build latest cache: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, threadMus: make(map[string]*sync.Mutex), latestCache: cache}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if s.driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("checkpoint: enable WAL: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
			return fmt.Errorf("checkpoint: set synchronous pragma: %w", err)
		}
	}

	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("checkpoint: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) schemaStatements() []string {
	idType := "INTEGER"
	autoIncrement := "AUTOINCREMENT"
	if s.driver == "postgres" {
		idType = "BIGSERIAL"
		autoIncrement = ""
	} else if s.driver == "mysql" {
		autoIncrement = "AUTO_INCREMENT"
	}

	checkpointsDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
		seq %s PRIMARY KEY %s,
		thread_id TEXT NOT NULL,
		checkpoint_id BIGINT NOT NULL,
		parent_id BIGINT,
		timestamp TIMESTAMP NOT NULL,
		state BLOB NOT NULL
	)`, idType, autoIncrement)

	threadStatusDDL := `CREATE TABLE IF NOT EXISTS thread_status (
		thread_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`

	return []string{
		checkpointsDDL,
		threadStatusDDL,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, checkpoint_id DESC)",
		"CREATE INDEX IF NOT EXISTS idx_thread_status_lookup ON thread_status(status, updated_at)",
	}
}

// ph rewrites a query written with sqlite3/mysql-style "?" placeholders
// into postgres's positional "$1, $2, ..." form when the store is
// opened against postgres; it is a no-op for every other driver. None
// of this package's literal SQL strings contain a literal "?" outside
// of placeholder position, so straight left-to-right substitution is
// safe.
func (s *SQLStore) ph(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
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

// threadLock returns the per-thread mutex, creating it on first use.
// This enforces the single-writer-per-thread rule while letting
// concurrent writers on different threads proceed independently.
func (s *SQLStore) threadLock(threadID string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	m, ok := s.threadMus[threadID]
	if !ok {
		m = &sync.Mutex{}
		s.threadMus[threadID] = m
	}
	return m
}

// Put appends a new checkpoint for threadID and returns its monotonic
// checkpoint id (1-based, per thread).
func (s *SQLStore) Put(ctx context.Context, threadID string, state []byte, parentID *int64) (int64, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: begin put: %w", err)
	}
	defer tx.Rollback()

	var maxID sql.NullInt64
	row := tx.QueryRowContext(ctx, s.ph("SELECT MAX(checkpoint_id) FROM checkpoints WHERE thread_id = ?"), threadID)
	if err := row.Scan(&maxID); err != nil {
		return 0, fmt.Errorf("checkpoint: read latest id: %w", err)
	}

	nextID := int64(1)
	if maxID.Valid {
		nextID = maxID.Int64 + 1
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		s.ph("INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, timestamp, state) VALUES (?, ?, ?, ?, ?)"),
		threadID, nextID, parentID, now, state)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("checkpoint: commit put: %w", err)
	}

	s.latestCache.Add(threadID, &Record{
		ThreadID: threadID, CheckpointID: nextID, ParentID: parentID, Timestamp: now, State: state,
	})
	return nextID, nil
}

// Latest returns the most recent checkpoint for threadID, or nil if the
// thread has no checkpoints. Serves from the in-memory latest-checkpoint
// cache when the thread's most recent write or read already populated
// it, falling back to the database otherwise.
func (s *SQLStore) Latest(ctx context.Context, threadID string) (*Record, error) {
	if r, ok := s.latestCache.Get(threadID); ok {
		return r, nil
	}

	row := s.db.QueryRowContext(ctx, s.ph(
		`SELECT thread_id, checkpoint_id, parent_id, timestamp, state FROM checkpoints
		 WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`), threadID)

	var r Record
	var parentID sql.NullInt64
	if err := row.Scan(&r.ThreadID, &r.CheckpointID, &parentID, &r.Timestamp, &r.State); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: latest: %w", err)
	}
	if parentID.Valid {
		r.ParentID = &parentID.Int64
	}
	s.latestCache.Add(threadID, &r)
	return &r, nil
}

// History returns up to limit checkpoints for threadID, newest first.
func (s *SQLStore) History(ctx context.Context, threadID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.ph(
		`SELECT thread_id, checkpoint_id, parent_id, timestamp, state FROM checkpoints
		 WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT ?`), threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var parentID sql.NullInt64
		if err := rows.Scan(&r.ThreadID, &r.CheckpointID, &parentID, &r.Timestamp, &r.State); err != nil {
			return nil, fmt.Errorf("checkpoint: scan history row: %w", err)
		}
		if parentID.Valid {
			r.ParentID = &parentID.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteThread removes every checkpoint and the status row for
// threadID.
func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.ph("DELETE FROM checkpoints WHERE thread_id = ?"), threadID); err != nil {
		return fmt.Errorf("checkpoint: delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.ph("DELETE FROM thread_status WHERE thread_id = ?"), threadID); err != nil {
		return fmt.Errorf("checkpoint: delete thread status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.latestCache.Remove(threadID)
	return nil
}

// ListThreads returns up to limit threads, newest-updated first.
func (s *SQLStore) ListThreads(ctx context.Context, limit int) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.ph(
		`SELECT thread_id, MAX(timestamp) AS last_updated FROM checkpoints
		 GROUP BY thread_id ORDER BY last_updated DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadSummary
	for rows.Next() {
		var t ThreadSummary
		if err := rows.Scan(&t.ID, &t.LastUpdated); err != nil {
			return nil, fmt.Errorf("checkpoint: scan thread summary: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkThread upserts threadID's status row, used by RecoveryManager and
// by the Orchestrator at the start and end of a turn.
func (s *SQLStore) MarkThread(ctx context.Context, threadID string, status ThreadStatus) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	var upsert string
	switch s.driver {
	case "postgres":
		upsert = `INSERT INTO thread_status (thread_id, status, updated_at) VALUES ($1, $2, $3)
		          ON CONFLICT (thread_id) DO UPDATE SET status = $2, updated_at = $3`
	case "mysql":
		upsert = `INSERT INTO thread_status (thread_id, status, updated_at) VALUES (?, ?, ?)
		          ON DUPLICATE KEY UPDATE status = VALUES(status), updated_at = VALUES(updated_at)`
	default: // sqlite3
		upsert = `INSERT INTO thread_status (thread_id, status, updated_at) VALUES (?, ?, ?)
		          ON CONFLICT (thread_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, upsert, threadID, string(status), now)
	if err != nil {
		return fmt.Errorf("checkpoint: mark thread: %w", err)
	}
	return nil
}

// IncompleteThreads returns thread ids marked incomplete and last
// updated before olderThan, used by RecoveryManager at startup.
func (s *SQLStore) IncompleteThreads(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.ph("SELECT thread_id FROM thread_status WHERE status = ? AND updated_at < ?"),
		string(ThreadIncomplete), olderThan)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: incomplete threads: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("checkpoint: scan incomplete thread: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Vacuum compacts physical storage after deletes. On sqlite3 this runs
// VACUUM; on mysql/postgres it is a no-op, since their storage engines
// reclaim space on their own schedules and VACUUM there needs operator
// control (autovacuum tuning, OPTIMIZE TABLE locking) outside this
// store's scope.
func (s *SQLStore) Vacuum(ctx context.Context) error {
	if s.driver != "sqlite3" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("checkpoint: vacuum: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
