// Package persistence records batch run history and agent performance in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/swarm/internal/agent"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Batch is the stored summary of one ExecuteTasks call.
type Batch struct {
	ID         string
	Total      int
	Completed  int
	Failed     int
	Outcome    string // "completed", "failed" or "" while running
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskRun is the stored outcome of one task within a batch.
type TaskRun struct {
	BatchID   string
	TaskID    string
	Name      string
	AgentID   string
	Status    string
	Wave      int
	Output    string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Store defines the persistence interface for run history and agent performance.
type Store interface {
	// Batches
	StartBatch(ctx context.Context, batchID string, total int) error
	FinishBatch(ctx context.Context, batchID, outcome string, completed, failed int, batchErr error) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*Batch, error)

	// Task runs
	RecordTaskRun(ctx context.Context, run TaskRun) error
	ListTaskRuns(ctx context.Context, batchID string) ([]TaskRun, error)

	// Agent performance
	RecordOutcome(ctx context.Context, agentID string, success bool) error
	LoadPerformance(ctx context.Context) ([]agent.Performance, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite applies only _pragma parameters; mattn-style keys are ignored
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named shared-cache database, so connections of one
// store see the same data and separate stores never do.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:swarm-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries
	db.SetMaxOpenConns(2)

	// _pragma covers new connections; this covers the one opened now.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
