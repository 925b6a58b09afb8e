// Package sqlite is the reference implementation of the persistence API.
//
// One SQLite database per data directory holds modules, features, test cases
// and runs. The schema is versioned with embedded migrations. A lock file
// keeps a second process from opening the same directory. Run mutations load
// the run, apply the change through the entity methods and write it back in
// one transaction, so CLOSED immutability is enforced here exactly as it is
// on the client side.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

// File names inside the data directory.
const (
	DBFile   = "qarun.db"
	LockFile = "qarun.lock"
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrLocked is returned by Open when another process holds the data
// directory.
var ErrLocked = errors.New("data directory is in use by another process")

var _ types.Store = (*Store)(nil)

// Store implements types.Store on SQLite.
type Store struct {
	db   *sql.DB
	dir  string
	lock *flock.Flock
	log  *zap.Logger
	now  func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates dataDir if needed, locks it, opens the database and applies
// pending migrations.
func Open(dataDir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking data dir: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	dsn := "file:" + filepath.Join(dataDir, DBFile) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	log.Debug("sqlite store opened", zap.String("data_dir", dataDir))
	return &Store{
		db:   db,
		dir:  dataDir,
		lock: lock,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database and releases the directory lock. Close is
// idempotent.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// DataDir returns the directory the store was opened on.
func (s *Store) DataDir() string {
	return s.dir
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	return schemaVersion(s.db)
}

// withTx runs fn in a transaction and commits if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// newID generates a UUID v7 for entity IDs.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
