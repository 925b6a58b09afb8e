// Package sqlite provides the public API for the SQLite store.
// This package exposes the factory function while keeping implementation
// details internal.
package sqlite

import (
	"context"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/sqlite"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// ErrLocked is returned by Open when another process holds the data
// directory.
var ErrLocked = sqlite.ErrLocked

// SnapshotCounts reports how many records an export or import handled.
type SnapshotCounts = sqlite.SnapshotCounts

// Store is a types.Store backed by one SQLite database. Close releases the
// database and the directory lock.
type Store interface {
	types.Store
	Export(ctx context.Context, dir string) (SnapshotCounts, error)
	Import(ctx context.Context, dir string) (SnapshotCounts, error)
	Close() error
}

// Open opens (creating if needed) the store in dataDir. A nil logger
// disables logging.
//
// Example:
//
//	store, err := sqlite.Open(".qarun", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(dataDir string, log *zap.Logger) (Store, error) {
	s, err := sqlite.Open(dataDir, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}
