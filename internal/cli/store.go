package cli

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/dashboard"
	"github.com/mesh-intelligence/qarun/internal/httpapi"
	"github.com/mesh-intelligence/qarun/internal/lifecycle"
	"github.com/mesh-intelligence/qarun/internal/memstore"
	"github.com/mesh-intelligence/qarun/internal/paths"
	"github.com/mesh-intelligence/qarun/pkg/sqlite"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// storeHandle is the store a command works against and what must be
// released afterwards.
type storeHandle struct {
	types.Store
	// local is set for the sqlite backend only.
	local sqlite.Store
}

// Close releases the sqlite store, if any.
func (h *storeHandle) Close() error {
	if h.local == nil {
		return nil
	}
	return h.local.Close()
}

// store opens the configured backend once per command.
func (a *app) store() (*storeHandle, error) {
	if a.stores != nil {
		return a.stores, nil
	}

	var h *storeHandle
	switch a.cfg.Backend {
	case types.BackendSQLite:
		dir, err := paths.ResolveDataDir(a.flags.dataDir, a.cfg.DataDir)
		if err != nil {
			return nil, systemError(fmt.Errorf("resolve data dir: %w", err))
		}
		s, err := sqlite.Open(dir, a.log)
		if err != nil {
			return nil, systemError(fmt.Errorf("open store: %w", err))
		}
		h = &storeHandle{Store: s, local: s}
	case types.BackendHTTP:
		c, err := httpapi.NewClient(a.cfg.APIURL, httpapi.ClientOptions{
			Timeout: a.cfg.HTTPTimeout(),
			Logger:  a.log,
		})
		if err != nil {
			return nil, userError(err)
		}
		h = &storeHandle{Store: c}
	case types.BackendMemory:
		h = &storeHandle{Store: memstore.New()}
	default:
		return nil, userError(fmt.Errorf("%w: %s", types.ErrBackendUnknown, a.cfg.Backend))
	}

	a.log.Debug("store opened", zap.String("backend", a.cfg.Backend))
	a.stores = h
	return h, nil
}

// manager returns a lifecycle manager over the configured store. Flush
// failures are logged; commands flush explicitly and report the error.
func (a *app) manager() (*lifecycle.Manager, error) {
	s, err := a.store()
	if err != nil {
		return nil, err
	}
	return lifecycle.NewManager(s, lifecycle.Options{
		Window: a.cfg.DebounceWindow(),
		Logger: a.log,
		OnError: func(runID string, err error) {
			a.log.Warn("flush failed", zap.String("run_id", runID), zap.Error(err))
		},
		OnDiscard: func(runID string, ids []string) {
			fmt.Fprintf(a.stderr, "warning: run %s: discarded comments without an evaluation: %s\n",
				runID, strings.Join(ids, ", "))
		},
	}), nil
}

// aggregator returns a dashboard aggregator over the configured store.
func (a *app) aggregator() (*dashboard.Aggregator, error) {
	s, err := a.store()
	if err != nil {
		return nil, err
	}
	return dashboard.New(s, dashboard.Options{PageSize: a.cfg.PageSize, Logger: a.log}), nil
}
