// Package lifecycle owns the OPEN → CLOSED state machine of test runs: run
// creation from a target selection, target-set membership, and the
// flush-before-close sequence of an editing session.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/buffer"
	"github.com/mesh-intelligence/qarun/internal/catalog"
	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Store is the slice of the persistence API the manager needs.
type Store interface {
	types.RunStore
	catalog.Store
}

// RunSpec describes a run to create.
type RunSpec struct {
	Scope     types.Scope
	Selection catalog.TargetSelection
	Metadata  types.RunMetadata
}

// Options configures a Manager. Zero values select the buffer defaults.
type Options struct {
	Scheduler buffer.Scheduler
	Window    time.Duration
	Logger    *zap.Logger

	// OnError receives flush failures of every session the manager opens.
	OnError func(runID string, err error)

	// OnDiscard receives the case ids whose comments were dropped on close
	// because the case never got an evaluation.
	OnDiscard func(runID string, testCaseIDs []string)
}

// Manager creates runs and opens editing sessions on them.
type Manager struct {
	store   Store
	catalog *catalog.Catalog
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// NewManager returns a Manager over store.
func NewManager(store Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		catalog: catalog.New(store, opts.Logger),
		opts:    opts,
		log:     opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Catalog returns the test case catalog backed by the manager's store.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// CreateRun validates spec, resolves its target set and stores a new OPEN run
// with no results. Nothing is written when validation fails.
func (m *Manager) CreateRun(ctx context.Context, spec RunSpec) (*types.TestRun, error) {
	meta := spec.Metadata
	if spec.Scope == types.ScopeFeature && strings.TrimSpace(meta.Name) == "" {
		date := meta.RunDate
		if date.IsZero() {
			date = m.now()
		}
		meta.Name = "Run " + date.Format(time.DateOnly)
	}
	if err := meta.Validate(spec.Scope); err != nil {
		return nil, err
	}

	sel := spec.Selection
	if spec.Scope == types.ScopeFeature {
		if _, err := m.store.GetFeature(ctx, meta.FeatureID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, types.NewValidationError("feature_id", "unknown feature "+meta.FeatureID)
			}
			return nil, types.NewPersistenceError("get feature", err)
		}
		// Feature runs only target cases of their own feature.
		sel.FeatureID = meta.FeatureID
	}

	targets, err := m.catalog.ResolveTargets(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, types.NewValidationError("targets", "selection resolves to no test cases")
	}

	run, err := m.store.CreateRun(ctx, spec.Scope, meta, targets)
	if err != nil {
		return nil, types.NewPersistenceError("create run", err)
	}
	m.log.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("scope", string(run.Scope)),
		zap.Int("targets", len(run.TargetTestCaseIDs)))
	return run, nil
}

// Get returns the authoritative run and its coverage.
func (m *Manager) Get(ctx context.Context, runID string) (*types.TestRun, coverage.Summary, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, coverage.Summary{}, types.NewPersistenceError("get run", err)
	}
	return run, coverage.ForRun(run), nil
}

// Missing returns the run's targets without a result, with display metadata.
func (m *Manager) Missing(ctx context.Context, run *types.TestRun) ([]coverage.MissingCase, error) {
	s := coverage.ForRun(run)
	lookup, err := m.catalog.Lookup(ctx, s.MissingIDs)
	if err != nil {
		return nil, err
	}
	return coverage.Describe(s, lookup), nil
}

// Open loads a run and returns an editing session around it. The caller must
// Dispose the session.
func (m *Manager) Open(ctx context.Context, runID string) (*Session, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, types.NewPersistenceError("get run", err)
	}
	log := m.log.With(zap.String("run_id", run.ID))
	var onError func(error)
	if m.opts.OnError != nil {
		onError = func(err error) { m.opts.OnError(run.ID, err) }
	}
	buf := buffer.New(run, buffer.Options{
		Store:     m.store,
		Scheduler: m.opts.Scheduler,
		Window:    m.opts.Window,
		Logger:    m.log,
		OnError:   onError,
	})
	return &Session{runID: run.ID, store: m.store, buf: buf, log: log, onDiscard: m.opts.OnDiscard}, nil
}

// Close opens a session on runID, closes the run and disposes the session.
func (m *Manager) Close(ctx context.Context, runID string) (*types.TestRun, error) {
	s, err := m.Open(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer s.Dispose()
	return s.Close(ctx)
}
