package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/buffer"
	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Session is one evaluator's editing context on one run. Result edits go
// through the session's buffer; target-set changes and close go straight to
// the store and are reconciled into the buffer.
type Session struct {
	runID string
	store Store
	buf   *buffer.Buffer
	log   *zap.Logger

	onDiscard func(runID string, testCaseIDs []string)
}

// RunID returns the id of the run being edited.
func (s *Session) RunID() string {
	return s.runID
}

// AddTargetCase inserts id into the target set. It is a no-op when id is
// already targeted.
func (s *Session) AddTargetCase(ctx context.Context, id string) error {
	view := s.buf.View()
	if !view.IsOpen() {
		return types.NewInvalidStateError("add target", s.runID, types.ErrRunClosed)
	}
	if id == "" {
		return types.NewValidationError("test_case_id", "required")
	}
	if s.buf.Stable().HasTarget(id) {
		return nil
	}
	run, err := s.store.UpdateRun(ctx, s.runID, types.RunUpdate{AddTargets: []string{id}})
	if err != nil {
		return types.NewPersistenceError("add target", err)
	}
	s.buf.Reconcile(run)
	s.log.Debug("target added", zap.String("test_case_id", id))
	return nil
}

// RemoveTargetCase removes id from the target set and discards its result,
// including edits still buffered for it.
func (s *Session) RemoveTargetCase(ctx context.Context, id string) error {
	view := s.buf.View()
	if !view.IsOpen() {
		return types.NewInvalidStateError("remove target", s.runID, types.ErrRunClosed)
	}
	if id == "" {
		return types.NewValidationError("test_case_id", "required")
	}
	s.buf.Discard(id)

	stable := s.buf.Stable()
	if _, hasResult := stable.Results[id]; !stable.HasTarget(id) && !hasResult {
		return nil
	}
	run, err := s.store.UpdateRun(ctx, s.runID, types.RunUpdate{RemoveTargets: []string{id}})
	if err != nil {
		return types.NewPersistenceError("remove target", err)
	}
	s.buf.Reconcile(run)
	s.log.Debug("target removed", zap.String("test_case_id", id))
	return nil
}

// Evaluate stages an evaluation. A case outside the target set is admitted
// into it.
func (s *Session) Evaluate(id string, e types.Evaluation) error {
	kind := buffer.EvaluateKnownCase
	if !s.buf.View().HasTarget(id) {
		kind = buffer.EvaluateAndAdmitCase
	}
	return s.buf.Apply(buffer.Edit{Kind: kind, TestCaseID: id, Evaluation: e})
}

// SetComment stages a comment. It is rejected while the case is PASSED.
func (s *Session) SetComment(id, comment string) error {
	return s.buf.Apply(buffer.Edit{Kind: buffer.SetComment, TestCaseID: id, Comment: comment})
}

// CommitComment sends a staged comment without waiting for the debounce
// window.
func (s *Session) CommitComment(ctx context.Context, id string) error {
	return s.buf.CommitComment(ctx, id)
}

// Flush sends every pending edit now.
func (s *Session) Flush(ctx context.Context) error {
	return s.buf.Flush(ctx)
}

// Run returns the optimistic view of the run.
func (s *Session) Run() *types.TestRun {
	return s.buf.View()
}

// Coverage returns the metrics of the optimistic view.
func (s *Session) Coverage() coverage.Summary {
	return s.buf.Coverage()
}

// Subscribe registers fn for every change to the run view.
func (s *Session) Subscribe(fn func(buffer.Snapshot)) (cancel func()) {
	return s.buf.Subscribe(fn)
}

// Close flushes pending edits, grows the target set to cover every result
// and transitions the run to CLOSED. Comments on cases that never got an
// evaluation cannot be stored; their ids go to Options.OnDiscard. If the
// flush or the status update fails, the run stays OPEN and the error is
// returned.
func (s *Session) Close(ctx context.Context) (*types.TestRun, error) {
	if !s.buf.View().IsOpen() {
		return nil, types.NewInvalidStateError("close", s.runID, types.ErrRunClosed)
	}
	if err := s.buf.Flush(ctx); err != nil {
		s.log.Warn("close aborted, flush failed", zap.Error(err))
		return nil, err
	}
	if left := s.buf.Pending(); len(left) > 0 {
		dropped := make([]string, 0, len(left))
		for _, u := range left {
			dropped = append(dropped, u.TestCaseID)
		}
		s.log.Warn("discarding comments without an evaluation", zap.Strings("test_case_ids", dropped))
		if s.onDiscard != nil {
			s.onDiscard(s.runID, dropped)
		}
	}

	stable := s.buf.Stable()
	closed := types.RunStatusClosed
	update := types.RunUpdate{Status: &closed, AddTargets: stable.OrphanResultIDs()}
	run, err := s.store.UpdateRun(ctx, s.runID, update)
	if err != nil {
		err = types.NewPersistenceError("close run", err)
		s.log.Warn("close failed, run stays open", zap.Error(err))
		return nil, err
	}
	s.buf.Reconcile(run)

	sum := coverage.ForRun(run)
	s.log.Info("run closed",
		zap.Int("orphans_reconciled", len(update.AddTargets)),
		zap.Int("total", sum.TotalCases),
		zap.Int("executed", sum.ExecutedCases),
		zap.Int("pass_rate_pct", coverage.Percent(sum.PassRate)))
	return run.Clone(), nil
}

// Dispose cancels the debounce timer. Pending edits are not flushed.
func (s *Session) Dispose() {
	s.buf.Dispose()
}
