package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mesh-intelligence/qarun/internal/storetest"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const window = 800 * time.Millisecond

type fixture struct {
	spy   *storetest.Spy
	sched *ManualScheduler
	run   *types.TestRun
	buf   *Buffer
	errs  []error
}

// setupBuffer creates an OPEN feature run targeting A, B and C.
func setupBuffer(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{spy: storetest.NewSpy(nil), sched: NewManualScheduler()}

	run, err := f.spy.CreateRun(ctx, types.ScopeFeature,
		types.RunMetadata{ProjectID: "p1", FeatureID: "f1", RunBy: "qa"},
		[]string{"A", "B", "C"})
	require.NoError(t, err)
	f.run = run

	f.buf = New(run, Options{
		Store:     f.spy,
		Scheduler: f.sched,
		Window:    window,
		OnError:   func(err error) { f.errs = append(f.errs, err) },
	})
	t.Cleanup(f.buf.Dispose)
	return f
}

func evaluate(id string, e types.Evaluation) Edit {
	return Edit{Kind: EvaluateKnownCase, TestCaseID: id, Evaluation: e}
}

func TestBufferCoalescesEditsIntoOneBatch(t *testing.T) {
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	f.sched.Advance(300 * time.Millisecond)
	require.NoError(t, f.buf.Apply(evaluate("B", types.EvaluationNotWorking)))

	f.sched.Advance(window - time.Millisecond)
	assert.Empty(t, f.spy.Upserts(), "timer restarts on every edit")

	f.sched.Advance(time.Millisecond)
	calls := f.spy.Upserts()
	require.Len(t, calls, 1)
	want := []types.ResultUpsert{
		{TestCaseID: "A", Evaluation: types.EvaluationPassed},
		{TestCaseID: "B", Evaluation: types.EvaluationNotWorking},
	}
	if diff := cmp.Diff(want, calls[0].Batch); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}

	stable := f.buf.Stable()
	assert.Equal(t, types.EvaluationPassed, stable.Results["A"].Evaluation)
	assert.Empty(t, f.buf.Pending())
	assert.Equal(t, 2, f.buf.Coverage().ExecutedCases)
}

func TestBufferLastValueWins(t *testing.T) {
	f := setupBuffer(t)

	for _, e := range []types.Evaluation{types.EvaluationPassed, types.EvaluationNotWorking, types.EvaluationMinorIssue} {
		require.NoError(t, f.buf.Apply(evaluate("A", e)))
		f.sched.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, types.EvaluationMinorIssue, f.buf.View().Results["A"].Evaluation)

	f.sched.Advance(window)
	calls := f.spy.Upserts()
	require.Len(t, calls, 1)
	assert.Equal(t, []types.ResultUpsert{{TestCaseID: "A", Evaluation: types.EvaluationMinorIssue}}, calls[0].Batch)
}

func TestBufferRollbackOnFlushFailure(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	require.NoError(t, f.buf.Flush(ctx))

	f.spy.OnUpsert = func(string, []types.ResultUpsert) error {
		return errors.New("connection reset")
	}
	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationNotWorking)))
	assert.Equal(t, types.EvaluationNotWorking, f.buf.View().Results["A"].Evaluation, "optimistic")

	f.sched.Advance(window)

	assert.Equal(t, types.EvaluationPassed, f.buf.View().Results["A"].Evaluation, "reverted to stable")
	assert.Empty(t, f.buf.Pending(), "failed batch is not retried")
	assert.Equal(t, 0, f.buf.InFlight())
	require.Len(t, f.errs, 1)
	assert.ErrorIs(t, f.errs[0], types.ErrPersistence)

	f.sched.Advance(10 * window)
	assert.Len(t, f.spy.Upserts(), 2, "no automatic retry")
}

func TestBufferFlushFailureKeepsLaterEdits(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	f.spy.OnUpsert = func(string, []types.ResultUpsert) error {
		// Staged while the batch is on the wire.
		require.NoError(t, f.buf.Apply(evaluate("B", types.EvaluationPassed)))
		return errors.New("timeout")
	}
	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationNotWorking)))

	err := f.buf.Flush(ctx)
	require.ErrorIs(t, err, types.ErrPersistence)

	view := f.buf.View()
	_, hasA := view.Results["A"]
	assert.False(t, hasA, "failed batch rolled back")
	assert.Equal(t, types.EvaluationPassed, view.Results["B"].Evaluation, "later edit survives")
	assert.Equal(t, []types.ResultUpsert{{TestCaseID: "B", Evaluation: types.EvaluationPassed}}, f.buf.Pending())
}

func TestBufferCommentDuringFailedFlushDoesNotRevive(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	f.spy.OnUpsert = func(string, []types.ResultUpsert) error {
		require.NoError(t, f.buf.Apply(Edit{Kind: SetComment, TestCaseID: "A", Comment: "later note"}))
		return errors.New("timeout")
	}
	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationNotWorking)))

	require.ErrorIs(t, f.buf.Flush(ctx), types.ErrPersistence)

	view := f.buf.View()
	assert.Equal(t, types.EvaluationNone, view.Results["A"].Evaluation, "unconfirmed verdict rolled back")
	assert.Equal(t, "later note", view.Results["A"].Comment)
	assert.Equal(t, []types.ResultUpsert{{TestCaseID: "A", Comment: "later note"}}, f.buf.Pending())

	f.spy.OnUpsert = nil
	require.NoError(t, f.buf.Flush(ctx))
	assert.Len(t, f.spy.Upserts(), 1, "failed verdict is not re-sent")
}

func TestBufferEditsDuringFlushStartNewBatch(t *testing.T) {
	f := setupBuffer(t)

	first := true
	f.spy.OnUpsert = func(string, []types.ResultUpsert) error {
		if first {
			first = false
			assert.Equal(t, 1, f.buf.InFlight())
			require.NoError(t, f.buf.Apply(evaluate("B", types.EvaluationMinorIssue)))
		}
		return nil
	}
	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	f.sched.Advance(window)

	require.Len(t, f.spy.Upserts(), 1)
	view := f.buf.View()
	assert.Equal(t, types.EvaluationPassed, view.Results["A"].Evaluation)
	assert.Equal(t, types.EvaluationMinorIssue, view.Results["B"].Evaluation, "reconcile keeps edits staged after the cut")
	_, stableHasB := f.buf.Stable().Results["B"]
	assert.False(t, stableHasB)

	f.sched.Advance(window)
	calls := f.spy.Upserts()
	require.Len(t, calls, 2)
	assert.Equal(t, []types.ResultUpsert{{TestCaseID: "B", Evaluation: types.EvaluationMinorIssue}}, calls[1].Batch)
}

func TestBufferRejectsEditsOnClosedRun(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)
	closed := types.RunStatusClosed
	run, err := f.spy.UpdateRun(ctx, f.run.ID, types.RunUpdate{Status: &closed})
	require.NoError(t, err)
	f.spy.Reset()

	buf := New(run, Options{Store: f.spy, Scheduler: f.sched, Window: window})
	defer buf.Dispose()

	tests := []struct {
		name string
		edit Edit
	}{
		{"evaluate", evaluate("A", types.EvaluationPassed)},
		{"admit", Edit{Kind: EvaluateAndAdmitCase, TestCaseID: "D", Evaluation: types.EvaluationPassed}},
		{"comment", Edit{Kind: SetComment, TestCaseID: "A", Comment: "late"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buf.Apply(tt.edit)
			assert.ErrorIs(t, err, types.ErrInvalidState)
			assert.ErrorIs(t, err, types.ErrRunClosed)
		})
	}

	f.sched.Advance(10 * window)
	assert.Equal(t, 0, f.spy.Calls(), "no network call")
	assert.Equal(t, 0, f.sched.Pending())
}

func TestBufferApplyValidation(t *testing.T) {
	f := setupBuffer(t)

	tests := []struct {
		name    string
		edit    Edit
		wantErr error
	}{
		{"missing id", evaluate("", types.EvaluationPassed), types.ErrValidation},
		{"unknown evaluation", evaluate("A", "BROKEN"), types.ErrValidation},
		{"clearing evaluation", evaluate("A", types.EvaluationNone), types.ErrValidation},
		{"untargeted case", evaluate("D", types.EvaluationPassed), types.ErrNotTargeted},
		{"comment on untargeted case", Edit{Kind: SetComment, TestCaseID: "D", Comment: "x"}, types.ErrNotTargeted},
		{"unknown kind", Edit{TestCaseID: "A"}, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.buf.Apply(tt.edit), tt.wantErr)
		})
	}
	assert.Empty(t, f.buf.Pending())
	assert.Equal(t, 0, f.sched.Pending())
}

func TestBufferAdmitsUntargetedCase(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(Edit{Kind: EvaluateAndAdmitCase, TestCaseID: "D", Evaluation: types.EvaluationPassed}))
	assert.Equal(t, 4, f.buf.Coverage().TotalCases, "view grows before the flush")

	require.NoError(t, f.buf.Flush(ctx))
	stable := f.buf.Stable()
	assert.True(t, stable.HasTarget("D"))
	s := f.buf.Coverage()
	assert.Equal(t, 4, s.TotalCases)
	assert.Equal(t, 1, s.ExecutedCases)
	assert.Equal(t, 3, s.MissingCases)
}

func TestBufferCommentLock(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	err := f.buf.Apply(Edit{Kind: SetComment, TestCaseID: "A", Comment: "looks fine"})
	assert.ErrorIs(t, err, types.ErrCommentLocked)

	require.NoError(t, f.buf.Apply(evaluate("B", types.EvaluationNotWorking)))
	require.NoError(t, f.buf.Apply(Edit{Kind: SetComment, TestCaseID: "B", Comment: "500 on submit"}))
	require.NoError(t, f.buf.CommitComment(ctx, "B"))

	calls := f.spy.Upserts()
	require.Len(t, calls, 1, "blur commits without waiting for the window")
	want := []types.ResultUpsert{
		{TestCaseID: "A", Evaluation: types.EvaluationPassed},
		{TestCaseID: "B", Evaluation: types.EvaluationNotWorking, Comment: "500 on submit"},
	}
	if diff := cmp.Diff(want, calls[0].Batch); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, f.sched.Pending(), "flush cancels the timer")

	require.NoError(t, f.buf.CommitComment(ctx, "B"))
	assert.Len(t, f.spy.Upserts(), 1, "nothing staged, nothing sent")
}

func TestBufferCommentKeepsEvaluation(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationMinorIssue)))
	require.NoError(t, f.buf.Flush(ctx))

	require.NoError(t, f.buf.Apply(Edit{Kind: SetComment, TestCaseID: "A", Comment: "slow"}))
	require.NoError(t, f.buf.Flush(ctx))

	calls := f.spy.Upserts()
	require.Len(t, calls, 2)
	assert.Equal(t, []types.ResultUpsert{{TestCaseID: "A", Evaluation: types.EvaluationMinorIssue, Comment: "slow"}}, calls[1].Batch)
	assert.Equal(t, "slow", f.buf.Stable().Results["A"].Comment)
}

func TestBufferCommentBeforeEvaluationWaits(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(Edit{Kind: SetComment, TestCaseID: "C", Comment: "flaky login"}))
	require.NoError(t, f.buf.Flush(ctx))
	assert.Empty(t, f.spy.Upserts(), "no row without an evaluation")
	require.Len(t, f.buf.Pending(), 1)
	assert.Equal(t, "flaky login", f.buf.View().Results["C"].Comment)

	require.NoError(t, f.buf.Apply(evaluate("C", types.EvaluationNotWorking)))
	require.NoError(t, f.buf.Flush(ctx))
	calls := f.spy.Upserts()
	require.Len(t, calls, 1)
	assert.Equal(t, []types.ResultUpsert{{TestCaseID: "C", Evaluation: types.EvaluationNotWorking, Comment: "flaky login"}}, calls[0].Batch)
}

func TestBufferDispose(t *testing.T) {
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	f.buf.Dispose()
	f.sched.Advance(10 * window)

	assert.Empty(t, f.spy.Upserts(), "timer cancelled")
	assert.ErrorIs(t, f.buf.Apply(evaluate("B", types.EvaluationPassed)), types.ErrDisposed)
}

func TestBufferRollbackAndDiscard(t *testing.T) {
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	require.NoError(t, f.buf.Apply(evaluate("B", types.EvaluationPassed)))

	f.buf.Discard("A")
	_, hasA := f.buf.View().Results["A"]
	assert.False(t, hasA)
	assert.Len(t, f.buf.Pending(), 1)

	f.buf.Rollback()
	assert.Empty(t, f.buf.Pending())
	assert.Empty(t, f.buf.View().Results)
	assert.Equal(t, 0, f.sched.Pending())

	f.sched.Advance(window)
	assert.Empty(t, f.spy.Upserts())
}

func TestBufferReconcileClosedRunDropsPending(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	closed := types.RunStatusClosed
	run, err := f.spy.UpdateRun(ctx, f.run.ID, types.RunUpdate{Status: &closed})
	require.NoError(t, err)

	f.buf.Reconcile(run)
	assert.Empty(t, f.buf.Pending())
	assert.False(t, f.buf.View().IsOpen())
	assert.ErrorIs(t, f.buf.Apply(evaluate("B", types.EvaluationPassed)), types.ErrRunClosed)
}

func TestBufferSubscribe(t *testing.T) {
	ctx := context.Background()
	f := setupBuffer(t)

	var got []Snapshot
	cancel := f.buf.Subscribe(func(s Snapshot) { got = append(got, s) })

	require.NoError(t, f.buf.Apply(evaluate("A", types.EvaluationPassed)))
	require.NoError(t, f.buf.Flush(ctx))
	require.Len(t, got, 2, "one for the optimistic edit, one for the reconcile")
	assert.Equal(t, 1, got[1].Coverage.Passed)
	assert.InDelta(t, 1.0/3.0, got[1].Coverage.PassRate, 1e-9)

	cancel()
	require.NoError(t, f.buf.Apply(evaluate("B", types.EvaluationPassed)))
	assert.Len(t, got, 2)
}

func TestSystemSchedulerFlushes(t *testing.T) {
	f := setupBuffer(t)
	done := make(chan struct{})
	buf := New(f.run, Options{Store: f.spy, Window: 10 * time.Millisecond})
	defer buf.Dispose()
	buf.Subscribe(func(s Snapshot) {
		if len(s.Run.Results) == 1 && buf.InFlight() == 0 && len(f.spy.Upserts()) == 1 {
			close(done)
		}
	})

	require.NoError(t, buf.Apply(evaluate("A", types.EvaluationPassed)))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush did not happen")
	}
}
