// Package buffer absorbs rapid per-test-case result edits for one run.
//
// Edits are applied to an optimistic view immediately and coalesced into a
// pending map. A debounce timer, restarted by every edit, flushes the pending
// map as a single batched upsert. On success the stable snapshot becomes the
// server's authoritative run; on failure the view falls back to the stable
// snapshot plus any edits staged after the failed batch was cut.
package buffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// DefaultWindow is the debounce window used when Options.Window is zero.
const DefaultWindow = 800 * time.Millisecond

// Kind tags an edit command.
type Kind int

// Edit kinds. EvaluateKnownCase requires the case to be targeted;
// EvaluateAndAdmitCase grows the target set to include it.
const (
	EvaluateKnownCase Kind = iota + 1
	EvaluateAndAdmitCase
	SetComment
)

func (k Kind) String() string {
	switch k {
	case EvaluateKnownCase:
		return "evaluate"
	case EvaluateAndAdmitCase:
		return "evaluate-and-admit"
	case SetComment:
		return "set-comment"
	default:
		return "unknown"
	}
}

// Edit is one local mutation command.
type Edit struct {
	Kind       Kind
	TestCaseID string
	Evaluation types.Evaluation
	Comment    string
}

// Snapshot is what subscribers receive after every change to the view.
type Snapshot struct {
	Run      *types.TestRun
	Coverage coverage.Summary
}

// Options configures a Buffer.
type Options struct {
	Store     types.ResultWriter
	Scheduler Scheduler
	Window    time.Duration
	Logger    *zap.Logger

	// OnError receives flush failures, including those of timer-driven
	// flushes that have no caller to return to.
	OnError func(error)
}

// entry is the pending state of one test case.
type entry struct {
	evaluation types.Evaluation
	comment    *string
	admitted   bool
}

// Buffer owns {stable, pending, inFlight} for one run.
type Buffer struct {
	store   types.ResultWriter
	sched   Scheduler
	window  time.Duration
	log     *zap.Logger
	onError func(error)

	// flushMu serializes flushes so only one batch is in flight.
	flushMu sync.Mutex

	mu          sync.Mutex
	stable      *types.TestRun
	view        *types.TestRun
	pending     map[string]*entry
	order       []string
	inFlight    int
	timer       Timer
	disposed    bool
	subscribers map[int]func(Snapshot)
	nextSub     int
}

// New returns a Buffer seeded with the server-confirmed run.
func New(run *types.TestRun, opts Options) *Buffer {
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler{}
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Buffer{
		store:       opts.Store,
		sched:       opts.Scheduler,
		window:      opts.Window,
		log:         opts.Logger.With(zap.String("run_id", run.ID)),
		onError:     opts.OnError,
		stable:      run.Clone(),
		pending:     make(map[string]*entry),
		subscribers: make(map[int]func(Snapshot)),
	}
	b.view = b.stable.Clone()
	return b
}

// Subscribe registers fn to receive a snapshot after every view change.
// The returned func removes the subscription.
func (b *Buffer) Subscribe(fn func(Snapshot)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Apply stages an edit, updates the optimistic view and restarts the
// debounce timer. Edits to the same case within a window coalesce to the
// last value.
func (b *Buffer) Apply(e Edit) error {
	b.mu.Lock()
	if err := b.checkEditableLocked(e.Kind.String()); err != nil {
		b.mu.Unlock()
		return err
	}
	if e.TestCaseID == "" {
		b.mu.Unlock()
		return types.NewValidationError("test_case_id", "required")
	}

	switch e.Kind {
	case EvaluateKnownCase, EvaluateAndAdmitCase:
		if !e.Evaluation.Valid() {
			b.mu.Unlock()
			return types.NewValidationError("evaluation", "unknown value "+string(e.Evaluation))
		}
		if e.Kind == EvaluateKnownCase && !b.view.HasTarget(e.TestCaseID) {
			b.mu.Unlock()
			return types.NewInvalidStateError(e.Kind.String(), b.stable.ID, types.ErrNotTargeted)
		}
		ent := b.entryLocked(e.TestCaseID)
		ent.evaluation = e.Evaluation
		if e.Kind == EvaluateAndAdmitCase && !b.view.HasTarget(e.TestCaseID) {
			ent.admitted = true
			b.log.Debug("admitting untargeted case", zap.String("test_case_id", e.TestCaseID))
		}
	case SetComment:
		if !b.view.HasTarget(e.TestCaseID) {
			b.mu.Unlock()
			return types.NewInvalidStateError(e.Kind.String(), b.stable.ID, types.ErrNotTargeted)
		}
		current := b.view.Results[e.TestCaseID]
		if current.CommentLocked() {
			b.mu.Unlock()
			return types.NewInvalidStateError(e.Kind.String(), b.stable.ID, types.ErrCommentLocked)
		}
		ent := b.entryLocked(e.TestCaseID)
		comment := e.Comment
		ent.comment = &comment
	default:
		b.mu.Unlock()
		return types.NewValidationError("kind", "unknown edit kind")
	}

	applyEntry(b.view, e.TestCaseID, b.pending[e.TestCaseID])
	b.scheduleLocked()
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()

	notify(subs, snap)
	return nil
}

// CommitComment flushes immediately. Comment fields commit on blur rather
// than waiting for the debounce window.
func (b *Buffer) CommitComment(ctx context.Context, testCaseID string) error {
	b.mu.Lock()
	_, staged := b.pending[testCaseID]
	b.mu.Unlock()
	if !staged {
		return nil
	}
	return b.Flush(ctx)
}

// Flush sends the pending edits as one batch. Entries without an evaluation
// are not sent and stay pending. Flush returns a PersistenceError when the
// store call fails; the view is then restored to the stable snapshot plus
// edits staged after the batch was cut.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.stopTimerLocked()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch, order := b.pending, b.order
	b.pending, b.order = make(map[string]*entry), nil

	var upserts []types.ResultUpsert
	for _, id := range order {
		ent := batch[id]
		eval := ent.evaluation
		if !eval.IsSet() {
			// A comment-only entry rides on the confirmed verdict, never on
			// one that is still unconfirmed.
			eval = b.stable.Results[id].Evaluation
		}
		if !eval.IsSet() {
			// Comment typed before any verdict: keep it for a later batch.
			b.mergeBackLocked(id, ent)
			continue
		}
		u := types.ResultUpsert{TestCaseID: id, Evaluation: eval}
		if ent.comment != nil {
			u.Comment = *ent.comment
		} else {
			u.Comment = b.stable.Results[id].Comment
		}
		upserts = append(upserts, u)
	}
	if len(upserts) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.inFlight = len(upserts)
	runID := b.stable.ID
	b.mu.Unlock()

	b.log.Debug("flushing results", zap.Int("batch", len(upserts)))
	start := time.Now()
	run, err := b.store.UpsertResults(ctx, runID, upserts)

	b.mu.Lock()
	b.inFlight = 0
	if err == nil && run == nil {
		err = types.ErrInvalidData
	}
	if err != nil {
		err = types.NewPersistenceError("upsert results", err)
		b.rebuildViewLocked()
		snap, subs := b.snapshotLocked()
		onError := b.onError
		b.mu.Unlock()

		b.log.Warn("flush failed, rolled back to stable snapshot",
			zap.Int("batch", len(upserts)), zap.Error(err))
		notify(subs, snap)
		if onError != nil {
			onError(err)
		}
		return err
	}
	b.stable = run.Clone()
	b.rebuildViewLocked()
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()

	b.log.Info("results flushed",
		zap.Int("batch", len(upserts)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("executed", snap.Coverage.ExecutedCases),
		zap.Int("missing", snap.Coverage.MissingCases))
	notify(subs, snap)
	return nil
}

// Reconcile replaces the stable snapshot with an authoritative run fetched
// or returned outside a flush, then replays pending edits on top. If the run
// is closed, pending edits can no longer apply and are dropped.
func (b *Buffer) Reconcile(run *types.TestRun) {
	b.mu.Lock()
	b.stable = run.Clone()
	if !b.stable.IsOpen() && len(b.pending) > 0 {
		b.log.Warn("dropping pending edits on closed run", zap.Int("pending", len(b.pending)))
		b.pending, b.order = make(map[string]*entry), nil
		b.stopTimerLocked()
	}
	b.rebuildViewLocked()
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()

	notify(subs, snap)
}

// Rollback discards every pending edit and restores the view to the stable
// snapshot.
func (b *Buffer) Rollback() {
	b.mu.Lock()
	b.stopTimerLocked()
	b.pending, b.order = make(map[string]*entry), nil
	b.rebuildViewLocked()
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()

	notify(subs, snap)
}

// Discard drops pending edits for one case.
func (b *Buffer) Discard(testCaseID string) {
	b.mu.Lock()
	if _, ok := b.pending[testCaseID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, testCaseID)
	b.order = removeID(b.order, testCaseID)
	if len(b.pending) == 0 {
		b.stopTimerLocked()
	}
	b.rebuildViewLocked()
	snap, subs := b.snapshotLocked()
	b.mu.Unlock()

	notify(subs, snap)
}

// Dispose cancels the debounce timer. A timer that already fired becomes a
// no-op, and further edits are rejected. Pending edits are not flushed.
func (b *Buffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
	b.stopTimerLocked()
	b.subscribers = make(map[int]func(Snapshot))
}

// View returns a copy of the optimistic run.
func (b *Buffer) View() *types.TestRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view.Clone()
}

// Stable returns a copy of the last server-confirmed run.
func (b *Buffer) Stable() *types.TestRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stable.Clone()
}

// Coverage returns the metrics of the optimistic view.
func (b *Buffer) Coverage() coverage.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return coverage.ForRun(b.view)
}

// Pending returns the staged edits in submission order. Evaluation is empty
// for comment-only entries.
func (b *Buffer) Pending() []types.ResultUpsert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.ResultUpsert, 0, len(b.order))
	for _, id := range b.order {
		ent := b.pending[id]
		u := types.ResultUpsert{TestCaseID: id, Evaluation: ent.evaluation}
		if ent.comment != nil {
			u.Comment = *ent.comment
		}
		out = append(out, u)
	}
	return out
}

// InFlight returns the size of the batch currently being sent, or zero.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

func (b *Buffer) checkEditableLocked(op string) error {
	if b.disposed {
		return types.NewInvalidStateError(op, b.stable.ID, types.ErrDisposed)
	}
	if !b.view.IsOpen() {
		return types.NewInvalidStateError(op, b.stable.ID, types.ErrRunClosed)
	}
	return nil
}

func (b *Buffer) entryLocked(id string) *entry {
	ent, ok := b.pending[id]
	if !ok {
		ent = &entry{}
		b.pending[id] = ent
		b.order = append(b.order, id)
	}
	return ent
}

// mergeBackLocked returns an unsent entry to the pending map. Fields staged
// after the cut win.
func (b *Buffer) mergeBackLocked(id string, old *entry) {
	cur, ok := b.pending[id]
	if !ok {
		b.pending[id] = old
		b.order = append(b.order, id)
		return
	}
	if !cur.evaluation.IsSet() {
		cur.evaluation = old.evaluation
	}
	if cur.comment == nil {
		cur.comment = old.comment
	}
	cur.admitted = cur.admitted || old.admitted
}

func (b *Buffer) scheduleLocked() {
	b.stopTimerLocked()
	b.timer = b.sched.AfterFunc(b.window, b.onTimer)
}

func (b *Buffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Buffer) onTimer() {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return
	}
	// Errors reach OnError from inside Flush.
	_ = b.Flush(context.Background())
}

func (b *Buffer) rebuildViewLocked() {
	b.view = b.stable.Clone()
	if !b.view.IsOpen() {
		return
	}
	for _, id := range b.order {
		applyEntry(b.view, id, b.pending[id])
	}
}

func (b *Buffer) snapshotLocked() (Snapshot, []func(Snapshot)) {
	if len(b.subscribers) == 0 {
		return Snapshot{}, nil
	}
	subs := make([]func(Snapshot), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	view := b.view.Clone()
	return Snapshot{Run: view, Coverage: coverage.ForRun(view)}, subs
}

// applyEntry merges a pending entry into the optimistic run.
func applyEntry(view *types.TestRun, id string, ent *entry) {
	if ent == nil {
		return
	}
	if ent.admitted || ent.evaluation.IsSet() {
		_ = view.AddTarget(id)
	}
	res := view.Results[id]
	res.TestCaseID = id
	if ent.evaluation.IsSet() {
		res.Evaluation = ent.evaluation
	}
	if ent.comment != nil {
		res.Comment = *ent.comment
	}
	view.Results[id] = res
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
