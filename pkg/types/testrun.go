package types

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Scope says whether a run targets one feature or a whole project.
type Scope string

// Run scopes.
const (
	ScopeFeature Scope = "FEATURE"
	ScopeProject Scope = "PROJECT"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeFeature || s == ScopeProject
}

// RunStatus is the state of a run. OPEN is initial, CLOSED is terminal.
type RunStatus string

// Run states.
const (
	RunStatusOpen   RunStatus = "OPEN"
	RunStatusClosed RunStatus = "CLOSED"
)

// TestRun is one dated execution pass over a target set of test cases.
//
// Entity methods modify the struct in memory. Stores call the same methods so
// that CLOSED immutability is enforced on both sides of the wire.
type TestRun struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	Scope             Scope             `json:"scope"`
	FeatureID         string            `json:"feature_id,omitempty"`
	Name              string            `json:"name"`
	Environment       string            `json:"environment"`
	Notes             string            `json:"notes"`
	RunBy             string            `json:"run_by"`
	RunDate           time.Time         `json:"run_date"`
	Status            RunStatus         `json:"status"`
	TargetTestCaseIDs []string          `json:"target_test_case_ids"`
	Results           map[string]Result `json:"results"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// RunMetadata carries the descriptive fields supplied at run creation.
type RunMetadata struct {
	ProjectID   string    `json:"project_id"`
	FeatureID   string    `json:"feature_id,omitempty"`
	Name        string    `json:"name"`
	Environment string    `json:"environment"`
	Notes       string    `json:"notes"`
	RunBy       string    `json:"run_by"`
	RunDate     time.Time `json:"run_date"`
}

// Validate checks the metadata required for scope.
func (m RunMetadata) Validate(scope Scope) error {
	switch scope {
	case ScopeFeature:
		if m.FeatureID == "" {
			return NewValidationError("feature_id", "required for feature-scope runs")
		}
	case ScopeProject:
		if m.FeatureID != "" {
			return NewValidationError("feature_id", "must be empty for project-scope runs")
		}
		if strings.TrimSpace(m.Name) == "" {
			return NewValidationError("name", "required for project-scope runs")
		}
		if strings.TrimSpace(m.Environment) == "" {
			return NewValidationError("environment", "required for project-scope runs")
		}
	default:
		return NewValidationError("scope", "unknown scope "+string(scope))
	}
	if m.ProjectID == "" {
		return NewValidationError("project_id", "required")
	}
	return nil
}

// RunUpdate is a partial run mutation. Targets are added before removals are
// applied, and the status change is applied last.
type RunUpdate struct {
	Status        *RunStatus     `json:"status,omitempty"`
	AddTargets    []string       `json:"add_targets,omitempty"`
	RemoveTargets []string       `json:"remove_targets,omitempty"`
	Results       []ResultUpsert `json:"results,omitempty"`
}

// RunFilter selects runs for listing. Empty fields match everything.
type RunFilter struct {
	ProjectID string    `json:"project_id,omitempty"`
	FeatureID string    `json:"feature_id,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
}

// NewTestRun builds an OPEN run with an empty result set and the given
// targets (deduplicated, order preserved).
func NewTestRun(scope Scope, meta RunMetadata, targets []string) *TestRun {
	r := &TestRun{
		ProjectID:   meta.ProjectID,
		Scope:       scope,
		FeatureID:   meta.FeatureID,
		Name:        meta.Name,
		Environment: meta.Environment,
		Notes:       meta.Notes,
		RunBy:       meta.RunBy,
		RunDate:     meta.RunDate,
		Status:      RunStatusOpen,
		Results:     make(map[string]Result),
	}
	for _, id := range targets {
		r.insertTarget(id)
	}
	if r.TargetTestCaseIDs == nil {
		r.TargetTestCaseIDs = []string{}
	}
	return r
}

// IsOpen reports whether the run still accepts mutations.
func (r *TestRun) IsOpen() bool {
	return r.Status == RunStatusOpen
}

// HasTarget reports whether id is in the target set.
func (r *TestRun) HasTarget(id string) bool {
	return slices.Contains(r.TargetTestCaseIDs, id)
}

// AddTarget inserts id into the target set. No-op if already present. Does
// not create a result.
func (r *TestRun) AddTarget(id string) error {
	if err := r.checkOpen("add target"); err != nil {
		return err
	}
	if id == "" {
		return ErrInvalidID
	}
	if r.insertTarget(id) {
		r.UpdatedAt = time.Now()
	}
	return nil
}

// RemoveTarget removes id from the target set and discards its result.
func (r *TestRun) RemoveTarget(id string) error {
	if err := r.checkOpen("remove target"); err != nil {
		return err
	}
	i := slices.Index(r.TargetTestCaseIDs, id)
	_, hasResult := r.Results[id]
	if i < 0 && !hasResult {
		return nil
	}
	if i >= 0 {
		r.TargetTestCaseIDs = slices.Delete(r.TargetTestCaseIDs, i, i+1)
	}
	delete(r.Results, id)
	r.UpdatedAt = time.Now()
	return nil
}

// ApplyResult upserts a result by test case id. A case outside the target set
// is admitted into it. An upsert without an evaluation is ignored; evaluation
// is the condition for a result row to exist.
func (r *TestRun) ApplyResult(u ResultUpsert) error {
	if err := r.checkOpen("record result"); err != nil {
		return err
	}
	if u.TestCaseID == "" {
		return ErrInvalidID
	}
	if !u.Evaluation.IsSet() {
		return nil
	}
	if !u.Evaluation.Valid() {
		return NewValidationError("evaluation", "unknown value "+string(u.Evaluation))
	}
	now := time.Now()
	r.insertTarget(u.TestCaseID)
	if r.Results == nil {
		r.Results = make(map[string]Result)
	}
	r.Results[u.TestCaseID] = Result{
		TestCaseID: u.TestCaseID,
		Evaluation: u.Evaluation,
		Comment:    u.Comment,
		UpdatedAt:  now,
	}
	r.UpdatedAt = now
	return nil
}

// OrphanResultIDs returns result keys that are not in the target set, sorted.
func (r *TestRun) OrphanResultIDs() []string {
	var orphans []string
	for id := range r.Results {
		if !r.HasTarget(id) {
			orphans = append(orphans, id)
		}
	}
	slices.Sort(orphans)
	return orphans
}

// Close grows the target set to cover every result, then transitions to
// CLOSED. Returns an InvalidStateError if the run is already closed.
func (r *TestRun) Close() error {
	if err := r.checkOpen("close"); err != nil {
		return err
	}
	for _, id := range r.OrphanResultIDs() {
		r.insertTarget(id)
	}
	r.Status = RunStatusClosed
	r.UpdatedAt = time.Now()
	return nil
}

// Apply performs u on the run in the documented order: additions, removals,
// results, then status. On error the run may be partially updated; callers
// apply updates to a Clone and keep the original on failure.
func (r *TestRun) Apply(u RunUpdate) error {
	for _, id := range u.AddTargets {
		if err := r.AddTarget(id); err != nil {
			return err
		}
	}
	for _, id := range u.RemoveTargets {
		if err := r.RemoveTarget(id); err != nil {
			return err
		}
	}
	for _, res := range u.Results {
		if err := r.ApplyResult(res); err != nil {
			return err
		}
	}
	if u.Status != nil && *u.Status != r.Status {
		if *u.Status != RunStatusClosed {
			return NewInvalidStateError("reopen", r.ID, ErrRunClosed)
		}
		if err := r.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the run.
func (r *TestRun) Clone() *TestRun {
	if r == nil {
		return nil
	}
	c := *r
	c.TargetTestCaseIDs = slices.Clone(r.TargetTestCaseIDs)
	if c.TargetTestCaseIDs == nil {
		c.TargetTestCaseIDs = []string{}
	}
	c.Results = maps.Clone(r.Results)
	if c.Results == nil {
		c.Results = make(map[string]Result)
	}
	return &c
}

func (r *TestRun) checkOpen(op string) error {
	if !r.IsOpen() {
		return NewInvalidStateError(op, r.ID, ErrRunClosed)
	}
	return nil
}

// insertTarget appends id if absent and reports whether it was added.
func (r *TestRun) insertTarget(id string) bool {
	if id == "" || r.HasTarget(id) {
		return false
	}
	r.TargetTestCaseIDs = append(r.TargetTestCaseIDs, id)
	return true
}
