package types

import "context"

// CaseStore is the persistence contract for test cases.
type CaseStore interface {
	// ListTestCases returns the feature's cases ordered by creation.
	// Archived cases are included only when includeArchived is true.
	ListTestCases(ctx context.Context, featureID string, includeArchived bool) ([]TestCase, error)

	// CreateTestCases creates one case per spec and returns them in order.
	CreateTestCases(ctx context.Context, featureID string, specs []TestCaseSpec) ([]TestCase, error)

	// UpdateTestCase applies a partial update and returns the stored case.
	UpdateTestCase(ctx context.Context, id string, patch TestCasePatch) (TestCase, error)

	// GetTestCases returns the cases with the given ids, archived or not.
	// Unknown ids are skipped.
	GetTestCases(ctx context.Context, ids []string) ([]TestCase, error)
}

// RunStore is the persistence contract for test runs. Every method returns
// the full authoritative run after the change.
type RunStore interface {
	CreateRun(ctx context.Context, scope Scope, meta RunMetadata, targets []string) (*TestRun, error)
	GetRun(ctx context.Context, id string) (*TestRun, error)

	// UpsertResults merges results by test case id. Resending the same batch
	// is safe. Cases outside the target set are admitted into it.
	UpsertResults(ctx context.Context, runID string, results []ResultUpsert) (*TestRun, error)

	UpdateRun(ctx context.Context, id string, update RunUpdate) (*TestRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]TestRun, error)
}

// ResultWriter is the slice of RunStore the result edit buffer needs.
type ResultWriter interface {
	UpsertResults(ctx context.Context, runID string, results []ResultUpsert) (*TestRun, error)
}

// DirectoryStore exposes the modules and features the engine reports on.
type DirectoryStore interface {
	ListModules(ctx context.Context, projectID string) ([]Module, error)
	ListFeatures(ctx context.Context, projectID string) ([]Feature, error)
	GetFeature(ctx context.Context, id string) (Feature, error)
	PutModule(ctx context.Context, m Module) (Module, error)
	PutFeature(ctx context.Context, f Feature) (Feature, error)
}

// Store is the full persistence API consumed by the engine.
type Store interface {
	CaseStore
	RunStore
	DirectoryStore
}
