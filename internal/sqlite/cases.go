package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

const caseColumns = `test_case_id, feature_id, name, expected_result, steps, is_archived, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(r rowScanner) (types.TestCase, error) {
	var (
		tc       types.TestCase
		steps    string
		archived int
		updated  string
	)
	if err := r.Scan(&tc.ID, &tc.FeatureID, &tc.Name, &tc.ExpectedResult, &steps, &archived, &updated); err != nil {
		return types.TestCase{}, err
	}
	tc.Steps = types.SplitSteps(steps)
	tc.IsArchived = archived != 0
	tc.UpdatedAt = parseTime(updated)
	return tc, nil
}

// ListTestCases returns the feature's cases in creation order.
func (s *Store) ListTestCases(ctx context.Context, featureID string, includeArchived bool) ([]types.TestCase, error) {
	query := `SELECT ` + caseColumns + ` FROM test_cases WHERE feature_id = ?`
	if !includeArchived {
		query += ` AND is_archived = 0`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, featureID)
	if err != nil {
		return nil, types.NewPersistenceError("list test cases", err)
	}
	defer rows.Close()

	out := []types.TestCase{}
	for rows.Next() {
		tc, err := scanCase(rows)
		if err != nil {
			return nil, types.NewPersistenceError("list test cases", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewPersistenceError("list test cases", err)
	}
	return out, nil
}

// CreateTestCases inserts one case per spec in a single transaction. Every
// spec is validated before anything is written.
func (s *Store) CreateTestCases(ctx context.Context, featureID string, specs []types.TestCaseSpec) ([]types.TestCase, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}

	out := make([]types.TestCase, 0, len(specs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM test_cases`).Scan(&seq); err != nil {
			return err
		}
		for _, spec := range specs {
			seq++
			tc := types.TestCase{
				ID:             newID(),
				FeatureID:      featureID,
				Name:           spec.Name,
				ExpectedResult: spec.ExpectedResult,
				Steps:          types.SplitSteps(types.JoinSteps(spec.Steps)),
				UpdatedAt:      s.now(),
			}
			if err := insertCase(ctx, tx, tc, seq); err != nil {
				return err
			}
			out = append(out, tc)
		}
		return nil
	})
	if err != nil {
		return nil, types.NewPersistenceError("create test cases", err)
	}
	return out, nil
}

func insertCase(ctx context.Context, q querier, tc types.TestCase, seq int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO test_cases (`+caseColumns+`, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(test_case_id) DO UPDATE SET
		   feature_id = excluded.feature_id, name = excluded.name,
		   expected_result = excluded.expected_result, steps = excluded.steps,
		   is_archived = excluded.is_archived, updated_at = excluded.updated_at`,
		tc.ID, tc.FeatureID, tc.Name, tc.ExpectedResult, types.JoinSteps(tc.Steps),
		boolToInt(tc.IsArchived), formatTime(tc.UpdatedAt), seq)
	return err
}

// UpdateTestCase applies a partial update.
func (s *Store) UpdateTestCase(ctx context.Context, id string, patch types.TestCasePatch) (types.TestCase, error) {
	var out types.TestCase
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tc, err := scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM test_cases WHERE test_case_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := tc.ApplyPatch(patch); err != nil {
			return err
		}
		tc.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx,
			`UPDATE test_cases SET name = ?, expected_result = ?, steps = ?, is_archived = ?, updated_at = ?
			 WHERE test_case_id = ?`,
			tc.Name, tc.ExpectedResult, types.JoinSteps(tc.Steps), boolToInt(tc.IsArchived), formatTime(tc.UpdatedAt), id)
		out = tc
		return err
	})
	if err != nil {
		return types.TestCase{}, types.NewPersistenceError("update test case", err)
	}
	return out, nil
}

// GetTestCases returns the known cases among ids, in the order given.
func (s *Store) GetTestCases(ctx context.Context, ids []string) ([]types.TestCase, error) {
	out := []types.TestCase{}
	for _, id := range ids {
		tc, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM test_cases WHERE test_case_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, types.NewPersistenceError("get test cases", err)
		}
		out = append(out, tc)
	}
	return out, nil
}

// ListModules returns the project's modules sorted by name.
func (s *Store) ListModules(ctx context.Context, projectID string) ([]types.Module, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, project_id, name, description FROM modules
		 WHERE project_id = ? ORDER BY name, module_id`, projectID)
	if err != nil {
		return nil, types.NewPersistenceError("list modules", err)
	}
	defer rows.Close()

	out := []types.Module{}
	for rows.Next() {
		var m types.Module
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Description); err != nil {
			return nil, types.NewPersistenceError("list modules", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewPersistenceError("list modules", err)
	}
	return out, nil
}

// ListFeatures returns the project's features sorted by name.
func (s *Store) ListFeatures(ctx context.Context, projectID string) ([]types.Feature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feature_id, project_id, module_id, name, description FROM features
		 WHERE project_id = ? ORDER BY name, feature_id`, projectID)
	if err != nil {
		return nil, types.NewPersistenceError("list features", err)
	}
	defer rows.Close()

	out := []types.Feature{}
	for rows.Next() {
		var f types.Feature
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.ModuleID, &f.Name, &f.Description); err != nil {
			return nil, types.NewPersistenceError("list features", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewPersistenceError("list features", err)
	}
	return out, nil
}

// GetFeature returns the feature with id.
func (s *Store) GetFeature(ctx context.Context, id string) (types.Feature, error) {
	var f types.Feature
	err := s.db.QueryRowContext(ctx,
		`SELECT feature_id, project_id, module_id, name, description FROM features WHERE feature_id = ?`, id).
		Scan(&f.ID, &f.ProjectID, &f.ModuleID, &f.Name, &f.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Feature{}, types.NewPersistenceError("get feature", types.ErrNotFound)
	}
	if err != nil {
		return types.Feature{}, types.NewPersistenceError("get feature", err)
	}
	return f, nil
}

// PutModule creates or replaces a module. An empty id is generated.
func (s *Store) PutModule(ctx context.Context, m types.Module) (types.Module, error) {
	if m.Name == "" {
		return types.Module{}, types.NewValidationError("name", "must not be empty")
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if err := putModule(ctx, s.db, m); err != nil {
		return types.Module{}, types.NewPersistenceError("put module", err)
	}
	return m, nil
}

func putModule(ctx context.Context, q querier, m types.Module) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO modules (module_id, project_id, name, description) VALUES (?, ?, ?, ?)
		 ON CONFLICT(module_id) DO UPDATE SET
		   project_id = excluded.project_id, name = excluded.name, description = excluded.description`,
		m.ID, m.ProjectID, m.Name, m.Description)
	return err
}

// PutFeature creates or replaces a feature. An empty id is generated.
func (s *Store) PutFeature(ctx context.Context, f types.Feature) (types.Feature, error) {
	if f.Name == "" {
		return types.Feature{}, types.NewValidationError("name", "must not be empty")
	}
	if f.ID == "" {
		f.ID = newID()
	}
	if err := putFeature(ctx, s.db, f); err != nil {
		return types.Feature{}, types.NewPersistenceError("put feature", err)
	}
	return f, nil
}

func putFeature(ctx context.Context, q querier, f types.Feature) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO features (feature_id, project_id, module_id, name, description) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(feature_id) DO UPDATE SET
		   project_id = excluded.project_id, module_id = excluded.module_id,
		   name = excluded.name, description = excluded.description`,
		f.ID, f.ProjectID, f.ModuleID, f.Name, f.Description)
	return err
}
