package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

const runColumns = `run_id, project_id, scope, feature_id, name, environment, notes, run_by, run_date, status, created_at, updated_at`

// CreateRun stores a new OPEN run with the given targets and no results.
func (s *Store) CreateRun(ctx context.Context, scope types.Scope, meta types.RunMetadata, targets []string) (*types.TestRun, error) {
	if err := meta.Validate(scope); err != nil {
		return nil, err
	}
	run := types.NewTestRun(scope, meta, targets)
	now := s.now()
	run.ID = newID()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.RunDate.IsZero() {
		run.RunDate = now
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return saveRun(ctx, tx, run)
	})
	if err != nil {
		return nil, types.NewPersistenceError("create run", err)
	}
	s.log.Debug("run stored", zap.String("run_id", run.ID), zap.Int("targets", len(run.TargetTestCaseIDs)))
	return run, nil
}

// GetRun returns the run with its targets and results.
func (s *Store) GetRun(ctx context.Context, id string) (*types.TestRun, error) {
	run, err := loadRun(ctx, s.db, id)
	if err != nil {
		return nil, types.NewPersistenceError("get run", err)
	}
	return run, nil
}

// UpsertResults merges results into the run by case id.
func (s *Store) UpsertResults(ctx context.Context, runID string, results []types.ResultUpsert) (*types.TestRun, error) {
	run, err := s.mutateRun(ctx, runID, types.RunUpdate{Results: results})
	if err != nil {
		return nil, types.NewPersistenceError("upsert results", err)
	}
	return run, nil
}

// UpdateRun applies update in one transaction. On error nothing is written.
func (s *Store) UpdateRun(ctx context.Context, id string, update types.RunUpdate) (*types.TestRun, error) {
	run, err := s.mutateRun(ctx, id, update)
	if err != nil {
		return nil, types.NewPersistenceError("update run", err)
	}
	return run, nil
}

func (s *Store) mutateRun(ctx context.Context, id string, update types.RunUpdate) (*types.TestRun, error) {
	var out *types.TestRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := loadRun(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := run.Apply(update); err != nil {
			return err
		}
		run.UpdatedAt = s.now()
		if err := saveRun(ctx, tx, run); err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

// ListRuns returns matching runs, newest run date first.
func (s *Store) ListRuns(ctx context.Context, filter types.RunFilter) ([]types.TestRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.FeatureID != "" {
		where = append(where, "feature_id = ?")
		args = append(args, filter.FeatureID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT run_id FROM test_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY run_date DESC, run_id DESC`

	ids, err := queryStrings(ctx, s.db, query, args...)
	if err != nil {
		return nil, types.NewPersistenceError("list runs", err)
	}
	out := make([]types.TestRun, 0, len(ids))
	for _, id := range ids {
		run, err := loadRun(ctx, s.db, id)
		if err != nil {
			return nil, types.NewPersistenceError("list runs", err)
		}
		out = append(out, *run)
	}
	return out, nil
}

// loadRun reads the run row, its targets in insertion order, and its
// results. Returns types.ErrNotFound for an unknown id.
func loadRun(ctx context.Context, q querier, id string) (*types.TestRun, error) {
	var (
		run                       types.TestRun
		scope, status             string
		runDate, created, updated string
	)
	err := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_runs WHERE run_id = ?`, id).Scan(
		&run.ID, &run.ProjectID, &scope, &run.FeatureID, &run.Name, &run.Environment,
		&run.Notes, &run.RunBy, &runDate, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Scope = types.Scope(scope)
	run.Status = types.RunStatus(status)
	run.RunDate = parseTime(runDate)
	run.CreatedAt = parseTime(created)
	run.UpdatedAt = parseTime(updated)

	run.TargetTestCaseIDs, err = queryStrings(ctx, q,
		`SELECT test_case_id FROM run_targets WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT test_case_id, evaluation, comment, updated_at FROM run_results WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	run.Results = make(map[string]types.Result)
	for rows.Next() {
		var (
			res             types.Result
			eval, resUpdate string
		)
		if err := rows.Scan(&res.TestCaseID, &eval, &res.Comment, &resUpdate); err != nil {
			return nil, err
		}
		res.Evaluation = types.Evaluation(eval)
		res.UpdatedAt = parseTime(resUpdate)
		run.Results[res.TestCaseID] = res
	}
	return &run, rows.Err()
}

// saveRun writes the run row and replaces its targets and results.
func saveRun(ctx context.Context, q querier, run *types.TestRun) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO test_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   project_id = excluded.project_id, scope = excluded.scope, feature_id = excluded.feature_id,
		   name = excluded.name, environment = excluded.environment, notes = excluded.notes,
		   run_by = excluded.run_by, run_date = excluded.run_date, status = excluded.status,
		   updated_at = excluded.updated_at`,
		run.ID, run.ProjectID, string(run.Scope), run.FeatureID, run.Name, run.Environment,
		run.Notes, run.RunBy, formatTime(run.RunDate), string(run.Status),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM run_targets WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	for i, id := range run.TargetTestCaseIDs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO run_targets (run_id, test_case_id, position) VALUES (?, ?, ?)`,
			run.ID, id, i); err != nil {
			return err
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM run_results WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	for id, res := range run.Results {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO run_results (run_id, test_case_id, evaluation, comment, updated_at) VALUES (?, ?, ?, ?, ?)`,
			run.ID, id, string(res.Evaluation), res.Comment, formatTime(res.UpdatedAt)); err != nil {
			return err
		}
	}
	return nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
