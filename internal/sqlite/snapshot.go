package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Snapshot file names, in load order.
const (
	ModulesJSONL   = "modules.jsonl"
	FeaturesJSONL  = "features.jsonl"
	TestCasesJSONL = "test_cases.jsonl"
	TestRunsJSONL  = "test_runs.jsonl"
)

// caseRecord is a test case as written to test_cases.jsonl.
type caseRecord struct {
	types.TestCase
	Seq int64 `json:"seq"`
}

// SnapshotCounts reports how many records an export or import handled.
type SnapshotCounts struct {
	Modules   int `json:"modules"`
	Features  int `json:"features"`
	TestCases int `json:"test_cases"`
	TestRuns  int `json:"test_runs"`
}

// Export writes every entity to JSONL files in dir. Each file is replaced
// atomically. All files are read from one transaction.
func (s *Store) Export(ctx context.Context, dir string) (SnapshotCounts, error) {
	var counts SnapshotCounts
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return counts, fmt.Errorf("creating export dir: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, types.NewPersistenceError("export", err)
	}
	defer tx.Rollback()

	modules, err := allModules(ctx, tx)
	if err != nil {
		return counts, types.NewPersistenceError("export modules", err)
	}
	features, err := allFeatures(ctx, tx)
	if err != nil {
		return counts, types.NewPersistenceError("export features", err)
	}
	cases, err := allCases(ctx, tx)
	if err != nil {
		return counts, types.NewPersistenceError("export test cases", err)
	}
	runIDs, err := queryStrings(ctx, tx, `SELECT run_id FROM test_runs ORDER BY created_at, run_id`)
	if err != nil {
		return counts, types.NewPersistenceError("export runs", err)
	}
	runs := make([]*types.TestRun, 0, len(runIDs))
	for _, id := range runIDs {
		run, err := loadRun(ctx, tx, id)
		if err != nil {
			return counts, types.NewPersistenceError("export runs", err)
		}
		runs = append(runs, run)
	}

	if err := writeSnapshot(filepath.Join(dir, ModulesJSONL), modules); err != nil {
		return counts, err
	}
	if err := writeSnapshot(filepath.Join(dir, FeaturesJSONL), features); err != nil {
		return counts, err
	}
	if err := writeSnapshot(filepath.Join(dir, TestCasesJSONL), cases); err != nil {
		return counts, err
	}
	if err := writeSnapshot(filepath.Join(dir, TestRunsJSONL), runs); err != nil {
		return counts, err
	}

	counts = SnapshotCounts{Modules: len(modules), Features: len(features), TestCases: len(cases), TestRuns: len(runs)}
	s.log.Info("snapshot exported", zap.String("dir", dir), zap.Any("counts", counts))
	return counts, nil
}

// Import loads JSONL files from dir in one transaction. Existing entities
// with the same id are replaced. Missing files and malformed lines are
// skipped; a record that violates the schema aborts the whole import.
func (s *Store) Import(ctx context.Context, dir string) (SnapshotCounts, error) {
	var counts SnapshotCounts

	modules, err := readSnapshot[types.Module](filepath.Join(dir, ModulesJSONL))
	if err != nil {
		return counts, err
	}
	features, err := readSnapshot[types.Feature](filepath.Join(dir, FeaturesJSONL))
	if err != nil {
		return counts, err
	}
	cases, err := readSnapshot[caseRecord](filepath.Join(dir, TestCasesJSONL))
	if err != nil {
		return counts, err
	}
	runs, err := readSnapshot[types.TestRun](filepath.Join(dir, TestRunsJSONL))
	if err != nil {
		return counts, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range modules {
			if m.ID == "" || m.Name == "" {
				continue
			}
			if err := putModule(ctx, tx, m); err != nil {
				return fmt.Errorf("module %s: %w", m.ID, err)
			}
			counts.Modules++
		}
		for _, f := range features {
			if f.ID == "" || f.Name == "" {
				continue
			}
			if err := putFeature(ctx, tx, f); err != nil {
				return fmt.Errorf("feature %s: %w", f.ID, err)
			}
			counts.Features++
		}
		for _, rec := range cases {
			if rec.ID == "" || rec.FeatureID == "" {
				continue
			}
			if err := insertCase(ctx, tx, rec.TestCase, rec.Seq); err != nil {
				return fmt.Errorf("test case %s: %w", rec.ID, err)
			}
			counts.TestCases++
		}
		for i := range runs {
			run := &runs[i]
			if run.ID == "" {
				continue
			}
			if run.Results == nil {
				run.Results = make(map[string]types.Result)
			}
			if err := saveRun(ctx, tx, run); err != nil {
				return fmt.Errorf("run %s: %w", run.ID, err)
			}
			counts.TestRuns++
		}
		return nil
	})
	if err != nil {
		return SnapshotCounts{}, types.NewPersistenceError("import", err)
	}
	s.log.Info("snapshot imported", zap.String("dir", dir), zap.Any("counts", counts))
	return counts, nil
}

func writeSnapshot[T any](path string, items []T) error {
	records, err := marshalRecords(items)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := writeJSONL(path, records); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readSnapshot[T any](path string) ([]T, error) {
	records, err := readJSONL(path)
	if err != nil {
		return nil, err
	}
	return unmarshalRecords[T](records), nil
}

func allModules(ctx context.Context, q querier) ([]types.Module, error) {
	rows, err := q.QueryContext(ctx, `SELECT module_id, project_id, name, description FROM modules ORDER BY module_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.Module{}
	for rows.Next() {
		var m types.Module
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Description); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func allFeatures(ctx context.Context, q querier) ([]types.Feature, error) {
	rows, err := q.QueryContext(ctx, `SELECT feature_id, project_id, module_id, name, description FROM features ORDER BY feature_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.Feature{}
	for rows.Next() {
		var f types.Feature
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.ModuleID, &f.Name, &f.Description); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func allCases(ctx context.Context, q querier) ([]caseRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+caseColumns+`, seq FROM test_cases ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []caseRecord{}
	for rows.Next() {
		var (
			rec      caseRecord
			steps    string
			archived int
			updated  string
		)
		if err := rows.Scan(&rec.ID, &rec.FeatureID, &rec.Name, &rec.ExpectedResult, &steps, &archived, &updated, &rec.Seq); err != nil {
			return nil, err
		}
		rec.Steps = types.SplitSteps(steps)
		rec.IsArchived = archived != 0
		rec.UpdatedAt = parseTime(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}
