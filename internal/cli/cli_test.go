package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/qarun/internal/dashboard"
	"github.com/mesh-intelligence/qarun/pkg/sqlite"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// testEnv is an isolated config and data directory pair.
type testEnv struct {
	t       *testing.T
	config  string
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		t:       t,
		config:  filepath.Join(dir, "config"),
		dataDir: filepath.Join(dir, "data"),
	}
}

type cmdResult struct {
	stdout   string
	stderr   string
	exitCode int
}

func (e *testEnv) run(args ...string) cmdResult {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	all := append([]string{"--config-dir", e.config, "--data-dir", e.dataDir}, args...)
	code := run(all, &stdout, &stderr)
	return cmdResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: code}
}

func (e *testEnv) mustRun(args ...string) cmdResult {
	e.t.Helper()
	res := e.run(args...)
	if res.exitCode != exitSuccess {
		e.t.Fatalf("qarun %v failed with exit code %d:\nstdout: %s\nstderr: %s",
			args, res.exitCode, res.stdout, res.stderr)
	}
	return res
}

func parseJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), "output: %s", s)
	return v
}

// seedFeature creates a feature with two cases and returns their ids.
func seedFeature(e *testEnv) (featureID string, caseIDs []string) {
	e.t.Helper()
	f := parseJSON[types.Feature](e.t, e.mustRun("feature", "add", "Login", "--json").stdout)
	for _, name := range []string{"Valid credentials", "Wrong password"} {
		tc := parseJSON[types.TestCase](e.t, e.mustRun("case", "add", f.ID, name,
			"--expected", "user sees the dashboard", "--step", "open login", "--step", "submit", "--json").stdout)
		caseIDs = append(caseIDs, tc.ID)
	}
	return f.ID, caseIDs
}

func TestInitCreatesConfigAndDatabase(t *testing.T) {
	env := newTestEnv(t)

	res := env.mustRun("init")

	assert.Contains(t, res.stdout, "qarun initialized successfully")
	assert.FileExists(t, filepath.Join(env.config, "config.yaml"))
	assert.FileExists(t, filepath.Join(env.dataDir, "qarun.db"))
}

func TestVersionSkipsSetup(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version", "--backend", "bogus"}, &stdout, &stderr)

	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, stdout.String(), "qarun v")
}

func TestCaseEditAndArchive(t *testing.T) {
	env := newTestEnv(t)
	featureID, ids := seedFeature(env)

	edited := parseJSON[types.TestCase](t, env.mustRun("case", "edit", ids[0], "--name", "Valid login", "--json").stdout)
	assert.Equal(t, "Valid login", edited.Name)
	assert.Equal(t, []string{"open login", "submit"}, edited.Steps, "unchanged fields survive")

	env.mustRun("case", "archive", ids[1])
	active := parseJSON[[]types.TestCase](t, env.mustRun("case", "list", featureID, "--json").stdout)
	require.Len(t, active, 1)
	assert.Equal(t, ids[0], active[0].ID)

	all := parseJSON[[]types.TestCase](t, env.mustRun("case", "list", featureID, "--all", "--json").stdout)
	assert.Len(t, all, 2)

	res := env.run("case", "edit", ids[0])
	assert.Equal(t, exitUserError, res.exitCode)
	assert.Contains(t, res.stderr, "nothing to change")
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	featureID, ids := seedFeature(env)

	run := parseJSON[types.TestRun](t, env.mustRun("run", "create", "--feature", featureID, "--date", "2026-03-02", "--json").stdout)
	assert.Equal(t, "Run 2026-03-02", run.Name)
	assert.Equal(t, types.RunStatusOpen, run.Status)
	assert.Equal(t, ids, run.TargetTestCaseIDs)

	view := parseJSON[runView](t, env.mustRun("run", "eval", run.ID, ids[0], "PASS", "--json").stdout)
	assert.Equal(t, 1, view.Coverage.ExecutedCases)
	assert.Equal(t, 1, view.Coverage.MissingCases)

	env.mustRun("run", "eval", run.ID, ids[1], "NOT_WORKING", "--comment", "500 on submit")

	shown := parseJSON[runView](t, env.mustRun("run", "show", run.ID, "--json").stdout)
	assert.Equal(t, 2, shown.Coverage.ExecutedCases)
	assert.Equal(t, 1, shown.Coverage.Passed)
	assert.Equal(t, 1, shown.Coverage.NotWorking)
	assert.InDelta(t, 0.5, shown.Coverage.PassRate, 1e-9)
	assert.Equal(t, "500 on submit", shown.Run.Results[ids[1]].Comment)
	assert.Empty(t, shown.Missing)

	health := parseJSON[dashboard.Page[dashboard.FeatureHealth]](t, env.mustRun("dashboard", "health", "--json").stdout)
	require.Len(t, health.Items, 1)
	assert.True(t, health.Items[0].HasFailures)
	assert.False(t, health.Items[0].HasMissing)

	open := parseJSON[dashboard.Page[dashboard.RunSummary]](t, env.mustRun("dashboard", "open", "--json").stdout)
	assert.Equal(t, 1, open.Total)

	closed := parseJSON[runView](t, env.mustRun("run", "close", run.ID, "--json").stdout)
	assert.Equal(t, types.RunStatusClosed, closed.Run.Status)

	res := env.run("run", "eval", run.ID, ids[0], "FAIL")
	assert.Equal(t, exitUserError, res.exitCode)
	assert.Contains(t, res.stderr, "closed")

	open = parseJSON[dashboard.Page[dashboard.RunSummary]](t, env.mustRun("dashboard", "open", "--json").stdout)
	assert.Zero(t, open.Total)
}

func TestRunEvalRejectsCommentOnPassed(t *testing.T) {
	env := newTestEnv(t)
	featureID, ids := seedFeature(env)
	run := parseJSON[types.TestRun](t, env.mustRun("run", "create", "--feature", featureID, "--json").stdout)

	res := env.run("run", "eval", run.ID, ids[0], "PASSED", "--comment", "looks fine")

	assert.Equal(t, exitUserError, res.exitCode)
	shown := parseJSON[runView](t, env.mustRun("run", "show", run.ID, "--json").stdout)
	assert.Empty(t, shown.Run.Results, "nothing is written when the edit is rejected")
}

func TestRunTargetsCanChange(t *testing.T) {
	env := newTestEnv(t)
	featureID, ids := seedFeature(env)
	run := parseJSON[types.TestRun](t, env.mustRun("run", "create", "--feature", featureID, "--case", ids[0], "--json").stdout)
	require.Equal(t, []string{ids[0]}, run.TargetTestCaseIDs)

	view := parseJSON[runView](t, env.mustRun("run", "add-case", run.ID, ids[1], "--json").stdout)
	assert.Equal(t, ids, view.Run.TargetTestCaseIDs)

	env.mustRun("run", "eval", run.ID, ids[0], "MINOR", "--comment", "slow")
	view = parseJSON[runView](t, env.mustRun("run", "remove-case", run.ID, ids[0], "--json").stdout)
	assert.Equal(t, []string{ids[1]}, view.Run.TargetTestCaseIDs)
	assert.NotContains(t, view.Run.Results, ids[0])
}

func TestProjectRunRequiresNameAndEnvironment(t *testing.T) {
	env := newTestEnv(t)
	_, ids := seedFeature(env)

	res := env.run("run", "create", "--scope", "project", "--name", "Release smoke", "--case", ids[0])
	assert.Equal(t, exitUserError, res.exitCode)
	assert.Contains(t, res.stderr, "environment")

	run := parseJSON[types.TestRun](t, env.mustRun("run", "create", "--scope", "project",
		"--name", "Release smoke", "--env", "staging", "--case", ids[0], "--case", ids[1], "--json").stdout)
	assert.Equal(t, types.ScopeProject, run.Scope)
	assert.Empty(t, run.FeatureID)
	assert.Len(t, run.TargetTestCaseIDs, 2)

	list := parseJSON[[]types.TestRun](t, env.mustRun("run", "list", "--status", "open", "--json").stdout)
	require.Len(t, list, 1)
	assert.Equal(t, run.ID, list[0].ID)
}

func TestDashboardGapsAndUntested(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("module", "add", "Auth")
	env.mustRun("module", "add", "Billing", "--description", "invoices and payments")
	seedFeature(env)
	empty := parseJSON[types.Feature](t, env.mustRun("feature", "add", "Export", "--description", "CSV export", "--json").stdout)

	gaps := parseJSON[dashboard.Page[dashboard.DescriptionGap]](t, env.mustRun("dashboard", "gaps", "--json").stdout)
	var names []string
	for _, g := range gaps.Items {
		names = append(names, g.Name)
	}
	assert.ElementsMatch(t, []string{"Auth", "Login"}, names)

	untested := parseJSON[dashboard.Page[types.Feature]](t, env.mustRun("dashboard", "untested", "--json").stdout)
	require.Len(t, untested.Items, 1)
	assert.Equal(t, empty.ID, untested.Items[0].ID)

	res := env.run("dashboard", "gaps", "--entity", "widget")
	assert.Equal(t, exitUserError, res.exitCode)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	featureID, ids := seedFeature(src)
	run := parseJSON[types.TestRun](t, src.mustRun("run", "create", "--feature", featureID, "--json").stdout)
	src.mustRun("run", "eval", run.ID, ids[0], "PASSED")
	src.mustRun("run", "close", run.ID)

	dir := t.TempDir()
	exported := parseJSON[sqlite.SnapshotCounts](t, src.mustRun("export", dir, "--json").stdout)
	assert.Equal(t, sqlite.SnapshotCounts{Features: 1, TestCases: 2, TestRuns: 1}, exported)

	dst := newTestEnv(t)
	imported := parseJSON[sqlite.SnapshotCounts](t, dst.mustRun("import", dir, "--json").stdout)
	assert.Equal(t, exported, imported)

	shown := parseJSON[runView](t, dst.mustRun("run", "show", run.ID, "--json").stdout)
	assert.Equal(t, types.RunStatusClosed, shown.Run.Status)
	assert.Equal(t, types.EvaluationPassed, shown.Run.Results[ids[0]].Evaluation)
}

func TestSnapshotRequiresSQLite(t *testing.T) {
	env := newTestEnv(t)

	res := env.run("--backend", "memory", "export", t.TempDir())

	assert.Equal(t, exitUserError, res.exitCode)
	assert.Contains(t, res.stderr, "requires the sqlite backend")
}

func TestConfigFileIsRead(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.config, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.config, "config.yaml"),
		[]byte("backend: sqlite\nproject: acme\n"), 0o644))

	env.mustRun("module", "add", "Core")

	acme := parseJSON[[]types.Module](t, env.mustRun("module", "list", "--json").stdout)
	other := parseJSON[[]types.Module](t, env.mustRun("module", "list", "--project", "other", "--json").stdout)
	assert.Len(t, acme, 1)
	assert.Empty(t, other)
}

func TestExitCodes(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown command", []string{"frobnicate"}, exitUserError},
		{"missing argument", []string{"case", "add"}, exitUserError},
		{"unknown backend", []string{"--backend", "bogus", "module", "list"}, exitUserError},
		{"unknown run", []string{"run", "show", "no-such-run"}, exitUserError},
		{"bad evaluation", []string{"run", "eval", "r", "c", "MAYBE"}, exitUserError},
		{"unknown scope", []string{"run", "create", "--scope", "galaxy"}, exitUserError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.run(tt.args...)
			assert.Equal(t, tt.want, res.exitCode, "stderr: %s", res.stderr)
			assert.True(t, strings.HasPrefix(res.stderr, "error: "), "stderr: %s", res.stderr)
		})
	}
}

func TestExitCodeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", types.NewValidationError("name", "required"), exitUserError},
		{"closed run", types.NewInvalidStateError("upsert", "r1", types.ErrRunClosed), exitUserError},
		{"not found", fmt.Errorf("get run: %w", types.ErrNotFound), exitUserError},
		{"persistence", types.NewPersistenceError("update run", errors.New("disk full")), exitSysError},
		{"explicit system", systemError(errors.New("boom")), exitSysError},
		{"unclassified", errors.New("unknown flag: --frob"), exitUserError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
