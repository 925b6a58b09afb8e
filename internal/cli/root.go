// Package cli implements the qarun command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-intelligence/qarun/internal/paths"
	"github.com/mesh-intelligence/qarun/pkg/qarun"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values.
type rootFlags struct {
	configDir string
	dataDir   string
	backend   string
	project   string
	jsonMode  bool
	verbose   bool
}

// app carries the state every subcommand shares. It is built by the root
// command's PersistentPreRunE.
type app struct {
	flags     rootFlags
	configDir string
	cfg       types.Config
	log       *zap.Logger
	stores    *storeHandle
	stderr    io.Writer
}

// NewRootCmd creates the top-level "qarun" command with global flags and all
// subcommands registered.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{log: zap.NewNop(), stderr: os.Stderr})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "qarun",
		Short:   "Record manual test runs and track coverage",
		Long:    "qarun manages test case catalogs, records evaluations into test runs,\nand reports coverage and pass rates per feature and project.",
		Version: qarun.Version,
		// Errors are printed once by Execute with the right exit code.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory for the sqlite backend")
	pf.StringVar(&a.flags.backend, "backend", "", "storage backend: sqlite, http or memory")
	pf.StringVar(&a.flags.project, "project", "", "project id (default from config)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newServeCmd(a),
		newModuleCmd(a),
		newFeatureCmd(a),
		newCaseCmd(a),
		newRunCmd(a),
		newDashboardCmd(a),
		newExportCmd(a),
		newImportCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI with args and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	a := &app{log: zap.NewNop(), stderr: stderr}
	// PersistentPostRun is skipped when a command fails.
	defer a.teardown()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return exitSuccess
}

// setup resolves the config directory, loads config.yaml and builds the
// logger. The store is opened lazily by the commands that need it.
func (a *app) setup() error {
	dir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return systemError(fmt.Errorf("resolve config dir: %w", err))
	}
	a.configDir = dir

	cfg, err := loadConfig(dir)
	if err != nil {
		return systemError(err)
	}
	if a.flags.backend != "" {
		cfg.Backend = a.flags.backend
	}
	if a.flags.project != "" {
		cfg.Project = a.flags.project
	}
	if err := cfg.Validate(); err != nil {
		return userError(fmt.Errorf("config: %w", err))
	}
	a.cfg = cfg.WithDefaults()

	log, err := buildLogger(a.cfg.LogLevel, a.flags.verbose)
	if err != nil {
		return systemError(err)
	}
	a.log = log
	return nil
}

func (a *app) teardown() {
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.log.Warn("closing store", zap.Error(err))
		}
		a.stores = nil
	}
	_ = a.log.Sync()
}

// buildLogger returns a production zap logger writing to stderr. The CLI
// logs warnings and above unless a level is configured or --verbose is set.
func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stderr"}
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// cliError carries an explicit exit code.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userError(err error) error   { return &cliError{code: exitUserError, err: err} }
func systemError(err error) error { return &cliError{code: exitSysError, err: err} }

// exitCode classifies err. Input and state problems are user errors,
// persistence failures are system errors.
func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrInvalidState),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrForbidden),
		errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrInvalidData):
		return exitUserError
	case errors.Is(err, types.ErrPersistence):
		return exitSysError
	}
	// Flag and argument errors from cobra have no class.
	return exitUserError
}
