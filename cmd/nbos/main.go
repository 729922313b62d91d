// Command nbos runs the charter-governed pipeline: the startup self-check,
// one-off verifications and tasks, fixture replay and store inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/NeuralBlitz/NBOS-Web/internal/config"
	"github.com/NeuralBlitz/NBOS-Web/internal/system"
)

// Exit codes shared by every subcommand.
const (
	exitOK       = 0
	exitMismatch = 1 // veto, divergent replay or broken audit chain
	exitError    = 2
)

// #region main

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and maps the outcome to an exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ce *codeError
	if errors.As(err, &ce) {
		if ce.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", ce.err)
		}
		return ce.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitError
}

// #endregion main

// #region root

type rootFlags struct {
	configPath string
	dbPath     string
	jsonOut    bool
	trace      bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "nbos",
		Short:         "Charter-governed synthesis engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to YAML config (defaults when empty)")
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite store path, overrides store.path")
	root.PersistentFlags().BoolVar(&f.jsonOut, "json", false, "output as JSON instead of text")
	root.PersistentFlags().BoolVar(&f.trace, "trace", false, "print gate and pipeline spans to stderr")

	root.AddCommand(
		newInitCmd(f),
		newVerifyCmd(f),
		newProcessCmd(f),
		newReplayCmd(f),
		newInspectCmd(f),
	)
	return root
}

// loadConfig reads --config and applies --db.
func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.dbPath != "" {
		cfg.Store.Path = f.dbPath
	}
	return cfg, nil
}

// openSystem builds the run context for cmd. closeFn closes the system and
// flushes any spans.
func (f *rootFlags) openSystem(cmd *cobra.Command) (sys *system.System, closeFn func(), err error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	opts, shutdown, err := tracing(f.trace, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	sys, err = system.New(cfg, opts...)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, err
	}
	return sys, func() {
		sys.Close()
		_ = shutdown(context.Background())
	}, nil
}

// #endregion root

// #region errors

// codeError carries a process exit code through cobra. A nil err exits
// silently.
type codeError struct {
	code int
	err  error
}

func (e *codeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *codeError) Unwrap() error { return e.err }

func mismatch() error { return &codeError{code: exitMismatch} }

// #endregion errors
