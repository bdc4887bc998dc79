package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/internal/resilience"
	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/logging"
)

var (
	jsonOutput bool
	rootFlag   string
	logLevel   string
	noColor    bool

	rootCmd = &cobra.Command{
		Use:   "pipeguard",
		Short: "pipeguard - crash-safe coordination for pipeline steps",
		Long: `pipeguard coordinates short-lived pipeline invocations that share one JSON
state document. It provides named locks, validated atomic state writes with
automatic backups, checkpoints, circuit breakers and automatic recovery.

Exit codes follow the error taxonomy: 0 success, 2 lock timeout, 3 state
corruption, 4 validation failed, and so on up to 15.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			color.Init(noColor)
			if noColor {
				color.Disable()
			}
			if logLevel != "" {
				level, err := logging.ParseLevel(logLevel)
				if err != nil {
					return err
				}
				logging.Global().SetLevel(level)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "workspace root (default: nearest directory containing .pipeguard, or $PIPEGUARD_ROOT)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	code := exitCode(rootCmd.ExecuteContext(ctx))
	closeSession()
	return code
}

// exitError carries an exit status without a message, for commands whose
// output already explains the failure.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// hintError attaches a specific suggestion to err, shown instead of the
// generic remediation for its kind.
type hintError struct {
	err  error
	hint string
}

func (e *hintError) Error() string { return e.err.Error() }
func (e *hintError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	kind := errclass.KindOf(err)
	logging.Global().ErrorErr("command failed", err)
	fmtErr("%v", err)

	var he *hintError
	switch {
	case errors.As(err, &he):
		fmt.Fprintf(os.Stderr, "%s %s\n", color.Dim("hint:"), he.hint)
	case errors.Is(err, errclass.ErrNotInitialized):
		fmt.Fprintf(os.Stderr, "%s %s\n", color.Dim("hint:"), suggestInit())
	case kind != errclass.GeneralError:
		fmt.Fprintf(os.Stderr, "%s %s\n", color.Dim("hint:"), resilience.Remediation(kind))
	}
	return kind.Code()
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	prefix := "pipeguard: "
	if color.Enabled() {
		prefix = color.Error("pipeguard:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
