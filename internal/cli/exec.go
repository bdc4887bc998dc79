package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/pkg/errclass"
)

var (
	execDependency string
	execRetries    int
	execBaseDelay  time.Duration
	execTimeout    time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [args...]",
	Short: "Run a command with retry and an optional circuit breaker",
	Long: `Run a command, retrying failures with exponential backoff.

With --dependency every attempt goes through that dependency's circuit
breaker: an open circuit rejects the call without running the command.
A command exiting with a status between 1 and 15 is classified with the
matching error kind, so nested pipeguard calls keep their meaning.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		retrier := s.retrier()
		if cmd.Flags().Changed("retries") {
			retrier.MaxRetries = execRetries
		}
		if cmd.Flags().Changed("base-delay") {
			retrier.BaseDelay = execBaseDelay
		}

		attempt := 0
		run := func(ctx context.Context) error {
			attempt++
			return runChild(ctx, args, execTimeout)
		}
		err = retrier.Do(cmd.Context(), func(ctx context.Context) error {
			if execDependency == "" {
				return run(ctx)
			}
			return s.breakers.Call(ctx, execDependency, run)
		})
		s.log.Info("exec finished", map[string]any{
			"command":    args[0],
			"dependency": execDependency,
			"attempts":   attempt,
			"ok":         err == nil,
		})
		return err
	},
}

// runChild runs argv with the caller's stdio and classifies its failure.
func runChild(ctx context.Context, argv []string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	err := c.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errclass.ErrTimeout.WithMessagef("%s exceeded %s", argv[0], timeout)
	}
	return classifyChildError(argv[0], err)
}

func classifyChildError(name string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if k := errclass.Kind(code); code > 0 && k.Valid() {
			return errclass.ForKind(k).WithMessagef("%s exited with status %d", name, code)
		}
		return errclass.ErrGeneral.WithMessagef("%s exited with status %d", name, code)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return errclass.ErrDependencyMissing.WithMessagef("%s: command not found", name)
	}
	return errclass.Classify(fmt.Errorf("run %s: %w", name, err), errclass.ErrGeneral)
}

func init() {
	execCmd.Flags().StringVar(&execDependency, "dependency", "", "route attempts through this dependency's circuit breaker")
	execCmd.Flags().IntVar(&execRetries, "retries", 0, "maximum attempts (default: resilience.max_retries)")
	execCmd.Flags().DurationVar(&execBaseDelay, "base-delay", 0, "initial retry delay (default: resilience.base_delay)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "per-attempt timeout, 0 for none")
	rootCmd.AddCommand(execCmd)
}
