package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/internal/resilience"
	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
)

var (
	handleOperation string
	handleNoRecover bool
)

var handleErrorCmd = &cobra.Command{
	Use:   "handle-error <kind> <message...>",
	Short: "Classify a pipeline failure and attempt automatic recovery",
	Long: `Classify a pipeline failure and run the recovery strategy mapped to its kind.

kind is a taxonomy name (lock_timeout, state_corruption, ...) or its code.
The command exits 0 when recovery succeeded; otherwise it prints a
remediation hint and exits with the kind's code.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := errclass.ParseKind(args[0])
		if err != nil {
			return err
		}
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		inc := resilience.Incident{
			Kind:      kind,
			Message:   strings.Join(args[1:], " "),
			Operation: handleOperation,
		}
		out, herr := s.recoverer().Handle(cmd.Context(), inc, !handleNoRecover)

		if jsonOutput {
			if err := outputJSON(out); err != nil {
				return err
			}
		} else {
			printOutcome(out)
		}
		if herr != nil {
			return &exitError{code: kind.Code()}
		}
		return nil
	},
}

func printOutcome(out *resilience.Outcome) {
	if out.Recovered {
		fmt.Printf("%s %s via %s\n", color.Success("recovered:"), out.Kind, out.Strategy)
		if out.Detail != "" {
			fmt.Printf("  %s\n", out.Detail)
		}
		return
	}
	fmt.Printf("%s %s (exit %d)\n", color.Error("unrecovered:"), out.Kind, out.Code)
	if out.Strategy != "" {
		fmt.Printf("  strategy %s: %s\n", out.Strategy, out.Detail)
	}
	fmt.Printf("  %s %s\n", color.Dim("hint:"), out.Remediation)
}

func init() {
	handleErrorCmd.Flags().StringVar(&handleOperation, "operation", "", "operation that failed; its checkpoints are preferred for restore")
	handleErrorCmd.Flags().BoolVar(&handleNoRecover, "no-recover", false, "only classify and report; do not run a recovery strategy")
	rootCmd.AddCommand(handleErrorCmd)
}
