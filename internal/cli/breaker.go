package cli

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and drive per-dependency circuit breakers",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show one breaker, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		var all []model.BreakerState
		if len(args) == 1 {
			st, err := s.breakers.Get(args[0])
			if err != nil {
				return err
			}
			all = []model.BreakerState{*st}
		} else if all, err = s.breakers.List(); err != nil {
			return err
		}
		if jsonOutput {
			if len(args) == 1 {
				return outputJSON(all[0])
			}
			if all == nil {
				all = []model.BreakerState{}
			}
			return outputJSON(all)
		}
		if len(all) == 0 {
			fmt.Println("No breakers recorded.")
			return nil
		}
		fmt.Println(breakerTable(all))
		return nil
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Force a breaker closed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		if err := s.breakers.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		return printBreaker(s.breakers.Get(args[0]))
	},
}

var breakerRecordCmd = &cobra.Command{
	Use:       "record <name> success|failure",
	Short:     "Record the outcome of a call made outside pipeguard",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"success", "failure"},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		switch args[1] {
		case "success":
			err = s.breakers.RecordSuccess(cmd.Context(), args[0])
		case "failure":
			err = s.breakers.RecordFailure(cmd.Context(), args[0])
		default:
			return errclass.ErrValidationFailed.WithMessagef("outcome must be success or failure, got %q", args[1])
		}
		if err != nil {
			return err
		}
		return printBreaker(s.breakers.Get(args[0]))
	},
}

func printBreaker(st *model.BreakerState, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(st)
	}
	fmt.Printf("%s: %s (%d failure(s))\n", st.Dependency, color.Status(string(st.State)), st.FailureCount)
	return nil
}

func breakerTable(all []model.BreakerState) string {
	rows := make([][]string, 0, len(all))
	for _, b := range all {
		last := "-"
		if !b.LastFailureAt.IsZero() {
			last = humanize.Time(b.LastFailureAt)
		}
		rows = append(rows, []string{
			b.Dependency,
			color.Status(string(b.State)),
			strconv.Itoa(b.FailureCount),
			last,
		})
	}
	return color.Table([]string{"DEPENDENCY", "STATE", "FAILURES", "LAST FAILURE"}, rows)
}

func init() {
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd, breakerRecordCmd)
	rootCmd.AddCommand(breakerCmd)
}
