package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/internal/doctor"
	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
)

var doctorRepair bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check workspace health",
	Long: `Check workspace health.

Reports missing directories, invalid or outdated state, stale locks, orphaned
temp files, open circuit breakers, degraded mode and a broken audit chain.
Use --repair to recreate directories, reap stale locks, remove temp files and
recover an invalid state document, then check again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		doc := doctor.NewDoctor(s.repo, s.store, s.breakers, s.log)

		var repaired *doctor.RepairResult
		if doctorRepair {
			if repaired, err = doc.Repair(cmd.Context()); err != nil {
				return err
			}
		}
		result, err := doc.Check(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			out := map[string]any{"healthy": result.Healthy, "findings": result.Findings}
			if repaired != nil {
				out["repairs"] = repaired.Actions
			}
			if err := outputJSON(out); err != nil {
				return err
			}
		} else {
			if repaired != nil {
				for _, a := range repaired.Actions {
					fmt.Printf("%s %s\n", color.Success("repaired:"), a)
				}
			}
			if len(result.Findings) == 0 {
				fmt.Println("Workspace is healthy.")
			} else {
				fmt.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Printf("  [%s] %s: %s\n", color.Status(f.Severity), f.Category, f.Description)
				}
			}
		}

		if !result.Healthy {
			return &exitError{code: errclass.DataIntegrity.Code()}
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorRepair, "repair", false, "repair what can be repaired safely before checking")
	rootCmd.AddCommand(doctorCmd)
}
