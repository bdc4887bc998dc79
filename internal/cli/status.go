package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/model"
)

var degradeCmd = &cobra.Command{
	Use:   "degrade <reason> [features...]",
	Short: "Enter degraded mode, disabling the named features",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		mode, err := s.degraded().Enable(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(mode)
		}
		fmt.Printf("%s: %s\n", color.Status("degraded"), mode.Reason)
		if len(mode.DisabledFeatures) > 0 {
			fmt.Printf("  Disabled: %s\n", strings.Join(mode.DisabledFeatures, ", "))
		}
		return nil
	},
}

var recoverModeCmd = &cobra.Command{
	Use:   "recover-mode",
	Short: "Leave degraded mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		was, err := s.degraded().Disable(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"was_degraded": was})
		}
		if was {
			fmt.Println("Left degraded mode.")
		} else {
			fmt.Println("Not in degraded mode.")
		}
		return nil
	},
}

// statusReport is the summary printed by 'status'.
type statusReport struct {
	Root         string               `json:"root"`
	Phase        string               `json:"phase"`
	Completed    int                  `json:"completed_tasks"`
	LastModified time.Time            `json:"last_modified,omitzero"`
	Degraded     *model.DegradedMode  `json:"degraded,omitempty"`
	Locks        []model.LockInfo     `json:"locks"`
	Breakers     []model.BreakerState `json:"breakers"`
	Backups      int                  `json:"backups"`
	Checkpoints  int                  `json:"checkpoints"`
	Latest       *model.Checkpoint    `json:"latest_checkpoint,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize state, degraded mode, locks, breakers and checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		doc, err := s.store.Read(cmd.Context())
		if err != nil {
			return err
		}
		rep := statusReport{
			Root:         s.repo.Root,
			Phase:        doc.Phase,
			Completed:    len(doc.CompletedTasks),
			LastModified: doc.LastModified,
			Locks:        []model.LockInfo{},
			Breakers:     []model.BreakerState{},
		}
		if doc.IsDegraded() {
			rep.Degraded = doc.DegradedMode
		}
		if locks, err := s.locks.List(); err == nil && locks != nil {
			rep.Locks = locks
		}
		if breakers, err := s.breakers.List(); err == nil && breakers != nil {
			rep.Breakers = breakers
		}
		if backups, err := s.store.ListBackups(); err == nil {
			rep.Backups = len(backups)
		}
		if cps, err := s.checkpoints.List(); err == nil {
			rep.Checkpoints = len(cps)
			if len(cps) > 0 {
				rep.Latest = cps[0]
			}
		}

		if jsonOutput {
			return outputJSON(rep)
		}
		printStatus(rep)
		return nil
	},
}

func printStatus(rep statusReport) {
	fmt.Printf("Workspace: %s\n", rep.Root)
	fmt.Printf("  Phase: %s (%d task(s) completed)\n", color.Info(rep.Phase), rep.Completed)
	if !rep.LastModified.IsZero() {
		fmt.Printf("  Last write: %s\n", humanize.Time(rep.LastModified))
	}
	if rep.Degraded != nil {
		fmt.Printf("  Mode: %s since %s: %s\n", color.Status("degraded"), humanize.Time(rep.Degraded.Since), rep.Degraded.Reason)
	} else {
		fmt.Printf("  Mode: %s\n", color.Status("normal"))
	}
	fmt.Printf("  Backups: %d  Checkpoints: %d\n", rep.Backups, rep.Checkpoints)
	if rep.Latest != nil {
		fmt.Printf("  Latest checkpoint: %s (%s)\n", rep.Latest.ID, humanize.Time(rep.Latest.Timestamp))
	}
	if len(rep.Locks) > 0 {
		fmt.Println()
		fmt.Println(lockTable(rep.Locks))
	}
	if len(rep.Breakers) > 0 {
		fmt.Println()
		fmt.Println(breakerTable(rep.Breakers))
	}
}

func init() {
	rootCmd.AddCommand(degradeCmd, recoverModeCmd, statusCmd)
}
