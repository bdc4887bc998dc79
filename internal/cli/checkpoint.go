package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create and restore point-in-time checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <operation> [phase] [metadata-json]",
	Short: "Capture the current state and artifacts",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		phase := ""
		if len(args) > 1 {
			phase = args[1]
		}
		var metadata map[string]any
		if len(args) > 2 {
			if err := json.Unmarshal([]byte(args[2]), &metadata); err != nil {
				return errclass.ErrValidationFailed.WithMessagef("metadata must be a JSON object: %v", err)
			}
		}
		cp, err := s.checkpoints.Create(cmd.Context(), args[0], phase, metadata)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cp)
		}
		fmt.Printf("Checkpoint created: %s\n", color.Success(string(cp.ID)))
		if len(cp.Artifacts) > 0 {
			fmt.Printf("  Artifacts: %s\n", strings.Join(cp.Artifacts, ", "))
		}
		return nil
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore state and artifacts from a checkpoint",
	Long: `Restore state and artifacts from a checkpoint. The checkpoint is verified
before anything live is touched, and the current state is backed up first.
Use 'latest' or 'latest:<operation>' to pick the newest checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		id := model.CheckpointID(args[0])
		if op, ok := strings.CutPrefix(args[0], "latest"); ok && (op == "" || op[0] == ':') {
			cp, err := s.checkpoints.Latest(strings.TrimPrefix(op, ":"))
			if err != nil {
				return err
			}
			id = cp.ID
		}
		res, err := s.checkpoints.Restore(cmd.Context(), id)
		if err != nil {
			return checkpointHint(s, string(id), err)
		}
		if jsonOutput {
			return outputJSON(res)
		}
		fmt.Printf("Restored checkpoint %s (phase %s)\n", color.Success(string(id)), res.State.Phase)
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:       "list [table|structured]",
	Short:     "List checkpoints, newest first",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"table", "structured"},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		all, err := s.checkpoints.List()
		if err != nil {
			return err
		}
		if structured(args) {
			if all == nil {
				all = []*model.Checkpoint{}
			}
			return outputJSON(all)
		}
		if len(all) == 0 {
			fmt.Println("No checkpoints.")
			return nil
		}
		rows := make([][]string, 0, len(all))
		for _, cp := range all {
			rows = append(rows, []string{
				string(cp.ID),
				cp.Operation,
				cp.Phase,
				humanize.Time(cp.Timestamp),
				cp.Owner,
			})
		}
		fmt.Println(color.Table([]string{"ID", "OPERATION", "PHASE", "CREATED", "OWNER"}, rows))
		return nil
	},
}

var checkpointCleanupCmd = &cobra.Command{
	Use:   "cleanup [retention-days]",
	Short: "Delete checkpoints older than the retention window",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		days := s.cfg.Checkpoint.RetentionDays
		if len(args) == 1 {
			days, err = strconv.Atoi(args[0])
			if err != nil || days < 0 {
				return errclass.ErrValidationFailed.WithMessagef("invalid retention days %q", args[0])
			}
		}
		removed, err := s.checkpoints.Cleanup(cmd.Context(), time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		if jsonOutput {
			if removed == nil {
				removed = []model.CheckpointID{}
			}
			return outputJSON(map[string]any{"removed": removed, "retention_days": days})
		}
		fmt.Printf("Removed %d checkpoint(s) older than %d day(s)\n", len(removed), days)
		for _, id := range removed {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		if err := s.checkpoints.Delete(cmd.Context(), model.CheckpointID(args[0])); err != nil {
			return checkpointHint(s, args[0], err)
		}
		if jsonOutput {
			return outputJSON(map[string]any{"id": args[0], "deleted": true})
		}
		fmt.Printf("Deleted checkpoint %s\n", args[0])
		return nil
	},
}

// checkpointHint suggests near matches when id does not exist.
func checkpointHint(s *session, id string, err error) error {
	if !errors.Is(err, errclass.ErrCheckpointNotFound) {
		return err
	}
	all, _ := s.checkpoints.List()
	return &hintError{err: err, hint: suggestCheckpoints(id, all)}
}

func init() {
	checkpointCmd.AddCommand(checkpointCreateCmd, checkpointRestoreCmd, checkpointListCmd,
		checkpointCleanupCmd, checkpointDeleteCmd)
	rootCmd.AddCommand(checkpointCmd)
}
