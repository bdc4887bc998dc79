package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

var (
	lockPID   int
	lockToken string
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage named locks",
	Long: `Manage named locks under .pipeguard/locks.

Lock names are namespaced by the text before the first ':' (for example
tasks:build). Locks must be taken in priority order: checkpoint, state,
breaker, config, signals, tasks.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <name> [timeout-seconds] [exclusive|shared] [metadata-json]",
	Short: "Acquire a lock, waiting up to the timeout",
	Long: `Acquire a lock, waiting up to timeout-seconds (default: lock.timeout).

The lock outlives this command. It is owned by --pid, which defaults to the
calling shell, and is reaped as stale once that process exits. Release it with
'pipeguard lock release <name>' from the same shell, or with --token.`,
	Args: cobra.RangeArgs(1, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(ownerPID())
		if err != nil {
			return err
		}
		name := args[0]
		timeout := s.cfg.Duration("lock.timeout")
		kind := model.LockExclusive
		var metadata map[string]string

		if len(args) > 1 {
			secs, err := strconv.ParseFloat(args[1], 64)
			if err != nil || secs < 0 {
				return errclass.ErrValidationFailed.WithMessagef("invalid timeout %q", args[1])
			}
			timeout = time.Duration(secs * float64(time.Second))
		}
		if len(args) > 2 {
			kind = model.LockKind(args[2])
			if !kind.Valid() {
				return errclass.ErrValidationFailed.WithMessagef("lock kind must be exclusive or shared, got %q", args[2])
			}
		}
		if len(args) > 3 {
			if metadata, err = parseStringMap(args[3]); err != nil {
				return err
			}
		}

		rec, err := s.locks.Acquire(cmd.Context(), name, timeout, kind, metadata)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(rec)
		}
		fmt.Printf("Acquired %s lock %s\n", rec.Kind, color.Success(rec.Name))
		fmt.Printf("  Owner token: %s\n", rec.OwnerToken)
		fmt.Printf("  PID: %d\n", rec.PID)
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <name>",
	Short: "Release a lock held by this shell or by --token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(ownerPID())
		if err != nil {
			return err
		}
		name := args[0]
		token := lockToken
		if token == "" {
			rec, err := s.locks.FindByPID(name, ownerPID())
			if err != nil {
				return err
			}
			if rec == nil {
				return errclass.ErrNotOwner.WithMessagef("no lock %s held by pid %d; pass --token", name, ownerPID())
			}
			token = rec.OwnerToken
		}
		if err := s.locks.Release(name, token); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"name": name, "released": true})
		}
		fmt.Printf("Released lock %s\n", name)
		return nil
	},
}

var lockCheckCmd = &cobra.Command{
	Use:   "check <name>",
	Short: "Report whether a lock is unlocked, locked or stale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		st, err := s.locks.Check(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(st)
		}
		fmt.Printf("%s: %s\n", st.Name, color.Status(string(st.State)))
		for _, h := range st.Holders {
			fmt.Printf("  %s pid=%d host=%s acquired %s\n", h.Kind, h.PID, h.Host, humanize.Time(h.AcquiredAt))
		}
		return nil
	},
}

var lockListCmd = &cobra.Command{
	Use:       "list [table|structured]",
	Short:     "List every lock record",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"table", "structured"},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		all, err := s.locks.List()
		if err != nil {
			return err
		}
		if structured(args) {
			if all == nil {
				all = []model.LockInfo{}
			}
			return outputJSON(all)
		}
		if len(all) == 0 {
			fmt.Println("No locks held.")
			return nil
		}
		fmt.Println(lockTable(all))
		return nil
	},
}

var lockCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		reaped, err := s.locks.CleanStale()
		if err != nil {
			return err
		}
		if jsonOutput {
			if reaped == nil {
				reaped = []model.LockInfo{}
			}
			return outputJSON(reaped)
		}
		if len(reaped) == 0 {
			fmt.Println("No stale locks.")
			return nil
		}
		for _, info := range reaped {
			fmt.Printf("Removed stale lock %s (pid %d, %s)\n", info.Name, info.PID, info.StaleReason)
		}
		return nil
	},
}

func lockTable(all []model.LockInfo) string {
	rows := make([][]string, 0, len(all))
	for _, info := range all {
		status := "live"
		if info.Stale {
			status = "stale"
		}
		rows = append(rows, []string{
			info.Name,
			string(info.Kind),
			strconv.Itoa(info.PID),
			info.Host,
			humanize.Time(info.AcquiredAt),
			color.Status(status),
		})
	}
	return color.Table([]string{"NAME", "KIND", "PID", "HOST", "ACQUIRED", "STATUS"}, rows)
}

// ownerPID is the process recorded as lock owner: --pid, else the calling shell.
func ownerPID() int {
	if lockPID > 0 {
		return lockPID
	}
	return os.Getppid()
}

// structured reports whether list output should be JSON.
func structured(args []string) bool {
	return jsonOutput || (len(args) > 0 && args[0] == "structured")
}

func parseStringMap(raw string) (map[string]string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("metadata must be a JSON object: %v", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, _ := json.Marshal(v)
		out[k] = string(b)
	}
	return out, nil
}

func init() {
	lockCmd.PersistentFlags().IntVar(&lockPID, "pid", 0, "owner process id (default: parent process)")
	lockReleaseCmd.Flags().StringVar(&lockToken, "token", "", "owner token returned by acquire")
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockCheckCmd, lockListCmd, lockCleanCmd)
	rootCmd.AddCommand(lockCmd)
}
