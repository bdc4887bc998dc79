package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

var (
	stateReason       string
	stateRecoverForce bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Read and write the shared state document",
}

var stateInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default state document if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		created, err := s.store.Init(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"created": created, "path": s.store.Path()})
		}
		if created {
			fmt.Println("State initialized.")
		} else {
			fmt.Println("State already exists.")
		}
		return nil
	},
}

var stateReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Print the current state document",
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
		return outputJSON(doc)
	},
}

var stateWriteCmd = &cobra.Command{
	Use:   "write <json|->",
	Short: "Replace the state document",
	Long: `Replace the state document with the given JSON object, or with stdin when
the argument is '-'. The document is validated before anything is written and
the previous version is backed up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		data, err := readDocArg(args[0])
		if err != nil {
			return err
		}
		if _, err := state.Validate(data); err != nil {
			return err
		}
		var doc model.StateDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return errclass.ErrValidationFailed.WithMessagef("decode state: %v", err)
		}
		written, err := s.store.Write(cmd.Context(), &doc, stateReason)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(written)
		}
		fmt.Printf("State written (phase %s)\n", color.Success(written.Phase))
		return nil
	},
}

var stateValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a state document (default: the live one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		} else {
			s, err := requireSession(0)
			if err != nil {
				return err
			}
			path = s.store.Path()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errclass.ErrDependencyMissing.WithMessagef("read %s: %v", path, err)
		}
		warnings, verr := state.Validate(data)
		if jsonOutput {
			out := map[string]any{"path": path, "valid": verr == nil, "warnings": warnings}
			if verr != nil {
				out["error"] = verr.Error()
			}
			if err := outputJSON(out); err != nil {
				return err
			}
			if verr != nil {
				return &exitError{code: errclass.KindOf(verr).Code()}
			}
			return nil
		}
		if verr != nil {
			return verr
		}
		for _, w := range warnings {
			fmt.Printf("%s %s\n", color.Warning("warning:"), w)
		}
		fmt.Printf("%s is %s\n", path, color.Status("valid"))
		return nil
	},
}

var stateBackupCmd = &cobra.Command{
	Use:   "backup [reason]",
	Short: "Back up the live state document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		reason := "manual"
		if len(args) == 1 {
			reason = args[0]
		}
		b, err := s.store.Backup(cmd.Context(), reason)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(b)
		}
		fmt.Printf("Backup written: %s\n", b.Name)
		return nil
	},
}

var stateRecoverCmd = &cobra.Command{
	Use:   "recover [pattern]",
	Short: "Restore the newest valid backup",
	Long: `Restore the newest valid backup whose name matches pattern (a glob or a
substring). Nothing happens while the live document is valid unless --force is
given. With no valid backup a default document is written.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		res, err := s.store.Recover(cmd.Context(), pattern, stateRecoverForce)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(res)
		}
		switch res.Action {
		case state.RecoverNone:
			fmt.Println("State is valid; nothing to recover.")
		case state.RecoverRestored:
			fmt.Printf("Restored state from %s\n", color.Success(res.Backup))
		case state.RecoverDefault:
			fmt.Println(color.Warning("No valid backup found; default state written."))
		}
		for _, name := range res.Skipped {
			fmt.Printf("  skipped invalid backup %s\n", name)
		}
		if res.Preserved != "" {
			fmt.Printf("  corrupt state kept at %s\n", res.Preserved)
		}
		return nil
	},
}

var stateMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade the state document to the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		res, err := s.store.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(res)
		}
		if !res.Changed {
			fmt.Printf("State already at schema %s\n", res.To)
			return nil
		}
		fmt.Printf("Migrated state from %s to %s (backup %s)\n", res.From, res.To, res.Backup)
		return nil
	},
}

// readDocArg returns the literal JSON argument, or stdin for "-".
func readDocArg(arg string) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}

func init() {
	stateWriteCmd.Flags().StringVar(&stateReason, "reason", "cli", "reason recorded in the backup name and audit journal")
	stateRecoverCmd.Flags().BoolVar(&stateRecoverForce, "force", false, "recover even if the live state is valid")
	stateCmd.AddCommand(stateInitCmd, stateReadCmd, stateWriteCmd, stateValidateCmd,
		stateBackupCmd, stateRecoverCmd, stateMigrateCmd)
	rootCmd.AddCommand(stateCmd)
}
