package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/config"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a pipeguard workspace",
	Long: `Initialize a pipeguard workspace in path (default: --root or the current directory).

This creates:
  - .pipeguard/ with locks/, backups/, checkpoints/, breakers/, audit/ and signals/
  - config.yaml with default settings
  - state.json holding the default document

Running init again on an existing workspace is harmless.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := rootFlag
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			path = cwd
		}

		r, err := repo.Init(path)
		if err != nil {
			return err
		}
		if !fsutil.Exists(r.ConfigPath()) {
			if err := config.Save(r.Root, config.Default()); err != nil {
				return err
			}
		}
		s, err := newSession(r, 0)
		if err != nil {
			return err
		}
		created, err := s.store.Init(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]any{
				"root":           r.Root,
				"format_version": r.FormatVersion,
				"workspace_id":   r.WorkspaceID,
				"state_created":  created,
			})
		}
		fmt.Printf("Initialized pipeguard workspace in %s\n", color.Success(r.Dir()))
		fmt.Printf("  Workspace ID: %s\n", r.WorkspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
