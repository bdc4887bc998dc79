package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/config"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// configLock serializes read-modify-write of config.yaml.
const configLock = "config"

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage pipeguard configuration",
	Long: `Manage pipeguard configuration stored in .pipeguard/config.yaml.

Durations use Go syntax (30s, 5m, 168h). Lists are comma separated.

Available commands:
  show              - Show current configuration
  set <key> <value> - Set a configuration value
  get <key>         - Get a configuration value`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := locateRepo()
		if err != nil {
			return err
		}
		cfg, err := config.Load(r.Root)
		if err != nil {
			return err
		}
		if jsonOutput {
			values := make(map[string]string)
			for _, k := range config.Keys() {
				values[k], _ = cfg.Get(k)
			}
			return outputJSON(values)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Println(color.Dim("# " + config.Path(r.Root)))
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := locateRepo()
		if err != nil {
			return err
		}
		cfg, err := config.Load(r.Root)
		if err != nil {
			return err
		}
		value, err := cfg.Get(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]string{"key": args[0], "value": value})
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		rec, err := s.locks.Acquire(cmd.Context(), configLock, s.cfg.Duration("lock.timeout"), model.LockExclusive, nil)
		if err != nil {
			return err
		}
		defer s.locks.Release(configLock, rec.OwnerToken)

		cfg, err := config.Load(s.repo.Root)
		if err != nil {
			return err
		}
		if err := cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(s.repo.Root, cfg); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]string{"key": args[0], "value": args[1]})
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configGetCmd)
	rootCmd.AddCommand(configCmd)
}
