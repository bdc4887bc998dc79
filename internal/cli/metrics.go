package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jvs-project/pipeguard/pkg/metrics"
)

var metricsTextfile string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Write workspace gauges for the node-exporter textfile collector",
	Long: `Write workspace gauges in the Prometheus text format.

pipeguard runs no server. Point --textfile into the node-exporter textfile
directory and call this from cron or at the end of a pipeline run.
Without --textfile the gauges go to .pipeguard/pipeguard.prom.

Exported gauges:
  pipeguard_locks{status="live|stale"}
  pipeguard_state_backups
  pipeguard_checkpoints
  pipeguard_degraded_mode
  pipeguard_state_last_modified_timestamp_seconds
  pipeguard_breaker_state{dependency}
  pipeguard_breaker_failures{dependency}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(0)
		if err != nil {
			return err
		}
		snap, err := collectMetrics(cmd, s)
		if err != nil {
			return err
		}
		path := metricsTextfile
		if path == "" {
			path = filepath.Join(s.repo.Dir(), "pipeguard.prom")
		}
		reg := metrics.NewRegistry()
		reg.Set(snap)
		if err := reg.WriteTextfile(path); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"path": path, "snapshot": snap})
		}
		fmt.Printf("Metrics written to %s\n", path)
		return nil
	},
}

func collectMetrics(cmd *cobra.Command, s *session) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	locks, err := s.locks.List()
	if err != nil {
		return snap, err
	}
	for _, l := range locks {
		if l.Stale {
			snap.LocksStale++
		} else {
			snap.LocksHeld++
		}
	}
	backups, err := s.store.ListBackups()
	if err != nil {
		return snap, err
	}
	snap.Backups = len(backups)
	cps, err := s.checkpoints.List()
	if err != nil {
		return snap, err
	}
	snap.Checkpoints = len(cps)
	if snap.Breakers, err = s.breakers.List(); err != nil {
		return snap, err
	}
	doc, err := s.store.Read(cmd.Context())
	if err != nil {
		return snap, err
	}
	snap.Degraded = doc.IsDegraded()
	snap.StateLastModified = doc.LastModified
	return snap, nil
}

func init() {
	metricsCmd.Flags().StringVar(&metricsTextfile, "textfile", "", "output path (a .prom file)")
	rootCmd.AddCommand(metricsCmd)
}
