package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sells-group/metric-attribution/internal/monitoring"
)

var statusLookback int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts and health alerts for the lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		lookback := statusLookback
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackHours
		}
		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, lookback)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*monitoring.Snapshot
			Alerts []monitoring.Alert `json:"alerts"`
		}{snap, monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)})
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "hours", 0, "lookback window in hours (default from config)")
	rootCmd.AddCommand(statusCmd)
}
