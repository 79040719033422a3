package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crop-price-alerts/internal/app"
)

var (
	ingestSince  string
	ingestDryRun bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch latest mandi prices and store them",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{
			DryRun: ingestDryRun,
		}

		if ingestSince != "" {
			since, err := time.Parse("2006-01-02", ingestSince)
			if err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
			opts.Since = since
		}

		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSince, "since", "", "Only keep records observed on or after this date (YYYY-MM-DD)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Fetch without writing to storage")
}
