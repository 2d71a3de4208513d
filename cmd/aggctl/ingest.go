package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Seed synthetic pageview records into both demo aggregations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := newEngine(rootLogger(cmd))
			if err != nil {
				return err
			}
			defer eng.close()

			recs := sampleRecords(recordCount(cmd))
			if err := eng.ingestAll(ctx, recs); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			p := newPrinter(outputFormat(cmd))
			rows := [][]string{
				{eng.byCountryDay.schema.ID(), fmt.Sprint(eng.byCountryDay.index.Len())},
				{eng.byDayCountry.schema.ID(), fmt.Sprint(eng.byDayCountry.index.Len())},
			}
			p.table([]string{"aggregation", "live_chunks"}, rows)
			return nil
		},
	}
}
