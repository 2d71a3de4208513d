package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConsolidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Seed overlapping sample data, then run one consolidation tick against both demo aggregations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := newEngine(rootLogger(cmd))
			if err != nil {
				return err
			}
			defer eng.close()

			// Ingest the same sample set twice so both aggregations end up
			// with overlapping chunks for the same key range, the condition
			// Executor.Tick's sweep-line selection looks for.
			recs := sampleRecords(recordCount(cmd))
			if err := eng.ingestAll(ctx, recs); err != nil {
				return fmt.Errorf("consolidate: %w", err)
			}
			if err := eng.ingestAll(ctx, recs); err != nil {
				return fmt.Errorf("consolidate: %w", err)
			}

			p := newPrinter(outputFormat(cmd))
			var rows [][]string
			for _, agg := range []*aggregation{eng.byCountryDay, eng.byDayCountry} {
				before := agg.index.Len()
				ran, err := eng.consolidateOne(ctx, agg)
				if err != nil {
					return fmt.Errorf("consolidate: %s: %w", agg.schema.ID(), err)
				}
				rows = append(rows, []string{
					agg.schema.ID(),
					fmt.Sprint(before),
					fmt.Sprint(agg.index.Len()),
					fmt.Sprint(ran),
				})
			}
			p.table([]string{"aggregation", "chunks_before", "chunks_after", "ran"}, rows)
			return nil
		},
	}
	return cmd
}
