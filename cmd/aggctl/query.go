package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srosenberg/datakernel-sub002/internal/planner"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Seed sample data, then plan and run a query across the demo aggregations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, true)
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func newExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Seed sample data, then print the chosen query plan without opening a reader",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, false)
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("dims", []string{"country"}, "projected dimensions, comma-separated")
	cmd.Flags().StringSlice("measures", []string{"views"}, "requested measures, comma-separated")
	cmd.Flags().StringSlice("eq", nil, "equality predicate dim=value, repeatable")
	cmd.Flags().Int("limit", 0, "result row limit (0 = unlimited)")
	cmd.Flags().Int("offset", 0, "result row offset")
}

func parsePredicate(eqFlags []string) (planner.Pred, error) {
	if len(eqFlags) == 0 {
		return planner.True{}, nil
	}
	preds := make([]planner.Pred, 0, len(eqFlags))
	for _, raw := range eqFlags {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --eq %q, want dim=value", raw)
		}
		preds = append(preds, planner.Eq{Dim: parts[0], Value: parseDimValue(parts[1])})
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return planner.And{Preds: preds}, nil
}

// parseDimValue guesses int64 vs. string the same way the schema's
// dimension types decode values (keytype.KeyType.Decode only ever produces
// int64, uint64, or string): an integer-looking flag value becomes int64,
// everything else stays a string (matching the enum country dimension).
func parseDimValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func runQuery(cmd *cobra.Command, openReader bool) error {
	ctx := cmd.Context()
	eng, err := newEngine(rootLogger(cmd))
	if err != nil {
		return err
	}
	defer eng.close()

	recs := sampleRecords(recordCount(cmd))
	if err := eng.ingestAll(ctx, recs); err != nil {
		return fmt.Errorf("query: %w", err)
	}

	dims, _ := cmd.Flags().GetStringSlice("dims")
	measures, _ := cmd.Flags().GetStringSlice("measures")
	eqFlags, _ := cmd.Flags().GetStringSlice("eq")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	pred, err := parsePredicate(eqFlags)
	if err != nil {
		return err
	}

	q := planner.Query{Dimensions: dims, Measures: measures, Predicate: pred, Limit: limit, Offset: offset}
	p := newPrinter(outputFormat(cmd))

	if !openReader {
		plan, err := eng.plan.Explain(q)
		if err != nil {
			return fmt.Errorf("explain: %w", err)
		}
		return printPlan(p, plan)
	}

	rows, plan, err := eng.plan.Open(ctx, q)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	if err := printPlan(p, plan); err != nil {
		return err
	}
	return printRows(ctx, p, dims, measures, rows)
}

func printPlan(p *printer, plan *planner.QueryPlan) error {
	if p.format == "json" {
		return p.json(plan)
	}
	p.kv([][2]string{
		{"aggregation", plan.AggregationID},
		{"cost", fmt.Sprintf("%.1f", plan.Cost)},
		{"equality_dims", strings.Join(plan.EqualityDims, ",")},
		{"chunks", fmt.Sprintf("%d", plan.TotalChunks)},
		{"post_sort_required", fmt.Sprintf("%v", plan.PostSortRequired)},
	})
	return nil
}

func printRows(ctx context.Context, p *printer, dims, measures []string, rows planner.RowSource) error {
	header := append(append([]string{}, dims...), measures...)
	var table [][]string
	var jsonRows []map[string]any

	for {
		rec, err := rows.Next(ctx)
		if err != nil {
			break
		}
		if p.format == "json" {
			m := make(map[string]any, len(dims)+len(measures))
			for i, d := range dims {
				m[d] = rec.DimValues[i]
			}
			for i, mm := range measures {
				m[mm] = rec.Values[i]
			}
			jsonRows = append(jsonRows, m)
			continue
		}
		row := make([]string, 0, len(dims)+len(measures))
		for _, v := range rec.DimValues {
			row = append(row, fmt.Sprint(v))
		}
		for _, v := range rec.Values {
			row = append(row, fmt.Sprint(v))
		}
		table = append(table, row)
	}

	if p.format == "json" {
		return p.json(jsonRows)
	}
	p.table(header, table)
	return nil
}
