package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srosenberg/datakernel-sub002/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd returns the "aggctl" root command with every subcommand wired
// in, grounded on the teacher's cmd/gastrolog/cli.NewConfigCommand:
// persistent output-format flag, one newXCmd per verb, AddCommand at root.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggctl",
		Short: "Demo CLI for the aggregation engine core",
		Long:  "aggctl seeds a small in-memory pageviews dataset and exercises ingest, query planning, and consolidation against it.",
	}

	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
	cmd.PersistentFlags().Int("records", 200, "number of synthetic pageview records to seed before running")
	cmd.PersistentFlags().StringSlice("log-component", nil,
		"raise one component's log level, component=level (e.g. sort-merge-writer=debug), repeatable")

	cmd.AddCommand(
		newIngestCmd(),
		newQueryCmd(),
		newExplainCmd(),
		newConsolidateCmd(),
	)
	return cmd
}

// rootLogger builds the process logger at WARN by default, with per-
// component overrides from --log-component applied via
// logging.ComponentFilterHandler so a caller can turn up one component
// (say, the consolidation scheduler) without raising the whole process's
// verbosity.
func rootLogger(cmd *cobra.Command) *slog.Logger {
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := logging.NewComponentFilterHandler(base, slog.LevelWarn)

	overrides, _ := cmd.Flags().GetStringSlice("log-component")
	for _, raw := range overrides {
		component, levelName, ok := strings.Cut(raw, "=")
		if !ok {
			continue
		}
		if lvl, ok := parseLevel(levelName); ok {
			filter.SetLevel(component, lvl)
		}
	}

	return slog.New(filter)
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func recordCount(cmd *cobra.Command) int {
	n, _ := cmd.Flags().GetInt("records")
	if n <= 0 {
		n = 1
	}
	return n
}
