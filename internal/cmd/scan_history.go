package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/goflock/pkg/clock"
	"github.com/3leaps/goflock/pkg/history"
	"github.com/3leaps/goflock/pkg/scanner"
)

var (
	historyLimit     int
	historyItem      int
	historyScan      string
	historyOlderThan time.Duration
)

var scanHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded scans",
	Long: `Show scans recorded in the history database.

Without flags, lists the most recent scans. --scan shows one scan's
findings; --item shows how one item was classified across scans, which
makes repeatedly abandoned items easy to spot.

Examples:
  goflock scan history
  goflock scan history --item 42
  goflock scan history prune --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: runScanHistory,
}

var scanHistoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old scans from the history database",
	Args:  cobra.NoArgs,
	RunE:  runScanHistoryPrune,
}

func init() {
	scanCmd.AddCommand(scanHistoryCmd)
	scanHistoryCmd.AddCommand(scanHistoryPruneCmd)

	scanHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum rows to show (0 for all)")
	scanHistoryCmd.Flags().IntVar(&historyItem, "item", 0, "Show one item's findings across scans")
	scanHistoryCmd.Flags().StringVar(&historyScan, "scan", "", "Show the findings of one scan")
	addOutputFlag(scanHistoryCmd, formatTable, formatJSON, formatYAML)

	scanHistoryPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "Delete scans older than this")
}

func openHistory(ctx context.Context) (*sql.DB, error) {
	h := appConfig.History
	db, err := history.Open(ctx, history.Config{Path: h.Path, URL: h.URL, AuthToken: h.AuthToken})
	if err != nil {
		return nil, err
	}
	if err := history.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func recordScan(cmd *cobra.Command, repo string, report *scanner.Report) error {
	db, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return history.RecordScan(cmd.Context(), db, repo, report)
}

func runScanHistory(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if historyItem != 0 && historyScan != "" {
		return exitError(ExitBadArguments, "--item and --scan are mutually exclusive", nil)
	}

	ctx := cmd.Context()
	db, err := openHistory(ctx)
	if err != nil {
		return exitError(ExitInternal, "Failed to open scan history", err)
	}
	defer func() { _ = db.Close() }()

	w := cmd.OutOrStdout()
	switch {
	case historyScan != "":
		run, findings, err := history.GetScan(ctx, db, historyScan)
		if errors.Is(err, history.ErrScanNotFound) {
			return exitError(ExitNotFound, "Scan not found", err)
		}
		if err != nil {
			return exitError(ExitInternal, "Failed to read scan history", err)
		}
		if format != formatTable {
			return writeStructured(w, format, map[string]any{"scan": run, "findings": findings})
		}
		_, _ = fmt.Fprintf(w, "Scan %s of %s at %s (dry run: %t)\n\n", run.ScanID, run.Repo, run.ScannedAt, run.DryRun)
		return writeFindingRows(w, findings, false)

	case historyItem != 0:
		rows, err := history.ItemHistory(ctx, db, historyItem, historyLimit)
		if err != nil {
			return exitError(ExitInternal, "Failed to read scan history", err)
		}
		if format != formatTable {
			return writeStructured(w, format, rows)
		}
		if len(rows) == 0 {
			_, _ = fmt.Fprintf(w, "No recorded findings for item %d.\n", historyItem)
			return nil
		}
		return writeFindingRows(w, rows, true)
	}

	runs, err := history.ListScans(ctx, db, historyLimit)
	if err != nil {
		return exitError(ExitInternal, "Failed to read scan history", err)
	}
	if format != formatTable {
		return writeStructured(w, format, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No recorded scans.")
		return nil
	}
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "SCAN\tREPO\tSCANNED\tDRY RUN\tITEMS\tRECOVERED\tFAILED")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%d\n",
			r.ScanID, r.Repo, r.ScannedAt, r.DryRun, r.Items, r.Recovered, r.Failed)
	}
	return tw.Flush()
}

func writeFindingRows(w io.Writer, rows []history.FindingRow, withScan bool) error {
	tw := newTable(w)
	if withScan {
		_, _ = fmt.Fprintln(tw, "SCANNED\tSCAN\tITEM\tCLASS\tACTION\tREASON")
	} else {
		_, _ = fmt.Fprintln(tw, "ITEM\tCLASS\tACTION\tREASON")
	}
	for _, r := range rows {
		action := findingAction(r.Finding, r.DryRun)
		if withScan {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ScannedAt, r.ScanID, r.ItemID, r.Class, action, orDash(r.Reason))
			continue
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ItemID, r.Class, action, orDash(r.Reason))
	}
	return tw.Flush()
}

func runScanHistoryPrune(cmd *cobra.Command, args []string) error {
	if historyOlderThan <= 0 {
		return exitError(ExitBadArguments, "Invalid --older-than value", fmt.Errorf("must be positive, got %s", historyOlderThan))
	}
	ctx := cmd.Context()
	db, err := openHistory(ctx)
	if err != nil {
		return exitError(ExitInternal, "Failed to open scan history", err)
	}
	defer func() { _ = db.Close() }()

	cutoff := clock.StampOf(time.Now().Add(-historyOlderThan))
	n, err := history.Prune(ctx, db, cutoff.String())
	if err != nil {
		return exitError(ExitInternal, "Failed to prune scan history", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d scan(s) recorded before %s\n", n, cutoff)
	return nil
}
