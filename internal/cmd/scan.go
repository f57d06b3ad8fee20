package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflock/internal/observability"
	"github.com/3leaps/goflock/pkg/output"
	"github.com/3leaps/goflock/pkg/scanner"
	"github.com/3leaps/goflock/pkg/tracker/github"
)

var (
	scanDryRun    bool
	scanRepo      string
	scanAPIURL    string
	scanNoClaims  bool
	scanNoHistory bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find abandoned in-progress items and return them to the pool",
	Long: `Scan lists open items labelled in-progress and classifies each one:

  active                     recent activity, a live claim, or not old enough
  stale_no_change_request    idle past the no-PR threshold with no linked PR;
                             relabelled available with a note
  stale_with_change_request  idle past the with-PR threshold with a linked
                             PR; reported only
  skipped                    unparseable timestamps

A pull request is linked to an item when its body says "fixes #N" (or
closes/resolves/refs) or its head branch matches one of the configured
branch patterns with {id} replaced by the item number.

Examples:
  goflock scan --dry-run
  goflock scan --repo acme/widgets -o jsonl`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "Classify without changing labels or commenting")
	scanCmd.Flags().StringVar(&scanRepo, "repo", "", "Repository as owner/name (default: scanner.repo)")
	scanCmd.Flags().StringVar(&scanAPIURL, "api-url", "", "GitHub API base URL (default: scanner.api_url)")
	scanCmd.Flags().BoolVar(&scanNoClaims, "no-claims", false, "Ignore the local claim store when classifying")
	scanCmd.Flags().BoolVar(&scanNoHistory, "no-history", false, "Do not record this scan in the history database")
	addOutputFlag(scanCmd, formatTable, formatJSON, formatJSONL)
}

func runScan(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	sc := appConfig.Scanner
	logger := observability.CLILogger.Named("scan")

	repo := sc.Repo
	if strings.TrimSpace(scanRepo) != "" {
		repo = scanRepo
	}
	owner, name, err := github.ParseRepo(repo)
	if err != nil {
		return exitError(ExitBadArguments, "Invalid repository", err)
	}
	apiURL := sc.APIURL
	if strings.TrimSpace(scanAPIURL) != "" {
		apiURL = scanAPIURL
	}

	client, err := github.NewClient(github.Config{
		BaseURL:           apiURL,
		Owner:             owner,
		Repo:              name,
		Token:             sc.Token,
		RequestsPerSecond: sc.RateLimit,
		Logger:            logger.Named("github"),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid GitHub client configuration", err)
	}
	if sc.Token == "" {
		logger.Warn("No GitHub token configured; requests are unauthenticated and recovery will fail")
	}

	opts := scanner.Options{Logger: logger}
	if !scanNoClaims {
		opts.Claims = newClaimStore()
	}
	s, err := scanner.New(client, client, scanner.Config{
		InProgressLabel:            sc.InProgressLabel,
		AvailableLabel:             sc.AvailableLabel,
		NoChangeRequestThreshold:   sc.NoChangeRequestThreshold,
		WithChangeRequestThreshold: sc.WithChangeRequestThreshold,
		BranchPatterns:             sc.BranchPatterns,
		DryRun:                     scanDryRun,
	}, opts)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scanner configuration", err)
	}

	start := time.Now()
	report, err := s.Scan(cmd.Context())
	if err != nil {
		return fail("Scan failed", err)
	}
	logger.Debug("Scan finished", zap.String("scan_id", report.ScanID), zap.Duration("duration", time.Since(start)))
	if appConfig.History.Enabled && !scanNoHistory {
		if err := recordScan(cmd, owner+"/"+name, report); err != nil {
			logger.Warn("Failed to record scan history", zap.Error(err))
		}
	}

	w := cmd.OutOrStdout()
	switch format {
	case formatJSON:
		err = writeStructured(w, format, report)
	case formatJSONL:
		err = writeScanRecords(cmd, w, report, time.Since(start))
	default:
		err = writeScanTable(w, report)
	}
	if err != nil {
		return err
	}

	if report.Failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scan completed with recovery failures",
			fmt.Errorf("failed=%d", report.Failed))
	}
	return nil
}

func writeScanTable(w io.Writer, report *scanner.Report) error {
	if len(report.Findings) == 0 {
		_, _ = fmt.Fprintln(w, "No in-progress items.")
		return nil
	}
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ITEM\tCLASS\tAGE\tPRS\tACTION\tTITLE")
	for _, f := range report.Findings {
		age := "-"
		if f.Class != scanner.ClassSkipped {
			age = (time.Duration(f.AgeSeconds) * time.Second).Round(time.Minute).String()
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			f.ItemID, f.Class, age, joinInts(f.ChangeRequests), findingAction(f, report.DryRun), orDash(f.Title))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "\n%d item(s): %d active, %d stale without PR, %d stale with PR, %d skipped; %d recovered, %d failed\n",
		len(report.Findings),
		report.Counts[scanner.ClassActive],
		report.Counts[scanner.ClassStaleNoChangeRequest],
		report.Counts[scanner.ClassStaleWithChangeRequest],
		report.Counts[scanner.ClassSkipped],
		report.Recovered, report.Failed)
	return nil
}

func findingAction(f scanner.Finding, dryRun bool) string {
	switch {
	case f.Error != "":
		return "failed"
	case f.Recovered:
		return "recovered"
	case f.Class == scanner.ClassStaleNoChangeRequest && dryRun:
		return "would recover"
	case f.Class == scanner.ClassStaleWithChangeRequest:
		return "review"
	}
	return "-"
}

func writeScanRecords(cmd *cobra.Command, w io.Writer, report *scanner.Report, elapsed time.Duration) error {
	ctx := cmd.Context()
	jw := output.NewJSONLWriter(w, report.ScanID, "scan")
	defer func() { _ = jw.Close() }()

	for _, f := range report.Findings {
		rec := &output.FindingRecord{
			ItemID:         f.ItemID,
			Title:          f.Title,
			Class:          string(f.Class),
			UpdatedAt:      f.UpdatedAt,
			AgeSeconds:     f.AgeSeconds,
			ChangeRequests: f.ChangeRequests,
			Claimed:        f.Claimed,
			Recovered:      f.Recovered,
			Reason:         f.Reason,
			Error:          f.Error,
		}
		if err := jw.WriteFinding(ctx, rec); err != nil {
			return err
		}
		if f.Error != "" {
			if err := jw.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeRecoveryFailed,
				Message: f.Error,
				ItemID:  f.ItemID,
			}); err != nil {
				return err
			}
		}
		if f.Class == scanner.ClassSkipped {
			if err := jw.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeUnparseable,
				Message: f.Reason,
				ItemID:  f.ItemID,
				Details: map[string]string{"updated_at": f.UpdatedAt},
			}); err != nil {
				return err
			}
		}
	}

	counts := map[string]int{}
	for class, n := range report.Counts {
		counts[string(class)] = n
	}
	return jw.WriteSummary(ctx, &output.SummaryRecord{
		Total:         len(report.Findings),
		Counts:        counts,
		Changed:       report.Recovered,
		Failed:        report.Failed,
		DryRun:        report.DryRun,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	})
}

func joinInts(ns []int) string {
	if len(ns) == 0 {
		return "-"
	}
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, ",")
}
