package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/goflock/internal/observability"
	"github.com/3leaps/goflock/pkg/output"
	"github.com/3leaps/goflock/pkg/statedoc"
)

var (
	stateForce  bool
	stateRepair bool
	stateDryRun bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Initialize, show and validate the daemon state document",
	Long: `Work with the shared daemon state document.

validate reports every violation in the document. With --repair, shepherd
and support-role records with an invalid status or task id are reset to
idle; other problems are reported but left alone. --dry-run shows what a
repair would do without writing.

Examples:
  goflock state init
  goflock state validate
  goflock state validate --repair --dry-run
  goflock state show -o yaml`,
}

var stateInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a fresh state document",
	Args:  cobra.NoArgs,
	RunE:  runStateInit,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the state document",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate, and optionally repair, the state document",
	Args:  cobra.NoArgs,
	RunE:  runStateValidate,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateInitCmd, stateShowCmd, stateValidateCmd)

	stateInitCmd.Flags().BoolVar(&stateForce, "force", false, "Overwrite an existing document")

	addOutputFlag(stateShowCmd, formatTable, formatJSON, formatYAML)

	stateValidateCmd.Flags().BoolVar(&stateRepair, "repair", false, "Reset records with repairable errors")
	stateValidateCmd.Flags().BoolVar(&stateDryRun, "dry-run", false, "With --repair, report resets without saving")
	addOutputFlag(stateValidateCmd, formatTable, formatJSON, formatJSONL)
}

func newStateStore() *statedoc.Store {
	return statedoc.NewStore(appConfig.State.Path, nil, observability.CLILogger.Named("state"))
}

func runStateInit(cmd *cobra.Command, args []string) error {
	store := newStateStore()
	if _, err := store.Init(stateForce); err != nil {
		return fail("Failed to initialize state document", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", store.Path())
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	doc, err := newStateStore().Load()
	if err != nil {
		return fail("Failed to load state document", err)
	}

	w := cmd.OutOrStdout()
	if format != formatTable {
		return writeStructured(w, format, doc)
	}

	_, _ = fmt.Fprintf(w, "Started: %s  Running: %s  Iteration: %s\n\n",
		derefOr(doc.StartedAt, "-"), boolOr(doc.Running), intOr(doc.Iteration))

	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "SHEPHERD\tSTATUS\tISSUE\tTASK\tMODE\tPHASE")
	for _, slot := range doc.ShepherdSlots() {
		rec := doc.Shepherds[slot]
		if rec == nil {
			_, _ = fmt.Fprintf(tw, "%s\t(null)\t-\t-\t-\t-\n", slot)
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", slot, orDash(string(rec.Status)),
			intOr(rec.Issue), derefOr(rec.TaskID, "-"), derefOr(rec.ExecutionMode, "-"), derefOr(rec.LastPhase, "-"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w)

	tw = newTable(w)
	_, _ = fmt.Fprintln(tw, "ROLE\tSTATUS\tTASK\tMODE\tLAST COMPLETED")
	for _, role := range doc.SupportRoleNames() {
		rec := doc.SupportRoles[role]
		if rec == nil {
			_, _ = fmt.Fprintf(tw, "%s\t(null)\t-\t-\t-\n", role)
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", role, orDash(string(rec.Status)),
			derefOr(rec.TaskID, "-"), derefOr(rec.ExecutionMode, "-"), derefOr(rec.LastCompleted, "-"))
	}
	return tw.Flush()
}

func runStateValidate(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	res, err := newStateStore().ValidateAndRepair(statedoc.CheckOptions{Repair: stateRepair, DryRun: stateDryRun})
	if err != nil {
		return fail("Failed to validate state document", err)
	}

	w := cmd.OutOrStdout()
	switch format {
	case formatJSON:
		if err := writeStructured(w, format, res); err != nil {
			return err
		}
	case formatJSONL:
		if err := writeCheckRecords(cmd, w, res); err != nil {
			return err
		}
	default:
		writeCheckTable(w, res)
	}

	// A dry run leaves the file as it was, so its verdict is the original one.
	verdict := res.After
	if stateDryRun {
		verdict = res.Before
	}
	if !verdict.OK() {
		return exitError(ExitInvalidState, "State document has errors",
			fmt.Errorf("%d error(s), %d warning(s)", len(verdict.Errors), len(verdict.Warnings)))
	}
	return nil
}

func writeCheckTable(w io.Writer, res *statedoc.CheckResult) {
	issues := append(append([]statedoc.Issue{}, res.Before.Errors...), res.Before.Warnings...)
	if len(issues) == 0 {
		_, _ = fmt.Fprintln(w, "State document is valid.")
		return
	}

	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "SEVERITY\tKIND\tLOCATION\tVALUE")
	for _, is := range issues {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", is.Severity(), is.Kind, orDash(is.Location()), orDash(is.Value))
	}
	_ = tw.Flush()

	if len(res.Resets) == 0 {
		return
	}
	verb := "Reset"
	if !res.Saved {
		verb = "Would reset"
	}
	_, _ = fmt.Fprintln(w)
	for _, r := range res.Resets {
		_, _ = fmt.Fprintf(w, "%s %s/%s to idle (%s)\n", verb, r.Section, r.Slot, strings.Join(r.Reasons, ", "))
	}
}

func writeCheckRecords(cmd *cobra.Command, w io.Writer, res *statedoc.CheckResult) error {
	ctx := cmd.Context()
	jw := output.NewJSONLWriter(w, uuid.NewString(), "state")
	defer func() { _ = jw.Close() }()

	counts := map[string]int{}
	issues := append(append([]statedoc.Issue{}, res.Before.Errors...), res.Before.Warnings...)
	for _, is := range issues {
		counts[string(is.Kind)]++
		rec := &output.IssueRecord{
			Kind:     string(is.Kind),
			Severity: string(is.Severity()),
			Location: is.Location(),
			Value:    is.Value,
			Text:     is.String(),
		}
		if err := jw.WriteIssue(ctx, rec); err != nil {
			return err
		}
	}
	for _, r := range res.Resets {
		rec := &output.RepairRecord{Section: string(r.Section), Slot: r.Slot, Reasons: r.Reasons, DryRun: !res.Saved}
		if err := jw.WriteRepair(ctx, rec); err != nil {
			return err
		}
	}
	return jw.WriteSummary(ctx, &output.SummaryRecord{
		Total:   len(issues),
		Counts:  counts,
		Changed: len(res.Resets),
		DryRun:  stateDryRun,
	})
}

func derefOr(s *string, def string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return def
	}
	return *s
}

func boolOr(b *bool) string {
	if b == nil {
		return "-"
	}
	return fmt.Sprint(*b)
}

func intOr(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprint(*n)
}
