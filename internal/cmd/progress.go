package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/goflock/internal/observability"
	"github.com/3leaps/goflock/pkg/journal"
)

var (
	progressItem      int
	progressMode      string
	progressOverwrite bool
	progressData      []string
	progressDataJSON  string
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Record and inspect per-task progress journals",
	Long: `Maintain one append-only progress journal per task.

Task handles are 7 lowercase hex characters. Each append records a
timestamped milestone and re-derives the current phase and status.

Examples:
  goflock progress start a1b2c3d --item 42 --mode direct
  goflock progress append a1b2c3d phase_entered --data phase=build
  goflock progress append a1b2c3d error --data error="tests failed" --data will_retry=true
  goflock progress show a1b2c3d -o json`,
}

var progressStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Create a task's journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgressStart,
}

var progressAppendCmd = &cobra.Command{
	Use:   "append <task-id> <event>",
	Short: "Append a milestone to a task's journal",
	Long: `Append records an event. phase_entered requires a phase; completed,
blocked and error update the task status; any other event is recorded
as-is.

Payload values given with --data are typed: true/false become booleans and
integers become numbers. Use --data-json for nested values.`,
	Args: cobra.ExactArgs(2),
	RunE: runProgressAppend,
}

var progressShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task's journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgressShow,
}

var progressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journals, most recent heartbeat first",
	Args:  cobra.NoArgs,
	RunE:  runProgressList,
}

func init() {
	rootCmd.AddCommand(progressCmd)
	progressCmd.AddCommand(progressStartCmd, progressAppendCmd, progressShowCmd, progressListCmd)

	progressStartCmd.Flags().IntVar(&progressItem, "item", 0, "Work item the task is for (required)")
	progressStartCmd.Flags().StringVar(&progressMode, "mode", "direct", "Execution mode")
	progressStartCmd.Flags().BoolVar(&progressOverwrite, "overwrite", false, "Replace an existing journal")
	_ = progressStartCmd.MarkFlagRequired("item")
	addOutputFlag(progressStartCmd, formatTable, formatJSON, formatYAML)

	progressAppendCmd.Flags().StringArrayVar(&progressData, "data", nil, "Payload field as key=value (repeatable)")
	progressAppendCmd.Flags().StringVar(&progressDataJSON, "data-json", "", "Payload as a JSON object")
	addOutputFlag(progressAppendCmd, formatTable, formatJSON, formatYAML)

	addOutputFlag(progressShowCmd, formatTable, formatJSON, formatYAML)
	addOutputFlag(progressListCmd, formatTable, formatJSON, formatYAML)
}

func newJournalStore() *journal.Store {
	return journal.NewStore(appConfig.Journal.Dir, nil, observability.CLILogger.Named("journal"))
}

func runProgressStart(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	doc, err := newJournalStore().Start(args[0], progressItem, progressMode, journal.StartOptions{Overwrite: progressOverwrite})
	if err != nil {
		return fail("Failed to start progress journal", err)
	}
	return renderJournal(cmd.OutOrStdout(), format, doc)
}

func runProgressAppend(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	payload, err := parsePayload(progressDataJSON, progressData)
	if err != nil {
		return exitError(ExitBadArguments, "Invalid payload", err)
	}
	doc, err := newJournalStore().Append(args[0], journal.Event(args[1]), payload)
	if err != nil {
		return fail("Failed to append milestone", err)
	}
	return renderJournal(cmd.OutOrStdout(), format, doc)
}

func runProgressShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	doc, err := newJournalStore().Get(args[0])
	if err != nil {
		return fail("Failed to read progress journal", err)
	}
	return renderJournal(cmd.OutOrStdout(), format, doc)
}

func runProgressList(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	res, err := newJournalStore().List()
	if err != nil {
		return fail("Failed to list progress journals", err)
	}

	w := cmd.OutOrStdout()
	if format != formatTable {
		corrupt := map[string]string{}
		for id, cerr := range res.Corrupt {
			corrupt[id] = cerr.Error()
		}
		docs := res.Documents
		if docs == nil {
			docs = []journal.Document{}
		}
		return writeStructured(w, format, map[string]any{"documents": docs, "corrupt": corrupt})
	}

	if len(res.Documents) == 0 && len(res.Corrupt) == 0 {
		_, _ = fmt.Fprintln(w, "No progress journals.")
		return nil
	}
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "TASK\tITEM\tSTATUS\tPHASE\tLAST HEARTBEAT\tMILESTONES")
	for _, d := range res.Documents {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\n",
			d.TaskID, d.ItemID, d.Status, orDash(d.CurrentPhase), d.LastHeartbeat, len(d.Milestones))
	}
	for _, id := range sortedKeys(res.Corrupt) {
		_, _ = fmt.Fprintf(tw, "%s\t-\tcorrupt\t-\t-\t-\n", id)
	}
	return tw.Flush()
}

func renderJournal(w io.Writer, format string, doc *journal.Document) error {
	if format != formatTable {
		return writeStructured(w, format, doc)
	}
	_, _ = fmt.Fprintf(w, "Task %s (item %d, mode %s)\n", doc.TaskID, doc.ItemID, orDash(doc.Mode))
	_, _ = fmt.Fprintf(w, "Status: %s  Phase: %s  Last heartbeat: %s\n\n", doc.Status, orDash(doc.CurrentPhase), doc.LastHeartbeat)

	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "TIMESTAMP\tEVENT\tDATA")
	for _, m := range doc.Milestones {
		data := "-"
		if len(m.Data) > 0 {
			b, err := json.Marshal(m.Data)
			if err != nil {
				return err
			}
			data = string(b)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Timestamp, m.Event, data)
	}
	return tw.Flush()
}

// parsePayload merges a JSON object with key=value pairs; pairs win.
func parsePayload(rawJSON string, pairs []string) (journal.Payload, error) {
	payload := journal.Payload{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &payload); err != nil {
			return nil, fmt.Errorf("--data-json must be a JSON object: %w", err)
		}
		if payload == nil {
			payload = journal.Payload{}
		}
	}
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--data %q is not key=value", pair)
		}
		payload[key] = typedValue(val)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

func typedValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
