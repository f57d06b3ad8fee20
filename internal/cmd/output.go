package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/goflock/pkg/claims"
	"github.com/3leaps/goflock/pkg/journal"
	"github.com/3leaps/goflock/pkg/statedoc"
	"github.com/3leaps/goflock/pkg/tracker/github"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatJSONL = "jsonl"
)

// addOutputFlag registers -o/--output with the formats a command supports.
// The first format is the default.
func addOutputFlag(cmd *cobra.Command, formats ...string) {
	cmd.Flags().StringP("output", "o", formats[0], "Output format: "+strings.Join(formats, ", "))
	cmd.Annotations = map[string]string{"output_formats": strings.Join(formats, ",")}
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	for _, allowed := range strings.Split(cmd.Annotations["output_formats"], ",") {
		if format == allowed {
			return format, nil
		}
	}
	return "", exitError(ExitBadArguments, "Invalid --output value",
		fmt.Errorf("expected one of %s", strings.ReplaceAll(cmd.Annotations["output_formats"], ",", ", ")))
}

// writeStructured renders v as indented JSON or as YAML. YAML keys follow
// the JSON field names.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatYAML:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// fail maps a package error onto its exit code.
func fail(message string, err error) error {
	return exitError(exitCodeFor(err), message, err)
}

func exitCodeFor(err error) int {
	var apiErr *github.APIError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case claims.IsAlreadyClaimed(err), errors.Is(err, journal.ErrDocumentExists), errors.Is(err, statedoc.ErrStateExists):
		return ExitAlreadyClaimed
	case claims.IsNotFound(err), journal.IsNotFound(err), statedoc.IsNotFound(err):
		return ExitNotFound
	case claims.IsOwnershipMismatch(err):
		return ExitOwnershipMismatch
	case claims.IsContention(err):
		return ExitContention
	case claims.IsMalformed(err), journal.IsCorrupt(err), statedoc.IsInvalid(err):
		return ExitInvalidState
	case errors.Is(err, claims.ErrInvalidArgument),
		errors.Is(err, journal.ErrInvalidTaskID),
		errors.Is(err, journal.ErrInvalidPayload):
		return ExitBadArguments
	case errors.As(err, &apiErr):
		return foundry.ExitExternalServiceUnavailable
	}
	return ExitInternal
}
