package cmd

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflock/internal/observability"
	"github.com/3leaps/goflock/pkg/claims"
	"github.com/3leaps/goflock/pkg/output"
)

var (
	claimOwner string
	claimTTL   time.Duration
	claimForce bool
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Acquire, extend, release and inspect work item claims",
	Long: `Manage exclusive claims on work items.

A claim is a directory under the claims root created with an atomic mkdir.
Exactly one caller wins; the winner holds a lease that expires after the
TTL. Expired, incomplete and malformed claims are reclaimed by the next
caller that tries to claim the item.

Examples:
  goflock claim acquire 42 --owner agent-7 --ttl 30m
  goflock claim extend 42 --owner agent-7 --ttl 15m
  goflock claim release 42 --owner agent-7
  goflock claim list -o jsonl`,
}

var claimAcquireCmd = &cobra.Command{
	Use:   "acquire <item-id>",
	Short: "Claim a work item",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimAcquire,
}

var claimExtendCmd = &cobra.Command{
	Use:   "extend <item-id>",
	Short: "Push out the expiry of an owned claim",
	Long: `Extend sets the new expiry to now plus --ttl. The extension is not
cumulative: extending twice by 10m leaves 10m on the lease, not 20m.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaimExtend,
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release <item-id>",
	Short: "Release a claim",
	Long: `Release removes an item's claim. The caller must pass the owner that
holds the claim, or --force to release regardless of owner.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaimRelease,
}

var claimCheckCmd = &cobra.Command{
	Use:   "check <item-id>",
	Short: "Show the claim on one item",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimCheck,
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every claim under the claims root",
	Args:  cobra.NoArgs,
	RunE:  runClaimList,
}

var claimCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired and stale malformed claims",
	Args:  cobra.NoArgs,
	RunE:  runClaimCleanup,
}

func init() {
	rootCmd.AddCommand(claimCmd)
	claimCmd.AddCommand(claimAcquireCmd, claimExtendCmd, claimReleaseCmd, claimCheckCmd, claimListCmd, claimCleanupCmd)

	claimAcquireCmd.Flags().StringVar(&claimOwner, "owner", "", "Owner identifier (default: generated host-scoped id)")
	claimAcquireCmd.Flags().DurationVar(&claimTTL, "ttl", 0, "Lease duration (default: claims.default_ttl)")
	addOutputFlag(claimAcquireCmd, formatTable, formatJSON, formatYAML)

	claimExtendCmd.Flags().StringVar(&claimOwner, "owner", "", "Owner identifier (required)")
	claimExtendCmd.Flags().DurationVar(&claimTTL, "ttl", 0, "New lease duration from now (default: claims.default_ttl)")
	_ = claimExtendCmd.MarkFlagRequired("owner")
	addOutputFlag(claimExtendCmd, formatTable, formatJSON, formatYAML)

	claimReleaseCmd.Flags().StringVar(&claimOwner, "owner", "", "Owner identifier that holds the claim")
	claimReleaseCmd.Flags().BoolVar(&claimForce, "force", false, "Release regardless of owner")

	addOutputFlag(claimCheckCmd, formatTable, formatJSON, formatYAML)
	addOutputFlag(claimListCmd, formatTable, formatJSON, formatYAML, formatJSONL)
}

func newClaimStore() *claims.Store {
	c := appConfig.Claims
	return claims.NewStore(c.Root, claims.Options{
		Logger:          observability.CLILogger.Named("claims"),
		MaxAttempts:     c.MaxAttempts,
		IncompleteGrace: c.IncompleteGrace,
		RetryBackoff:    c.RetryBackoff,
	})
}

func parseItemID(arg string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || id <= 0 {
		return 0, exitError(ExitBadArguments, "Invalid item id", fmt.Errorf("expected a positive integer, got %q", arg))
	}
	return id, nil
}

// ttlSeconds resolves --ttl against the configured default, rounding up to
// whole seconds.
func ttlSeconds(d time.Duration) (int, error) {
	if d == 0 {
		d = appConfig.Claims.DefaultTTL
	}
	if d < time.Second {
		return 0, exitError(ExitBadArguments, "Invalid --ttl value", fmt.Errorf("ttl must be at least 1s, got %s", d))
	}
	return int(math.Ceil(d.Seconds())), nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "goflock"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func runClaimAcquire(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	itemID, err := parseItemID(args[0])
	if err != nil {
		return err
	}
	ttl, err := ttlSeconds(claimTTL)
	if err != nil {
		return err
	}
	owner := strings.TrimSpace(claimOwner)
	if owner == "" {
		owner = defaultOwner()
	}

	c, err := newClaimStore().Claim(cmd.Context(), itemID, owner, ttl)
	if err != nil {
		return fail(fmt.Sprintf("Failed to claim item %d", itemID), err)
	}
	observability.CLILogger.Info("Claimed item", zap.Int("item_id", itemID), zap.String("owner_id", owner))
	return renderClaim(cmd.OutOrStdout(), format, c)
}

func runClaimExtend(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	itemID, err := parseItemID(args[0])
	if err != nil {
		return err
	}
	ttl, err := ttlSeconds(claimTTL)
	if err != nil {
		return err
	}

	c, err := newClaimStore().Extend(itemID, strings.TrimSpace(claimOwner), ttl)
	if err != nil {
		return fail(fmt.Sprintf("Failed to extend claim on item %d", itemID), err)
	}
	return renderClaim(cmd.OutOrStdout(), format, c)
}

func runClaimRelease(cmd *cobra.Command, args []string) error {
	itemID, err := parseItemID(args[0])
	if err != nil {
		return err
	}
	owner := strings.TrimSpace(claimOwner)
	if owner == "" && !claimForce {
		return exitError(ExitBadArguments, "release requires --owner or --force", nil)
	}
	if claimForce {
		owner = ""
	}

	if err := newClaimStore().Release(itemID, owner); err != nil {
		return fail(fmt.Sprintf("Failed to release claim on item %d", itemID), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released claim on item %d\n", itemID)
	return nil
}

func runClaimCheck(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	itemID, err := parseItemID(args[0])
	if err != nil {
		return err
	}

	st, err := newClaimStore().Check(itemID)
	if err != nil {
		return fail(fmt.Sprintf("Failed to check item %d", itemID), err)
	}
	if format != formatTable {
		return writeStructured(cmd.OutOrStdout(), format, st)
	}
	return writeClaimTable(cmd.OutOrStdout(), []claims.Status{*st})
}

func runClaimList(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	statuses, err := newClaimStore().List()
	if err != nil {
		return fail("Failed to list claims", err)
	}

	w := cmd.OutOrStdout()
	switch format {
	case formatJSONL:
		return writeClaimRecords(cmd, w, statuses)
	case formatJSON, formatYAML:
		if statuses == nil {
			statuses = []claims.Status{}
		}
		return writeStructured(w, format, statuses)
	}
	if len(statuses) == 0 {
		_, _ = fmt.Fprintln(w, "No claims.")
		return nil
	}
	return writeClaimTable(w, statuses)
}

func runClaimCleanup(cmd *cobra.Command, args []string) error {
	removed, err := newClaimStore().Cleanup()
	if err != nil {
		return fail("Claim cleanup failed", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d claim(s)\n", removed)
	return nil
}

func renderClaim(w io.Writer, format string, c *claims.Claim) error {
	if format != formatTable {
		return writeStructured(w, format, c)
	}
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "ITEM\t%d\n", c.ItemID)
	_, _ = fmt.Fprintf(tw, "OWNER\t%s\n", c.OwnerID)
	_, _ = fmt.Fprintf(tw, "CLAIMED\t%s\n", c.ClaimedAt)
	_, _ = fmt.Fprintf(tw, "EXPIRES\t%s\n", c.ExpiresAt)
	_, _ = fmt.Fprintf(tw, "TTL\t%s\n", time.Duration(c.TTLSeconds)*time.Second)
	return tw.Flush()
}

func writeClaimTable(w io.Writer, statuses []claims.Status) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ITEM\tSTATE\tOWNER\tCLAIMED\tEXPIRES")
	for _, st := range statuses {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			st.ItemID, st.State, orDash(st.OwnerID), orDash(st.ClaimedAt.String()), orDash(st.ExpiresAt.String()))
	}
	return tw.Flush()
}

func writeClaimRecords(cmd *cobra.Command, w io.Writer, statuses []claims.Status) error {
	ctx := cmd.Context()
	jw := output.NewJSONLWriter(w, uuid.NewString(), "claims")
	defer func() { _ = jw.Close() }()

	counts := map[string]int{}
	for _, st := range statuses {
		counts[string(st.State)]++
		rec := &output.ClaimRecord{
			ItemID:     st.ItemID,
			State:      string(st.State),
			OwnerID:    st.OwnerID,
			ClaimedAt:  st.ClaimedAt.String(),
			ExpiresAt:  st.ExpiresAt.String(),
			TTLSeconds: st.TTLSeconds,
		}
		if err := jw.WriteClaim(ctx, rec); err != nil {
			return err
		}
	}
	return jw.WriteSummary(ctx, &output.SummaryRecord{Total: len(statuses), Counts: counts})
}
