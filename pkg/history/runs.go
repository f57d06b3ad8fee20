package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/goflock/pkg/scanner"
)

// ErrScanNotFound indicates no recorded scan has the requested id.
var ErrScanNotFound = errors.New("scan not found")

// ScanRun is one recorded scan.
type ScanRun struct {
	ScanID    string `json:"scan_id"`
	Repo      string `json:"repo"`
	ScannedAt string `json:"scanned_at"`
	DryRun    bool   `json:"dry_run"`
	Items     int    `json:"items"`
	Recovered int    `json:"recovered"`
	Failed    int    `json:"failed"`
}

// FindingRow is one recorded finding, joined with its scan's time.
type FindingRow struct {
	ScanID    string `json:"scan_id"`
	ScannedAt string `json:"scanned_at"`
	DryRun    bool   `json:"dry_run"`
	scanner.Finding
}

// RecordScan stores a report and all of its findings in one transaction.
func RecordScan(ctx context.Context, db *sql.DB, repo string, report *scanner.Report) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if report == nil {
		return errors.New("report is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scan_runs
		 (scan_id, repo, scanned_at, dry_run, items, recovered, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ScanID, repo, report.ScannedAt.String(), boolInt(report.DryRun),
		len(report.Findings), report.Recovered, report.Failed)
	if err != nil {
		return fmt.Errorf("insert scan_run: %w", err)
	}

	for _, f := range report.Findings {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO scan_findings
			 (scan_id, item_id, class, updated_at, age_seconds, change_requests,
			  claimed, recovered, reason, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.ScanID, f.ItemID, string(f.Class), nullString(f.UpdatedAt), f.AgeSeconds,
			nullString(joinInts(f.ChangeRequests)), boolInt(f.Claimed), boolInt(f.Recovered),
			nullString(f.Reason), nullString(f.Error))
		if err != nil {
			return fmt.Errorf("insert scan_finding %d: %w", f.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scan: %w", err)
	}
	return nil
}

// ListScans returns the most recent scans first. limit <= 0 means all.
func ListScans(ctx context.Context, db *sql.DB, limit int) ([]ScanRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx,
		`SELECT scan_id, repo, scanned_at, dry_run, items, recovered, failed
		 FROM scan_runs
		 ORDER BY scanned_at DESC, scan_id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan_runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []ScanRun{}
	for rows.Next() {
		var r ScanRun
		var dryRun int
		if err := rows.Scan(&r.ScanID, &r.Repo, &r.ScannedAt, &dryRun, &r.Items, &r.Recovered, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan scan_run: %w", err)
		}
		r.DryRun = dryRun != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetScan returns one scan and its findings in item order.
func GetScan(ctx context.Context, db *sql.DB, scanID string) (*ScanRun, []FindingRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var r ScanRun
	var dryRun int
	err := db.QueryRowContext(ctx,
		`SELECT scan_id, repo, scanned_at, dry_run, items, recovered, failed
		 FROM scan_runs WHERE scan_id = ?`, scanID).
		Scan(&r.ScanID, &r.Repo, &r.ScannedAt, &dryRun, &r.Items, &r.Recovered, &r.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrScanNotFound, scanID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get scan_run: %w", err)
	}
	r.DryRun = dryRun != 0

	findings, err := queryFindings(ctx, db, `WHERE f.scan_id = ? ORDER BY f.item_id`, scanID)
	if err != nil {
		return nil, nil, err
	}
	return &r, findings, nil
}

// ItemHistory returns an item's findings across scans, most recent first.
// limit <= 0 means all.
func ItemHistory(ctx context.Context, db *sql.DB, itemID int, limit int) ([]FindingRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = -1
	}
	return queryFindings(ctx, db, `WHERE f.item_id = ? ORDER BY r.scanned_at DESC, r.scan_id LIMIT ?`, itemID, limit)
}

// Prune deletes scans recorded before the given stamp and returns how many
// were removed.
func Prune(ctx context.Context, db *sql.DB, before string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scan_findings
		 WHERE scan_id IN (SELECT scan_id FROM scan_runs WHERE scanned_at < ?)`, before); err != nil {
		return 0, fmt.Errorf("prune scan_findings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scan_runs WHERE scanned_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune scan_runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}

func queryFindings(ctx context.Context, db *sql.DB, tail string, args ...any) ([]FindingRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT f.scan_id, r.scanned_at, r.dry_run, f.item_id, f.class, f.updated_at,
		        f.age_seconds, f.change_requests, f.claimed, f.recovered, f.reason, f.error
		 FROM scan_findings f
		 JOIN scan_runs r ON r.scan_id = f.scan_id `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query scan_findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []FindingRow{}
	for rows.Next() {
		var row FindingRow
		var dryRun, claimed, recovered int
		var class string
		var updatedAt, changeRequests, reason, errText sql.NullString
		err := rows.Scan(&row.ScanID, &row.ScannedAt, &dryRun, &row.ItemID, &class, &updatedAt,
			&row.AgeSeconds, &changeRequests, &claimed, &recovered, &reason, &errText)
		if err != nil {
			return nil, fmt.Errorf("scan scan_finding: %w", err)
		}
		row.DryRun = dryRun != 0
		row.Class = scanner.Class(class)
		row.UpdatedAt = updatedAt.String
		row.ChangeRequests = splitInts(changeRequests.String)
		row.Claimed = claimed != 0
		row.Recovered = recovered != 0
		row.Reason = reason.String
		row.Error = errText.String
		out = append(out, row)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
