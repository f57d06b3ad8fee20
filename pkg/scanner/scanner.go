// Package scanner finds work items stuck in progress with no evidence of
// activity and returns the safe cases to the available pool.
//
// Each scan lists the in-progress items once, lists open change requests
// once, and classifies every item by its age and whether a change request
// references it. Only items with no change request are recovered
// automatically; items with one are reported for a human to look at.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goflock/pkg/claims"
	"github.com/3leaps/goflock/pkg/clock"
	"github.com/3leaps/goflock/pkg/tracker"
)

// Class is the scanner's verdict on one item.
type Class string

const (
	// ClassActive needs no action.
	ClassActive Class = "active"

	// ClassStaleNoChangeRequest has been idle past the no-change-request
	// threshold with nothing linked to it. It is recovered automatically.
	ClassStaleNoChangeRequest Class = "stale_no_change_request"

	// ClassStaleWithChangeRequest has a linked change request but has been
	// idle past the longer threshold. It is reported only.
	ClassStaleWithChangeRequest Class = "stale_with_change_request"

	// ClassSkipped could not be classified, e.g. an unparseable timestamp.
	ClassSkipped Class = "skipped"
)

// Config holds scan policy.
type Config struct {
	// InProgressLabel marks items being worked on.
	InProgressLabel string

	// AvailableLabel is applied when an item is recovered.
	AvailableLabel string

	// NoChangeRequestThreshold is the idle age after which an item with
	// no change request is stale.
	NoChangeRequestThreshold time.Duration

	// WithChangeRequestThreshold is the idle age after which an item with
	// a change request is stale.
	WithChangeRequestThreshold time.Duration

	// BranchPatterns link change request branches to items. Defaults to
	// DefaultBranchPatterns.
	BranchPatterns []string

	// DryRun classifies without touching the tracker.
	DryRun bool
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		InProgressLabel:            "in-progress",
		AvailableLabel:             "available",
		NoChangeRequestThreshold:   2 * time.Hour,
		WithChangeRequestThreshold: 24 * time.Hour,
		BranchPatterns:             append([]string(nil), DefaultBranchPatterns...),
	}
}

// ClaimLister reports current claims. *claims.Store satisfies it.
type ClaimLister interface {
	List() ([]claims.Status, error)
}

// Options carries the scanner's collaborators.
type Options struct {
	// Claims, when set, marks items with a live claim as active.
	Claims ClaimLister

	Clock  clock.Clock
	Logger *zap.Logger
}

// Scanner classifies and recovers in-progress items.
type Scanner struct {
	cfg      Config
	items    tracker.Tracker
	requests tracker.ChangeRequestLister
	claims   ClaimLister
	clk      clock.Clock
	log      *zap.Logger
}

// New validates cfg and returns a scanner.
func New(items tracker.Tracker, requests tracker.ChangeRequestLister, cfg Config, opts Options) (*Scanner, error) {
	if items == nil || requests == nil {
		return nil, fmt.Errorf("scanner requires a tracker and a change request lister")
	}
	cfg.InProgressLabel = strings.TrimSpace(cfg.InProgressLabel)
	cfg.AvailableLabel = strings.TrimSpace(cfg.AvailableLabel)
	if cfg.InProgressLabel == "" || cfg.AvailableLabel == "" {
		return nil, fmt.Errorf("in-progress and available labels are required")
	}
	if cfg.InProgressLabel == cfg.AvailableLabel {
		return nil, fmt.Errorf("in-progress and available labels must differ")
	}
	if cfg.NoChangeRequestThreshold <= 0 || cfg.WithChangeRequestThreshold <= 0 {
		return nil, fmt.Errorf("stale thresholds must be positive")
	}
	if len(cfg.BranchPatterns) == 0 {
		cfg.BranchPatterns = append([]string(nil), DefaultBranchPatterns...)
	}
	if err := validatePatterns(cfg.BranchPatterns); err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scanner{
		cfg:      cfg,
		items:    items,
		requests: requests,
		claims:   opts.Claims,
		clk:      opts.Clock,
		log:      opts.Logger,
	}, nil
}

// Finding is the verdict for one item.
type Finding struct {
	ItemID         int    `json:"item_id"`
	Title          string `json:"title,omitempty"`
	Class          Class  `json:"class"`
	UpdatedAt      string `json:"updated_at"`
	AgeSeconds     int64  `json:"age_seconds"`
	ChangeRequests []int  `json:"change_requests,omitempty"`
	Claimed        bool   `json:"claimed,omitempty"`
	Recovered      bool   `json:"recovered"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Report is the outcome of one scan.
type Report struct {
	ScanID    string        `json:"scan_id"`
	ScannedAt clock.Stamp   `json:"scanned_at"`
	DryRun    bool          `json:"dry_run"`
	Findings  []Finding     `json:"findings"`
	Counts    map[Class]int `json:"counts"`
	Recovered int           `json:"recovered"`
	Failed    int           `json:"failed"`
}

// Scan lists in-progress items, classifies each and recovers the ones with
// no change request. Tracker list failures abort the scan; a failed
// recovery is recorded on its finding and the scan continues.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	now := s.clk.Now().UTC()
	report := &Report{
		ScanID:    uuid.NewString(),
		ScannedAt: clock.StampOf(now),
		DryRun:    s.cfg.DryRun,
		Findings:  []Finding{},
		Counts:    map[Class]int{},
	}
	log := s.log.With(zap.String("scan_id", report.ScanID))

	items, err := s.items.ListByLabel(ctx, s.cfg.InProgressLabel)
	if err != nil {
		return nil, fmt.Errorf("list in-progress items: %w", err)
	}
	requests, err := s.requests.ListOpenChangeRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	live, err := s.liveClaims()
	if err != nil {
		return nil, err
	}
	m := newMatcher(requests, s.cfg.BranchPatterns)

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		f := s.classify(it, now, m, live)
		if f.Class == ClassSkipped {
			log.Warn("Skipping item with unparseable timestamp",
				zap.Int("item_id", it.ID), zap.String("updated_at", it.UpdatedAt))
		}
		if f.Class == ClassStaleNoChangeRequest && !s.cfg.DryRun {
			if err := s.recover(ctx, f); err != nil {
				f.Error = err.Error()
				report.Failed++
				log.Warn("Recovery failed", zap.Int("item_id", f.ItemID), zap.Error(err))
			} else {
				f.Recovered = true
				report.Recovered++
				log.Info("Recovered stale item", zap.Int("item_id", f.ItemID), zap.Int64("age_seconds", f.AgeSeconds))
			}
		}
		if f.Class == ClassStaleWithChangeRequest {
			log.Info("Stale item has an open change request",
				zap.Int("item_id", f.ItemID), zap.Ints("change_requests", f.ChangeRequests))
		}
		report.Counts[f.Class]++
		report.Findings = append(report.Findings, f)
	}

	log.Info("Scan complete",
		zap.Int("items", len(items)),
		zap.Int("change_requests", len(requests)),
		zap.Int("recovered", report.Recovered),
		zap.Bool("dry_run", s.cfg.DryRun))
	return report, nil
}

func (s *Scanner) liveClaims() (map[int]bool, error) {
	live := map[int]bool{}
	if s.claims == nil {
		return live, nil
	}
	statuses, err := s.claims.List()
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	for _, st := range statuses {
		if st.State == claims.StateLive {
			live[st.ItemID] = true
		}
	}
	return live, nil
}

func (s *Scanner) classify(it tracker.WorkItem, now time.Time, m *matcher, live map[int]bool) Finding {
	f := Finding{ItemID: it.ID, Title: it.Title, UpdatedAt: it.UpdatedAt, Class: ClassActive}

	updated, err := time.Parse(time.RFC3339, strings.TrimSpace(it.UpdatedAt))
	if err != nil {
		f.Class = ClassSkipped
		f.Reason = "unparseable updated_at"
		return f
	}
	age := now.Sub(updated)
	f.AgeSeconds = int64(age / time.Second)
	f.ChangeRequests = m.match(it.ID)

	if live[it.ID] {
		f.Claimed = true
		f.Reason = "live claim"
		return f
	}
	switch {
	case len(f.ChangeRequests) == 0 && age > s.cfg.NoChangeRequestThreshold:
		f.Class = ClassStaleNoChangeRequest
		f.Reason = fmt.Sprintf("no change request, idle %s", age.Round(time.Minute))
	case len(f.ChangeRequests) > 0 && age > s.cfg.WithChangeRequestThreshold:
		f.Class = ClassStaleWithChangeRequest
		f.Reason = fmt.Sprintf("change request open, idle %s", age.Round(time.Minute))
	}
	return f
}

func (s *Scanner) recover(ctx context.Context, f Finding) error {
	if err := s.items.SwapLabel(ctx, f.ItemID, s.cfg.InProgressLabel, s.cfg.AvailableLabel); err != nil {
		return err
	}
	return s.items.Comment(ctx, f.ItemID, recoveryNote(f, s.cfg))
}

func recoveryNote(f Finding, cfg Config) string {
	age := (time.Duration(f.AgeSeconds) * time.Second).Round(time.Minute)
	return fmt.Sprintf("Returned to `%s`: no activity for %s and no open change request references this item. "+
		"The previous worker appears to have stopped without releasing it.", cfg.AvailableLabel, age)
}
