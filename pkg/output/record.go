// Package output provides JSONL output for goflock reports.
//
// Output is structured as typed record envelopes: scan findings, claim
// listings, state document issues and repairs, errors, and summaries. Each
// line is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope types, versioned as goflock.<kind>.v<N>.
const (
	TypeFinding = "goflock.finding.v1"
	TypeClaim   = "goflock.claim.v1"
	TypeIssue   = "goflock.issue.v1"
	TypeRepair  = "goflock.repair.v1"
	TypeError   = "goflock.error.v1"
	TypeSummary = "goflock.summary.v1"
)

// Record is one JSONL line. Type selects the shape of Data.
type Record struct {
	Type   string          `json:"type"`
	TS     time.Time       `json:"ts"`
	RunID  string          `json:"run_id"`
	Source string          `json:"source"` // producing command: scan, claim, state
	Data   json.RawMessage `json:"data"`
}

// FindingRecord is the data payload for one scanned work item.
type FindingRecord struct {
	ItemID         int    `json:"item_id"`
	Title          string `json:"title,omitempty"`
	Class          string `json:"class"`
	UpdatedAt      string `json:"updated_at"`
	AgeSeconds     int64  `json:"age_seconds"`
	ChangeRequests []int  `json:"change_requests,omitempty"`
	Claimed        bool   `json:"claimed,omitempty"`
	Recovered      bool   `json:"recovered"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ClaimRecord is the data payload for one claim directory.
type ClaimRecord struct {
	ItemID     int    `json:"item_id"`
	State      string `json:"state"`
	OwnerID    string `json:"owner_id,omitempty"`
	ClaimedAt  string `json:"claimed_at,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// IssueRecord is the data payload for a state document validation issue.
type IssueRecord struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Location string `json:"location"`
	Value    string `json:"value,omitempty"`

	// Text is the compact Kind:location:value rendering.
	Text string `json:"text"`
}

// RepairRecord is the data payload for a reset state record.
type RepairRecord struct {
	Section string   `json:"section"`
	Slot    string   `json:"slot"`
	Reasons []string `json:"reasons"`
	DryRun  bool     `json:"dry_run"`
}

// ErrorRecord reports a per-item failure inside an otherwise
// successful stream.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ItemID  int    `json:"item_id,omitempty"`
	Details any    `json:"details,omitempty"`
}

const (
	ErrCodeRecoveryFailed = "RECOVERY_FAILED" // relabel or comment on a stale item failed
	ErrCodeUnparseable    = "UNPARSEABLE"
	ErrCodeInternal       = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts,omitempty"` // by class, state or kind
	Changed int            `json:"changed"`          // recovered, reset or removed
	Failed  int            `json:"failed"`
	DryRun  bool           `json:"dry_run"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

var ErrWriterClosed = errors.New("writer is closed")

// WriteError records which step of emitting a line failed.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
