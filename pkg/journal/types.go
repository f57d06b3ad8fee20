package journal

import (
	"regexp"

	"github.com/3leaps/goflock/pkg/clock"
)

// TaskIDPattern is the fixed format of task handles: 7 lowercase hex
// characters.
var TaskIDPattern = regexp.MustCompile(`^[0-9a-f]{7}$`)

// Status is the derived status of a task.
//
// NOTE: These values are persisted and are part of the stable on-disk
// contract.
type Status string

const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusErrored   Status = "errored"
	StatusRetrying  Status = "retrying"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWorking, StatusCompleted, StatusBlocked, StatusErrored, StatusRetrying:
		return true
	}
	return false
}

// Event tags a milestone. Only the events with a projection rule change
// derived fields; any other tag is recorded as-is.
type Event string

const (
	EventStarted         Event = "started"
	EventPhaseEntered    Event = "phase_entered"
	EventWorktreeCreated Event = "worktree_created"
	EventFirstCommit     Event = "first_commit"
	EventPRCreated       Event = "pr_created"
	EventHeartbeat       Event = "heartbeat"
	EventCompleted       Event = "completed"
	EventBlocked         Event = "blocked"
	EventError           Event = "error"
)

// Payload is the event-specific data carried by a milestone.
type Payload map[string]any

// Milestone is one journal entry.
type Milestone struct {
	Event     Event       `json:"event"`
	Timestamp clock.Stamp `json:"timestamp"`
	Data      Payload     `json:"data,omitempty"`
}

// Document is the whole progress journal for one task.
type Document struct {
	TaskID        string      `json:"task_id"`
	ItemID        int         `json:"item_id"`
	Mode          string      `json:"mode"`
	StartedAt     clock.Stamp `json:"started_at"`
	CurrentPhase  string      `json:"current_phase,omitempty"`
	LastHeartbeat clock.Stamp `json:"last_heartbeat"`
	Status        Status      `json:"status"`
	Milestones    []Milestone `json:"milestones"`
}

// LastMilestone returns the most recent milestone, or nil for an empty
// journal.
func (d *Document) LastMilestone() *Milestone {
	if len(d.Milestones) == 0 {
		return nil
	}
	return &d.Milestones[len(d.Milestones)-1]
}
