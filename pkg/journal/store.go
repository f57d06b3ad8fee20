// Package journal maintains one append-only progress document per task.
//
// Appends rebuild the whole document in memory and replace the file with
// write-temp-then-rename, so a reader always sees a complete document.
// There is no merge of concurrent appends: a task has exactly one writer by
// convention and two writers race last-write-wins.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/goflock/pkg/atomicfile"
	"github.com/3leaps/goflock/pkg/clock"
)

// Store persists progress documents under a journal directory.
//
// Directory layout:
//
//	<root>/<task_id>.json
type Store struct {
	root string
	clk  clock.Clock
	log  *zap.Logger
}

// NewStore creates a store rooted at root. A nil clock uses clock.Real();
// a nil logger discards output.
func NewStore(root string, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: strings.TrimSpace(root), clk: clk, log: log}
}

// RootDir returns the journal directory.
func (s *Store) RootDir() string {
	return s.root
}

// Path returns the document path for a task.
func (s *Store) Path(taskID string) string {
	return filepath.Join(s.root, taskID+".json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("journal dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// StartOptions controls Start.
type StartOptions struct {
	// Overwrite replaces an existing document instead of failing.
	Overwrite bool
}

// Start creates a task's journal with a single started milestone.
func (s *Store) Start(taskID string, itemID int, mode string, opts StartOptions) (*Document, error) {
	if !TaskIDPattern.MatchString(taskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	if itemID <= 0 {
		return nil, fmt.Errorf("item id must be positive, got %d", itemID)
	}
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	if !opts.Overwrite {
		if _, err := os.Stat(s.Path(taskID)); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrDocumentExists, taskID)
		}
	}

	now := clock.StampOf(s.clk.Now())
	doc := &Document{
		TaskID:        taskID,
		ItemID:        itemID,
		Mode:          strings.TrimSpace(mode),
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        StatusWorking,
		Milestones: []Milestone{{
			Event:     EventStarted,
			Timestamp: now,
			Data:      Payload{"item_id": itemID, "mode": strings.TrimSpace(mode)},
		}},
	}
	if err := atomicfile.WriteJSON(s.Path(taskID), doc); err != nil {
		return nil, err
	}
	s.log.Debug("Progress journal started", zap.String("task_id", taskID), zap.Int("item_id", itemID))
	return doc, nil
}

// Append records an event, projects derived fields, and atomically
// replaces the document.
func (s *Store) Append(taskID string, event Event, payload Payload) (*Document, error) {
	event = Event(strings.TrimSpace(string(event)))
	if event == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidPayload)
	}
	doc, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}

	ts := clock.StampOf(s.clk.Now())
	if last := doc.LastMilestone(); last != nil && ts.Before(last.Timestamp) {
		// Keep the sequence non-decreasing under clock skew.
		ts = last.Timestamp
	}
	if err := project(doc, event, payload); err != nil {
		return nil, err
	}
	doc.Milestones = append(doc.Milestones, Milestone{Event: event, Timestamp: ts, Data: payload})
	doc.LastHeartbeat = ts

	if err := atomicfile.WriteJSON(s.Path(taskID), doc); err != nil {
		return nil, err
	}
	s.log.Debug("Progress milestone appended",
		zap.String("task_id", taskID),
		zap.String("event", string(event)),
		zap.String("status", string(doc.Status)))
	return doc, nil
}

// project applies the derived-field rules for event to doc.
func project(doc *Document, event Event, payload Payload) error {
	switch event {
	case EventPhaseEntered:
		phase, _ := payload["phase"].(string)
		phase = strings.TrimSpace(phase)
		if phase == "" {
			return fmt.Errorf("%w: %s requires a phase", ErrInvalidPayload, event)
		}
		doc.CurrentPhase = phase
	case EventCompleted:
		doc.Status = StatusCompleted
	case EventBlocked:
		doc.Status = StatusBlocked
	case EventError:
		if truthy(payload["will_retry"]) {
			doc.Status = StatusRetrying
		} else {
			doc.Status = StatusErrored
		}
	}
	return nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	}
	return false
}

// Get reads and validates a task's journal.
func (s *Store) Get(taskID string) (*Document, error) {
	if !TaskIDPattern.MatchString(taskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	b, err := os.ReadFile(s.Path(taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, taskID)
		}
		return nil, fmt.Errorf("read progress document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &CorruptError{TaskID: taskID, Reason: err.Error()}
	}
	if err := doc.validate(taskID); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) validate(taskID string) error {
	corrupt := func(format string, args ...any) error {
		return &CorruptError{TaskID: taskID, Reason: fmt.Sprintf(format, args...)}
	}
	if d.TaskID != taskID {
		return corrupt("task_id %q does not match file name", d.TaskID)
	}
	if d.ItemID <= 0 {
		return corrupt("item_id must be positive")
	}
	if _, err := clock.ParseStamp(d.StartedAt.String()); err != nil {
		return corrupt("started_at: %v", err)
	}
	if !d.Status.Valid() {
		return corrupt("unknown status %q", d.Status)
	}
	if len(d.Milestones) == 0 {
		return corrupt("no milestones")
	}
	var prev clock.Stamp
	for i, m := range d.Milestones {
		if m.Event == "" {
			return corrupt("milestone %d has no event", i)
		}
		if _, err := clock.ParseStamp(m.Timestamp.String()); err != nil {
			return corrupt("milestone %d: %v", i, err)
		}
		if m.Timestamp.Before(prev) {
			return corrupt("milestone %d goes back in time", i)
		}
		prev = m.Timestamp
	}
	return nil
}

// ListResult holds every readable journal plus the handles that failed
// validation.
type ListResult struct {
	Documents []Document
	Corrupt   map[string]error
}

// List reads every journal in the directory, newest heartbeat first.
func (s *Store) List() (*ListResult, error) {
	res := &ListResult{Corrupt: map[string]error{}}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		return nil, fmt.Errorf("read journal dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".json")
		if !TaskIDPattern.MatchString(taskID) {
			continue
		}
		doc, err := s.Get(taskID)
		if err != nil {
			res.Corrupt[taskID] = err
			s.log.Warn("Skipping unreadable progress document", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		res.Documents = append(res.Documents, *doc)
	}

	sort.Slice(res.Documents, func(i, j int) bool {
		return res.Documents[i].LastHeartbeat.After(res.Documents[j].LastHeartbeat)
	})
	return res, nil
}
