package statedoc

import (
	"encoding/json"
	"regexp"
	"sort"
)

// TaskIDPattern is the fixed format of task handles referenced from the
// state document.
var TaskIDPattern = regexp.MustCompile(`^[0-9a-f]{7}$`)

// ShepherdStatus is the lifecycle status of a shepherd slot.
type ShepherdStatus string

const (
	ShepherdWorking ShepherdStatus = "working"
	ShepherdIdle    ShepherdStatus = "idle"
	ShepherdErrored ShepherdStatus = "errored"
	ShepherdPaused  ShepherdStatus = "paused"
)

// Valid reports whether s is a known shepherd status.
func (s ShepherdStatus) Valid() bool {
	switch s {
	case ShepherdWorking, ShepherdIdle, ShepherdErrored, ShepherdPaused:
		return true
	}
	return false
}

// SupportRoleStatus is the lifecycle status of a support role.
type SupportRoleStatus string

const (
	SupportRunning SupportRoleStatus = "running"
	SupportIdle    SupportRoleStatus = "idle"
)

// Valid reports whether s is a known support-role status.
func (s SupportRoleStatus) Valid() bool {
	return s == SupportRunning || s == SupportIdle
}

// IndirectExecutionModes are the execution modes where a busy record has
// no task handle because the work runs outside the task system.
var IndirectExecutionModes = map[string]bool{
	"direct": true,
	"tmux":   true,
}

// RepairIdleReason is written to idle_reason when Repair resets a shepherd.
const RepairIdleReason = "state_repair"

// ShepherdRecord is one shepherd slot.
//
// Unknown fields are kept in Extra and written back unchanged.
type ShepherdRecord struct {
	Status        ShepherdStatus `json:"status"`
	Issue         *int           `json:"issue"`
	TaskID        *string        `json:"task_id"`
	OutputFile    *string        `json:"output_file"`
	ExecutionMode *string        `json:"execution_mode,omitempty"`
	Started       *string        `json:"started,omitempty"`
	IdleSince     *string        `json:"idle_since,omitempty"`
	IdleReason    *string        `json:"idle_reason,omitempty"`
	LastPhase     *string        `json:"last_phase,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var shepherdFields = []string{
	"status", "issue", "task_id", "output_file", "execution_mode",
	"started", "idle_since", "idle_reason", "last_phase",
}

// UnmarshalJSON decodes the record and keeps unknown fields.
func (r *ShepherdRecord) UnmarshalJSON(b []byte) error {
	type plain ShepherdRecord
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	extra, err := extraFields(b, shepherdFields)
	if err != nil {
		return err
	}
	*r = ShepherdRecord(p)
	r.Extra = extra
	return nil
}

// MarshalJSON encodes the record with its unknown fields.
func (r ShepherdRecord) MarshalJSON() ([]byte, error) {
	type plain ShepherdRecord
	return withExtra(plain(r), r.Extra)
}

// SupportRoleRecord is one support role.
type SupportRoleRecord struct {
	Status        SupportRoleStatus `json:"status"`
	TaskID        *string           `json:"task_id"`
	OutputFile    *string           `json:"output_file"`
	ExecutionMode *string           `json:"execution_mode,omitempty"`
	Started       *string           `json:"started,omitempty"`
	LastCompleted *string           `json:"last_completed,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var supportRoleFields = []string{
	"status", "task_id", "output_file", "execution_mode", "started", "last_completed",
}

// UnmarshalJSON decodes the record and keeps unknown fields.
func (r *SupportRoleRecord) UnmarshalJSON(b []byte) error {
	type plain SupportRoleRecord
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	extra, err := extraFields(b, supportRoleFields)
	if err != nil {
		return err
	}
	*r = SupportRoleRecord(p)
	r.Extra = extra
	return nil
}

// MarshalJSON encodes the record with its unknown fields.
func (r SupportRoleRecord) MarshalJSON() ([]byte, error) {
	type plain SupportRoleRecord
	return withExtra(plain(r), r.Extra)
}

// Document is the singleton coordinator state.
//
// Required fields are pointers (or nil maps) so that an absent field can be
// told apart from a zero value. Top-level fields this package does not know
// about are kept in Extra and survive a Load/Save cycle verbatim.
type Document struct {
	StartedAt    *string
	Running      *bool
	Iteration    *int
	Shepherds    map[string]*ShepherdRecord
	SupportRoles map[string]*SupportRoleRecord

	Extra map[string]json.RawMessage
}

var documentFields = []string{"started_at", "running", "iteration", "shepherds", "support_roles"}

// UnmarshalJSON decodes the document and keeps unknown fields.
func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var out Document
	decode := func(key string, v any) error {
		if msg, ok := raw[key]; ok {
			return json.Unmarshal(msg, v)
		}
		return nil
	}
	if err := decode("started_at", &out.StartedAt); err != nil {
		return err
	}
	if err := decode("running", &out.Running); err != nil {
		return err
	}
	if err := decode("iteration", &out.Iteration); err != nil {
		return err
	}
	if err := decode("shepherds", &out.Shepherds); err != nil {
		return err
	}
	if err := decode("support_roles", &out.SupportRoles); err != nil {
		return err
	}
	for _, k := range documentFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*d = out
	return nil
}

// MarshalJSON encodes the document. Absent required fields stay absent.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+len(documentFields))
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.StartedAt != nil {
		out["started_at"] = *d.StartedAt
	}
	if d.Running != nil {
		out["running"] = *d.Running
	}
	if d.Iteration != nil {
		out["iteration"] = *d.Iteration
	}
	if d.Shepherds != nil {
		out["shepherds"] = d.Shepherds
	}
	if d.SupportRoles != nil {
		out["support_roles"] = d.SupportRoles
	}
	return json.Marshal(out)
}

// ShepherdSlots returns the shepherd slot names in sorted order.
func (d *Document) ShepherdSlots() []string {
	return sortedKeys(d.Shepherds)
}

// SupportRoleNames returns the support role names in sorted order.
func (d *Document) SupportRoleNames() []string {
	return sortedKeys(d.SupportRoles)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func extraFields(b []byte, known []string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func withExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func ptr[T any](v T) *T {
	return &v
}
