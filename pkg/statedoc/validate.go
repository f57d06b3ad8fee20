package statedoc

import (
	"strings"
	"time"
)

// IssueKind classifies a validation finding.
type IssueKind string

const (
	KindMissingField        IssueKind = "MissingField"
	KindInvalidTaskIDFormat IssueKind = "InvalidTaskIdFormat"
	KindInvalidStatusValue  IssueKind = "InvalidStatusValue"
	KindMissingTaskID       IssueKind = "MissingTaskId"
	KindInvalidTimestamp    IssueKind = "InvalidTimestamp"
)

// Severity is either error or warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Severity returns the fixed severity of the kind.
func (k IssueKind) Severity() Severity {
	switch k {
	case KindMissingTaskID, KindInvalidTimestamp:
		return SeverityWarning
	}
	return SeverityError
}

// Section names the part of the document an issue belongs to.
type Section string

const (
	SectionRoot         Section = ""
	SectionShepherds    Section = "shepherds"
	SectionSupportRoles Section = "support_roles"
)

// Issue is one validation finding.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Section Section   `json:"section,omitempty"`
	Slot    string    `json:"slot,omitempty"`
	Field   string    `json:"field,omitempty"`
	Value   string    `json:"value,omitempty"`
}

// Severity returns the issue's severity.
func (i Issue) Severity() Severity {
	return i.Kind.Severity()
}

// Location is the slot name, the field name, or slot.field.
func (i Issue) Location() string {
	switch {
	case i.Slot != "" && i.Field != "":
		return i.Slot + "." + i.Field
	case i.Slot != "":
		return i.Slot
	}
	return i.Field
}

// String renders Kind:location[:value], e.g.
// InvalidTaskIdFormat:shepherd-1:ZZZ.
func (i Issue) String() string {
	s := string(i.Kind) + ":" + i.Location()
	if i.Value != "" {
		s += ":" + i.Value
	}
	return s
}

// Repairable reports whether Repair fixes this issue.
func (i Issue) Repairable() bool {
	if i.Section != SectionShepherds && i.Section != SectionSupportRoles {
		return false
	}
	return i.Kind == KindInvalidTaskIDFormat || i.Kind == KindInvalidStatusValue
}

// Result groups issues by severity.
type Result struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// OK reports whether there are no errors. Warnings do not count.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

func (r *Result) add(i Issue) {
	if i.Severity() == SeverityWarning {
		r.Warnings = append(r.Warnings, i)
		return
	}
	r.Errors = append(r.Errors, i)
}

// Validate checks every rule the document must satisfy and reports each
// violation. It never stops at the first problem.
func Validate(doc *Document) Result {
	res := Result{Errors: []Issue{}, Warnings: []Issue{}}

	if doc.StartedAt == nil {
		res.add(Issue{Kind: KindMissingField, Field: "started_at"})
	} else if !validTimestamp(*doc.StartedAt) {
		res.add(Issue{Kind: KindInvalidTimestamp, Field: "started_at", Value: *doc.StartedAt})
	}
	if doc.Running == nil {
		res.add(Issue{Kind: KindMissingField, Field: "running"})
	}
	if doc.Iteration == nil {
		res.add(Issue{Kind: KindMissingField, Field: "iteration"})
	}
	if doc.Shepherds == nil {
		res.add(Issue{Kind: KindMissingField, Field: "shepherds"})
	}
	if doc.SupportRoles == nil {
		res.add(Issue{Kind: KindMissingField, Field: "support_roles"})
	}

	for _, slot := range doc.ShepherdSlots() {
		validateShepherd(&res, slot, doc.Shepherds[slot])
	}
	for _, role := range doc.SupportRoleNames() {
		validateSupportRole(&res, role, doc.SupportRoles[role])
	}
	return res
}

func validateShepherd(res *Result, slot string, rec *ShepherdRecord) {
	issue := func(kind IssueKind, field, value string) {
		res.add(Issue{Kind: kind, Section: SectionShepherds, Slot: slot, Field: field, Value: value})
	}
	if rec == nil {
		issue(KindInvalidStatusValue, "", "null")
		return
	}

	if !rec.Status.Valid() {
		issue(KindInvalidStatusValue, "", string(rec.Status))
	}
	if rec.TaskID != nil && !TaskIDPattern.MatchString(*rec.TaskID) {
		issue(KindInvalidTaskIDFormat, "", *rec.TaskID)
	}
	if rec.Status == ShepherdWorking && isBlank(rec.TaskID) && !indirect(rec.ExecutionMode) {
		issue(KindMissingTaskID, "", string(rec.Status))
	}
	checkTimestamp(rec.Started, func(v string) { issue(KindInvalidTimestamp, "started", v) })
	checkTimestamp(rec.IdleSince, func(v string) { issue(KindInvalidTimestamp, "idle_since", v) })
}

func validateSupportRole(res *Result, role string, rec *SupportRoleRecord) {
	issue := func(kind IssueKind, field, value string) {
		res.add(Issue{Kind: kind, Section: SectionSupportRoles, Slot: role, Field: field, Value: value})
	}
	if rec == nil {
		issue(KindInvalidStatusValue, "", "null")
		return
	}

	if !rec.Status.Valid() {
		issue(KindInvalidStatusValue, "", string(rec.Status))
	}
	if rec.TaskID != nil && !TaskIDPattern.MatchString(*rec.TaskID) {
		issue(KindInvalidTaskIDFormat, "", *rec.TaskID)
	}
	if rec.Status == SupportRunning && isBlank(rec.TaskID) && !indirect(rec.ExecutionMode) {
		issue(KindMissingTaskID, "", string(rec.Status))
	}
	checkTimestamp(rec.Started, func(v string) { issue(KindInvalidTimestamp, "started", v) })
	checkTimestamp(rec.LastCompleted, func(v string) { issue(KindInvalidTimestamp, "last_completed", v) })
}

func checkTimestamp(v *string, report func(string)) {
	if v != nil && !validTimestamp(*v) {
		report(*v)
	}
}

// validTimestamp accepts any RFC 3339 instant; the state document is
// written by several tools and fractional seconds or offsets are common.
func validTimestamp(s string) bool {
	_, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	return err == nil
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func indirect(mode *string) bool {
	return mode != nil && IndirectExecutionModes[strings.TrimSpace(*mode)]
}
