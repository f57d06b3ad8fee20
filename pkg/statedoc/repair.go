package statedoc

import (
	"time"

	"github.com/3leaps/goflock/pkg/clock"
)

// Reset records one record Repair returned to its idle baseline.
type Reset struct {
	Section Section  `json:"section"`
	Slot    string   `json:"slot"`
	Reasons []string `json:"reasons"`
}

// Repair resets every shepherd or support-role record named by a
// repairable issue to its idle baseline, in place, and reports which
// records were reset and why. Issues Repair cannot fix are left alone;
// callers still see them on the next Validate.
//
// Repairing an already repaired document is a no-op.
func Repair(doc *Document, issues []Issue, now time.Time) []Reset {
	stamp := clock.StampOf(now).String()

	var resets []Reset
	index := map[string]int{}
	for _, is := range issues {
		if !is.Repairable() {
			continue
		}
		key := string(is.Section) + "/" + is.Slot
		if i, ok := index[key]; ok {
			resets[i].Reasons = append(resets[i].Reasons, is.String())
			continue
		}

		switch is.Section {
		case SectionShepherds:
			if _, ok := doc.Shepherds[is.Slot]; !ok {
				continue
			}
			doc.Shepherds[is.Slot] = idleShepherd(doc.Shepherds[is.Slot], stamp)
		case SectionSupportRoles:
			if _, ok := doc.SupportRoles[is.Slot]; !ok {
				continue
			}
			doc.SupportRoles[is.Slot] = idleSupportRole(doc.SupportRoles[is.Slot], stamp)
		}
		index[key] = len(resets)
		resets = append(resets, Reset{Section: is.Section, Slot: is.Slot, Reasons: []string{is.String()}})
	}
	return resets
}

// idleShepherd returns the idle baseline for a shepherd slot. The
// execution mode and last phase are carried over from prev.
func idleShepherd(prev *ShepherdRecord, now string) *ShepherdRecord {
	rec := &ShepherdRecord{
		Status:     ShepherdIdle,
		IdleSince:  ptr(now),
		IdleReason: ptr(RepairIdleReason),
	}
	if prev != nil {
		rec.ExecutionMode = prev.ExecutionMode
		rec.LastPhase = prev.LastPhase
		rec.Extra = prev.Extra
	}
	return rec
}

func idleSupportRole(prev *SupportRoleRecord, now string) *SupportRoleRecord {
	rec := &SupportRoleRecord{
		Status:        SupportIdle,
		LastCompleted: ptr(now),
	}
	if prev != nil {
		rec.ExecutionMode = prev.ExecutionMode
		rec.Extra = prev.Extra
	}
	return rec
}
