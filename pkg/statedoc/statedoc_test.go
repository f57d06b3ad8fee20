package statedoc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goflock/pkg/clock"
)

var testNow = time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

const validDoc = `{
  "started_at": "2026-01-19T08:00:00Z",
  "running": true,
  "iteration": 12,
  "daemon_pid": 4242,
  "shepherds": {
    "shepherd-1": {"status": "working", "issue": 42, "task_id": "a1b2c3d", "output_file": "/tmp/out", "execution_mode": "worktree", "started": "2026-01-19T09:00:00Z"},
    "shepherd-2": {"status": "idle", "issue": null, "task_id": null, "output_file": null, "idle_since": "2026-01-19T10:00:00.123Z", "idle_reason": "completed"},
    "shepherd-3": {"status": "working", "issue": 7, "task_id": null, "output_file": null, "execution_mode": "tmux", "note": "manual"}
  },
  "support_roles": {
    "guide": {"status": "running", "task_id": "0123abc", "output_file": null, "started": "2026-01-19T11:00:00+02:00"},
    "champion": {"status": "idle", "task_id": null, "output_file": null, "last_completed": "2026-01-19T11:30:00Z"}
  }
}`

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	doc, err := Parse([]byte(s))
	require.NoError(t, err)
	return doc
}

func issueStrings(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.String())
	}
	return out
}

func TestValidate_Clean(t *testing.T) {
	res := Validate(mustParse(t, validDoc))
	assert.True(t, res.OK())
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidate_MissingFields(t *testing.T) {
	res := Validate(mustParse(t, `{}`))
	assert.False(t, res.OK())
	assert.Equal(t, []string{
		"MissingField:started_at",
		"MissingField:running",
		"MissingField:iteration",
		"MissingField:shepherds",
		"MissingField:support_roles",
	}, issueStrings(res.Errors))
}

func TestValidate_Issues(t *testing.T) {
	tests := []struct {
		name         string
		shepherd     string
		wantErrors   []string
		wantWarnings []string
	}{
		{
			name:       "bad task id",
			shepherd:   `{"status": "working", "task_id": "ZZZ", "issue": 1, "output_file": null}`,
			wantErrors: []string{"InvalidTaskIdFormat:shepherd-1:ZZZ"},
		},
		{
			name:       "bad status",
			shepherd:   `{"status": "sleeping", "task_id": null, "issue": null, "output_file": null}`,
			wantErrors: []string{"InvalidStatusValue:shepherd-1:sleeping"},
		},
		{
			name:       "bad status and task id",
			shepherd:   `{"status": "done", "task_id": "abc", "issue": null, "output_file": null}`,
			wantErrors: []string{"InvalidStatusValue:shepherd-1:done", "InvalidTaskIdFormat:shepherd-1:abc"},
		},
		{
			name:       "null record",
			shepherd:   `null`,
			wantErrors: []string{"InvalidStatusValue:shepherd-1:null"},
		},
		{
			name:         "working without task id",
			shepherd:     `{"status": "working", "task_id": null, "issue": 3, "output_file": null, "execution_mode": "worktree"}`,
			wantWarnings: []string{"MissingTaskId:shepherd-1:working"},
		},
		{
			name:     "working without task id in direct mode",
			shepherd: `{"status": "working", "task_id": null, "issue": 3, "output_file": null, "execution_mode": "direct"}`,
		},
		{
			name:         "bad timestamps",
			shepherd:     `{"status": "idle", "task_id": null, "issue": null, "output_file": null, "started": "soon", "idle_since": "yesterday"}`,
			wantWarnings: []string{"InvalidTimestamp:shepherd-1.started:soon", "InvalidTimestamp:shepherd-1.idle_since:yesterday"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := mustParse(t, `{"started_at": "2026-01-19T08:00:00Z", "running": true, "iteration": 1,
				"shepherds": {"shepherd-1": `+tt.shepherd+`}, "support_roles": {}}`)
			res := Validate(doc)
			assert.Equal(t, nilIfEmpty(tt.wantErrors), nilIfEmpty(issueStrings(res.Errors)))
			assert.Equal(t, nilIfEmpty(tt.wantWarnings), nilIfEmpty(issueStrings(res.Warnings)))
		})
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestRepair_ResetsShepherdAndIsIdempotent(t *testing.T) {
	doc := mustParse(t, `{
	  "started_at": "2026-01-19T08:00:00Z", "running": true, "iteration": 3,
	  "shepherds": {
	    "shepherd-1": {"status": "working", "issue": 42, "task_id": "ZZZ", "output_file": "/tmp/x", "execution_mode": "worktree", "last_phase": "build"},
	    "shepherd-2": {"status": "working", "issue": 9, "task_id": "a1b2c3d", "output_file": null}
	  },
	  "support_roles": {
	    "guide": {"status": "busy", "task_id": null, "output_file": null}
	  }
	}`)

	res := Validate(doc)
	require.Equal(t, []string{
		"InvalidTaskIdFormat:shepherd-1:ZZZ",
		"InvalidStatusValue:guide:busy",
	}, issueStrings(res.Errors))

	resets := Repair(doc, res.Errors, testNow)
	require.Len(t, resets, 2)
	assert.Equal(t, Reset{Section: SectionShepherds, Slot: "shepherd-1", Reasons: []string{"InvalidTaskIdFormat:shepherd-1:ZZZ"}}, resets[0])
	assert.Equal(t, SectionSupportRoles, resets[1].Section)

	s1 := doc.Shepherds["shepherd-1"]
	assert.Equal(t, ShepherdIdle, s1.Status)
	assert.Nil(t, s1.TaskID)
	assert.Nil(t, s1.Issue)
	assert.Nil(t, s1.OutputFile)
	require.NotNil(t, s1.IdleSince)
	assert.Equal(t, "2026-01-19T12:00:00Z", *s1.IdleSince)
	require.NotNil(t, s1.IdleReason)
	assert.Equal(t, RepairIdleReason, *s1.IdleReason)
	require.NotNil(t, s1.LastPhase)
	assert.Equal(t, "build", *s1.LastPhase)

	// Valid records are untouched.
	assert.Equal(t, ShepherdWorking, doc.Shepherds["shepherd-2"].Status)

	guide := doc.SupportRoles["guide"]
	assert.Equal(t, SupportIdle, guide.Status)
	require.NotNil(t, guide.LastCompleted)
	assert.Equal(t, "2026-01-19T12:00:00Z", *guide.LastCompleted)

	after := Validate(doc)
	assert.Empty(t, after.Errors)
	assert.Empty(t, Repair(doc, after.Errors, testNow.Add(time.Hour)))
	assert.Equal(t, "2026-01-19T12:00:00Z", *doc.Shepherds["shepherd-1"].IdleSince)
}

func TestRepair_LeavesUnrepairableIssues(t *testing.T) {
	doc := mustParse(t, `{"shepherds": {"s": null}}`)
	res := Validate(doc)

	resets := Repair(doc, res.Errors, testNow)
	require.Len(t, resets, 1)
	assert.Equal(t, "s", resets[0].Slot)

	after := Validate(doc)
	assert.Len(t, after.Errors, 4, "missing top-level fields are reported, not invented")
	for _, is := range after.Errors {
		assert.Equal(t, KindMissingField, is.Kind)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantDiags bool
	}{
		{name: "not json", body: `{"running": tru`},
		{name: "array", body: `[]`, wantDiags: true},
		{name: "iteration is a string", body: `{"iteration": "three"}`, wantDiags: true},
		{name: "running is a string", body: `{"running": "yes"}`, wantDiags: true},
		{name: "record is a string", body: `{"shepherds": {"s": "idle"}}`, wantDiags: true},
		{name: "issue is a string", body: `{"shepherds": {"s": {"status": "idle", "issue": "42"}}}`, wantDiags: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, IsInvalid(err))

			var inv *InvalidStateDocumentError
			require.ErrorAs(t, err, &inv)
			if tt.wantDiags {
				assert.NotEmpty(t, inv.Diagnostics)
			}
		})
	}
}

func TestDocument_PreservesUnknownFields(t *testing.T) {
	doc := mustParse(t, validDoc)
	require.Contains(t, doc.Extra, "daemon_pid")
	require.Contains(t, doc.Shepherds["shepherd-3"].Extra, "note")

	b, err := json.Marshal(doc)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	assert.Equal(t, float64(4242), generic["daemon_pid"])
	shepherds := generic["shepherds"].(map[string]any)
	assert.Equal(t, "manual", shepherds["shepherd-3"].(map[string]any)["note"])
	assert.Nil(t, shepherds["shepherd-2"].(map[string]any)["task_id"])
	assert.Contains(t, shepherds["shepherd-2"].(map[string]any), "task_id")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state", "daemon-state.json"), clock.Fake(testNow), nil)
}

func TestStore_InitLoadSave(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load()
	assert.True(t, IsNotFound(err))

	doc, err := s.Init(false)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-19T12:00:00Z", *doc.StartedAt)

	_, err = s.Init(false)
	assert.ErrorIs(t, err, ErrStateExists)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.True(t, *loaded.Running)
	assert.Equal(t, 0, *loaded.Iteration)
	assert.NotNil(t, loaded.Shepherds)
	assert.True(t, Validate(loaded).OK())

	_, err = s.Init(true)
	require.NoError(t, err)
}

func TestStore_LoadInvalidCarriesPath(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"iteration": []}`), 0o644))

	_, err := s.Load()
	var inv *InvalidStateDocumentError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, s.Path(), inv.Path)
	assert.Contains(t, err.Error(), s.Path())
}

func TestStore_UpdateLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init(false)
	require.NoError(t, err)

	first, err := s.Load()
	require.NoError(t, err)
	second, err := s.Load()
	require.NoError(t, err)

	*first.Iteration = 1
	require.NoError(t, s.Save(first))
	*second.Iteration = 2
	require.NoError(t, s.Save(second))

	got, err := s.Update(func(d *Document) error {
		*d.Iteration++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, *got.Iteration)
}

func TestStore_ValidateAndRepair(t *testing.T) {
	broken := `{"started_at": "2026-01-19T08:00:00Z", "running": true, "iteration": 5, "owner": "ops",
	  "shepherds": {"shepherd-1": {"status": "working", "issue": 1, "task_id": "ZZZ", "output_file": null}},
	  "support_roles": {}}`

	t.Run("report only", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		require.NoError(t, os.WriteFile(s.Path(), []byte(broken), 0o644))

		res, err := s.ValidateAndRepair(CheckOptions{})
		require.NoError(t, err)
		assert.False(t, res.Before.OK())
		assert.Empty(t, res.Resets)
		assert.False(t, res.Saved)
	})

	t.Run("dry run", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		require.NoError(t, os.WriteFile(s.Path(), []byte(broken), 0o644))

		res, err := s.ValidateAndRepair(CheckOptions{Repair: true, DryRun: true})
		require.NoError(t, err)
		assert.Len(t, res.Resets, 1)
		assert.True(t, res.After.OK())
		assert.False(t, res.Saved)

		b, err := os.ReadFile(s.Path())
		require.NoError(t, err)
		assert.Equal(t, broken, string(b))
	})

	t.Run("repair", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		require.NoError(t, os.WriteFile(s.Path(), []byte(broken), 0o644))

		res, err := s.ValidateAndRepair(CheckOptions{Repair: true})
		require.NoError(t, err)
		assert.True(t, res.Saved)

		doc, err := s.Load()
		require.NoError(t, err)
		assert.True(t, Validate(doc).OK())
		assert.Equal(t, ShepherdIdle, doc.Shepherds["shepherd-1"].Status)
		assert.Contains(t, doc.Extra, "owner")

		again, err := s.ValidateAndRepair(CheckOptions{Repair: true})
		require.NoError(t, err)
		assert.Empty(t, again.Resets)
		assert.False(t, again.Saved)
	})
}
