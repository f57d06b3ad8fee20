package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goflock/pkg/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC))
	return NewStore(filepath.Join(t.TempDir(), "progress"), clk, nil), clk
}

func TestStartAppendProjection(t *testing.T) {
	s, clk := newTestStore(t)

	doc, err := s.Start("a1b2c3d", 7, "m", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, doc.Status)
	require.Len(t, doc.Milestones, 1)
	assert.Equal(t, EventStarted, doc.Milestones[0].Event)

	clk.Advance(time.Minute)
	doc, err = s.Append("a1b2c3d", EventPhaseEntered, Payload{"phase": "build"})
	require.NoError(t, err)
	assert.Equal(t, "build", doc.CurrentPhase)
	assert.Equal(t, StatusWorking, doc.Status)

	clk.Advance(time.Minute)
	doc, err = s.Append("a1b2c3d", EventCompleted, Payload{"pr_merged": true})
	require.NoError(t, err)
	assert.Equal(t, "build", doc.CurrentPhase)
	assert.Equal(t, StatusCompleted, doc.Status)
	assert.Equal(t, clock.Stamp("2026-01-19T12:02:00Z"), doc.LastHeartbeat)

	got, err := s.Get("a1b2c3d")
	require.NoError(t, err)
	assert.Equal(t, "build", got.CurrentPhase)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, got.Milestones, 3)
}

func TestAppendProjectionTable(t *testing.T) {
	tests := []struct {
		name       string
		event      Event
		payload    Payload
		wantStatus Status
		wantPhase  string
	}{
		{name: "blocked", event: EventBlocked, payload: Payload{"reason": "needs review"}, wantStatus: StatusBlocked, wantPhase: "curate"},
		{name: "error with retry", event: EventError, payload: Payload{"will_retry": true}, wantStatus: StatusRetrying, wantPhase: "curate"},
		{name: "error with retry as string", event: EventError, payload: Payload{"will_retry": "true"}, wantStatus: StatusRetrying, wantPhase: "curate"},
		{name: "error without retry", event: EventError, payload: Payload{"error": "boom"}, wantStatus: StatusErrored, wantPhase: "curate"},
		{name: "heartbeat", event: EventHeartbeat, payload: nil, wantStatus: StatusWorking, wantPhase: "curate"},
		{name: "unknown event", event: "judge_retry", payload: Payload{"n": 2}, wantStatus: StatusWorking, wantPhase: "curate"},
		{name: "new phase", event: EventPhaseEntered, payload: Payload{"phase": "judge"}, wantStatus: StatusWorking, wantPhase: "judge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clk := newTestStore(t)
			_, err := s.Start("0000abc", 3, "direct", StartOptions{})
			require.NoError(t, err)
			_, err = s.Append("0000abc", EventPhaseEntered, Payload{"phase": "curate"})
			require.NoError(t, err)

			clk.Advance(30 * time.Second)
			doc, err := s.Append("0000abc", tt.event, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, doc.Status)
			assert.Equal(t, tt.wantPhase, doc.CurrentPhase)
			assert.Equal(t, clock.Stamp("2026-01-19T12:00:30Z"), doc.LastHeartbeat)
		})
	}
}

func TestAppendPhaseRequiresPhase(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Start("abcdef0", 1, "m", StartOptions{})
	require.NoError(t, err)

	_, err = s.Append("abcdef0", EventPhaseEntered, Payload{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	doc, err := s.Get("abcdef0")
	require.NoError(t, err)
	assert.Len(t, doc.Milestones, 1, "rejected append must not be written")
}

func TestAppendClockSkewKeepsOrder(t *testing.T) {
	s, clk := newTestStore(t)
	_, err := s.Start("abcdef0", 1, "m", StartOptions{})
	require.NoError(t, err)

	clk.Advance(-time.Hour)
	doc, err := s.Append("abcdef0", EventHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, doc.Milestones[0].Timestamp, doc.Milestones[1].Timestamp)
}

func TestStartExisting(t *testing.T) {
	s, clk := newTestStore(t)
	_, err := s.Start("abcdef0", 1, "m", StartOptions{})
	require.NoError(t, err)
	_, err = s.Append("abcdef0", EventPhaseEntered, Payload{"phase": "build"})
	require.NoError(t, err)

	_, err = s.Start("abcdef0", 1, "m", StartOptions{})
	assert.ErrorIs(t, err, ErrDocumentExists)

	clk.Advance(time.Hour)
	doc, err := s.Start("abcdef0", 2, "m", StartOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Len(t, doc.Milestones, 1)
	assert.Equal(t, 2, doc.ItemID)
	assert.Empty(t, doc.CurrentPhase)
}

func TestInvalidTaskID(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"ZZZ", "ABCDEF0", "abcdef", "abcdef01", "../etc0"} {
		_, err := s.Start(id, 1, "m", StartOptions{})
		assert.ErrorIs(t, err, ErrInvalidTaskID, id)
	}
}

func TestAppendErrors(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Append("abcdef0", EventHeartbeat, nil)
	assert.True(t, IsNotFound(err))

	require.NoError(t, os.MkdirAll(s.RootDir(), 0o755))

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{started"},
		{name: "bad status", body: `{"task_id":"abcdef0","item_id":1,"mode":"m","started_at":"2026-01-19T12:00:00Z","last_heartbeat":"2026-01-19T12:00:00Z","status":"done","milestones":[{"event":"started","timestamp":"2026-01-19T12:00:00Z"}]}`},
		{name: "no milestones", body: `{"task_id":"abcdef0","item_id":1,"mode":"m","started_at":"2026-01-19T12:00:00Z","last_heartbeat":"2026-01-19T12:00:00Z","status":"working","milestones":[]}`},
		{name: "time goes backwards", body: `{"task_id":"abcdef0","item_id":1,"mode":"m","started_at":"2026-01-19T12:00:00Z","last_heartbeat":"2026-01-19T12:00:00Z","status":"working","milestones":[{"event":"started","timestamp":"2026-01-19T12:00:00Z"},{"event":"heartbeat","timestamp":"2026-01-19T11:00:00Z"}]}`},
		{name: "wrong task", body: `{"task_id":"1111111","item_id":1,"mode":"m","started_at":"2026-01-19T12:00:00Z","last_heartbeat":"2026-01-19T12:00:00Z","status":"working","milestones":[{"event":"started","timestamp":"2026-01-19T12:00:00Z"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(s.Path("abcdef0"), []byte(tt.body), 0o644))
			_, err := s.Append("abcdef0", EventHeartbeat, nil)
			assert.True(t, IsCorrupt(err), "got %v", err)
		})
	}
}

func TestList(t *testing.T) {
	s, clk := newTestStore(t)

	res, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, res.Documents)

	_, err = s.Start("aaaaaaa", 1, "m", StartOptions{})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = s.Start("bbbbbbb", 2, "m", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("ccccccc"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.RootDir(), "notes.txt"), []byte("x"), 0o644))

	res, err = s.List()
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "bbbbbbb", res.Documents[0].TaskID)
	assert.Contains(t, res.Corrupt, "ccccccc")
}
