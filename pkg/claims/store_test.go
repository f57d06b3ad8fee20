package claims

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goflock/pkg/clock"
)

var testStart = time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(testStart)
	s := NewStore(filepath.Join(t.TempDir(), "claims"), Options{Clock: clk})
	return s, clk
}

// age backdates a claim directory so it falls outside the incomplete grace window.
func age(t *testing.T, path string, when time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, when, when))
}

func TestClaim_SecondOwnerRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Claim(ctx, 42, "b1", 1800)
	require.NoError(t, err)
	assert.Equal(t, "b1", c.OwnerID)
	assert.Equal(t, clock.Stamp("2026-01-19T12:00:00Z"), c.ClaimedAt)
	assert.Equal(t, clock.Stamp("2026-01-19T12:30:00Z"), c.ExpiresAt)
	assert.Equal(t, 1800, c.TTLSeconds)

	_, err = s.Claim(ctx, 42, "b2", 1800)
	require.Error(t, err)
	assert.True(t, IsAlreadyClaimed(err))

	var held *AlreadyClaimedError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "b1", held.OwnerID)
	assert.Equal(t, c.ExpiresAt, held.ExpiresAt)
}

func TestClaim_ExpiredClaimIsReclaimed(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, 42, "b1", 1800)
	require.NoError(t, err)

	clk.Advance(1801 * time.Second)

	c, err := s.Claim(ctx, 42, "b2", 900)
	require.NoError(t, err)
	assert.Equal(t, "b2", c.OwnerID)

	st, err := s.Check(42)
	require.NoError(t, err)
	assert.True(t, st.Claimed)
	assert.Equal(t, "b2", st.OwnerID)
	assert.Equal(t, StateLive, st.State)

	entries, err := os.ReadDir(s.RootDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "tombstone must be removed after reclamation")
}

func TestClaim_ExpiryBoundaryIsStillLive(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, 7, "b1", 60)
	require.NoError(t, err)

	clk.Advance(60 * time.Second)
	_, err = s.Claim(ctx, 7, "b2", 60)
	assert.True(t, IsAlreadyClaimed(err))

	clk.Advance(time.Second)
	_, err = s.Claim(ctx, 7, "b2", 60)
	assert.NoError(t, err)
}

func TestClaim_IncompleteClaimIsReclaimed(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.ClaimDir(42), 0o755))
	age(t, s.ClaimDir(42), testStart.Add(-time.Hour))

	c, err := s.Claim(context.Background(), 42, "b1", 600)
	require.NoError(t, err)
	assert.Equal(t, "b1", c.OwnerID)
}

func TestClaim_MalformedRecordIsReclaimed(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.ClaimDir(42), 0o755))
	require.NoError(t, os.WriteFile(s.ClaimPath(42), []byte("agent=b1\nexpires=soon\n"), 0o644))

	c, err := s.Claim(context.Background(), 42, "b1", 600)
	require.NoError(t, err)
	assert.Equal(t, "b1", c.OwnerID)
}

func TestClaim_YoungIncompleteClaimIsContention(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.ClaimDir(42), 0o755))
	age(t, s.ClaimDir(42), testStart)

	// Backoff advances the fake clock by 100ms per attempt, which stays well
	// inside the 10s grace window.
	_, err := s.Claim(context.Background(), 42, "b1", 600)
	require.Error(t, err)
	assert.True(t, IsContention(err))

	_, statErr := os.Stat(s.ClaimDir(42))
	assert.NoError(t, statErr, "an in-grace directory must not be removed")
}

func TestClaim_InvalidArguments(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		item  int
		owner string
		ttl   int
	}{
		{name: "zero item", item: 0, owner: "b1", ttl: 60},
		{name: "negative item", item: -3, owner: "b1", ttl: 60},
		{name: "empty owner", item: 1, owner: "  ", ttl: 60},
		{name: "zero ttl", item: 1, owner: "b1", ttl: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Claim(ctx, tt.item, tt.owner, tt.ttl)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestClaim_CancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Claim(ctx, 1, "b1", 60)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaim_ConcurrentOwnersExactlyOneWins(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "claims"), Options{})
	ctx := context.Background()

	const owners = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  []*AlreadyClaimedError
		other   []error
	)
	start := make(chan struct{})
	for i := 0; i < owners; i++ {
		owner := string(rune('a'+i)) + "-worker"
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Claim(ctx, 99, owner, 600)
			mu.Lock()
			defer mu.Unlock()
			var held *AlreadyClaimedError
			switch {
			case err == nil:
				winners = append(winners, owner)
			case errors.As(err, &held):
				losers = append(losers, held)
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, winners, 1)
	assert.Len(t, losers, owners-1)
	for _, l := range losers {
		assert.Equal(t, winners[0], l.OwnerID)
	}
}

func TestExtend(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	orig, err := s.Claim(ctx, 42, "b2", 900)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)

	t.Run("wrong owner leaves expiry unchanged", func(t *testing.T) {
		_, err := s.Extend(42, "b1", 600)
		require.Error(t, err)
		assert.True(t, IsOwnershipMismatch(err))

		st, err := s.Check(42)
		require.NoError(t, err)
		assert.Equal(t, orig.ExpiresAt, st.ExpiresAt)
	})

	t.Run("owner gets a fresh window from now", func(t *testing.T) {
		c, err := s.Extend(42, "b2", 600)
		require.NoError(t, err)
		assert.Equal(t, orig.ClaimedAt, c.ClaimedAt)
		assert.Equal(t, clock.Stamp("2026-01-19T12:20:00Z"), c.ExpiresAt)
		assert.Equal(t, 600, c.TTLSeconds)

		st, err := s.Check(42)
		require.NoError(t, err)
		assert.Equal(t, c.ExpiresAt, st.ExpiresAt)
	})

	t.Run("missing claim", func(t *testing.T) {
		_, err := s.Extend(43, "b2", 600)
		assert.True(t, IsNotFound(err))
	})
}

func TestRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, 42, "b2", 900)
	require.NoError(t, err)

	err = s.Release(42, "b1")
	require.Error(t, err)
	assert.True(t, IsOwnershipMismatch(err))

	st, err := s.Check(42)
	require.NoError(t, err)
	assert.Equal(t, "b2", st.OwnerID, "claim must persist after a mismatched release")

	require.NoError(t, s.Release(42, ""))
	_, err = s.Check(42)
	assert.True(t, IsNotFound(err))

	err = s.Release(42, "")
	assert.True(t, IsNotFound(err))
}

func TestRelease_OwnerMatch(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Claim(context.Background(), 5, "b1", 60)
	require.NoError(t, err)

	require.NoError(t, s.Release(5, "b1"))
	_, err = os.Stat(s.ClaimDir(5))
	assert.True(t, os.IsNotExist(err))
}

func TestRelease_ClaimChangedHandsAfterOwnerCheck(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, 7, "b1", 60)
	require.NoError(t, err)
	seen, err := s.readRecord(7)
	require.NoError(t, err)

	// b1's claim lapses and b2 takes the item before b1's release lands.
	clk.Advance(2 * time.Minute)
	_, err = s.Claim(ctx, 7, "b2", 600)
	require.NoError(t, err)

	err = s.releaseSeen(7, seen)
	require.Error(t, err)
	var mismatch *OwnershipMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "b2", mismatch.OwnerID)

	st, err := s.Check(7)
	require.NoError(t, err)
	assert.Equal(t, "b2", st.OwnerID)
	assert.True(t, st.Claimed)

	entries, err := os.ReadDir(s.root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tombstonePrefix), "leftover %s", e.Name())
	}
}

func TestCheck(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Check(42)
	assert.True(t, IsNotFound(err))

	_, err = s.Claim(ctx, 42, "b1", 60)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	st, err := s.Check(42)
	require.NoError(t, err)
	assert.False(t, st.Claimed)
	assert.True(t, st.Expired)
	assert.Equal(t, StateExpired, st.State)
	assert.Equal(t, "b1", st.OwnerID)

	require.NoError(t, os.MkdirAll(s.ClaimDir(43), 0o755))
	_, err = s.Check(43)
	assert.True(t, IsMalformed(err))
}

func TestListAndCleanup(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, 1, "short", 60)
	require.NoError(t, err)
	_, err = s.Claim(ctx, 2, "long", 3600)
	require.NoError(t, err)
	_, err = s.Claim(ctx, 3, "medium", 600)
	require.NoError(t, err)

	// Old incomplete claim, fresh incomplete claim, and a stray file.
	require.NoError(t, os.MkdirAll(s.ClaimDir(10), 0o755))
	age(t, s.ClaimDir(10), testStart.Add(-time.Hour))
	require.NoError(t, os.MkdirAll(s.ClaimDir(11), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.RootDir(), "README"), []byte("x"), 0o644))

	clk.Advance(10 * time.Minute)
	age(t, s.ClaimDir(11), clk.Now())

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, []int{1, 2, 3, 10, 11}, []int{list[0].ItemID, list[1].ItemID, list[2].ItemID, list[3].ItemID, list[4].ItemID})
	assert.Equal(t, StateExpired, list[0].State)
	assert.Equal(t, StateLive, list[1].State)
	assert.Equal(t, StateLive, list[2].State, "600s lease at exactly 600s is still live")
	assert.Equal(t, StateIncomplete, list[3].State)
	assert.Equal(t, StateIncomplete, list[4].State)

	removed, err := s.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	list, err = s.List()
	require.NoError(t, err)
	ids := make([]int, 0, len(list))
	for _, st := range list {
		ids = append(ids, st.ItemID)
	}
	assert.Equal(t, []int{2, 3, 11}, ids)
}

func TestCleanup_EmptyRoot(t *testing.T) {
	s, _ := newTestStore(t)
	removed, err := s.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, removed)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReadRecord_Strict(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.ClaimDir(8), 0o755))

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"item_id":8,"owner_id":"a","claimed_at":"2026-01-19T12:00:00Z","expires_at":"2026-01-19T12:01:00Z","ttl_seconds":60,"agent":"x"}`},
		{name: "wrong item", body: `{"item_id":9,"owner_id":"a","claimed_at":"2026-01-19T12:00:00Z","expires_at":"2026-01-19T12:01:00Z","ttl_seconds":60}`},
		{name: "rfc3339 with offset", body: `{"item_id":8,"owner_id":"a","claimed_at":"2026-01-19T12:00:00+00:00","expires_at":"2026-01-19T12:01:00Z","ttl_seconds":60}`},
		{name: "expiry before claim", body: `{"item_id":8,"owner_id":"a","claimed_at":"2026-01-19T12:00:00Z","expires_at":"2026-01-19T11:00:00Z","ttl_seconds":60}`},
		{name: "empty owner", body: `{"item_id":8,"owner_id":"","claimed_at":"2026-01-19T12:00:00Z","expires_at":"2026-01-19T12:01:00Z","ttl_seconds":60}`},
		{name: "empty file", body: "  \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(s.ClaimPath(8), []byte(tt.body), 0o644))
			_, err := s.Check(8)
			assert.True(t, IsMalformed(err), "got %v", err)
		})
	}
}
