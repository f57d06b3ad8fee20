// Package claims implements TTL-leased, filesystem-backed mutual exclusion
// over work items.
//
// The exclusivity token is a directory: os.Mkdir on a given path succeeds
// for exactly one caller. The metadata record inside the directory is
// written afterwards and is not itself part of the exclusivity gate.
// No in-memory lock is shared between processes.
package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goflock/pkg/atomicfile"
	"github.com/3leaps/goflock/pkg/clock"
)

const (
	recordName = "claim.json"

	// Reclaimed directories are renamed to a tombstone before removal so a
	// concurrent reclaimer cannot delete a claim created after inspection.
	tombstonePrefix = ".reclaim-"
)

// Options tunes Store behavior. Zero values fall back to DefaultOptions.
type Options struct {
	// Clock supplies the current time. Default: clock.Real().
	Clock clock.Clock

	// Logger receives reclamation and cleanup events. Default: no-op.
	Logger *zap.Logger

	// MaxAttempts bounds the claim retry loop. Default: 5.
	MaxAttempts int

	// IncompleteGrace is how long a claim directory without a record is
	// assumed to belong to a writer that is still writing. Default: 10s.
	IncompleteGrace time.Duration

	// RetryBackoff is the pause before re-checking an in-grace incomplete
	// claim. Default: 100ms.
	RetryBackoff time.Duration
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		Clock:           clock.Real(),
		Logger:          zap.NewNop(),
		MaxAttempts:     5,
		IncompleteGrace: 10 * time.Second,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// Store manages claim directories under a claims root.
//
// Directory layout:
//
//	<root>/<item_id>/claim.json
//	<root>/.reclaim-<item_id>-<uuid>/   (transient, during reclamation)
type Store struct {
	root string
	opts Options
}

// NewStore creates a store rooted at root.
func NewStore(root string, opts Options) *Store {
	def := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.IncompleteGrace <= 0 {
		opts.IncompleteGrace = def.IncompleteGrace
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	return &Store{root: strings.TrimSpace(root), opts: opts}
}

// RootDir returns the claims root.
func (s *Store) RootDir() string {
	return s.root
}

// ClaimDir returns the exclusivity directory for an item.
func (s *Store) ClaimDir(itemID int) string {
	return filepath.Join(s.root, strconv.Itoa(itemID))
}

// ClaimPath returns the metadata record path for an item.
func (s *Store) ClaimPath(itemID int) string {
	return filepath.Join(s.ClaimDir(itemID), recordName)
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("claims root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

func (s *Store) now() clock.Stamp {
	return clock.StampOf(s.opts.Clock.Now())
}

// attempt outcomes that keep the claim loop going
var (
	errRetryNow   = errors.New("retry immediately")
	errRetryLater = errors.New("retry after backoff")
)

// Claim acquires an exclusive lease on itemID for ttlSeconds.
//
// Dead artifacts (incomplete, malformed, or expired claims) are reclaimed
// and the attempt is retried, up to Options.MaxAttempts in total. A live
// claim held by anyone, including ownerID itself, fails with
// *AlreadyClaimedError; use Extend to renew an owned claim.
func (s *Store) Claim(ctx context.Context, itemID int, ownerID string, ttlSeconds int) (*Claim, error) {
	if err := validateArgs(itemID, ownerID, ttlSeconds); err != nil {
		return nil, err
	}
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}

	log := s.opts.Logger.With(zap.Int("item_id", itemID), zap.String("owner_id", ownerID))
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := s.tryClaim(itemID, ownerID, ttlSeconds)
		switch {
		case err == nil:
			log.Debug("Claim acquired", zap.Int("attempt", attempt), zap.String("expires_at", c.ExpiresAt.String()))
			return c, nil
		case errors.Is(err, errRetryNow):
			continue
		case errors.Is(err, errRetryLater):
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.opts.Clock.After(s.opts.RetryBackoff):
			}
		default:
			return nil, err
		}
	}

	log.Warn("Claim retry bound exhausted", zap.Int("max_attempts", s.opts.MaxAttempts))
	return nil, fmt.Errorf("%w: item %d after %d attempts", ErrClaimContention, itemID, s.opts.MaxAttempts)
}

func (s *Store) tryClaim(itemID int, ownerID string, ttlSeconds int) (*Claim, error) {
	dir := s.ClaimDir(itemID)
	now := s.now()

	err := os.Mkdir(dir, 0o755)
	if err == nil {
		c := &Claim{
			ItemID:     itemID,
			OwnerID:    ownerID,
			ClaimedAt:  now,
			ExpiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
			TTLSeconds: ttlSeconds,
		}
		if err := atomicfile.WriteJSON(s.ClaimPath(itemID), c); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Our directory was reclaimed out from under us.
				return nil, errRetryNow
			}
			return nil, fmt.Errorf("write claim record: %w", err)
		}

		// Confirm the record we wrote is the one on disk.
		got, err := s.readRecord(itemID)
		if err != nil || got.OwnerID != ownerID || got.ClaimedAt != c.ClaimedAt {
			return nil, errRetryNow
		}
		return c, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("create claim dir: %w", err)
	}

	existing, err := s.readRecord(itemID)
	switch {
	case err == nil:
		if !clock.Expired(now, existing.ExpiresAt) {
			return nil, &AlreadyClaimedError{ItemID: itemID, OwnerID: existing.OwnerID, ExpiresAt: existing.ExpiresAt}
		}
		s.opts.Logger.Info("Reclaiming expired claim",
			zap.Int("item_id", itemID),
			zap.String("previous_owner", existing.OwnerID),
			zap.String("expired_at", existing.ExpiresAt.String()))
		if _, err := s.reclaim(itemID, existing); err != nil {
			return nil, err
		}
		return nil, errRetryNow
	case IsNotFound(err):
		// Released between mkdir and read.
		return nil, errRetryNow
	case IsMalformed(err):
		if errors.Is(err, errIncomplete) {
			young, serr := s.withinGrace(dir)
			if serr != nil {
				if errors.Is(serr, fs.ErrNotExist) {
					return nil, errRetryNow
				}
				return nil, serr
			}
			if young {
				return nil, errRetryLater
			}
		}
		s.opts.Logger.Info("Reclaiming dead claim", zap.Int("item_id", itemID), zap.Error(err))
		if _, err := s.reclaim(itemID, nil); err != nil {
			return nil, err
		}
		return nil, errRetryNow
	default:
		return nil, err
	}
}

// reclaim moves a dead claim directory to a tombstone and deletes it.
//
// seen is the record observed before deciding the claim was dead (nil for
// incomplete or malformed claims). If the tombstoned directory turns out to
// hold a different record, the directory changed hands after inspection;
// it is moved back and reclaim reports false.
func (s *Store) reclaim(itemID int, seen *Claim) (bool, error) {
	dir := s.ClaimDir(itemID)
	tomb := filepath.Join(s.root, fmt.Sprintf("%s%d-%s", tombstonePrefix, itemID, uuid.NewString()))
	if err := os.Rename(dir, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("reclaim claim dir: %w", err)
	}

	got, err := readRecordFile(filepath.Join(tomb, recordName), itemID)
	if !sameRecord(seen, got, err) {
		if rerr := os.Rename(tomb, dir); rerr == nil {
			return false, nil
		}
		s.opts.Logger.Warn("Reclaimed a claim that changed hands and could not restore it",
			zap.Int("item_id", itemID), zap.String("tombstone", tomb))
	}
	if err := os.RemoveAll(tomb); err != nil {
		return true, fmt.Errorf("remove reclaimed claim: %w", err)
	}
	return true, nil
}

func sameRecord(seen, got *Claim, gotErr error) bool {
	if seen == nil {
		return gotErr != nil
	}
	return gotErr == nil && *seen == *got
}

func (s *Store) withinGrace(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return false, err
	}
	return s.opts.Clock.Now().Sub(info.ModTime()) < s.opts.IncompleteGrace, nil
}

// Extend renews an owned claim. The new expiry is now+additionalSeconds,
// not the previous expiry plus the extension; claimed_at is preserved.
//
// An owner may extend a claim that has already lapsed as long as nobody
// has reclaimed it yet. The owner check and the write are not atomic: if
// the lapsed claim is reclaimed and re-acquired in between, the last
// write wins and the new holder's record is overwritten.
func (s *Store) Extend(itemID int, ownerID string, additionalSeconds int) (*Claim, error) {
	if err := validateArgs(itemID, ownerID, additionalSeconds); err != nil {
		return nil, err
	}
	c, err := s.readRecord(itemID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, &OwnershipMismatchError{ItemID: itemID, OwnerID: c.OwnerID, Caller: ownerID}
	}

	c.ExpiresAt = s.now().Add(time.Duration(additionalSeconds) * time.Second)
	c.TTLSeconds = additionalSeconds
	if err := atomicfile.WriteJSON(s.ClaimPath(itemID), c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: item %d", ErrClaimNotFound, itemID)
		}
		return nil, fmt.Errorf("write claim record: %w", err)
	}
	return c, nil
}

// Release deletes an item's claim. When ownerID is non-empty it must match
// the stored owner; an empty ownerID releases unconditionally.
func (s *Store) Release(itemID int, ownerID string) error {
	if itemID <= 0 {
		return fmt.Errorf("%w: item id must be positive, got %d", ErrInvalidArgument, itemID)
	}
	dir := s.ClaimDir(itemID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: item %d", ErrClaimNotFound, itemID)
		}
		return fmt.Errorf("stat claim dir: %w", err)
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove claim dir: %w", err)
		}
		return nil
	}

	c, err := s.readRecord(itemID)
	if err != nil {
		return err
	}
	if c.OwnerID != ownerID {
		return &OwnershipMismatchError{ItemID: itemID, OwnerID: c.OwnerID, Caller: ownerID}
	}
	return s.releaseSeen(itemID, c)
}

// releaseSeen removes the claim only if its record still equals seen.
// A claim that changed hands after seen was read is put back.
func (s *Store) releaseSeen(itemID int, seen *Claim) error {
	removed, err := s.reclaim(itemID, seen)
	if err != nil {
		return err
	}
	if removed {
		return nil
	}
	holder := ""
	if cur, err := s.readRecord(itemID); err == nil {
		holder = cur.OwnerID
	}
	return &OwnershipMismatchError{ItemID: itemID, OwnerID: holder, Caller: seen.OwnerID}
}

// Check reports an item's claim without modifying anything. An expired
// claim is reported with Expired set rather than as not found.
func (s *Store) Check(itemID int) (*Status, error) {
	if itemID <= 0 {
		return nil, fmt.Errorf("%w: item id must be positive, got %d", ErrInvalidArgument, itemID)
	}
	c, err := s.readRecord(itemID)
	if err != nil {
		return nil, err
	}
	st := statusOf(c, s.now())
	return &st, nil
}

// List reports every claim directory under the root, sorted by item id.
// Incomplete and malformed claims are included with their State set; they
// are not repaired here.
func (s *Store) List() ([]Status, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read claims root: %w", err)
	}

	now := s.now()
	out := make([]Status, 0, len(entries))
	for _, entry := range entries {
		itemID, ok := parseItemDir(entry)
		if !ok {
			continue
		}
		c, err := s.readRecord(itemID)
		switch {
		case err == nil:
			out = append(out, statusOf(c, now))
		case errors.Is(err, errIncomplete):
			out = append(out, Status{ItemID: itemID, State: StateIncomplete})
		case IsMalformed(err):
			out = append(out, Status{ItemID: itemID, State: StateMalformed})
		case IsNotFound(err):
			// Released while listing.
		default:
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// Cleanup removes expired claims and dead (incomplete or malformed) claims
// older than the grace window. Live claims are never touched. Leftover
// tombstones from crashed reclaimers are removed but not counted.
func (s *Store) Cleanup() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read claims root: %w", err)
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), tombstonePrefix) {
			path := filepath.Join(s.root, entry.Name())
			if young, err := s.withinGrace(path); err == nil && !young {
				_ = os.RemoveAll(path)
			}
			continue
		}

		itemID, ok := parseItemDir(entry)
		if !ok {
			continue
		}
		c, readErr := s.readRecord(itemID)
		switch {
		case readErr == nil:
			if !clock.Expired(now, c.ExpiresAt) {
				continue
			}
			done, err := s.reclaim(itemID, c)
			if err != nil {
				return removed, err
			}
			if done {
				s.opts.Logger.Info("Removed expired claim",
					zap.Int("item_id", itemID),
					zap.String("owner_id", c.OwnerID),
					zap.String("expired_at", c.ExpiresAt.String()))
				removed++
			}
		case IsMalformed(readErr):
			young, serr := s.withinGrace(s.ClaimDir(itemID))
			if serr != nil || young {
				continue
			}
			done, err := s.reclaim(itemID, nil)
			if err != nil {
				return removed, err
			}
			if done {
				s.opts.Logger.Info("Removed dead claim", zap.Int("item_id", itemID), zap.Error(readErr))
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) readRecord(itemID int) (*Claim, error) {
	dir := s.ClaimDir(itemID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: item %d", ErrClaimNotFound, itemID)
		}
		return nil, fmt.Errorf("stat claim dir: %w", err)
	}
	return readRecordFile(s.ClaimPath(itemID), itemID)
}

// readRecordFile strictly parses a claim record. Every parse failure maps
// to ErrMalformedClaimMetadata.
func readRecordFile(path string, itemID int) (*Claim, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("item %d: %w", itemID, errIncomplete)
		}
		return nil, fmt.Errorf("read claim record: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("item %d: %w", itemID, errIncomplete)
	}

	var c Claim
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedClaimMetadata, itemID, err)
	}
	if err := c.validate(itemID); err != nil {
		return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedClaimMetadata, itemID, err)
	}
	return &c, nil
}

func (c *Claim) validate(itemID int) error {
	if c.ItemID != itemID {
		return fmt.Errorf("item_id %d does not match directory", c.ItemID)
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("owner_id is empty")
	}
	if _, err := clock.ParseStamp(c.ClaimedAt.String()); err != nil {
		return fmt.Errorf("claimed_at: %w", err)
	}
	if _, err := clock.ParseStamp(c.ExpiresAt.String()); err != nil {
		return fmt.Errorf("expires_at: %w", err)
	}
	if !c.ExpiresAt.After(c.ClaimedAt) {
		return fmt.Errorf("expires_at %s is not after claimed_at %s", c.ExpiresAt, c.ClaimedAt)
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("ttl_seconds must be positive")
	}
	return nil
}

func parseItemDir(entry fs.DirEntry) (int, bool) {
	if !entry.IsDir() {
		return 0, false
	}
	id, err := strconv.Atoi(entry.Name())
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func validateArgs(itemID int, ownerID string, seconds int) error {
	if itemID <= 0 {
		return fmt.Errorf("%w: item id must be positive, got %d", ErrInvalidArgument, itemID)
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}
	if seconds <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidArgument, seconds)
	}
	return nil
}
