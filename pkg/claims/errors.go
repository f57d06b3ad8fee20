package claims

import (
	"errors"
	"fmt"

	"github.com/3leaps/goflock/pkg/clock"
)

// Sentinel errors for claim operations.
var (
	// ErrAlreadyClaimed indicates a live claim held by someone else.
	ErrAlreadyClaimed = errors.New("item already claimed")

	// ErrClaimNotFound indicates no claim directory exists for the item.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrOwnershipMismatch indicates the caller is not the claim owner.
	ErrOwnershipMismatch = errors.New("claim owned by another owner")

	// ErrMalformedClaimMetadata indicates a claim directory whose record is
	// missing or fails strict parsing.
	ErrMalformedClaimMetadata = errors.New("malformed claim metadata")

	// ErrClaimContention indicates the bounded retry loop gave up.
	ErrClaimContention = errors.New("claim contention")

	// ErrInvalidArgument indicates a bad item id, owner, or duration.
	ErrInvalidArgument = errors.New("invalid argument")
)

// errIncomplete marks the malformed case where the record is absent.
var errIncomplete = fmt.Errorf("%w: metadata record missing", ErrMalformedClaimMetadata)

// AlreadyClaimedError reports the current holder of a live claim so the
// caller can decide to wait or pick other work.
type AlreadyClaimedError struct {
	ItemID    int
	OwnerID   string
	ExpiresAt clock.Stamp
}

// Error implements the error interface.
func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("item %d already claimed by %q until %s", e.ItemID, e.OwnerID, e.ExpiresAt)
}

// Unwrap returns ErrAlreadyClaimed for errors.Is support.
func (e *AlreadyClaimedError) Unwrap() error {
	return ErrAlreadyClaimed
}

// OwnershipMismatchError reports who owns the claim and who asked.
type OwnershipMismatchError struct {
	ItemID  int
	OwnerID string
	Caller  string
}

// Error implements the error interface.
func (e *OwnershipMismatchError) Error() string {
	return fmt.Sprintf("item %d claimed by %q, not %q", e.ItemID, e.OwnerID, e.Caller)
}

// Unwrap returns ErrOwnershipMismatch for errors.Is support.
func (e *OwnershipMismatchError) Unwrap() error {
	return ErrOwnershipMismatch
}

// IsAlreadyClaimed returns true if the error indicates a live foreign claim.
func IsAlreadyClaimed(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed)
}

// IsNotFound returns true if the error indicates no claim exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClaimNotFound)
}

// IsOwnershipMismatch returns true if the caller does not own the claim.
func IsOwnershipMismatch(err error) bool {
	return errors.Is(err, ErrOwnershipMismatch)
}

// IsMalformed returns true if the claim record is missing or unparseable.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedClaimMetadata)
}

// IsContention returns true if the claim retry bound was exhausted.
func IsContention(err error) bool {
	return errors.Is(err, ErrClaimContention)
}
