package claims

import "github.com/3leaps/goflock/pkg/clock"

// Claim is the metadata record written to claim.json inside an item's claim
// directory.
//
// NOTE: This schema is persisted and read by other tools; it is part of the
// stable on-disk contract.
type Claim struct {
	ItemID     int         `json:"item_id"`
	OwnerID    string      `json:"owner_id"`
	ClaimedAt  clock.Stamp `json:"claimed_at"`
	ExpiresAt  clock.Stamp `json:"expires_at"`
	TTLSeconds int         `json:"ttl_seconds"`
}

// State classifies a claim directory as seen by a read-only inspection.
type State string

const (
	// StateLive is a well-formed claim whose lease has not lapsed.
	StateLive State = "live"

	// StateExpired is a well-formed claim whose lease has lapsed. It is
	// reclaimable by anyone.
	StateExpired State = "expired"

	// StateIncomplete is a claim directory with no metadata record, left
	// behind by a writer that crashed between mkdir and write.
	StateIncomplete State = "incomplete"

	// StateMalformed is a claim directory whose record fails to parse.
	StateMalformed State = "malformed"
)

// Status is the read-only view of one item's claim.
type Status struct {
	ItemID     int         `json:"item_id"`
	State      State       `json:"state"`
	Claimed    bool        `json:"claimed"`
	Expired    bool        `json:"expired"`
	OwnerID    string      `json:"owner_id,omitempty"`
	ClaimedAt  clock.Stamp `json:"claimed_at,omitempty"`
	ExpiresAt  clock.Stamp `json:"expires_at,omitempty"`
	TTLSeconds int         `json:"ttl_seconds,omitempty"`
}

func statusOf(c *Claim, now clock.Stamp) Status {
	expired := clock.Expired(now, c.ExpiresAt)
	st := Status{
		ItemID:     c.ItemID,
		State:      StateLive,
		Claimed:    !expired,
		Expired:    expired,
		OwnerID:    c.OwnerID,
		ClaimedAt:  c.ClaimedAt,
		ExpiresAt:  c.ExpiresAt,
		TTLSeconds: c.TTLSeconds,
	}
	if expired {
		st.State = StateExpired
	}
	return st
}
