package bounty

import (
	"time"

	"bountyescrow/principal"
)

// Bounty is one escrow record. Escrowed is the value currently held for it:
// equal to Amount until the bounty is paid or refunded, zero afterwards.
type Bounty struct {
	ID            int64
	Sponsor       principal.Address
	Hunter        principal.Address
	Amount        uint64
	Escrowed      uint64
	MetadataURI   string
	Description   string
	SubmissionURI string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exists reports whether b is a stored record. The zero Bounty, which has
// no sponsor, is the "unset" value.
func (b Bounty) Exists() bool {
	return !b.Sponsor.IsZero()
}

type EventType string

const (
	EventCreated      EventType = "BOUNTY_CREATED"
	EventFixSubmitted EventType = "FIX_SUBMITTED"
	EventFixApproved  EventType = "FIX_APPROVED"
	EventPaid         EventType = "BOUNTY_PAID"
	EventCancelled    EventType = "BOUNTY_CANCELLED"
	EventRefunded     EventType = "BOUNTY_REFUNDED"
)

// Event is one entry of a bounty's history. Seq starts at 1 and increases
// by one per event of the same bounty.
type Event struct {
	BountyID  int64
	Seq       int
	Type      EventType
	Actor     principal.Address
	Payload   map[string]any
	CreatedAt time.Time
}

type CreateParams struct {
	ID          int64
	Sponsor     principal.Address
	MetadataURI string
	Description string
	Value       uint64
}

type SubmitParams struct {
	ID            int64
	Caller        principal.Address
	Hunter        principal.Address
	SubmissionURI string
}

// MaxPage bounds Filters.Page so the row offset stays far from overflow.
const MaxPage = 1_000_000

type Filters struct {
	Status   *Status
	Sponsor  principal.Address
	Hunter   principal.Address
	Page     int
	PageSize int
}

// Normalized returns f with Page clamped to [1, MaxPage] and PageSize
// defaulted to 20 when it is outside [1, 100].
func (f Filters) Normalized() Filters {
	switch {
	case f.Page <= 0:
		f.Page = 1
	case f.Page > MaxPage:
		f.Page = MaxPage
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

// Offset is the number of rows skipped before the page.
func (f Filters) Offset() int {
	return (f.Page - 1) * f.PageSize
}

type ListResult struct {
	Items []Bounty
	Total int
}
