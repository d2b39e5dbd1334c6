package crawl

import (
	"context"
	"time"
)

// Fetcher retrieves a single URL on behalf of a worker identity. The
// identity scopes rate limiting: each worker gets its own minimum
// inter-request interval. expectMissing marks a 404 as an anticipated
// terminal signal rather than an error.
type Fetcher interface {
	Fetch(ctx context.Context, workerID string, url string, expectMissing bool) (FetchResult, error)
}

// Classifier is a pure function over raw response bytes.
type Classifier interface {
	Classify(body []byte) Classification
}

// UnitStore is durable, content-addressable storage of fetched units.
// Existence of a unit is the idempotence check for resume.
type UnitStore interface {
	Exists(itemID string, seq int) bool
	Status(itemID string, seq int) UnitStatus
	Write(itemID string, seq int, body []byte) error
	Read(itemID string, seq int) ([]byte, error)
	ListSequences(itemID string) ([]int, error)
	SizeOf(itemID string) (int64, error)
}

// Ledger records per-item crawl progress. Update only touches the
// in-memory map; Flush persists the whole map durably.
type Ledger interface {
	Get(itemID string) (Entry, bool)
	Update(itemID string, entry Entry)
	Flush() error
}

// Entry mirrors an Item's state in the progress ledger.
type Entry struct {
	Status      ItemStatus `json:"status"`
	Title       string     `json:"title,omitempty"`
	UnitCount   int        `json:"unit_count"`
	Errors      []string   `json:"errors,omitempty"`
	FirstSeq    int        `json:"first_unit_seq,omitempty"`
	LastSeq     int        `json:"last_unit_seq,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
	RunID       string     `json:"run_id,omitempty"`
	RepairedAt  *time.Time `json:"repaired_at,omitempty"`
}

// ChallengeSolver resolves an anti-bot interstitial. Implementations are
// opaque to this core (human-in-the-loop or automated); Solve blocks until
// the challenge is cleared or its own bound expires, and reports success.
type ChallengeSolver interface {
	Solve(ctx context.Context, pageSnapshot []byte) bool
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}
