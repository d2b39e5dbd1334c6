// Package crawl defines core types shared across subsystems.
package crawl

import (
	"fmt"
	"time"
)

// ItemStatus represents the lifecycle state of a crawled item.
type ItemStatus string

// Item status values persisted in the progress ledger.
const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusComplete   ItemStatus = "complete"
	StatusFailed     ItemStatus = "failed"
)

// Item is one logical multi-unit document (a book). It is mutated only by
// the worker currently owning it; the scheduler guarantees a single writer
// per item at any time.
type Item struct {
	ID        string     `json:"item_id"`
	Title     string     `json:"title,omitempty"`
	AuthorID  string     `json:"author_id,omitempty"`
	Status    ItemStatus `json:"status"`
	UnitCount int        `json:"unit_count"`
	Errors    []string   `json:"errors,omitempty"`
	FirstSeq  int        `json:"first_unit_seq,omitempty"`
	LastSeq   int        `json:"last_unit_seq,omitempty"`
}

// Unit is one fetched artifact. Units are immutable once written; repair
// only ever creates a previously missing one.
type Unit struct {
	ItemID    string
	Seq       int
	Body      []byte
	FetchedAt time.Time
	SourceURL string
}

// UnitStatus reports what the store knows about a (item, seq) key.
type UnitStatus int

// Unit store observations. Corrupt means a file exists but is empty or
// unreadable; callers treat it the same as Missing and may re-fetch.
const (
	UnitMissing UnitStatus = iota
	UnitPresent
	UnitCorrupt
)

// PageClass is the classifier's verdict on a raw response body.
type PageClass string

// Page classes.
const (
	PageValid     PageClass = "valid"
	PageChallenge PageClass = "challenge"
	PageInvalid   PageClass = "invalid"
)

// Classification is the full classifier output for one page. HasNext is
// only meaningful when Class is PageValid; its absence on a valid page is
// the authoritative signal that the item has no further units.
type Classification struct {
	Class   PageClass
	HasNext bool
}

// FetchResult is returned by a Fetcher implementation. NotFound reports a
// 404-class response when the caller declared it expected; it is a result,
// not an error, because a missing page legitimately ends pagination.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	NotFound   bool
}

// PageURL reconstructs the canonical source URL for a unit.
func PageURL(baseURL, itemID string, seq int) string {
	return fmt.Sprintf("%s/book/%s/%d", baseURL, itemID, seq)
}
