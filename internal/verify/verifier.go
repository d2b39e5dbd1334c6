// Package verify classifies crawled items into quality tiers from the
// ledger, the gap scan, and optionally a live re-check of the last unit's
// pagination control, which is the only authoritative completeness signal
// the site offers.
package verify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/gaps"
)

// Tier is an item's quality classification.
type Tier string

// Quality tiers, best first. Degraded items are complete and fully usable,
// they just accumulated errors along the way.
const (
	TierPerfect    Tier = "perfect"
	TierDegraded   Tier = "degraded"
	TierIncomplete Tier = "incomplete"
	TierFailed     Tier = "failed"
)

// Classify is the pure tier function over a ledger entry and a gap scan.
func Classify(entry crawl.Entry, gapSeqs []int) Tier {
	switch {
	case entry.Status == crawl.StatusFailed:
		return TierFailed
	case len(gapSeqs) > 0:
		return TierIncomplete
	case len(entry.Errors) > 0:
		return TierDegraded
	default:
		return TierPerfect
	}
}

// Result is one item's verification outcome.
type Result struct {
	ItemID    string `json:"item_id"`
	Tier      Tier   `json:"tier"`
	UnitCount int    `json:"unit_count"`
	GapCount  int    `json:"gap_count"`
	Gaps      []int  `json:"gaps,omitempty"`
	// LiveHasNext is set when the live re-check ran and found a clickable
	// next control on the highest stored unit.
	LiveHasNext bool `json:"live_has_next,omitempty"`
}

// Report aggregates a verification pass.
type Report struct {
	Counts  map[Tier]int `json:"counts"`
	Results []Result     `json:"results"`
}

// RetryIDs lists the items worth re-submitting to repair or a fresh crawl.
func (r Report) RetryIDs() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Tier == TierIncomplete || res.Tier == TierFailed {
			ids = append(ids, res.ItemID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Verifier runs verification over the store and ledger.
type Verifier struct {
	baseURL    string
	store      crawl.UnitStore
	ledger     crawl.Ledger
	fetcher    crawl.Fetcher
	classifier crawl.Classifier
	logger     *zap.Logger
}

// New constructs a Verifier. fetcher may be nil when live re-checks are
// not requested.
func New(
	baseURL string,
	st crawl.UnitStore,
	ledger crawl.Ledger,
	fetcher crawl.Fetcher,
	classifier crawl.Classifier,
	logger *zap.Logger,
) *Verifier {
	return &Verifier{
		baseURL:    baseURL,
		store:      st,
		ledger:     ledger,
		fetcher:    fetcher,
		classifier: classifier,
		logger:     logger,
	}
}

// VerifyItem classifies one item. With live set, the highest stored unit's
// URL is re-fetched and its pagination control re-tested: a still-present
// next control downgrades the item to Incomplete even with zero gaps,
// because the crawl stopped before the true end. Stored unit counts are
// never compared against an assumed total; no authoritative total exists.
func (v *Verifier) VerifyItem(ctx context.Context, itemID string, live bool) (Result, error) {
	entry, known := v.ledger.Get(itemID)
	gapSeqs, err := gaps.Find(v.store, itemID)
	if err != nil {
		return Result{}, err
	}
	seqs, err := v.store.ListSequences(itemID)
	if err != nil {
		return Result{}, fmt.Errorf("verify %s: %w", itemID, err)
	}

	// Never crawled: no ledger entry and nothing on disk. Report it
	// failed so it lands on the retry list instead of sailing through
	// as perfect.
	if !known && len(seqs) == 0 {
		v.logger.Warn("item was never crawled", zap.String("item_id", itemID))
		return Result{ItemID: itemID, Tier: TierFailed}, nil
	}

	res := Result{
		ItemID:    itemID,
		Tier:      Classify(entry, gapSeqs),
		UnitCount: len(seqs),
		GapCount:  len(gapSeqs),
		Gaps:      gapSeqs,
	}

	if live && res.Tier != TierFailed && len(seqs) > 0 && v.fetcher != nil {
		hasNext, err := v.liveHasNext(ctx, itemID, seqs[len(seqs)-1])
		if err != nil {
			v.logger.Warn("live re-check failed, keeping offline tier",
				zap.String("item_id", itemID),
				zap.Error(err),
			)
		} else if hasNext {
			res.LiveHasNext = true
			res.Tier = TierIncomplete
		}
	}
	return res, nil
}

func (v *Verifier) liveHasNext(ctx context.Context, itemID string, lastSeq int) (bool, error) {
	url := crawl.PageURL(v.baseURL, itemID, lastSeq)
	result, err := v.fetcher.Fetch(ctx, "verify", url, true)
	if err != nil {
		return false, err
	}
	if result.NotFound {
		return false, fmt.Errorf("last unit %s/%d vanished from the site", itemID, lastSeq)
	}
	classification := v.classifier.Classify(result.Body)
	if classification.Class != crawl.PageValid {
		return false, fmt.Errorf("last unit %s/%d no longer classifies as content", itemID, lastSeq)
	}
	return classification.HasNext, nil
}

// VerifyAll runs VerifyItem over ids and aggregates the report.
func (v *Verifier) VerifyAll(ctx context.Context, ids []string, live bool) (Report, error) {
	report := Report{Counts: make(map[Tier]int)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := v.VerifyItem(ctx, id, live)
		if err != nil {
			return report, err
		}
		report.Counts[res.Tier]++
		report.Results = append(report.Results, res)
	}
	return report, nil
}
