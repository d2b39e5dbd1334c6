// Package gaps finds and repairs holes in an item's fetched sequence set.
// It operates purely on the unit store's observed state, independent of
// any live scheduler queue: the gap set for an item is {min..max} minus
// what is on disk, where min is the observed first sequence, not 1.
package gaps

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/metrics"
)

// Find computes the sorted missing sequence numbers for itemID.
func Find(st crawl.UnitStore, itemID string) ([]int, error) {
	seqs, err := st.ListSequences(itemID)
	if err != nil {
		return nil, fmt.Errorf("find gaps for %s: %w", itemID, err)
	}
	if len(seqs) == 0 {
		return nil, nil
	}
	present := make(map[int]struct{}, len(seqs))
	for _, s := range seqs {
		present[s] = struct{}{}
	}
	minSeq, maxSeq := seqs[0], seqs[len(seqs)-1]
	var missing []int
	for s := minSeq; s <= maxSeq; s++ {
		if _, ok := present[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

// RepairStore is the unit store surface repair needs: everything the
// crawl uses plus corrupt-file cleanup.
type RepairStore interface {
	crawl.UnitStore
	RemoveCorrupt(itemID string) ([]int, error)
}

// Repairer re-fetches only an item's missing sequences.
type Repairer struct {
	baseURL    string
	fetcher    crawl.Fetcher
	classifier crawl.Classifier
	store      RepairStore
	ledger     crawl.Ledger
	clock      crawl.Clock
	logger     *zap.Logger
}

// NewRepairer constructs a Repairer.
func NewRepairer(
	baseURL string,
	fetcher crawl.Fetcher,
	classifier crawl.Classifier,
	st RepairStore,
	ledger crawl.Ledger,
	clock crawl.Clock,
	logger *zap.Logger,
) *Repairer {
	return &Repairer{
		baseURL:    baseURL,
		fetcher:    fetcher,
		classifier: classifier,
		store:      st,
		ledger:     ledger,
		clock:      clock,
		logger:     logger,
	}
}

// Result summarizes one item's repair pass.
type Result struct {
	ItemID    string
	Gaps      []int
	Filled    int
	Skipped   int
	UnitCount int
}

// RepairItem fills the item's gaps. A fetched page is written only when it
// actually carries content markers; a challenge or error page never lands
// in a gap slot. Some gaps are legitimate (the section never existed on
// the site), so a skip is not an error.
func (r *Repairer) RepairItem(ctx context.Context, workerID, itemID string) (Result, error) {
	removed, err := r.store.RemoveCorrupt(itemID)
	if err != nil {
		return Result{}, err
	}
	if len(removed) > 0 {
		r.logger.Warn("removed corrupt units before repair",
			zap.String("item_id", itemID),
			zap.Ints("seqs", removed),
		)
	}
	gapSeqs, err := Find(r.store, itemID)
	if err != nil {
		return Result{}, err
	}
	res := Result{ItemID: itemID, Gaps: gapSeqs}
	if len(gapSeqs) == 0 {
		return res, nil
	}
	log := r.logger.With(zap.String("item_id", itemID))
	log.Info("repairing item", zap.Int("gaps", len(gapSeqs)))

	for _, seq := range gapSeqs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("repair %s: %w", itemID, err)
		}
		if r.store.Exists(itemID, seq) {
			continue
		}
		url := crawl.PageURL(r.baseURL, itemID, seq)
		result, err := r.fetcher.Fetch(ctx, workerID, url, true)
		if err != nil || result.NotFound {
			res.Skipped++
			log.Debug("gap section unavailable", zap.Int("seq", seq))
			continue
		}
		if r.classifier.Classify(result.Body).Class != crawl.PageValid {
			res.Skipped++
			log.Debug("gap fetch returned non-content page", zap.Int("seq", seq))
			continue
		}
		if err := r.store.Write(itemID, seq, result.Body); err != nil {
			return res, fmt.Errorf("repair %s seq %d: %w", itemID, seq, err)
		}
		metrics.ObserveGapFilled()
		res.Filled++
	}

	seqs, err := r.store.ListSequences(itemID)
	if err != nil {
		return res, fmt.Errorf("repair %s: recount units: %w", itemID, err)
	}
	res.UnitCount = len(seqs)

	if res.Filled > 0 {
		r.annotateLedger(itemID, res)
	}
	log.Info("repair finished",
		zap.Int("filled", res.Filled),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (r *Repairer) annotateLedger(itemID string, res Result) {
	entry, _ := r.ledger.Get(itemID)
	now := r.clock.Now().UTC()
	entry.UnitCount = res.UnitCount
	entry.RepairedAt = &now
	entry.Errors = append(entry.Errors,
		fmt.Sprintf("repair %s: filled %d of %d gaps", now.Format(time.RFC3339), res.Filled, len(res.Gaps)))
	r.ledger.Update(itemID, entry)
}
