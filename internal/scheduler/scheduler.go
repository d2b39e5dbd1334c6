// Package scheduler drives the crawl: a fixed pool of workers pulls items
// from one shared queue and walks each item's unit sequence until the
// page-level termination signal appears or the failure budget runs out.
// Resume needs no special casing; a worker simply starts above the highest
// unit already in the store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/metrics"
)

// Config controls scheduler behavior.
type Config struct {
	BaseURL                string
	Workers                int
	NominalFirstSeq        int
	MaxConsecutiveFailures int
	// MaxFetchesPerItem is a runaway-prevention backstop, distinct from
	// the termination signal; hitting it is an anomaly, never success.
	MaxFetchesPerItem int
	ChallengeWait     time.Duration
	ChallengePoll     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.NominalFirstSeq <= 0 {
		c.NominalFirstSeq = 1
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.MaxFetchesPerItem <= 0 {
		c.MaxFetchesPerItem = 10000
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = 150 * time.Second
	}
	if c.ChallengePoll <= 0 {
		c.ChallengePoll = 2 * time.Second
	}
}

// FlushingLedger is the ledger surface the scheduler needs: entry updates
// plus the batched flush called after each terminal item.
type FlushingLedger interface {
	crawl.Ledger
	MaybeFlush() error
}

// Scheduler owns the worker pool for one crawl pass.
type Scheduler struct {
	cfg        Config
	fetcher    crawl.Fetcher
	classifier crawl.Classifier
	store      crawl.UnitStore
	ledger     FlushingLedger
	solver     crawl.ChallengeSolver
	clock      crawl.Clock
	counters   *Counters
	logger     *zap.Logger

	fatalMu  sync.Mutex
	fatalErr error
}

// New constructs a Scheduler.
func New(
	cfg Config,
	fetcher crawl.Fetcher,
	classifier crawl.Classifier,
	store crawl.UnitStore,
	ledger FlushingLedger,
	solver crawl.ChallengeSolver,
	clock crawl.Clock,
	counters *Counters,
	logger *zap.Logger,
) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		classifier: classifier,
		store:      store,
		ledger:     ledger,
		solver:     solver,
		clock:      clock,
		counters:   counters,
		logger:     logger,
	}
}

// Run feeds the items through the shared queue and blocks until all
// workers drain it or the context is canceled. Closing the queue channel
// is the exhaustion sentinel for every worker. A ledger write failure
// aborts the run: the process cannot safely continue without durable
// progress tracking.
func (s *Scheduler) Run(ctx context.Context, list []crawl.Item) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan crawl.Item)
	go func() {
		defer close(queue)
		for _, item := range list {
			select {
			case <-runCtx.Done():
				return
			case queue <- item:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%02d", i)
		go func() {
			defer wg.Done()
			s.runWorker(runCtx, cancel, workerID, queue)
		}()
	}
	wg.Wait()

	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

func (s *Scheduler) runWorker(ctx context.Context, abort context.CancelFunc, workerID string, queue <-chan crawl.Item) {
	log := s.logger.With(zap.String("worker", workerID))
	for item := range queue {
		if ctx.Err() != nil {
			return
		}
		metrics.WorkerStarted()
		started := s.clock.Now()
		s.crawlItem(ctx, abort, workerID, item, log)
		metrics.WorkerStopped()
		log.Debug("item processed",
			zap.String("item_id", item.ID),
			zap.Duration("elapsed", s.clock.Now().Sub(started)),
		)
	}
}

// crawlItem runs the per-item state machine. The worker is the single
// writer for this item until it returns.
func (s *Scheduler) crawlItem(ctx context.Context, abort context.CancelFunc, workerID string, item crawl.Item, log *zap.Logger) {
	log = log.With(zap.String("item_id", item.ID))

	if entry, ok := s.ledger.Get(item.ID); ok && entry.Status == crawl.StatusComplete {
		log.Debug("skipping item already complete")
		s.counters.ItemsSkipped.Add(1)
		return
	}

	seqs, err := s.store.ListSequences(item.ID)
	if err != nil {
		log.Error("listing existing units failed", zap.Error(err))
		s.finishItem(abort, item, crawl.StatusFailed, 0, 0, 0,
			[]string{fmt.Sprintf("list existing units: %v", err)}, log)
		return
	}

	// The first fetchable sequence is discovered, never assumed: on
	// resume the observed minimum is authoritative.
	firstSeq := s.cfg.NominalFirstSeq
	seq := s.cfg.NominalFirstSeq
	unitCount := len(seqs)
	if unitCount > 0 {
		firstSeq = seqs[0]
		seq = seqs[len(seqs)-1] + 1
		log.Info("resuming item",
			zap.Int("existing_units", unitCount),
			zap.Int("start_seq", seq),
		)
	}

	entry := crawl.Entry{
		Status:    crawl.StatusInProgress,
		Title:     item.Title,
		UnitCount: unitCount,
		FirstSeq:  firstSeq,
	}
	if prev, ok := s.ledger.Get(item.ID); ok {
		entry.Errors = prev.Errors
	}
	s.ledger.Update(item.ID, entry)

	var (
		consecutiveFailures int
		fetches             int
		lastSeq             int
	)
	if unitCount > 0 {
		lastSeq = seqs[len(seqs)-1]
	}

	for {
		if ctx.Err() != nil {
			// Interrupt: leave the item in_progress; the next run resumes
			// from the store's observed state with no special casing.
			entry.UnitCount = unitCount
			entry.LastSeq = lastSeq
			s.ledger.Update(item.ID, entry)
			return
		}
		if fetches >= s.cfg.MaxFetchesPerItem {
			log.Warn("iteration cap reached, anomaly",
				zap.Int("cap", s.cfg.MaxFetchesPerItem),
				zap.Int("seq", seq),
			)
			entry.Errors = append(entry.Errors,
				fmt.Sprintf("iteration cap %d reached at seq %d", s.cfg.MaxFetchesPerItem, seq))
			s.finishItem(abort, item, crawl.StatusFailed, unitCount, firstSeq, lastSeq, entry.Errors, log)
			return
		}
		if s.store.Exists(item.ID, seq) {
			s.counters.UnitsSkipped.Add(1)
			seq++
			continue
		}

		url := crawl.PageURL(s.cfg.BaseURL, item.ID, seq)
		result, err := s.fetcher.Fetch(ctx, workerID, url, true)
		fetches++
		if err != nil {
			if ctx.Err() != nil {
				entry.UnitCount = unitCount
				entry.LastSeq = lastSeq
				s.ledger.Update(item.ID, entry)
				return
			}
			consecutiveFailures++
			entry.Errors = append(entry.Errors, fmt.Sprintf("seq %d: %v", seq, err))
			if consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
				s.finishItem(abort, item, crawl.StatusFailed, unitCount, firstSeq, lastSeq, entry.Errors, log)
				return
			}
			seq++
			continue
		}

		classification := crawl.Classification{Class: crawl.PageInvalid}
		if !result.NotFound {
			classification = s.classifier.Classify(result.Body)
		}

		switch classification.Class {
		case crawl.PageChallenge:
			resolved, ok := s.resolveChallenge(ctx, workerID, url, result.Body, log)
			if !ok {
				entry.Errors = append(entry.Errors,
					fmt.Sprintf("seq %d: challenge not resolved within %s", seq, s.cfg.ChallengeWait))
				s.finishItem(abort, item, crawl.StatusFailed, unitCount, firstSeq, lastSeq, entry.Errors, log)
				return
			}
			result = resolved
			classification = s.classifier.Classify(result.Body)
			if classification.Class != crawl.PageValid {
				// Solved but the page is still junk; fall through to the
				// failure accounting below on the next iteration.
				consecutiveFailures++
				if consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
					entry.Errors = append(entry.Errors,
						fmt.Sprintf("%d consecutive invalid pages ending at seq %d", consecutiveFailures, seq))
					s.finishItem(abort, item, crawl.StatusFailed, unitCount, firstSeq, lastSeq, entry.Errors, log)
					return
				}
				seq++
				continue
			}
			fallthrough

		case crawl.PageValid:
			if err := s.store.Write(item.ID, seq, result.Body); err != nil {
				entry.Errors = append(entry.Errors, fmt.Sprintf("seq %d: write unit: %v", seq, err))
				s.finishItem(abort, item, crawl.StatusFailed, unitCount, firstSeq, lastSeq, entry.Errors, log)
				return
			}
			metrics.ObserveUnitWritten()
			s.counters.UnitsFetched.Add(1)
			unitCount++
			lastSeq = seq
			consecutiveFailures = 0
			if !classification.HasNext {
				// The absent next control is the only success terminal;
				// there is no page-count substitute.
				s.finishItem(abort, item, crawl.StatusComplete, unitCount, firstSeq, lastSeq, entry.Errors, log)
				return
			}
			seq++

		default: // PageInvalid or expected NotFound
			consecutiveFailures++
			if consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
				entry.Errors = append(entry.Errors,
					fmt.Sprintf("%d consecutive missing/invalid pages ending at seq %d", consecutiveFailures, seq))
				s.finishItem(abort, item, crawl.StatusFailed, unitCount, firstSeq, lastSeq, entry.Errors, log)
				return
			}
			// Tolerate sparse missing pages mid-book.
			seq++
		}
	}
}

// resolveChallenge hands the interstitial to the external solver, then
// polls the same URL until genuine content returns or the bounded wait
// expires.
func (s *Scheduler) resolveChallenge(ctx context.Context, workerID, url string, snapshot []byte, log *zap.Logger) (crawl.FetchResult, bool) {
	log.Info("challenge detected, invoking solver", zap.String("url", url))
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ChallengeWait)
	defer cancel()

	if s.solver == nil || !s.solver.Solve(waitCtx, snapshot) {
		metrics.ObserveChallengeWait("timeout")
		s.counters.ChallengesFailed.Add(1)
		return crawl.FetchResult{}, false
	}

	for {
		result, err := s.fetcher.Fetch(waitCtx, workerID, url, true)
		if err == nil && !result.NotFound {
			if s.classifier.Classify(result.Body).Class != crawl.PageChallenge {
				metrics.ObserveChallengeWait("solved")
				s.counters.ChallengesSolved.Add(1)
				log.Info("challenge resolved", zap.String("url", url))
				return result, true
			}
		}
		select {
		case <-waitCtx.Done():
			metrics.ObserveChallengeWait("timeout")
			s.counters.ChallengesFailed.Add(1)
			return crawl.FetchResult{}, false
		case <-time.After(s.cfg.ChallengePoll):
		}
	}
}

func (s *Scheduler) finishItem(abort context.CancelFunc, item crawl.Item, status crawl.ItemStatus, unitCount, firstSeq, lastSeq int, errs []string, log *zap.Logger) {
	s.ledger.Update(item.ID, crawl.Entry{
		Status:    status,
		Title:     item.Title,
		UnitCount: unitCount,
		Errors:    errs,
		FirstSeq:  firstSeq,
		LastSeq:   lastSeq,
	})
	metrics.ObserveItem(string(status))
	switch status {
	case crawl.StatusComplete:
		s.counters.ItemsCompleted.Add(1)
		log.Info("item complete", zap.Int("units", unitCount), zap.Int("last_seq", lastSeq))
	case crawl.StatusFailed:
		s.counters.ItemsFailed.Add(1)
		log.Warn("item failed", zap.Int("units", unitCount), zap.Strings("errors", errs))
	}

	if err := s.ledger.MaybeFlush(); err != nil {
		log.Error("ledger flush failed, aborting run", zap.Error(err))
		s.fatalMu.Lock()
		if s.fatalErr == nil {
			s.fatalErr = fmt.Errorf("ledger flush: %w", err)
		}
		s.fatalMu.Unlock()
		abort()
	}
}
