package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/store"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

// tickingClock advances one second per read and counts reads, so a test
// can assert the scheduler actually times its work.
type tickingClock struct {
	mu    sync.Mutex
	reads int
	now   time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	c.now = c.now.Add(time.Second)
	return c.now
}

// scriptedFetcher pops canned bodies per URL; once a URL's script has one
// response left it repeats it, and unscripted URLs 404.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]string
	fetched []string
	onFetch func(url string)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, _ string, url string, _ bool) (crawl.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return crawl.FetchResult{}, err
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	script, ok := f.scripts[url]
	var body string
	if ok && len(script) > 0 {
		body = script[0]
		if len(script) > 1 {
			f.scripts[url] = script[1:]
		}
	}
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}

	if !ok || body == "" {
		return crawl.FetchResult{URL: url, StatusCode: 404, NotFound: true}, nil
	}
	if body == "error" {
		return crawl.FetchResult{}, errors.New("connection reset")
	}
	return crawl.FetchResult{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

func (f *scriptedFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// markerClassifier reads the canned body markers used by scriptedFetcher.
type markerClassifier struct{}

func (markerClassifier) Classify(body []byte) crawl.Classification {
	s := string(body)
	switch {
	case s == "challenge":
		return crawl.Classification{Class: crawl.PageChallenge}
	case strings.HasPrefix(s, "valid"):
		return crawl.Classification{Class: crawl.PageValid, HasNext: strings.HasSuffix(s, ":next")}
	default:
		return crawl.Classification{Class: crawl.PageInvalid}
	}
}

type memFlushLedger struct {
	mu       sync.Mutex
	entries  map[string]crawl.Entry
	flushErr error
	flushes  int
}

func newMemFlushLedger() *memFlushLedger {
	return &memFlushLedger{entries: make(map[string]crawl.Entry)}
}

func (l *memFlushLedger) Get(itemID string) (crawl.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[itemID]
	return entry, ok
}

func (l *memFlushLedger) Update(itemID string, entry crawl.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[itemID] = entry
}

func (l *memFlushLedger) Flush() error { return l.flushErr }

func (l *memFlushLedger) MaybeFlush() error {
	l.mu.Lock()
	l.flushes++
	l.mu.Unlock()
	return l.flushErr
}

type yesSolver struct{ calls int }

func (s *yesSolver) Solve(context.Context, []byte) bool { s.calls++; return true }

type noSolver struct{}

func (noSolver) Solve(context.Context, []byte) bool { return false }

func newTestScheduler(fetcher crawl.Fetcher, st crawl.UnitStore, led FlushingLedger, solver crawl.ChallengeSolver) (*Scheduler, *Counters) {
	counters := &Counters{}
	s := New(
		Config{
			BaseURL:       "https://example.test",
			Workers:       1,
			ChallengeWait: time.Second,
			ChallengePoll: time.Millisecond,
		},
		fetcher, markerClassifier{}, st, led, solver, fakeClock{}, counters, zap.NewNop(),
	)
	return s, counters
}

func TestRun_TimesEachItem(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"valid:p1:last"},
	}}
	clk := &tickingClock{now: time.Unix(1700000000, 0)}
	counters := &Counters{}
	s := New(
		Config{BaseURL: "https://example.test", Workers: 1},
		fetcher, markerClassifier{}, st, newMemFlushLedger(), nil, clk, counters, zap.NewNop(),
	)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))
	require.GreaterOrEqual(t, clk.reads, 2, "the worker reads the clock around each item")
}

func newUnitStore(t *testing.T) *store.UnitStore {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestRun_CrawlsToCompletion(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"valid:p1:next"},
		"https://example.test/book/12/2": {"valid:p2:next"},
		"https://example.test/book/12/3": {"valid:p3:last"},
	}}
	led := newMemFlushLedger()
	s, counters := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12", Title: "kitab"}}))

	entry, ok := led.Get("12")
	require.True(t, ok)
	require.Equal(t, crawl.StatusComplete, entry.Status)
	require.Equal(t, 3, entry.UnitCount)
	require.Equal(t, 1, entry.FirstSeq)
	require.Equal(t, 3, entry.LastSeq)
	require.Equal(t, "kitab", entry.Title)

	seqs, err := st.ListSequences("12")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, seqs)
	require.Equal(t, int64(1), counters.ItemsCompleted.Load())
	require.Equal(t, int64(3), counters.UnitsFetched.Load())
	require.Equal(t, 1, led.flushes)
}

func TestRun_SingleUnitItem(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/5/1": {"valid:only:last"},
	}}
	led := newMemFlushLedger()
	s, _ := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "5"}}))

	entry, _ := led.Get("5")
	require.Equal(t, crawl.StatusComplete, entry.Status)
	require.Equal(t, 1, entry.UnitCount)
	require.Equal(t, 1, entry.LastSeq)
	require.Len(t, fetcher.urls(), 1)
}

func TestRun_ResumeFetchesOnlyMissing(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	require.NoError(t, st.Write("12", 1, []byte("valid:p1:next")))
	require.NoError(t, st.Write("12", 2, []byte("valid:p2:next")))

	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/3": {"valid:p3:last"},
	}}
	led := newMemFlushLedger()
	s, _ := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	// Stored pages are never re-fetched; the walk starts above them.
	require.Equal(t, []string{"https://example.test/book/12/3"}, fetcher.urls())

	entry, _ := led.Get("12")
	require.Equal(t, crawl.StatusComplete, entry.Status)
	require.Equal(t, 3, entry.UnitCount)
	require.Equal(t, 1, entry.FirstSeq)
}

func TestRun_SkipsCompleteItems(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{}}
	led := newMemFlushLedger()
	led.Update("12", crawl.Entry{Status: crawl.StatusComplete, UnitCount: 9})

	s, counters := newTestScheduler(fetcher, st, led, nil)
	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	require.Empty(t, fetcher.urls())
	require.Equal(t, int64(1), counters.ItemsSkipped.Load())

	entry, _ := led.Get("12")
	require.Equal(t, 9, entry.UnitCount, "completed entry must stay untouched")
}

func TestRun_ConsecutiveFailureCutoff(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	// Every page 404s; the third consecutive miss is terminal and no
	// fourth fetch happens.
	fetcher := &scriptedFetcher{scripts: map[string][]string{}}
	led := newMemFlushLedger()
	s, counters := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "40"}}))

	require.Equal(t, []string{
		"https://example.test/book/40/1",
		"https://example.test/book/40/2",
		"https://example.test/book/40/3",
	}, fetcher.urls())

	entry, _ := led.Get("40")
	require.Equal(t, crawl.StatusFailed, entry.Status)
	require.NotEmpty(t, entry.Errors)
	require.Equal(t, int64(1), counters.ItemsFailed.Load())
}

func TestRun_SparseMissingPagesTolerated(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"valid:p1:next"},
		// seq 2 404s on the live site; the book continues at 3.
		"https://example.test/book/12/3": {"valid:p3:last"},
	}}
	led := newMemFlushLedger()
	s, _ := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	entry, _ := led.Get("12")
	require.Equal(t, crawl.StatusComplete, entry.Status)
	require.Equal(t, 2, entry.UnitCount)
	require.False(t, st.Exists("12", 2))
}

func TestRun_TransientErrorsCountAgainstCutoff(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"error"},
		"https://example.test/book/12/2": {"valid:p2:next"},
		"https://example.test/book/12/3": {"valid:p3:last"},
	}}
	led := newMemFlushLedger()
	s, _ := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	// One failed page does not kill the item, and a later success resets
	// the failure streak.
	entry, _ := led.Get("12")
	require.Equal(t, crawl.StatusComplete, entry.Status)
	require.Equal(t, 2, entry.UnitCount)
	require.Contains(t, entry.Errors[0], "seq 1")
}

func TestRun_ChallengeSolvedAndCrawlContinues(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"challenge", "valid:p1:next"},
		"https://example.test/book/12/2": {"valid:p2:last"},
	}}
	led := newMemFlushLedger()
	solver := &yesSolver{}
	s, counters := newTestScheduler(fetcher, st, led, solver)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	entry, _ := led.Get("12")
	require.Equal(t, crawl.StatusComplete, entry.Status)
	require.Equal(t, 2, entry.UnitCount)
	require.Equal(t, 1, solver.calls)
	require.Equal(t, int64(1), counters.ChallengesSolved.Load())

	// The page behind the challenge is stored, not the interstitial.
	body, err := st.Read("12", 1)
	require.NoError(t, err)
	require.Equal(t, "valid:p1:next", string(body))
}

func TestRun_ChallengeTimeoutFailsItem(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"challenge"},
	}}
	led := newMemFlushLedger()
	s, counters := newTestScheduler(fetcher, st, led, noSolver{})

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	entry, _ := led.Get("12")
	require.Equal(t, crawl.StatusFailed, entry.Status)
	require.Equal(t, int64(1), counters.ChallengesFailed.Load())
	require.False(t, st.Exists("12", 1))
}

func TestRun_InterruptLeavesItemResumable(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/12/1": {"valid:p1:next"},
		"https://example.test/book/12/2": {"valid:p2:next"},
	}}
	fetcher.onFetch = func(url string) {
		if strings.HasSuffix(url, "/2") {
			cancel()
		}
	}
	led := newMemFlushLedger()
	s, _ := newTestScheduler(fetcher, st, led, nil)

	require.NoError(t, s.Run(ctx, []crawl.Item{{ID: "12"}}))

	entry, ok := led.Get("12")
	require.True(t, ok)
	require.Equal(t, crawl.StatusInProgress, entry.Status)
	require.True(t, st.Exists("12", 1), "units fetched before the interrupt stay on disk")
}

func TestRun_IterationCapIsAnomaly(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	// The site claims a next page forever.
	fetcher := &scriptedFetcher{scripts: map[string][]string{}}
	for seq := 1; seq <= 10; seq++ {
		fetcher.scripts[crawl.PageURL("https://example.test", "12", seq)] = []string{"valid:p:next"}
	}
	led := newMemFlushLedger()
	counters := &Counters{}
	s := New(
		Config{BaseURL: "https://example.test", Workers: 1, MaxFetchesPerItem: 5},
		fetcher, markerClassifier{}, st, led, nil, fakeClock{}, counters, zap.NewNop(),
	)

	require.NoError(t, s.Run(context.Background(), []crawl.Item{{ID: "12"}}))

	entry, _ := led.Get("12")
	require.Equal(t, crawl.StatusFailed, entry.Status)
	require.Contains(t, entry.Errors[len(entry.Errors)-1], "iteration cap")
	require.Len(t, fetcher.urls(), 5)
}

func TestRun_LedgerFlushFailureAbortsRun(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{
		"https://example.test/book/1/1": {"valid:p1:last"},
		"https://example.test/book/2/1": {"valid:p1:last"},
	}}
	led := newMemFlushLedger()
	led.flushErr = errors.New("disk full")
	s, _ := newTestScheduler(fetcher, st, led, nil)

	err := s.Run(context.Background(), []crawl.Item{{ID: "1"}, {ID: "2"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger flush")
}

func TestRun_MultipleWorkersDrainQueue(t *testing.T) {
	t.Parallel()
	st := newUnitStore(t)
	fetcher := &scriptedFetcher{scripts: map[string][]string{}}
	var list []crawl.Item
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		fetcher.scripts[crawl.PageURL("https://example.test", id, 1)] = []string{"valid:p:last"}
		list = append(list, crawl.Item{ID: id})
	}
	led := newMemFlushLedger()
	counters := &Counters{}
	s := New(
		Config{BaseURL: "https://example.test", Workers: 3},
		fetcher, markerClassifier{}, st, led, nil, fakeClock{}, counters, zap.NewNop(),
	)

	require.NoError(t, s.Run(context.Background(), list))
	require.Equal(t, int64(6), counters.ItemsCompleted.Load())
	for _, item := range list {
		entry, ok := led.Get(item.ID)
		require.True(t, ok, item.ID)
		require.Equal(t, crawl.StatusComplete, entry.Status, item.ID)
	}
}
