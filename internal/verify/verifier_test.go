package verify

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/store"
)

type memLedger struct {
	mu      sync.Mutex
	entries map[string]crawl.Entry
}

func newMemLedger() *memLedger { return &memLedger{entries: make(map[string]crawl.Entry)} }

func (l *memLedger) Get(itemID string) (crawl.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[itemID]
	return entry, ok
}

func (l *memLedger) Update(itemID string, entry crawl.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[itemID] = entry
}

func (l *memLedger) Flush() error { return nil }

// scriptedFetcher returns one canned result for any URL.
type scriptedFetcher struct {
	result crawl.FetchResult
	err    error
	calls  int
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ string, url string, _ bool) (crawl.FetchResult, error) {
	f.calls++
	res := f.result
	res.URL = url
	return res, f.err
}

// nextAwareClassifier reports valid content, with HasNext driven by the
// body marker.
type nextAwareClassifier struct{}

func (nextAwareClassifier) Classify(body []byte) crawl.Classification {
	return crawl.Classification{
		Class:   crawl.PageValid,
		HasNext: string(body) == "has-next",
	}
}

func seedStore(t *testing.T, seqs ...int) *store.UnitStore {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	for _, seq := range seqs {
		require.NoError(t, st.Write("12", seq, []byte("page")))
	}
	return st
}

func TestClassifyTier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		entry crawl.Entry
		gaps  []int
		want  Tier
	}{
		{"clean complete", crawl.Entry{Status: crawl.StatusComplete}, nil, TierPerfect},
		{"complete with errors", crawl.Entry{Status: crawl.StatusComplete, Errors: []string{"seq 9: retried"}}, nil, TierDegraded},
		{"gaps trump errors", crawl.Entry{Status: crawl.StatusComplete, Errors: []string{"x"}}, []int{3}, TierIncomplete},
		{"failed trumps everything", crawl.Entry{Status: crawl.StatusFailed}, []int{3}, TierFailed},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.entry, tc.gaps), tc.name)
	}
}

func TestVerifyItem_Offline(t *testing.T) {
	t.Parallel()

	st := seedStore(t, 1, 2, 4)
	led := newMemLedger()
	led.Update("12", crawl.Entry{Status: crawl.StatusComplete})

	v := New("https://example.test", st, led, nil, nextAwareClassifier{}, zap.NewNop())
	res, err := v.VerifyItem(context.Background(), "12", false)
	require.NoError(t, err)
	require.Equal(t, TierIncomplete, res.Tier)
	require.Equal(t, 3, res.UnitCount)
	require.Equal(t, []int{3}, res.Gaps)
}

func TestVerifyItem_LiveDowngrade(t *testing.T) {
	t.Parallel()

	st := seedStore(t, 1, 2, 3)
	led := newMemLedger()
	led.Update("12", crawl.Entry{Status: crawl.StatusComplete})

	// The stored last page still shows a clickable next control on the
	// live site: the crawl stopped early no matter what the ledger says.
	fetcher := &scriptedFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("has-next")}}
	v := New("https://example.test", st, led, fetcher, nextAwareClassifier{}, zap.NewNop())

	res, err := v.VerifyItem(context.Background(), "12", true)
	require.NoError(t, err)
	require.Equal(t, TierIncomplete, res.Tier)
	require.True(t, res.LiveHasNext)
	require.Equal(t, 1, fetcher.calls, "only the highest stored unit is re-checked")
}

func TestVerifyItem_LiveConfirms(t *testing.T) {
	t.Parallel()

	st := seedStore(t, 1, 2, 3)
	led := newMemLedger()
	led.Update("12", crawl.Entry{Status: crawl.StatusComplete})

	fetcher := &scriptedFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("last-page")}}
	v := New("https://example.test", st, led, fetcher, nextAwareClassifier{}, zap.NewNop())

	res, err := v.VerifyItem(context.Background(), "12", true)
	require.NoError(t, err)
	require.Equal(t, TierPerfect, res.Tier)
	require.False(t, res.LiveHasNext)
}

func TestVerifyItem_LiveCheckFailureKeepsOfflineTier(t *testing.T) {
	t.Parallel()

	st := seedStore(t, 1, 2, 3)
	led := newMemLedger()
	led.Update("12", crawl.Entry{Status: crawl.StatusComplete})

	fetcher := &scriptedFetcher{result: crawl.FetchResult{NotFound: true}}
	v := New("https://example.test", st, led, fetcher, nextAwareClassifier{}, zap.NewNop())

	res, err := v.VerifyItem(context.Background(), "12", true)
	require.NoError(t, err)
	require.Equal(t, TierPerfect, res.Tier, "a failed live probe must not flip the tier")
}

func TestVerifyItem_NeverCrawledIsFailed(t *testing.T) {
	t.Parallel()

	st := seedStore(t) // nothing written for any item
	led := newMemLedger()

	v := New("https://example.test", st, led, nil, nextAwareClassifier{}, zap.NewNop())
	res, err := v.VerifyItem(context.Background(), "777", false)
	require.NoError(t, err)
	require.Equal(t, TierFailed, res.Tier, "an item with no ledger entry and no units is not perfect")
	require.Zero(t, res.UnitCount)

	// It must surface on the retry list so a fresh crawl picks it up.
	report, err := v.VerifyAll(context.Background(), []string{"777"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"777"}, report.RetryIDs())
}

func TestVerifyAll(t *testing.T) {
	t.Parallel()

	st := seedStore(t, 1, 2, 3)
	led := newMemLedger()
	led.Update("12", crawl.Entry{Status: crawl.StatusComplete})
	led.Update("99", crawl.Entry{Status: crawl.StatusFailed, Errors: []string{"gave up"}})

	v := New("https://example.test", st, led, nil, nextAwareClassifier{}, zap.NewNop())
	report, err := v.VerifyAll(context.Background(), []string{"12", "99"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Counts[TierPerfect])
	require.Equal(t, 1, report.Counts[TierFailed])
	require.Equal(t, []string{"99"}, report.RetryIDs())
}
