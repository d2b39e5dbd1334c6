package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maktaba/shamela-crawler/internal/crawl"
)

func newTestStore(t *testing.T) *UnitStore {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNew_RequiresRoot(t *testing.T) {
	t.Parallel()
	_, err := New("  ")
	require.Error(t, err)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	body := []byte("<html><body>page one</body></html>")
	require.NoError(t, s.Write("12", 1, body))

	require.True(t, s.Exists("12", 1))
	require.Equal(t, crawl.UnitPresent, s.Status("12", 1))

	got, err := s.Read("12", 1)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.NoError(t, s.Write("12", 1, []byte("x")))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "12"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "unit_00001.raw", entries[0].Name())
}

func TestRead_Missing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Read("12", 7)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, crawl.UnitMissing, s.Status("12", 7))
	require.False(t, s.Exists("12", 7))
}

func TestRead_ZeroLengthIsCorrupt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	dir := filepath.Join(s.Root(), "12")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit_00003.raw"), nil, 0o640))

	_, err := s.Read("12", 3)
	require.ErrorIs(t, err, ErrCorruptUnit)
	require.Equal(t, crawl.UnitCorrupt, s.Status("12", 3))
	require.False(t, s.Exists("12", 3))
}

func TestListSequences(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, seq := range []int{5, 1, 3} {
		require.NoError(t, s.Write("12", seq, []byte("page")))
	}
	// Corrupt and foreign files are invisible to the listing.
	dir := filepath.Join(s.Root(), "12")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit_00002.raw"), nil, 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o640))

	seqs, err := s.ListSequences("12")
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 5}, seqs)

	seqs, err = s.ListSequences("no-such-item")
	require.NoError(t, err)
	require.Empty(t, seqs)
}

func TestSizeOf(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.Write("12", 1, []byte("12345")))
	require.NoError(t, s.Write("12", 2, []byte("1234567890")))

	size, err := s.SizeOf("12")
	require.NoError(t, err)
	require.Equal(t, int64(15), size)

	size, err = s.SizeOf("no-such-item")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestFetchedAt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Write("12", 1, []byte("page")))
	after := time.Now().Add(time.Second)

	ts, err := s.FetchedAt("12", 1)
	require.NoError(t, err)
	require.True(t, ts.After(before) && ts.Before(after))

	_, err = s.FetchedAt("12", 9)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveCorrupt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.Write("12", 1, []byte("good")))
	dir := filepath.Join(s.Root(), "12")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit_00002.raw"), nil, 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit_00004.raw"), nil, 0o640))

	removed, err := s.RemoveCorrupt("12")
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, removed)
	require.Equal(t, crawl.UnitMissing, s.Status("12", 2))
	require.True(t, s.Exists("12", 1))

	removed, err = s.RemoveCorrupt("no-such-item")
	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestListItems(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.Write("20", 1, []byte("x")))
	require.NoError(t, s.Write("7", 1, []byte("x")))

	ids, err := s.ListItems()
	require.NoError(t, err)
	require.Equal(t, []string{"20", "7"}, ids)
}

func TestParseUnitName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		seq  int
		ok   bool
	}{
		{"unit_00001.raw", 1, true},
		{"unit_12345.raw", 12345, true},
		{"unit_.raw", 0, false},
		{"unit_12a45.raw", 0, false},
		{"unit_00001.tmp", 0, false},
		{"page_00001.raw", 0, false},
	}
	for _, tc := range cases {
		seq, ok := parseUnitName(tc.name)
		require.Equal(t, tc.ok, ok, tc.name)
		if tc.ok {
			require.Equal(t, tc.seq, seq, tc.name)
		}
	}
}
