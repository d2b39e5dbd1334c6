// Package ledger persists per-item crawl progress as one JSON file that is
// loaded at startup, mutated in memory during the run, and flushed
// wholesale via temp-file + atomic rename. Units on disk are independently
// idempotent, so a crash between flushes loses at most a few ledger rows,
// never fetched data.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
)

type fileSchema struct {
	RunID       string                 `json:"run_id,omitempty"`
	LastUpdated time.Time              `json:"last_updated"`
	Items       map[string]crawl.Entry `json:"items"`
}

// Ledger is safe for concurrent Update/Flush from many workers. The
// single-writer-per-item invariant means two workers never race on the
// same entry, but the map and the file are shared and locked here.
type Ledger struct {
	path       string
	flushEvery int
	clock      crawl.Clock
	logger     *zap.Logger

	mu         sync.Mutex
	items      map[string]crawl.Entry
	runID      string
	terminalSince int
}

// New loads the ledger file at path if it exists and returns a Ledger that
// flushes after every flushEvery terminal items.
func New(path string, flushEvery int, runID string, clock crawl.Clock, logger *zap.Logger) (*Ledger, error) {
	if flushEvery <= 0 {
		flushEvery = 10
	}
	l := &Ledger{
		path:       path,
		flushEvery: flushEvery,
		clock:      clock,
		logger:     logger,
		items:      make(map[string]crawl.Entry),
		runID:      runID,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ledger %s: %w", l.path, err)
	}
	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("parse ledger %s: %w", l.path, err)
	}
	if schema.Items != nil {
		l.items = schema.Items
	}
	l.logger.Info("ledger loaded",
		zap.String("path", l.path),
		zap.Int("items", len(l.items)),
	)
	return nil
}

// Get returns the entry for itemID, if any.
func (l *Ledger) Get(itemID string) (crawl.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.items[itemID]
	return entry, ok
}

// Update replaces the entry for itemID in memory, stamping LastUpdated and
// the current run ID.
func (l *Ledger) Update(itemID string, entry crawl.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.LastUpdated = l.clock.Now().UTC()
	entry.RunID = l.runID
	l.items[itemID] = entry
}

// Snapshot returns a copy of all entries.
func (l *Ledger) Snapshot() map[string]crawl.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]crawl.Entry, len(l.items))
	for id, entry := range l.items {
		out[id] = entry
	}
	return out
}

// MaybeFlush is called after each terminal item, completed or failed, and
// flushes once the configured batch size is reached. Failed items count
// too: a run that is mostly failing checkpoints at least as often as a
// healthy one, never less.
func (l *Ledger) MaybeFlush() error {
	l.mu.Lock()
	l.terminalSince++
	due := l.terminalSince >= l.flushEvery
	l.mu.Unlock()
	if !due {
		return nil
	}
	return l.Flush()
}

// Flush serializes the whole map and replaces the ledger file atomically.
// A flush failure is fatal to the process at the call site: continuing
// without durable progress tracking would silently lose state.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	schema := fileSchema{
		RunID:       l.runID,
		LastUpdated: l.clock.Now().UTC(),
		Items:       make(map[string]crawl.Entry, len(l.items)),
	}
	for id, entry := range l.items {
		schema.Items[id] = entry
	}
	l.terminalSince = 0
	l.mu.Unlock()

	payload, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create ledger dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger %s: %w", l.path, err)
	}
	l.logger.Debug("ledger flushed", zap.String("path", l.path), zap.Int("items", len(schema.Items)))
	return nil
}
