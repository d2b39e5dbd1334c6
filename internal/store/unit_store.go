// Package store implements the on-disk unit store: one directory per item,
// one file per fetched unit. File existence is the resume/idempotence
// check, which is only sound because every write goes through a temp file
// and an atomic rename; a crash mid-write never leaves a visible unit.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/maktaba/shamela-crawler/internal/crawl"
)

// ErrNotFound reports a read of a unit that does not exist.
var ErrNotFound = errors.New("unit not found")

// ErrCorruptUnit reports a unit file that exists but is empty or
// unreadable. Callers treat the unit as missing and may re-fetch it.
var ErrCorruptUnit = errors.New("unit file corrupt")

const (
	unitPrefix = "unit_"
	unitSuffix = ".raw"
	dirPerm    = 0o750
)

// UnitStore keeps raw fetched artifacts under root/<item_id>/unit_<seq>.raw.
type UnitStore struct {
	root string
}

// New creates the root directory if needed and returns a UnitStore.
func New(root string) (*UnitStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("unit store root is required")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create unit store root %s: %w", root, err)
	}
	return &UnitStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *UnitStore) Root() string { return s.root }

func (s *UnitStore) unitPath(itemID string, seq int) string {
	return filepath.Join(s.root, itemID, fmt.Sprintf("%s%05d%s", unitPrefix, seq, unitSuffix))
}

// Exists reports whether a usable unit is on disk for (itemID, seq).
func (s *UnitStore) Exists(itemID string, seq int) bool {
	return s.Status(itemID, seq) == crawl.UnitPresent
}

// Status distinguishes missing, present, and corrupt units explicitly.
func (s *UnitStore) Status(itemID string, seq int) crawl.UnitStatus {
	info, err := os.Stat(s.unitPath(itemID, seq))
	switch {
	case err != nil:
		return crawl.UnitMissing
	case info.Size() == 0:
		return crawl.UnitCorrupt
	default:
		return crawl.UnitPresent
	}
}

// Write persists a unit atomically. Overwriting an existing unit is
// permitted; readers never observe a partial body.
func (s *UnitStore) Write(itemID string, seq int, body []byte) error {
	dir := filepath.Join(s.root, itemID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create item dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, unitPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp unit file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp unit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp unit file: %w", err)
	}
	target := s.unitPath(itemID, seq)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename unit into place %s: %w", target, err)
	}
	return nil
}

// Read returns the raw bytes of a unit. A zero-length or unreadable file
// yields ErrCorruptUnit; a missing file yields ErrNotFound.
func (s *UnitStore) Read(itemID string, seq int) ([]byte, error) {
	path := s.unitPath(itemID, seq)
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("unit %s/%d: %w", itemID, seq, ErrNotFound)
		}
		return nil, fmt.Errorf("unit %s/%d: %w: %v", itemID, seq, ErrCorruptUnit, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("unit %s/%d: %w", itemID, seq, ErrCorruptUnit)
	}
	return body, nil
}

// ListSequences returns the sorted sequence numbers with usable units on
// disk. Corrupt (zero-length) files are excluded so gap detection and
// resume both see them as missing.
func (s *UnitStore) ListSequences(itemID string) ([]int, error) {
	dir := filepath.Join(s.root, itemID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list units for %s: %w", itemID, err)
	}
	seqs := make([]int, 0, len(entries))
	for _, entry := range entries {
		seq, ok := parseUnitName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// SizeOf sums the byte sizes of an item's units, for container budgeting.
func (s *UnitStore) SizeOf(itemID string) (int64, error) {
	dir := filepath.Join(s.root, itemID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("size of %s: %w", itemID, err)
	}
	var total int64
	for _, entry := range entries {
		if _, ok := parseUnitName(entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// FetchedAt reports when a unit was written, from the file's modification
// time. Units are immutable once written, so this is the fetch time.
func (s *UnitStore) FetchedAt(itemID string, seq int) (time.Time, error) {
	info, err := os.Stat(s.unitPath(itemID, seq))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("unit %s/%d: %w", itemID, seq, ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("unit %s/%d: %w", itemID, seq, err)
	}
	return info.ModTime(), nil
}

// RemoveCorrupt deletes an item's zero-length unit files and returns the
// affected sequences. Run before gap detection so corrupt slots are
// re-fetched cleanly instead of being shadowed by junk files.
func (s *UnitStore) RemoveCorrupt(itemID string) ([]int, error) {
	dir := filepath.Join(s.root, itemID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan units for %s: %w", itemID, err)
	}
	var removed []int
	for _, entry := range entries {
		seq, ok := parseUnitName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() > 0 {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove corrupt unit %s/%d: %w", itemID, seq, err)
		}
		removed = append(removed, seq)
	}
	sort.Ints(removed)
	return removed, nil
}

// ListItems returns the item IDs with at least one unit directory.
func (s *UnitStore) ListItems() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			items = append(items, entry.Name())
		}
	}
	sort.Strings(items)
	return items, nil
}

func parseUnitName(name string) (int, bool) {
	if !strings.HasPrefix(name, unitPrefix) || !strings.HasSuffix(name, unitSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, unitPrefix), unitSuffix)
	if digits == "" {
		return 0, false
	}
	seq := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
		seq = seq*10 + int(r-'0')
	}
	return seq, true
}
