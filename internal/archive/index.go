package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IndexEntry maps a logical key (the unit's source URL) to the byte range
// of its payload inside a container file.
type IndexEntry struct {
	Key       string
	Container string
	Offset    int64
	Length    int64
	Timestamp time.Time
}

// IndexFileName is the sorted lookup table written next to the containers.
const IndexFileName = "index.cdx"

// WriteIndex persists entries as one tab-separated row per record, sorted
// lexicographically by key, via temp-file + atomic rename.
func WriteIndex(path string, entries []IndexEntry) error {
	sorted := append([]IndexEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create index dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, e := range sorted {
		_, err := fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			e.Key, e.Container, e.Offset, e.Length, e.Timestamp.UTC().Format(time.RFC3339))
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write index row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close index temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace index %s: %w", path, err)
	}
	return nil
}

// LoadIndex reads an index file back into entries.
func LoadIndex(path string) ([]IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	defer f.Close()

	var entries []IndexEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed index row %q", scanner.Text())
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index offset %q: %w", fields[2], err)
		}
		length, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index length %q: %w", fields[3], err)
		}
		ts, err := time.Parse(time.RFC3339, fields[4])
		if err != nil {
			return nil, fmt.Errorf("index timestamp %q: %w", fields[4], err)
		}
		entries = append(entries, IndexEntry{
			Key:       fields[0],
			Container: fields[1],
			Offset:    offset,
			Length:    length,
			Timestamp: ts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	return entries, nil
}

// RebuildIndex regenerates index entries by scanning every container file
// in dir. Containers are the source of truth; this recovers a lost or
// inconsistent index file.
func RebuildIndex(dir string) ([]IndexEntry, error) {
	names, err := filepath.Glob(filepath.Join(dir, containerGlob))
	if err != nil {
		return nil, fmt.Errorf("glob containers: %w", err)
	}
	sort.Strings(names)

	var entries []IndexEntry
	for _, name := range names {
		containerEntries, err := scanContainer(name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, containerEntries...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func scanContainer(path string) ([]IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", path, err)
	}
	defer f.Close()

	var (
		entries []IndexEntry
		offset  int64
	)
	reader := bufio.NewReader(f)
	base := filepath.Base(path)
	for {
		header, _, consumed, err := readRecord(reader)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan container %s at offset %d: %w", path, offset, err)
		}
		headerLen := int64(consumed) - int64(header.Length) - 1
		entries = append(entries, IndexEntry{
			Key:       header.URL,
			Container: base,
			Offset:    offset + headerLen,
			Length:    int64(header.Length),
			Timestamp: header.Timestamp,
		})
		offset += int64(consumed)
	}
}

// ReadPayload extracts one archived record's raw bytes via its index
// entry. The byte range must reproduce the original unit exactly.
func ReadPayload(dir string, entry IndexEntry) ([]byte, error) {
	f, err := os.Open(filepath.Join(dir, entry.Container))
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", entry.Container, err)
	}
	defer f.Close()

	payload := make([]byte, entry.Length)
	if _, err := f.ReadAt(payload, entry.Offset); err != nil {
		return nil, fmt.Errorf("read %s @%d+%d: %w", entry.Container, entry.Offset, entry.Length, err)
	}
	return payload, nil
}
