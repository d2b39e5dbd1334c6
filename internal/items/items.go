// Package items parses the work-input list produced by the discovery
// tooling: one item per line, tab-separated id, optional title, optional
// author id. Blank lines and # comments are ignored.
package items

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/maktaba/shamela-crawler/internal/crawl"
)

// Load reads the items file at path.
func Load(path string) ([]crawl.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open items file %s: %w", path, err)
	}
	defer f.Close()

	var out []crawl.Item
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		id := strings.TrimSpace(fields[0])
		if id == "" {
			return nil, fmt.Errorf("items file %s line %d: empty item id", path, line)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		item := crawl.Item{ID: id, Status: crawl.StatusPending}
		if len(fields) > 1 {
			item.Title = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			item.AuthorID = strings.TrimSpace(fields[2])
		}
		out = append(out, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read items file %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("items file %s contains no items", path)
	}
	return out, nil
}

// IDs returns just the identifiers, preserving input order.
func IDs(list []crawl.Item) []string {
	ids := make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids
}
