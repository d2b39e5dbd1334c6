package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/metrics"
)

const (
	containerGlob   = "archive-*.dat"
	containerFormat = "archive-%05d.dat"
	manifestFormat  = "archive-%05d.manifest.json"

	// DefaultMaxContainerSize caps how much payload a single container
	// accumulates before rotation. Containers rotate only on item
	// boundaries, so one item larger than the cap still lands whole.
	DefaultMaxContainerSize = int64(1 << 30)

	defaultContentType = "text/html;charset=utf-8"
)

// unitSource is the slice of the unit store the builder reads from.
type unitSource interface {
	ListSequences(itemID string) ([]int, error)
	Read(itemID string, seq int) ([]byte, error)
	SizeOf(itemID string) (int64, error)
	FetchedAt(itemID string, seq int) (time.Time, error)
}

// Config controls archive construction.
type Config struct {
	Dir              string
	MaxContainerSize int64
	BaseURL          string
	ContentType      string
}

func (c *Config) applyDefaults() {
	if c.MaxContainerSize <= 0 {
		c.MaxContainerSize = DefaultMaxContainerSize
	}
	if c.ContentType == "" {
		c.ContentType = defaultContentType
	}
}

// manifestBook summarizes one item inside a container manifest.
type manifestBook struct {
	ItemID    string `json:"item_id"`
	Title     string `json:"title,omitempty"`
	UnitCount int    `json:"unit_count"`
	Size      int64  `json:"size"`
}

type manifest struct {
	Container  string         `json:"container"`
	Created    time.Time      `json:"created"`
	Books      []manifestBook `json:"books"`
	TotalUnits int            `json:"total_units"`
}

// Summary reports what a build produced.
type Summary struct {
	Containers int
	Items      int
	Records    int
	Bytes      int64
}

// Builder packs fetched units into sequential container files, one
// manifest per container and a single sorted index over everything.
// It is single-threaded: container offsets only make sense when records
// are appended in order.
type Builder struct {
	cfg    Config
	source unitSource
	clock  crawl.Clock
	logger *zap.Logger

	containerSeq  int
	container     *os.File
	containerName string
	containerSize int64
	books         []manifestBook
	entries       []IndexEntry
	summary       Summary
}

func NewBuilder(cfg Config, source unitSource, clock crawl.Clock, logger *zap.Logger) *Builder {
	cfg.applyDefaults()
	return &Builder{
		cfg:    cfg,
		source: source,
		clock:  clock,
		logger: logger,
	}
}

// Build archives every listed item in order and writes the final index.
// Items with no stored units are skipped with a warning rather than
// failing the whole build.
func (b *Builder) Build(items []crawl.Item) (Summary, error) {
	if err := os.MkdirAll(b.cfg.Dir, 0o750); err != nil {
		return Summary{}, fmt.Errorf("create archive dir %s: %w", b.cfg.Dir, err)
	}

	for _, item := range items {
		if err := b.archiveItem(item); err != nil {
			b.closeContainer()
			return Summary{}, err
		}
	}
	if err := b.sealContainer(); err != nil {
		return Summary{}, err
	}
	if err := WriteIndex(filepath.Join(b.cfg.Dir, IndexFileName), b.entries); err != nil {
		return Summary{}, err
	}
	b.logger.Info("archive build complete",
		zap.Int("containers", b.summary.Containers),
		zap.Int("items", b.summary.Items),
		zap.Int("records", b.summary.Records),
		zap.Int64("bytes", b.summary.Bytes),
	)
	return b.summary, nil
}

func (b *Builder) archiveItem(item crawl.Item) error {
	seqs, err := b.source.ListSequences(item.ID)
	if err != nil {
		return fmt.Errorf("list units for %s: %w", item.ID, err)
	}
	if len(seqs) == 0 {
		b.logger.Warn("no units to archive, skipping item", zap.String("item_id", item.ID))
		return nil
	}
	estimate, err := b.source.SizeOf(item.ID)
	if err != nil {
		return fmt.Errorf("size units for %s: %w", item.ID, err)
	}

	// Rotate at item boundaries only, so a book never straddles two
	// containers.
	if b.container != nil && b.containerSize+estimate > b.cfg.MaxContainerSize {
		if err := b.sealContainer(); err != nil {
			return err
		}
	}
	if b.container == nil {
		if err := b.openContainer(); err != nil {
			return err
		}
	}

	var written int64
	for _, seq := range seqs {
		unit, err := b.loadUnit(item.ID, seq)
		if err != nil {
			return err
		}
		n, err := b.appendRecord(unit)
		if err != nil {
			return err
		}
		written += n
	}
	b.books = append(b.books, manifestBook{
		ItemID:    item.ID,
		Title:     item.Title,
		UnitCount: len(seqs),
		Size:      written,
	})
	b.summary.Items++
	b.logger.Info("item archived",
		zap.String("item_id", item.ID),
		zap.String("container", b.containerName),
		zap.Int("units", len(seqs)),
		zap.Int64("bytes", written),
	)
	return nil
}

func (b *Builder) loadUnit(itemID string, seq int) (crawl.Unit, error) {
	payload, err := b.source.Read(itemID, seq)
	if err != nil {
		return crawl.Unit{}, fmt.Errorf("read unit %s/%d: %w", itemID, seq, err)
	}
	fetchedAt, err := b.source.FetchedAt(itemID, seq)
	if err != nil {
		return crawl.Unit{}, fmt.Errorf("stat unit %s/%d: %w", itemID, seq, err)
	}
	return crawl.Unit{
		ItemID:    itemID,
		Seq:       seq,
		Body:      payload,
		FetchedAt: fetchedAt,
		SourceURL: crawl.PageURL(b.cfg.BaseURL, itemID, seq),
	}, nil
}

func (b *Builder) appendRecord(unit crawl.Unit) (int64, error) {
	header := recordHeader{
		URL:         unit.SourceURL,
		Timestamp:   unit.FetchedAt,
		ContentType: b.cfg.ContentType,
		Length:      len(unit.Body),
	}
	headerLine := formatHeader(header)
	if _, err := b.container.WriteString(headerLine); err != nil {
		return 0, fmt.Errorf("write record header: %w", err)
	}
	if _, err := b.container.Write(unit.Body); err != nil {
		return 0, fmt.Errorf("write record payload: %w", err)
	}
	if _, err := b.container.Write([]byte{'\n'}); err != nil {
		return 0, fmt.Errorf("write record terminator: %w", err)
	}

	// Offset points at the payload so (container, offset, length)
	// reproduces the stored bytes exactly.
	b.entries = append(b.entries, IndexEntry{
		Key:       header.URL,
		Container: b.containerName,
		Offset:    b.containerSize + int64(len(headerLine)),
		Length:    int64(len(unit.Body)),
		Timestamp: unit.FetchedAt,
	})
	consumed := int64(len(headerLine)) + int64(len(unit.Body)) + 1
	b.containerSize += consumed
	b.summary.Records++
	b.summary.Bytes += int64(len(unit.Body))
	metrics.ObserveArchivedRecord()
	return consumed, nil
}

func (b *Builder) openContainer() error {
	b.containerSeq++
	b.containerName = fmt.Sprintf(containerFormat, b.containerSeq)
	f, err := os.OpenFile(filepath.Join(b.cfg.Dir, b.containerName),
		os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create container %s: %w", b.containerName, err)
	}
	b.container = f
	b.containerSize = 0
	b.books = nil
	b.summary.Containers++
	b.logger.Info("container opened", zap.String("container", b.containerName))
	return nil
}

// sealContainer flushes the current container and writes its manifest.
func (b *Builder) sealContainer() error {
	if b.container == nil {
		return nil
	}
	name := b.containerName
	if err := b.container.Close(); err != nil {
		b.container = nil
		return fmt.Errorf("close container %s: %w", name, err)
	}
	b.container = nil

	totalUnits := 0
	for _, book := range b.books {
		totalUnits += book.UnitCount
	}
	m := manifest{
		Container:  name,
		Created:    b.clock.Now().UTC(),
		Books:      b.books,
		TotalUnits: totalUnits,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest for %s: %w", name, err)
	}
	manifestPath := filepath.Join(b.cfg.Dir, fmt.Sprintf(manifestFormat, b.containerSeq))
	if err := os.WriteFile(manifestPath, data, 0o640); err != nil {
		return fmt.Errorf("write manifest %s: %w", manifestPath, err)
	}
	metrics.ObserveContainerRotated()
	b.logger.Info("container sealed",
		zap.String("container", name),
		zap.Int("books", len(b.books)),
		zap.Int("units", totalUnits),
	)
	return nil
}

func (b *Builder) closeContainer() {
	if b.container != nil {
		b.container.Close()
		b.container = nil
	}
}
