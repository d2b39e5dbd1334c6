package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/archive"
	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/metrics"
)

func newArchiveCmd() *cobra.Command {
	var (
		maxSize   int64
		itemsPath string
	)
	cmd := &cobra.Command{
		Use:   "archive [item-id...]",
		Short: "Pack completed books into archive containers with an index",
		Long: `archive copies the stored pages of completed books into sequential
container files, writes one manifest per container, and builds a single
sorted index mapping every page URL to its byte range. Containers rotate
on book boundaries so a book is never split. Without arguments every book
the ledger marks complete is archived.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd, args, itemsPath, maxSize)
		},
	}
	cmd.Flags().Int64Var(&maxSize, "max-container-size", 0,
		"container rotation threshold in bytes (default from config)")
	cmd.Flags().StringVar(&itemsPath, "items", "", "restrict to the books in this items file")
	return cmd
}

func runArchive(cmd *cobra.Command, args []string, itemsPath string, maxSize int64) error {
	a := appFrom(cmd)
	list, err := archivable(a, args, itemsPath)
	if err != nil {
		return err
	}

	metrics.Init()
	if maxSize <= 0 {
		maxSize = a.cfg.Archive.MaxContainerSize
	}
	builder := archive.NewBuilder(archive.Config{
		Dir:              a.cfg.Archive.Dir,
		MaxContainerSize: maxSize,
		BaseURL:          a.cfg.Site.BaseURL,
	}, a.store, a.clock, a.logger)

	summary, err := builder.Build(list)
	if err != nil {
		return err
	}
	a.logger.Info("archive written",
		zap.String("dir", a.cfg.Archive.Dir),
		zap.Int("containers", summary.Containers),
		zap.Int("items", summary.Items),
		zap.Int("records", summary.Records),
	)
	return nil
}

// archivable resolves which books to pack. Explicit IDs or an items file
// are taken as given; otherwise only books the ledger marks complete
// qualify.
func archivable(a *app, args []string, itemsPath string) ([]crawl.Item, error) {
	snapshot := a.ledger.Snapshot()
	var list []crawl.Item
	if len(args) > 0 || itemsPath != "" {
		ids, err := resolveItemIDs(a, args, itemsPath)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			entry, ok := snapshot[id]
			if !ok {
				return nil, fmt.Errorf("item %s not in ledger", id)
			}
			list = append(list, crawl.Item{ID: id, Title: entry.Title})
		}
	} else {
		for id, entry := range snapshot {
			if entry.Status == crawl.StatusComplete {
				list = append(list, crawl.Item{ID: id, Title: entry.Title})
			}
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no completed items to archive")
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}
