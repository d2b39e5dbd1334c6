package cmd

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/classify"
	"github.com/maktaba/shamela-crawler/internal/clock/system"
	"github.com/maktaba/shamela-crawler/internal/config"
	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/fetch"
	"github.com/maktaba/shamela-crawler/internal/items"
	"github.com/maktaba/shamela-crawler/internal/ledger"
	"github.com/maktaba/shamela-crawler/internal/logging"
	"github.com/maktaba/shamela-crawler/internal/store"
)

// app bundles the services every subcommand wires up from config. Built
// once per invocation in PersistentPreRunE and torn down in
// PersistentPostRun.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      crawl.Clock
	store      *store.UnitStore
	ledger     *ledger.Ledger
	fetcher    *fetch.Fetcher
	classifier *classify.Classifier
	runID      string
}

func newApp(cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg)
}

func buildApp(cfg config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	clk := system.New()
	unitStore, err := store.New(cfg.Paths.UnitRoot)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	runID := uuid.NewString()
	led, err := ledger.New(cfg.Paths.LedgerFile, cfg.Crawl.FlushEvery, runID, clk, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		store:  unitStore,
		ledger: led,
		fetcher: fetch.New(fetch.Config{
			UserAgent:   cfg.Site.UserAgent,
			Timeout:     cfg.Timeout(),
			MinInterval: cfg.Delay(),
			MaxRetries:  cfg.Crawl.MaxRetries,
		}, clk, logger),
		classifier: classify.New(),
		runID:      runID,
	}, nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// resolveItemIDs picks the working set for verify/repair/archive: explicit
// args win, then an items file, then every entry in the ledger.
func resolveItemIDs(a *app, args []string, itemsPath string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if itemsPath != "" {
		list, err := items.Load(itemsPath)
		if err != nil {
			return nil, usageError{err}
		}
		return items.IDs(list), nil
	}
	snapshot := a.ledger.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
