package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/challenge"
	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/fetch"
	"github.com/maktaba/shamela-crawler/internal/items"
	"github.com/maktaba/shamela-crawler/internal/metrics"
	"github.com/maktaba/shamela-crawler/internal/monitor"
	"github.com/maktaba/shamela-crawler/internal/scheduler"
)

type crawlFlags struct {
	itemsPath   string
	workers     int
	delay       float64
	monitorAddr string
	resume      bool
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl every listed book, resuming from the ledger",
		Long: `crawl walks each listed book page by page until its last page and stores
the raw HTML. Books already marked complete are skipped and partially
crawled books continue from the highest stored page, so re-running after
an interrupt or failure is always safe.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.itemsPath, "items", "", "items file: one id<TAB>title per line")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "worker count (overrides config)")
	cmd.Flags().Float64Var(&flags.delay, "delay", 0, "per-worker delay between requests, seconds (overrides config)")
	cmd.Flags().StringVar(&flags.monitorAddr, "monitor-addr", "", `status server address, e.g. ":9090" (empty disables)`)
	cmd.Flags().BoolVar(&flags.resume, "resume", true, "resume from existing units and ledger (always on; flag kept for script compatibility)")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	a := appFrom(cmd)
	list, err := items.Load(flags.itemsPath)
	if err != nil {
		return usageError{err}
	}

	if flags.workers > 0 {
		a.cfg.Crawl.Workers = flags.workers
	}
	if cmd.Flags().Changed("monitor-addr") {
		a.cfg.Monitor.Addr = flags.monitorAddr
	}
	fetcher := a.fetcher
	if cmd.Flags().Changed("delay") {
		a.cfg.Crawl.DelaySeconds = flags.delay
		fetcher = fetch.New(fetch.Config{
			UserAgent:   a.cfg.Site.UserAgent,
			Timeout:     a.cfg.Timeout(),
			MinInterval: a.cfg.Delay(),
			MaxRetries:  a.cfg.Crawl.MaxRetries,
		}, a.clock, a.logger)
	}

	metrics.Init()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters := &scheduler.Counters{}
	if addr := a.cfg.Monitor.Addr; addr != "" {
		srv := monitor.NewServer(addr, counters, a.logger)
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Error("monitor server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	solver := challenge.NewManualSolver(
		filepath.Join(a.cfg.Paths.ReportDir, "challenges"),
		a.cfg.ChallengePoll(),
		a.logger,
	)
	sched := scheduler.New(
		scheduler.Config{
			BaseURL:                a.cfg.Site.BaseURL,
			Workers:                a.cfg.Crawl.Workers,
			NominalFirstSeq:        a.cfg.Crawl.NominalFirstSeq,
			MaxConsecutiveFailures: a.cfg.Crawl.MaxConsecutiveFailures,
			MaxFetchesPerItem:      a.cfg.Crawl.MaxFetchesPerItem,
			ChallengeWait:          a.cfg.ChallengeWait(),
			ChallengePoll:          a.cfg.ChallengePoll(),
		},
		fetcher, a.classifier, a.store, a.ledger, solver, a.clock, counters, a.logger,
	)

	a.logger.Info("crawl starting",
		zap.Int("items", len(list)),
		zap.Int("workers", a.cfg.Crawl.Workers),
		zap.String("run_id", a.runID),
	)
	runErr := sched.Run(ctx, list)

	// The ledger is flushed no matter how the run ended; losing progress
	// is worse than whatever stopped us.
	if err := a.ledger.Flush(); err != nil {
		a.logger.Error("final ledger flush failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	reportCrawl(a, counters)

	if runErr != nil {
		return runErr
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("crawl interrupted, progress saved")
	}
	if n := counters.ItemsFailed.Load(); n > 0 {
		return fmt.Errorf("%d of %d items failed", n, len(list))
	}
	return nil
}

func reportCrawl(a *app, counters *scheduler.Counters) {
	byStatus := map[crawl.ItemStatus]int{}
	for _, entry := range a.ledger.Snapshot() {
		byStatus[entry.Status]++
	}
	fields := []zap.Field{
		zap.Int("complete", byStatus[crawl.StatusComplete]),
		zap.Int("failed", byStatus[crawl.StatusFailed]),
		zap.Int("in_progress", byStatus[crawl.StatusInProgress]),
		zap.Int("pending", byStatus[crawl.StatusPending]),
	}
	for name, value := range counters.Snapshot() {
		fields = append(fields, zap.Int64(name, value))
	}
	a.logger.Info("crawl finished", fields...)
}
