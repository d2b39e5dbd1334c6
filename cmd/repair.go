package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/gaps"
	"github.com/maktaba/shamela-crawler/internal/metrics"
)

func newRepairCmd() *cobra.Command {
	var itemsPath string
	cmd := &cobra.Command{
		Use:   "repair [item-id...]",
		Short: "Detect and re-fetch missing pages inside crawled books",
		Long: `repair scans each book's stored units for holes in the page sequence and
fetches only the missing pages. Pages the site no longer serves are
skipped and counted; existing units are never touched. Without arguments
every book in the ledger is scanned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd, args, itemsPath)
		},
	}
	cmd.Flags().StringVar(&itemsPath, "items", "", "restrict to the books in this items file")
	return cmd
}

func runRepair(cmd *cobra.Command, args []string, itemsPath string) error {
	a := appFrom(cmd)
	ids, err := resolveItemIDs(a, args, itemsPath)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("nothing to repair: ledger is empty")
	}

	metrics.Init()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repairer := gaps.NewRepairer(
		a.cfg.Site.BaseURL, a.fetcher, a.classifier, a.store, a.ledger, a.clock, a.logger,
	)

	var totalGaps, totalFilled, totalSkipped int
	for _, id := range ids {
		res, err := repairer.RepairItem(ctx, "repair-01", id)
		if err != nil {
			if flushErr := a.ledger.Flush(); flushErr != nil {
				a.logger.Error("ledger flush failed", zap.Error(flushErr))
			}
			return fmt.Errorf("repair %s: %w", id, err)
		}
		totalGaps += len(res.Gaps)
		totalFilled += res.Filled
		totalSkipped += res.Skipped
	}
	if err := a.ledger.Flush(); err != nil {
		return fmt.Errorf("flush ledger after repair: %w", err)
	}

	a.logger.Info("repair finished",
		zap.Int("items", len(ids)),
		zap.Int("gaps", totalGaps),
		zap.Int("filled", totalFilled),
		zap.Int("skipped", totalSkipped),
	)
	return nil
}
