package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	var (
		live      bool
		itemsPath string
	)
	cmd := &cobra.Command{
		Use:   "verify [item-id...]",
		Short: "Classify crawled books by completeness tier",
		Long: `verify inspects stored units and the ledger for each book and assigns a
tier: perfect, degraded, incomplete, or failed. With --live it also
re-fetches the highest stored page of apparently finished books to confirm
no next page appeared. Without arguments every book in the ledger is
checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args, itemsPath, live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "re-check last stored page against the live site")
	cmd.Flags().StringVar(&itemsPath, "items", "", "restrict to the books in this items file")
	return cmd
}

func runVerify(cmd *cobra.Command, args []string, itemsPath string, live bool) error {
	a := appFrom(cmd)
	ids, err := resolveItemIDs(a, args, itemsPath)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("nothing to verify: ledger is empty")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier := verify.New(a.cfg.Site.BaseURL, a.store, a.ledger, a.fetcher, a.classifier, a.logger)
	report, err := verifier.VerifyAll(ctx, ids, live)
	if err != nil {
		return err
	}

	if err := writeVerifyReport(a.cfg.Paths.ReportDir, report); err != nil {
		return err
	}
	a.logger.Info("verification finished",
		zap.Int("perfect", report.Counts[verify.TierPerfect]),
		zap.Int("degraded", report.Counts[verify.TierDegraded]),
		zap.Int("incomplete", report.Counts[verify.TierIncomplete]),
		zap.Int("failed", report.Counts[verify.TierFailed]),
	)
	return nil
}

// writeVerifyReport persists the full report plus a plain-text file of
// item IDs worth re-crawling, one per line, suitable for feeding back
// into the crawl command.
func writeVerifyReport(dir string, report verify.Report) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create report dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal verification report: %w", err)
	}
	reportPath := filepath.Join(dir, "verification.json")
	if err := os.WriteFile(reportPath, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", reportPath, err)
	}

	retry := report.RetryIDs()
	retryPath := filepath.Join(dir, "retry_ids.txt")
	content := ""
	if len(retry) > 0 {
		content = strings.Join(retry, "\n") + "\n"
	}
	if err := os.WriteFile(retryPath, []byte(content), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", retryPath, err)
	}
	return nil
}
