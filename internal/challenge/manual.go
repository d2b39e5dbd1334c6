// Package challenge provides the human-in-the-loop interstitial solver.
package challenge

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ManualSolver handles anti-bot interstitials by deferring to an operator:
// it saves the challenge page for inspection, announces what happened, and
// waits an initial grace period before the caller starts polling the live
// site again. It never automates the challenge itself.
type ManualSolver struct {
	snapshotDir string
	initialWait time.Duration
	logger      *zap.Logger
}

func NewManualSolver(snapshotDir string, initialWait time.Duration, logger *zap.Logger) *ManualSolver {
	return &ManualSolver{
		snapshotDir: snapshotDir,
		initialWait: initialWait,
		logger:      logger,
	}
}

// Solve reports true once the grace period elapses, false if the context
// expires first. Success here only means "it is worth re-checking the
// site"; the caller confirms by re-fetching.
func (s *ManualSolver) Solve(ctx context.Context, pageSnapshot []byte) bool {
	if path := s.saveSnapshot(pageSnapshot); path != "" {
		s.logger.Warn("anti-bot challenge page saved, solve it in a browser",
			zap.String("snapshot", path))
	} else {
		s.logger.Warn("anti-bot challenge hit, solve it in a browser")
	}

	timer := time.NewTimer(s.initialWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *ManualSolver) saveSnapshot(pageSnapshot []byte) string {
	if s.snapshotDir == "" || len(pageSnapshot) == 0 {
		return ""
	}
	if err := os.MkdirAll(s.snapshotDir, 0o750); err != nil {
		s.logger.Debug("challenge snapshot dir", zap.Error(err))
		return ""
	}
	path := filepath.Join(s.snapshotDir,
		"challenge-"+time.Now().UTC().Format("20060102T150405")+".html")
	if err := os.WriteFile(path, pageSnapshot, 0o640); err != nil {
		s.logger.Debug("challenge snapshot write", zap.Error(err))
		return ""
	}
	return path
}
