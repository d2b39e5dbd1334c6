package scheduler

import "sync/atomic"

// Counters aggregates run-wide progress statistics. It is injected into
// the Scheduler and shared with the monitor server; all increments are
// atomic, there is no ambient global state.
type Counters struct {
	ItemsCompleted   atomic.Int64
	ItemsFailed      atomic.Int64
	ItemsSkipped     atomic.Int64
	UnitsFetched     atomic.Int64
	UnitsSkipped     atomic.Int64
	ChallengesSolved atomic.Int64
	ChallengesFailed atomic.Int64
}

// Snapshot returns a point-in-time copy for reporting.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"items_completed":   c.ItemsCompleted.Load(),
		"items_failed":      c.ItemsFailed.Load(),
		"items_skipped":     c.ItemsSkipped.Load(),
		"units_fetched":     c.UnitsFetched.Load(),
		"units_skipped":     c.UnitsSkipped.Load(),
		"challenges_solved": c.ChallengesSolved.Load(),
		"challenges_failed": c.ChallengesFailed.Load(),
	}
}
