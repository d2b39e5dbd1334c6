// Package system provides the wall-clock implementation of crawl.Clock.
package system

import "time"

// Clock reads the system time.
type Clock struct{}

// New returns a system Clock.
func New() Clock { return Clock{} }

// Now returns the current wall-clock time in UTC. Every persisted
// timestamp in the ledger and archive index is UTC; handing out local
// time here would push the conversion onto every caller.
func (Clock) Now() time.Time { return time.Now().UTC() }
