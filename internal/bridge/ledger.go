package bridge

import (
	"sync"
	"time"
)

const (
	ledgerWindow        = time.Hour
	ledgerWarnThreshold = 10
)

// ReconnectLedger records reconnection timestamps, pruned to the
// trailing one-hour window on every insertion. It is observational
// only and never gates behavior. Each stream instance owns its own
// ledger so multiple panels cannot cross-contaminate counters.
type ReconnectLedger struct {
	mu    sync.Mutex
	times []time.Time
}

// Record appends a reconnection timestamp, prunes entries older than
// the window, and returns the count of entries remaining.
func (l *ReconnectLedger) Record(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, now)
	l.prune(now)
	return len(l.times)
}

// Count returns the number of reconnections within the trailing window.
func (l *ReconnectLedger) Count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.times)
}

// Excessive reports whether the reconnect rate warrants a stability
// warning.
func (l *ReconnectLedger) Excessive(now time.Time) bool {
	return l.Count(now) > ledgerWarnThreshold
}

func (l *ReconnectLedger) prune(now time.Time) {
	cutoff := now.Add(-ledgerWindow)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}
