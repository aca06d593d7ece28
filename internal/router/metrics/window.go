// Package metrics keeps in-memory rolling statistics for pools and queues,
// served by the monitoring API. Prometheus counters live in
// internal/common/metrics; this package backs the dashboard's JSON views.
package metrics

import "time"

// windowHorizon bounds how far back outcomes are retained
const windowHorizon = 30 * time.Minute

type outcome struct {
	at      time.Time
	success bool
}

// rollingWindow records per-message outcomes and answers windowed counts.
// Entries older than the horizon are pruned on every write, so memory stays
// proportional to recent throughput. Not safe for concurrent use; callers
// hold their own lock.
type rollingWindow struct {
	outcomes []outcome
}

func (w *rollingWindow) record(success bool) {
	now := time.Now()
	w.prune(now)
	w.outcomes = append(w.outcomes, outcome{at: now, success: success})
}

func (w *rollingWindow) prune(now time.Time) {
	cutoff := now.Add(-windowHorizon)
	i := 0
	for i < len(w.outcomes) && !w.outcomes[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[i:]...)
	}
}

// counts returns succeeded and failed totals since the given age
func (w *rollingWindow) counts(age time.Duration) (succeeded, failed int64) {
	cutoff := time.Now().Add(-age)
	for _, o := range w.outcomes {
		if !o.at.After(cutoff) {
			continue
		}
		if o.success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func successRate(succeeded, failed int64) float64 {
	total := succeeded + failed
	if total == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(total)
}
