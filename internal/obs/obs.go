// Package obs defines the observability seam (§4.15): counters,
// histograms, and structured event hooks named components call at defined
// points. Implementations must never log plaintext content or PII — only
// ids, sizes, decisions, and timings.
package obs

import "time"

// Hooks is the interface every component is given at construction. Counter
// and Histogram take a dot-namespaced seam name (e.g. "wp.submit",
// "rp.fanout", "syn.inbox") plus key/value tags.
type Hooks interface {
	Counter(name string, delta int64, tags map[string]string)
	Histogram(name string, value float64, tags map[string]string)
	Event(name string, fields map[string]any)

	// Utilization reports a load fraction in [0,1] for a named resource
	// (e.g. a WM session), consumed by ATG's dynamic threshold.
	Utilization(resource string) float64
}

// Timer starts a latency measurement; call the returned func to record it
// as a histogram sample under name.
func Timer(h Hooks, name string, tags map[string]string) func() {
	start := time.Now()
	return func() {
		h.Histogram(name, time.Since(start).Seconds(), tags)
	}
}
