package obs

import (
	"sync"

	"github.com/rs/zerolog"
)

// ZerologHooks is the default Hooks implementation: it logs counters,
// histograms, and events as structured zerolog lines, and tracks simple
// in-memory utilization gauges set via SetUtilization.
type ZerologHooks struct {
	log zerolog.Logger

	mu          sync.RWMutex
	utilization map[string]float64
}

// NewZerologHooks builds a Hooks backed by the given zerolog logger.
func NewZerologHooks(log zerolog.Logger) *ZerologHooks {
	return &ZerologHooks{log: log, utilization: make(map[string]float64)}
}

func (z *ZerologHooks) Counter(name string, delta int64, tags map[string]string) {
	ev := z.log.Debug().Str("seam", name).Int64("delta", delta)
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Msg("counter")
}

func (z *ZerologHooks) Histogram(name string, value float64, tags map[string]string) {
	ev := z.log.Debug().Str("seam", name).Float64("value", value)
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Msg("histogram")
}

func (z *ZerologHooks) Event(name string, fields map[string]any) {
	ev := z.log.Info().Str("event", name)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("obs_event")
}

// SetUtilization records a load fraction for a named resource, clamped to
// [0,1]. Safe for concurrent use.
func (z *ZerologHooks) SetUtilization(resource string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.utilization[resource] = fraction
}

func (z *ZerologHooks) Utilization(resource string) float64 {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.utilization[resource]
}

// Noop is a Hooks implementation that discards everything — used in tests
// and for components constructed without an observability backend.
type Noop struct{}

func (Noop) Counter(string, int64, map[string]string)   {}
func (Noop) Histogram(string, float64, map[string]string) {}
func (Noop) Event(string, map[string]any)               {}
func (Noop) Utilization(string) float64                 { return 0 }
