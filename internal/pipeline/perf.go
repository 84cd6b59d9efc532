package pipeline

import (
	"log/slog"
	"time"

	"github.com/imaginglake/backend/internal/metrics"
)

// hotThreshold flags checkpoint gaps worth an operator's attention.
const hotThreshold = 100 * time.Millisecond

// Perf is the per-request performance context: named checkpoints with
// monotonic timestamps. Gaps above the hot threshold are logged and counted.
type Perf struct {
	request  string
	start    time.Time
	last     time.Time
	lastName string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func StartPerf(request string, logger *slog.Logger, m *metrics.Metrics) *Perf {
	now := time.Now()
	return &Perf{request: request, start: now, last: now, lastName: "start", logger: logger, metrics: m}
}

// Checkpoint records a named point in the request lifecycle.
func (p *Perf) Checkpoint(name string) {
	now := time.Now()
	gap := now.Sub(p.last)
	if gap > hotThreshold {
		p.logger.Warn("hot checkpoint gap",
			"request", p.request,
			"from", p.lastName,
			"to", name,
			"gap_ms", gap.Milliseconds(),
		)
		if p.metrics != nil {
			p.metrics.HotCheckpoints.Inc()
		}
	} else {
		p.logger.Debug("checkpoint", "request", p.request, "name", name, "gap_ms", gap.Milliseconds())
	}
	p.last = now
	p.lastName = name
}

// Done closes the context and records the total duration for event.
func (p *Perf) Done(event string) {
	total := time.Since(p.start)
	if p.metrics != nil {
		p.metrics.EventDuration.WithLabelValues(event).Observe(total.Seconds())
	}
	p.logger.Debug("request complete", "request", p.request, "event", event, "total_ms", total.Milliseconds())
}
