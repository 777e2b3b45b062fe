package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Counters are process-wide totals reported by the gateway. They are updated
// only after a delivery is fully settled.
type Counters struct {
	Processed  atomic.Int64
	Duplicates atomic.Int64
	Red        atomic.Int64
	Failed     atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Processed  int64 `json:"processed"`
	Duplicates int64 `json:"duplicates"`
	Red        int64 `json:"red"`
	Failed     int64 `json:"failed"`
}

// Snapshot reads all counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Processed:  c.Processed.Load(),
		Duplicates: c.Duplicates.Load(),
		Red:        c.Red.Load(),
		Failed:     c.Failed.Load(),
	}
}

// Reporter logs a counter snapshot at a fixed interval.
type Reporter struct {
	counters *Counters
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter creates a reporter. A nil logger uses slog.Default.
func NewReporter(c *Counters, interval time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{counters: c, interval: interval, logger: logger.With("component", "reporter")}
}

// Run reports until ctx is cancelled, then logs a final snapshot.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		r.report("final")
		return
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.report("final")
			return
		case <-t.C:
			r.report("periodic")
		}
	}
}

func (r *Reporter) report(kind string) {
	s := r.counters.Snapshot()
	r.logger.Info("gateway counters",
		"report", kind,
		"processed", s.Processed,
		"duplicates", s.Duplicates,
		"red", s.Red,
		"failed", s.Failed,
	)
}
