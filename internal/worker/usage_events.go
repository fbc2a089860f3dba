package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/telemetry"
)

const (
	eventChanSize   = 1000
	eventBatchSize  = 100
	eventFlushEvery = 5 * time.Second
	eventDrainTime  = 30 * time.Second
)

// UsageEventReporter buffers usage events and batch-flushes them to the
// analytics sink. Reporting never blocks a completion: events are dropped on
// a full channel, and sink failures are logged and swallowed -- losing an
// analytics row is always preferable to failing accounting.
type UsageEventReporter struct {
	ch      chan telemetry.UsageEvent
	sink    telemetry.UsageEventSink
	metrics *telemetry.Metrics // nil-safe
}

// NewUsageEventReporter creates a reporter backed by sink.
func NewUsageEventReporter(sink telemetry.UsageEventSink, metrics *telemetry.Metrics) *UsageEventReporter {
	return &UsageEventReporter{
		ch:      make(chan telemetry.UsageEvent, eventChanSize),
		sink:    sink,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (u *UsageEventReporter) Name() string { return "usage_events" }

// Report enqueues a usage event. It never blocks; drops on full channel.
func (u *UsageEventReporter) Report(e telemetry.UsageEvent) {
	select {
	case u.ch <- e:
	default:
		if u.metrics != nil {
			u.metrics.UsageEventsDropped.Inc()
		}
		slog.Warn("usage event dropped, channel full")
	}
}

// Run processes events until ctx is cancelled, then drains remaining events.
func (u *UsageEventReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(eventFlushEvery)
	defer ticker.Stop()

	buf := make([]telemetry.UsageEvent, 0, eventBatchSize)

	for {
		select {
		case e := <-u.ch:
			buf = append(buf, e)
			if len(buf) >= eventBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageEventReporter) drain(buf []telemetry.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), eventDrainTime)
	defer cancel()

	for {
		select {
		case e := <-u.ch:
			buf = append(buf, e)
			if len(buf) >= eventBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageEventReporter) flush(ctx context.Context, buf []telemetry.UsageEvent) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]telemetry.UsageEvent, len(buf))
	copy(batch, buf)

	if err := u.sink.Insert(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage event flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
