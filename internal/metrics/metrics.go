// Package metrics tracks the pipeline's operational counters. Counts are
// exported through the process-global OpenTelemetry meter and mirrored in
// atomics so the maintenance loop can log an hourly snapshot even when no
// metrics backend is configured.
package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/clearmap/watchtower"

// Counters holds the four pipeline counters from the error-handling contract:
// messages processed, events created, summaries sent, errors swallowed.
type Counters struct {
	messages  atomic.Int64
	events    atomic.Int64
	summaries atomic.Int64
	errors    atomic.Int64

	mMessages  metric.Int64Counter
	mEvents    metric.Int64Counter
	mSummaries metric.Int64Counter
	mErrors    metric.Int64Counter
}

// New creates Counters bound to the global meter provider.
func New() *Counters {
	meter := otel.Meter(scopeName)
	c := &Counters{}
	c.mMessages, _ = meter.Int64Counter("pipeline.messages",
		metric.WithDescription("Messages accepted by the pipeline"))
	c.mEvents, _ = meter.Int64Counter("pipeline.events",
		metric.WithDescription("Events created or merged from extracted signatures"))
	c.mSummaries, _ = meter.Int64Counter("pipeline.summaries",
		metric.WithDescription("Batch digests dispatched"))
	c.mErrors, _ = meter.Int64Counter("pipeline.errors",
		metric.WithDescription("Errors swallowed by pipeline stages"))
	return c
}

func (c *Counters) Message(ctx context.Context) {
	c.messages.Add(1)
	if c.mMessages != nil {
		c.mMessages.Add(ctx, 1)
	}
}

func (c *Counters) Event(ctx context.Context) {
	c.events.Add(1)
	if c.mEvents != nil {
		c.mEvents.Add(ctx, 1)
	}
}

func (c *Counters) Summary(ctx context.Context) {
	c.summaries.Add(1)
	if c.mSummaries != nil {
		c.mSummaries.Add(ctx, 1)
	}
}

func (c *Counters) Error(ctx context.Context) {
	c.errors.Add(1)
	if c.mErrors != nil {
		c.mErrors.Add(ctx, 1)
	}
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() (messages, events, summaries, errors int64) {
	return c.messages.Load(), c.events.Load(), c.summaries.Load(), c.errors.Load()
}
