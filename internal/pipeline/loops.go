package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/event"
)

const fallbackQuoteMax = 120

// Run consumes the ingest queue until ctx is done. Processing failures are
// counted and logged; the loop itself never stops on them.
func (p *Pipeline) Run(ctx context.Context, queue *bus.Queue) {
	for {
		msg, ok := queue.Pop(ctx)
		if !ok {
			return
		}
		if err := p.Process(ctx, msg); err != nil {
			p.counters.Error(ctx)
			p.logger.Error("pipeline: process failed", "channel", msg.Channel, "error", err)
		}
	}
}

// AggregatorLoop evaluates the pool every FlushEvery. Events past the merge
// window are dispatched if corroborated, alerted if their sole source is
// trusted enough, and expired otherwise.
func (p *Pipeline) AggregatorLoop(ctx context.Context) {
	for {
		if p.clock.Sleep(ctx, p.cfg.FlushEvery) != nil {
			return
		}
		p.sweep(ctx)
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	now := p.clock.Now()
	for _, ev := range p.pool.Active() {
		if now.Sub(ev.FirstSeen) < p.cfg.EventMergeWindow {
			continue
		}
		if ev.Sent {
			p.pool.Expire(ev.ID)
			continue
		}

		switch {
		case ev.SourceCount() >= p.cfg.MinSources:
			p.dispatchTrend(ctx, ev)
			first, err := p.store.FirstReporter(ctx, ev.ID)
			if err != nil {
				p.logger.Warn("pipeline: first reporter lookup", "event", ev.ID, "error", err)
			}
			if err := p.authority.EventCorroborated(ctx, ev, first); err != nil {
				p.logger.Warn("pipeline: corroboration feedback", "event", ev.ID, "error", err)
			}
			if err := p.store.MarkEventSent(ctx, ev.ID, now); err != nil {
				p.logger.Warn("pipeline: mark sent", "event", ev.ID, "error", err)
			}
		case ev.SourceCount() == 1:
			ch := soleChannel(ev)
			if p.authority.Score(ch) >= singleSourceDispatchMin {
				p.dispatchSingle(ctx, ev, ch)
				if err := p.store.MarkEventSent(ctx, ev.ID, now); err != nil {
					p.logger.Warn("pipeline: mark sent", "event", ev.ID, "error", err)
				}
			} else {
				if err := p.authority.EventExpiredUncorroborated(ctx, ev); err != nil {
					p.logger.Warn("pipeline: expiry feedback", "event", ev.ID, "error", err)
				}
				if err := p.store.MarkEventExpired(ctx, ev.ID); err != nil {
					p.logger.Warn("pipeline: mark expired", "event", ev.ID, "error", err)
				}
			}
		}

		p.pool.MarkSent(ev.ID)
		p.pool.Expire(ev.ID)
	}
}

// dispatchTrend summarizes a corroborated event and sends the trend report.
// An empty summary falls back to a canned line quoting the first text.
func (p *Pipeline) dispatchTrend(ctx context.Context, ev *event.Event) {
	channels := make(map[string]struct{}, len(ev.Channels))
	for ch := range ev.Channels {
		channels[ch] = struct{}{}
	}
	// Media-only events restore with no texts.
	lead := firstText(ev)
	summary := ""
	if lead != "" {
		summary = p.llm.SummarizeTrend(ctx, lead, p.authorityContext(channels, "מקורות"))
	}
	if summary == "" {
		summary = fmt.Sprintf("עדכון מגמה: דיווחים חוזרים (%d ערוצים) על אירוע/תנועה חריגה.\n> \"%s...\"",
			ev.SourceCount(), clipRunes(lead, fallbackQuoteMax))
	}
	if err := p.dispatcher.SendTrendReport(ctx, ev, summary); err != nil {
		p.counters.Error(ctx)
	}
}

// dispatchSingle summarizes and sends a single high-authority source alert.
func (p *Pipeline) dispatchSingle(ctx context.Context, ev *event.Event, ch string) {
	actx := fmt.Sprintf("מקור: @%s (אמינות %s)", ch, p.authority.Label(p.authority.Score(ch)))
	lead := firstText(ev)
	summary := ""
	if lead != "" {
		summary = p.llm.SummarizeTrend(ctx, lead, actx)
	}
	if summary == "" {
		summary = clipRunes(lead, 200)
	}
	if err := p.dispatcher.SendSingleSourceAlert(ctx, ev, summary); err != nil {
		p.counters.Error(ctx)
	}
}

// MaintenanceLoop runs hourly: authority decay, store cleanup past the
// retention window, and a counters snapshot in the log.
func (p *Pipeline) MaintenanceLoop(ctx context.Context) {
	for {
		if p.clock.Sleep(ctx, time.Hour) != nil {
			return
		}
		if err := p.authority.ApplyDecay(ctx); err != nil {
			p.logger.Warn("pipeline: decay failed", "error", err)
		}
		cutoff := p.clock.Now().Add(-p.cfg.Retention)
		if err := p.store.CleanupOlderThan(ctx, cutoff); err != nil {
			p.logger.Warn("pipeline: cleanup failed", "error", err)
		}
		messages, events, summaries, errs := p.counters.Snapshot()
		p.logger.Info("pipeline: hourly maintenance",
			"messages", messages, "events", events, "summaries", summaries, "errors", errs)
	}
}

func soleChannel(ev *event.Event) string {
	for ch := range ev.Channels {
		return ch
	}
	return ""
}

func firstText(ev *event.Event) string {
	if len(ev.Texts) == 0 {
		return ""
	}
	return ev.Texts[0]
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
