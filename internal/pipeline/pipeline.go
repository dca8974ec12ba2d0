// Package pipeline orchestrates the message flow: dedup, the authority-gated
// extraction path, event pool ingestion, the batch collector for unmatched
// low-priority traffic, and the aggregator and maintenance loops.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clearmap/watchtower/internal/authority"
	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/dispatch"
	"github.com/clearmap/watchtower/internal/event"
	"github.com/clearmap/watchtower/internal/llm"
	"github.com/clearmap/watchtower/internal/metrics"
	"github.com/clearmap/watchtower/internal/store"
)

const (
	dupCacheSize = 500
	// singleSourceDispatchMin gates single-source alerts; stricter than the
	// extraction gate so only the most trusted channels publish alone.
	singleSourceDispatchMin = 80.0
)

// Config carries the pipeline tunables.
type Config struct {
	BatchSize              int
	MaxBatchAge            time.Duration
	SummaryMinInterval     time.Duration
	EventMergeWindow       time.Duration
	MinSources             int
	FlushEvery             time.Duration
	HighAuthorityThreshold float64
	Retention              time.Duration
	MediaThreshold         int
}

// Pipeline wires the collaborators together. All cross-component references
// point one way; the pool never calls back into the pipeline.
type Pipeline struct {
	cfg        Config
	store      *store.Store
	llm        *llm.Client
	authority  *authority.Tracker
	pool       *event.Pool
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	counters   *metrics.Counters
	logger     *slog.Logger

	batchMu      sync.Mutex
	batch        []bus.Message
	batchTimerOn bool

	summaryMu   sync.Mutex
	lastSummary time.Time

	dupMu    sync.Mutex
	dupSet   map[string]struct{}
	dupOrder []string
}

// New builds a Pipeline.
func New(cfg Config, st *store.Store, ai *llm.Client, auth *authority.Tracker, pool *event.Pool, disp *dispatch.Dispatcher, clk clock.Clock, counters *metrics.Counters, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = metrics.New()
	}
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		llm:        ai,
		authority:  auth,
		pool:       pool,
		dispatcher: disp,
		clock:      clk,
		counters:   counters,
		logger:     logger,
		dupSet:     make(map[string]struct{}, dupCacheSize),
	}
}

// Process routes one ingested message. On return the message has been
// persisted as an event source, enqueued in the batch collector, or
// deliberately dropped.
func (p *Pipeline) Process(ctx context.Context, msg bus.Message) error {
	p.counters.Message(ctx)
	p.logger.Info("pipeline: message", "channel", msg.Channel, "class", msg.Class, "len", len(msg.Text))

	hash := event.TextHash(msg.Text)
	if p.seenRecently(hash) {
		p.logger.Debug("pipeline: in-memory dedup", "channel", msg.Channel)
		return nil
	}
	dup, err := p.store.IsDuplicate(ctx, hash, p.clock.Now())
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		p.logger.Debug("pipeline: store dedup", "channel", msg.Channel)
		return nil
	}

	if err := p.authority.Ensure(ctx, msg.Channel, msg.Class); err != nil {
		p.logger.Warn("pipeline: ensure channel", "channel", msg.Channel, "error", err)
	}
	score := p.authority.Score(msg.Channel)
	urgent := LooksUrgent(msg.Text)
	p.logger.Debug("pipeline: routing", "channel", msg.Channel, "score", score, "urgent", urgent)

	if urgent || score >= p.cfg.HighAuthorityThreshold {
		return p.highPriority(ctx, msg, urgent)
	}

	if eventID, ok := p.pool.MatchFingerprint(msg.Text); ok {
		if _, err := p.pool.IngestByFingerprint(ctx, msg, eventID); err != nil {
			return fmt.Errorf("fingerprint ingest: %w", err)
		}
		p.logger.Debug("pipeline: fingerprint match", "channel", msg.Channel, "event", eventID)
		return nil
	}
	p.batchPush(ctx, msg)
	return nil
}

// highPriority runs the extraction path. Urgent messages whose extraction
// came back empty still reach the batch collector.
func (p *Pipeline) highPriority(ctx context.Context, msg bus.Message, urgent bool) error {
	sig := p.llm.ExtractSignature(ctx, msg.Text)
	if sig == nil {
		if urgent {
			p.logger.Info("pipeline: urgent without signature, batching", "channel", msg.Channel)
			p.batchPush(ctx, msg)
		}
		return nil
	}
	ev, created, err := p.pool.IngestWithSignature(ctx, *sig, msg)
	if err != nil {
		return fmt.Errorf("signature ingest: %w", err)
	}
	if created {
		p.counters.Event(ctx)
	}
	p.logger.Info("pipeline: signature ingested",
		"channel", msg.Channel, "type", sig.Type, "event", ev.ID, "new", created)
	return nil
}

// seenRecently records hash in the bounded short-term cache, reporting
// whether it was already present.
func (p *Pipeline) seenRecently(hash string) bool {
	p.dupMu.Lock()
	defer p.dupMu.Unlock()
	if _, ok := p.dupSet[hash]; ok {
		return true
	}
	p.dupSet[hash] = struct{}{}
	p.dupOrder = append(p.dupOrder, hash)
	if len(p.dupOrder) > dupCacheSize {
		oldest := p.dupOrder[0]
		p.dupOrder = p.dupOrder[1:]
		delete(p.dupSet, oldest)
	}
	return false
}

// batchPush adds msg to the collector, flushing at capacity and arming the
// age-based auto-flush otherwise.
func (p *Pipeline) batchPush(ctx context.Context, msg bus.Message) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	p.batch = append(p.batch, msg)
	if len(p.batch) >= p.cfg.BatchSize {
		p.flushLocked(ctx)
		return
	}
	if !p.batchTimerOn {
		p.batchTimerOn = true
		go p.autoFlush(ctx)
	}
}

func (p *Pipeline) autoFlush(ctx context.Context) {
	if p.clock.Sleep(ctx, p.cfg.MaxBatchAge) != nil {
		return
	}
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	p.flushLocked(ctx)
}

// flushLocked hands the collected batch to the summary path. Callers hold
// batchMu.
func (p *Pipeline) flushLocked(ctx context.Context) {
	p.batchTimerOn = false
	if len(p.batch) == 0 {
		return
	}
	msgs := p.batch
	p.batch = nil
	p.logger.Info("pipeline: flushing batch", "size", len(msgs))
	go p.sendSummary(ctx, msgs)
}

// sendSummary throttles to one digest per SummaryMinInterval, builds the
// authority context, asks for a digest, and dispatches it.
func (p *Pipeline) sendSummary(ctx context.Context, msgs []bus.Message) {
	p.summaryMu.Lock()
	if wait := p.cfg.SummaryMinInterval - p.clock.Now().Sub(p.lastSummary); wait > 0 {
		if p.clock.Sleep(ctx, wait) != nil {
			p.summaryMu.Unlock()
			return
		}
	}
	p.lastSummary = p.clock.Now()
	p.summaryMu.Unlock()

	channels := make(map[string]struct{})
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Channel != "" {
			channels[m.Channel] = struct{}{}
		}
		texts = append(texts, m.Text)
	}

	summary := p.llm.SummarizeBatch(ctx, texts, p.authorityContext(channels, "מקורות עיקריים"))
	if summary == "" {
		p.logger.Warn("pipeline: batch summary unavailable", "size", len(msgs))
		return
	}
	if note := p.mediaNote(msgs); note != "" {
		summary += "\n" + note
	}
	if err := p.dispatcher.SendBatchDigest(ctx, summary); err != nil {
		p.counters.Error(ctx)
		return
	}
	p.counters.Summary(ctx)
}

// mediaNote flags media identifiers reposted by several distinct channels
// within one batch.
func (p *Pipeline) mediaNote(msgs []bus.Message) string {
	if p.cfg.MediaThreshold <= 0 {
		return ""
	}
	byMedia := make(map[string]map[string]struct{})
	for _, m := range msgs {
		if m.MediaID == "" {
			continue
		}
		if byMedia[m.MediaID] == nil {
			byMedia[m.MediaID] = make(map[string]struct{})
		}
		byMedia[m.MediaID][m.Channel] = struct{}{}
	}
	max := 0
	for _, chans := range byMedia {
		if len(chans) > max {
			max = len(chans)
		}
	}
	if max < p.cfg.MediaThreshold {
		return ""
	}
	return fmt.Sprintf("📎 מדיה זהה הופצה ב-%d ערוצים", max)
}

// authorityContext renders the top three channels by score as a one-line
// prompt context.
func (p *Pipeline) authorityContext(channels map[string]struct{}, prefix string) string {
	if len(channels) == 0 {
		return ""
	}
	type ranked struct {
		channel string
		score   float64
	}
	all := make([]ranked, 0, len(channels))
	for ch := range channels {
		all = append(all, ranked{ch, p.authority.Score(ch)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].channel < all[j].channel
	})
	if len(all) > 3 {
		all = all[:3]
	}
	parts := make([]string, len(all))
	for i, r := range all {
		parts[i] = fmt.Sprintf("@%s (אמינות: %s)", r.channel, p.authority.Label(r.score))
	}
	return prefix + ": " + strings.Join(parts, ", ")
}
