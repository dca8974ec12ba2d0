// Package authority maintains the per-channel reliability score that gates
// AI extraction and labels outgoing reports. Scores move on corroboration
// outcomes and regress toward their class baseline once per hour.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/event"
	"github.com/clearmap/watchtower/internal/store"
)

// Score bounds and adjustments.
const (
	MinScore = 10.0
	MaxScore = 95.0

	CorroborationBoost          = 2.0  // every contributor of a corroborated event
	FirstToReportBoost          = 3.0  // earliest sighting of a corroborated event
	UncorroboratedUrgentPenalty = -1.5 // sole contributor of an expired urgent event
	DecayRate                   = 0.01 // hourly regression toward class baseline
)

// Hebrew reliability labels used in report headers.
const (
	LabelHigh   = "גבוהה"
	LabelMedium = "בינונית"
	LabelLow    = "נמוכה"
)

// Tracker is the in-memory score cache with write-through to the store.
type Tracker struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger

	sourceDefault float64
	smartDefault  float64

	mu       sync.Mutex
	scores   map[string]float64
	defaults map[string]float64
}

// New creates a Tracker with the two class baselines.
func New(st *store.Store, clk clock.Clock, sourceDefault, smartDefault float64, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:         st,
		clock:         clk,
		logger:        logger,
		sourceDefault: sourceDefault,
		smartDefault:  smartDefault,
		scores:        make(map[string]float64),
		defaults:      make(map[string]float64),
	}
}

// Load ensures a channel row exists for every configured channel and warms
// the score cache from the store.
func (t *Tracker) Load(ctx context.Context, sourceChannels, smartChannels []string) error {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range sourceChannels {
		if err := t.store.EnsureChannel(ctx, ch, bus.ClassSource, t.sourceDefault, now); err != nil {
			return err
		}
		t.defaults[ch] = t.sourceDefault
	}
	for _, ch := range smartChannels {
		if err := t.store.EnsureChannel(ctx, ch, bus.ClassSmart, t.smartDefault, now); err != nil {
			return err
		}
		t.defaults[ch] = t.smartDefault
	}
	scores, err := t.store.AllAuthorities(ctx)
	if err != nil {
		return fmt.Errorf("load authority scores: %w", err)
	}
	t.scores = scores
	t.logger.Info("authority: scores loaded", "channels", len(scores))
	return nil
}

// Ensure lazily registers a channel first seen mid-run.
func (t *Tracker) Ensure(ctx context.Context, channel string, class bus.ChannelClass) error {
	baseline := t.sourceDefault
	if class == bus.ClassSmart {
		baseline = t.smartDefault
	}
	if err := t.store.EnsureChannel(ctx, channel, class, baseline, t.clock.Now()); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults[channel] = baseline
	if _, ok := t.scores[channel]; !ok {
		t.scores[channel] = baseline
	}
	return nil
}

// Score returns the channel's current score, falling back to the source
// baseline for unknown channels.
func (t *Tracker) Score(channel string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.scores[channel]; ok {
		return s
	}
	return t.sourceDefault
}

// Label maps a score to its presentation label.
func (t *Tracker) Label(score float64) string {
	switch {
	case score >= 80:
		return LabelHigh
	case score >= 60:
		return LabelMedium
	default:
		return LabelLow
	}
}

// EventCorroborated applies the corroboration boost to every contributor and
// the first-to-report bonus to firstReporter (the channel of the earliest
// source row).
func (t *Tracker) EventCorroborated(ctx context.Context, ev *event.Event, firstReporter string) error {
	for ch := range ev.Channels {
		if err := t.adjust(ctx, ch, CorroborationBoost, store.AuthorityDelta{Corroborated: 1}); err != nil {
			return err
		}
	}
	if firstReporter != "" {
		if err := t.adjust(ctx, firstReporter, FirstToReportBoost, store.AuthorityDelta{FirstToReport: 1}); err != nil {
			return err
		}
	}
	t.logger.Debug("authority: corroboration boost", "event_id", ev.ID, "channels", ev.SourceCount(), "first", firstReporter)
	return nil
}

// EventExpiredUncorroborated penalizes the sole contributor of an urgent
// event that nobody backed. Non-urgent expiries cost nothing.
func (t *Tracker) EventExpiredUncorroborated(ctx context.Context, ev *event.Event) error {
	if !ev.Signature.Urgent || ev.SourceCount() != 1 {
		return nil
	}
	for ch := range ev.Channels {
		if err := t.adjust(ctx, ch, UncorroboratedUrgentPenalty, store.AuthorityDelta{UncorroboratedUrgent: 1}); err != nil {
			return err
		}
		t.logger.Debug("authority: uncorroborated urgent penalty", "channel", ch, "event_id", ev.ID)
	}
	return nil
}

// ApplyDecay regresses every cached score toward its class baseline by
// DecayRate of the distance, clamped to the score bounds. Called hourly by
// the maintenance loop.
func (t *Tracker) ApplyDecay(ctx context.Context) error {
	t.mu.Lock()
	updated := make(map[string]float64)
	for ch, score := range t.scores {
		baseline, ok := t.defaults[ch]
		if !ok {
			baseline = t.sourceDefault
		}
		next := clamp(score - (score-baseline)*DecayRate)
		if math.Abs(next-score) > 0.01 {
			updated[ch] = next
			t.scores[ch] = next
		}
	}
	t.mu.Unlock()

	if len(updated) == 0 {
		return nil
	}
	if err := t.store.BulkUpdateScores(ctx, updated, t.clock.Now()); err != nil {
		return fmt.Errorf("persist decay: %w", err)
	}
	t.logger.Debug("authority: decay applied", "channels", len(updated))
	return nil
}

func (t *Tracker) adjust(ctx context.Context, channel string, delta float64, d store.AuthorityDelta) error {
	t.mu.Lock()
	current, ok := t.scores[channel]
	if !ok {
		current = t.sourceDefault
	}
	next := clamp(current + delta)
	t.scores[channel] = next
	t.mu.Unlock()

	if err := t.store.UpdateAuthority(ctx, channel, next, d, t.clock.Now()); err != nil {
		return fmt.Errorf("adjust %s: %w", channel, err)
	}
	return nil
}

func clamp(s float64) float64 {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
