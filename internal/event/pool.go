package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/store"
)

// Event aggregates the messages judged to describe one real-world incident.
// The signature is the first message's and never changes; merges only grow
// the texts, channels, and links.
type Event struct {
	ID          string
	Signature   Signature
	Texts       []string
	Channels    map[string]bus.ChannelClass
	Links       []string
	FirstSeen   time.Time
	LastUpdated time.Time
	Sent        bool
}

// SourceCount is the number of distinct contributing channels.
func (e *Event) SourceCount() int { return len(e.Channels) }

// HasClass reports whether any contributor belongs to the given class.
func (e *Event) HasClass(class bus.ChannelClass) bool {
	for _, c := range e.Channels {
		if c == class {
			return true
		}
	}
	return false
}

// clone copies the mutable fields so the copy can be read outside the pool
// lock. The signature never changes after creation and is shared. Callers
// hold the pool lock.
func (e *Event) clone() *Event {
	cp := *e
	cp.Texts = append([]string(nil), e.Texts...)
	cp.Links = append([]string(nil), e.Links...)
	cp.Channels = make(map[string]bus.ChannelClass, len(e.Channels))
	for ch, class := range e.Channels {
		cp.Channels[ch] = class
	}
	return &cp
}

// Pool is the in-memory index of active (pending) events. It owns the
// active map exclusively; terminal events leave the pool in both the sent
// and the expired case.
type Pool struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
	match  float64

	mu            sync.Mutex
	active        map[string]*Event
	byFingerprint map[string]string
}

// NewPool creates an empty pool with the given semantic match threshold.
func NewPool(st *store.Store, clk clock.Clock, matchThreshold float64, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:         st,
		clock:         clk,
		logger:        logger,
		match:         matchThreshold,
		active:        make(map[string]*Event),
		byFingerprint: make(map[string]string),
	}
}

// Restore reloads every pending event from the store, reconstructing channel
// sets and source texts. Called once on startup before ingest begins.
func (p *Pool) Restore(ctx context.Context) error {
	pending, err := p.store.PendingEvents(ctx)
	if err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pe := range pending {
		sig, err := ParseSignature(pe.SignatureJSON)
		if err != nil {
			p.logger.Warn("pool: dropping event with bad stored signature", "event_id", pe.ID, "error", err)
			continue
		}
		sources, err := p.store.EventSources(ctx, pe.ID)
		if err != nil {
			return fmt.Errorf("restore sources for %s: %w", pe.ID, err)
		}
		ev := &Event{
			ID:          pe.ID,
			Signature:   sig,
			Channels:    make(map[string]bus.ChannelClass, len(sources)),
			FirstSeen:   pe.FirstSeen,
			LastUpdated: pe.FirstSeen,
		}
		for _, src := range sources {
			ev.Channels[src.Channel] = src.Class
			if src.Text != "" {
				ev.Texts = append(ev.Texts, src.Text)
			}
			if src.Link != "" {
				ev.Links = append(ev.Links, src.Link)
			}
			if src.ReportedAt.After(ev.LastUpdated) {
				ev.LastUpdated = src.ReportedAt
			}
		}
		p.active[pe.ID] = ev
		if len(ev.Texts) > 0 {
			p.byFingerprint[Fingerprint(ev.Texts[0])] = pe.ID
		}
	}
	if len(p.active) > 0 {
		p.logger.Info("pool: restored pending events", "count", len(p.active))
	}
	return nil
}

// MatchFingerprint returns the active event whose first text shares msg's
// repost fingerprint, if any.
func (p *Pool) MatchFingerprint(text string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byFingerprint[Fingerprint(text)]
	return id, ok
}

// IngestByFingerprint merges msg into the named event. A channel already on
// the event contributes nothing; otherwise the sighting is persisted as a
// new source row. The returned event is a snapshot.
func (p *Pool) IngestByFingerprint(ctx context.Context, msg bus.Message, eventID string) (*Event, error) {
	p.mu.Lock()
	ev, ok := p.active[eventID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ingest by fingerprint: event %s not active", eventID)
	}
	if err := p.merge(ctx, ev, msg); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ev.clone(), nil
}

// IngestWithSignature scores sig against every active event and merges into
// the best match at or above the threshold, otherwise opens a new event.
// The returned bool is true when a new event was created.
func (p *Pool) IngestWithSignature(ctx context.Context, sig Signature, msg bus.Message) (*Event, bool, error) {
	p.mu.Lock()
	var best *Event
	bestScore := 0.0
	for _, ev := range p.active {
		if s := Match(sig, ev.Signature); s > bestScore {
			best, bestScore = ev, s
		}
	}
	p.mu.Unlock()

	if best != nil && bestScore >= p.match {
		if err := p.merge(ctx, best, msg); err != nil {
			return nil, false, err
		}
		p.mu.Lock()
		cp := best.clone()
		p.mu.Unlock()
		p.logger.Debug("pool: signature merge",
			"event_id", cp.ID, "score", bestScore, "channel", msg.Channel, "sources", cp.SourceCount())
		return cp, false, nil
	}

	now := p.clock.Now()
	ev := &Event{
		ID:          uuid.NewString(),
		Signature:   sig,
		Texts:       []string{msg.Text},
		Channels:    map[string]bus.ChannelClass{msg.Channel: msg.Class},
		FirstSeen:   now,
		LastUpdated: now,
	}
	if msg.Link != "" {
		ev.Links = append(ev.Links, msg.Link)
	}
	if err := p.store.RecordEvent(ctx, ev.ID, sig.JSON(), msg, now); err != nil {
		return nil, false, fmt.Errorf("persist new event: %w", err)
	}
	p.mu.Lock()
	p.active[ev.ID] = ev
	p.byFingerprint[Fingerprint(msg.Text)] = ev.ID
	cp := ev.clone()
	p.mu.Unlock()
	p.logger.Info("pool: new event",
		"event_id", ev.ID, "type", sig.Type, "location", sig.Location, "channel", msg.Channel)
	return cp, true, nil
}

func (p *Pool) merge(ctx context.Context, ev *Event, msg bus.Message) error {
	p.mu.Lock()
	if _, seen := ev.Channels[msg.Channel]; seen {
		p.mu.Unlock()
		return nil
	}
	ev.Texts = append(ev.Texts, msg.Text)
	ev.Channels[msg.Channel] = msg.Class
	if msg.Link != "" {
		ev.Links = append(ev.Links, msg.Link)
	}
	ev.LastUpdated = p.clock.Now()
	p.mu.Unlock()

	return p.store.AddEventSource(ctx, ev.ID, msg, p.clock.Now())
}

// Expire removes an event from the active map and drops its fingerprint
// index entries. The index never outlives its event.
func (p *Pool) Expire(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, eventID)
	for fp, id := range p.byFingerprint {
		if id == eventID {
			delete(p.byFingerprint, fp)
		}
	}
}

// Active returns copies of the active events. The aggregator reads them
// concurrently with merges, so sharing the live pointers would race on the
// channel map and text slice.
func (p *Pool) Active() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Event, 0, len(p.active))
	for _, ev := range p.active {
		out = append(out, ev.clone())
	}
	return out
}

// Len reports the number of active events.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// MarkSent flags the event as dispatched so the aggregator does not act on
// it twice.
func (p *Pool) MarkSent(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := p.active[eventID]; ok {
		ev.Sent = true
	}
}
