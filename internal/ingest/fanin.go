// Package ingest owns the session readers: it partitions the channel lists
// across sessions, subscribes realtime handlers, runs the gap-closing polling
// scanner, and feeds filtered, normalized messages into the pipeline queue.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/event"
	"github.com/clearmap/watchtower/internal/transport"
)

const (
	textDupCacheSize  = 500
	mediaDupCacheSize = 2000
	scannerBackoff    = 5 * time.Second
	scanIdle          = 30 * time.Second
)

// Options tunes the fan-in.
type Options struct {
	SmartChat         int64 // mirror destination for smart-class posts; 0 disables
	BlockPhrases      []string
	ScanBatchLimit    int
	RequestsPerMinute int
}

// FanIn drives N sessions over the two channel lists. Session 0 doubles as
// the send-capable identity used for the smart mirror.
type FanIn struct {
	sessions []transport.Session
	sender   transport.Sender
	queue    *bus.Queue
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options

	classes     map[string]bus.ChannelClass
	assignments [][]string

	started   time.Time
	runCtx    context.Context
	textDups  *boundedSet
	mediaDups *boundedSet

	mu       sync.Mutex
	lastSeen map[string]int
}

// New builds a FanIn. sender may be nil when no smart mirror is configured.
func New(sessions []transport.Session, sender transport.Sender, queue *bus.Queue, clk clock.Clock, opts Options, logger *slog.Logger) *FanIn {
	if opts.ScanBatchLimit <= 0 {
		opts.ScanBatchLimit = 100
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 18
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FanIn{
		sessions:  sessions,
		sender:    sender,
		queue:     queue,
		clock:     clk,
		logger:    logger,
		opts:      opts,
		classes:   make(map[string]bus.ChannelClass),
		textDups:  newBoundedSet(textDupCacheSize),
		mediaDups: newBoundedSet(mediaDupCacheSize),
		lastSeen:  make(map[string]int),
	}
}

// Partition splits channels round-robin across n sessions so each channel is
// watched by exactly one reader.
func Partition(channels []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	out := make([][]string, n)
	for i, ch := range channels {
		out[i%n] = append(out[i%n], ch)
	}
	return out
}

// Run starts every session and its scanner and blocks until ctx is done,
// then disconnects the sessions.
func (f *FanIn) Run(ctx context.Context, sourceChannels, smartChannels []string) error {
	f.runCtx = ctx
	f.started = f.clock.Now()

	all := make([]string, 0, len(sourceChannels)+len(smartChannels))
	for _, ch := range sourceChannels {
		ch = strings.ToLower(ch)
		f.classes[ch] = bus.ClassSource
		all = append(all, ch)
	}
	for _, ch := range smartChannels {
		ch = strings.ToLower(ch)
		f.classes[ch] = bus.ClassSmart
		all = append(all, ch)
	}
	f.assignments = Partition(all, len(f.sessions))

	var wg sync.WaitGroup
	for i, s := range f.sessions {
		assigned := f.assignments[i]
		f.logger.Info("ingest: session assignment", "session", s.Name(), "channels", len(assigned))

		f.joinAll(ctx, s, assigned)
		s.Subscribe(assigned, func(m transport.Message) {
			f.handle(strings.ToLower(m.ChatUsername), m)
		})
		if err := s.Start(ctx); err != nil {
			f.logger.Error("ingest: session start failed", "session", s.Name(), "error", err)
			continue
		}

		wg.Add(1)
		go func(s transport.Session, assigned []string) {
			defer wg.Done()
			f.scan(ctx, s, assigned)
		}(s, assigned)
	}

	<-ctx.Done()
	wg.Wait()
	for _, s := range f.sessions {
		if err := s.Close(); err != nil {
			f.logger.Warn("ingest: session close", "session", s.Name(), "error", err)
		}
	}
	return ctx.Err()
}

// joinAll attempts membership for each assigned channel, honoring flood-wait
// back-off. Sessions whose membership is managed out of band are skipped.
func (f *FanIn) joinAll(ctx context.Context, s transport.Session, channels []string) {
	for _, ch := range channels {
		err := s.Join(ctx, ch)
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrJoinUnsupported) {
			f.logger.Debug("ingest: join managed externally", "session", s.Name())
			return
		}
		if d, ok := transport.AsFloodWait(err); ok {
			f.logger.Warn("ingest: flood wait during join", "session", s.Name(), "wait", d)
			if f.clock.Sleep(ctx, d) != nil {
				return
			}
			if err := s.Join(ctx, ch); err != nil {
				f.logger.Warn("ingest: join retry failed", "session", s.Name(), "channel", ch, "error", err)
			}
			continue
		}
		f.logger.Warn("ingest: join failed", "session", s.Name(), "channel", ch, "error", err)
	}
}

// scan is the per-session polling loop. It remembers the highest message id
// per channel and fetches anything newer in ascending order. Flood-wait
// suspends only this session; any other failure backs off and retries.
func (f *FanIn) scan(ctx context.Context, s transport.Session, channels []string) {
	if len(channels) == 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(f.opts.RequestsPerMinute)), 1)
	for {
		for _, ch := range channels {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			msgs, err := s.History(ctx, ch, f.lastID(ch), f.opts.ScanBatchLimit)
			if err != nil {
				if errors.Is(err, transport.ErrHistoryUnsupported) {
					f.logger.Debug("ingest: scanner disabled, realtime only", "session", s.Name())
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				if d, ok := transport.AsFloodWait(err); ok {
					f.logger.Warn("ingest: scanner flood wait", "session", s.Name(), "wait", d)
					if f.clock.Sleep(ctx, d) != nil {
						return
					}
					continue
				}
				f.logger.Warn("ingest: scanner fetch failed", "session", s.Name(), "channel", ch, "error", err)
				if f.clock.Sleep(ctx, scannerBackoff) != nil {
					return
				}
				continue
			}
			for _, m := range msgs {
				f.setLastID(ch, m.ID)
				f.handle(ch, m)
			}
		}
		if f.clock.Sleep(ctx, scanIdle) != nil {
			return
		}
	}
}

func (f *FanIn) lastID(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen[channel]
}

func (f *FanIn) setLastID(channel string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id > f.lastSeen[channel] {
		f.lastSeen[channel] = id
	}
}

// handle applies the shared filter chain and pushes the surviving message to
// the pipeline queue. Both delivery modes land here.
func (f *FanIn) handle(channel string, m transport.Message) {
	if m.Outgoing || m.FromBot {
		return
	}
	if m.Date.Before(f.started) {
		return
	}
	class, ok := f.classes[channel]
	if !ok {
		return
	}

	text := Normalize(m.Text)
	if text == "" && m.MediaID == "" {
		return
	}
	for _, phrase := range f.opts.BlockPhrases {
		if phrase != "" && strings.Contains(text, phrase) {
			return
		}
	}
	if text != "" && f.textDups.Seen(event.TextHash(text)) {
		return
	}

	link := transport.Permalink(m.ChatUsername, m.ID)
	if class == bus.ClassSmart {
		f.mirror(m, text, link)
	}

	msg := bus.Message{
		Text:       text,
		Channel:    channel,
		Link:       link,
		MediaID:    m.MediaID,
		Class:      class,
		ReceivedAt: m.Date,
	}
	if err := f.queue.Push(f.runCtx, msg); err != nil {
		f.logger.Warn("ingest: queue push failed", "channel", channel, "error", err)
	}
}

// mirror re-posts a smart-class message (media included) to the smart chat
// with a permalink appended. Albums are forwarded once, keyed on grouped id.
func (f *FanIn) mirror(m transport.Message, text, link string) {
	if f.sender == nil || f.opts.SmartChat == 0 {
		return
	}
	key := mirrorKey(m)
	if f.mediaDups.Seen(key) {
		return
	}
	caption := text
	if link != "" {
		if caption != "" {
			caption += "\n\n"
		}
		caption += link
	}
	if err := f.sender.Forward(f.runCtx, f.opts.SmartChat, m, caption); err != nil {
		f.logger.Warn("ingest: smart mirror failed", "channel", m.ChatUsername, "error", err)
	}
}

func mirrorKey(m transport.Message) string {
	switch {
	case m.GroupedID != "":
		return "group:" + m.GroupedID
	case m.MediaID != "":
		return "media:" + m.MediaID
	default:
		return "msg:" + m.ChatUsername + ":" + strconv.Itoa(m.ID)
	}
}
