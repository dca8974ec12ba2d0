// Package dispatch renders mature events into Hebrew output messages and
// sends them, deduplicating by a fingerprint of the rendered body so retries
// deliver at most once.
package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/clearmap/watchtower/internal/authority"
	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/event"
	"github.com/clearmap/watchtower/internal/transport"
)

const (
	sentCacheSize  = 800
	footerLinksMax = 5
	separator      = "━━━━━━━━━━━━━━━━━━━━"
)

func reliabilityBadge(score float64) string {
	switch {
	case score >= 75:
		return "🟢"
	case score >= 55:
		return "🟡"
	default:
		return "🔴"
	}
}

func sourceBadge(n int) string {
	switch {
	case n >= 3:
		return "✅ מאומת"
	case n == 2:
		return "🔄 חוזר"
	default:
		return "⚠️ מקור בודד"
	}
}

// Dispatcher posts trend reports, single-source alerts, and batch digests.
type Dispatcher struct {
	sender     transport.Sender
	authority  *authority.Tracker
	outputChat int64
	digestChat int64
	creditLink string
	logger     *slog.Logger

	mu    sync.Mutex
	sent  map[string]struct{}
	order []string
}

// New builds a Dispatcher. digestChat of 0 routes digests to outputChat;
// creditLink, when set, is appended to every footer.
func New(sender transport.Sender, auth *authority.Tracker, outputChat, digestChat int64, creditLink string, logger *slog.Logger) *Dispatcher {
	if digestChat == 0 {
		digestChat = outputChat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:     sender,
		authority:  auth,
		outputChat: outputChat,
		digestChat: digestChat,
		creditLink: creditLink,
		logger:     logger,
		sent:       make(map[string]struct{}, sentCacheSize),
	}
}

// SendTrendReport posts a multi-source trend report for a corroborated event.
func (d *Dispatcher) SendTrendReport(ctx context.Context, ev *event.Event, body string) error {
	channels := sortedChannels(ev)
	var total float64
	for _, ch := range channels {
		total += d.authority.Score(ch)
	}
	avg := 50.0
	if len(channels) > 0 {
		avg = total / float64(len(channels))
	}

	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = "@" + ch
	}
	header := fmt.Sprintf("%s %s | אמינות: %s",
		reliabilityBadge(avg), sourceBadge(len(channels)), d.authority.Label(avg))

	lines := []string{
		header,
		separator,
		body,
		d.footer(fmt.Sprintf("%d ערוצים: %s", len(channels), strings.Join(names, ", ")), ev.Links),
	}
	if crossClass(ev) {
		lines = append(lines, "🔗 אומת גם על ידי ערוצים חכמים")
	}
	report := strings.Join(lines, "\n")

	if d.alreadySent(report) {
		return nil
	}
	if err := d.sender.SendText(ctx, d.outputChat, report); err != nil {
		d.logger.Error("dispatch: trend send failed", "event", ev.ID, "error", err)
		return err
	}
	d.logger.Info("dispatch: trend report sent", "event", ev.ID, "channels", len(channels))
	return nil
}

// SendSingleSourceAlert posts an alert backed by one high-authority channel.
func (d *Dispatcher) SendSingleSourceAlert(ctx context.Context, ev *event.Event, body string) error {
	channels := sortedChannels(ev)
	ch := ""
	if len(channels) > 0 {
		ch = channels[0]
	}
	score := d.authority.Score(ch)

	lines := []string{
		fmt.Sprintf("%s ⚠️ מקור בודד | אמינות: %s", reliabilityBadge(score), d.authority.Label(score)),
		separator,
		body,
		d.footer("@"+ch, ev.Links),
	}
	report := strings.Join(lines, "\n")

	if d.alreadySent(report) {
		return nil
	}
	if err := d.sender.SendText(ctx, d.outputChat, report); err != nil {
		d.logger.Error("dispatch: single-source send failed", "event", ev.ID, "error", err)
		return err
	}
	d.logger.Info("dispatch: single-source alert sent", "event", ev.ID, "channel", ch, "score", score)
	return nil
}

// SendBatchDigest posts the periodic digest of unmatched messages.
func (d *Dispatcher) SendBatchDigest(ctx context.Context, body string) error {
	if body == "" {
		return nil
	}
	lines := []string{
		"📋 סיכום תקופתי",
		separator,
		body,
		separator,
	}
	if d.creditLink != "" {
		lines = append(lines, "📢 מקור: "+d.creditLink)
	}
	report := strings.Join(lines, "\n")

	if d.alreadySent(report) {
		return nil
	}
	if err := d.sender.SendText(ctx, d.digestChat, report); err != nil {
		d.logger.Error("dispatch: digest send failed", "error", err)
		return err
	}
	d.logger.Info("dispatch: batch digest sent", "len", len(body))
	return nil
}

func (d *Dispatcher) footer(sources string, links []string) string {
	lines := []string{separator, "📡 " + sources}
	n := 0
	for _, link := range links {
		if link == "" {
			continue
		}
		lines = append(lines, "🔗 "+link)
		n++
		if n == footerLinksMax {
			break
		}
	}
	if d.creditLink != "" {
		lines = append(lines, "📢 מקור: "+d.creditLink)
	}
	return strings.Join(lines, "\n")
}

// alreadySent records the rendered body's fingerprint, reporting whether an
// identical body went out recently.
func (d *Dispatcher) alreadySent(report string) bool {
	sum := sha1.Sum([]byte(report))
	key := hex.EncodeToString(sum[:])[:16]

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sent[key]; ok {
		d.logger.Debug("dispatch: duplicate output suppressed")
		return true
	}
	d.sent[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > sentCacheSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.sent, oldest)
	}
	return false
}

func sortedChannels(ev *event.Event) []string {
	out := make([]string, 0, len(ev.Channels))
	for ch := range ev.Channels {
		if ch != "" {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func crossClass(ev *event.Event) bool {
	return ev.HasClass(bus.ClassSource) && ev.HasClass(bus.ClassSmart)
}
