package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clearmap/watchtower/internal/authority"
	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/event"
	"github.com/clearmap/watchtower/internal/store"
	"github.com/clearmap/watchtower/internal/transport"
)

type fakeSender struct {
	sent    []sentText
	failNow bool
}

type sentText struct {
	chatID int64
	text   string
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string) error {
	if f.failNow {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, sentText{chatID, text})
	return nil
}

func (f *fakeSender) Forward(ctx context.Context, chatID int64, msg transport.Message, caption string) error {
	return nil
}

func newTestDispatcher(t *testing.T, sourceDefault float64) (*Dispatcher, *fakeSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "d.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	clk := clock.NewFake(time.Now())
	auth := authority.New(st, clk, sourceDefault, sourceDefault+10, nil)
	sender := &fakeSender{}
	return New(sender, auth, 100, 200, "https://t.me/+group", nil), sender
}

func twoChannelEvent() *event.Event {
	return &event.Event{
		ID: "ev1",
		Channels: map[string]bus.ChannelClass{
			"alpha": bus.ClassSource,
			"beta":  bus.ClassSource,
		},
		Texts: []string{"דיווח"},
		Links: []string{"https://t.me/alpha/1", "https://t.me/beta/2"},
	}
}

func TestSendTrendReport_Rendering(t *testing.T) {
	d, sender := newTestDispatcher(t, 80)
	if err := d.SendTrendReport(context.Background(), twoChannelEvent(), "סיכום האירוע"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if got.chatID != 100 {
		t.Errorf("chat = %d, want output chat 100", got.chatID)
	}
	for _, want := range []string{
		"🟢",            // avg 80 -> green badge
		"🔄 חוזר",       // two sources
		"אמינות: גבוהה", // label for 80
		"סיכום האירוע",
		"2 ערוצים: @alpha, @beta",
		"https://t.me/alpha/1",
		"📢 מקור: https://t.me/+group",
	} {
		if !strings.Contains(got.text, want) {
			t.Errorf("report missing %q:\n%s", want, got.text)
		}
	}
}

func TestSendTrendReport_CrossClassNote(t *testing.T) {
	d, sender := newTestDispatcher(t, 50)
	ev := twoChannelEvent()
	ev.Channels["beta"] = bus.ClassSmart
	if err := d.SendTrendReport(context.Background(), ev, "גוף"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sender.sent[0].text, "אומת גם על ידי ערוצים חכמים") {
		t.Error("cross-class note missing")
	}

	// Same-class event carries no note.
	sender.sent = nil
	if err := d.SendTrendReport(context.Background(), twoChannelEvent(), "גוף אחר"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sender.sent[0].text, "אומת גם על ידי") {
		t.Error("unexpected cross-class note")
	}
}

func TestSendSingleSourceAlert_Badges(t *testing.T) {
	d, sender := newTestDispatcher(t, 45)
	ev := &event.Event{
		ID:       "ev1",
		Channels: map[string]bus.ChannelClass{"lone": bus.ClassSource},
		Texts:    []string{"t"},
	}
	if err := d.SendSingleSourceAlert(context.Background(), ev, "התראה"); err != nil {
		t.Fatal(err)
	}
	got := sender.sent[0].text
	for _, want := range []string{"🔴", "⚠️ מקור בודד", "אמינות: נמוכה", "@lone"} {
		if !strings.Contains(got, want) {
			t.Errorf("alert missing %q:\n%s", want, got)
		}
	}
}

func TestFooterLinksCapped(t *testing.T) {
	d, sender := newTestDispatcher(t, 50)
	ev := twoChannelEvent()
	ev.Links = nil
	for i := 0; i < 9; i++ {
		ev.Links = append(ev.Links, fmt.Sprintf("https://t.me/ch/%d", i))
	}
	if err := d.SendTrendReport(context.Background(), ev, "גוף"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(sender.sent[0].text, "🔗"); got != footerLinksMax {
		t.Errorf("footer has %d links, want %d", got, footerLinksMax)
	}
}

func TestDispatch_AtMostOnce(t *testing.T) {
	d, sender := newTestDispatcher(t, 50)
	ev := twoChannelEvent()

	if err := d.SendTrendReport(context.Background(), ev, "אותו גוף"); err != nil {
		t.Fatal(err)
	}
	// Retry with an identical rendered body is silently dropped.
	if err := d.SendTrendReport(context.Background(), ev, "אותו גוף"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent %d times, want 1", len(sender.sent))
	}

	// A different body goes out.
	if err := d.SendTrendReport(context.Background(), ev, "גוף שונה"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Errorf("sent %d times, want 2", len(sender.sent))
	}
}

func TestSendBatchDigest(t *testing.T) {
	d, sender := newTestDispatcher(t, 50)
	if err := d.SendBatchDigest(context.Background(), "תקציר"); err != nil {
		t.Fatal(err)
	}
	got := sender.sent[0]
	if got.chatID != 200 {
		t.Errorf("digest chat = %d, want 200", got.chatID)
	}
	if !strings.Contains(got.text, "📋 סיכום תקופתי") || !strings.Contains(got.text, "תקציר") {
		t.Errorf("digest body:\n%s", got.text)
	}

	// Empty digest is a no-op.
	if err := d.SendBatchDigest(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Error("empty digest should not send")
	}
}

func TestSendFailure_Propagates(t *testing.T) {
	d, sender := newTestDispatcher(t, 50)
	sender.failNow = true
	if err := d.SendTrendReport(context.Background(), twoChannelEvent(), "גוף"); err == nil {
		t.Error("want error when transport fails")
	}
}
