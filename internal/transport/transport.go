// Package transport defines the chat-transport collaborator the pipeline
// depends on: sessions that watch channels and a sender that posts to the
// output chats. The concrete network client is pluggable; a Bot-API-backed
// implementation lives in telegram.go and tests use in-memory fakes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Message is the per-message field set a session surfaces.
type Message struct {
	ID           int
	ChatID       int64
	ChatUsername string
	Text         string
	Date         time.Time
	MediaID      string
	GroupedID    string
	Outgoing     bool
	FromBot      bool
}

// Handler receives realtime messages from a session.
type Handler func(Message)

// Session is one account connection watching a subset of the channel lists.
// Session 0 is also the send-capable identity.
type Session interface {
	// Name identifies the session in logs.
	Name() string
	// Join makes the session a member of channel. Rate-limit back-off is
	// surfaced as *FloodWait. ErrJoinUnsupported means membership is managed
	// out of band.
	Join(ctx context.Context, channel string) error
	// Subscribe registers h for realtime messages on the given channels.
	// Must be called before Start.
	Subscribe(channels []string, h Handler)
	// Start begins delivering realtime messages until ctx is done.
	Start(ctx context.Context) error
	// History returns messages with id > minID in ascending id order, at
	// most limit of them. Sessions without history access return
	// ErrHistoryUnsupported.
	History(ctx context.Context, channel string, minID, limit int) ([]Message, error)
	// Close disconnects the session.
	Close() error
}

// Sender posts rendered output to a numeric chat id.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	// Forward re-posts a watched message (with its media) into chatID with
	// the given caption.
	Forward(ctx context.Context, chatID int64, msg Message, caption string) error
}

// Sentinels for capabilities a transport may lack.
var (
	ErrHistoryUnsupported = errors.New("transport: history not available on this session")
	ErrJoinUnsupported    = errors.New("transport: join not available on this session")
)

// FloodWait is the transport's rate-limit signal; the caller must pause the
// offending session for Duration.
type FloodWait struct {
	Duration time.Duration
}

func (e *FloodWait) Error() string {
	return fmt.Sprintf("transport: flood wait %s", e.Duration)
}

// AsFloodWait extracts the flood-wait interval from err, if present.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWait
	if errors.As(err, &fw) {
		return fw.Duration, true
	}
	return 0, false
}

// Permalink builds the public message link, or "" for channels without a
// username.
func Permalink(username string, id int) string {
	if username == "" {
		return ""
	}
	return "https://t.me/" + username + "/" + strconv.Itoa(id)
}
