package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Bot is the Bot-API-backed transport. It serves as the send-capable
// identity (Sender) and as a realtime-only Session: the Bot API delivers
// channel posts over long polling but exposes no history iteration, so
// History reports ErrHistoryUnsupported and the fan-in's polling scanner
// skips this session.
type Bot struct {
	bot    *telego.Bot
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler // channel username (lowercase) -> handler

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewBot connects a Bot transport with the given Bot API token.
func NewBot(token, name string, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Bot{
		bot:      bot,
		name:     name,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

func (b *Bot) Name() string { return b.name }

// Join is managed out of band for bots: an admin adds the bot account to
// each watched channel.
func (b *Bot) Join(ctx context.Context, channel string) error {
	return ErrJoinUnsupported
}

// Subscribe registers h for realtime posts on the given channel usernames.
func (b *Bot) Subscribe(channels []string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		b.handlers[strings.ToLower(ch)] = h
	}
}

// Start begins long polling for channel posts. It returns after the polling
// goroutine is running; Close (or ctx) shuts it down.
func (b *Bot) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"channel_post", "message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	b.logger.Info("transport: session connected", "session", b.name)

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					b.logger.Info("transport: updates channel closed", "session", b.name)
					return
				}
				msg := update.ChannelPost
				if msg == nil {
					msg = update.Message
				}
				if msg == nil {
					continue
				}
				b.deliver(msg)
			}
		}
	}()
	return nil
}

func (b *Bot) deliver(msg *telego.Message) {
	username := strings.ToLower(msg.Chat.Username)
	b.mu.Lock()
	h, ok := b.handlers[username]
	b.mu.Unlock()
	if !ok {
		return
	}
	h(fromTelego(msg))
}

// History is unavailable over the Bot API.
func (b *Bot) History(ctx context.Context, channel string, minID, limit int) ([]Message, error) {
	return nil, ErrHistoryUnsupported
}

// Close stops long polling and waits for the poll goroutine to exit.
func (b *Bot) Close() error {
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			b.logger.Warn("transport: polling goroutine did not exit within timeout", "session", b.name)
		}
	}
	return nil
}

// SendText posts text to a numeric chat id with link previews disabled.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	params := tu.Message(tu.ID(chatID), text)
	params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	if _, err := b.bot.SendMessage(ctx, params); err != nil {
		return wrapAPIError(err)
	}
	return nil
}

// Forward copies a watched message (media included) into chatID under the
// given caption, falling back to a plain text send when copying fails.
func (b *Bot) Forward(ctx context.Context, chatID int64, msg Message, caption string) error {
	_, err := b.bot.CopyMessage(ctx, &telego.CopyMessageParams{
		ChatID:     tu.ID(chatID),
		FromChatID: tu.ID(msg.ChatID),
		MessageID:  msg.ID,
		Caption:    caption,
	})
	if err == nil {
		return nil
	}
	err = wrapAPIError(err)
	if _, flood := AsFloodWait(err); flood {
		return err
	}
	b.logger.Warn("transport: copy failed, sending caption only", "error", err)
	return b.SendText(ctx, chatID, caption)
}

func fromTelego(msg *telego.Message) Message {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	out := Message{
		ID:           msg.MessageID,
		ChatID:       msg.Chat.ID,
		ChatUsername: msg.Chat.Username,
		Text:         text,
		Date:         time.Unix(msg.Date, 0),
		GroupedID:    msg.MediaGroupID,
		FromBot:      msg.ViaBot != nil,
	}
	switch {
	case len(msg.Photo) > 0:
		out.MediaID = "photo:" + msg.Photo[len(msg.Photo)-1].FileUniqueID
	case msg.Video != nil:
		out.MediaID = "video:" + msg.Video.FileUniqueID
	case msg.Document != nil:
		out.MediaID = "doc:" + msg.Document.FileUniqueID
	}
	return out
}

// wrapAPIError converts Bot API 429 responses into the FloodWait signal the
// scanner understands.
func wrapAPIError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return &FloodWait{Duration: time.Duration(apiErr.Parameters.RetryAfter) * time.Second}
	}
	return err
}

var (
	_ Session = (*Bot)(nil)
	_ Sender  = (*Bot)(nil)
)
