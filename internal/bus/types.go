// Package bus defines the message model shared by the ingest fan-in and the
// pipeline, plus the bounded queue that connects them.
package bus

import (
	"context"
	"time"
)

// ChannelClass tells which input list a channel came from.
type ChannelClass string

const (
	// ClassSource is an Arabic-language raw intelligence channel.
	ClassSource ChannelClass = "source"
	// ClassSmart is a Hebrew-language corroboration/commentary channel.
	ClassSmart ChannelClass = "smart"
)

// Message is one normalized ingested unit, produced by the fan-in and
// consumed by the pipeline. Text is already cleaned (NFC, no tashkeel, no
// transport URLs, collapsed whitespace).
type Message struct {
	Text       string
	Channel    string
	Link       string
	MediaID    string
	Class      ChannelClass
	ReceivedAt time.Time
}

// Queue is a bounded FIFO between the fan-in and the pipeline. Push blocks
// when the pipeline falls behind, which gives the readers backpressure.
type Queue struct {
	ch chan Message
}

// NewQueue creates a queue with the given capacity.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Message, size)}
}

// Push enqueues msg, blocking until there is room or ctx is done.
func (q *Queue) Push(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next message. The second return is false when ctx ended
// before a message arrived.
func (q *Queue) Pop(ctx context.Context) (Message, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	}
}

// Len reports the number of queued messages.
func (q *Queue) Len() int { return len(q.ch) }
