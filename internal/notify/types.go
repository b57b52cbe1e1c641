package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tntb/internal/telegram"
	"tntb/internal/twitch"
)

var (
	// ErrDuplicate and ErrTooSoon are expected control flow, not failures:
	// the caller drops the event silently.
	ErrDuplicate = errors.New("notify: duplicate event message")
	ErrTooSoon   = errors.New("notify: delay window not elapsed")

	// ErrUnknownStreamer means an event arrived for a streamer we no longer
	// track (e.g. raced with an unsubscribe).
	ErrUnknownStreamer = errors.New("notify: streamer not tracked")
)

// Event is a verified stream.online notification, as extracted from the
// EventSub payload by the ingress gate.
type Event struct {
	StreamerID string
	Login      string
	Name       string
	MessageID  string
}

// StreamSource provides live-stream metadata; satisfied by *twitch.Client.
type StreamSource interface {
	GetStreamInfo(ctx context.Context, streamerID string) (*twitch.StreamInfo, error)
	GetChannelInfo(ctx context.Context, streamerID string) (*twitch.ChannelInfo, error)
}

// Sender is the outbound messaging channel; satisfied by *telegram.Sender.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, html string, disablePreview bool) error
	SendPhoto(ctx context.Context, chatID int64, photo telegram.Photo, captionHTML string) (string, error)
}

// Config controls one dispatcher instance.
//
// MaxCycles is fixed at construction (the gate is stateful); the other
// fields may change on config reload via Apply.
type Config struct {
	// MinDelay suppresses a second fan-out for the same streamer within
	// the window.
	MinDelay time.Duration

	// SendPause paces consecutive sends inside a cycle.
	SendPause time.Duration

	// MaxCycles caps concurrently running dispatch cycles process-wide.
	MaxCycles int

	ThumbnailWidth  int
	ThumbnailHeight int

	// OwnerChatID receives aggregated failure reports; 0 disables them.
	OwnerChatID int64

	// Quiet suppresses operator reports for unhandled cycle errors
	// (used in development environments).
	Quiet bool
}

// atomicConfig gives lock-free snapshot reads on the hot dispatch path.
type atomicConfig struct {
	v atomic.Value
}

func (a *atomicConfig) load() Config   { return a.v.Load().(Config) }
func (a *atomicConfig) store(c Config) { a.v.Store(c) }
