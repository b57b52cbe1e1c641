package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row the caller expects is missing.
	ErrNotFound = errors.New("storage: not found")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// PictureMode selects what media a subscription's notifications carry.
// The raw values are stored in the database and shown to users as-is.
type PictureMode string

const (
	PictureDisabled   PictureMode = "Disabled"
	PictureScreenshot PictureMode = "Stream start screenshot"
	PictureOwn        PictureMode = "Own pic"
)

// User is a Telegram account known to the bot. SubLimit caps how many
// distinct streamers the user may be subscribed to across all owned chats;
// nil means unlimited.
type User struct {
	ID       int64
	SubLimit *int64
	Name     string
}

// Chat is a notification destination owned by a user: the user's direct
// chat or a channel they added the bot to.
type Chat struct {
	ID     int64
	UserID int64
}

// Streamer is a tracked Twitch channel. A row exists iff at least one
// subscription references it; SubscriptionID is the live EventSub
// registration. LastMessage and LastEventAt are the dedup and rate markers.
type Streamer struct {
	ID             string
	Name           string
	SubscriptionID string
	LastMessage    string
	LastEventAt    time.Time
}

// Subscription links a chat to a streamer. Template semantics: nil means
// the default header, empty string suppresses the header entirely.
type Subscription struct {
	ChatID        int64
	StreamerID    string
	Template      *string
	PictureMode   PictureMode
	PictureID     string
	RestreamLinks []string
}
