package twitch

// Config carries the helix credentials and webhook callback identity.
type Config struct {
	ClientID     string
	ClientSecret string

	// WebhookSecret is handed to EventSub on subscribe; Twitch signs every
	// delivery with it.
	WebhookSecret string

	// Domain is the public host of the webhook callback (no scheme).
	Domain string
}

// UserInfo is a helix users row reduced to what the bot needs.
type UserInfo struct {
	ID          string
	Login       string
	DisplayName string
}

// StreamInfo describes a live stream. ThumbnailURL is a template with
// literal {width} and {height} placeholders, as helix returns it.
type StreamInfo struct {
	Title        string
	Category     string
	ThumbnailURL string
}

// ChannelInfo is the offline fallback: last title/category without a
// thumbnail.
type ChannelInfo struct {
	Title    string
	Category string
}

// EventStreamOnline is the EventSub subscription type the bot registers.
const EventStreamOnline = "stream.online"
