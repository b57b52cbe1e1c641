package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tntb/internal/storage"
	"tntb/pkg/logx"
	"tntb/pkg/tgui"
)

// fallbackThumbnailURL is the CDN pattern used when helix returns no
// stream info (common right after going live, before helix catches up).
const fallbackThumbnailURL = "https://static-cdn.jtvnw.net/previews-ttv/live_user_%s-{width}x{height}.jpg"

// Composer turns an event plus upstream metadata into per-chat messages.
type Composer struct {
	store    *storage.Store
	platform StreamSource
	log      logx.Logger
}

func NewComposer(store *storage.Store, platform StreamSource, log logx.Logger) *Composer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Composer{store: store, platform: platform, log: log}
}

// Cycle is the composed, chat-independent part of one fan-out: stream
// details and the resolved thumbnail URL. Per-chat rendering happens in
// Render so each subscription keeps its own template and footer links.
type Cycle struct {
	Event        Event
	Title        string
	Category     string
	ThumbnailURL string
}

// Compose resolves the streamer's display name and stream details.
//
// Name resolution prefers the name carried on the event; a changed name is
// persisted so menus and revocation notices stay current. Details degrade
// gracefully: live stream info, then channel info, then nothing, with the
// thumbnail synthesized from the CDN pattern whenever helix gave none.
func (c *Composer) Compose(ctx context.Context, ev Event, width, height int, now time.Time) (*Cycle, error) {
	st, err := c.store.GetStreamer(ctx, ev.StreamerID)
	if err != nil {
		return nil, err
	}
	if ev.Name == "" {
		ev.Name = st.Name
	} else if ev.Name != st.Name {
		if err := c.store.UpdateStreamerName(ctx, ev.StreamerID, ev.Name); err != nil {
			c.log.Warn("streamer name update failed", logx.String("streamer", ev.StreamerID), logx.Err(err))
		}
	}

	cy := &Cycle{Event: ev}

	info, err := c.platform.GetStreamInfo(ctx, ev.StreamerID)
	if err != nil {
		c.log.Warn("stream info fetch failed", logx.String("streamer", ev.StreamerID), logx.Err(err))
	}
	if info != nil {
		cy.Title = info.Title
		cy.Category = info.Category
		cy.ThumbnailURL = thumbnailURL(info.ThumbnailURL, ev.Login, width, height, now)
		return cy, nil
	}

	channel, err := c.platform.GetChannelInfo(ctx, ev.StreamerID)
	if err != nil {
		c.log.Warn("channel info fetch failed", logx.String("streamer", ev.StreamerID), logx.Err(err))
	}
	if channel != nil {
		cy.Title = channel.Title
		cy.Category = channel.Category
	}
	cy.ThumbnailURL = thumbnailURL("", ev.Login, width, height, now)
	return cy, nil
}

// ComposeTest builds a cycle for the "test notification" flow: channel
// info with placeholder title/category when the channel has none, and the
// synthesized thumbnail.
func (c *Composer) ComposeTest(ctx context.Context, st storage.Streamer, width, height int, now time.Time) *Cycle {
	cy := &Cycle{
		Event: Event{
			StreamerID: st.ID,
			Login:      strings.ToLower(st.Name),
			Name:       st.Name,
		},
		Title:    "My awesome test stream title",
		Category: "Just Chatting",
	}
	channel, err := c.platform.GetChannelInfo(ctx, st.ID)
	if err != nil {
		c.log.Warn("channel info fetch failed", logx.String("streamer", st.ID), logx.Err(err))
	}
	if channel != nil {
		if channel.Title != "" {
			cy.Title = channel.Title
		}
		if channel.Category != "" {
			cy.Category = channel.Category
		}
	}
	cy.ThumbnailURL = thumbnailURL("", cy.Event.Login, width, height, now)
	return cy
}

// thumbnailURL fills the helix {width}x{height} template (synthesizing the
// CDN pattern when tmpl is empty) and appends the event timestamp so a
// repeated cycle does not hit a CDN-cached frame from the previous stream.
func thumbnailURL(tmpl, login string, width, height int, now time.Time) string {
	if tmpl == "" {
		tmpl = fmt.Sprintf(fallbackThumbnailURL, login)
	}
	u := strings.NewReplacer(
		"{width}", fmt.Sprint(width),
		"{height}", fmt.Sprint(height),
	).Replace(tmpl)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "ts=" + fmt.Sprint(now.Unix())
}

// Render produces the HTML message body for one subscription:
// bold header (templated), details block, bold footer with the canonical
// channel link followed by the subscription's restream links.
func (cy *Cycle) Render(sub storage.Subscription) string {
	header := RenderHeader(sub.Template, cy.Event.Name)

	var details strings.Builder
	if cy.Title != "" {
		details.WriteString("\n● ")
		details.WriteString(cy.Title)
	}
	if cy.Category != "" {
		details.WriteString("\n○ ")
		details.WriteString(cy.Category)
	}
	if details.Len() > 0 {
		details.WriteString("\n")
	}

	footerLines := make([]tgui.H, 0, 1+len(sub.RestreamLinks))
	footerLines = append(footerLines, tgui.Esc("twitch.tv/"+cy.Event.Login))
	for _, link := range sub.RestreamLinks {
		footerLines = append(footerLines, tgui.Esc(link))
	}
	footer := tgui.BH(tgui.JoinH("\n", footerLines...))

	var b strings.Builder
	if header != "" {
		b.WriteString(tgui.B(header).String())
	}
	b.WriteString("\n")
	b.WriteString(tgui.Esc(details.String()).String())
	b.WriteString("\n")
	b.WriteString(footer.String())
	return b.String()
}
