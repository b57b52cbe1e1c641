package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tntb/internal/storage"
	"tntb/internal/twitch"
	"tntb/pkg/logx"
)

func newTestComposer(t *testing.T, src StreamSource) *Composer {
	t.Helper()
	st := newTestStore(t)
	seedChats(t, st, 10)
	return NewComposer(st, src, logx.Nop())
}

func TestComposeUsesStreamInfo(t *testing.T) {
	c := newTestComposer(t, liveSource())

	now := time.Unix(1700000000, 0).UTC()
	cy, err := c.Compose(context.Background(), testEvent("m1"), 1920, 1080, now)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if cy.Title != "speedrun" || cy.Category != "Metroid" {
		t.Fatalf("got title=%q category=%q", cy.Title, cy.Category)
	}
	want := "https://cdn.example/prev-1920x1080.jpg?ts=1700000000"
	if cy.ThumbnailURL != want {
		t.Fatalf("thumbnail = %q, want %q", cy.ThumbnailURL, want)
	}
}

func TestComposeFallsBackToChannelInfo(t *testing.T) {
	c := newTestComposer(t, &fakeSource{
		streamErr: errors.New("helix 500"),
		channel:   &twitch.ChannelInfo{Title: "rerun", Category: "Retro"},
	})

	now := time.Unix(1700000000, 0).UTC()
	cy, err := c.Compose(context.Background(), testEvent("m1"), 640, 360, now)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if cy.Title != "rerun" || cy.Category != "Retro" {
		t.Fatalf("got title=%q category=%q", cy.Title, cy.Category)
	}
	if !strings.HasPrefix(cy.ThumbnailURL, "https://static-cdn.jtvnw.net/previews-ttv/live_user_pewpew-640x360.jpg") {
		t.Fatalf("thumbnail not synthesized from CDN pattern: %q", cy.ThumbnailURL)
	}
}

func TestComposeSurvivesEmptyUpstream(t *testing.T) {
	c := newTestComposer(t, &fakeSource{})

	cy, err := c.Compose(context.Background(), testEvent("m1"), 1920, 1080, time.Now())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if cy.Title != "" || cy.Category != "" {
		t.Fatalf("expected empty details, got title=%q category=%q", cy.Title, cy.Category)
	}
	if cy.ThumbnailURL == "" {
		t.Fatal("expected synthesized thumbnail URL")
	}

	body := cy.Render(storage.Subscription{PictureMode: storage.PictureDisabled})
	if strings.Contains(body, "●") || strings.Contains(body, "○") {
		t.Fatalf("details block rendered despite missing info: %q", body)
	}
	if !strings.Contains(body, "twitch.tv/pewpew") {
		t.Fatalf("footer missing channel link: %q", body)
	}
}

func TestComposePersistsRenamedStreamer(t *testing.T) {
	st := newTestStore(t)
	seedChats(t, st, 10)
	c := NewComposer(st, liveSource(), logx.Nop())

	ev := testEvent("m1")
	ev.Name = "PewPewRenamed"
	if _, err := c.Compose(context.Background(), ev, 1920, 1080, time.Now()); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	got, err := st.GetStreamer(context.Background(), testStreamerID)
	if err != nil {
		t.Fatalf("get streamer: %v", err)
	}
	if got.Name != "PewPewRenamed" {
		t.Fatalf("stored name = %q, want %q", got.Name, "PewPewRenamed")
	}
}
