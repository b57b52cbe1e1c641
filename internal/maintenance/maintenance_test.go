package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tntb/internal/storage"
	"tntb/pkg/logx"
)

type fakePlatform struct {
	names      map[string]string
	unsubCalls []string
}

func (f *fakePlatform) GetUsersByID(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if name, ok := f.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

func (f *fakePlatform) UnsubscribeEvent(_ context.Context, subscriptionID string) error {
	f.unsubCalls = append(f.unsubCalls, subscriptionID)
	return nil
}

func newTestService(t *testing.T, names map[string]string) (*Service, *storage.Store, *fakePlatform) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	p := &fakePlatform{names: names}
	return New(st, p, logx.Nop()), st, p
}

func TestRefreshNames(t *testing.T) {
	svc, st, _ := newTestService(t, map[string]string{
		"100": "PewPewRenamed",
		"200": "Second",
	})
	ctx := context.Background()
	if _, err := st.AddStreamer(ctx, "100", "PewPew", "es-1"); err != nil {
		t.Fatalf("add streamer: %v", err)
	}
	if _, err := st.AddStreamer(ctx, "200", "Second", "es-2"); err != nil {
		t.Fatalf("add streamer: %v", err)
	}
	if _, err := st.AddStreamer(ctx, "300", "Vanished", "es-3"); err != nil {
		t.Fatalf("add streamer: %v", err)
	}

	if err := svc.RefreshNames(ctx); err != nil {
		t.Fatalf("RefreshNames: %v", err)
	}

	for id, want := range map[string]string{"100": "PewPewRenamed", "200": "Second", "300": "Vanished"} {
		got, err := st.GetStreamer(ctx, id)
		if err != nil {
			t.Fatalf("get streamer %s: %v", id, err)
		}
		if got.Name != want {
			t.Fatalf("streamer %s name = %q, want %q", id, got.Name, want)
		}
	}
}

func TestSweepOrphans(t *testing.T) {
	svc, st, p := newTestService(t, nil)
	ctx := context.Background()

	if err := st.AddUser(ctx, storage.User{ID: 1, Name: "owner"}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if _, err := st.AddChat(ctx, 11, 1); err != nil {
		t.Fatalf("add chat: %v", err)
	}
	if _, err := st.AddStreamer(ctx, "100", "Kept", "es-1"); err != nil {
		t.Fatalf("add streamer: %v", err)
	}
	if _, err := st.Subscribe(ctx, 11, "100"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := st.AddStreamer(ctx, "200", "Orphan", "es-2"); err != nil {
		t.Fatalf("add streamer: %v", err)
	}

	if err := svc.SweepOrphans(ctx); err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}

	if _, err := st.GetStreamer(ctx, "200"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphan survived sweep: %v", err)
	}
	if _, err := st.GetStreamer(ctx, "100"); err != nil {
		t.Fatalf("subscribed streamer swept: %v", err)
	}
	if len(p.unsubCalls) != 1 || p.unsubCalls[0] != "es-2" {
		t.Fatalf("upstream teardowns = %v, want [es-2]", p.unsubCalls)
	}
}
