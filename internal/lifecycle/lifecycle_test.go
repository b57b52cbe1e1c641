package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"tntb/internal/storage"
	"tntb/internal/twitch"
	"tntb/pkg/logx"
)

type fakePlatform struct {
	users      map[string]twitch.UserInfo
	subCalls   []string
	unsubCalls []string
	nextSubID  int
}

func (f *fakePlatform) GetUserByLogin(_ context.Context, login string) (twitch.UserInfo, bool, error) {
	u, ok := f.users[login]
	return u, ok, nil
}

func (f *fakePlatform) SubscribeEvent(_ context.Context, streamerID, _ string) (string, error) {
	f.subCalls = append(f.subCalls, streamerID)
	f.nextSubID++
	return fmt.Sprintf("es-%d", f.nextSubID), nil
}

func (f *fakePlatform) UnsubscribeEvent(_ context.Context, subscriptionID string) error {
	f.unsubCalls = append(f.unsubCalls, subscriptionID)
	return nil
}

type fakeNotifier struct {
	notices map[int64]string
}

func (f *fakeNotifier) SendMessage(_ context.Context, chatID int64, html string, _ bool) error {
	if f.notices == nil {
		f.notices = map[int64]string{}
	}
	f.notices[chatID] = html
	return nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Store, *fakePlatform, *fakeNotifier) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	p := &fakePlatform{users: map[string]twitch.UserInfo{
		"pewpew": {ID: "100", Login: "pewpew", DisplayName: "PewPew"},
		"second": {ID: "200", Login: "second", DisplayName: "Second"},
	}}
	n := &fakeNotifier{}
	return NewManager(st, p, n, logx.Nop()), st, p, n
}

func registerChat(t *testing.T, st *storage.Store, userID, chatID int64, limit *int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetUser(ctx, userID); errors.Is(err, storage.ErrNotFound) {
		if err := st.AddUser(ctx, storage.User{ID: userID, SubLimit: limit, Name: fmt.Sprintf("user%d", userID)}); err != nil {
			t.Fatalf("add user: %v", err)
		}
	}
	if _, err := st.AddChat(ctx, chatID, userID); err != nil {
		t.Fatalf("add chat: %v", err)
	}
}

func TestStreamerTrackedOnceAndTornDownOnce(t *testing.T) {
	m, st, p, _ := newTestManager(t)
	ctx := context.Background()
	registerChat(t, st, 1, 11, nil)
	registerChat(t, st, 2, 22, nil)

	if _, err := m.Subscribe(ctx, 11, "pewpew"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := m.Subscribe(ctx, 22, "pewpew"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if len(p.subCalls) != 1 {
		t.Fatalf("upstream subscribed %d times, want 1", len(p.subCalls))
	}

	if err := m.Unsubscribe(ctx, 11, "100"); err != nil {
		t.Fatalf("first unsubscribe: %v", err)
	}
	if len(p.unsubCalls) != 0 {
		t.Fatalf("upstream torn down with a subscriber left: %v", p.unsubCalls)
	}

	if err := m.Unsubscribe(ctx, 22, "100"); err != nil {
		t.Fatalf("last unsubscribe: %v", err)
	}
	if len(p.unsubCalls) != 1 {
		t.Fatalf("upstream torn down %d times, want 1", len(p.unsubCalls))
	}
	if _, err := st.GetStreamer(ctx, "100"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("streamer row survived last unsubscribe: %v", err)
	}
}

func TestSubscribeDuplicateAndUnknown(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	registerChat(t, st, 1, 11, nil)

	if _, err := m.Subscribe(ctx, 11, "pewpew"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe(ctx, 11, "pewpew"); !errors.Is(err, ErrAlreadyFollowing) {
		t.Fatalf("duplicate subscribe err = %v, want ErrAlreadyFollowing", err)
	}
	if _, err := m.Subscribe(ctx, 11, "nobody"); !errors.Is(err, ErrUnknownLogin) {
		t.Fatalf("unknown login err = %v, want ErrUnknownLogin", err)
	}
	if _, err := m.Subscribe(ctx, 404, "pewpew"); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("unknown chat err = %v, want ErrUnknownChat", err)
	}
	if err := m.Unsubscribe(ctx, 11, "200"); !errors.Is(err, ErrNotFollowing) {
		t.Fatalf("unsubscribe without subscription err = %v, want ErrNotFollowing", err)
	}
}

func TestDistinctStreamerLimit(t *testing.T) {
	m, st, p, _ := newTestManager(t)
	ctx := context.Background()
	limit := int64(1)
	registerChat(t, st, 1, 11, &limit)
	registerChat(t, st, 1, 12, &limit) // second chat, same owner

	if _, err := m.Subscribe(ctx, 11, "pewpew"); err != nil {
		t.Fatalf("subscribe within limit: %v", err)
	}
	if _, err := m.Subscribe(ctx, 11, "second"); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("over-limit subscribe err = %v, want ErrLimitReached", err)
	}

	// Same streamer via another chat does not count twice.
	if _, err := m.Subscribe(ctx, 12, "pewpew"); err != nil {
		t.Fatalf("same streamer in second chat: %v", err)
	}

	// No upstream state may exist for the rejected streamer.
	for _, id := range p.subCalls {
		if id == "200" {
			t.Fatal("upstream subscription created for rejected streamer")
		}
	}
}

func TestRevokeDropsStateAndNotifiesOwners(t *testing.T) {
	m, st, p, n := newTestManager(t)
	ctx := context.Background()
	registerChat(t, st, 1, 11, nil)
	registerChat(t, st, 2, 22, nil)

	if _, err := m.Subscribe(ctx, 11, "pewpew"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe(ctx, 22, "pewpew"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.Revoke(ctx, "100", "authorization_revoked"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := st.GetStreamer(ctx, "100"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("streamer row survived revocation: %v", err)
	}
	if n, err := st.SubscriberCount(ctx, "100"); err != nil || n != 0 {
		t.Fatalf("subscriptions survived revocation: n=%d err=%v", n, err)
	}
	if len(p.unsubCalls) != 0 {
		t.Fatalf("upstream teardown attempted after revocation: %v", p.unsubCalls)
	}
	for _, userID := range []int64{1, 2} {
		notice, ok := n.notices[userID]
		if !ok {
			t.Fatalf("user %d got no revocation notice", userID)
		}
		if !strings.Contains(notice, "PewPew") || !strings.Contains(notice, "authorization_revoked") {
			t.Fatalf("notice missing detail: %q", notice)
		}
	}

	// Revoking an untracked streamer is a silent no-op.
	if err := m.Revoke(ctx, "100", "authorization_revoked"); err != nil {
		t.Fatalf("repeat revoke: %v", err)
	}
}

func TestSetPictureModeValidation(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	registerChat(t, st, 1, 11, nil)
	if _, err := m.Subscribe(ctx, 11, "pewpew"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.SetPictureMode(ctx, 11, "100", storage.PictureOwn, "f1", 800, 600); !errors.Is(err, ErrPictureTooSmall) {
		t.Fatalf("narrow picture err = %v, want ErrPictureTooSmall", err)
	}
	if err := m.SetPictureMode(ctx, 11, "100", storage.PictureOwn, "f1", 1000, 1400); !errors.Is(err, ErrPicturePortrait) {
		t.Fatalf("portrait picture err = %v, want ErrPicturePortrait", err)
	}
	if err := m.SetPictureMode(ctx, 11, "100", storage.PictureOwn, "f1", 1920, 1080); err != nil {
		t.Fatalf("valid picture: %v", err)
	}
	sub, err := st.GetSubscription(ctx, 11, "100")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.PictureMode != storage.PictureOwn || sub.PictureID != "f1" {
		t.Fatalf("subscription = %+v, want own picture f1", sub)
	}

	// Switching away from the own picture clears the stored file id.
	if err := m.SetPictureMode(ctx, 11, "100", storage.PictureDisabled, "stale", 0, 0); err != nil {
		t.Fatalf("disable pictures: %v", err)
	}
	sub, _ = st.GetSubscription(ctx, 11, "100")
	if sub.PictureID != "" {
		t.Fatalf("stale picture id kept: %q", sub.PictureID)
	}

	if err := m.SetPictureMode(ctx, 11, "999", storage.PictureDisabled, "", 0, 0); !errors.Is(err, ErrNotFollowing) {
		t.Fatalf("unknown subscription err = %v, want ErrNotFollowing", err)
	}
}

func TestCleanupChatsTearsDownOrphans(t *testing.T) {
	m, st, p, _ := newTestManager(t)
	ctx := context.Background()
	registerChat(t, st, 1, 11, nil)
	registerChat(t, st, 2, 22, nil)

	if _, err := m.Subscribe(ctx, 11, "pewpew"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe(ctx, 22, "pewpew"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe(ctx, 11, "second"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.CleanupChats(ctx, 11); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	// "second" lost its only subscriber, "pewpew" still has chat 22.
	if _, err := st.GetStreamer(ctx, "200"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphaned streamer survived cleanup: %v", err)
	}
	if _, err := st.GetStreamer(ctx, "100"); err != nil {
		t.Fatalf("streamer with live subscriber dropped: %v", err)
	}
	if len(p.unsubCalls) != 1 {
		t.Fatalf("upstream teardowns = %d, want 1", len(p.unsubCalls))
	}
}
