// Package lifecycle owns the subscription state machine: tracking a
// streamer lazily on first interest, tearing upstream state down when the
// last subscriber leaves, and absorbing upstream revocations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"tntb/internal/storage"
	"tntb/internal/twitch"
	"tntb/pkg/logx"
	"tntb/pkg/tgui"
)

var (
	ErrUnknownChat      = errors.New("lifecycle: chat is not registered")
	ErrUnknownLogin     = errors.New("lifecycle: no such streamer login")
	ErrAlreadyFollowing = errors.New("lifecycle: chat already subscribed")
	ErrNotFollowing     = errors.New("lifecycle: chat is not subscribed")
	ErrLimitReached     = errors.New("lifecycle: distinct streamer limit reached")

	ErrPictureTooSmall = errors.New("lifecycle: picture narrower than 1000px")
	ErrPicturePortrait = errors.New("lifecycle: picture taller than wide")
)

// minOwnPictureWidth is the floor for user-supplied notification pictures;
// anything narrower renders as a blurry mess in the Telegram preview.
const minOwnPictureWidth = 1000

// Platform is the upstream subscription API; satisfied by *twitch.Client.
type Platform interface {
	GetUserByLogin(ctx context.Context, login string) (twitch.UserInfo, bool, error)
	SubscribeEvent(ctx context.Context, streamerID, eventType string) (string, error)
	UnsubscribeEvent(ctx context.Context, subscriptionID string) error
}

// Notifier delivers revocation notices to affected users; satisfied by
// *telegram.Sender.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, html string, disablePreview bool) error
}

type Manager struct {
	store    *storage.Store
	platform Platform
	notifier Notifier
	log      logx.Logger
}

func NewManager(store *storage.Store, platform Platform, notifier Notifier, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, platform: platform, notifier: notifier, log: log}
}

// Subscribe connects a chat to a streamer by login.
//
// The streamer row and the upstream EventSub subscription are created
// lazily, only when the first chat anywhere subscribes; later subscribers
// attach to the existing row. The owner's distinct-streamer limit is
// checked before any state is created, and a streamer the user already
// follows through another chat never counts twice.
func (m *Manager) Subscribe(ctx context.Context, chatID int64, login string) (storage.Streamer, error) {
	owner, err := m.store.ChatOwner(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Streamer{}, ErrUnknownChat
	}
	if err != nil {
		return storage.Streamer{}, err
	}
	user, err := m.store.GetUser(ctx, owner)
	if err != nil {
		return storage.Streamer{}, err
	}

	info, found, err := m.platform.GetUserByLogin(ctx, login)
	if err != nil {
		return storage.Streamer{}, fmt.Errorf("resolve login %q: %w", login, err)
	}
	if !found {
		return storage.Streamer{}, ErrUnknownLogin
	}

	if user.SubLimit != nil {
		follows, err := m.store.UserFollowsStreamer(ctx, owner, info.ID)
		if err != nil {
			return storage.Streamer{}, err
		}
		if !follows {
			n, err := m.store.UserDistinctStreamerCount(ctx, owner)
			if err != nil {
				return storage.Streamer{}, err
			}
			if int64(n) >= *user.SubLimit {
				return storage.Streamer{}, ErrLimitReached
			}
		}
	}

	st, err := m.store.GetStreamer(ctx, info.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		subID, err := m.platform.SubscribeEvent(ctx, info.ID, twitch.EventStreamOnline)
		if err != nil {
			return storage.Streamer{}, fmt.Errorf("subscribe upstream: %w", err)
		}
		if _, err := m.store.AddStreamer(ctx, info.ID, info.DisplayName, subID); err != nil {
			return storage.Streamer{}, err
		}
		st = storage.Streamer{ID: info.ID, Name: info.DisplayName, SubscriptionID: subID}
		m.log.Info("streamer tracked",
			logx.String("streamer", info.ID), logx.String("login", info.Login))
	case err != nil:
		return storage.Streamer{}, err
	}

	created, err := m.store.Subscribe(ctx, chatID, st.ID)
	if err != nil {
		return storage.Streamer{}, err
	}
	if !created {
		return st, ErrAlreadyFollowing
	}
	m.log.Info("chat subscribed",
		logx.Int64("chat_id", chatID), logx.String("streamer", st.ID))
	return st, nil
}

// Unsubscribe disconnects a chat from a streamer. When that was the last
// subscription anywhere, the streamer row is removed and the upstream
// EventSub subscription is torn down exactly once.
func (m *Manager) Unsubscribe(ctx context.Context, chatID int64, streamerID string) error {
	if _, err := m.store.GetSubscription(ctx, chatID, streamerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFollowing
		}
		return err
	}
	if err := m.store.Unsubscribe(ctx, chatID, streamerID); err != nil {
		return err
	}
	m.log.Info("chat unsubscribed",
		logx.Int64("chat_id", chatID), logx.String("streamer", streamerID))

	n, err := m.store.SubscriberCount(ctx, streamerID)
	if err != nil || n > 0 {
		return err
	}
	return m.dropStreamer(ctx, streamerID, true)
}

// CleanupChats removes chats (e.g. when the bot is kicked or a user is
// deleted) and tears down every streamer that loses its last subscriber as
// a result.
func (m *Manager) CleanupChats(ctx context.Context, chatIDs ...int64) error {
	affected := map[string]bool{}
	for _, chatID := range chatIDs {
		sts, err := m.store.ChatStreamers(ctx, chatID)
		if err != nil {
			return err
		}
		for _, st := range sts {
			affected[st.ID] = true
		}
	}
	if err := m.store.RemoveChats(ctx, chatIDs...); err != nil {
		return err
	}
	for id := range affected {
		n, err := m.store.SubscriberCount(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := m.dropStreamer(ctx, id, true); err != nil {
				m.log.Warn("streamer teardown failed", logx.String("streamer", id), logx.Err(err))
			}
		}
	}
	return nil
}

// Revoke handles an upstream revocation: the subscription is already dead
// on the Twitch side, so local state is dropped without any upstream call
// and every affected user gets a notice. Revocations for untracked
// streamers are ignored.
func (m *Manager) Revoke(ctx context.Context, streamerID, reason string) error {
	st, err := m.store.GetStreamer(ctx, streamerID)
	if errors.Is(err, storage.ErrNotFound) {
		m.log.Info("revocation for untracked streamer", logx.String("streamer", streamerID))
		return nil
	}
	if err != nil {
		return err
	}

	owners, err := m.store.SubscribedUsers(ctx, streamerID)
	if err != nil {
		return err
	}
	if err := m.store.RemoveStreamerSubscriptions(ctx, streamerID); err != nil {
		return err
	}
	if err := m.dropStreamer(ctx, streamerID, false); err != nil {
		return err
	}
	m.log.Warn("subscription revoked upstream",
		logx.String("streamer", streamerID), logx.String("reason", reason),
		logx.Int("affected_users", len(owners)))

	notice := tgui.JoinH("\n",
		tgui.B("Subscription revoked"),
		tgui.Esc(fmt.Sprintf("Twitch dropped notifications for %s (%s).", st.Name, reason)),
		tgui.Esc("Subscribe again if you still want them."),
	).String()
	for _, userID := range owners {
		if err := m.notifier.SendMessage(ctx, userID, notice, true); err != nil {
			m.log.Warn("revocation notice not delivered",
				logx.Int64("user_id", userID), logx.Err(err))
		}
	}
	return nil
}

// dropStreamer removes the streamer row and, when upstream is true, tears
// down its EventSub subscription.
func (m *Manager) dropStreamer(ctx context.Context, streamerID string, upstream bool) error {
	st, err := m.store.GetStreamer(ctx, streamerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.store.RemoveStreamer(ctx, streamerID); err != nil {
		return err
	}
	m.log.Info("streamer untracked", logx.String("streamer", streamerID))
	if !upstream || st.SubscriptionID == "" {
		return nil
	}
	if err := m.platform.UnsubscribeEvent(ctx, st.SubscriptionID); err != nil {
		return fmt.Errorf("unsubscribe upstream: %w", err)
	}
	return nil
}

// SetTemplate stores the per-subscription header template. nil restores
// the default; an empty string disables the header.
func (m *Manager) SetTemplate(ctx context.Context, chatID int64, streamerID string, template *string) error {
	if _, err := m.store.GetSubscription(ctx, chatID, streamerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFollowing
		}
		return err
	}
	return m.store.SetTemplate(ctx, chatID, streamerID, template)
}

// SetPictureMode stores the per-subscription picture mode. A user-supplied
// picture is validated against the landscape/size constraints before the
// file id is persisted.
func (m *Manager) SetPictureMode(ctx context.Context, chatID int64, streamerID string, mode storage.PictureMode, pictureID string, width, height int) error {
	if _, err := m.store.GetSubscription(ctx, chatID, streamerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFollowing
		}
		return err
	}
	if mode == storage.PictureOwn {
		if width < minOwnPictureWidth {
			return ErrPictureTooSmall
		}
		if width < height {
			return ErrPicturePortrait
		}
	} else {
		pictureID = ""
	}
	return m.store.SetPictureMode(ctx, chatID, streamerID, mode, pictureID)
}

// SetRestreamLinks stores the extra footer links for one subscription.
func (m *Manager) SetRestreamLinks(ctx context.Context, chatID int64, streamerID string, links []string) error {
	if _, err := m.store.GetSubscription(ctx, chatID, streamerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFollowing
		}
		return err
	}
	return m.store.SetRestreamLinks(ctx, chatID, streamerID, links)
}
