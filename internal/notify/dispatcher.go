package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"tntb/internal/storage"
	"tntb/internal/telegram"
	"tntb/pkg/logx"
	"tntb/pkg/tgui"
)

// Dispatcher drives one fan-out cycle per verified stream.online event.
//
// Cycles for distinct streamers may overlap, bounded by a process-wide
// semaphore so the bot stays under Telegram's aggregate send ceiling; the
// chat loop inside one cycle is strictly sequential with fixed pacing.
type Dispatcher struct {
	store    *storage.Store
	sender   Sender
	composer *Composer
	log      logx.Logger

	// sem caps concurrently running cycles; capacity is fixed for the
	// process lifetime (resizing a semaphore with holders is not worth
	// the complexity; max_cycles changes need a restart).
	sem *semaphore.Weighted

	cfg atomicConfig
}

func NewDispatcher(cfg Config, store *storage.Store, sender Sender, composer *Composer, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 20
	}
	d := &Dispatcher{
		store:    store,
		sender:   sender,
		composer: composer,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.MaxCycles)),
	}
	d.cfg.store(cfg)
	return d
}

// Apply updates the reloadable knobs (delay window, pacing, owner chat).
func (d *Dispatcher) Apply(cfg Config) {
	cur := d.cfg.load()
	cfg.MaxCycles = cur.MaxCycles
	d.cfg.store(cfg)
}

// Dispatch runs one full cycle: guard, compose, fan-out, report. It is
// meant to be called in a goroutine detached from the webhook response and
// never panics or returns an error to its caller; everything is handled
// inside (logged, and reported to the operator unless quiet).
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	cfg := d.cfg.load()
	log := d.log.With(
		logx.String("streamer", ev.StreamerID),
		logx.String("login", ev.Login),
		logx.String("message_id", ev.MessageID),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch cycle panicked", logx.Any("panic", r))
			d.reportOperator(ctx, cfg, fmt.Sprintf("NOTIFICATION CYCLE PANIC\nstreamer %s (%s)\n%v", ev.Name, ev.StreamerID, r))
		}
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		log.Warn("dispatch gate closed", logx.Err(err))
		return
	}
	defer d.sem.Release(1)

	// The guard runs before any outbound call: rejects are cheap and
	// race-free against overlapping deliveries for the same streamer.
	now := time.Now().UTC()
	switch err := guardCheck(ctx, d.store, ev.StreamerID, ev.MessageID, cfg.MinDelay, now); {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		log.Info("event dropped: duplicate message id")
		return
	case errors.Is(err, ErrTooSoon):
		log.Info("event dropped: inside delay window", logx.Duration("min_delay", cfg.MinDelay))
		return
	case errors.Is(err, ErrUnknownStreamer):
		log.Warn("event for untracked streamer")
		return
	default:
		log.Error("guard check failed", logx.Err(err))
		d.reportOperator(ctx, cfg, fmt.Sprintf("NOTIFICATION GUARD ERROR\nstreamer %s (%s)\n%v", ev.Name, ev.StreamerID, err))
		return
	}

	cy, err := d.composer.Compose(ctx, ev, cfg.ThumbnailWidth, cfg.ThumbnailHeight, now)
	if err != nil {
		log.Error("compose failed", logx.Err(err))
		d.reportOperator(ctx, cfg, fmt.Sprintf("NOTIFICATION COMPOSE ERROR\nstreamer %s (%s)\n%v", ev.Name, ev.StreamerID, err))
		return
	}

	subs, err := d.store.SubscribedChats(ctx, ev.StreamerID)
	if err != nil {
		log.Error("subscriber query failed", logx.Err(err))
		d.reportOperator(ctx, cfg, fmt.Sprintf("NOTIFICATION FANOUT ERROR\nstreamer %s (%s)\n%v", ev.Name, ev.StreamerID, err))
		return
	}
	log.Info("fan-out started", logx.Int("chats", len(subs)))

	// Pacing: one token per SendPause, so consecutive sends (successful or
	// not) are spaced out while the first goes immediately.
	limiter := rate.NewLimiter(rate.Every(cfg.SendPause), 1)
	cache := &mediaCache{}
	failures := map[int64]error{}

	for _, sub := range subs {
		if err := limiter.Wait(ctx); err != nil {
			log.Warn("fan-out aborted", logx.Err(err))
			break
		}
		if err := d.sendOne(ctx, cy, sub, cache); err != nil {
			failures[sub.ChatID] = err
			log.Warn("send failed", logx.Int64("chat_id", sub.ChatID), logx.Err(err))
		}
	}

	if len(failures) > 0 {
		d.reportFailures(ctx, cfg, cy, failures)
	}
	log.Info("fan-out finished", logx.Int("chats", len(subs)), logx.Int("failed", len(failures)))
}

// sendOne delivers to a single chat according to that chat's own picture
// mode and template.
func (d *Dispatcher) sendOne(ctx context.Context, cy *Cycle, sub storage.Subscription, cache *mediaCache) error {
	body := cy.Render(sub)

	switch sub.PictureMode {
	case storage.PictureScreenshot:
		if fileID, ok := cache.get(); ok {
			_, err := d.sender.SendPhoto(ctx, sub.ChatID, telegram.Photo{FileID: fileID}, body)
			return err
		}
		fileID, err := d.sender.SendPhoto(ctx, sub.ChatID, telegram.Photo{URL: cy.ThumbnailURL}, body)
		if err != nil {
			return err
		}
		cache.put(fileID)
		return nil

	case storage.PictureOwn:
		if sub.PictureID != "" {
			_, err := d.sender.SendPhoto(ctx, sub.ChatID, telegram.Photo{FileID: sub.PictureID}, body)
			return err
		}
		fallthrough

	case storage.PictureDisabled:
		return d.sender.SendMessage(ctx, sub.ChatID, body, true)

	default:
		d.log.Warn("unknown picture mode; skipping chat",
			logx.Int64("chat_id", sub.ChatID), logx.String("mode", string(sub.PictureMode)))
		return nil
	}
}

// SendTest composes and delivers a synthetic notification for one
// subscription, so users can preview their template and picture mode. The
// error goes back to the caller (the conversational layer answers the
// requesting chat).
func (d *Dispatcher) SendTest(ctx context.Context, chatID int64, streamerID string) error {
	cfg := d.cfg.load()

	st, err := d.store.GetStreamer(ctx, streamerID)
	if err != nil {
		return err
	}
	sub, err := d.store.GetSubscription(ctx, chatID, streamerID)
	if err != nil {
		return err
	}

	cy := d.composer.ComposeTest(ctx, st, cfg.ThumbnailWidth, cfg.ThumbnailHeight, time.Now().UTC())
	return d.sendOne(ctx, cy, sub, &mediaCache{})
}

// reportFailures sends one aggregated error report per cycle to the
// operator chat. Its own failure is swallowed: reporting must never take
// the cycle down.
func (d *Dispatcher) reportFailures(ctx context.Context, cfg Config, cy *Cycle, failures map[int64]error) {
	if cfg.OwnerChatID == 0 {
		return
	}

	ids := make([]int64, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	lines := make([]tgui.H, 0, len(ids)+1)
	lines = append(lines, tgui.BH(tgui.Esc(fmt.Sprintf("NOTIFICATION ERRORS: %s (%s)", cy.Event.Name, cy.Event.StreamerID))))
	for _, id := range ids {
		lines = append(lines, tgui.Esc(fmt.Sprintf("● chat %d: %v", id, failures[id])))
	}

	if err := d.sender.SendMessage(ctx, cfg.OwnerChatID, tgui.JoinH("\n", lines...).String(), true); err != nil {
		d.log.Warn("failure report not delivered", logx.Err(err))
	}
}

func (d *Dispatcher) reportOperator(ctx context.Context, cfg Config, text string) {
	if cfg.Quiet || cfg.OwnerChatID == 0 {
		return
	}
	if err := d.sender.SendMessage(ctx, cfg.OwnerChatID, tgui.Esc(text).String(), true); err != nil {
		d.log.Warn("operator report not delivered", logx.Err(err))
	}
}
