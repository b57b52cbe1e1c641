package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tntb/internal/storage"
)

// guardCheck runs the dedup and rate checks against the streamer's stored
// markers. Both checks happen before any outbound network call, and each
// check-then-update is a single transaction so overlapping deliveries for
// the same streamer cannot both pass.
//
// The rate marker is overwritten with now even when the event is rejected
// as too soon, so a rejected burst keeps extending the window.
func guardCheck(ctx context.Context, store *storage.Store, streamerID, messageID string, minDelay time.Duration, now time.Time) error {
	dup, err := store.CheckDuplicateMessage(ctx, streamerID, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownStreamer
	}
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return ErrDuplicate
	}

	prev, err := store.SwapLastEventTime(ctx, streamerID, now)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownStreamer
	}
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if now.Sub(prev) < minDelay {
		return ErrTooSoon
	}
	return nil
}
