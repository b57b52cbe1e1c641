package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGuardWindowReopensAfterElapse(t *testing.T) {
	st := newTestStore(t)
	seedChats(t, st, 10)
	ctx := context.Background()
	const minDelay = 10 * time.Minute

	t0 := time.Unix(1700000000, 0).UTC()
	if err := guardCheck(ctx, st, testStreamerID, "m1", minDelay, t0); err != nil {
		t.Fatalf("first event: %v", err)
	}

	// Rejected, but the marker still moves to t1.
	t1 := t0.Add(time.Minute)
	if err := guardCheck(ctx, st, testStreamerID, "m2", minDelay, t1); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("second event err = %v, want ErrTooSoon", err)
	}

	// The window runs from the rejected t1, not from the accepted t0.
	t2 := t1.Add(minDelay - time.Second)
	if err := guardCheck(ctx, st, testStreamerID, "m3", minDelay, t2); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("third event err = %v, want ErrTooSoon", err)
	}

	// Once the window from the last rejected event elapses, the next
	// event goes through.
	t3 := t2.Add(minDelay + time.Second)
	if err := guardCheck(ctx, st, testStreamerID, "m4", minDelay, t3); err != nil {
		t.Fatalf("event after elapsed window: %v", err)
	}
}

func TestGuardDuplicateBeatsRateCheck(t *testing.T) {
	st := newTestStore(t)
	seedChats(t, st, 10)
	ctx := context.Background()

	t0 := time.Unix(1700000000, 0).UTC()
	if err := guardCheck(ctx, st, testStreamerID, "m1", time.Minute, t0); err != nil {
		t.Fatalf("first event: %v", err)
	}

	// A replay far outside the delay window is still a duplicate.
	if err := guardCheck(ctx, st, testStreamerID, "m1", time.Minute, t0.Add(time.Hour)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replayed event err = %v, want ErrDuplicate", err)
	}
}
