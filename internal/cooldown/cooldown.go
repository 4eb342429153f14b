// Package cooldown rate-limits named operations across processes by storing
// the time of each operation's last run.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/index-queue/internal/options"
)

const keyPrefix = "cooldown:"

type lastRun struct {
	At time.Time `json:"at"`
}

// Guard checks and records operation runs against a persisted store
type Guard struct {
	store options.Store
	now   func() time.Time
}

// New creates a Guard backed by store
func New(store options.Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

// WithClock returns a copy of the guard using now as its time source
func (g *Guard) WithClock(now func() time.Time) *Guard {
	return &Guard{store: g.store, now: now}
}

// Key returns the option name holding op's last run
func Key(op string) string {
	return keyPrefix + op
}

// IsAllowed reports whether op may run given the cooldown. An operation that has
// never run, or a non-positive cooldown, is always allowed.
func (g *Guard) IsAllowed(ctx context.Context, op string, cooldown time.Duration) (bool, error) {
	remaining, err := g.Remaining(ctx, op, cooldown)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// Remaining returns how long op must still wait, or zero when it may run now
func (g *Guard) Remaining(ctx context.Context, op string, cooldown time.Duration) (time.Duration, error) {
	if cooldown <= 0 {
		return 0, nil
	}

	var last lastRun
	found, err := g.store.Get(ctx, Key(op), &last)
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown for %s: %w", op, err)
	}
	if !found {
		return 0, nil
	}

	elapsed := g.now().Sub(last.At)
	if elapsed >= cooldown {
		return 0, nil
	}
	return cooldown - elapsed, nil
}

// RecordRun stamps op as having run now
func (g *Guard) RecordRun(ctx context.Context, op string) error {
	if err := g.store.Set(ctx, Key(op), lastRun{At: g.now().UTC()}); err != nil {
		return fmt.Errorf("failed to record run for %s: %w", op, err)
	}
	return nil
}

// LastRun returns when op last ran, or the zero time if never
func (g *Guard) LastRun(ctx context.Context, op string) (time.Time, error) {
	var last lastRun
	found, err := g.store.Get(ctx, Key(op), &last)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cooldown for %s: %w", op, err)
	}
	if !found {
		return time.Time{}, nil
	}
	return last.At, nil
}
