package kite

import (
	"context"
	"time"
)

// Clock abstracts time so call spacing can be tested deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// CallSpacer enforces a minimum gap between the end of one remote call and
// the start of the next. Calls are serialised: only one runs at a time no
// matter how many sessions share the spacer.
type CallSpacer struct {
	clock Clock
	gap   time.Duration
	slot  chan struct{}

	// last is only touched while holding slot.
	last time.Time
}

func NewCallSpacer(gap time.Duration, clock Clock) *CallSpacer {
	if clock == nil {
		clock = SystemClock
	}
	return &CallSpacer{
		clock: clock,
		gap:   gap,
		slot:  make(chan struct{}, 1),
	}
}

// Do waits for its turn and the remaining spacing, then runs fn. Both
// waits give up when ctx is done.
func (s *CallSpacer) Do(ctx context.Context, fn func() error) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slot }()

	if !s.last.IsZero() {
		if wait := s.gap - s.clock.Now().Sub(s.last); wait > 0 {
			select {
			case <-s.clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	err := fn()
	s.last = s.clock.Now()
	return err
}
