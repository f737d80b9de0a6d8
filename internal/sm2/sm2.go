// Package sm2 schedules flashcard reviews with a deterministic variant of
// the SuperMemo-2 algorithm.
package sm2

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultEaseFactor is the ease factor of a card that has never been rated.
	DefaultEaseFactor = 2.5
	// MinEaseFactor is the floor applied after every update.
	MinEaseFactor = 1.3
	// FirstInterval is the interval after the first success in a streak.
	FirstInterval = 1
	// SecondInterval is the interval after the second consecutive success.
	SecondInterval = 6
)

// ReviewState is the scheduling state of one card for one learner.
type ReviewState struct {
	EaseFactor  float64
	Interval    int // days; 0 only before the first rating
	Repetitions int // consecutive successful recalls
	DueDate     time.Time
}

// NewState returns the state assumed for a card with no stored review.
func NewState() ReviewState {
	return ReviewState{EaseFactor: DefaultEaseFactor}
}

// Reviewed reports whether the card has been rated at least once.
func (s ReviewState) Reviewed() bool {
	return s.Interval >= 1
}

// ComputeNextReview applies one rating to the prior state and returns the
// new state, due interval days after now.
func ComputeNextReview(q Quality, repetitions int, easeFactor float64, interval int, now time.Time) (ReviewState, error) {
	if !q.IsValid() {
		return ReviewState{}, fmt.Errorf("%w: %d", ErrInvalidQuality, int(q))
	}
	if repetitions < 0 || interval < 0 {
		return ReviewState{}, fmt.Errorf("%w: repetitions=%d interval=%d", ErrInvalidState, repetitions, interval)
	}
	if math.IsNaN(easeFactor) || easeFactor < MinEaseFactor {
		return ReviewState{}, fmt.Errorf("%w: ease factor %v below %v", ErrInvalidState, easeFactor, MinEaseFactor)
	}

	next := ReviewState{}
	if !q.Passed() {
		next.Repetitions = 0
		next.Interval = FirstInterval
	} else {
		switch repetitions {
		case 0:
			next.Interval = FirstInterval
		case 1:
			next.Interval = SecondInterval
		default:
			// Previous interval and previous ease factor.
			next.Interval = max(FirstInterval, int(math.Round(float64(interval)*easeFactor)))
		}
		next.Repetitions = repetitions + 1
	}

	next.EaseFactor = nextEaseFactor(easeFactor, q)
	next.DueDate = now.AddDate(0, 0, next.Interval)
	return next, nil
}

func nextEaseFactor(ef float64, q Quality) float64 {
	d := float64(MaxQuality - q)
	return math.Max(MinEaseFactor, ef+(0.1-d*(0.08+d*0.02)))
}

// Scheduler computes review states against an injected clock.
type Scheduler struct {
	now func() time.Time
}

// NewScheduler returns a Scheduler reading the time from now, or from
// time.Now when now is nil.
func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Review rates a card. A nil prev is treated as NewState().
func (s *Scheduler) Review(prev *ReviewState, q Quality) (ReviewState, error) {
	cur := NewState()
	if prev != nil {
		cur = *prev
	}
	return ComputeNextReview(q, cur.Repetitions, cur.EaseFactor, cur.Interval, s.now())
}

// IsDue reports whether a card should be presented at now: it has no state,
// has never been rated, or its due date is not after now.
func IsDue(state *ReviewState, now time.Time) bool {
	if state == nil || !state.Reviewed() {
		return true
	}
	return !state.DueDate.After(now)
}
