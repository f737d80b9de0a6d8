// Package review runs study sessions: it picks due cards and records
// ratings through the SM-2 scheduler.
package review

import (
	"context"
	"fmt"
	"sort"

	"github.com/conorfennell/flashdeck/internal/logger"
	"github.com/conorfennell/flashdeck/internal/sm2"
	"github.com/conorfennell/flashdeck/internal/storage"
)

// Store is the persistence the service needs.
type Store interface {
	ApplyReview(ctx context.Context, r storage.Rating, compute func(prev *sm2.ReviewState) (sm2.ReviewState, error)) (sm2.ReviewState, error)
	ListStudyCards(learner string) ([]storage.StudyCard, error)
}

// Service schedules reviews for learners.
type Service struct {
	store Store
	sched *sm2.Scheduler
	log   *logger.Logger
}

// NewService returns a Service backed by store and sched.
func NewService(store Store, sched *sm2.Scheduler, log *logger.Logger) *Service {
	return &Service{store: store, sched: sched, log: log}
}

// Summary counts a learner's cards at a point in time.
type Summary struct {
	Total   int
	Due     int
	New     int
	Learned int // rated at least once and not yet due
}

// Rate records a rating of a card and returns the new review state.
func (s *Service) Rate(ctx context.Context, learner, hash string, q sm2.Quality) (sm2.ReviewState, error) {
	if !q.IsValid() {
		return sm2.ReviewState{}, fmt.Errorf("%w: %d", sm2.ErrInvalidQuality, int(q))
	}

	now := s.sched.Now()
	var prev sm2.ReviewState
	next, err := s.store.ApplyReview(ctx, storage.Rating{CardHash: hash, Learner: learner, Quality: int(q), At: now},
		func(cur *sm2.ReviewState) (sm2.ReviewState, error) {
			prev = sm2.NewState()
			if cur != nil {
				prev = *cur
			}
			return sm2.ComputeNextReview(q, prev.Repetitions, prev.EaseFactor, prev.Interval, now)
		})
	if err != nil {
		return sm2.ReviewState{}, err
	}

	s.log.Info("card rated",
		"learner", learner,
		"card", hash,
		"quality", int(q),
		"interval_from", prev.Interval,
		"interval_to", next.Interval,
		"ease_factor", next.EaseFactor,
		"repetitions", next.Repetitions,
		"due", next.DueDate,
	)
	return next, nil
}

// Due returns the learner's due cards. Cards already in rotation come first,
// most overdue first; new cards follow, ordered by deck and question.
func (s *Service) Due(learner string) ([]storage.StudyCard, error) {
	cards, err := s.store.ListStudyCards(learner)
	if err != nil {
		return nil, err
	}
	now := s.sched.Now()

	var due []storage.StudyCard
	for _, c := range cards {
		if sm2.IsDue(c.State, now) {
			due = append(due, c)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		aNew, bNew := isNew(a), isNew(b)
		if aNew != bNew {
			return !aNew
		}
		if !aNew {
			return a.State.DueDate.Before(b.State.DueDate)
		}
		if a.Deck != b.Deck {
			return a.Deck < b.Deck
		}
		return a.Question < b.Question
	})
	return due, nil
}

// Next returns the first due card, or nil when nothing is due.
func (s *Service) Next(learner string) (*storage.StudyCard, error) {
	due, err := s.Due(learner)
	if err != nil || len(due) == 0 {
		return nil, err
	}
	return &due[0], nil
}

// Summary counts the learner's cards against the scheduler's clock.
func (s *Service) Summary(learner string) (Summary, error) {
	cards, err := s.store.ListStudyCards(learner)
	if err != nil {
		return Summary{}, err
	}
	now := s.sched.Now()

	sum := Summary{Total: len(cards)}
	for _, c := range cards {
		switch {
		case isNew(c):
			sum.New++
			sum.Due++
		case sm2.IsDue(c.State, now):
			sum.Due++
		default:
			sum.Learned++
		}
	}
	return sum, nil
}

func isNew(c storage.StudyCard) bool {
	return c.State == nil || !c.State.Reviewed()
}
