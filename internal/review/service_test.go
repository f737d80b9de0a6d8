package review

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/flashdeck/internal/domain"
	"github.com/conorfennell/flashdeck/internal/logger"
	"github.com/conorfennell/flashdeck/internal/sm2"
	"github.com/conorfennell/flashdeck/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advanceDays(n int) { c.now = c.now.AddDate(0, 0, n) }

func newTestService(t *testing.T, cards ...domain.Card) (*Service, *storage.DB, *fakeClock) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "flashdeck.db"))
	if err != nil {
		t.Fatalf("storage.Open() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, c := range cards {
		if err := db.InsertCard(c, 0); err != nil {
			t.Fatalf("InsertCard() returned an unexpected error: %v", err)
		}
	}
	clock := &fakeClock{now: time.Date(2024, time.June, 3, 7, 0, 0, 0, time.UTC)}
	return NewService(db, sm2.NewScheduler(clock.Now), logger.Nop()), db, clock
}

func TestRateFollowsSchedule(t *testing.T) {
	svc, db, clock := newTestService(t, domain.Card{Question: "Q", Hash: "h1"})
	ctx := context.Background()

	steps := []struct {
		quality  sm2.Quality
		interval int
		reps     int
	}{
		{sm2.Easy, 1, 1},
		{sm2.Good, 6, 2},
		{sm2.Good, 16, 3},
		{sm2.Again, 1, 0},
	}
	for i, step := range steps {
		got, err := svc.Rate(ctx, "ada", "h1", step.quality)
		if err != nil {
			t.Fatalf("step %d: Rate() returned an unexpected error: %v", i, err)
		}
		if got.Interval != step.interval || got.Repetitions != step.reps {
			t.Fatalf("step %d: expected interval %d and repetitions %d, got %+v", i, step.interval, step.reps, got)
		}
		if !got.DueDate.Equal(clock.now.AddDate(0, 0, step.interval)) {
			t.Errorf("step %d: expected due date from now, got %v", i, got.DueDate)
		}
		clock.advanceDays(step.interval)
	}

	logs, err := db.ReviewHistory("h1", "ada")
	if err != nil {
		t.Fatalf("ReviewHistory() returned an unexpected error: %v", err)
	}
	if len(logs) != len(steps) {
		t.Errorf("Expected %d logs, got %d", len(steps), len(logs))
	}
}

func TestRateRejectsInvalidQuality(t *testing.T) {
	svc, db, _ := newTestService(t, domain.Card{Question: "Q", Hash: "h1"})
	for _, q := range []sm2.Quality{-1, 6} {
		if _, err := svc.Rate(context.Background(), "ada", "h1", q); !errors.Is(err, sm2.ErrInvalidQuality) {
			t.Errorf("quality %d: expected ErrInvalidQuality, got %v", q, err)
		}
	}
	if st, _ := db.FindReviewState("h1", "ada"); st != nil {
		t.Errorf("Expected nothing stored, got %+v", st)
	}
}

func TestRateUnknownCard(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Rate(context.Background(), "ada", "missing", sm2.Good); !errors.Is(err, storage.ErrCardNotFound) {
		t.Errorf("Expected ErrCardNotFound, got %v", err)
	}
}

func TestDueOrdering(t *testing.T) {
	svc, _, clock := newTestService(t,
		domain.Card{Deck: "b", Question: "new later deck", Hash: "n2"},
		domain.Card{Deck: "a", Question: "new first deck", Hash: "n1"},
		domain.Card{Question: "rated long ago", Hash: "r1"},
		domain.Card{Question: "rated recently", Hash: "r2"},
		domain.Card{Question: "not due", Hash: "r3"},
	)
	ctx := context.Background()

	mustRate := func(hash string, q sm2.Quality) {
		t.Helper()
		if _, err := svc.Rate(ctx, "ada", hash, q); err != nil {
			t.Fatalf("Rate(%s) returned an unexpected error: %v", hash, err)
		}
	}
	mustRate("r1", sm2.Good) // due day 1
	clock.advanceDays(1)
	mustRate("r2", sm2.Good) // due day 2
	mustRate("r3", sm2.Good)
	mustRate("r3", sm2.Good) // due day 7
	clock.advanceDays(1)

	due, err := svc.Due("ada")
	if err != nil {
		t.Fatalf("Due() returned an unexpected error: %v", err)
	}
	var got []string
	for _, c := range due {
		got = append(got, c.Hash)
	}
	want := []string{"r1", "r2", "n1", "n2"}
	if len(got) != len(want) {
		t.Fatalf("Expected due cards %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected due cards %v, got %v", want, got)
		}
	}

	next, err := svc.Next("ada")
	if err != nil || next == nil || next.Hash != "r1" {
		t.Errorf("Expected next card r1, got %v, %v", next, err)
	}

	sum, err := svc.Summary("ada")
	if err != nil {
		t.Fatalf("Summary() returned an unexpected error: %v", err)
	}
	if sum != (Summary{Total: 5, Due: 4, New: 2, Learned: 1}) {
		t.Errorf("Unexpected summary %+v", sum)
	}
}

func TestNextWhenNothingDue(t *testing.T) {
	svc, _, _ := newTestService(t, domain.Card{Question: "Q", Hash: "h1"})
	if _, err := svc.Rate(context.Background(), "ada", "h1", sm2.Easy); err != nil {
		t.Fatalf("Rate() returned an unexpected error: %v", err)
	}
	next, err := svc.Next("ada")
	if err != nil || next != nil {
		t.Errorf("Expected nil, nil; got %v, %v", next, err)
	}
	// Another learner still sees the card as new.
	if next, _ := svc.Next("grace"); next == nil || next.Hash != "h1" {
		t.Errorf("Expected h1 to be due for grace, got %v", next)
	}
}
