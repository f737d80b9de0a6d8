package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/flashdeck/internal/domain"
	"github.com/conorfennell/flashdeck/internal/sm2"
)

// Rating identifies one review event to persist.
type Rating struct {
	CardHash string
	Learner  string
	Quality  int
	At       time.Time
}

// StudyCard is a card together with the learner's review state, which is
// nil until the card is first rated.
type StudyCard struct {
	domain.Card
	State *sm2.ReviewState
}

const selectState = `
	SELECT ease_factor, interval_days, repetitions, due_at
	FROM review_states WHERE card_hash = ? AND learner = ?`

func scanState(row rowScanner) (*sm2.ReviewState, error) {
	var s sm2.ReviewState
	var dueAt string
	if err := row.Scan(&s.EaseFactor, &s.Interval, &s.Repetitions, &dueAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t, err := parseTime(dueAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse due_at: %w", err)
	}
	s.DueDate = t
	return &s, nil
}

// FindReviewState returns the learner's state for a card, or nil if the
// card has never been rated by them.
func (db *DB) FindReviewState(hash, learner string) (*sm2.ReviewState, error) {
	s, err := scanState(db.conn.QueryRow(selectState, hash, learner))
	if err != nil {
		return nil, fmt.Errorf("failed to find review state for %s: %w", hash, err)
	}
	return s, nil
}

// ApplyReview performs the read-modify-write of one rating in a single
// transaction: it loads the current state, passes it to compute, stores the
// result and appends a review log.
func (db *DB) ApplyReview(ctx context.Context, r Rating, compute func(prev *sm2.ReviewState) (sm2.ReviewState, error)) (sm2.ReviewState, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return sm2.ReviewState{}, fmt.Errorf("failed to begin review of %s: %w", r.CardHash, err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cards WHERE hash = ?`, r.CardHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return sm2.ReviewState{}, fmt.Errorf("%w: %s", ErrCardNotFound, r.CardHash)
	}
	if err != nil {
		return sm2.ReviewState{}, fmt.Errorf("failed to look up card %s: %w", r.CardHash, err)
	}

	prev, err := scanState(tx.QueryRowContext(ctx, selectState, r.CardHash, r.Learner))
	if err != nil {
		return sm2.ReviewState{}, fmt.Errorf("failed to load review state for %s: %w", r.CardHash, err)
	}

	next, err := compute(prev)
	if err != nil {
		return sm2.ReviewState{}, err
	}

	at := formatTime(r.At)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_states (card_hash, learner, ease_factor, interval_days, repetitions, due_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_hash, learner) DO UPDATE SET
			ease_factor = excluded.ease_factor,
			interval_days = excluded.interval_days,
			repetitions = excluded.repetitions,
			due_at = excluded.due_at,
			updated_at = excluded.updated_at
	`, r.CardHash, r.Learner, next.EaseFactor, next.Interval, next.Repetitions, formatTime(next.DueDate), at)
	if err != nil {
		return sm2.ReviewState{}, fmt.Errorf("failed to save review state for %s: %w", r.CardHash, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (id, card_hash, learner, quality, ease_factor, interval_days, repetitions, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), r.CardHash, r.Learner, r.Quality, next.EaseFactor, next.Interval, next.Repetitions, at)
	if err != nil {
		return sm2.ReviewState{}, fmt.Errorf("failed to append review log for %s: %w", r.CardHash, err)
	}

	if err := tx.Commit(); err != nil {
		return sm2.ReviewState{}, fmt.Errorf("failed to commit review of %s: %w", r.CardHash, err)
	}
	return next, nil
}

// ListStudyCards returns every card with the learner's state, oldest first.
func (db *DB) ListStudyCards(learner string) ([]StudyCard, error) {
	rows, err := db.conn.Query(`
		SELECT c.hash, c.deck, c.question, c.answer, c.context,
		       s.ease_factor, s.interval_days, s.repetitions, s.due_at
		FROM cards c
		LEFT JOIN review_states s ON s.card_hash = c.hash AND s.learner = ?
		ORDER BY c.created_at, c.hash
	`, learner)
	if err != nil {
		return nil, fmt.Errorf("failed to list study cards for %s: %w", learner, err)
	}
	defer rows.Close()

	var cards []StudyCard
	for rows.Next() {
		var sc StudyCard
		var ease sql.NullFloat64
		var interval, reps sql.NullInt64
		var dueAt sql.NullString
		if err := rows.Scan(&sc.Hash, &sc.Deck, &sc.Question, &sc.Answer, &sc.Context, &ease, &interval, &reps, &dueAt); err != nil {
			return nil, fmt.Errorf("failed to scan study card row: %w", err)
		}
		if dueAt.Valid {
			due, err := parseTime(dueAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse due_at for %s: %w", sc.Hash, err)
			}
			sc.State = &sm2.ReviewState{
				EaseFactor:  ease.Float64,
				Interval:    int(interval.Int64),
				Repetitions: int(reps.Int64),
				DueDate:     due,
			}
		}
		cards = append(cards, sc)
	}
	return cards, rows.Err()
}

// ReviewHistory returns the learner's ratings of a card, oldest first.
func (db *DB) ReviewHistory(hash, learner string) ([]domain.ReviewLog, error) {
	rows, err := db.conn.Query(`
		SELECT id, card_hash, learner, quality, ease_factor, interval_days, repetitions, reviewed_at
		FROM review_logs WHERE card_hash = ? AND learner = ?
		ORDER BY reviewed_at, rowid
	`, hash, learner)
	if err != nil {
		return nil, fmt.Errorf("failed to get review history for %s: %w", hash, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var l domain.ReviewLog
		var id, reviewedAt string
		if err := rows.Scan(&id, &l.CardHash, &l.Learner, &l.Quality, &l.EaseFactor, &l.Interval, &l.Repetitions, &reviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review log row: %w", err)
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse review log id %q: %w", id, err)
		}
		if l.Timestamp, err = parseTime(reviewedAt); err != nil {
			return nil, fmt.Errorf("failed to parse reviewed_at: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
