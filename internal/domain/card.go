package domain

import (
	"time"

	"github.com/google/uuid"
)

// Card represents a single question-answer-context entry.
type Card struct {
	Deck     string
	Question string
	Answer   string
	Context  string
	Hash     string
}

// ReviewLog records a single rating of a card and the state it produced.
// Quality is the SM-2 rating, 0 (blackout) to 5 (perfect).
type ReviewLog struct {
	ID          uuid.UUID
	CardHash    string
	Learner     string
	Quality     int
	EaseFactor  float64
	Interval    int
	Repetitions int
	Timestamp   time.Time
}
