package sm2

import (
	"fmt"
	"strconv"
	"strings"
)

// Quality is the learner's 0-5 self-assessment of recall at review time.
type Quality int

// Named ratings offered by the review UI. The scheduler itself accepts any
// integer in [0, 5].
const (
	Again Quality = 0
	Hard  Quality = 2
	Good  Quality = 4
	Easy  Quality = 5
)

const (
	// MaxQuality is the best possible rating.
	MaxQuality Quality = 5
	// PassThreshold separates a failed recall from a successful one.
	PassThreshold Quality = 3
)

var qualityByAlias = map[string]Quality{
	"again": Again,
	"hard":  Hard,
	"good":  Good,
	"easy":  Easy,
}

// Aliases lists the named ratings in the order the UI presents them.
var Aliases = []Quality{Again, Hard, Good, Easy}

// IsValid reports whether q lies in [0, 5].
func (q Quality) IsValid() bool {
	return q >= 0 && q <= MaxQuality
}

// Passed reports whether q counts as a successful recall.
func (q Quality) Passed() bool {
	return q >= PassThreshold
}

// String returns the alias name for named ratings, the digit for the other
// valid ratings and "Quality(n)" otherwise.
func (q Quality) String() string {
	switch q {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	}
	if q.IsValid() {
		return strconv.Itoa(int(q))
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// ParseQuality accepts an alias ("again", "hard", "good", "easy", any case)
// or a decimal integer between 0 and 5.
func ParseQuality(s string) (Quality, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if q, ok := qualityByAlias[s]; ok {
		return q, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuality, s)
	}
	q := Quality(n)
	if !q.IsValid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuality, n)
	}
	return q, nil
}

// UnmarshalText implements encoding.TextUnmarshaler using ParseQuality.
func (q *Quality) UnmarshalText(text []byte) error {
	v, err := ParseQuality(string(text))
	if err != nil {
		return err
	}
	*q = v
	return nil
}
