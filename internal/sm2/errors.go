package sm2

import "errors"

// Sentinel errors for out-of-contract input. Check with errors.Is.
var (
	ErrInvalidQuality = errors.New("sm2: invalid quality")
	ErrInvalidState   = errors.New("sm2: invalid review state")
)
