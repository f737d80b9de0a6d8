package knol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conorfennell/flashdeck/internal/domain"
)

// normalizePart lowercases and trims a field, normalizes line endings and
// collapses runs of spaces and tabs inside each line.
func normalizePart(part string) string {
	p := strings.ReplaceAll(part, "\r\n", "\n")
	lines := strings.Split(strings.TrimSpace(strings.ToLower(p)), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

// Normalize returns the canonical text a card's identity is derived from.
// The deck is left out so a card keeps its review history when it moves.
func Normalize(card domain.Card) string {
	return strings.Join([]string{
		normalizePart(card.Question),
		normalizePart(card.Answer),
		normalizePart(card.Context),
	}, "\n")
}

// Hash returns the hex SHA-256 of the normalized card.
func Hash(card domain.Card) string {
	sum := sha256.Sum256([]byte(Normalize(card)))
	return hex.EncodeToString(sum[:])
}
