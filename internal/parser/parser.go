package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/flashdeck/internal/domain"
)

const (
	separator  = "---"
	deckPrefix = "# "
)

type field int

const (
	none field = iota
	question
	answer
	context
)

var prefixes = []struct {
	prefix string
	field  field
}{
	{"Q:", question},
	{"A:", answer},
	{"C:", context},
}

// ParseFile reads a file from the given path and extracts all cards.
func ParseFile(path string) ([]domain.Card, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads from an io.Reader and extracts all cards.
// A "# Name" heading ends the current card and sets the deck of the cards
// after it.
func Parse(r io.Reader) ([]domain.Card, error) {
	p := &cardParser{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.line(strings.TrimSuffix(scanner.Text(), "\r"))
	}
	p.finishCard()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p.cards, nil
}

type cardParser struct {
	cards   []domain.Card
	deck    string
	current domain.Card
	field   field
	block   []string
}

func (p *cardParser) line(line string) {
	if line == separator {
		p.finishCard()
		return
	}
	if strings.HasPrefix(line, deckPrefix) {
		p.finishCard()
		p.deck = strings.TrimSpace(line[len(deckPrefix):])
		return
	}

	for _, pf := range prefixes {
		if !strings.HasPrefix(line, pf.prefix) {
			continue
		}
		p.flushField()
		if pf.field == question && p.field != none {
			// A new question always starts a new card.
			p.finishCard()
		}
		p.field = pf.field
		p.block = append(p.block, strings.TrimPrefix(line[len(pf.prefix):], " "))
		return
	}

	if p.field != none {
		p.block = append(p.block, line)
	}
}

func (p *cardParser) flushField() {
	if len(p.block) == 0 {
		return
	}
	content := strings.TrimRight(strings.Join(p.block, "\n"), "\n")
	switch p.field {
	case question:
		p.current.Question = content
	case answer:
		p.current.Answer = content
	case context:
		p.current.Context = content
	}
	p.block = nil
}

func (p *cardParser) finishCard() {
	p.flushField()
	if p.current.Question != "" {
		p.current.Deck = p.deck
		p.cards = append(p.cards, p.current)
	}
	p.current = domain.Card{}
	p.field = none
}
