package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conorfennell/flashdeck/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

var (
	ErrCardNotFound   = errors.New("storage: card not found")
	ErrSourceNotFound = errors.New("storage: source not found")
)

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("failed to open database: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes every transaction, which is what keeps
	// concurrent ratings of one card from losing updates.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: conn, now: time.Now}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// timeLayout is fixed width so stored times sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (sql.NullTime, error) {
	if !s.Valid {
		return sql.NullTime{}, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CardRecord is a stored card.
type CardRecord struct {
	domain.Card
	SourceID  sql.NullInt64
	CreatedAt time.Time
}

// InsertCard inserts a new card and records sourceID as providing it. A
// sourceID of 0 stores no source.
func (db *DB) InsertCard(card domain.Card, sourceID int64) error {
	var source any
	if sourceID != 0 {
		source = sourceID
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin insert of card %s: %w", card.Hash, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO cards (hash, deck, question, answer, context, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		card.Hash,
		card.Deck,
		card.Question,
		card.Answer,
		card.Context,
		source,
		formatTime(db.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", card.Hash, err)
	}
	if sourceID != 0 {
		if err := linkCardSource(tx, card.Hash, sourceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func linkCardSource(tx *sql.Tx, hash string, sourceID int64) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO card_sources (card_hash, source_id) VALUES (?, ?)`, hash, sourceID)
	if err != nil {
		return fmt.Errorf("failed to link card %s to source %d: %w", hash, sourceID, err)
	}
	return nil
}

// LinkCardSource records that a source provides an already stored card.
func (db *DB) LinkCardSource(hash string, sourceID int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin link of card %s: %w", hash, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := linkCardSource(tx, hash, sourceID); err != nil {
		return err
	}
	// Adopt cards that have no owner yet.
	_, err = tx.Exec(`UPDATE cards SET source_id = ? WHERE hash = ? AND source_id IS NULL`, sourceID, hash)
	if err != nil {
		return fmt.Errorf("failed to set source of card %s: %w", hash, err)
	}
	return tx.Commit()
}

// UpdateCardDeck moves a card to another deck. The hash, and with it the
// review history, is unchanged.
func (db *DB) UpdateCardDeck(hash, deck string) error {
	res, err := db.conn.Exec(`UPDATE cards SET deck = ? WHERE hash = ?`, deck, hash)
	if err != nil {
		return fmt.Errorf("failed to update deck of card %s: %w", hash, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, hash)
	}
	return nil
}

// ReleaseCard records that a source no longer provides a card. The card,
// with its review state and history, is deleted only when no other source
// still provides it; otherwise ownership passes to one of those sources.
// It reports whether the card was deleted.
func (db *DB) ReleaseCard(hash string, sourceID int64) (bool, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin release of card %s: %w", hash, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`DELETE FROM card_sources WHERE card_hash = ? AND source_id = ?`, hash, sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to unlink card %s from source %d: %w", hash, sourceID, err)
	}

	var remaining int
	err = tx.QueryRow(`SELECT COUNT(*) FROM card_sources WHERE card_hash = ?`, hash).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count sources of card %s: %w", hash, err)
	}

	deleted := remaining == 0
	if deleted {
		_, err = tx.Exec(`DELETE FROM cards WHERE hash = ?`, hash)
	} else {
		_, err = tx.Exec(`
			UPDATE cards SET source_id = (SELECT MIN(source_id) FROM card_sources WHERE card_hash = ?)
			WHERE hash = ? AND source_id = ?
		`, hash, hash, sourceID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to release card %s: %w", hash, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit release of card %s: %w", hash, err)
	}
	return deleted, nil
}

const selectCard = `SELECT hash, deck, question, answer, context, source_id, created_at FROM cards`

func scanCard(row rowScanner) (CardRecord, error) {
	var c CardRecord
	var createdAt string
	if err := row.Scan(&c.Hash, &c.Deck, &c.Question, &c.Answer, &c.Context, &c.SourceID, &createdAt); err != nil {
		return CardRecord{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return CardRecord{}, fmt.Errorf("failed to parse created_at for card %s: %w", c.Hash, err)
	}
	c.CreatedAt = t
	return c, nil
}

// FindCardByHash retrieves a card by its hash, or nil if there is none.
func (db *DB) FindCardByHash(hash string) (*CardRecord, error) {
	c, err := scanCard(db.conn.QueryRow(selectCard+` WHERE hash = ?`, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find card by hash %s: %w", hash, err)
	}
	return &c, nil
}

// GetCardsBySourceID retrieves all cards a source provides, including
// cards first imported from another source.
func (db *DB) GetCardsBySourceID(sourceID int64) ([]CardRecord, error) {
	rows, err := db.conn.Query(`
		SELECT c.hash, c.deck, c.question, c.answer, c.context, c.source_id, c.created_at
		FROM cards c
		JOIN card_sources cs ON cs.card_hash = c.hash
		WHERE cs.source_id = ?
		ORDER BY c.created_at, c.hash
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards for source ID %d: %w", sourceID, err)
	}
	defer rows.Close()

	var cards []CardRecord
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row for source ID %d: %w", sourceID, err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// DeleteCardByHash removes a card and, through the foreign keys, its review
// state and history.
func (db *DB) DeleteCardByHash(hash string) error {
	_, err := db.conn.Exec(`DELETE FROM cards WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("failed to delete card with hash %s: %w", hash, err)
	}
	return nil
}

// Source represents a card source, either a local path or a Git URL.
type Source struct {
	ID          int64
	Path        string
	Type        string
	LastScanned sql.NullTime
}

// InsertSource inserts a new source and returns its ID.
func (db *DB) InsertSource(path, sourceType string) (int64, error) {
	res, err := db.conn.Exec(`INSERT INTO sources (path, type) VALUES (?, ?)`, path, sourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

func scanSource(row rowScanner) (Source, error) {
	var s Source
	var lastScanned sql.NullString
	if err := row.Scan(&s.ID, &s.Path, &s.Type, &lastScanned); err != nil {
		return Source{}, err
	}
	t, err := parseNullTime(lastScanned)
	if err != nil {
		return Source{}, fmt.Errorf("failed to parse last_scanned for source %d: %w", s.ID, err)
	}
	s.LastScanned = t
	return s, nil
}

// FindSourceByPath retrieves a source by its path, or nil if there is none.
func (db *DB) FindSourceByPath(path string) (*Source, error) {
	s, err := scanSource(db.conn.QueryRow(`SELECT id, path, type, last_scanned FROM sources WHERE path = ?`, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &s, nil
}

// GetAllSources retrieves all stored sources.
func (db *DB) GetAllSources() ([]Source, error) {
	rows, err := db.conn.Query(`SELECT id, path, type, last_scanned FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// UpdateSourceLastScanned sets last_scanned for a source to now.
func (db *DB) UpdateSourceLastScanned(sourceID int64) error {
	_, err := db.conn.Exec(`UPDATE sources SET last_scanned = ? WHERE id = ?`, formatTime(db.now()), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}

// DeleteSource removes a source together with the cards only it provides.
// Cards another source still provides move to that source.
func (db *DB) DeleteSource(id int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete of source %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		UPDATE cards SET source_id = (
			SELECT MIN(cs.source_id) FROM card_sources cs
			WHERE cs.card_hash = cards.hash AND cs.source_id != ?
		)
		WHERE source_id = ? AND EXISTS (
			SELECT 1 FROM card_sources cs
			WHERE cs.card_hash = cards.hash AND cs.source_id != ?
		)
	`, id, id, id)
	if err != nil {
		return fmt.Errorf("failed to hand over cards of source %d: %w", id, err)
	}

	res, err := tx.Exec(`DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrSourceNotFound, id)
	}
	return tx.Commit()
}
