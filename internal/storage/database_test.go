package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/flashdeck/internal/domain"
)

var testNow = time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "flashdeck.db"))
	if err != nil {
		t.Fatalf("Open() returned an unexpected error: %v", err)
	}
	db.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashdeck.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d returned an unexpected error: %v", i+1, err)
		}
		var count int
		if err := db.conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if count != SchemaVersion {
			t.Errorf("Expected %d migration rows, got %d", SchemaVersion, count)
		}
		_ = db.Close()
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Expected an error for an empty path")
	}
}

func TestCards(t *testing.T) {
	db := newTestDB(t)
	sourceID, err := db.InsertSource("/notes", "local")
	if err != nil {
		t.Fatalf("InsertSource() returned an unexpected error: %v", err)
	}

	card := domain.Card{Deck: "Go", Question: "Q1", Answer: "A1", Context: "C1", Hash: "h1"}
	if err := db.InsertCard(card, sourceID); err != nil {
		t.Fatalf("InsertCard() returned an unexpected error: %v", err)
	}
	if err := db.InsertCard(domain.Card{Question: "Q2", Hash: "h2"}, 0); err != nil {
		t.Fatalf("InsertCard() without source returned an unexpected error: %v", err)
	}

	t.Run("find by hash", func(t *testing.T) {
		got, err := db.FindCardByHash("h1")
		if err != nil || got == nil {
			t.Fatalf("FindCardByHash() = %v, %v", got, err)
		}
		if got.Card != card {
			t.Errorf("Expected card %+v, got %+v", card, got.Card)
		}
		if !got.SourceID.Valid || got.SourceID.Int64 != sourceID {
			t.Errorf("Expected source %d, got %+v", sourceID, got.SourceID)
		}
		if !got.CreatedAt.Equal(testNow) {
			t.Errorf("Expected created_at %v, got %v", testNow, got.CreatedAt)
		}
	})

	t.Run("missing card is nil", func(t *testing.T) {
		got, err := db.FindCardByHash("nope")
		if err != nil || got != nil {
			t.Errorf("Expected nil, nil; got %v, %v", got, err)
		}
	})

	t.Run("cards by source", func(t *testing.T) {
		cards, err := db.GetCardsBySourceID(sourceID)
		if err != nil {
			t.Fatalf("GetCardsBySourceID() returned an unexpected error: %v", err)
		}
		if len(cards) != 1 || cards[0].Hash != "h1" {
			t.Errorf("Expected only h1, got %+v", cards)
		}
	})

	t.Run("duplicate hash is rejected", func(t *testing.T) {
		if err := db.InsertCard(card, sourceID); err == nil {
			t.Error("Expected an error inserting a duplicate card")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := db.DeleteCardByHash("h2"); err != nil {
			t.Fatalf("DeleteCardByHash() returned an unexpected error: %v", err)
		}
		if got, _ := db.FindCardByHash("h2"); got != nil {
			t.Error("Expected card to be deleted")
		}
	})
}

func TestSources(t *testing.T) {
	db := newTestDB(t)

	id, err := db.InsertSource("https://example.com/cards.git", "git")
	if err != nil {
		t.Fatalf("InsertSource() returned an unexpected error: %v", err)
	}
	if _, err := db.InsertSource("https://example.com/cards.git", "git"); err == nil {
		t.Error("Expected duplicate source path to be rejected")
	}

	src, err := db.FindSourceByPath("https://example.com/cards.git")
	if err != nil || src == nil {
		t.Fatalf("FindSourceByPath() = %v, %v", src, err)
	}
	if src.ID != id || src.Type != "git" || src.LastScanned.Valid {
		t.Errorf("Unexpected source %+v", src)
	}

	if err := db.UpdateSourceLastScanned(id); err != nil {
		t.Fatalf("UpdateSourceLastScanned() returned an unexpected error: %v", err)
	}
	all, err := db.GetAllSources()
	if err != nil {
		t.Fatalf("GetAllSources() returned an unexpected error: %v", err)
	}
	if len(all) != 1 || !all[0].LastScanned.Valid || !all[0].LastScanned.Time.Equal(testNow) {
		t.Errorf("Expected one scanned source, got %+v", all)
	}

	if got, err := db.FindSourceByPath("/elsewhere"); err != nil || got != nil {
		t.Errorf("Expected nil, nil for unknown path; got %v, %v", got, err)
	}
}

func TestDeleteSourceCascades(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.InsertSource("/notes", "local")
	if err := db.InsertCard(domain.Card{Question: "Q", Hash: "h1"}, id); err != nil {
		t.Fatalf("InsertCard() returned an unexpected error: %v", err)
	}
	rateGood(t, db, "h1", "ada")

	if err := db.DeleteSource(id); err != nil {
		t.Fatalf("DeleteSource() returned an unexpected error: %v", err)
	}
	if got, _ := db.FindCardByHash("h1"); got != nil {
		t.Error("Expected cards of the source to be deleted")
	}
	if st, _ := db.FindReviewState("h1", "ada"); st != nil {
		t.Error("Expected review state to be deleted with its card")
	}
	if logs, _ := db.ReviewHistory("h1", "ada"); len(logs) != 0 {
		t.Errorf("Expected review history to be deleted, got %d rows", len(logs))
	}

	if err := db.DeleteSource(id); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
}

func TestCardSharedBetweenSources(t *testing.T) {
	db := newTestDB(t)
	a, _ := db.InsertSource("/a", "local")
	b, _ := db.InsertSource("/b", "local")
	if err := db.InsertCard(domain.Card{Question: "Q", Hash: "h1"}, a); err != nil {
		t.Fatalf("InsertCard() returned an unexpected error: %v", err)
	}
	if err := db.LinkCardSource("h1", b); err != nil {
		t.Fatalf("LinkCardSource() returned an unexpected error: %v", err)
	}
	rateGood(t, db, "h1", "ada")

	for _, id := range []int64{a, b} {
		if cards, _ := db.GetCardsBySourceID(id); len(cards) != 1 {
			t.Errorf("Expected source %d to provide h1, got %+v", id, cards)
		}
	}

	deleted, err := db.ReleaseCard("h1", a)
	if err != nil || deleted {
		t.Fatalf("ReleaseCard() = %v, %v; want false, nil", deleted, err)
	}
	got, _ := db.FindCardByHash("h1")
	if got == nil || got.SourceID.Int64 != b {
		t.Fatalf("Expected h1 to be owned by %d, got %+v", b, got)
	}
	if cards, _ := db.GetCardsBySourceID(a); len(cards) != 0 {
		t.Errorf("Expected source %d to provide nothing, got %+v", a, cards)
	}
	if st, _ := db.FindReviewState("h1", "ada"); st == nil {
		t.Error("Expected review state to survive the release")
	}

	deleted, err = db.ReleaseCard("h1", b)
	if err != nil || !deleted {
		t.Fatalf("ReleaseCard() = %v, %v; want true, nil", deleted, err)
	}
	if got, _ := db.FindCardByHash("h1"); got != nil {
		t.Error("Expected h1 to be deleted once no source provides it")
	}
}

func TestDeleteSourceHandsOverSharedCards(t *testing.T) {
	db := newTestDB(t)
	a, _ := db.InsertSource("/a", "local")
	b, _ := db.InsertSource("/b", "local")
	_ = db.InsertCard(domain.Card{Question: "shared", Hash: "h1"}, a)
	_ = db.InsertCard(domain.Card{Question: "only a", Hash: "h2"}, a)
	if err := db.LinkCardSource("h1", b); err != nil {
		t.Fatalf("LinkCardSource() returned an unexpected error: %v", err)
	}
	rateGood(t, db, "h1", "ada")

	if err := db.DeleteSource(a); err != nil {
		t.Fatalf("DeleteSource() returned an unexpected error: %v", err)
	}
	got, _ := db.FindCardByHash("h1")
	if got == nil || got.SourceID.Int64 != b {
		t.Fatalf("Expected h1 to move to source %d, got %+v", b, got)
	}
	if logs, _ := db.ReviewHistory("h1", "ada"); len(logs) != 1 {
		t.Errorf("Expected h1 history to survive, got %d rows", len(logs))
	}
	if got, _ := db.FindCardByHash("h2"); got != nil {
		t.Error("Expected h2 to be deleted with its only source")
	}
}

func TestUpdateCardDeck(t *testing.T) {
	db := newTestDB(t)
	_ = db.InsertCard(domain.Card{Deck: "Old", Question: "Q", Hash: "h1"}, 0)

	if err := db.UpdateCardDeck("h1", "New"); err != nil {
		t.Fatalf("UpdateCardDeck() returned an unexpected error: %v", err)
	}
	if got, _ := db.FindCardByHash("h1"); got == nil || got.Deck != "New" {
		t.Errorf("Expected deck New, got %+v", got)
	}
	if err := db.UpdateCardDeck("missing", "New"); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("Expected ErrCardNotFound, got %v", err)
	}
}

func TestLinkCardSourceAdoptsUnownedCard(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.InsertSource("/a", "local")
	_ = db.InsertCard(domain.Card{Question: "Q", Hash: "h1"}, 0)

	if err := db.LinkCardSource("h1", id); err != nil {
		t.Fatalf("LinkCardSource() returned an unexpected error: %v", err)
	}
	if got, _ := db.FindCardByHash("h1"); got == nil || got.SourceID.Int64 != id {
		t.Errorf("Expected h1 to be owned by %d, got %+v", id, got)
	}
}
