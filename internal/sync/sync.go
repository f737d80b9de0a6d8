package sync

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/conorfennell/flashdeck/internal/domain"
	"github.com/conorfennell/flashdeck/internal/gitsource"
	"github.com/conorfennell/flashdeck/internal/knol"
	"github.com/conorfennell/flashdeck/internal/logger"
	"github.com/conorfennell/flashdeck/internal/parser"
	"github.com/conorfennell/flashdeck/internal/storage"
)

// Source types.
const (
	TypeLocal = "local"
	TypeGit   = "git"
)

// DetectSourceType classifies a source path as a git URL or a local
// directory. Git sources need a URL form (https, http, file or scp-like
// user@host:path); a plain path is local even when it ends in ".git".
func DetectSourceType(path string) string {
	for _, prefix := range []string{"https://", "http://", "file://"} {
		if strings.HasPrefix(path, prefix) {
			return TypeGit
		}
	}
	if _, err := gitURLToLocalPath("", path); err == nil {
		return TypeGit
	}
	return TypeLocal
}

// Report summarizes the reconciliation of one source.
type Report struct {
	SourceID int64
	Path     string
	Parsed   int
	Inserted int
	Moved    int // existing cards whose deck changed
	Deleted  int
	Released int // no longer in this source but kept for another
	Errors   []error
}

// Syncer imports cards from every configured source into the database.
type Syncer struct {
	db       *storage.DB
	log      *logger.Logger
	reposDir string
}

// NewSyncer returns a Syncer that clones git sources under reposDir.
func NewSyncer(db *storage.DB, log *logger.Logger, reposDir string) *Syncer {
	return &Syncer{db: db, log: log, reposDir: reposDir}
}

// Run iterates over all sources and reconciles them. A failing source is
// reported and skipped; only storage failures abort the run.
func (s *Syncer) Run(ctx context.Context) ([]Report, error) {
	sources, err := s.db.GetAllSources()
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	if len(sources) == 0 {
		s.log.Info("no sources configured, add one with --add-source <path/or/url.git>")
		return nil, nil
	}
	if err := os.MkdirAll(s.reposDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repos directory: %w", err)
	}

	var reports []Report
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		s.log.Info("syncing source", "id", source.ID, "type", source.Type, "path", source.Path)

		dir := source.Path
		if source.Type == TypeGit {
			localPath, err := gitURLToLocalPath(s.reposDir, source.Path)
			if err == nil {
				err = gitsource.Sync(ctx, s.log, source.Path, localPath)
			}
			if err != nil {
				s.log.Error("failed to sync git source", "url", source.Path, "error", err)
				reports = append(reports, Report{SourceID: source.ID, Path: source.Path, Errors: []error{err}})
				continue
			}
			dir = localPath
		}

		report, err := s.reconcile(source.ID, dir)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	s.log.Info("sync complete", "sources", len(reports))
	return reports, nil
}

// ScanDir parses every markdown file under dir and hashes the cards found.
// Unreadable files are collected in the returned errors.
func ScanDir(dir string) ([]domain.Card, []error, error) {
	var cards []domain.Card
	var parseErrors []error

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		fileCards, parseErr := parser.ParseFile(path)
		if parseErr != nil {
			parseErrors = append(parseErrors, fmt.Errorf("parsing %s: %w", path, parseErr))
		}
		for _, card := range fileCards {
			card.Hash = knol.Hash(card)
			cards = append(cards, card)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error walking directory %s: %w", dir, err)
	}
	return cards, parseErrors, nil
}

func (s *Syncer) reconcile(sourceID int64, dir string) (Report, error) {
	report := Report{SourceID: sourceID, Path: dir}

	cards, parseErrors, err := ScanDir(dir)
	if err != nil {
		s.log.Error("failed to scan source", "path", dir, "error", err)
		report.Errors = append(report.Errors, err)
		return report, nil
	}
	report.Parsed = len(cards)
	report.Errors = parseErrors

	found := make(map[string]bool, len(cards))
	for _, card := range cards {
		if found[card.Hash] {
			continue
		}
		found[card.Hash] = true

		existing, err := s.db.FindCardByHash(card.Hash)
		if err != nil {
			return report, err
		}
		if existing != nil {
			if err := s.db.LinkCardSource(card.Hash, sourceID); err != nil {
				return report, err
			}
			if existing.Deck != card.Deck {
				s.log.Debug("card moved deck", "hash", card.Hash, "from", existing.Deck, "to", card.Deck)
				if err := s.db.UpdateCardDeck(card.Hash, card.Deck); err != nil {
					return report, err
				}
				report.Moved++
			}
			continue
		}
		s.log.Debug("new card found, inserting", "hash", card.Hash, "deck", card.Deck)
		if err := s.db.InsertCard(card, sourceID); err != nil {
			return report, err
		}
		report.Inserted++
	}

	stored, err := s.db.GetCardsBySourceID(sourceID)
	if err != nil {
		return report, err
	}
	for _, card := range stored {
		if found[card.Hash] {
			continue
		}
		deleted, err := s.db.ReleaseCard(card.Hash, sourceID)
		if err != nil {
			s.log.Warn("failed to release orphaned card", "hash", card.Hash, "error", err)
			report.Errors = append(report.Errors, err)
			continue
		}
		if deleted {
			s.log.Info("orphaned card, deleted", "hash", card.Hash)
			report.Deleted++
		} else {
			s.log.Info("card still provided by another source, kept", "hash", card.Hash)
			report.Released++
		}
	}

	if err := s.db.UpdateSourceLastScanned(sourceID); err != nil {
		s.log.Warn("failed to update last scanned for source", "source_id", sourceID, "error", err)
	}

	s.log.Info("reconciliation complete",
		"path", dir,
		"parsed_cards", report.Parsed,
		"inserted", report.Inserted,
		"moved", report.Moved,
		"orphaned_deleted", report.Deleted,
		"released", report.Released,
		"errors", len(report.Errors),
	)
	return report, nil
}

func gitURLToLocalPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err == nil && parsedURL.Scheme == "file" {
		return filepath.Join(baseDir, "file", strings.TrimSuffix(parsedURL.Path, ".git")), nil
	}
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		// scp-like syntax: git@host:owner/repo.git
		if user, rest, ok := strings.Cut(repoURL, "@"); ok && user != "" && !strings.ContainsAny(user, `/\`) {
			if host, repoPath, ok := strings.Cut(rest, ":"); ok && host != "" && repoPath != "" {
				return filepath.Join(baseDir, host, strings.TrimSuffix(repoPath, ".git")), nil
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	return filepath.Join(baseDir, parsedURL.Host, strings.TrimSuffix(parsedURL.Path, ".git")), nil
}
