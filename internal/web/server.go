package web

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/yuin/goldmark"

	"github.com/conorfennell/flashdeck/internal/logger"
	"github.com/conorfennell/flashdeck/internal/review"
	"github.com/conorfennell/flashdeck/internal/sm2"
	"github.com/conorfennell/flashdeck/internal/storage"
	"github.com/conorfennell/flashdeck/internal/sync"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Server holds the dependencies for the HTTP server.
type Server struct {
	db        *storage.DB
	reviews   *review.Service
	syncer    *sync.Syncer
	learner   string
	log       *logger.Logger
	router    *http.ServeMux
	templates *template.Template
	validate  *validator.Validate
	markdown  goldmark.Markdown
}

// reviewRequest is a rating submitted from the card back.
type reviewRequest struct {
	Hash    string `validate:"required,hexadecimal,len=64"`
	Quality int    `validate:"min=0,max=5"`
}

// NewServer creates and configures a new server reviewing as learner.
func NewServer(db *storage.DB, reviews *review.Service, syncer *sync.Syncer, learner string, log *logger.Logger) (*Server, error) {
	s := &Server{
		db:       db,
		reviews:  reviews,
		syncer:   syncer,
		learner:  learner,
		log:      log,
		router:   http.NewServeMux(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		markdown: goldmark.New(),
	}

	tpl, err := template.New("").Funcs(template.FuncMap{"markdown": s.renderMarkdown}).ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	s.templates = tpl
	s.routes()
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /{$}", s.handleIndex())

	// HTMX fragments
	s.router.HandleFunc("GET /deck", s.handleGetDeck())
	s.router.HandleFunc("GET /review/next", s.handleGetNextReview())
	s.router.HandleFunc("GET /review/answer/{hash}", s.handleShowAnswer())
	s.router.HandleFunc("POST /review/{hash}", s.handlePostReview())

	// Source management
	s.router.HandleFunc("GET /sources", s.handleGetSources())
	s.router.HandleFunc("POST /sources", s.handlePostSource())
	s.router.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource())
	s.router.HandleFunc("POST /sync", s.handlePostSync())
}

// renderMarkdown converts card text to HTML. Raw HTML in the source is
// escaped by goldmark's default renderer.
func (s *Server) renderMarkdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// render executes the named templates into a buffer so a failure never
// leaves a half-written response.
func (s *Server) render(w http.ResponseWriter, data any, names ...string) {
	var buf bytes.Buffer
	for _, name := range names {
		if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
			s.serverError(w, "failed to render template", err, "template", name)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error, keysAndValues ...any) {
	s.log.Error(msg, append(keysAndValues, "error", err)...)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) handleIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.render(w, nil, "index")
	}
}

// handleGetDeck renders the deck view with the learner's due counts.
func (s *Server) handleGetDeck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.renderDeck(w)
	}
}

func (s *Server) renderDeck(w http.ResponseWriter) {
	sum, err := s.reviews.Summary(s.learner)
	if err != nil {
		s.serverError(w, "failed to summarize deck", err)
		return
	}
	s.render(w, map[string]any{"Summary": sum}, "deck")
}

// handleGetNextReview renders the front of the next due card, or the deck
// view when nothing is due.
func (s *Server) handleGetNextReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.renderNext(w)
	}
}

func (s *Server) renderNext(w http.ResponseWriter) {
	next, err := s.reviews.Next(s.learner)
	if err != nil {
		s.serverError(w, "failed to get next due card", err)
		return
	}
	if next == nil {
		s.renderDeck(w)
		return
	}
	s.render(w, next, "card_front")
}

// handleShowAnswer renders the back of a card with the rating buttons.
func (s *Server) handleShowAnswer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		card, err := s.db.FindCardByHash(hash)
		if err != nil {
			s.serverError(w, "failed to find card", err, "hash", hash)
			return
		}
		if card == nil {
			http.NotFound(w, r)
			return
		}
		state, err := s.db.FindReviewState(hash, s.learner)
		if err != nil {
			s.serverError(w, "failed to find review state", err, "hash", hash)
			return
		}
		s.render(w, map[string]any{
			"Card":   card,
			"State":  state,
			"Grades": sm2.Aliases,
		}, "card_back")
	}
}

// handlePostReview records a rating and renders the next card.
func (s *Server) handlePostReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := sm2.ParseQuality(r.PostFormValue("grade"))
		if err != nil {
			http.Error(w, "Invalid grade", http.StatusBadRequest)
			return
		}
		req := reviewRequest{Hash: r.PathValue("hash"), Quality: int(q)}
		if err := s.validate.Struct(req); err != nil {
			http.Error(w, "Invalid review request", http.StatusBadRequest)
			return
		}

		_, err = s.reviews.Rate(r.Context(), s.learner, req.Hash, q)
		switch {
		case errors.Is(err, storage.ErrCardNotFound):
			http.NotFound(w, r)
			return
		case errors.Is(err, sm2.ErrInvalidQuality), errors.Is(err, sm2.ErrInvalidState):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			s.serverError(w, "failed to record review", err, "hash", req.Hash)
			return
		}
		s.renderNext(w)
	}
}

func (s *Server) renderSourceList(w http.ResponseWriter, extra map[string]any, names ...string) {
	sources, err := s.db.GetAllSources()
	if err != nil {
		s.serverError(w, "failed to get sources", err)
		return
	}
	data := map[string]any{"Sources": sources}
	for k, v := range extra {
		data[k] = v
	}
	s.render(w, data, names...)
}

// handleGetSources renders the sources management page.
func (s *Server) handleGetSources() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.renderSourceList(w, nil, "sources")
	}
}

// handlePostSource adds a new source and re-renders the source list.
func (s *Server) handlePostSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.PostFormValue("path")
		if path == "" {
			http.Error(w, "Path cannot be empty", http.StatusBadRequest)
			return
		}
		existing, err := s.db.FindSourceByPath(path)
		if err != nil {
			s.serverError(w, "failed to look up source", err, "path", path)
			return
		}
		if existing != nil {
			http.Error(w, "Source already exists", http.StatusConflict)
			return
		}

		sourceType := sync.DetectSourceType(path)
		id, err := s.db.InsertSource(path, sourceType)
		if err != nil {
			s.serverError(w, "failed to insert source", err, "path", path)
			return
		}
		s.log.Info("source added", "id", id, "type", sourceType, "path", path)
		s.renderSourceList(w, nil, "source_list")
	}
}

// handleDeleteSource deletes a source, and with it its cards, then
// re-renders the source list.
func (s *Server) handleDeleteSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid source ID", http.StatusBadRequest)
			return
		}
		if err := s.db.DeleteSource(id); err != nil {
			if errors.Is(err, storage.ErrSourceNotFound) {
				http.NotFound(w, r)
				return
			}
			s.serverError(w, "failed to delete source", err, "id", id)
			return
		}
		s.log.Info("source deleted", "id", id)
		s.renderSourceList(w, nil, "source_list")
	}
}

// handlePostSync runs a sync in the foreground, then renders the result
// and the refreshed source list.
func (s *Server) handlePostSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := s.syncer.Run(r.Context())
		if err != nil {
			s.serverError(w, "sync failed", err)
			return
		}
		s.renderSourceList(w, map[string]any{"Reports": reports}, "sync_success", "source_list")
	}
}
