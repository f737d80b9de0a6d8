package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/flashdeck/internal/config"
	"github.com/conorfennell/flashdeck/internal/logger"
	"github.com/conorfennell/flashdeck/internal/review"
	"github.com/conorfennell/flashdeck/internal/sm2"
	"github.com/conorfennell/flashdeck/internal/storage"
	"github.com/conorfennell/flashdeck/internal/sync"
	"github.com/conorfennell/flashdeck/internal/web"
)

const shutdownTimeout = 10 * time.Second

// Actions, at most one per invocation.
const (
	actionServe     = "serve"
	actionAddSource = "add-source"
	actionSync      = "sync"
	actionScan      = "scan"
)

// chooseAction picks the requested action, serving when none is given.
func chooseAction(addSource string, runSync bool, scanDir string, serve bool) (string, error) {
	var chosen []string
	if addSource != "" {
		chosen = append(chosen, actionAddSource)
	}
	if runSync {
		chosen = append(chosen, actionSync)
	}
	if scanDir != "" {
		chosen = append(chosen, actionScan)
	}
	if serve {
		chosen = append(chosen, actionServe)
	}
	switch len(chosen) {
	case 0:
		return actionServe, nil
	case 1:
		return chosen[0], nil
	default:
		return "", fmt.Errorf("conflicting actions: --%s", strings.Join(chosen, ", --"))
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("flashdeck", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	configPath := fs.String("config", "", "path to a YAML config file")
	addSource := fs.String("add-source", "", "add a local directory or git URL as a card source")
	runSync := fs.Bool("sync", false, "sync every source and exit")
	scanDir := fs.String("scan", "", "parse a directory and report the cards found, without storing them")
	serveUI := fs.Bool("serve", false, "serve the web UI (the default when no other action is given)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	action, err := chooseAction(*addSource, *runSync, *scanDir, *serveUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashdeck: %v\n", err)
		return 2
	}

	cfg, err := config.Load(fs, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashdeck: %v\n", err)
		return 2
	}

	log, err := logger.New(cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashdeck: failed to build logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	// Scanning is a dry run and never touches the database.
	if action == actionScan {
		return scan(*scanDir)
	}

	db, err := storage.Open(cfg.DB)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DB, "error", err)
		return 1
	}
	defer db.Close()
	log.Debug("database opened", "path", cfg.DB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncer := sync.NewSyncer(db, log, cfg.Repos)

	switch action {
	case actionAddSource:
		if err := addNewSource(db, log, *addSource); err != nil {
			log.Error("failed to add source", "path", *addSource, "error", err)
			return 1
		}
	case actionSync:
		reports, err := syncer.Run(ctx)
		if err != nil {
			log.Error("sync failed", "error", err)
			return 1
		}
		for _, r := range reports {
			fmt.Printf("%s: %d parsed, %d new, %d moved, %d removed, %d errors\n",
				r.Path, r.Parsed, r.Inserted, r.Moved, r.Deleted, len(r.Errors))
		}
	default:
		svc := review.NewService(db, sm2.NewScheduler(nil), log.With("learner", cfg.Learner))
		if err := serve(ctx, cfg, log, db, svc, syncer); err != nil {
			log.Error("server stopped", "error", err)
			return 1
		}
	}
	return 0
}

func addNewSource(db *storage.DB, log *logger.Logger, path string) error {
	existing, err := db.FindSourceByPath(path)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Info("source already exists", "id", existing.ID, "path", path)
		return nil
	}
	sourceType := sync.DetectSourceType(path)
	id, err := db.InsertSource(path, sourceType)
	if err != nil {
		return err
	}
	log.Info("source added", "id", id, "type", sourceType, "path", path)
	return nil
}

func scan(dir string) int {
	cards, parseErrors, err := sync.ScanDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashdeck: %v\n", err)
		return 1
	}
	fmt.Printf("Found %d cards, %d errors.\n", len(cards), len(parseErrors))
	if len(parseErrors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range parseErrors {
			fmt.Printf("- %s\n", e)
		}
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, db *storage.DB, svc *review.Service, syncer *sync.Syncer) error {
	handler, err := web.NewServer(db, svc, syncer, cfg.Learner, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "learner", cfg.Learner)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
