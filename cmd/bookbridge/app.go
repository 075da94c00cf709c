package main

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/client/abs"
	"github.com/bookbridge/bookbridge/internal/client/booklore"
	"github.com/bookbridge/bookbridge/internal/client/hardcover"
	"github.com/bookbridge/bookbridge/internal/client/kosync"
	"github.com/bookbridge/bookbridge/internal/client/storyteller"
	"github.com/bookbridge/bookbridge/internal/config"
	"github.com/bookbridge/bookbridge/internal/engine"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/server"
	"github.com/bookbridge/bookbridge/internal/store"
	"github.com/bookbridge/bookbridge/internal/suppress"
	"github.com/bookbridge/bookbridge/internal/transcribe"
	"github.com/bookbridge/bookbridge/internal/translate"
)

// application holds every wired component.
type application struct {
	cfg        *config.Config
	db         *store.Store
	parser     *epub.Parser
	translator *translate.Translator
	engine     *engine.Engine
	scheduler  *engine.Scheduler
	manager    *transcribe.Manager
	absClient  *abs.Client
	admin      *server.Server
	kosyncSrv  *kosync.Server
	log        *logger.Logger
}

// absMetadata adapts the Audiobookshelf client to the metadata interfaces
// of the suggester and the admin server.
type absMetadata struct {
	c *abs.Client
}

func (a absMetadata) Title(ctx context.Context, bookID string) (string, string, error) {
	info, err := a.c.Item(ctx, bookID)
	if err != nil {
		return "", "", err
	}
	return info.Title, info.Author, nil
}

func (a absMetadata) Item(ctx context.Context, bookID string) (string, string, float64, error) {
	info, err := a.c.Item(ctx, bookID)
	if err != nil {
		return "", "", 0, err
	}
	return info.Title, info.Author, info.Duration, nil
}

// build wires the whole service from configuration. Nothing starts running
// until the caller says so.
func build(c *cli.Context) (*application, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	logger.Setup(logger.Config{
		Level:  cfg.Logging.Level,
		Format: logger.ParseLogFormat(cfg.Logging.Format),
	})
	log := logger.Get()

	db, err := store.Open(filepath.Join(cfg.Paths.DataDir, "bookbridge.db"), log)
	if err != nil {
		return nil, err
	}

	parser := epub.NewParser(cfg.Paths.BooksDir, filepath.Join(cfg.Paths.DataDir, "ebook_cache"), cfg.Locator.ParseCacheSize, log)
	chunks := transcribe.NewChunkStore(cfg.Paths.DataDir)
	sup := suppress.New(cfg.Sync.SuppressionTTL)
	translator := translate.New(parser, cfg.Paths.DataDir, epub.LocatorOptions{
		FuzzyThreshold: cfg.Locator.FuzzyThreshold,
		WindowFraction: cfg.Locator.WindowFraction,
	}, log)

	absClient := abs.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token, chunks, cfg.Locator.SnippetChars)
	koClient := kosync.NewClient(db, parser, cfg.KoSync.Enabled, cfg.Locator.SnippetChars)
	stClient := storyteller.NewClient(cfg.Storyteller.URL, cfg.Storyteller.Username, cfg.Storyteller.Password, parser, cfg.Locator.SnippetChars)
	blClient := booklore.NewClient(cfg.Booklore.URL, cfg.Booklore.Username, cfg.Booklore.Password, parser, cfg.Locator.SnippetChars)
	hcClient := hardcover.NewClient(hardcoverURL(cfg), cfg.Hardcover.Token, func(bookID string) (float64, bool) {
		st, err := db.ReadState(bookID, models.ClientHardcover)
		if err != nil {
			return 0, false
		}
		return st.NormalizedPct(0)
	})

	// Fixed order: it doubles as the leader tie-break order.
	clients := []client.Client{absClient, blClient, hcClient, koClient, stClient}

	eng := engine.New(db, sup, translator, parser, clients, engine.Config{
		CycleTimeout:        cfg.Sync.CycleTimeout,
		ClientTimeout:       cfg.Sync.ClientTimeout,
		DeltaABSSeconds:     cfg.Sync.DeltaABSSeconds,
		DeltaKoSyncPercent:  cfg.Sync.DeltaKoSyncPercent,
		DeltaKoSyncWords:    cfg.Sync.DeltaKoSyncWords,
		DeltaDefaultPercent: cfg.Sync.DeltaDefaultPercent,
		DeltaBetweenClients: cfg.Sync.DeltaBetweenClients,
		RegressionTolerance: cfg.Sync.RegressionTolerance,
	})

	var suggester *engine.Suggester
	if cfg.Sync.SuggestionsEnabled && absClient.IsConfigured() {
		suggester = engine.NewSuggester(db, absMetadata{absClient}, cfg.Paths.BooksDir)
	}

	var pollers []engine.Poller
	for _, p := range []struct {
		cc config.ClientConfig
		cl client.Client
	}{
		{cfg.Storyteller, stClient},
		{cfg.Booklore, blClient},
		{cfg.Audiobookshelf, absClient},
	} {
		if p.cc.PollMode == config.PollCustom && p.cc.PollInterval > 0 {
			pollers = append(pollers, engine.Poller{Client: p.cl, Interval: p.cc.PollInterval})
		}
	}

	sched := engine.NewScheduler(eng, db, sup, engine.SchedulerConfig{
		Period:   cfg.Sync.Period,
		Debounce: cfg.Sync.Debounce,
		Workers:  cfg.Sync.Workers,
	}, pollers, suggester)

	manager := transcribe.NewManager(db, chunks, transcribe.NewHTTPTranscriber(cfg.Jobs.TranscriberURL), absClient, parser, transcribe.ManagerConfig{
		DataDir:       cfg.Paths.DataDir,
		ChunkDuration: cfg.Jobs.ChunkDuration,
		MaxRetries:    cfg.Jobs.MaxRetries,
		RetryDelay:    cfg.Jobs.RetryDelay,
		ModelHint:     cfg.Jobs.ModelHint,
	}, func(bookID string) {
		translator.Invalidate(bookID)
		sched.ScheduleNow(bookID, false)
	})

	var meta server.Metadata
	if absClient.IsConfigured() {
		meta = absMetadata{absClient}
	}
	admin := server.New(db, parser, sched, manager, meta, eng)

	koSrv := kosync.NewServer(db, true, func(document string) {
		m, err := db.FindMappingByKoSyncDoc(document)
		if err != nil {
			return
		}
		sched.Schedule(m.BookID)
	})

	return &application{
		cfg:        cfg,
		db:         db,
		parser:     parser,
		translator: translator,
		engine:     eng,
		scheduler:  sched,
		manager:    manager,
		absClient:  absClient,
		admin:      admin,
		kosyncSrv:  koSrv,
		log:        log,
	}, nil
}

func hardcoverURL(cfg *config.Config) string {
	if cfg.Hardcover.URL != "" {
		return cfg.Hardcover.URL
	}
	return hardcover.DefaultBaseURL
}

func (a *application) cleanEbookCache() error {
	mappings, err := a.db.ListAllMappings()
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.EbookFilename != "" {
			keep[m.EbookFilename] = true
		}
	}
	return a.parser.CleanCache(keep)
}

func (a *application) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close database", map[string]interface{}{"error": err})
	}
}

func runServe(c *cli.Context) error {
	app, err := build(c)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-queue work interrupted by the last shutdown and drop downloaded
	// ebooks no mapping references anymore.
	app.manager.Recover()
	if err := app.cleanEbookCache(); err != nil {
		app.log.Warn("Ebook cache cleanup failed", map[string]interface{}{"error": err})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return app.manager.Run(gctx)
	})
	g.Go(func() error {
		app.log.Info("Starting admin server", map[string]interface{}{
			"addr": ":" + app.cfg.Server.PrimaryPort,
		})
		return server.Run(gctx, ":"+app.cfg.Server.PrimaryPort, app.admin.Routes(), app.cfg.Server.ShutdownTimeout)
	})
	if app.cfg.KoSync.Enabled {
		g.Go(func() error {
			app.log.Info("Starting KoSync server", map[string]interface{}{
				"addr": ":" + app.cfg.Server.KoSyncPort,
			})
			return server.Run(gctx, ":"+app.cfg.Server.KoSyncPort, app.kosyncSrv.Routes(), app.cfg.Server.ShutdownTimeout)
		})
	}
	if app.absClient.IsConfigured() {
		listener := abs.NewListener(app.cfg.Audiobookshelf.URL, app.cfg.Audiobookshelf.Token, func(ev abs.ProgressEvent) {
			app.scheduler.HandleProgressEvent(gctx, models.ClientABS, ev.ItemID, ev.Progress)
		})
		g.Go(func() error {
			if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				app.log.Warn("Event stream stopped, relying on polling", map[string]interface{}{
					"error": err,
				})
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	app.log.Info("Shutdown complete", nil)
	return err
}

func runSyncOnce(c *cli.Context) error {
	app, err := build(c)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if book := c.String("book"); book != "" {
		return app.engine.SyncCycle(ctx, book, c.Bool("force"))
	}

	mappings, err := app.db.ListActiveMappings()
	if err != nil {
		return err
	}
	bulks := app.engine.FetchBulkAll(ctx)
	for _, m := range mappings {
		if err := app.engine.SyncCycleWith(ctx, m.BookID, c.Bool("force"), bulks); err != nil {
			app.log.Error("Sync cycle failed", map[string]interface{}{
				"book_id": m.BookID,
				"error":   err,
			})
		}
	}
	return nil
}

func runClearProgress(c *cli.Context) error {
	app, err := build(c)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.engine.ClearProgress(ctx, c.String("book"))
}
