package services

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/extraction"
	"github.com/Lllllllleong/documentmerger/internal/fsops"
	"github.com/Lllllllleong/documentmerger/internal/gcp"
	"github.com/Lllllllleong/documentmerger/internal/handles"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/pdfdoc"
	"github.com/Lllllllleong/documentmerger/internal/reconcile"
	"github.com/Lllllllleong/documentmerger/internal/store"
)

// App is the fully wired pipeline.
type App struct {
	Config       *config.Config
	Store        store.Store
	Actuator     *fsops.Actuator
	Engine       *reconcile.Engine
	Orchestrator *Orchestrator
	Storage      *storage.Client

	closers []func() error
}

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "firestore":
		client, err := gcp.NewFirestoreClient(ctx, cfg.Storage.FirestoreProjectID)
		if err != nil {
			return nil, err
		}
		return store.NewFirestoreStore(client, cfg.Storage.FirestoreCollection, log), nil
	default:
		st, err := store.OpenSQLite(cfg.Storage.DBPath, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// NewLocalActuator builds the filesystem actuator and its PDF toolkit.
func NewLocalActuator(cfg *config.Config, log *logger.Logger) (*fsops.Actuator, *pdfdoc.Toolkit) {
	registry := handles.NewRegistry()
	toolkit := pdfdoc.New(registry)
	return fsops.NewActuator(cfg.Paths, cfg.Pipeline, toolkit, registry, log), toolkit
}

func newCache(ctx context.Context, cfg *config.Config) (extraction.Cache, func() error, error) {
	switch cfg.Extraction.CacheBackend {
	case "redis":
		c, err := extraction.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "none":
		return extraction.NopCache{}, nil, nil
	default:
		c, err := extraction.NewDiskCache(cfg.Extraction.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	}
}

func newEngine(cfg *config.Config, st store.Store, model reconcile.LineMatchModel, log *logger.Logger) *reconcile.Engine {
	var matcher reconcile.Matcher
	if cfg.Reconcile.FuzzyMatchEnabled && model != nil {
		matcher = reconcile.NewModelMatcher(model)
	}
	return reconcile.NewEngine(st, matcher, reconcile.Options{
		SimilarityThreshold: cfg.Reconcile.SimilarityThreshold,
	}, log)
}

// NewReportEngine builds the same engine the pipeline reconciles with, for
// callers that only read the store. A Vertex client is opened only when fuzzy
// matching is enabled; the returned func releases it.
func NewReportEngine(ctx context.Context, cfg *config.Config, st store.Store, log *logger.Logger) (*reconcile.Engine, func() error, error) {
	if !cfg.Reconcile.FuzzyMatchEnabled {
		return newEngine(cfg, st, nil, log), func() error { return nil }, nil
	}
	if err := cfg.RequireModel(); err != nil {
		return nil, nil, fmt.Errorf("fuzzy matching is enabled: %w", err)
	}
	vertex, err := gcp.NewVertexClient(ctx, cfg.Extraction.ProjectID, cfg.Extraction.Region, cfg.Extraction.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	return newEngine(cfg, st, vertex, log), vertex.Close, nil
}

// Bootstrap wires every component from cfg. Close releases what it opened.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	if err := cfg.RequireModel(); err != nil {
		return nil, err
	}
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	patterns, err := config.LoadPatterns(cfg.Pipeline.PatternsFile)
	if err != nil {
		return nil, err
	}
	rejects, err := patterns.CompileInvoiceRejects()
	if err != nil {
		return nil, err
	}
	typePatterns, err := patterns.CompileDocumentTypes()
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	app.Store = st
	app.closers = append(app.closers, st.Close)

	actuator, toolkit := NewLocalActuator(cfg, log)
	if err := actuator.EnsureDirectories(); err != nil {
		return nil, err
	}
	app.Actuator = actuator

	vertex, err := gcp.NewVertexClient(ctx, cfg.Extraction.ProjectID, cfg.Extraction.Region, cfg.Extraction.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	app.closers = append(app.closers, vertex.Close)

	extractors := []extraction.TextExtractor{extraction.NewDigitalExtractor(toolkit)}
	if cfg.Extraction.OCREnabled {
		vision, err := gcp.NewVisionClient(ctx)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, vision.Close)
		extractors = append(extractors, extraction.NewOCRExtractor(vision, 5))
	}
	if cfg.Extraction.VisionTranscribe {
		extractors = append(extractors, extraction.NewVisionExtractor(vertex))
	}

	cache, closeCache, err := newCache(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open extraction cache: %w", err)
	}
	if closeCache != nil {
		app.closers = append(app.closers, closeCache)
	}

	svc := extraction.NewService(extractors, vertex, toolkit, cache, typePatterns, extraction.Config{
		MinInterval: cfg.Extraction.MinInterval,
		MaxRetries:  cfg.Extraction.MaxRetries,
	}, log)

	app.Engine = newEngine(cfg, st, vertex, log)

	var publisher Publisher
	if cfg.Publish.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		app.Storage = client
		app.closers = append(app.closers, client.Close)

		var notifier Notifier
		if cfg.Publish.WorkflowID != "" {
			trigger, err := gcp.NewWorkflowTrigger(ctx, cfg.Extraction.ProjectID, cfg.Publish.WorkflowLocation, cfg.Publish.WorkflowID)
			if err != nil {
				return nil, err
			}
			app.closers = append(app.closers, trigger.Close)
			notifier = trigger
		}
		publisher = NewArtifactPublisher(gcp.NewArtifactBucket(client, cfg.Publish.Bucket, cfg.Publish.Prefix), notifier, log)
	}

	app.Orchestrator = NewOrchestrator(Deps{
		Store:      st,
		Actuator:   actuator,
		Extractor:  svc,
		Inspector:  toolkit,
		Reconciler: app.Engine,
		Publisher:  publisher,
	}, Options{
		MaxFileSize:    cfg.MaxFileSize(),
		ArchiveMerged:  cfg.Pipeline.ArchiveMerged,
		InvoiceRejects: rejects,
		PODKeywords:    patterns.Keywords(),
		StaleAfter:     cfg.Pipeline.StaleAfter,
	}, log)

	log.Info("pipeline initialized",
		"storage", cfg.Storage.Backend,
		"cache", cfg.Extraction.CacheBackend,
		"extractors", len(extractors),
		"publish", cfg.Publish.Bucket != "",
	)
	return app, nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
