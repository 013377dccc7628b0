package main

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/gcp"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
	"github.com/Lllllllleong/documentmerger/internal/services"
)

var (
	ingestInstance *services.IngestFunction
	log            = logger.Nop()
	once           sync.Once
	initErr        error
)

func init() {
	functions.CloudEvent("IngestDocument", ingestDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// setup builds the pipeline once per instance. Config comes from MERGER_
// environment variables.
func setup(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if l, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: "json", Output: "stdout"}); err == nil {
		log = l
	}

	app, err := services.Bootstrap(ctx, cfg, log)
	if err != nil {
		return err
	}
	client := app.Storage
	if client == nil {
		if client, err = storage.NewClient(ctx); err != nil {
			_ = app.Close()
			return fmt.Errorf("failed to create storage client: %w", err)
		}
	}
	stream := func(ctx context.Context, bucket, object, destPath string) error {
		return gcp.StreamObject(ctx, client, bucket, object, destPath)
	}
	ingestInstance = services.NewIngestFunction(stream, app.Store, app.Orchestrator, cfg.Paths, log)
	return nil
}

// ingestDocument is the Cloud Function entry point.
func ingestDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		log.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := e.DataAs(&gcsEvent); err != nil {
		log.Error("Failed to decode event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("event.DataAs: %w", err)
	}
	return ingestInstance.Process(ctx, gcsEvent)
}
