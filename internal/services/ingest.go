package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/dedupe"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
	"github.com/Lllllllleong/documentmerger/internal/store"
)

// ObjectStreamer copies a bucket object to a local path.
type ObjectStreamer func(ctx context.Context, bucket, object, destPath string) error

// PassRunner runs one pipeline pass.
type PassRunner interface {
	RunPass(ctx context.Context) PassSummary
}

// IngestFunction drops uploaded documents into the matching input root and
// runs a pass over them.
type IngestFunction struct {
	stream ObjectStreamer
	store  store.Store
	runner PassRunner
	paths  config.PathsConfig
	log    *logger.Logger

	hashFile func(string) (string, error)
}

func NewIngestFunction(stream ObjectStreamer, st store.Store, runner PassRunner, paths config.PathsConfig, log *logger.Logger) *IngestFunction {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestFunction{
		stream:   stream,
		store:    st,
		runner:   runner,
		paths:    paths,
		log:      log.Named("ingest"),
		hashFile: dedupe.HashFile,
	}
}

// RootFor maps the object's first path segment to an input folder. Objects
// without a recognised folder go to the unsorted root, or nowhere when none
// is configured.
func (f *IngestFunction) RootFor(object string) string {
	if i := strings.Index(object, "/"); i > 0 {
		switch models.RoleOf(object[:i]) {
		case models.RoleOrder:
			return f.paths.PurchaseOrder
		case models.RoleDelivery:
			return f.paths.DeliveryNote
		case models.RoleInvoice:
			return f.paths.SalesInvoice
		}
	}
	return f.paths.Unsorted
}

func (f *IngestFunction) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := f.log.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	if !strings.EqualFold(path.Ext(e.Name), ".pdf") {
		logCtx.Info("Not a PDF. Skipping.")
		return nil
	}
	dir := f.RootFor(e.Name)
	if dir == "" {
		logCtx.Warn("No input folder for object and no unsorted root configured. Skipping.")
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create input dir %s: %w", dir, err)
	}

	dest := filepath.Join(dir, path.Base(e.Name))
	if err := f.stream(ctx, e.Bucket, e.Name, dest); err != nil {
		logCtx.Error("Failed to download source PDF", "error", err)
		return err
	}

	fileHash, err := f.hashFile(dest)
	if err != nil {
		return fmt.Errorf("failed to calculate file hash: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	existing, err := f.store.FileByHash(ctx, fileHash)
	switch {
	case err == nil && existing.Path != dest:
		logCtx.Info("Duplicate file detected. Skipping.", "existingFile", existing.Filename)
		if err := os.Remove(dest); err != nil {
			logCtx.Warn("Failed to remove duplicate download", "error", err)
		}
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}

	sum := f.runner.RunPass(ctx)
	logCtx.Info("Pass complete.", "passId", sum.PassID, "registered", sum.Registered, "merged", sum.Merged)
	return nil
}
