package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/documentmerger/internal/gcp"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

// Uploader stores a local file remotely and returns its URI.
type Uploader interface {
	UploadFileAtomically(ctx context.Context, localPath string) (string, error)
}

// Notifier starts a downstream workflow for a merged order.
type Notifier interface {
	Notify(ctx context.Context, n models.MergeNotification) (string, error)
}

// ArtifactPublisher uploads merged artifacts and, when a notifier is set,
// starts one workflow execution per newly uploaded artifact.
type ArtifactPublisher struct {
	uploader Uploader
	notifier Notifier
	log      *logger.Logger
}

func NewArtifactPublisher(uploader Uploader, notifier Notifier, log *logger.Logger) *ArtifactPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &ArtifactPublisher{uploader: uploader, notifier: notifier, log: log.Named("publisher")}
}

func (p *ArtifactPublisher) Publish(ctx context.Context, artifactPath string, n models.MergeNotification) error {
	logCtx := p.log.With("orderId", n.OrderID, "artifact", artifactPath)

	uri, err := p.uploader.UploadFileAtomically(ctx, artifactPath)
	if errors.Is(err, gcp.ErrObjectExists) {
		logCtx.Info("SKIPPING: artifact already published", "uri", uri)
		return nil
	}
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	logCtx.Info("artifact uploaded", "uri", uri)

	if p.notifier == nil {
		return nil
	}
	n.ArtifactURI = uri
	execution, err := p.notifier.Notify(ctx, n)
	if err != nil {
		return err
	}
	logCtx.Info("workflow triggered", "execution", execution)
	return nil
}
