// Package store is the durable record of file state and extracted line items.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Lllllllleong/documentmerger/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrTerminalState = errors.New("record is in a terminal state")
)

// Store is the single source of truth across restarts.
type Store interface {
	// RegisterFile creates a PENDING record for a newly seen hash. When the hash
	// already exists under a different path the existing filename is returned
	// as conflictingFilename. The same path holding the same hash is a restart
	// and is not a conflict.
	RegisterFile(ctx context.Context, path, filename string, docType models.DocType, contentHash string) (isNew bool, conflictingFilename string, err error)

	FileByHash(ctx context.Context, contentHash string) (*models.FileRecord, error)
	FileByPath(ctx context.Context, path string) (*models.FileRecord, error)
	Files(ctx context.Context) ([]models.FileRecord, error)

	// PendingFiles is the retry queue: PENDING and FAILED records.
	PendingFiles(ctx context.Context) ([]models.FileRecord, error)

	// UpdateStatus changes only the provided fields and refreshes lastUpdated.
	// Records in a terminal state are never moved again.
	UpdateStatus(ctx context.Context, path string, status models.Status, opts ...UpdateOption) error

	// RecordExtraction marks path SUCCESS with orderID and appends items in one transaction.
	RecordExtraction(ctx context.Context, path, orderID string, items []models.LineItem) error

	SaveLineItems(ctx context.Context, items []models.LineItem) error
	LineItems(ctx context.Context, orderID string) ([]models.LineItem, error)
	LineItemCount(ctx context.Context, filename string) (int64, error)

	// MergeableBundles groups SUCCESS files with an order id.
	MergeableBundles(ctx context.Context) (map[string][]models.BundleFile, error)
	OrderIDs(ctx context.Context) ([]string, error)
	Counts(ctx context.Context) (models.Counts, error)

	// GhostFiles lists filenames marked SUCCESS that contributed no line items.
	GhostFiles(ctx context.Context) ([]string, error)

	// RecoverInterrupted puts PROCESSING records untouched for olderThan back to PENDING.
	RecoverInterrupted(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// Update carries the optional fields of UpdateStatus.
type Update struct {
	OrderID *string
	Error   *string
	DocType *models.DocType
}

type UpdateOption func(*Update)

func WithOrderID(orderID string) UpdateOption {
	return func(u *Update) { u.OrderID = &orderID }
}

func WithError(msg string) UpdateOption {
	return func(u *Update) { u.Error = &msg }
}

func WithDocType(docType models.DocType) UpdateOption {
	return func(u *Update) { u.DocType = &docType }
}

func buildUpdate(opts []UpdateOption) Update {
	var u Update
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

var terminalStatuses = []models.Status{models.StatusQuarantined, models.StatusMerged, models.StatusArchived}

var nowFunc = time.Now
