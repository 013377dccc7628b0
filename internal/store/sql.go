package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

const insertBatchSize = 200

// SQLStore is the gorm-backed Store used for local runs.
type SQLStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// OpenSQLite opens (and migrates) the database file at path.
func OpenSQLite(path string, log *logger.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// one writer; statements queue instead of failing with SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	return NewSQLStore(db, log)
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB, log *logger.Logger) (*SQLStore, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := db.AutoMigrate(&models.FileRecord{}, &models.LineItem{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStore{db: db, log: log.Named("store")}, nil
}

func (s *SQLStore) RegisterFile(ctx context.Context, path, filename string, docType models.DocType, contentHash string) (bool, string, error) {
	var (
		isNew    bool
		conflict string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.FileRecord
		err := tx.Where("content_hash = ?", contentHash).Take(&existing).Error
		if err == nil {
			if existing.Path != path {
				conflict = existing.Filename
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var byPath models.FileRecord
		err = tx.Where("path = ?", path).Take(&byPath).Error
		if err == nil {
			// Rows written before hashing existed get their hash backfilled.
			// Otherwise the stored record keeps its identity.
			if byPath.ContentHash == nil {
				return tx.Model(&models.FileRecord{}).
					Where("id = ?", byPath.ID).
					Updates(map[string]interface{}{"content_hash": contentHash, "last_updated": nowFunc()}).Error
			}
			s.log.Warn("path already registered with different content", "path", path, "storedHash", byPath.Hash())
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := nowFunc()
		hash := contentHash
		rec := models.FileRecord{
			Path:        path,
			Filename:    filename,
			ContentHash: &hash,
			DocType:     docType,
			Status:      models.StatusPending,
			LastUpdated: now,
			CreatedAt:   now,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		isNew = true
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("register file %s: %w", path, err)
	}
	return isNew, conflict, nil
}

func (s *SQLStore) FileByHash(ctx context.Context, contentHash string) (*models.FileRecord, error) {
	return s.takeFile(ctx, "content_hash = ?", contentHash)
}

func (s *SQLStore) FileByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	return s.takeFile(ctx, "path = ?", path)
}

func (s *SQLStore) takeFile(ctx context.Context, query string, arg interface{}) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := s.db.WithContext(ctx).Where(query, arg).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) Files(ctx context.Context) ([]models.FileRecord, error) {
	var recs []models.FileRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return recs, nil
}

func (s *SQLStore) PendingFiles(ctx context.Context) ([]models.FileRecord, error) {
	var recs []models.FileRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.Status{models.StatusPending, models.StatusFailed}).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending files: %w", err)
	}
	return recs, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, path string, status models.Status, opts ...UpdateOption) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateStatusTx(tx, path, status, buildUpdate(opts))
	})
}

func updateStatusTx(tx *gorm.DB, path string, status models.Status, u Update) error {
	values := map[string]interface{}{
		"status":       status,
		"last_updated": nowFunc(),
	}
	if u.OrderID != nil {
		values["order_id"] = *u.OrderID
	}
	if u.Error != nil {
		values["error_message"] = *u.Error
	}
	if u.DocType != nil {
		values["doc_type"] = *u.DocType
	}

	res := tx.Model(&models.FileRecord{}).
		Where("path = ? AND status NOT IN ?", path, terminalStatuses).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update status of %s: %w", path, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := tx.Model(&models.FileRecord{}).Where("path = ?", path).Count(&n).Error; err != nil {
		return fmt.Errorf("update status of %s: %w", path, err)
	}
	if n == 0 {
		return fmt.Errorf("update status of %s: %w", path, ErrNotFound)
	}
	return fmt.Errorf("update status of %s to %s: %w", path, status, ErrTerminalState)
}

func (s *SQLStore) RecordExtraction(ctx context.Context, path, orderID string, items []models.LineItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		empty := ""
		if err := updateStatusTx(tx, path, models.StatusSuccess, Update{OrderID: &orderID, Error: &empty}); err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&items, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert line items for %s: %w", path, err)
		}
		return nil
	})
}

func (s *SQLStore) SaveLineItems(ctx context.Context, items []models.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&items, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert line items: %w", err)
	}
	return nil
}

func (s *SQLStore) LineItems(ctx context.Context, orderID string) ([]models.LineItem, error) {
	var items []models.LineItem
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list line items for %s: %w", orderID, err)
	}
	return items, nil
}

func (s *SQLStore) LineItemCount(ctx context.Context, filename string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.LineItem{}).Where("source_file = ?", filename).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count line items for %s: %w", filename, err)
	}
	return n, nil
}

func (s *SQLStore) MergeableBundles(ctx context.Context) (map[string][]models.BundleFile, error) {
	var recs []models.FileRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND order_id IS NOT NULL AND order_id <> ''", models.StatusSuccess).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list mergeable bundles: %w", err)
	}
	bundles := make(map[string][]models.BundleFile)
	for _, r := range recs {
		bundles[r.Order()] = append(bundles[r.Order()], models.BundleFile{Path: r.Path, DocType: r.DocType})
	}
	return bundles, nil
}

func (s *SQLStore) OrderIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("order_id IS NOT NULL AND order_id <> ''").
		Distinct("order_id").
		Order("order_id").
		Pluck("order_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list order ids: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) Counts(ctx context.Context) (models.Counts, error) {
	var rows []struct {
		Status models.Status
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.Counts{}, fmt.Errorf("count files: %w", err)
	}
	var c models.Counts
	for _, r := range rows {
		switch r.Status {
		case models.StatusPending, models.StatusFailed:
			c.Pending += r.N
		case models.StatusMerged:
			c.Merged += r.N
		case models.StatusQuarantined:
			c.Quarantined += r.N
		}
	}
	return c, nil
}

func (s *SQLStore) GhostFiles(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT f.filename
		FROM files f
		LEFT JOIN line_items l ON f.filename = l.source_file
		WHERE f.status = ?
		GROUP BY f.filename
		HAVING COUNT(l.id) = 0
		ORDER BY f.filename`, models.StatusSuccess).
		Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("list ghost files: %w", err)
	}
	return names, nil
}

func (s *SQLStore) RecoverInterrupted(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := nowFunc()
	res := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("status = ? AND last_updated <= ?", models.StatusProcessing, now.Add(-olderThan)).
		Updates(map[string]interface{}{
			"status":        models.StatusPending,
			"error_message": "recovered after interrupted pass",
			"last_updated":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("recover interrupted files: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
