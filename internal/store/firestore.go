package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/datatypes"

	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

// Firestore allows 500 writes per transaction; the file update takes one.
const maxItemsPerTransaction = 450

// FirestoreStore keeps file records keyed by content hash, so the hash
// uniqueness invariant is enforced by the document ID itself.
type FirestoreStore struct {
	client *firestore.Client
	files  *firestore.CollectionRef
	items  *firestore.CollectionRef
	log    *logger.Logger
}

type firestoreLineItem struct {
	OrderID     string    `firestore:"orderId"`
	DocType     string    `firestore:"docType"`
	SourceFile  string    `firestore:"sourceFile"`
	Page        int       `firestore:"page"`
	LineRef     string    `firestore:"lineRef"`
	Description string    `firestore:"description"`
	PartNo      string    `firestore:"partNo"`
	Quantity    string    `firestore:"quantity"`
	Raw         string    `firestore:"raw,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// NewFirestoreStore uses collections "<prefix>_files" and "<prefix>_lineItems".
func NewFirestoreStore(client *firestore.Client, prefix string, log *logger.Logger) *FirestoreStore {
	if log == nil {
		log = logger.Nop()
	}
	return &FirestoreStore{
		client: client,
		files:  client.Collection(prefix + "_files"),
		items:  client.Collection(prefix + "_lineItems"),
		log:    log.Named("store"),
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) RegisterFile(ctx context.Context, path, filename string, docType models.DocType, contentHash string) (bool, string, error) {
	var (
		isNew    bool
		conflict string
	)
	docRef := s.files.Doc(contentHash)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// transactions may be retried; reset per attempt
		isNew, conflict = false, ""

		snap, err := tx.Get(docRef)
		if err == nil {
			var existing models.FileRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.Path != path {
				conflict = existing.Filename
			}
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		byPath, err := tx.Documents(s.files.Where("path", "==", path).Limit(1)).GetAll()
		if err != nil {
			return err
		}
		if len(byPath) > 0 {
			s.log.Warn("path already registered with different content", "path", path, "storedHash", byPath[0].Ref.ID)
			return nil
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
		if err := tx.Create(docRef, rec); err != nil {
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

func (s *FirestoreStore) FileByHash(ctx context.Context, contentHash string) (*models.FileRecord, error) {
	snap, err := s.files.Doc(contentHash).Get(ctx)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", contentHash, err)
	}
	return decodeFile(snap)
}

func (s *FirestoreStore) FileByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	snaps, err := s.files.Where("path", "==", path).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query file %s: %w", path, err)
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return decodeFile(snaps[0])
}

func decodeFile(snap *firestore.DocumentSnapshot) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode file %s: %w", snap.Ref.ID, err)
	}
	return &rec, nil
}

func (s *FirestoreStore) collectFiles(ctx context.Context, q firestore.Query) ([]models.FileRecord, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []models.FileRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeFile(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FirestoreStore) Files(ctx context.Context) ([]models.FileRecord, error) {
	recs, err := s.collectFiles(ctx, s.files.Query)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return recs, nil
}

func (s *FirestoreStore) PendingFiles(ctx context.Context) ([]models.FileRecord, error) {
	q := s.files.Where("status", "in", []string{string(models.StatusPending), string(models.StatusFailed)})
	recs, err := s.collectFiles(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list pending files: %w", err)
	}
	return recs, nil
}

func statusUpdates(st models.Status, u Update) []firestore.Update {
	updates := []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "lastUpdated", Value: nowFunc()},
	}
	if u.OrderID != nil {
		updates = append(updates, firestore.Update{Path: "orderId", Value: *u.OrderID})
	}
	if u.Error != nil {
		updates = append(updates, firestore.Update{Path: "errorMessage", Value: *u.Error})
	}
	if u.DocType != nil {
		updates = append(updates, firestore.Update{Path: "docType", Value: string(*u.DocType)})
	}
	return updates
}

// lockFile reads the record at path inside tx and rejects terminal records.
func (s *FirestoreStore) lockFile(tx *firestore.Transaction, path string, next models.Status) (*firestore.DocumentRef, *models.FileRecord, error) {
	snaps, err := tx.Documents(s.files.Where("path", "==", path).Limit(1)).GetAll()
	if err != nil {
		return nil, nil, err
	}
	if len(snaps) == 0 {
		return nil, nil, fmt.Errorf("update status of %s: %w", path, ErrNotFound)
	}
	rec, err := decodeFile(snaps[0])
	if err != nil {
		return nil, nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("update status of %s to %s: %w", path, next, ErrTerminalState)
	}
	return snaps[0].Ref, rec, nil
}

func (s *FirestoreStore) UpdateStatus(ctx context.Context, path string, st models.Status, opts ...UpdateOption) error {
	u := buildUpdate(opts)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, _, err := s.lockFile(tx, path, st)
		if err != nil {
			return err
		}
		return tx.Update(ref, statusUpdates(st, u))
	})
}

func toFirestoreItem(it models.LineItem, now time.Time) firestoreLineItem {
	return firestoreLineItem{
		OrderID:     it.OrderID,
		DocType:     string(it.DocType),
		SourceFile:  it.SourceFile,
		Page:        it.Page,
		LineRef:     it.LineRef,
		Description: it.Description,
		PartNo:      it.PartNo,
		Quantity:    it.Quantity.String(),
		Raw:         string(it.Raw),
		CreatedAt:   now,
	}
}

func fromFirestoreItem(fi firestoreLineItem) models.LineItem {
	qty, err := decimal.NewFromString(fi.Quantity)
	if err != nil {
		qty = decimal.Zero
	}
	it := models.LineItem{
		OrderID:     fi.OrderID,
		DocType:     models.DocType(fi.DocType),
		SourceFile:  fi.SourceFile,
		Page:        fi.Page,
		LineRef:     fi.LineRef,
		Description: fi.Description,
		PartNo:      fi.PartNo,
		Quantity:    qty,
		CreatedAt:   fi.CreatedAt,
	}
	if fi.Raw != "" && json.Valid([]byte(fi.Raw)) {
		it.Raw = datatypes.JSON(fi.Raw)
	}
	return it
}

// RecordExtraction is atomic up to maxItemsPerTransaction items. Larger sets
// are bulk-written first under deterministic IDs, so a crash before the status
// update is repaired by the rewrite on the next attempt.
func (s *FirestoreStore) RecordExtraction(ctx context.Context, path, orderID string, items []models.LineItem) error {
	rec, err := s.FileByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("record extraction for %s: %w", path, err)
	}
	prefix := rec.Hash()
	if prefix == "" {
		prefix = rec.Filename
	}
	empty := ""
	u := Update{OrderID: &orderID, Error: &empty}
	now := nowFunc()

	if len(items) <= maxItemsPerTransaction {
		return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			ref, _, err := s.lockFile(tx, path, models.StatusSuccess)
			if err != nil {
				return err
			}
			for i, it := range items {
				doc := s.items.Doc(fmt.Sprintf("%s-%05d", prefix, i))
				if err := tx.Set(doc, toFirestoreItem(it, now)); err != nil {
					return err
				}
			}
			return tx.Update(ref, statusUpdates(models.StatusSuccess, u))
		})
	}

	if rec.Status.IsTerminal() {
		return fmt.Errorf("record extraction for %s: %w", path, ErrTerminalState)
	}
	if err := s.bulkWrite(ctx, items, func(i int) *firestore.DocumentRef {
		return s.items.Doc(fmt.Sprintf("%s-%05d", prefix, i))
	}); err != nil {
		return fmt.Errorf("record extraction for %s: %w", path, err)
	}
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, _, err := s.lockFile(tx, path, models.StatusSuccess)
		if err != nil {
			return err
		}
		return tx.Update(ref, statusUpdates(models.StatusSuccess, u))
	})
}

func (s *FirestoreStore) SaveLineItems(ctx context.Context, items []models.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.bulkWrite(ctx, items, func(int) *firestore.DocumentRef { return s.items.NewDoc() }); err != nil {
		return fmt.Errorf("save line items: %w", err)
	}
	return nil
}

func (s *FirestoreStore) bulkWrite(ctx context.Context, items []models.LineItem, ref func(i int) *firestore.DocumentRef) error {
	now := nowFunc()
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(items))
	for i, it := range items {
		job, err := bw.Set(ref(i), toFirestoreItem(it, now))
		if err != nil {
			bw.End()
			return err
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return err
		}
	}
	return nil
}

func (s *FirestoreStore) LineItems(ctx context.Context, orderID string) ([]models.LineItem, error) {
	iter := s.items.Where("orderId", "==", orderID).Documents(ctx)
	defer iter.Stop()
	type keyed struct {
		id   string
		item models.LineItem
	}
	var rows []keyed
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list line items for %s: %w", orderID, err)
		}
		var fi firestoreLineItem
		if err := snap.DataTo(&fi); err != nil {
			return nil, fmt.Errorf("decode line item %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, keyed{id: snap.Ref.ID, item: fromFirestoreItem(fi)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	out := make([]models.LineItem, len(rows))
	for i, r := range rows {
		out[i] = r.item
	}
	return out, nil
}

func (s *FirestoreStore) count(ctx context.Context, q firestore.Query) (int64, error) {
	res, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := res["all"]
	if !ok {
		return 0, fmt.Errorf("count aggregation missing from result")
	}
	pv, ok := v.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count type %T", v)
	}
	return pv.GetIntegerValue(), nil
}

func (s *FirestoreStore) LineItemCount(ctx context.Context, filename string) (int64, error) {
	n, err := s.count(ctx, s.items.Where("sourceFile", "==", filename))
	if err != nil {
		return 0, fmt.Errorf("count line items for %s: %w", filename, err)
	}
	return n, nil
}

func (s *FirestoreStore) MergeableBundles(ctx context.Context) (map[string][]models.BundleFile, error) {
	recs, err := s.collectFiles(ctx, s.files.Where("status", "==", string(models.StatusSuccess)))
	if err != nil {
		return nil, fmt.Errorf("list mergeable bundles: %w", err)
	}
	bundles := make(map[string][]models.BundleFile)
	for _, r := range recs {
		if r.Order() == "" {
			continue
		}
		bundles[r.Order()] = append(bundles[r.Order()], models.BundleFile{Path: r.Path, DocType: r.DocType})
	}
	return bundles, nil
}

func (s *FirestoreStore) OrderIDs(ctx context.Context) ([]string, error) {
	recs, err := s.Files(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, r := range recs {
		if id := r.Order(); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FirestoreStore) Counts(ctx context.Context) (models.Counts, error) {
	var c models.Counts
	var err error
	pending := s.files.Where("status", "in", []string{string(models.StatusPending), string(models.StatusFailed)})
	if c.Pending, err = s.count(ctx, pending); err != nil {
		return c, fmt.Errorf("count pending: %w", err)
	}
	if c.Merged, err = s.count(ctx, s.files.Where("status", "==", string(models.StatusMerged))); err != nil {
		return c, fmt.Errorf("count merged: %w", err)
	}
	if c.Quarantined, err = s.count(ctx, s.files.Where("status", "==", string(models.StatusQuarantined))); err != nil {
		return c, fmt.Errorf("count quarantined: %w", err)
	}
	return c, nil
}

func (s *FirestoreStore) GhostFiles(ctx context.Context) ([]string, error) {
	recs, err := s.collectFiles(ctx, s.files.Where("status", "==", string(models.StatusSuccess)))
	if err != nil {
		return nil, fmt.Errorf("list ghost files: %w", err)
	}
	var ghosts []string
	for _, r := range recs {
		n, err := s.LineItemCount(ctx, r.Filename)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			ghosts = append(ghosts, r.Filename)
		}
	}
	sort.Strings(ghosts)
	return ghosts, nil
}

func (s *FirestoreStore) RecoverInterrupted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := nowFunc().Add(-olderThan)
	iter := s.files.Where("status", "==", string(models.StatusProcessing)).Documents(ctx)
	defer iter.Stop()
	var n int64
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover interrupted files: %w", err)
		}
		rec, err := decodeFile(snap)
		if err != nil {
			return n, err
		}
		if rec.LastUpdated.After(cutoff) {
			continue
		}
		msg := "recovered after interrupted pass"
		_, err = snap.Ref.Update(ctx, statusUpdates(models.StatusPending, Update{Error: &msg}),
			firestore.LastUpdateTime(snap.UpdateTime))
		if err != nil {
			s.log.Warn("could not recover interrupted file", "path", rec.Path, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

var _ Store = (*FirestoreStore)(nil)
