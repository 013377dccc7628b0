// Package services wires the pipeline: the orchestrator that runs passes, the
// artifact publisher, the Cloud Functions ingest entrypoint and bootstrap.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lllllllleong/documentmerger/internal/dedupe"
	"github.com/Lllllllleong/documentmerger/internal/extraction"
	"github.com/Lllllllleong/documentmerger/internal/fsops"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
	"github.com/Lllllllleong/documentmerger/internal/pdfdoc"
	"github.com/Lllllllleong/documentmerger/internal/reconcile"
	"github.com/Lllllllleong/documentmerger/internal/store"
)

const (
	reasonNotFound     = "file not found on disk"
	reasonNoOrderID    = "no order identifier found"
	reasonInterrupted  = "interrupted"
	reasonNoItems      = "Skipped: No Items"
	reasonBlankOrTerms = "Skipped: Blank or T&C page"
)

// Extractor finds order ids and table rows in a document.
type Extractor interface {
	ExtractHeaderInfo(ctx context.Context, path string, docType models.DocType) (extraction.HeaderInfo, error)
	ExtractOrderIDFallback(ctx context.Context, path string) (string, error)
	ExtractLineItemsPerPage(ctx context.Context, path string, pageIndex int) (json.RawMessage, error)
	ClassifyDocumentType(ctx context.Context, path string) (models.DocType, error)
}

// Inspector answers cheap questions about a file without a model call.
type Inspector interface {
	Sniff(path string) (string, error)
	PageCount(path string) (int, error)
	FirstPageText(path string) (string, error)
}

// Reconciler produces the verdict for one order.
type Reconciler interface {
	ReconcileOrder(ctx context.Context, orderID string) (*reconcile.Result, error)
}

// Publisher hands a merged artifact to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, artifactPath string, n models.MergeNotification) error
}

// Deps are the orchestrator's collaborators. Publisher may be nil.
type Deps struct {
	Store      store.Store
	Actuator   *fsops.Actuator
	Extractor  Extractor
	Inspector  Inspector
	Reconciler Reconciler
	Publisher  Publisher
}

type Options struct {
	MaxFileSize    int64
	ArchiveMerged  bool
	InvoiceRejects []*regexp.Regexp
	PODKeywords    []string
	// StaleAfter is how long a PROCESSING record must sit untouched before
	// startup recovery resets it.
	StaleAfter time.Duration
}

// PassSummary counts what one pass did.
type PassSummary struct {
	PassID             string
	Scanned            int
	Registered         int
	Duplicates         int
	Processed          int
	Succeeded          int
	Failed             int
	Quarantined        int
	Merged             int
	BundlesQuarantined int
	Waiting            int
	Ghosts             int
	Duration           time.Duration
}

// Orchestrator runs scan, process and merge passes. Passes never overlap.
type Orchestrator struct {
	deps   Deps
	opts   Options
	log    *logger.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	recoverOnce sync.Once

	hashFile func(string) (string, error)
	now      func() time.Time
}

func NewOrchestrator(deps Deps, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		log:      log.Named("orchestrator"),
		tracer:   otel.Tracer("github.com/Lllllllleong/documentmerger/internal/services"),
		hashFile: dedupe.HashFile,
		now:      time.Now,
	}
}

// Run executes passes back to back on interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		o.RunPass(ctx)
		select {
		case <-ctx.Done():
			o.log.Info("shutdown requested, stopping pipeline loop")
			return nil
		case <-ticker.C:
		}
	}
}

// RunPass executes one scan, process and merge cycle. Errors are contained
// per file and per bundle; a pass never aborts because of one of them.
func (o *Orchestrator) RunPass(ctx context.Context) PassSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	sum := PassSummary{PassID: uuid.NewString()}
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "pipeline.pass", trace.WithAttributes(attribute.String("pass.id", sum.PassID)))
	defer span.End()
	logCtx := o.log.With("passId", sum.PassID)

	o.recoverOnce.Do(func() {
		n, err := o.deps.Store.RecoverInterrupted(ctx, o.opts.StaleAfter)
		if err != nil {
			logCtx.Error("failed to recover interrupted records", "error", err)
			return
		}
		if n > 0 {
			logCtx.Warn("recovered interrupted records", "count", n)
		}
	})

	o.step(ctx, "scan", func(ctx context.Context) { o.scan(ctx, logCtx, &sum) })
	if ctx.Err() == nil {
		o.step(ctx, "process", func(ctx context.Context) { o.process(ctx, logCtx, &sum) })
	}
	if ctx.Err() == nil {
		o.step(ctx, "merge", func(ctx context.Context) { o.merge(ctx, logCtx, &sum) })
	}

	sum.Duration = o.now().Sub(start)
	span.SetAttributes(
		attribute.Int("pass.registered", sum.Registered),
		attribute.Int("pass.processed", sum.Processed),
		attribute.Int("pass.merged", sum.Merged),
	)
	if sum.Registered+sum.Processed+sum.Merged+sum.BundlesQuarantined+sum.Duplicates > 0 {
		logCtx.Info("pass complete",
			"registered", sum.Registered,
			"duplicates", sum.Duplicates,
			"processed", sum.Processed,
			"succeeded", sum.Succeeded,
			"failed", sum.Failed,
			"quarantined", sum.Quarantined,
			"merged", sum.Merged,
			"bundlesQuarantined", sum.BundlesQuarantined,
			"waiting", sum.Waiting,
			"ghosts", sum.Ghosts,
			"duration", sum.Duration,
		)
	}
	return sum
}

func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context)) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	fn(ctx)
}

// --- Scan ---

func (o *Orchestrator) scan(ctx context.Context, logCtx *logger.Logger, sum *PassSummary) {
	for _, f := range o.deps.Actuator.ScanAndStandardize() {
		if ctx.Err() != nil {
			return
		}
		sum.Scanned++
		fileCtx := logCtx.With("file", f.Filename)

		hash, err := o.hashFile(f.Path)
		if err != nil {
			fileCtx.Warn("failed to hash file, will retry next pass", "error", err)
			continue
		}
		isNew, conflict, err := o.deps.Store.RegisterFile(ctx, f.Path, f.Filename, f.DocType, hash)
		if err != nil {
			fileCtx.Error("failed to register file", "error", err)
			continue
		}
		if isNew {
			sum.Registered++
			fileCtx.Info("registered new file", "docType", f.DocType)
			continue
		}
		if conflict == "" {
			// Same path, same content: a restart.
			continue
		}
		fileCtx.Warn("duplicate content detected, removing copy", "original", conflict)
		if err := o.deps.Actuator.RemoveDuplicate(f.Path); err != nil {
			fileCtx.Error("failed to remove duplicate", "error", err)
			continue
		}
		sum.Duplicates++
	}
}

// --- Process ---

func (o *Orchestrator) process(ctx context.Context, logCtx *logger.Logger, sum *PassSummary) {
	records, err := o.deps.Store.PendingFiles(ctx)
	if err != nil {
		logCtx.Error("failed to list pending files", "error", err)
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		sum.Processed++
		switch o.processFile(ctx, logCtx.With("file", rec.Filename), rec) {
		case models.StatusSuccess:
			sum.Succeeded++
		case models.StatusQuarantined:
			sum.Quarantined++
		case models.StatusFailed:
			sum.Failed++
		}
	}
}

// processFile takes one record from PENDING/FAILED to SUCCESS, FAILED or
// QUARANTINED and returns the status it was left in.
func (o *Orchestrator) processFile(ctx context.Context, logCtx *logger.Logger, rec models.FileRecord) (outcome models.Status) {
	defer func() {
		if r := recover(); r != nil {
			logCtx.Error("panic while processing file", "panic", r)
			outcome = o.quarantineFile(ctx, logCtx, rec.Path, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	info, err := os.Stat(rec.Path)
	if err != nil {
		logCtx.Warn("file missing from disk", "path", rec.Path)
		return o.fail(ctx, logCtx, rec.Path, reasonNotFound)
	}
	if reason, err := o.securityCheck(rec.Path, info.Size()); err != nil {
		return o.fail(ctx, logCtx, rec.Path, err.Error())
	} else if reason != "" {
		return o.quarantineFile(ctx, logCtx, rec.Path, "SECURITY: "+reason)
	}

	docType := rec.DocType
	var opts []store.UpdateOption
	if docType == models.DocTypeUnknown || docType == "" {
		classified, err := o.deps.Extractor.ClassifyDocumentType(ctx, rec.Path)
		if err != nil {
			logCtx.Warn("classification failed", "error", err)
		} else if classified != models.DocTypeUnknown {
			docType = classified
			opts = append(opts, store.WithDocType(docType))
			logCtx.Info("document classified", "docType", docType)
		}
	}
	if err := o.deps.Store.UpdateStatus(ctx, rec.Path, models.StatusProcessing, opts...); err != nil {
		logCtx.Error("failed to mark file processing", "error", err)
		return rec.Status
	}

	orderID, err := o.findOrderID(ctx, logCtx, rec.Path, docType)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(ctx, logCtx, rec.Path, reasonInterrupted)
		}
		return o.fail(ctx, logCtx, rec.Path, err.Error())
	}
	if orderID == "" {
		return o.quarantineFile(ctx, logCtx, rec.Path, reasonNoOrderID)
	}
	logCtx = logCtx.With("orderId", orderID)

	items, err := o.extractItems(ctx, logCtx, rec, orderID, docType)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(ctx, logCtx, rec.Path, reasonInterrupted)
		}
		return o.quarantineFile(ctx, logCtx, rec.Path, err.Error())
	}
	if err := o.deps.Store.RecordExtraction(ctx, rec.Path, orderID, items); err != nil {
		logCtx.Error("failed to record extraction", "error", err)
		return o.fail(ctx, logCtx, rec.Path, err.Error())
	}
	logCtx.Info("extraction complete", "items", len(items))
	return models.StatusSuccess
}

// securityCheck returns a non-empty reason when the file must not be opened.
func (o *Orchestrator) securityCheck(path string, size int64) (string, error) {
	if o.opts.MaxFileSize > 0 && size > o.opts.MaxFileSize {
		return fmt.Sprintf("file size %d exceeds limit %d", size, o.opts.MaxFileSize), nil
	}
	mime, err := o.deps.Inspector.Sniff(path)
	if err != nil {
		return "", fmt.Errorf("content check failed: %w", err)
	}
	if !pdfdoc.IsPDF(mime) {
		return fmt.Sprintf("content is %s, not a PDF", mime), nil
	}
	return "", nil
}

// rejectedCode reports whether candidate is one of our own invoice numbers
// rather than an order id.
func (o *Orchestrator) rejectedCode(candidate string) bool {
	norm := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(candidate)), "-", "_")
	for _, re := range o.opts.InvoiceRejects {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}

// findOrderID runs header extraction, then the model fallback. Both
// candidates go through the invoice-code filter. A refusal counts as not found.
func (o *Orchestrator) findOrderID(ctx context.Context, logCtx *logger.Logger, path string, docType models.DocType) (string, error) {
	header, err := o.deps.Extractor.ExtractHeaderInfo(ctx, path, docType)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logCtx.Warn("header extraction failed, trying fallback", "error", err)
	}
	if cand := header.OrderID; cand != "" {
		if !o.rejectedCode(cand) {
			return cand, nil
		}
		logCtx.Info("rejected invoice code read as order id", "candidate", cand)
	}

	fallback, err := o.deps.Extractor.ExtractOrderIDFallback(ctx, path)
	if err != nil {
		if errors.Is(err, extraction.ErrRefused) {
			return "", nil
		}
		return "", fmt.Errorf("order id fallback: %w", err)
	}
	if fallback == "" {
		return "", nil
	}
	if o.rejectedCode(fallback) {
		logCtx.Info("rejected invoice code from fallback", "candidate", fallback)
		return "", nil
	}
	logCtx.Info("order id found by fallback", "orderId", fallback)
	return fallback, nil
}

// extractItems reads every page. Page failures are logged and skipped.
func (o *Orchestrator) extractItems(ctx context.Context, logCtx *logger.Logger, rec models.FileRecord, orderID string, docType models.DocType) ([]models.LineItem, error) {
	pages, err := o.deps.Inspector.PageCount(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	var items []models.LineItem
	for p := 0; p < pages; p++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := o.deps.Extractor.ExtractLineItemsPerPage(ctx, rec.Path, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logCtx.Warn("page extraction failed, skipping page", "page", p+1, "error", err)
			continue
		}
		records := extraction.SanitizeItems(raw)
		items = append(items, extraction.BuildLineItems(records, orderID, docType, rec.Filename, p+1)...)
	}
	return items, nil
}

// fail marks a record FAILED so the next pass retries it.
func (o *Orchestrator) fail(ctx context.Context, logCtx *logger.Logger, path, reason string) models.Status {
	if err := o.deps.Store.UpdateStatus(context.WithoutCancel(ctx), path, models.StatusFailed, store.WithError(reason)); err != nil {
		logCtx.Error("failed to mark file failed", "error", err)
	}
	return models.StatusFailed
}

// quarantineFile moves the file aside and marks it QUARANTINED. The status is
// set even when the move fails so the file is not reprocessed.
func (o *Orchestrator) quarantineFile(ctx context.Context, logCtx *logger.Logger, path, reason string) models.Status {
	if !o.deps.Actuator.QuarantineFile(path, reason) {
		logCtx.Error("quarantine move failed, file left in place", "reason", reason)
	}
	if err := o.deps.Store.UpdateStatus(context.WithoutCancel(ctx), path, models.StatusQuarantined, store.WithError(reason)); err != nil {
		logCtx.Error("failed to mark file quarantined", "error", err)
	}
	return models.StatusQuarantined
}

// --- Merge ---

var mergePriority = map[models.Role]int{
	models.RoleInvoice:  1,
	models.RoleDelivery: 2,
	models.RoleOrder:    3,
}

func priority(docType models.DocType) int {
	if p, ok := mergePriority[models.RoleOf(string(docType))]; ok {
		return p
	}
	return 99
}

// MergeOrder sorts a bundle invoice first, then delivery, then order, then
// anything else. Ties keep path order.
func MergeOrder(files []models.BundleFile) []models.BundleFile {
	out := append([]models.BundleFile(nil), files...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := priority(out[i].DocType), priority(out[j].DocType)
		if pi != pj {
			return pi < pj
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func missingRoles(files []models.BundleFile) []models.Role {
	have := map[models.Role]bool{}
	for _, f := range files {
		have[models.RoleOf(string(f.DocType))] = true
	}
	var missing []models.Role
	for _, r := range models.RequiredRoles {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

func (o *Orchestrator) merge(ctx context.Context, logCtx *logger.Logger, sum *PassSummary) {
	bundles, err := o.deps.Store.MergeableBundles(ctx)
	if err != nil {
		logCtx.Error("failed to load bundles", "error", err)
		return
	}
	orderIDs := make([]string, 0, len(bundles))
	for id := range bundles {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)

	for _, orderID := range orderIDs {
		if ctx.Err() != nil {
			return
		}
		o.mergeBundle(ctx, logCtx.With("orderId", orderID), orderID, bundles[orderID], sum)
	}
}

func (o *Orchestrator) mergeBundle(ctx context.Context, logCtx *logger.Logger, orderID string, files []models.BundleFile, sum *PassSummary) {
	defer func() {
		if r := recover(); r != nil {
			logCtx.Error("panic while merging bundle", "panic", r)
		}
	}()

	if missing := missingRoles(files); len(missing) > 0 {
		logCtx.Debug("bundle waiting for documents", "missing", missing)
		sum.Waiting++
		return
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.reconcile", trace.WithAttributes(attribute.String("order.id", orderID)))
	res, err := o.deps.Reconciler.ReconcileOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		logCtx.Error("reconciliation failed", "error", err)
		return
	}
	span.SetAttributes(attribute.String("verdict", string(res.Verdict)))
	span.End()

	switch {
	case res.Verdict.Quarantines():
		o.quarantineBundle(ctx, logCtx, orderID, files, res)
		sum.BundlesQuarantined++
	case isGhost(res):
		logCtx.Warn("ghost match: every role is on file but no lines were extracted, not merging",
			"verdict", res.Verdict, "details", res.Details)
		sum.Ghosts++
	case res.Verdict.Mergeable():
		if o.mergeFiles(ctx, logCtx, sum.PassID, orderID, files, res) {
			sum.Merged++
		}
	default:
		logCtx.Info("bundle not ready to merge", "verdict", res.Verdict, "details", res.Details)
		sum.Waiting++
	}
}

// isGhost reports a bundle whose files are all on record but carry no line
// items at all. The engine derives roles from items, so such a bundle comes
// back as WAITING_FOR_DOCS with every role missing rather than MATCH.
func isGhost(res *reconcile.Result) bool {
	if len(res.Lines) > 0 {
		return false
	}
	switch res.Verdict {
	case reconcile.VerdictMatch:
		return true
	case reconcile.VerdictWaitingForDocs:
		return len(res.Missing) == len(models.RequiredRoles)
	}
	return false
}

// quarantineBundle moves the bundle aside. Once files have moved their status
// writes must land even if the pass is cancelled.
func (o *Orchestrator) quarantineBundle(ctx context.Context, logCtx *logger.Logger, orderID string, files []models.BundleFile, res *reconcile.Result) {
	reason := fmt.Sprintf("%s: %s", res.Verdict, res.Details)
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	dir, moved, err := o.deps.Actuator.QuarantineBundle(orderID, paths, reason)
	if err != nil {
		logCtx.Error("bundle quarantine failed", "error", err)
		return
	}
	wctx := context.WithoutCancel(ctx)
	for _, p := range moved {
		if err := o.deps.Store.UpdateStatus(wctx, p, models.StatusQuarantined, store.WithError(reason)); err != nil {
			logCtx.Error("failed to mark file quarantined", "file", filepath.Base(p), "error", err)
		}
	}
	logCtx.Warn("bundle quarantined", "verdict", res.Verdict, "dir", dir)
}

// hasProofOfDelivery looks for a delivery keyword on the first page.
func (o *Orchestrator) hasProofOfDelivery(path string) bool {
	text, err := o.deps.Inspector.FirstPageText(path)
	if err != nil {
		return false
	}
	lower := strings.ToLower(text)
	for _, k := range o.opts.PODKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// mergeFiles concatenates the bundle into the output artifact and reports
// whether an artifact was written.
func (o *Orchestrator) mergeFiles(ctx context.Context, logCtx *logger.Logger, passID, orderID string, files []models.BundleFile, res *reconcile.Result) bool {
	wctx := context.WithoutCancel(ctx)
	missing := 0
	for _, f := range files {
		if _, err := os.Stat(f.Path); err != nil {
			name := filepath.Base(f.Path)
			logCtx.Warn("bundle file missing from disk", "file", name, "error", err)
			o.fail(ctx, logCtx.With("file", name), f.Path, reasonNotFound)
			missing++
		}
	}
	if missing > 0 {
		logCtx.Warn("deferring merge until the bundle is complete on disk", "missing", missing)
		return false
	}

	var pages []string
	for _, f := range MergeOrder(files) {
		name := filepath.Base(f.Path)
		n, err := o.deps.Store.LineItemCount(ctx, name)
		if err != nil {
			logCtx.Error("failed to count line items, deferring merge", "file", name, "error", err)
			return false
		}
		if n == 0 {
			isDelivery := models.RoleOf(string(f.DocType)) == models.RoleDelivery
			switch {
			case isDelivery && o.hasProofOfDelivery(f.Path):
				logCtx.Info("keeping signed delivery page without items", "file", name)
			case isDelivery:
				o.quarantineFile(ctx, logCtx.With("file", name), f.Path, reasonBlankOrTerms)
				continue
			default:
				if !o.deps.Actuator.ArchiveFile(f.Path) {
					logCtx.Warn("archive move failed", "file", name)
				}
				if err := o.deps.Store.UpdateStatus(wctx, f.Path, models.StatusArchived, store.WithError(reasonNoItems)); err != nil {
					logCtx.Error("failed to mark file archived", "file", name, "error", err)
				}
				continue
			}
		}
		pages = append(pages, f.Path)
	}
	if len(pages) == 0 {
		logCtx.Warn("nothing left to merge in bundle")
		return false
	}

	artifact, err := o.deps.Actuator.SaveMergedArtifact(pages, orderID)
	if err != nil {
		logCtx.Error("failed to save merged artifact", "error", err)
		return false
	}
	for _, p := range pages {
		if err := o.deps.Store.UpdateStatus(wctx, p, models.StatusMerged); err != nil {
			logCtx.Error("failed to mark file merged", "file", filepath.Base(p), "error", err)
		}
		if o.opts.ArchiveMerged && !o.deps.Actuator.ArchiveFile(p) {
			logCtx.Warn("archive move failed", "file", filepath.Base(p))
		}
	}
	logCtx.Info("bundle merged", "verdict", res.Verdict, "artifact", artifact, "files", len(pages))

	if o.deps.Publisher != nil {
		sources := make([]string, 0, len(pages))
		for _, p := range pages {
			sources = append(sources, filepath.Base(p))
		}
		n := models.MergeNotification{
			OrderID:     orderID,
			Verdict:     string(res.Verdict),
			SourceFiles: sources,
			PassID:      passID,
		}
		if err := o.deps.Publisher.Publish(ctx, artifact, n); err != nil {
			logCtx.Warn("publish failed, artifact kept locally", "error", err)
		}
	}
	return true
}
