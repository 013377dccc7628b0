// Package fsops owns every filesystem mutation of the pipeline: scanning and
// renaming inputs, moving files between areas, and writing merged artifacts.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/handles"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

const (
	pdfExt             = ".pdf"
	discrepancyReport  = "DISCREPANCY_REPORT.txt"
	mergedArtifactBase = "Combined_"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Merger concatenates PDFs into one output file.
type Merger interface {
	Merge(inFiles []string, outFile string) error
}

// Root is one input folder and the document type its files carry.
type Root struct {
	Dir     string
	DocType models.DocType
}

// ScannedFile is a file discovered by ScanAndStandardize, after renaming.
type ScannedFile struct {
	Path     string
	Filename string
	DocType  models.DocType
}

// Actuator performs scans and safe, retryable moves.
type Actuator struct {
	paths    config.PathsConfig
	attempts int
	backoff  time.Duration
	merger   Merger
	handles  *handles.Registry
	log      *logger.Logger

	now    func() time.Time
	sleep  func(time.Duration)
	rename func(src, dst string) error
}

// NewActuator takes move attempts and backoff from pipeline.
func NewActuator(paths config.PathsConfig, pipeline config.PipelineConfig, merger Merger, registry *handles.Registry, log *logger.Logger) *Actuator {
	if log == nil {
		log = logger.Nop()
	}
	if registry == nil {
		registry = handles.NewRegistry()
	}
	return &Actuator{
		paths:    paths,
		attempts: pipeline.MoveAttempts,
		backoff:  pipeline.MoveBackoff,
		merger:   merger,
		handles:  registry,
		log:      log.Named("fsops"),
		now:      time.Now,
		sleep:    time.Sleep,
		rename:   os.Rename,
	}
}

// Roots lists the input folders in scan order. The unsorted root is included
// only when configured.
func (a *Actuator) Roots() []Root {
	roots := []Root{
		{Dir: a.paths.PurchaseOrder, DocType: models.DocTypePurchaseOrder},
		{Dir: a.paths.DeliveryNote, DocType: models.DocTypeDeliveryNote},
		{Dir: a.paths.SalesInvoice, DocType: models.DocTypeSalesInvoice},
	}
	if a.paths.Unsorted != "" {
		roots = append(roots, Root{Dir: a.paths.Unsorted, DocType: models.DocTypeUnknown})
	}
	return roots
}

// RootFor returns the input root a path was found in.
func (a *Actuator) RootFor(path string) (Root, bool) {
	dir := filepath.Clean(filepath.Dir(path))
	for _, r := range a.Roots() {
		if filepath.Clean(r.Dir) == dir {
			return r, true
		}
	}
	return Root{}, false
}

// EnsureDirectories creates every input root and the quarantine, output and
// archive areas.
func (a *Actuator) EnsureDirectories() error {
	dirs := []string{a.paths.Quarantine, a.paths.Output, a.paths.Archive}
	for _, r := range a.Roots() {
		dirs = append(dirs, r.Dir)
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// StandardName returns the TYPE_<cleaned-stem>.pdf form of name. Names that
// already carry the prefix are returned unchanged.
func StandardName(name string, docType models.DocType) string {
	prefix := docType.Prefix() + "_"
	if strings.HasPrefix(name, prefix) {
		return name
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return prefix + unsafeChars.ReplaceAllString(stem, "_") + pdfExt
}

// ScanAndStandardize lists the PDFs in every input root, renaming new ones to
// the standard form. Per-file failures are logged and the file skipped.
func (a *Actuator) ScanAndStandardize() []ScannedFile {
	var found []ScannedFile
	for _, root := range a.Roots() {
		entries, err := os.ReadDir(root.Dir)
		if err != nil {
			a.log.Warn("cannot read input root", "dir", root.Dir, "error", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), pdfExt) {
				continue
			}
			src := filepath.Join(root.Dir, e.Name())
			name := StandardName(e.Name(), root.DocType)
			dst := filepath.Join(root.Dir, name)

			if name != e.Name() {
				if _, err := os.Stat(dst); err == nil {
					a.log.Warn("standard name already taken, skipping", "file", e.Name(), "target", name)
					continue
				}
				if err := a.rename(src, dst); err != nil {
					a.log.Warn("rename failed, skipping", "file", e.Name(), "error", err)
					continue
				}
				a.log.Info("standardized filename", "from", e.Name(), "to", name)
			}
			found = append(found, ScannedFile{Path: dst, Filename: name, DocType: root.DocType})
		}
	}
	return found
}

func retryable(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ETXTBSY)
}

// MoveWithRetry moves src to dest, retrying lock-like failures with a fixed
// backoff. Open handles on src are released before each retry. Failure is
// logged and reported as false.
func (a *Actuator) MoveWithRetry(src, dest string, maxAttempts int) bool {
	logCtx := a.log.With("src", src, "dest", dest)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		logCtx.Error("cannot create destination directory", "error", err)
		return false
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if n := a.handles.Release(src); n > 0 {
				logCtx.Debug("released open handles before retry", "count", n)
			}
			a.sleep(a.backoff)
		}
		if err = a.move(src, dest); err == nil {
			return true
		}
		if !retryable(err) {
			break
		}
		logCtx.Warn("move blocked, retrying", "attempt", attempt, "maxAttempts", maxAttempts, "error", err)
	}
	logCtx.Error("move failed", "error", err)
	return false
}

func (a *Actuator) move(src, dest string) error {
	err := a.rename(src, dest)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// uniqueTarget returns dir/name, suffixed with a timestamp when taken.
func (a *Actuator) uniqueTarget(dir, name string) string {
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return target
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, a.now().Format("150405.000000000"), ext))
}

// QuarantineFile moves one file into the quarantine area.
func (a *Actuator) QuarantineFile(path, reason string) bool {
	dest := a.uniqueTarget(a.paths.Quarantine, filepath.Base(path))
	ok := a.MoveWithRetry(path, dest, a.attempts)
	if ok {
		a.log.Warn("file quarantined", "file", filepath.Base(path), "reason", reason)
	}
	return ok
}

// QuarantineBundle moves every file of an order into its own quarantine folder
// next to a discrepancy report. It returns the folder and the files actually moved.
func (a *Actuator) QuarantineBundle(orderID string, paths []string, reason string) (string, []string, error) {
	dir := filepath.Join(a.paths.Quarantine,
		fmt.Sprintf("MISMATCH_%s_%s", unsafeChars.ReplaceAllString(orderID, "_"), a.now().Format("150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create bundle quarantine %s: %w", dir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PO Number: %s\n", orderID)
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	b.WriteString(strings.Repeat("-", 40) + "\n")
	b.WriteString("Files moved:\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s\n", filepath.Base(p))
	}
	if err := os.WriteFile(filepath.Join(dir, discrepancyReport), []byte(b.String()), 0o644); err != nil {
		return dir, nil, fmt.Errorf("write discrepancy report: %w", err)
	}

	var moved []string
	for _, p := range paths {
		if a.MoveWithRetry(p, filepath.Join(dir, filepath.Base(p)), a.attempts) {
			moved = append(moved, p)
		}
	}
	a.log.Warn("bundle quarantined", "orderId", orderID, "reason", reason, "dir", dir, "moved", len(moved), "total", len(paths))
	return dir, moved, nil
}

// ArchiveFile moves a processed source into the archive area.
func (a *Actuator) ArchiveFile(path string) bool {
	return a.MoveWithRetry(path, a.uniqueTarget(a.paths.Archive, filepath.Base(path)), a.attempts)
}

// RemoveDuplicate deletes a physical duplicate.
func (a *Actuator) RemoveDuplicate(path string) error {
	a.handles.Release(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove duplicate %s: %w", path, err)
	}
	return nil
}

// MergedArtifactPath is the deterministic output path for an order.
func (a *Actuator) MergedArtifactPath(orderID string) string {
	return filepath.Join(a.paths.Output, mergedArtifactBase+unsafeChars.ReplaceAllString(orderID, "_")+pdfExt)
}

// SaveMergedArtifact merges pages in the given order into the output area.
// The artifact is written to a temporary file first so a failed merge never
// leaves a partial Combined_ file behind.
func (a *Actuator) SaveMergedArtifact(pages []string, orderID string) (string, error) {
	if len(pages) == 0 {
		return "", fmt.Errorf("no pages to merge for order %s", orderID)
	}
	out := a.MergedArtifactPath(orderID)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(out), "."+filepath.Base(out)+".partial")
	_ = os.Remove(tmp)

	if err := a.merger.Merge(pages, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("merge %d files for order %s: %w", len(pages), orderID, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize merged artifact %s: %w", out, err)
	}
	a.log.Info("merged artifact saved", "orderId", orderID, "path", out, "files", len(pages))
	return out, nil
}
