package dedupe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentmerger/internal/fsops"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

const hashConcurrency = 8

// RecordSource is the read side of the store the auditor needs.
type RecordSource interface {
	Files(ctx context.Context) ([]models.FileRecord, error)
	GhostFiles(ctx context.Context) ([]string, error)
}

// Misclassification is a record whose stored type disagrees with its folder.
type Misclassification struct {
	Path       string         `json:"path"`
	FolderType models.DocType `json:"folderType"`
	StoredType models.DocType `json:"storedType"`
}

// AuditReport summarizes integrity problems found across inputs and store.
type AuditReport struct {
	FilesScanned  int                 `json:"filesScanned"`
	Duplicates    [][]string          `json:"duplicates"`
	Misclassified []Misclassification `json:"misclassified"`
	Ghosts        []string            `json:"ghosts"`
}

// Clean reports whether no problem was found.
func (r *AuditReport) Clean() bool {
	return len(r.Duplicates) == 0 && len(r.Misclassified) == 0 && len(r.Ghosts) == 0
}

// Auditor runs read-only integrity checks. It never moves or deletes files.
type Auditor struct {
	roots []fsops.Root
	store RecordSource
	log   *logger.Logger
}

func NewAuditor(roots []fsops.Root, store RecordSource, log *logger.Logger) *Auditor {
	if log == nil {
		log = logger.Nop()
	}
	return &Auditor{roots: roots, store: store, log: log.Named("audit")}
}

func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{}

	dups, scanned, err := a.physicalDuplicates(ctx)
	if err != nil {
		return nil, err
	}
	report.Duplicates = dups
	report.FilesScanned = scanned

	files, err := a.store.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	report.Misclassified = a.misclassified(files)

	if report.Ghosts, err = a.store.GhostFiles(ctx); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	a.log.Info("audit complete",
		"filesScanned", report.FilesScanned,
		"duplicateGroups", len(report.Duplicates),
		"misclassified", len(report.Misclassified),
		"ghosts", len(report.Ghosts))
	return report, nil
}

func (a *Auditor) physicalDuplicates(ctx context.Context) ([][]string, int, error) {
	var paths []string
	for _, r := range a.roots {
		entries, err := os.ReadDir(r.Dir)
		if err != nil {
			a.log.Warn("cannot read input root", "dir", r.Dir, "error", err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
				paths = append(paths, filepath.Join(r.Dir, e.Name()))
			}
		}
	}

	var (
		mu     sync.Mutex
		byHash = make(map[string][]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hashConcurrency)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := HashFile(p)
			if err != nil {
				// files can vanish mid-audit; not a finding
				a.log.Warn("could not hash file", "path", p, "error", err)
				return nil
			}
			mu.Lock()
			byHash[h] = append(byHash[h], p)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("audit duplicates: %w", err)
	}

	var groups [][]string
	for _, ps := range byHash {
		if len(ps) > 1 {
			sort.Strings(ps)
			groups = append(groups, ps)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups, len(paths), nil
}

func (a *Auditor) misclassified(files []models.FileRecord) []Misclassification {
	folder := make(map[string]models.DocType, len(a.roots))
	for _, r := range a.roots {
		if r.DocType != models.DocTypeUnknown {
			folder[filepath.Clean(r.Dir)] = r.DocType
		}
	}
	var out []Misclassification
	for _, f := range files {
		ft, ok := folder[filepath.Clean(filepath.Dir(f.Path))]
		if !ok || f.DocType == ft {
			continue
		}
		out = append(out, Misclassification{Path: f.Path, FolderType: ft, StoredType: f.DocType})
	}
	return out
}
