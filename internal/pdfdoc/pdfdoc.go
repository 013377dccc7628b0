// Package pdfdoc wraps the PDF libraries used by the pipeline. Every read goes
// through the handle registry so files can be released before a move.
package pdfdoc

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dslipak/pdf"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/documentmerger/internal/handles"
)

const MIMEPDF = "application/pdf"

// Toolkit is the production PDF inspector and writer.
type Toolkit struct {
	handles *handles.Registry
}

func New(registry *handles.Registry) *Toolkit {
	if registry == nil {
		registry = handles.NewRegistry()
	}
	return &Toolkit{handles: registry}
}

func relaxedConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// Sniff returns the MIME type detected from the file's magic bytes.
func (t *Toolkit) Sniff(path string) (string, error) {
	h, err := t.handles.Open(path)
	if err != nil {
		return "", err
	}
	defer h.Close()

	mtype, err := mimetype.DetectReader(h)
	if err != nil {
		return "", fmt.Errorf("detect content type: %w", err)
	}
	return mtype.String(), nil
}

// IsPDF reports whether a sniffed MIME type is a PDF.
func IsPDF(mime string) bool {
	return mimetype.EqualsAny(mime, MIMEPDF)
}

func (t *Toolkit) PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("page count %s: %w", path, err)
	}
	return n, nil
}

// TrimPage writes the single page at pageIndex (0-based) of in to out.
func (t *Toolkit) TrimPage(in string, pageIndex int, out string) error {
	pages := []string{strconv.Itoa(pageIndex + 1)}
	if err := api.TrimFile(in, out, pages, relaxedConfig()); err != nil {
		return fmt.Errorf("trim page %d of %s: %w", pageIndex+1, in, err)
	}
	return nil
}

// Merge concatenates inFiles, in order, into out.
func (t *Toolkit) Merge(inFiles []string, out string) error {
	if len(inFiles) == 0 {
		return fmt.Errorf("merge: no input files")
	}
	if err := api.MergeCreateFile(inFiles, out, false, relaxedConfig()); err != nil {
		return fmt.Errorf("merge into %s: %w", out, err)
	}
	return nil
}

// Text returns the embedded text of the whole document.
func (t *Toolkit) Text(path string) (text string, err error) {
	err = t.withReader(path, func(r *pdf.Reader) error {
		plain, err := r.GetPlainText()
		if err != nil {
			return err
		}
		b, err := io.ReadAll(plain)
		if err != nil {
			return err
		}
		text = string(b)
		return nil
	})
	return text, err
}

// FirstPageText returns the embedded text of page 1.
func (t *Toolkit) FirstPageText(path string) (text string, err error) {
	err = t.withReader(path, func(r *pdf.Reader) error {
		if r.NumPage() < 1 {
			return nil
		}
		p := r.Page(1)
		if p.V.IsNull() {
			return nil
		}
		s, err := p.GetPlainText(nil)
		if err != nil {
			return err
		}
		text = s
		return nil
	})
	return strings.TrimSpace(text), err
}

func (t *Toolkit) withReader(path string, fn func(*pdf.Reader) error) (err error) {
	h, err := t.handles.Open(path)
	if err != nil {
		return err
	}
	defer h.Close()

	info, err := h.Stat()
	if err != nil {
		return err
	}

	// the parser panics on some malformed streams
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("read pdf text %s: %v", path, rec)
		}
	}()

	r, err := pdf.NewReader(h, info.Size())
	if err != nil {
		return fmt.Errorf("open pdf %s: %w", path, err)
	}
	return fn(r)
}
