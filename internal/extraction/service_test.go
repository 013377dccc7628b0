package extraction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

type fakeExtractor struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) Name() string { return f.name }

func (f *fakeExtractor) Extract(context.Context, string) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeModel struct {
	mu        sync.Mutex
	orderID   []string
	lineItems string
	classify  string
	errs      []error
	calls     int
	lastPage  []byte
}

func (m *fakeModel) next(page []byte, ok string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastPage = page
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return ok, nil
}

func (m *fakeModel) ExtractOrderID(_ context.Context, pdf []byte) (string, error) {
	resp := `{"order_id": ""}`
	if len(m.orderID) > 0 {
		resp = m.orderID[0]
	}
	return m.next(pdf, resp)
}

func (m *fakeModel) ExtractLineItems(_ context.Context, pdf []byte) (string, error) {
	return m.next(pdf, m.lineItems)
}

func (m *fakeModel) Classify(_ context.Context, pdf []byte) (string, error) {
	return m.next(pdf, m.classify)
}

type fakePDF struct {
	firstPage string
	trimmed   []int
}

func (p *fakePDF) TrimPage(_ string, pageIndex int, out string) error {
	p.trimmed = append(p.trimmed, pageIndex)
	return os.WriteFile(out, []byte{'p', byte('0' + pageIndex)}, 0o644)
}

func (p *fakePDF) FirstPageText(string) (string, error) {
	return p.firstPage, nil
}

type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *memCache) Set(_ context.Context, key string, value []byte) error {
	c.data[key] = value
	return nil
}

func newTestService(t *testing.T, extractors []TextExtractor, model Model, pdf PDFTools, cache Cache, patterns []config.TypePattern) *Service {
	t.Helper()
	svc := NewService(extractors, model, pdf, cache, patterns, Config{MaxRetries: 3}, nil)
	svc.backoff = time.Millisecond
	svc.hashFile = func(string) (string, error) { return "abc123", nil }
	return svc
}

func TestExtractHeaderInfo_FirstValidStrategyWins(t *testing.T) {
	digital := &fakeExtractor{name: "digital", text: "INVOICE"}
	ocr := &fakeExtractor{name: "ocr", text: "P123456"}
	vision := &fakeExtractor{name: "vision", text: "P999999"}
	svc := newTestService(t, []TextExtractor{digital, ocr, vision}, &fakeModel{}, &fakePDF{}, nil, nil)

	info, err := svc.ExtractHeaderInfo(context.Background(), "PO_x.pdf", models.DocTypePurchaseOrder)
	require.NoError(t, err)
	assert.Equal(t, "P123456", info.OrderID)
	assert.Equal(t, "ocr", info.Source)
	assert.Equal(t, 1, digital.calls)
	assert.Equal(t, 0, vision.calls)
}

func TestExtractHeaderInfo_DeliverySkipsDigital(t *testing.T) {
	digital := &fakeExtractor{name: "digital", text: "P111111"}
	ocr := &fakeExtractor{name: "ocr", text: "P222222"}
	svc := newTestService(t, []TextExtractor{digital, ocr}, &fakeModel{}, &fakePDF{}, nil, nil)

	info, err := svc.ExtractHeaderInfo(context.Background(), "DO_x.pdf", models.DocTypeDeliveryNote)
	require.NoError(t, err)
	assert.Equal(t, "P222222", info.OrderID)
	assert.Equal(t, 0, digital.calls)
}

func TestExtractHeaderInfo_StrategyErrorFallsThrough(t *testing.T) {
	ocr := &fakeExtractor{name: "ocr", err: errors.New("quota")}
	vision := &fakeExtractor{name: "vision", text: "13001"}
	svc := newTestService(t, []TextExtractor{ocr, vision}, &fakeModel{}, &fakePDF{}, nil, nil)

	info, err := svc.ExtractHeaderInfo(context.Background(), "x.pdf", models.DocTypeSalesInvoice)
	require.NoError(t, err)
	assert.Equal(t, "13001", info.OrderID)
}

func TestExtractHeaderInfo_NothingFound(t *testing.T) {
	svc := newTestService(t, []TextExtractor{&fakeExtractor{name: "ocr", text: "TOTAL"}}, &fakeModel{}, &fakePDF{}, nil, nil)
	info, err := svc.ExtractHeaderInfo(context.Background(), "x.pdf", models.DocTypePurchaseOrder)
	require.NoError(t, err)
	assert.Empty(t, info.OrderID)
}

func TestExtractHeaderInfo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := newTestService(t, []TextExtractor{&fakeExtractor{name: "ocr", text: "P123456"}}, &fakeModel{}, &fakePDF{}, nil, nil)
	_, err := svc.ExtractHeaderInfo(ctx, "x.pdf", models.DocTypePurchaseOrder)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractOrderIDFallback(t *testing.T) {
	model := &fakeModel{orderID: []string{`{"order_id": " P555555 "}`}}
	pdf := &fakePDF{}
	cache := newMemCache()
	svc := newTestService(t, nil, model, pdf, cache, nil)

	id, err := svc.ExtractOrderIDFallback(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, "P555555", id)
	assert.Equal(t, []int{0}, pdf.trimmed)
	assert.Equal(t, []byte("p0"), model.lastPage)
	assert.Contains(t, cache.data, "abc123_po_num")

	// Second call is served from cache.
	id, err = svc.ExtractOrderIDFallback(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, "P555555", id)
	assert.Equal(t, 1, model.calls)
}

func TestExtractOrderIDFallback_InvalidCandidate(t *testing.T) {
	model := &fakeModel{orderID: []string{`{"order_id": "DESCRIPTION"}`}}
	svc := newTestService(t, nil, model, &fakePDF{}, nil, nil)
	id, err := svc.ExtractOrderIDFallback(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestExtractLineItemsPerPage(t *testing.T) {
	model := &fakeModel{lineItems: `{"items":[{"line":"1","qty":"2"}]}`}
	pdf := &fakePDF{}
	cache := newMemCache()
	svc := newTestService(t, nil, model, pdf, cache, nil)

	raw, err := svc.ExtractLineItemsPerPage(context.Background(), "x.pdf", 2)
	require.NoError(t, err)
	assert.Len(t, SanitizeItems(raw), 1)
	assert.Equal(t, []int{2}, pdf.trimmed)
	assert.Contains(t, cache.data, "abc123_full_table_p2")
}

func TestExtractLineItemsPerPage_InvalidJSONNotCached(t *testing.T) {
	model := &fakeModel{lineItems: "here is your table"}
	cache := newMemCache()
	svc := newTestService(t, nil, model, &fakePDF{}, cache, nil)

	_, err := svc.ExtractLineItemsPerPage(context.Background(), "x.pdf", 0)
	assert.Error(t, err)
	assert.Empty(t, cache.data)
}

func TestCallModel_RetriesThenSucceeds(t *testing.T) {
	model := &fakeModel{
		lineItems: `[]`,
		errs:      []error{errors.New("429"), errors.New("503"), nil},
	}
	svc := newTestService(t, nil, model, &fakePDF{}, nil, nil)

	raw, err := svc.ExtractLineItemsPerPage(context.Background(), "x.pdf", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
	assert.Equal(t, 3, model.calls)
}

func TestCallModel_GivesUp(t *testing.T) {
	model := &fakeModel{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	svc := newTestService(t, nil, model, &fakePDF{}, nil, nil)

	_, err := svc.ExtractLineItemsPerPage(context.Background(), "x.pdf", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, model.calls)
}

func TestCallModel_RefusalNotRetried(t *testing.T) {
	model := &fakeModel{lineItems: "As a large language model, I cannot read this."}
	svc := newTestService(t, nil, model, &fakePDF{}, nil, nil)

	_, err := svc.ExtractLineItemsPerPage(context.Background(), "x.pdf", 0)
	assert.ErrorIs(t, err, ErrRefused)
	assert.Equal(t, 1, model.calls)
}

func TestClassifyDocumentType_PatternFirst(t *testing.T) {
	patterns := []config.TypePattern{
		{DocType: "delivery_note", Re: regexp.MustCompile(`(?i)delivery\s+order`)},
	}
	model := &fakeModel{classify: `{"type":"sales_invoice"}`}
	svc := newTestService(t, nil, model, &fakePDF{firstPage: "ACME\nDELIVERY ORDER\nNo. 1"}, nil, patterns)

	got, err := svc.ClassifyDocumentType(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeDeliveryNote, got)
	assert.Equal(t, 0, model.calls)
}

func TestClassifyDocumentType_ModelFallback(t *testing.T) {
	model := &fakeModel{classify: `{"type":"sales_invoice"}`}
	cache := newMemCache()
	svc := newTestService(t, nil, model, &fakePDF{firstPage: ""}, cache, nil)

	got, err := svc.ClassifyDocumentType(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeSalesInvoice, got)
	assert.Contains(t, cache.data, "abc123_classification")
}

func TestDiskCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := NewDiskCache(dir)
	require.NoError(t, err)

	ctx := context.Background()
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"a":1}`)))
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "h_po_num", CacheKey("h", "po_num", -1))
	assert.Equal(t, "h_full_table_p0", CacheKey("h", "full_table", 0))
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, addr, "", 0, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "test_key", []byte("v")))
	got, ok := c.Get(ctx, "test_key")
	require.True(t, ok)
	assert.Equal(t, "v", string(got))
}

func TestTextExtractors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

	ocrClient := &fakeOCR{text: "P123456"}
	text, err := NewOCRExtractor(ocrClient, 0).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "P123456", text)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, ocrClient.pages)
	assert.Equal(t, []byte("%PDF-1.4"), ocrClient.content)

	vision := NewVisionExtractor(transcriberFunc(func(_ context.Context, pdf []byte) (string, error) {
		return "len " + string(rune('0'+len(pdf))), nil
	}))
	text, err = vision.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "len 8", text)

	_, err = NewOCRExtractor(ocrClient, 1).Extract(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"))
	assert.Error(t, err)
}

type fakeOCR struct {
	text    string
	pages   []int32
	content []byte
}

func (f *fakeOCR) DetectPDFText(_ context.Context, content []byte, pages []int32) (string, error) {
	f.content, f.pages = content, pages
	return f.text, nil
}

type transcriberFunc func(context.Context, []byte) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, pdf []byte) (string, error) {
	return f(ctx, pdf)
}
