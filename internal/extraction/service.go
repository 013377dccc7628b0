// Package extraction finds order identifiers and table rows in documents.
// It is the pipeline's only caller of OCR and generative models.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/dedupe"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

const (
	opOrderID        = "po_num"
	opLineItems      = "full_table"
	opClassification = "classification"
)

// ErrRefused is returned when the model declines to answer.
var ErrRefused = errors.New("model response indicates refusal")

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// Model is the generative backend. Every method receives a single-page PDF
// and returns the model's JSON text with fences removed.
type Model interface {
	ExtractOrderID(ctx context.Context, pdf []byte) (string, error)
	ExtractLineItems(ctx context.Context, pdf []byte) (string, error)
	Classify(ctx context.Context, pdf []byte) (string, error)
}

// PDFTools is the subset of the PDF toolkit the service needs.
type PDFTools interface {
	TrimPage(in string, pageIndex int, out string) error
	FirstPageText(path string) (string, error)
}

// HeaderInfo is what the text strategies found in a document header.
type HeaderInfo struct {
	OrderID string
	Source  string
}

type Config struct {
	MinInterval time.Duration
	MaxRetries  int
}

// Service implements header, fallback, line-item and classification
// extraction on top of the text extractors and the model.
type Service struct {
	extractors   []TextExtractor
	model        Model
	pdf          PDFTools
	cache        Cache
	typePatterns []config.TypePattern
	limiter      *rate.Limiter
	maxRetries   int
	backoff      time.Duration
	log          *logger.Logger

	hashFile func(string) (string, error)
}

func NewService(extractors []TextExtractor, model Model, pdf PDFTools, cache Cache, typePatterns []config.TypePattern, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if cache == nil {
		cache = NopCache{}
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Service{
		extractors:   extractors,
		model:        model,
		pdf:          pdf,
		cache:        cache,
		typePatterns: typePatterns,
		limiter:      rate.NewLimiter(limit, 1),
		maxRetries:   cfg.MaxRetries,
		backoff:      time.Second,
		log:          log.Named("extraction"),
		hashFile:     dedupe.HashFile,
	}
}

// ExtractHeaderInfo runs the text strategies in order and returns the first
// valid order id. Delivery notes skip the digital text layer: their printed
// order references are often the customer's, not ours. Strategy failures are
// logged and the next strategy tried; only cancellation is returned.
func (s *Service) ExtractHeaderInfo(ctx context.Context, path string, docType models.DocType) (HeaderInfo, error) {
	logCtx := s.log.With("path", path, "docType", docType)
	for _, ex := range s.extractors {
		if err := ctx.Err(); err != nil {
			return HeaderInfo{}, err
		}
		if docType == models.DocTypeDeliveryNote && ex.Name() == "digital" {
			continue
		}
		text, err := ex.Extract(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return HeaderInfo{}, ctx.Err()
			}
			logCtx.Warn("text strategy failed", "strategy", ex.Name(), "error", err)
			continue
		}
		if cand := FindOrderID(text); IsValidOrderID(cand) {
			logCtx.Info("order id found in text", "strategy", ex.Name(), "orderId", cand)
			return HeaderInfo{OrderID: cand, Source: ex.Name()}, nil
		}
	}
	return HeaderInfo{}, nil
}

// ExtractOrderIDFallback asks the model to read the order id off page one.
func (s *Service) ExtractOrderIDFallback(ctx context.Context, path string) (string, error) {
	text, err := s.cachedPageCall(ctx, path, opOrderID, 0, -1, s.model.ExtractOrderID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	var resp models.OrderIDResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return "", fmt.Errorf("decode order id response: %w", err)
	}
	id := strings.TrimSpace(resp.OrderID)
	if !IsValidOrderID(id) {
		return "", nil
	}
	return id, nil
}

// ExtractLineItemsPerPage returns the model's raw table output for one page.
// The shape varies; callers pass it through SanitizeItems.
func (s *Service) ExtractLineItemsPerPage(ctx context.Context, path string, pageIndex int) (json.RawMessage, error) {
	text, err := s.cachedPageCall(ctx, path, opLineItems, pageIndex, pageIndex, s.model.ExtractLineItems)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("page %d: model returned invalid JSON", pageIndex+1)
	}
	return json.RawMessage(text), nil
}

// ClassifyDocumentType tries the configured type patterns on the page-one
// text, then the model.
func (s *Service) ClassifyDocumentType(ctx context.Context, path string) (models.DocType, error) {
	if text, err := s.pdf.FirstPageText(path); err == nil && strings.TrimSpace(text) != "" {
		for _, tp := range s.typePatterns {
			if tp.Re.MatchString(text) {
				return models.ParseDocType(tp.DocType), nil
			}
		}
	}
	text, err := s.cachedPageCall(ctx, path, opClassification, 0, -1, s.model.Classify)
	if err != nil {
		return models.DocTypeUnknown, err
	}
	var resp models.ClassificationResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return models.DocTypeUnknown, fmt.Errorf("decode classification response: %w", err)
	}
	return models.ParseDocType(resp.Type), nil
}

// cachedPageCall sends one page to the model, consulting the cache first.
// Only well-formed JSON answers are cached.
func (s *Service) cachedPageCall(ctx context.Context, path, op string, pageIndex, cachePage int, call func(context.Context, []byte) (string, error)) (string, error) {
	hash, err := s.hashFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	key := CacheKey(hash, op, cachePage)
	if data, ok := s.cache.Get(ctx, key); ok {
		s.log.Debug("cache hit", "key", key)
		return string(data), nil
	}

	page, err := s.pageBytes(path, pageIndex)
	if err != nil {
		return "", err
	}
	text, err := s.callModel(ctx, op, func(ctx context.Context) (string, error) {
		return call(ctx, page)
	})
	if err != nil {
		return "", err
	}
	if json.Valid([]byte(text)) {
		if err := s.cache.Set(ctx, key, []byte(text)); err != nil {
			s.log.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return text, nil
}

func (s *Service) pageBytes(path string, pageIndex int) ([]byte, error) {
	tmp, err := os.CreateTemp("", "page-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp page file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.pdf.TrimPage(path, pageIndex, tmpPath); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpPath)
}

// callModel enforces the minimum interval between calls and retries failures
// with exponential backoff. Refusals are not retried.
func (s *Service) callModel(ctx context.Context, op string, call func(context.Context) (string, error)) (string, error) {
	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
		text, err := call(ctx)
		if err == nil {
			lower := strings.ToLower(text)
			for _, phrase := range refusalPhrases {
				if strings.Contains(lower, phrase) {
					s.log.Warn("model refused", "op", op, "response", text)
					return "", fmt.Errorf("%s: %w", op, ErrRefused)
				}
			}
			return text, nil
		}
		lastErr = err
		s.log.Warn("model call failed", "op", op, "attempt", attempt, "maxRetries", s.maxRetries, "error", err)
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return "", fmt.Errorf("%s failed after %d attempts: %w", op, s.maxRetries, lastErr)
}
