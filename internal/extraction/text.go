package extraction

import (
	"context"
	"fmt"
	"os"
)

// TextExtractor pulls plain text out of a document. Variants are tried in a
// fixed order: digital text layer, OCR, then vision-model transcription.
type TextExtractor interface {
	Name() string
	Extract(ctx context.Context, path string) (string, error)
}

// TextLayer reads the embedded text of a PDF.
type TextLayer interface {
	Text(path string) (string, error)
}

// DigitalExtractor reads the PDF text layer. It is free and exact, but empty
// for scans.
type DigitalExtractor struct {
	pdf TextLayer
}

func NewDigitalExtractor(pdf TextLayer) *DigitalExtractor {
	return &DigitalExtractor{pdf: pdf}
}

func (e *DigitalExtractor) Name() string { return "digital" }

func (e *DigitalExtractor) Extract(_ context.Context, path string) (string, error) {
	return e.pdf.Text(path)
}

// OCRClient detects text in the first pages of a PDF.
type OCRClient interface {
	DetectPDFText(ctx context.Context, content []byte, pages []int32) (string, error)
}

// OCRExtractor runs optical recognition on the leading pages.
type OCRExtractor struct {
	client   OCRClient
	maxPages int
}

func NewOCRExtractor(client OCRClient, maxPages int) *OCRExtractor {
	if maxPages <= 0 {
		maxPages = 5
	}
	return &OCRExtractor{client: client, maxPages: maxPages}
}

func (e *OCRExtractor) Name() string { return "ocr" }

func (e *OCRExtractor) Extract(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s for ocr: %w", path, err)
	}
	pages := make([]int32, e.maxPages)
	for i := range pages {
		pages[i] = int32(i + 1)
	}
	return e.client.DetectPDFText(ctx, content, pages)
}

// Transcriber is a generative model that transcribes a document verbatim.
type Transcriber interface {
	Transcribe(ctx context.Context, pdf []byte) (string, error)
}

// VisionExtractor asks a vision model for a transcription.
type VisionExtractor struct {
	model Transcriber
}

func NewVisionExtractor(model Transcriber) *VisionExtractor {
	return &VisionExtractor{model: model}
}

func (e *VisionExtractor) Name() string { return "vision" }

func (e *VisionExtractor) Extract(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s for transcription: %w", path, err)
	}
	return e.model.Transcribe(ctx, content)
}
