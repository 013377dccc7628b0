package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// VisionClient runs synchronous document text detection on small PDFs.
type VisionClient struct {
	client  *vision.ImageAnnotatorClient
	timeout time.Duration
}

func NewVisionClient(ctx context.Context) (*VisionClient, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionClient{client: client, timeout: 60 * time.Second}, nil
}

// DetectPDFText returns the recognised text of the given 1-based pages. The
// synchronous endpoint accepts at most five pages per request.
func (v *VisionClient) DetectPDFText(ctx context.Context, content []byte, pages []int32) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	if len(pages) > 5 {
		pages = pages[:5]
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req := &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{
			{
				InputConfig: &visionpb.InputConfig{
					Content:  content,
					MimeType: "application/pdf",
				},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
				Pages: pages,
			},
		},
	}
	resp, err := v.client.BatchAnnotateFiles(ctx, req)
	if err != nil {
		return "", fmt.Errorf("vision BatchAnnotateFiles: %w", err)
	}

	var sb strings.Builder
	for _, fileResp := range resp.GetResponses() {
		if fileResp.GetError().GetMessage() != "" {
			return "", fmt.Errorf("vision annotate error: %s", fileResp.GetError().GetMessage())
		}
		for _, r := range fileResp.GetResponses() {
			if r.GetError().GetMessage() != "" {
				return "", fmt.Errorf("vision annotate error: %s", r.GetError().GetMessage())
			}
			text := strings.TrimSpace(r.GetFullTextAnnotation().GetText())
			if text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text)
		}
	}
	return sb.String(), nil
}

func (v *VisionClient) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
