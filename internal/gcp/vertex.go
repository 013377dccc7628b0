package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Header Model Prompts ---
const HeaderSystemPrompt = "You are a procurement clerk reading the first page of a business document. You extract the purchase order number the document refers to. You must output your response as a single JSON object."
const HeaderUserPrompt = `Find the purchase order number this document belongs to.

Rules:
1.  On a purchase order it is the document's own number. On delivery notes and invoices it is the customer's PO / order reference, never the delivery note or invoice number.
2.  Ignore dates, phone numbers, tax registration numbers and totals.
3.  If no purchase order number is printed, return an empty string.

Output format: {"order_id": "..."}
IMPORTANT: Return ONLY the JSON object.`

// --- Table Model Prompts ---
const TableSystemPrompt = "You are a document parser specialised in line-item tables. You must output your response as valid JSON."
const TableUserPrompt = `Extract every row of the line-item table on this page.

For each row output an object with these keys:
    - "line_ref": the line or item number exactly as printed.
    - "description": the item description.
    - "part_no": the part number or item code, empty if none.
    - "quantity": the quantity ordered, delivered or invoiced, as printed.

Skip header rows, subtotals, totals and tax lines. If the page has no table, return an empty list.
Output format: {"items": [ ... ]}
Return ONLY valid JSON.`

// --- Classifier Model Prompts ---
const ClassifierUserPrompt = `Classify: 'purchase_order', 'delivery_note', 'sales_invoice', or 'unknown'. JSON: {"type": "..."}`

// --- Transcriber Model Prompts ---
const TranscriberSystemPrompt = "You are an OCR engine. You transcribe documents verbatim."
const TranscriberUserPrompt = "Transcribe all text in the header area of this document exactly as printed, one line per printed line. Do not summarise or add commentary."

// --- Matcher Model Prompts ---
const MatcherSystemPrompt = "You are a supply chain auditor. You match line items between purchase orders and the delivery notes or invoices issued against them. You must output your response as a single JSON object."
const MatcherUserPrompt = `Match unmatched items from a purchase order (LIST A, the authority) to items in a delivery or invoice document (LIST B).

Instructions:
1.  Compare descriptions, part numbers and quantities.
2.  Be flexible with wording (e.g. "Steel Rod" == "Rod, Steel").
3.  Return ONLY pairs that are definitely the same product. Use "high" confidence only when certain.

Output format:
{"matches": [{"order_line_ref": "1", "doc_line_ref": "10", "confidence": "high"}]}`

// VertexClient holds all pre-configured generative models for the pipeline.
type VertexClient struct {
	HeaderModel      *genai.GenerativeModel
	TableModel       *genai.GenerativeModel
	ClassifierModel  *genai.GenerativeModel
	TranscriberModel *genai.GenerativeModel
	MatcherModel     *genai.GenerativeModel
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	headerModel := jsonModel(baseClient, modelName, HeaderSystemPrompt)
	tableModel := jsonModel(baseClient, modelName, TableSystemPrompt)
	classifierModel := jsonModel(baseClient, modelName, "")
	matcherModel := jsonModel(baseClient, modelName, MatcherSystemPrompt)

	// Plain text output; transcription is parsed with the order id heuristics.
	transcriberModel := baseClient.GenerativeModel(modelName)
	transcriberModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TranscriberSystemPrompt)},
	}
	transcriberModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}
	transcriberModel.SafetySettings = permissiveSafety()

	return &VertexClient{
		HeaderModel:      headerModel,
		TableModel:       tableModel,
		ClassifierModel:  classifierModel,
		TranscriberModel: transcriberModel,
		MatcherModel:     matcherModel,
		baseClient:       baseClient,
	}, nil
}

func jsonModel(client *genai.Client, name, systemPrompt string) *genai.GenerativeModel {
	m := client.GenerativeModel(name)
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	m.GenerationConfig = genai.GenerationConfig{
		// Force JSON output.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	m.SafetySettings = permissiveSafety()
	return m
}

// Invoices and delivery notes trip the default filters on addresses and
// chemical product names.
func permissiveSafety() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
}

// ExtractOrderID reads the order number off a single-page PDF.
func (c *VertexClient) ExtractOrderID(ctx context.Context, pdf []byte) (string, error) {
	return c.generate(ctx, c.HeaderModel, pdf, HeaderUserPrompt)
}

// ExtractLineItems returns the line-item table of a single-page PDF as JSON.
func (c *VertexClient) ExtractLineItems(ctx context.Context, pdf []byte) (string, error) {
	return c.generate(ctx, c.TableModel, pdf, TableUserPrompt)
}

func (c *VertexClient) Classify(ctx context.Context, pdf []byte) (string, error) {
	return c.generate(ctx, c.ClassifierModel, pdf, ClassifierUserPrompt)
}

func (c *VertexClient) Transcribe(ctx context.Context, pdf []byte) (string, error) {
	return c.generate(ctx, c.TranscriberModel, pdf, TranscriberUserPrompt)
}

// MatchLines proposes pairings between unmatched order lines and document lines.
func (c *VertexClient) MatchLines(ctx context.Context, orderLinesJSON, docLinesJSON []byte) (string, error) {
	prompt := fmt.Sprintf("%s\n\nLIST A (purchase order items):\n%s\n\nLIST B (document items):\n%s",
		MatcherUserPrompt, orderLinesJSON, docLinesJSON)
	resp, err := c.MatcherModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return extractText(resp), nil
}

func (c *VertexClient) generate(ctx context.Context, model *genai.GenerativeModel, pdf []byte, prompt string) (string, error) {
	filePart := genai.Blob{
		MIMEType: "application/pdf",
		Data:     pdf,
	}
	resp, err := model.GenerateContent(ctx, filePart, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return extractText(resp), nil
}

// extractText concatenates the text parts of the first candidate and strips
// markdown fences.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return TrimFences(sb.String())
}

// TrimFences removes a surrounding ```json / ``` code fence.
func TrimFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
