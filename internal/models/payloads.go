package models

// These structs define the JSON payloads exchanged with Cloud Storage events,
// Cloud Workflows and the generative models.

// GCSEvent is the data section of a storage object-finalized CloudEvent.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        string `json:"size"`
}

// MergeNotification is the argument of the post-merge workflow execution.
type MergeNotification struct {
	OrderID     string   `json:"orderId"`
	Verdict     string   `json:"verdict"`
	ArtifactURI string   `json:"artifactUri"`
	SourceFiles []string `json:"sourceFiles"`
	PassID      string   `json:"passId"`
}

// OrderIDResponse is what the header fallback model returns.
type OrderIDResponse struct {
	OrderID string `json:"order_id"`
}

// ClassificationResponse is what the classifier model returns.
type ClassificationResponse struct {
	Type string `json:"type"`
}

// MatchProposal is one reassignment suggested by the fuzzy matcher.
type MatchProposal struct {
	OrderLineRef string `json:"order_line_ref"`
	DocLineRef   string `json:"doc_line_ref"`
	Confidence   string `json:"confidence"`
}

// MatchResponse wraps the proposals list.
type MatchResponse struct {
	Matches []MatchProposal `json:"matches"`
}
