package gcp

import (
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestTrimFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, TrimFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `[]`, TrimFences("  ```\n[]\n```  "))
	assert.Equal(t, "plain", TrimFences("plain"))
}

func TestExtractText(t *testing.T) {
	assert.Empty(t, extractText(nil))
	assert.Empty(t, extractText(&genai.GenerateContentResponse{}))

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("```json\n{\"order_id\":"),
				genai.Text(" \"P12345\"}\n```"),
			}},
		}},
	}
	assert.Equal(t, `{"order_id": "P12345"}`, extractText(resp))
}

func TestArtifactBucketNames(t *testing.T) {
	b := NewArtifactBucket(nil, "merged", "combined/2024")
	obj := b.ObjectName("/data/output/Combined_13001.pdf")
	assert.Equal(t, "combined/2024/Combined_13001.pdf", obj)
	assert.Equal(t, "gs://merged/combined/2024/Combined_13001.pdf", b.URI(obj))

	assert.Equal(t, "Combined_1.pdf", NewArtifactBucket(nil, "b", "").ObjectName("Combined_1.pdf"))
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: 412}))
	assert.True(t, isPreconditionFailed(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 412})))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: 500}))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
}
