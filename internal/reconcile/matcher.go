package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Lllllllleong/documentmerger/internal/models"
)

// LineMatchModel is a generative model that answers the line matching prompt
// with a JSON document of the form {"matches":[...]}.
type LineMatchModel interface {
	MatchLines(ctx context.Context, orderLinesJSON, docLinesJSON []byte) (string, error)
}

// ModelMatcher adapts a LineMatchModel to Matcher.
type ModelMatcher struct {
	model LineMatchModel
}

func NewModelMatcher(model LineMatchModel) *ModelMatcher {
	return &ModelMatcher{model: model}
}

func (m *ModelMatcher) ProposeMatches(ctx context.Context, orderLines, docLines []UnmatchedLine) ([]models.MatchProposal, error) {
	if len(orderLines) == 0 || len(docLines) == 0 {
		return nil, nil
	}
	orderJSON, err := json.Marshal(orderLines)
	if err != nil {
		return nil, fmt.Errorf("marshal order lines: %w", err)
	}
	docJSON, err := json.Marshal(docLines)
	if err != nil {
		return nil, fmt.Errorf("marshal document lines: %w", err)
	}

	text, err := m.model.MatchLines(ctx, orderJSON, docJSON)
	if err != nil {
		return nil, fmt.Errorf("match lines: %w", err)
	}
	var resp models.MatchResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("decode match response: %w", err)
	}
	return resp.Matches, nil
}
