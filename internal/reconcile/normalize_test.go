package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := map[string]string{
		"3":           "3",
		" 12 ":        "12",
		"3-1":         "3",
		"3.0":         "3",
		"10.2.1":      "10",
		"Line Item 3": "3",
		"A-7":         "7",
		"item7b":      "7",
		"":            UnknownKey,
		"   ":         UnknownKey,
		"abc":         "ABC",
		"x-y":         "X-Y",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeKey(in), "input %q", in)
	}
}

func TestKeyLess(t *testing.T) {
	assert.True(t, keyLess("2", "10"))
	assert.True(t, keyLess("10", "A"))
	assert.False(t, keyLess("B", "3"))
	assert.True(t, keyLess("A", "B"))
}

func TestSimilar(t *testing.T) {
	assert.True(t, Similar("", "anything", 0.35), "missing text is trusted")
	assert.True(t, Similar("Drill", "drill bit", 0.35))
	assert.True(t, Similar("Steel Rod 10mm", "steel rod 10 mm", 0.35))
	assert.False(t, Similar("Hydraulic pump", "Office chair", 0.35))
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 1-3.0/7.0, ratio("kitten", "sitting"), 1e-9)
	assert.InDelta(t, 0.75, ratio("café", "cafe"), 1e-9, "distance counts runes, not bytes")
	assert.InDelta(t, 1.0, ratio("", ""), 1e-9)
	assert.InDelta(t, 0.0, ratio("abc", "xyz"), 1e-9)
}

type fakeLineModel struct {
	text      string
	err       error
	gotOrders []UnmatchedLine
}

func (m *fakeLineModel) MatchLines(_ context.Context, orderJSON, _ []byte) (string, error) {
	_ = json.Unmarshal(orderJSON, &m.gotOrders)
	return m.text, m.err
}

func TestModelMatcher(t *testing.T) {
	order := []UnmatchedLine{{Ref: "2", Description: "Steel Rod", Quantity: "5"}}
	docs := []UnmatchedLine{{Ref: "20", Description: "Rod, Steel", Quantity: "5"}}

	t.Run("decodes proposals", func(t *testing.T) {
		model := &fakeLineModel{text: `{"matches":[{"order_line_ref":"2","doc_line_ref":"20","confidence":"high"}]}`}
		got, err := NewModelMatcher(model).ProposeMatches(context.Background(), order, docs)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "20", got[0].DocLineRef)
		assert.Equal(t, order, model.gotOrders)
	})

	t.Run("nothing to match skips the model", func(t *testing.T) {
		model := &fakeLineModel{err: errors.New("should not be called")}
		got, err := NewModelMatcher(model).ProposeMatches(context.Background(), order, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("bad json", func(t *testing.T) {
		model := &fakeLineModel{text: "I cannot help with that"}
		_, err := NewModelMatcher(model).ProposeMatches(context.Background(), order, docs)
		assert.Error(t, err)
	})
}
