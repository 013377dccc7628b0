package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentmerger/internal/models"
)

func li(docType models.DocType, ref string, qty int64, desc string) models.LineItem {
	return models.LineItem{
		OrderID:     "13001",
		DocType:     docType,
		LineRef:     ref,
		Description: desc,
		Quantity:    decimal.NewFromInt(qty),
	}
}

func po(ref string, qty int64) models.LineItem {
	return li(models.DocTypePurchaseOrder, ref, qty, "")
}

func do(ref string, qty int64) models.LineItem {
	return li(models.DocTypeDeliveryNote, ref, qty, "")
}

func si(ref string, qty int64) models.LineItem {
	return li(models.DocTypeSalesInvoice, ref, qty, "")
}

type fakeMatcher struct {
	proposals []models.MatchProposal
	err       error
	calls     int
	gotOrder  []UnmatchedLine
	gotDocs   []UnmatchedLine
}

func (m *fakeMatcher) ProposeMatches(_ context.Context, orderLines, docLines []UnmatchedLine) ([]models.MatchProposal, error) {
	m.calls++
	m.gotOrder, m.gotDocs = orderLines, docLines
	return m.proposals, m.err
}

func TestEngine_Scenarios(t *testing.T) {
	tests := []struct {
		name        string
		items       []models.LineItem
		wantVerdict Verdict
		wantStatus  LineStatus
	}{
		{
			name:        "A full match",
			items:       []models.LineItem{po("1", 10), do("1", 10), si("1", 10)},
			wantVerdict: VerdictMatch,
			wantStatus:  LineOK,
		},
		{
			name:        "B short shipment",
			items:       []models.LineItem{po("1", 10), do("1", 6), si("1", 6)},
			wantVerdict: VerdictIncomplete,
			wantStatus:  LinePartialDelivery,
		},
		{
			name:        "C under invoiced",
			items:       []models.LineItem{po("1", 10), do("1", 10), si("1", 7)},
			wantVerdict: VerdictInvoicePending,
			wantStatus:  LinePartialInvoice,
		},
		{
			name:        "over delivery needs attention",
			items:       []models.LineItem{po("1", 10), do("1", 12), si("1", 12)},
			wantVerdict: VerdictAttention,
			wantStatus:  LineOverDelivery,
		},
		{
			name:        "over invoiced needs attention",
			items:       []models.LineItem{po("1", 10), do("1", 10), si("1", 11)},
			wantVerdict: VerdictAttention,
			wantStatus:  LineOverInvoiced,
		},
		{
			name:        "delivery check wins the line status, both block",
			items:       []models.LineItem{po("1", 10), do("1", 6), si("1", 2)},
			wantVerdict: VerdictIncomplete,
			wantStatus:  LinePartialDelivery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", tt.items)
			assert.Equal(t, tt.wantVerdict, res.Verdict)
			require.Len(t, res.Lines, 1)
			assert.Equal(t, tt.wantStatus, res.Lines[0].Status)
			assert.Equal(t, len(tt.items), res.ItemCount)
		})
	}
}

func TestEngine_BlockingOutranksAttention(t *testing.T) {
	items := []models.LineItem{
		po("1", 10), do("1", 12), si("1", 12),
		po("2", 5), do("2", 5), si("2", 3),
	}
	res := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictInvoicePending, res.Verdict)
	assert.Contains(t, res.Details, "2 (PARTIAL_INVOICE)")
}

func TestEngine_UnorderedInvoiceLineIsMismatch(t *testing.T) {
	m := &fakeMatcher{}
	items := []models.LineItem{po("1", 10), do("1", 10), si("1", 10), si("9", 5)}
	res := NewEngine(nil, m, Options{}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictMismatch, res.Verdict)
	assert.Contains(t, res.Details, "unordered line 9")
	assert.Zero(t, m.calls, "no unmatched order line, nothing to ask the matcher")
}

func TestEngine_WaitingForDocs(t *testing.T) {
	res := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", []models.LineItem{po("1", 10), do("1", 10)})
	assert.Equal(t, VerdictWaitingForDocs, res.Verdict)
	assert.Equal(t, []models.Role{models.RoleInvoice}, res.Missing)
	assert.Empty(t, res.Lines)
}

func TestEngine_ZeroMatchedLinesIsMismatch(t *testing.T) {
	items := []models.LineItem{po("1", 10), po("2", 3), do("A", 10), si("A", 10)}
	res := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictMismatch, res.Verdict)
	assert.Contains(t, res.Details, "zero lines matched")
}

func TestEngine_KeysAreNormalized(t *testing.T) {
	items := []models.LineItem{
		po("1", 10), po("2", 4),
		do("1-1", 6), do("1-2", 4), do("Line 2", 4),
		si("1.0", 10), si("item 2", 4),
	}
	res := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictMatch, res.Verdict)
	require.Len(t, res.Lines, 2)
	assert.True(t, res.Lines[0].Received.Equal(decimal.NewFromInt(10)))
}

func TestEngine_OrphanReconciliation(t *testing.T) {
	items := []models.LineItem{
		po("1", 10), li(models.DocTypePurchaseOrder, "2", 5, "Steel Rod 10mm"),
		do("1", 10), li(models.DocTypeDeliveryNote, "20", 5, "Rod, Steel 10mm"),
		si("1", 10), si("20", 5),
	}

	t.Run("high confidence proposals move quantities", func(t *testing.T) {
		m := &fakeMatcher{proposals: []models.MatchProposal{
			{OrderLineRef: "2", DocLineRef: "20", Confidence: "high"},
		}}
		res := NewEngine(nil, m, Options{}, nil).Reconcile(context.Background(), "13001", items)
		assert.Equal(t, VerdictMatch, res.Verdict)
		require.Len(t, res.Lines, 2)
		assert.Equal(t, "2", res.Lines[1].Key)
		assert.True(t, res.Lines[1].Received.Equal(decimal.NewFromInt(5)))
		assert.True(t, res.Lines[1].Invoiced.Equal(decimal.NewFromInt(5)))

		require.Equal(t, 1, m.calls)
		assert.Equal(t, []UnmatchedLine{{Ref: "2", Description: "Steel Rod 10mm", Quantity: "5", Role: models.RoleOrder}}, m.gotOrder)
		assert.Len(t, m.gotDocs, 2)
	})

	t.Run("low confidence proposals are ignored", func(t *testing.T) {
		m := &fakeMatcher{proposals: []models.MatchProposal{
			{OrderLineRef: "2", DocLineRef: "20", Confidence: "medium"},
		}}
		res := NewEngine(nil, m, Options{}, nil).Reconcile(context.Background(), "13001", items)
		assert.Equal(t, VerdictMismatch, res.Verdict)
	})

	t.Run("matcher failure leaves orphans as they are", func(t *testing.T) {
		m := &fakeMatcher{err: errors.New("quota exceeded")}
		res := NewEngine(nil, m, Options{}, nil).Reconcile(context.Background(), "13001", items)
		assert.Equal(t, VerdictMismatch, res.Verdict)
		assert.Equal(t, 1, m.calls)
	})
}

func TestEngine_UnsolicitedDelivery(t *testing.T) {
	items := []models.LineItem{po("1", 10), do("1", 10), do("7", 2), si("1", 10)}
	res := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictAttention, res.Verdict)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, LineUnsolicited, res.Lines[1].Status)
	assert.Equal(t, "7", res.Lines[1].Key)
}

func TestEngine_DescriptionCheck(t *testing.T) {
	items := []models.LineItem{
		li(models.DocTypePurchaseOrder, "1", 10, "Hydraulic pump"),
		li(models.DocTypeDeliveryNote, "1", 10, "Office chair"),
		li(models.DocTypeSalesInvoice, "1", 10, "Hydraulic pump assembly"),
	}

	off := NewEngine(nil, nil, Options{}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictMatch, off.Verdict)

	on := NewEngine(nil, nil, Options{SimilarityThreshold: 0.35}, nil).Reconcile(context.Background(), "13001", items)
	assert.Equal(t, VerdictDataDiscrepancy, on.Verdict)
	assert.Contains(t, on.Details, "line 1")
	assert.True(t, on.Verdict.Quarantines())
}

func TestEngine_Deterministic(t *testing.T) {
	items := []models.LineItem{
		po("10", 1), po("2", 4), po("1", 3), po("X", 1),
		do("10", 1), do("2", 4), do("1", 3), do("X", 1),
		si("10", 1), si("2", 4), si("1", 2), si("X", 1),
	}
	e := NewEngine(nil, nil, Options{}, nil)
	first := e.Reconcile(context.Background(), "13001", items)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Reconcile(context.Background(), "13001", items))
	}
	keys := make([]string, 0, len(first.Lines))
	for _, l := range first.Lines {
		keys = append(keys, l.Key)
	}
	assert.Equal(t, []string{"1", "2", "10", "X"}, keys)
}

type fakeSource struct {
	items []models.LineItem
	err   error
}

func (f fakeSource) LineItems(context.Context, string) ([]models.LineItem, error) {
	return f.items, f.err
}

func TestEngine_ReconcileOrder(t *testing.T) {
	res, err := NewEngine(fakeSource{items: []models.LineItem{po("1", 1), do("1", 1), si("1", 1)}}, nil, Options{}, nil).
		ReconcileOrder(context.Background(), "13001")
	require.NoError(t, err)
	assert.Equal(t, VerdictMatch, res.Verdict)
	assert.True(t, res.Verdict.Mergeable())

	_, err = NewEngine(fakeSource{err: errors.New("db closed")}, nil, Options{}, nil).ReconcileOrder(context.Background(), "13001")
	assert.Error(t, err)
}

func TestLineStatus_Describe(t *testing.T) {
	assert.Equal(t, "Short Shipment (Received < Ordered)", LinePartialDelivery.Describe())
	assert.Equal(t, "Unordered Item (Not on PO)", LineUnsolicited.Describe())
	assert.Equal(t, "Match", LineOK.Describe())
	assert.Equal(t, "SOMETHING_NEW", LineStatus("SOMETHING_NEW").Describe())
}
