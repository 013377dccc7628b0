// Package reconcile computes the three-way match between an order, its
// delivery notes and its invoices.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/Lllllllleong/documentmerger/internal/models"
)

// Verdict is the bundle-level outcome of a reconciliation.
type Verdict string

const (
	VerdictWaitingForDocs  Verdict = "WAITING_FOR_DOCS"
	VerdictMatch           Verdict = "MATCH"
	VerdictAttention       Verdict = "ATTENTION"
	VerdictIncomplete      Verdict = "INCOMPLETE"
	VerdictInvoicePending  Verdict = "INVOICE_PENDING"
	VerdictMismatch        Verdict = "MISMATCH"
	VerdictDataDiscrepancy Verdict = "DATA_DISCREPANCY"
)

// rank orders line-level escalations; higher wins.
func (v Verdict) rank() int {
	switch v {
	case VerdictAttention:
		return 1
	case VerdictInvoicePending:
		return 2
	case VerdictIncomplete:
		return 3
	}
	return 0
}

// Mergeable reports whether the bundle may be merged.
func (v Verdict) Mergeable() bool {
	return v == VerdictMatch || v == VerdictAttention
}

// Quarantines reports whether the whole bundle must be quarantined.
func (v Verdict) Quarantines() bool {
	return v == VerdictMismatch || v == VerdictDataDiscrepancy
}

// LineStatus is the per-line outcome.
type LineStatus string

const (
	LineOK              LineStatus = "OK"
	LinePartialDelivery LineStatus = "PARTIAL_DELIVERY"
	LineOverDelivery    LineStatus = "OVER_DELIVERY"
	LinePartialInvoice  LineStatus = "PARTIAL_INVOICE"
	LineOverInvoiced    LineStatus = "OVER_INVOICED"
	LineUnsolicited     LineStatus = "UNSOLICITED"
)

var lineDescriptions = map[LineStatus]string{
	LinePartialDelivery: "Short Shipment (Received < Ordered)",
	LineOverDelivery:    "Over Shipment (Received > Ordered)",
	LinePartialInvoice:  "Under Invoiced",
	LineOverInvoiced:    "Over Invoiced (Check Price)",
	LineUnsolicited:     "Unordered Item (Not on PO)",
	LineOK:              "Match",
}

// Describe returns the wording used in audit reports.
func (s LineStatus) Describe() string {
	if d, ok := lineDescriptions[s]; ok {
		return d
	}
	return string(s)
}

// LineReport is one row of the per-line report.
type LineReport struct {
	Key         string          `json:"line"`
	Description string          `json:"description"`
	Ordered     decimal.Decimal `json:"ordered"`
	Received    decimal.Decimal `json:"received"`
	Invoiced    decimal.Decimal `json:"invoiced"`
	Status      LineStatus      `json:"status"`
}

// Result is the outcome of reconciling one order.
type Result struct {
	OrderID   string        `json:"orderId"`
	Verdict   Verdict       `json:"verdict"`
	Details   string        `json:"details,omitempty"`
	Lines     []LineReport  `json:"lines,omitempty"`
	Missing   []models.Role `json:"missing,omitempty"`
	ItemCount int           `json:"itemCount"`
}
