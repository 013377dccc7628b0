package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/models"
)

// ItemSource loads every line item tagged to an order.
type ItemSource interface {
	LineItems(ctx context.Context, orderID string) ([]models.LineItem, error)
}

// UnmatchedLine is a ledger row handed to the Matcher.
type UnmatchedLine struct {
	Ref         string      `json:"line_ref"`
	Description string      `json:"description,omitempty"`
	PartNo      string      `json:"part_no,omitempty"`
	Quantity    string      `json:"quantity"`
	Role        models.Role `json:"role,omitempty"`
}

// Matcher proposes which orphaned document lines belong to which order lines.
type Matcher interface {
	ProposeMatches(ctx context.Context, orderLines, docLines []UnmatchedLine) ([]models.MatchProposal, error)
}

const highConfidence = "high"

// Options tunes optional checks.
type Options struct {
	// SimilarityThreshold enables the description check when > 0.
	SimilarityThreshold float64
}

// Engine reconciles orders. A nil Matcher skips orphan reconciliation.
type Engine struct {
	items   ItemSource
	matcher Matcher
	opts    Options
	log     *logger.Logger
}

func NewEngine(items ItemSource, matcher Matcher, opts Options, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{items: items, matcher: matcher, opts: opts, log: log.Named("reconcile")}
}

type entry struct {
	qty         decimal.Decimal
	description string
	partNo      string
}

type ledger map[string]*entry

func (l ledger) add(key string, it models.LineItem) {
	e, ok := l[key]
	if !ok {
		e = &entry{qty: decimal.Zero}
		l[key] = e
	}
	e.qty = e.qty.Add(it.Quantity)
	if e.description == "" {
		e.description = it.Description
	}
	if e.partNo == "" {
		e.partNo = it.PartNo
	}
}

func (l ledger) qty(key string) decimal.Decimal {
	if e, ok := l[key]; ok {
		return e.qty
	}
	return decimal.Zero
}

func (l ledger) has(key string) bool {
	_, ok := l[key]
	return ok
}

func (l ledger) keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

// move folds the quantity at from into to.
func (l ledger) move(from, to string) {
	src := l[from]
	dst, ok := l[to]
	if !ok {
		dst = &entry{qty: decimal.Zero, description: src.description, partNo: src.partNo}
		l[to] = dst
	}
	dst.qty = dst.qty.Add(src.qty)
	delete(l, from)
}

func (l ledger) unmatched(keys []string, role models.Role) []UnmatchedLine {
	out := make([]UnmatchedLine, 0, len(keys))
	for _, k := range keys {
		e := l[k]
		out = append(out, UnmatchedLine{Ref: k, Description: e.description, PartNo: e.partNo, Quantity: e.qty.String(), Role: role})
	}
	return out
}

// ReconcileOrder loads the order's items and reconciles them.
func (e *Engine) ReconcileOrder(ctx context.Context, orderID string) (*Result, error) {
	items, err := e.items.LineItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load line items for %s: %w", orderID, err)
	}
	return e.Reconcile(ctx, orderID, items), nil
}

// Reconcile computes the verdict for one order from its line items.
func (e *Engine) Reconcile(ctx context.Context, orderID string, items []models.LineItem) *Result {
	res := &Result{OrderID: orderID, ItemCount: len(items)}
	logCtx := e.log.With("orderId", orderID)

	order, delivery, invoice := ledger{}, ledger{}, ledger{}
	seen := map[models.Role]bool{}
	for _, it := range items {
		role := models.RoleOf(string(it.DocType))
		key := NormalizeKey(it.LineRef)
		switch role {
		case models.RoleOrder:
			// one row per key on the order; the last one is canonical
			order[key] = &entry{qty: it.Quantity, description: it.Description, partNo: it.PartNo}
		case models.RoleDelivery:
			delivery.add(key, it)
		case models.RoleInvoice:
			invoice.add(key, it)
		default:
			continue
		}
		seen[role] = true
	}

	for _, r := range models.RequiredRoles {
		if !seen[r] {
			res.Missing = append(res.Missing, r)
		}
	}
	if len(res.Missing) > 0 {
		res.Verdict = VerdictWaitingForDocs
		res.Details = "missing: " + joinRoles(res.Missing)
		return res
	}

	e.reconcileOrphans(ctx, logCtx, order, delivery, invoice)

	verdict := VerdictMatch
	escalate := func(v Verdict) {
		if v.rank() > verdict.rank() {
			verdict = v
		}
	}

	matched := 0
	for _, key := range order.keys() {
		o := order[key]
		received := delivery.qty(key)
		invoiced := invoice.qty(key)

		status := LineOK
		switch received.Cmp(o.qty) {
		case -1:
			status = LinePartialDelivery
			escalate(VerdictIncomplete)
		case 1:
			status = LineOverDelivery
			escalate(VerdictAttention)
		}
		switch invoiced.Cmp(received) {
		case -1:
			if status == LineOK {
				status = LinePartialInvoice
			}
			escalate(VerdictInvoicePending)
		case 1:
			if status == LineOK {
				status = LineOverInvoiced
			}
			escalate(VerdictAttention)
		}
		if received.IsPositive() || invoiced.IsPositive() {
			matched++
		}
		res.Lines = append(res.Lines, LineReport{
			Key:         key,
			Description: o.description,
			Ordered:     o.qty,
			Received:    received,
			Invoiced:    invoiced,
			Status:      status,
		})
	}

	for _, key := range delivery.keys() {
		if order.has(key) {
			continue
		}
		d := delivery[key]
		res.Lines = append(res.Lines, LineReport{
			Key:         key,
			Description: d.description,
			Ordered:     decimal.Zero,
			Received:    d.qty,
			Invoiced:    invoice.qty(key),
			Status:      LineUnsolicited,
		})
		escalate(VerdictAttention)
	}

	// Safety checks override any line-level verdict.
	if len(order) > 0 && matched == 0 {
		res.Verdict = VerdictMismatch
		res.Details = "zero lines matched, parsing likely failed"
		return res
	}
	for _, key := range invoice.keys() {
		if !order.has(key) {
			res.Verdict = VerdictMismatch
			res.Details = fmt.Sprintf("invoice contains an unordered line %s", key)
			return res
		}
	}
	if e.opts.SimilarityThreshold > 0 {
		if details, ok := e.contentMismatch(order, delivery, invoice); ok {
			res.Verdict = VerdictDataDiscrepancy
			res.Details = details
			return res
		}
	}

	res.Verdict = verdict
	res.Details = summarize(verdict, res.Lines)
	return res
}

func (e *Engine) reconcileOrphans(ctx context.Context, logCtx *logger.Logger, order, delivery, invoice ledger) {
	if e.matcher == nil {
		return
	}
	var unmatchedKeys []string
	for _, k := range order.keys() {
		if !delivery.has(k) && !invoice.has(k) {
			unmatchedKeys = append(unmatchedKeys, k)
		}
	}
	var deliveryOrphans, invoiceOrphans []string
	for _, k := range delivery.keys() {
		if !order.has(k) {
			deliveryOrphans = append(deliveryOrphans, k)
		}
	}
	for _, k := range invoice.keys() {
		if !order.has(k) {
			invoiceOrphans = append(invoiceOrphans, k)
		}
	}
	if len(unmatchedKeys) == 0 || len(deliveryOrphans)+len(invoiceOrphans) == 0 {
		return
	}

	docLines := append(delivery.unmatched(deliveryOrphans, models.RoleDelivery),
		invoice.unmatched(invoiceOrphans, models.RoleInvoice)...)
	proposals, err := e.matcher.ProposeMatches(ctx, order.unmatched(unmatchedKeys, models.RoleOrder), docLines)
	if err != nil {
		logCtx.Warn("fuzzy matcher unavailable, keeping orphans", "error", err)
		return
	}

	unmatched := make(map[string]bool, len(unmatchedKeys))
	for _, k := range unmatchedKeys {
		unmatched[k] = true
	}
	for _, p := range proposals {
		if !strings.EqualFold(strings.TrimSpace(p.Confidence), highConfidence) {
			continue
		}
		orderKey := NormalizeKey(p.OrderLineRef)
		docKey := NormalizeKey(p.DocLineRef)
		if !unmatched[orderKey] || order.has(docKey) {
			continue
		}
		moved := false
		for _, l := range []ledger{delivery, invoice} {
			if l.has(docKey) {
				l.move(docKey, orderKey)
				moved = true
			}
		}
		if moved {
			logCtx.Info("orphan line reassigned", "docLine", docKey, "orderLine", orderKey)
		}
	}
}

func (e *Engine) contentMismatch(order, delivery, invoice ledger) (string, bool) {
	for _, key := range order.keys() {
		want := order[key].description
		for _, side := range []struct {
			name string
			l    ledger
		}{{"delivery", delivery}, {"invoice", invoice}} {
			got, ok := side.l[key]
			if !ok {
				continue
			}
			if !Similar(want, got.description, e.opts.SimilarityThreshold) {
				return fmt.Sprintf("content mismatch on line %s: order=%q, %s=%q",
					key, truncate(want, 30), side.name, truncate(got.description, 30)), true
			}
		}
	}
	return "", false
}

func summarize(v Verdict, lines []LineReport) string {
	var flagged []string
	for _, l := range lines {
		if l.Status != LineOK {
			flagged = append(flagged, fmt.Sprintf("%s (%s)", l.Key, l.Status))
		}
	}
	switch v {
	case VerdictMatch:
		return fmt.Sprintf("all %d line(s) reconciled", len(lines))
	default:
		return "lines: " + strings.Join(flagged, ", ")
	}
}

func joinRoles(roles []models.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
